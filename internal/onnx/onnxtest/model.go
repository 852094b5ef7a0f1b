package onnxtest

import "google.golang.org/protobuf/encoding/protowire"

// Model serializes a minimal ONNX ModelProto: ir_version 8, the given
// producer name, opset 13 and a graph of n Identity nodes.
func Model(producer string, n int) []byte {
	var graph []byte
	for range n {
		var node []byte
		node = appendString(node, 1, "x")
		node = appendString(node, 2, "y")
		node = appendString(node, 4, "Identity")
		graph = appendBytes(graph, 1, node)
	}
	graph = appendString(graph, 2, "main")

	var opset []byte
	opset = protowire.AppendTag(opset, 2, protowire.VarintType)
	opset = protowire.AppendVarint(opset, 13)

	var model []byte
	model = protowire.AppendTag(model, 1, protowire.VarintType)
	model = protowire.AppendVarint(model, 8)
	model = appendString(model, 2, producer)
	model = appendBytes(model, 7, graph)
	model = appendBytes(model, 8, opset)
	return model
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

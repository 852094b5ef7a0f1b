package onnx

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// ErrNotModel is returned by Inspect when the bytes carry no ModelProto header.
var ErrNotModel = errors.New("not an ONNX model")

// ModelProto and GraphProto field numbers from onnx.proto.
const (
	modelIRVersion       protowire.Number = 1
	modelProducerName    protowire.Number = 2
	modelProducerVersion protowire.Number = 3
	modelDomain          protowire.Number = 4
	modelVersion         protowire.Number = 5
	modelGraph           protowire.Number = 7
	modelOpsetImport     protowire.Number = 8

	graphNode        protowire.Number = 1
	graphName        protowire.Number = 2
	graphInitializer protowire.Number = 5
	graphInput       protowire.Number = 11
	graphOutput      protowire.Number = 12

	opsetDomain  protowire.Number = 1
	opsetVersion protowire.Number = 2
)

// Opset is one operator set import of a model.
type Opset struct {
	Domain  string `json:"domain"`
	Version int64  `json:"version"`
}

// ModelInfo summarizes the header of a serialized ONNX model.
type ModelInfo struct {
	IRVersion        int64   `json:"ir_version"`
	ProducerName     string  `json:"producer_name,omitempty"`
	ProducerVersion  string  `json:"producer_version,omitempty"`
	Domain           string  `json:"domain,omitempty"`
	ModelVersion     int64   `json:"model_version,omitempty"`
	Opsets           []Opset `json:"opsets,omitempty"`
	GraphName        string  `json:"graph_name,omitempty"`
	Nodes            int     `json:"nodes"`
	Initializers     int     `json:"initializers"`
	Inputs           int     `json:"inputs"`
	Outputs          int     `json:"outputs"`

	hasGraph bool
}

// Producer renders the producer name and version as one string.
func (m ModelInfo) Producer() string {
	if m.ProducerVersion == "" {
		return m.ProducerName
	}
	return m.ProducerName + " " + m.ProducerVersion
}

// Inspect decodes the ModelProto header fields of data at the protobuf wire
// level. Tensor payloads and node attributes are skipped, not decoded.
func Inspect(data []byte) (ModelInfo, error) {
	var info ModelInfo
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, b []byte, v uint64) error {
		switch {
		case num == modelIRVersion && typ == protowire.VarintType:
			info.IRVersion = int64(v)
		case num == modelProducerName && typ == protowire.BytesType:
			info.ProducerName = string(b)
		case num == modelProducerVersion && typ == protowire.BytesType:
			info.ProducerVersion = string(b)
		case num == modelDomain && typ == protowire.BytesType:
			info.Domain = string(b)
		case num == modelVersion && typ == protowire.VarintType:
			info.ModelVersion = int64(v)
		case num == modelOpsetImport && typ == protowire.BytesType:
			opset, err := parseOpset(b)
			if err != nil {
				return fmt.Errorf("opset import: %w", err)
			}
			info.Opsets = append(info.Opsets, opset)
		case num == modelGraph && typ == protowire.BytesType:
			info.hasGraph = true
			if err := parseGraph(b, &info); err != nil {
				return fmt.Errorf("graph: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return ModelInfo{}, err
	}
	if info.IRVersion == 0 && !info.hasGraph {
		return ModelInfo{}, ErrNotModel
	}
	return info, nil
}

func parseGraph(data []byte, info *ModelInfo) error {
	return walkFields(data, func(num protowire.Number, typ protowire.Type, b []byte, _ uint64) error {
		if typ != protowire.BytesType {
			return nil
		}
		switch num {
		case graphNode:
			info.Nodes++
		case graphName:
			info.GraphName = string(b)
		case graphInitializer:
			info.Initializers++
		case graphInput:
			info.Inputs++
		case graphOutput:
			info.Outputs++
		}
		return nil
	})
}

func parseOpset(data []byte) (Opset, error) {
	var opset Opset
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, b []byte, v uint64) error {
		switch {
		case num == opsetDomain && typ == protowire.BytesType:
			opset.Domain = string(b)
		case num == opsetVersion && typ == protowire.VarintType:
			opset.Version = int64(v)
		}
		return nil
	})
	return opset, err
}

// walkFields calls fn for every top-level field of a message. Bytes fields
// pass their payload in b; varint fields pass their value in v.
func walkFields(data []byte, fn func(num protowire.Number, typ protowire.Type, b []byte, v uint64) error) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("field tag: %w", protowire.ParseError(n))
		}
		data = data[n:]

		var (
			b []byte
			v uint64
		)
		switch typ {
		case protowire.VarintType:
			v, n = protowire.ConsumeVarint(data)
		case protowire.BytesType:
			b, n = protowire.ConsumeBytes(data)
		default:
			n = protowire.ConsumeFieldValue(num, typ, data)
		}
		if n < 0 {
			return fmt.Errorf("field %d: %w", num, protowire.ParseError(n))
		}
		data = data[n:]

		if err := fn(num, typ, b, v); err != nil {
			return err
		}
	}
	return nil
}

// Package onnx defines the boundary to the graph-processing engine that
// performs model simplification and optimization, the initialization
// configuration the engine accepts (pre-run hooks and output sinks), and a
// subprocess-backed implementation driving the onnxsim and onnxoptimizer tools.
package onnx

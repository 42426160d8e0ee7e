package checkpoints

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/tsawler/go-vjepa/layers"
)

// ONNX protobuf field numbers (onnx/onnx.proto3).
const (
	modelIRVersion       protowire.Number = 1
	modelProducerName    protowire.Number = 2
	modelProducerVersion protowire.Number = 3
	modelVersion         protowire.Number = 5
	modelDocString       protowire.Number = 6
	modelGraph           protowire.Number = 7
	modelOpsetImport     protowire.Number = 8

	opsetDomain  protowire.Number = 1
	opsetVersion protowire.Number = 2

	graphNode        protowire.Number = 1
	graphName        protowire.Number = 2
	graphInitializer protowire.Number = 5
	graphInput       protowire.Number = 11
	graphOutput      protowire.Number = 12

	nodeInput  protowire.Number = 1
	nodeOutput protowire.Number = 2
	nodeName   protowire.Number = 3
	nodeOpType protowire.Number = 4

	tensorDims      protowire.Number = 1
	tensorDataType  protowire.Number = 2
	tensorFloatData protowire.Number = 4
	tensorName      protowire.Number = 8
	tensorRawData   protowire.Number = 9

	valueInfoName protowire.Number = 1
	valueInfoType protowire.Number = 2

	typeTensorType  protowire.Number = 1
	tensorTypeElem  protowire.Number = 1
	tensorTypeShape protowire.Number = 2
	shapeDim        protowire.Number = 1
	dimValue        protowire.Number = 1

	onnxFloat = 1 // TensorProto.DataType.FLOAT

	onnxIRVersion = 7
	onnxOpset     = 13
)

// ExportONNX writes the weights as ONNX initializers. When graph is non-nil
// its Dense and ReLU layers are also emitted as MatMul/Add/Relu nodes, reading
// their parameters from the initializers of the same name.
func ExportONNX(path string, w *WeightsFile, graph *layers.ModelSpec) error {
	if w.Metadata.Framework == "" {
		w.Metadata = NewMetadata(w.Metadata.RunID, time.Now())
	}
	g, err := buildGraph(w, graph)
	if err != nil {
		return fmt.Errorf("failed to build ONNX graph: %w", err)
	}

	var b []byte
	b = protowire.AppendTag(b, modelIRVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, onnxIRVersion)
	b = appendString(b, modelProducerName, Framework)
	b = appendString(b, modelProducerVersion, fmt.Sprint(FormatVersion))
	b = protowire.AppendTag(b, modelVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, 1)
	b = appendString(b, modelDocString, w.Metadata.RunID)
	b = appendMessage(b, modelGraph, g)

	var opset []byte
	opset = appendString(opset, opsetDomain, "")
	opset = protowire.AppendTag(opset, opsetVersion, protowire.VarintType)
	opset = protowire.AppendVarint(opset, onnxOpset)
	b = appendMessage(b, modelOpsetImport, opset)

	return WriteFileAtomic(path, b)
}

func buildGraph(w *WeightsFile, spec *layers.ModelSpec) ([]byte, error) {
	var g []byte
	weights := make(map[string]bool, len(w.Model))
	for _, t := range w.Model {
		weights[t.Name] = true
	}

	if spec != nil {
		current := "input"
		for _, layer := range spec.Layers {
			switch layer.Type {
			case layers.Dense:
				weight, bias := layer.Name+".weight", layer.Name+".bias"
				if !weights[weight] {
					return nil, fmt.Errorf("layer %s: missing initializer %s", layer.Name, weight)
				}
				out := layer.Name + "_matmul"
				g = appendMessage(g, graphNode, node(layer.Name+"_matmul_op", layer.Type.ONNXOpType(), []string{current, weight}, out))
				current = out
				if weights[bias] {
					out = layer.Name + "_output"
					g = appendMessage(g, graphNode, node(layer.Name+"_add_bias", "Add", []string{current, bias}, out))
					current = out
				}
			case layers.ReLU:
				out := layer.Name + "_output"
				g = appendMessage(g, graphNode, node(layer.Name, layer.Type.ONNXOpType(), []string{current}, out))
				current = out
			default:
				return nil, fmt.Errorf("unsupported layer type for ONNX export: %s", layer.Type)
			}
		}
		g = appendMessage(g, graphInput, valueInfo("input", spec.InputShape))
		g = appendMessage(g, graphOutput, valueInfo(current, spec.OutputShape))
	}

	g = appendString(g, graphName, Framework)
	for _, t := range w.Model {
		g = appendMessage(g, graphInitializer, tensorProto(t))
	}
	return g, nil
}

func node(name, opType string, inputs []string, output string) []byte {
	var b []byte
	for _, in := range inputs {
		b = appendString(b, nodeInput, in)
	}
	b = appendString(b, nodeOutput, output)
	b = appendString(b, nodeName, name)
	return appendString(b, nodeOpType, opType)
}

func valueInfo(name string, shape []int) []byte {
	var dims []byte
	for _, d := range shape {
		var dim []byte
		dim = protowire.AppendTag(dim, dimValue, protowire.VarintType)
		dim = protowire.AppendVarint(dim, uint64(d))
		dims = appendMessage(dims, shapeDim, dim)
	}
	var tt []byte
	tt = protowire.AppendTag(tt, tensorTypeElem, protowire.VarintType)
	tt = protowire.AppendVarint(tt, onnxFloat)
	tt = appendMessage(tt, tensorTypeShape, dims)

	var typ []byte
	typ = appendMessage(typ, typeTensorType, tt)

	var b []byte
	b = appendString(b, valueInfoName, name)
	return appendMessage(b, valueInfoType, typ)
}

func tensorProto(t WeightTensor) []byte {
	var b []byte
	var dims []byte
	for _, d := range t.Shape {
		dims = protowire.AppendVarint(dims, uint64(d))
	}
	b = protowire.AppendTag(b, tensorDims, protowire.BytesType)
	b = protowire.AppendBytes(b, dims)
	b = protowire.AppendTag(b, tensorDataType, protowire.VarintType)
	b = protowire.AppendVarint(b, onnxFloat)
	b = appendString(b, tensorName, t.Name)

	raw := make([]byte, 4*len(t.Data))
	for i, v := range t.Data {
		binary.LittleEndian.PutUint32(raw[4*i:], math.Float32bits(v))
	}
	b = protowire.AppendTag(b, tensorRawData, protowire.BytesType)
	return protowire.AppendBytes(b, raw)
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

// ImportONNX reads the float initializers of an ONNX model as weights.
// Graph nodes are ignored.
func ImportONNX(path string) (*WeightsFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}

	w := &WeightsFile{Version: FormatVersion}
	var graph []byte
	var producer string
	err = walkFields(data, func(num protowire.Number, typ protowire.Type, v []byte, _ uint64) error {
		switch {
		case num == modelGraph && typ == protowire.BytesType:
			graph = v
		case num == modelProducerName && typ == protowire.BytesType:
			producer = string(v)
		case num == modelDocString && typ == protowire.BytesType:
			w.Metadata.RunID = string(v)
		}
		return nil
	})
	if err != nil {
		return nil, &LoadError{Path: path, Err: fmt.Errorf("corrupt ONNX model: %w", err)}
	}
	if graph == nil {
		return nil, &LoadError{Path: path, Err: errors.New("ONNX model has no graph")}
	}

	err = walkFields(graph, func(num protowire.Number, typ protowire.Type, v []byte, _ uint64) error {
		if num != graphInitializer || typ != protowire.BytesType {
			return nil
		}
		t, err := parseTensor(v)
		if err != nil {
			return err
		}
		w.Model = append(w.Model, t)
		return nil
	})
	if err != nil {
		return nil, &LoadError{Path: path, Err: fmt.Errorf("corrupt ONNX graph: %w", err)}
	}

	w.Metadata.Framework = producer
	w.Metadata.Description = "imported from ONNX"
	return w, nil
}

func parseTensor(b []byte) (WeightTensor, error) {
	var t WeightTensor
	dataType := uint64(onnxFloat)
	var raw []byte
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte, x uint64) error {
		switch num {
		case tensorDims:
			if typ == protowire.VarintType {
				t.Shape = append(t.Shape, int(x))
				return nil
			}
			for len(v) > 0 {
				d, n := protowire.ConsumeVarint(v)
				if n < 0 {
					return protowire.ParseError(n)
				}
				t.Shape = append(t.Shape, int(d))
				v = v[n:]
			}
		case tensorDataType:
			dataType = x
		case tensorName:
			t.Name = string(v)
		case tensorRawData:
			raw = v
		case tensorFloatData:
			if typ == protowire.Fixed32Type {
				t.Data = append(t.Data, math.Float32frombits(uint32(x)))
				return nil
			}
			for len(v) > 0 {
				f, n := protowire.ConsumeFixed32(v)
				if n < 0 {
					return protowire.ParseError(n)
				}
				t.Data = append(t.Data, math.Float32frombits(f))
				v = v[n:]
			}
		}
		return nil
	})
	if err != nil {
		return t, err
	}
	if dataType != onnxFloat {
		return t, fmt.Errorf("initializer %q has unsupported data type %d", t.Name, dataType)
	}
	if raw != nil {
		if len(raw)%4 != 0 {
			return t, fmt.Errorf("initializer %q raw data length %d is not a multiple of 4", t.Name, len(raw))
		}
		t.Data = make([]float32, len(raw)/4)
		for i := range t.Data {
			t.Data[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
		}
	}
	if len(t.Shape) == 0 {
		t.Shape = []int{len(t.Data)}
	}
	return t, nil
}

// walkFields calls fn for every top-level field of a protobuf message. For
// length-delimited fields v holds the payload, for varint and fixed fields x
// holds the value.
func walkFields(b []byte, fn func(num protowire.Number, typ protowire.Type, v []byte, x uint64) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		var v []byte
		var x uint64
		switch typ {
		case protowire.VarintType:
			x, n = protowire.ConsumeVarint(b)
		case protowire.Fixed32Type:
			var f uint32
			f, n = protowire.ConsumeFixed32(b)
			x = uint64(f)
		case protowire.Fixed64Type:
			x, n = protowire.ConsumeFixed64(b)
		case protowire.BytesType:
			v, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		if err := fn(num, typ, v, x); err != nil {
			return err
		}
	}
	return nil
}

package layers

import (
	"fmt"
	"strings"
)

// LayerType represents the type of network layer
type LayerType int

const (
	Dense LayerType = iota
	ReLU
	Patchify
	MeanPool
)

func (lt LayerType) String() string {
	switch lt {
	case Dense:
		return "Dense"
	case ReLU:
		return "ReLU"
	case Patchify:
		return "Patchify"
	case MeanPool:
		return "MeanPool"
	default:
		return "Unknown"
	}
}

// ONNXOpType returns the ONNX operator a layer exports as. Layers without a
// direct counterpart return "".
func (lt LayerType) ONNXOpType() string {
	switch lt {
	case Dense:
		return "MatMul"
	case ReLU:
		return "Relu"
	default:
		return ""
	}
}

// LayerSpec is pure layer configuration - no execution logic
type LayerSpec struct {
	Type       LayerType              `json:"type" msgpack:"type"`
	Name       string                 `json:"name" msgpack:"name"`
	Parameters map[string]interface{} `json:"parameters" msgpack:"parameters"`

	// Shape information (computed during model compilation)
	InputShape  []int `json:"input_shape,omitempty" msgpack:"input_shape,omitempty"`
	OutputShape []int `json:"output_shape,omitempty" msgpack:"output_shape,omitempty"`

	// Parameter metadata (computed during model compilation)
	ParameterShapes [][]int `json:"parameter_shapes,omitempty" msgpack:"parameter_shapes,omitempty"`
	ParameterCount  int64   `json:"parameter_count,omitempty" msgpack:"parameter_count,omitempty"`
}

// ModelSpec describes a compiled chain of layers
type ModelSpec struct {
	Layers []LayerSpec `json:"layers"`

	TotalParameters int64   `json:"total_parameters"`
	ParameterShapes [][]int `json:"parameter_shapes"`
	InputShape      []int   `json:"input_shape"`
	OutputShape     []int   `json:"output_shape"`
	Compiled        bool    `json:"compiled"`
}

// LayerFactory creates layer specifications (configuration only)
type LayerFactory struct{}

func NewFactory() *LayerFactory {
	return &LayerFactory{}
}

func (lf *LayerFactory) CreateDenseSpec(inputSize, outputSize int, useBias bool, name string) LayerSpec {
	return LayerSpec{
		Type: Dense,
		Name: name,
		Parameters: map[string]interface{}{
			"input_size":  inputSize,
			"output_size": outputSize,
			"use_bias":    useBias,
		},
	}
}

func (lf *LayerFactory) CreateReLUSpec(name string) LayerSpec {
	return LayerSpec{
		Type:       ReLU,
		Name:       name,
		Parameters: map[string]interface{}{},
	}
}

// CreatePatchifySpec describes the split of [B, T, C, H, W] frames into
// non-overlapping patch_size × patch_size patches.
func (lf *LayerFactory) CreatePatchifySpec(patchSize int, name string) LayerSpec {
	return LayerSpec{
		Type: Patchify,
		Name: name,
		Parameters: map[string]interface{}{
			"patch_size": patchSize,
		},
	}
}

// CreateMeanPoolSpec describes averaging the token axis of [B, N, D] down to [B, D].
func (lf *LayerFactory) CreateMeanPoolSpec(name string) LayerSpec {
	return LayerSpec{
		Type:       MeanPool,
		Name:       name,
		Parameters: map[string]interface{}{},
	}
}

// ModelBuilder helps construct a model specification
type ModelBuilder struct {
	layers     []LayerSpec
	inputShape []int
	compiled   bool
}

func NewModelBuilder(inputShape []int) *ModelBuilder {
	return &ModelBuilder{
		layers:     make([]LayerSpec, 0),
		inputShape: inputShape,
	}
}

func (mb *ModelBuilder) AddLayer(layer LayerSpec) *ModelBuilder {
	mb.layers = append(mb.layers, layer)
	mb.compiled = false // Invalidate compilation
	return mb
}

// AddLayers appends the specs of a module, e.g. module.Specs("predictor").
func (mb *ModelBuilder) AddLayers(specs []LayerSpec) *ModelBuilder {
	for _, s := range specs {
		mb.AddLayer(s)
	}
	return mb
}

// Compile computes shapes and parameter counts for every layer
func (mb *ModelBuilder) Compile() (*ModelSpec, error) {
	if len(mb.layers) == 0 {
		return nil, fmt.Errorf("cannot compile empty model")
	}

	model := &ModelSpec{
		Layers:     make([]LayerSpec, len(mb.layers)),
		InputShape: mb.inputShape,
	}
	for i, l := range mb.layers {
		model.Layers[i] = l
		model.Layers[i].Parameters = make(map[string]interface{}, len(l.Parameters))
		for k, v := range l.Parameters {
			model.Layers[i].Parameters[k] = v
		}
	}

	currentShape := mb.inputShape
	var allParameterShapes [][]int
	totalParams := int64(0)

	for i := range model.Layers {
		layer := &model.Layers[i]

		layer.InputShape = make([]int, len(currentShape))
		copy(layer.InputShape, currentShape)

		outputShape, paramShapes, paramCount, err := mb.computeLayerInfo(layer, currentShape)
		if err != nil {
			return nil, fmt.Errorf("failed to compute layer %d (%s) info: %w", i, layer.Name, err)
		}

		layer.OutputShape = outputShape
		layer.ParameterShapes = paramShapes
		layer.ParameterCount = paramCount

		allParameterShapes = append(allParameterShapes, paramShapes...)
		totalParams += paramCount
		currentShape = outputShape
	}

	model.OutputShape = currentShape
	model.ParameterShapes = allParameterShapes
	model.TotalParameters = totalParams
	model.Compiled = true
	mb.compiled = true

	return model, nil
}

func (mb *ModelBuilder) computeLayerInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	switch layer.Type {
	case Dense:
		return mb.computeDenseInfo(layer, inputShape)
	case Patchify:
		return mb.computePatchifyInfo(layer, inputShape)
	case MeanPool:
		return mb.computeMeanPoolInfo(layer, inputShape)
	case ReLU:
		return mb.computeActivationInfo(layer, inputShape)
	default:
		return nil, nil, 0, fmt.Errorf("unsupported layer type: %s", layer.Type.String())
	}
}

// computeDenseInfo applies the layer to the last axis, so [B, N, in]
// becomes [B, N, out].
func (mb *ModelBuilder) computeDenseInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	if len(inputShape) < 2 {
		return nil, nil, 0, fmt.Errorf("dense layer requires at least 2D input")
	}

	outputSize := getIntParam(layer.Parameters, "output_size", 0)
	if outputSize <= 0 {
		return nil, nil, 0, fmt.Errorf("missing output_size parameter")
	}
	useBias := getBoolParam(layer.Parameters, "use_bias", true)

	inputSize := inputShape[len(inputShape)-1]
	if declared := getIntParam(layer.Parameters, "input_size", inputSize); declared != inputSize {
		return nil, nil, 0, fmt.Errorf("dense layer expects input size %d, got %d", declared, inputSize)
	}
	layer.Parameters["input_size"] = inputSize

	outputShape := make([]int, len(inputShape))
	copy(outputShape, inputShape)
	outputShape[len(outputShape)-1] = outputSize

	paramShapes := [][]int{{inputSize, outputSize}}
	paramCount := int64(inputSize * outputSize)
	if useBias {
		paramShapes = append(paramShapes, []int{outputSize})
		paramCount += int64(outputSize)
	}
	return outputShape, paramShapes, paramCount, nil
}

// computePatchifyInfo maps [B, T, C, H, W] to [B, T*P, C*ps*ps].
func (mb *ModelBuilder) computePatchifyInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	if len(inputShape) != 5 {
		return nil, nil, 0, fmt.Errorf("patchify requires 5D input [batch, frames, channels, height, width]")
	}
	ps := getIntParam(layer.Parameters, "patch_size", 0)
	b, t, c, h, w := inputShape[0], inputShape[1], inputShape[2], inputShape[3], inputShape[4]
	if ps <= 0 || h%ps != 0 || w%ps != 0 {
		return nil, nil, 0, fmt.Errorf("patch size %d does not tile %dx%d frames", ps, h, w)
	}
	patches := (h / ps) * (w / ps)
	return []int{b, t * patches, c * ps * ps}, [][]int{}, 0, nil
}

func (mb *ModelBuilder) computeMeanPoolInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	if len(inputShape) != 3 {
		return nil, nil, 0, fmt.Errorf("mean pool requires 3D input [batch, tokens, features]")
	}
	return []int{inputShape[0], inputShape[2]}, [][]int{}, 0, nil
}

func (mb *ModelBuilder) computeActivationInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	// Activation layers don't change shape and have no parameters
	outputShape := make([]int, len(inputShape))
	copy(outputShape, inputShape)
	return outputShape, [][]int{}, 0, nil
}

// Summary returns a human-readable model summary
func (ms *ModelSpec) Summary() string {
	if !ms.Compiled {
		return "Model not compiled"
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Input Shape: %v\n", ms.InputShape)
	fmt.Fprintf(&sb, "Output Shape: %v\n", ms.OutputShape)
	fmt.Fprintf(&sb, "Total Parameters: %d\n", ms.TotalParameters)
	fmt.Fprintf(&sb, "Layers: %d\n\n", len(ms.Layers))

	for i, layer := range ms.Layers {
		fmt.Fprintf(&sb, "Layer %d: %s (%s)\n", i+1, layer.Name, layer.Type.String())
		fmt.Fprintf(&sb, "  Input:  %v\n", layer.InputShape)
		fmt.Fprintf(&sb, "  Output: %v\n", layer.OutputShape)
		fmt.Fprintf(&sb, "  Params: %d\n", layer.ParameterCount)
	}
	return sb.String()
}

// Helper functions for parameter extraction. Values decoded from JSON arrive
// as float64.
func getIntParam(params map[string]interface{}, key string, defaultValue int) int {
	if val, exists := params[key]; exists {
		switch v := val.(type) {
		case int:
			return v
		case int64:
			return int(v)
		case float64:
			return int(v)
		}
	}
	return defaultValue
}

func getBoolParam(params map[string]interface{}, key string, defaultValue bool) bool {
	if val, exists := params[key]; exists {
		if boolVal, ok := val.(bool); ok {
			return boolVal
		}
	}
	return defaultValue
}

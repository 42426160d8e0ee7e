package optimizer

import (
	"fmt"

	"github.com/tsawler/go-vjepa/checkpoints"
)

// Common helper functions for optimizer state management

// extractBufferState copies one state buffer into a checkpoint tensor
func extractBufferState(buffer []float32, shape []int, name string, stateType string) checkpoints.OptimizerTensor {
	data := make([]float32, len(buffer))
	copy(data, buffer)
	s := make([]int, len(shape))
	copy(s, shape)
	return checkpoints.OptimizerTensor{
		Name:      name,
		Shape:     s,
		Data:      data,
		StateType: stateType,
	}
}

// extractBuffers snapshots a family of per-parameter buffers named
// "<prefix>_<i>". Nil buffers are skipped.
func extractBuffers(buffers [][]float32, shapes [][]int, prefix string) []checkpoints.OptimizerTensor {
	var out []checkpoints.OptimizerTensor
	for i, buf := range buffers {
		if buf == nil {
			continue
		}
		out = append(out, extractBufferState(buf, shapes[i], fmt.Sprintf("%s_%d", prefix, i), prefix))
	}
	return out
}

// restoreBuffers fills buffers from every state tensor of the given type.
// Buffers are allocated on demand with the size of the matching parameter.
func restoreBuffers(buffers [][]float32, sizes []int, state []checkpoints.OptimizerTensor, stateType string) error {
	for _, t := range state {
		if t.StateType != stateType {
			continue
		}
		idx := extractBufferIndex(t.Name)
		if idx < 0 || idx >= len(buffers) {
			return fmt.Errorf("invalid buffer index in tensor name: %s", t.Name)
		}
		if len(t.Data) != sizes[idx] {
			return fmt.Errorf("data size mismatch for %s: expected %d elements, got %d",
				t.Name, sizes[idx], len(t.Data))
		}
		if buffers[idx] == nil {
			buffers[idx] = make([]float32, sizes[idx])
		}
		copy(buffers[idx], t.Data)
	}
	return nil
}

// Numeric values come back from JSON as float64 and from MessagePack as the
// narrowest type that fits.
func toFloat64(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

// extractFloat32Param safely extracts a float32 parameter from the state map
func extractFloat32Param(params map[string]interface{}, key string, defaultValue float32) float32 {
	if val, ok := toFloat64(params[key]); ok {
		return float32(val)
	}
	return defaultValue
}

// extractBoolParam safely extracts a bool parameter from the state map
func extractBoolParam(params map[string]interface{}, key string, defaultValue bool) bool {
	if val, ok := params[key].(bool); ok {
		return val
	}
	return defaultValue
}

// extractUint64Param safely extracts a uint64 parameter from the state map
func extractUint64Param(params map[string]interface{}, key string, defaultValue uint64) uint64 {
	switch n := params[key].(type) {
	case uint64:
		return n
	case int64:
		if n >= 0 {
			return uint64(n)
		}
	}
	if val, ok := toFloat64(params[key]); ok && val >= 0 {
		return uint64(val)
	}
	return defaultValue
}

func sizesOf(shapes [][]int) []int {
	sizes := make([]int, len(shapes))
	for i, s := range shapes {
		n := 1
		for _, d := range s {
			n *= d
		}
		sizes[i] = n
	}
	return sizes
}

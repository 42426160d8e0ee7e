package checkpoints

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// jsonFloats encodes float32 values as JSON numbers, except NaN and the
// infinities, which JSON cannot represent and are written as the strings
// "NaN", "Inf" and "-Inf".
type jsonFloats []float32

func (f jsonFloats) MarshalJSON() ([]byte, error) {
	if f == nil {
		return []byte("null"), nil
	}
	b := make([]byte, 0, 2+len(f)*12)
	b = append(b, '[')
	for i, v := range f {
		if i > 0 {
			b = append(b, ',')
		}
		switch {
		case math.IsNaN(float64(v)):
			b = append(b, `"NaN"`...)
		case math.IsInf(float64(v), 1):
			b = append(b, `"Inf"`...)
		case math.IsInf(float64(v), -1):
			b = append(b, `"-Inf"`...)
		default:
			b = strconv.AppendFloat(b, float64(v), 'g', -1, 32)
		}
	}
	return append(b, ']'), nil
}

func (f *jsonFloats) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw == nil {
		*f = nil
		return nil
	}
	out := make([]float32, len(raw))
	for i, r := range raw {
		if len(r) > 0 && r[0] == '"' {
			var s string
			if err := json.Unmarshal(r, &s); err != nil {
				return err
			}
			switch s {
			case "NaN":
				out[i] = float32(math.NaN())
			case "Inf", "+Inf":
				out[i] = float32(math.Inf(1))
			case "-Inf":
				out[i] = float32(math.Inf(-1))
			default:
				return fmt.Errorf("invalid value %q at index %d", s, i)
			}
			continue
		}
		v, err := strconv.ParseFloat(string(r), 32)
		if err != nil {
			return fmt.Errorf("invalid value at index %d: %w", i, err)
		}
		out[i] = float32(v)
	}
	*f = out
	return nil
}

func (w WeightTensor) MarshalJSON() ([]byte, error) {
	type plain WeightTensor
	return json.Marshal(struct {
		plain
		Data jsonFloats `json:"data"`
	}{plain(w), jsonFloats(w.Data)})
}

func (w *WeightTensor) UnmarshalJSON(data []byte) error {
	type plain WeightTensor
	aux := struct {
		*plain
		Data jsonFloats `json:"data"`
	}{plain: (*plain)(w)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	w.Data = aux.Data
	return nil
}

func (t OptimizerTensor) MarshalJSON() ([]byte, error) {
	type plain OptimizerTensor
	return json.Marshal(struct {
		plain
		Data jsonFloats `json:"data"`
	}{plain(t), jsonFloats(t.Data)})
}

func (t *OptimizerTensor) UnmarshalJSON(data []byte) error {
	type plain OptimizerTensor
	aux := struct {
		*plain
		Data jsonFloats `json:"data"`
	}{plain: (*plain)(t)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	t.Data = aux.Data
	return nil
}

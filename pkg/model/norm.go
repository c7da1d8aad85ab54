package model

import (
	"fmt"
	"math"

	"gobert/pkg/tensor"
)

// LayerNorm implements layer normalization with learnable scale and shift.
//
// Each row is normalized independently across the feature dimension:
//
//	x_norm = (x - mean) / sqrt(var + eps)
//	output = x_norm * scale + shift
type LayerNorm struct {
	Scale *tensor.Tensor // (d_model,) gamma
	Shift *tensor.Tensor // (d_model,) beta
	Eps   float32
}

// NewLayerNorm creates a LayerNorm with scale=1 and shift=0.
func NewLayerNorm(dModel int, eps float32) *LayerNorm {
	return &LayerNorm{
		Scale: tensor.Full([]int{dModel}, 1),
		Shift: tensor.NewTensor([]int{dModel}),
		Eps:   eps,
	}
}

// Forward normalizes x over its last dimension. The output has x's shape.
func (ln *LayerNorm) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if len(x.Shape) == 0 {
		return nil, fmt.Errorf("cannot apply LayerNorm to 0D tensor: %w", ErrShape)
	}

	width := x.Shape[len(x.Shape)-1]
	if width != len(ln.Scale.Data) {
		return nil, fmt.Errorf("input last dimension %d doesn't match LayerNorm dimension %d: %w",
			width, len(ln.Scale.Data), ErrShape)
	}

	result := tensor.NewTensor(x.Shape)
	if width == 0 {
		return result, nil
	}

	for off := 0; off < len(x.Data); off += width {
		row := x.Data[off : off+width]
		out := result.Data[off : off+width]

		// Accumulate in float64; rows can be wide and residual sums large.
		var mean float64
		for _, v := range row {
			mean += float64(v)
		}
		mean /= float64(width)

		var variance float64
		for _, v := range row {
			d := float64(v) - mean
			variance += d * d
		}
		variance /= float64(width)

		invStd := 1 / math.Sqrt(variance+float64(ln.Eps))
		for i, v := range row {
			norm := float32((float64(v) - mean) * invStd)
			out[i] = norm*ln.Scale.Data[i] + ln.Shift.Data[i]
		}
	}

	return result, nil
}

// Params returns scale and shift.
func (ln *LayerNorm) Params() []Param {
	return []Param{
		{Name: "scale", Value: ln.Scale},
		{Name: "shift", Value: ln.Shift},
	}
}

// NumParams returns the number of learned parameters.
func (ln *LayerNorm) NumParams() int {
	return ln.Scale.Size() + ln.Shift.Size()
}

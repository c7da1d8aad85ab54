package tensor

import "math"

// GELU applies the Gaussian Error Linear Unit activation function.
//
// The tanh approximation is used:
//
//	GELU(x) = 0.5 * x * (1 + tanh(sqrt(2/π) * (x + 0.044715 * x^3)))
//
// Reference: https://arxiv.org/abs/1606.08415
func (t *Tensor) GELU() *Tensor {
	const (
		sqrt2OverPi = 0.7978845608 // sqrt(2/π)
		coeff       = 0.044715
	)

	result := NewTensor(t.Shape)
	for i, x := range t.Data {
		inner := sqrt2OverPi * (x + coeff*x*x*x)
		result.Data[i] = 0.5 * x * (1 + float32(math.Tanh(float64(inner))))
	}
	return result
}

// ReLU applies max(0, x) element-wise.
func (t *Tensor) ReLU() *Tensor {
	result := NewTensor(t.Shape)
	for i, x := range t.Data {
		result.Data[i] = max(0, x)
	}
	return result
}

// Activation is an element-wise nonlinearity.
type Activation func(*Tensor) *Tensor

// GELU is the function form of Tensor.GELU.
func GELU(t *Tensor) *Tensor {
	return t.GELU()
}

// ReLU is the function form of Tensor.ReLU.
func ReLU(t *Tensor) *Tensor {
	return t.ReLU()
}

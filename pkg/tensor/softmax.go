package tensor

import (
	"fmt"
	"math"
)

// MaskedSoftmaxRows normalizes each row of a 2D tensor in place. Rows whose
// entries are all -Inf become all zeros.
func MaskedSoftmaxRows(t *Tensor) error {
	if len(t.Shape) != 2 {
		return fmt.Errorf("MaskedSoftmaxRows requires a 2D tensor, got shape %v: %w", t.Shape, ErrShape)
	}
	cols := t.Shape[1]
	for r := 0; r < t.Shape[0]; r++ {
		softmaxStrided(t.Data, t.Data, r*cols, 1, cols)
	}
	return nil
}

// LogSoftmax applies log-softmax along the last dimension.
func LogSoftmax(t *Tensor) (*Tensor, error) {
	if len(t.Shape) == 0 {
		return nil, fmt.Errorf("cannot apply log-softmax to a scalar: %w", ErrShape)
	}
	cols := t.Shape[len(t.Shape)-1]
	result := NewTensor(t.Shape)
	if cols == 0 {
		return result, nil
	}

	for r := 0; r < len(t.Data); r += cols {
		row := t.Data[r : r+cols]
		maxVal := float32(math.Inf(-1))
		for _, v := range row {
			maxVal = max(maxVal, v)
		}
		sum := 0.0
		for _, v := range row {
			sum += math.Exp(float64(v - maxVal))
		}
		logSum := float32(math.Log(sum)) + maxVal
		for j, v := range row {
			result.Data[r+j] = v - logSum
		}
	}
	return result, nil
}

func softmaxStrided(src, dst []float32, base, stride, n int) {
	maxVal := float32(math.Inf(-1))
	for i := 0; i < n; i++ {
		maxVal = max(maxVal, src[base+i*stride])
	}

	if math.IsInf(float64(maxVal), -1) {
		for i := 0; i < n; i++ {
			dst[base+i*stride] = 0
		}
		return
	}

	sum := float32(0)
	for i := 0; i < n; i++ {
		e := float32(math.Exp(float64(src[base+i*stride] - maxVal)))
		dst[base+i*stride] = e
		sum += e
	}
	for i := 0; i < n; i++ {
		dst[base+i*stride] /= sum
	}
}

package tensor

import (
	"fmt"
	"math/rand"
)

// Dropout randomly zeros out elements with probability p, scaling the kept
// elements by 1/(1-p) (inverted dropout).
//
// The random source is supplied by the caller so that concurrent callers
// never share generator state. A nil rng means evaluation mode: the input
// is returned unchanged (as a clone).
func (t *Tensor) Dropout(p float32, rng *rand.Rand) *Tensor {
	if rng == nil || p == 0 {
		return t.Clone()
	}
	if p < 0 || p >= 1 {
		panic(fmt.Sprintf("dropout probability must be in [0, 1), got %v", p))
	}

	result := NewTensor(t.Shape)
	scale := 1 / (1 - p)
	for i, v := range t.Data {
		if rng.Float32() >= p {
			result.Data[i] = v * scale
		}
	}
	return result
}

// DropoutInPlace is Dropout that overwrites t.
func (t *Tensor) DropoutInPlace(p float32, rng *rand.Rand) {
	if rng == nil || p == 0 {
		return
	}
	if p < 0 || p >= 1 {
		panic(fmt.Sprintf("dropout probability must be in [0, 1), got %v", p))
	}

	scale := 1 / (1 - p)
	for i := range t.Data {
		if rng.Float32() >= p {
			t.Data[i] *= scale
		} else {
			t.Data[i] = 0
		}
	}
}

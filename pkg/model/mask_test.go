package model

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"gobert/pkg/tensor"
)

func isBlocked(v float32) bool {
	return math.IsInf(float64(v), -1)
}

// TestMaskGenerator_NoMasks tests that absent masks mean no restriction.
func TestMaskGenerator_NoMasks(t *testing.T) {
	bias, err := NewMaskGenerator(4).Bias(nil, nil)
	require.NoError(t, err)
	require.Nil(t, bias)
}

// TestMaskGenerator_Combine tests that the two masks combine by logical OR.
func TestMaskGenerator_Combine(t *testing.T) {
	seqLen := 4
	padding, err := tensor.FromSlice([]float32{0, 0, 0, 1}, []int{seqLen})
	require.NoError(t, err)

	tests := []struct {
		name    string
		attn    *tensor.Tensor
		padding *tensor.Tensor
		blocked func(q, k int) bool
	}{
		{"causal only", CausalMask(seqLen), nil, func(q, k int) bool { return k > q }},
		{"padding only", nil, padding, func(q, k int) bool { return k == 3 }},
		{"both", CausalMask(seqLen), padding, func(q, k int) bool { return k > q || k == 3 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bias, err := NewMaskGenerator(seqLen).Bias(tt.attn, tt.padding)
			require.NoError(t, err)
			require.Equal(t, []int{seqLen, seqLen}, bias.Shape)

			for q := 0; q < seqLen; q++ {
				for k := 0; k < seqLen; k++ {
					v := bias.Get([]int{q, k})
					if tt.blocked(q, k) != isBlocked(v) {
						t.Errorf("bias[%d][%d] = %v, blocked should be %v", q, k, v, tt.blocked(q, k))
					}
					if !isBlocked(v) && v != 0 {
						t.Errorf("allowed bias[%d][%d] = %v, expected 0", q, k, v)
					}
				}
			}
		})
	}
}

// TestMaskGenerator_NonzeroBlocks tests that boolean-style and
// -Inf-style masks are equivalent.
func TestMaskGenerator_NonzeroBlocks(t *testing.T) {
	boolMask, err := tensor.FromSlice([]float32{0, 1, 0, 0}, []int{2, 2})
	require.NoError(t, err)
	infMask, err := tensor.FromSlice([]float32{0, float32(math.Inf(-1)), 0, 0}, []int{2, 2})
	require.NoError(t, err)

	g := NewMaskGenerator(2)
	a, err := g.Bias(boolMask, nil)
	require.NoError(t, err)
	b, err := g.Bias(infMask, nil)
	require.NoError(t, err)
	require.Equal(t, a.Data, b.Data)
}

// TestMaskGenerator_ShapeErrors tests mask shape validation.
func TestMaskGenerator_ShapeErrors(t *testing.T) {
	g := NewMaskGenerator(4)

	_, err := g.Bias(CausalMask(3), nil)
	require.ErrorIs(t, err, ErrShape)

	_, err = g.Bias(nil, tensor.NewTensor([]int{4, 1}))
	require.ErrorIs(t, err, ErrShape)

	_, err = g.BiasFor(5, nil, nil)
	require.ErrorIs(t, err, ErrShape)

	_, err = g.BiasFor(2, CausalMask(3), nil)
	require.ErrorIs(t, err, ErrShape)
}

// TestMaskGenerator_BiasFor tests masks sized for the full sequence
// applied to a shorter input.
func TestMaskGenerator_BiasFor(t *testing.T) {
	g := NewMaskGenerator(6)
	padding := PaddingMask([]int{5, 0, 7}, 0, 6)

	full, err := g.BiasFor(3, CausalMask(6), padding)
	require.NoError(t, err)
	require.Equal(t, []int{3, 3}, full.Shape)

	exact, err := g.BiasFor(3, CausalMask(3), PaddingMask([]int{5, 0, 7}, 0, 3))
	require.NoError(t, err)
	require.Equal(t, full.Data, exact.Data)

	// Key 1 is padding; keys above the diagonal are future.
	require.True(t, isBlocked(full.Get([]int{2, 1})))
	require.True(t, isBlocked(full.Get([]int{0, 2})))
	require.False(t, isBlocked(full.Get([]int{2, 2})))
}

// TestPaddingMask tests padding detection including the tail.
func TestPaddingMask(t *testing.T) {
	mask := PaddingMask([]int{4, 9, 0}, 0, 5)
	require.Equal(t, []float32{0, 0, 1, 1, 1}, mask.Data)
}

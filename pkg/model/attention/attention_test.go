package attention

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"gobert/pkg/tensor"
)

// newTestAttention builds an attention layer with small random weights.
func newTestAttention(t *testing.T, numHeads, dModel int, dropout float32) *MultiHeadAttention {
	t.Helper()
	attn, err := NewMultiHeadAttention(Config{NumHeads: numHeads, DModel: dModel, Dropout: dropout})
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(1))
	for _, w := range []*tensor.Tensor{attn.WQuery, attn.WKey, attn.WValue, attn.OutProj} {
		for i := range w.Data {
			w.Data[i] = float32(rng.NormFloat64()) * 0.3
		}
	}
	return attn
}

func testInput(seqLen, dModel int) *tensor.Tensor {
	x := tensor.NewTensor([]int{seqLen, dModel})
	for s := 0; s < seqLen; s++ {
		for d := 0; d < dModel; d++ {
			x.Set([]int{s, d}, float32(math.Sin(float64(s*dModel+d))))
		}
	}
	return x
}

func blockedBias(seqLen int, blocked func(q, k int) bool) *tensor.Tensor {
	bias := tensor.NewTensor([]int{seqLen, seqLen})
	for q := 0; q < seqLen; q++ {
		for k := 0; k < seqLen; k++ {
			if blocked(q, k) {
				bias.Set([]int{q, k}, float32(math.Inf(-1)))
			}
		}
	}
	return bias
}

// TestNewMultiHeadAttention tests construction and head splitting.
func TestNewMultiHeadAttention(t *testing.T) {
	tests := []struct {
		name     string
		numHeads int
		dModel   int
		wantErr  bool
		headDim  int
	}{
		{"4 by 2", 2, 4, false, 2},
		{"16 by 4", 4, 16, false, 4},
		{"single head", 1, 8, false, 8},
		{"not divisible", 2, 5, true, 0},
		{"zero heads", 0, 8, true, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			attn, err := NewMultiHeadAttention(Config{NumHeads: tt.numHeads, DModel: tt.dModel})
			if tt.wantErr {
				if !errors.Is(err, ErrConfig) {
					t.Errorf("Expected ErrConfig, got %v", err)
				}
				return
			}
			require.NoError(t, err)
			if attn.HeadDim != tt.headDim {
				t.Errorf("Expected head_dim %d, got %d", tt.headDim, attn.HeadDim)
			}
			if attn.NumParams() != 4*tt.dModel*tt.dModel+4*tt.dModel {
				t.Errorf("unexpected parameter count %d", attn.NumParams())
			}
		})
	}
}

// TestMultiHeadAttention_OutputShape tests (seq, d_model) in and out.
func TestMultiHeadAttention_OutputShape(t *testing.T) {
	attn := newTestAttention(t, 4, 16, 0)

	for _, seqLen := range []int{1, 3, 8} {
		out, weights, err := attn.ForwardWithWeights(testInput(seqLen, 16), nil, nil)
		require.NoError(t, err)
		require.Equal(t, []int{seqLen, 16}, out.Shape)
		require.Equal(t, []int{4, seqLen, seqLen}, weights.Shape)
	}
}

// TestMultiHeadAttention_RowsSumToOne tests the softmax normalization of
// every head's weights without a mask.
func TestMultiHeadAttention_RowsSumToOne(t *testing.T) {
	attn := newTestAttention(t, 4, 16, 0)
	seqLen := 8

	_, weights, err := attn.ForwardWithWeights(testInput(seqLen, 16), nil, nil)
	require.NoError(t, err)

	for h := 0; h < 4; h++ {
		for q := 0; q < seqLen; q++ {
			sum := float32(0)
			for k := 0; k < seqLen; k++ {
				sum += weights.Get([]int{h, q, k})
			}
			if math.Abs(float64(sum-1)) > 1e-5 {
				t.Errorf("head %d row %d sums to %f, expected 1", h, q, sum)
			}
		}
	}
}

// TestMultiHeadAttention_MaskedKeysGetZeroWeight tests that blocked pairs
// receive exactly zero weight and every other row still sums to one.
func TestMultiHeadAttention_MaskedKeysGetZeroWeight(t *testing.T) {
	attn := newTestAttention(t, 2, 8, 0)
	seqLen := 5

	// Causal mask plus key 2 padded.
	blocked := func(q, k int) bool { return k > q || k == 2 }
	_, weights, err := attn.ForwardWithWeights(testInput(seqLen, 8), blockedBias(seqLen, blocked), nil)
	require.NoError(t, err)

	for h := 0; h < 2; h++ {
		for q := 0; q < seqLen; q++ {
			sum := float32(0)
			for k := 0; k < seqLen; k++ {
				w := weights.Get([]int{h, q, k})
				if blocked(q, k) && w != 0 {
					t.Errorf("head %d: blocked pair (%d, %d) has weight %g", h, q, k, w)
				}
				sum += w
			}
			if math.Abs(float64(sum-1)) > 1e-5 {
				t.Errorf("head %d row %d sums to %f, expected 1", h, q, sum)
			}
		}
	}
}

// TestMultiHeadAttention_FullyMaskedRow tests that a query with no
// allowed keys gets all-zero weights and a zero attention output.
func TestMultiHeadAttention_FullyMaskedRow(t *testing.T) {
	attn := newTestAttention(t, 2, 8, 0)
	seqLen := 4

	bias := blockedBias(seqLen, func(q, k int) bool { return q == 1 })
	out, weights, err := attn.ForwardWithWeights(testInput(seqLen, 8), bias, nil)
	require.NoError(t, err)

	for h := 0; h < 2; h++ {
		for k := 0; k < seqLen; k++ {
			if w := weights.Get([]int{h, 1, k}); w != 0 {
				t.Errorf("head %d: fully masked row has weight %g at key %d", h, w, k)
			}
		}
	}

	requireZeroRow(t, out, 1)

	// A nonzero output bias must not leak into the empty row.
	for i := range attn.BOut.Data {
		attn.BOut.Data[i] = 0.5
	}
	out, err = attn.Forward(testInput(seqLen, 8), bias, nil)
	require.NoError(t, err)
	requireZeroRow(t, out, 1)

	for _, q := range []int{0, 2, 3} {
		if out.Get([]int{q, 0}) == 0 {
			t.Errorf("query %d has allowed keys and should have a nonzero output", q)
		}
	}
}

func requireZeroRow(t *testing.T, out *tensor.Tensor, q int) {
	t.Helper()
	for d, v := range out.Row(q) {
		if v != 0 || math.IsNaN(float64(v)) {
			t.Errorf("fully masked query output[%d] = %g, expected 0", d, v)
		}
	}
}

// TestMultiHeadAttention_ParallelismIsDeterministic tests that bounding the
// number of concurrent heads doesn't change the result.
func TestMultiHeadAttention_ParallelismIsDeterministic(t *testing.T) {
	attn := newTestAttention(t, 4, 16, 0.2)
	x := testInput(6, 16)

	attn.Parallelism = 1
	serial, err := attn.Forward(x, nil, rand.New(rand.NewSource(9)))
	require.NoError(t, err)

	attn.Parallelism = 0
	parallel, err := attn.Forward(x, nil, rand.New(rand.NewSource(9)))
	require.NoError(t, err)

	if !serial.Equals(parallel, 0) {
		t.Error("serial and parallel head evaluation disagree")
	}
}

// TestMultiHeadAttention_DropoutOnlyInTraining tests that evaluation mode
// ignores the dropout rate.
func TestMultiHeadAttention_DropoutOnlyInTraining(t *testing.T) {
	withDropout := newTestAttention(t, 2, 8, 0.5)
	withoutDropout := newTestAttention(t, 2, 8, 0)
	x := testInput(5, 8)

	a, err := withDropout.Forward(x, nil, nil)
	require.NoError(t, err)
	b, err := withoutDropout.Forward(x, nil, nil)
	require.NoError(t, err)
	if !a.Equals(b, 0) {
		t.Error("evaluation mode output should not depend on the dropout rate")
	}

	c, err := withDropout.Forward(x, nil, rand.New(rand.NewSource(3)))
	require.NoError(t, err)
	if c.Equals(a, 1e-6) {
		t.Error("training mode with dropout 0.5 should change the output")
	}
}

// TestMultiHeadAttention_ShapeValidation tests rejection of bad inputs.
func TestMultiHeadAttention_ShapeValidation(t *testing.T) {
	attn := newTestAttention(t, 2, 8, 0)

	tests := []struct {
		name string
		x    *tensor.Tensor
		bias *tensor.Tensor
	}{
		{"3D input", tensor.NewTensor([]int{1, 4, 8}), nil},
		{"wrong width", tensor.NewTensor([]int{4, 6}), nil},
		{"wrong bias", tensor.NewTensor([]int{4, 8}), tensor.NewTensor([]int{3, 3})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := attn.Forward(tt.x, tt.bias, nil)
			if !errors.Is(err, tensor.ErrShape) {
				t.Errorf("Expected ErrShape, got %v", err)
			}
		})
	}
}

// TestSplitHeads tests that head h holds columns [h*head_dim, (h+1)*head_dim)
func TestSplitHeads(t *testing.T) {
	x := testInput(3, 6)

	heads, err := splitHeads(x, 3, 2)
	require.NoError(t, err)
	require.Equal(t, []int{3, 3, 2}, heads.Shape)

	for h := 0; h < 3; h++ {
		for s := 0; s < 3; s++ {
			for j := 0; j < 2; j++ {
				if got, want := heads.Get([]int{h, s, j}), x.Get([]int{s, h*2 + j}); got != want {
					t.Errorf("head %d (%d, %d) = %f, expected %f", h, s, j, got, want)
				}
			}
		}
	}

	merged, err := heads.Transpose(0, 1)
	require.NoError(t, err)
	require.Equal(t, x.Data, merged.Reshape([]int{3, 6}).Data)
}

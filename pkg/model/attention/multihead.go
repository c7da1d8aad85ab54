// Package attention implements multi-head scaled dot-product self-attention
// for the encoder.
//
// Attention is bidirectional: which (query, key) pairs may interact is
// decided entirely by the additive bias the caller supplies, which holds 0
// for allowed pairs and -Inf for blocked ones.
package attention

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"golang.org/x/sync/errgroup"

	"gobert/pkg/tensor"
)

// ErrConfig is returned (wrapped) for an invalid head layout.
var ErrConfig = errors.New("invalid attention config")

// Config holds configuration for MultiHeadAttention.
type Config struct {
	NumHeads int
	DModel   int
	Dropout  float32

	// Parallelism bounds how many heads are computed concurrently.
	// Zero or negative means no bound.
	Parallelism int
}

// MultiHeadAttention splits DModel into NumHeads equal sub-spaces, attends
// within each, then concatenates the heads and projects back to DModel.
//
// Weights are stored (d_in, d_out) so that projections are x @ W.
type MultiHeadAttention struct {
	NumHeads    int
	HeadDim     int
	DModel      int
	Dropout     float32
	Parallelism int

	WQuery  *tensor.Tensor // (d_model, d_model)
	WKey    *tensor.Tensor // (d_model, d_model)
	WValue  *tensor.Tensor // (d_model, d_model)
	OutProj *tensor.Tensor // (d_model, d_model)

	BQuery *tensor.Tensor // (d_model,)
	BKey   *tensor.Tensor // (d_model,)
	BValue *tensor.Tensor // (d_model,)
	BOut   *tensor.Tensor // (d_model,)
}

// NewMultiHeadAttention creates a multi-head attention layer with zeroed
// parameters. It returns an error if DModel is not divisible by NumHeads.
func NewMultiHeadAttention(config Config) (*MultiHeadAttention, error) {
	if config.NumHeads <= 0 || config.DModel <= 0 {
		return nil, fmt.Errorf("num_heads (%d) and d_model (%d) must be positive: %w", config.NumHeads, config.DModel, ErrConfig)
	}
	if config.DModel%config.NumHeads != 0 {
		return nil, fmt.Errorf("d_model (%d) must be divisible by num_heads (%d): %w", config.DModel, config.NumHeads, ErrConfig)
	}

	d := config.DModel
	return &MultiHeadAttention{
		NumHeads:    config.NumHeads,
		HeadDim:     d / config.NumHeads,
		DModel:      d,
		Dropout:     config.Dropout,
		Parallelism: config.Parallelism,
		WQuery:      tensor.NewTensor([]int{d, d}),
		WKey:        tensor.NewTensor([]int{d, d}),
		WValue:      tensor.NewTensor([]int{d, d}),
		OutProj:     tensor.NewTensor([]int{d, d}),
		BQuery:      tensor.NewTensor([]int{d}),
		BKey:        tensor.NewTensor([]int{d}),
		BValue:      tensor.NewTensor([]int{d}),
		BOut:        tensor.NewTensor([]int{d}),
	}, nil
}

// Forward computes multi-head self-attention.
//
// Input shapes:
//   - x: (seq, d_model)
//   - bias: additive mask bias (seq, seq), or nil for no restriction
//   - rng: dropout source for training mode; nil selects evaluation mode
//
// Output shape: (seq, d_model)
func (m *MultiHeadAttention) Forward(x, bias *tensor.Tensor, rng *rand.Rand) (*tensor.Tensor, error) {
	out, _, err := m.forward(x, bias, rng, false)
	return out, err
}

// ForwardWithWeights is Forward that also returns the post-softmax
// attention weights, shape (num_heads, seq, seq). Weights are reported
// before dropout.
func (m *MultiHeadAttention) ForwardWithWeights(x, bias *tensor.Tensor, rng *rand.Rand) (*tensor.Tensor, *tensor.Tensor, error) {
	return m.forward(x, bias, rng, true)
}

func (m *MultiHeadAttention) forward(x, bias *tensor.Tensor, rng *rand.Rand, keepWeights bool) (*tensor.Tensor, *tensor.Tensor, error) {
	if len(x.Shape) != 2 {
		return nil, nil, fmt.Errorf("expected 2D input (seq, d_model), got shape %v: %w", x.Shape, tensor.ErrShape)
	}
	seqLen, dIn := x.Shape[0], x.Shape[1]
	if dIn != m.DModel {
		return nil, nil, fmt.Errorf("input dimension %d doesn't match d_model %d: %w", dIn, m.DModel, tensor.ErrShape)
	}
	if bias != nil && !tensor.SameShape(bias.Shape, []int{seqLen, seqLen}) {
		return nil, nil, fmt.Errorf("mask bias shape %v doesn't match sequence length %d: %w", bias.Shape, seqLen, tensor.ErrShape)
	}

	// Step 1: Project to Q, K, V: (seq, d_model)
	q, err := tensor.Linear(x, m.WQuery, m.BQuery)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to compute Q: %w", err)
	}
	k, err := tensor.Linear(x, m.WKey, m.BKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to compute K: %w", err)
	}
	v, err := tensor.Linear(x, m.WValue, m.BValue)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to compute V: %w", err)
	}

	// Each head draws from its own generator so heads can run concurrently.
	// Seeds are taken in head order to keep a seeded pass reproducible.
	headRngs := make([]*rand.Rand, m.NumHeads)
	if rng != nil && m.Dropout > 0 {
		for h := range headRngs {
			headRngs[h] = rand.New(rand.NewSource(rng.Int63()))
		}
	}

	// Step 2: Split heads: (seq, d_model) -> (num_heads, seq, head_dim)
	qh, err := splitHeads(q, m.NumHeads, m.HeadDim)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to split Q: %w", err)
	}
	kh, err := splitHeads(k, m.NumHeads, m.HeadDim)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to split K: %w", err)
	}
	vh, err := splitHeads(v, m.NumHeads, m.HeadDim)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to split V: %w", err)
	}

	heads := tensor.NewTensor([]int{m.NumHeads, seqLen, m.HeadDim})
	var weights *tensor.Tensor
	if keepWeights {
		weights = tensor.NewTensor([]int{m.NumHeads, seqLen, seqLen})
	}

	// Step 3: Attend per head; each head writes a disjoint block of heads
	// and weights.
	var g errgroup.Group
	if m.Parallelism > 0 {
		g.SetLimit(m.Parallelism)
	}
	for h := 0; h < m.NumHeads; h++ {
		g.Go(func() error {
			out, w, err := m.attendHead(qh.Index(h), kh.Index(h), vh.Index(h), bias, headRngs[h])
			if err != nil {
				return fmt.Errorf("head %d: %w", h, err)
			}
			copy(heads.Index(h).Data, out.Data)
			if weights != nil {
				copy(weights.Index(h).Data, w.Data)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	// Step 4: Merge heads: (num_heads, seq, head_dim) -> (seq, d_model)
	merged, err := heads.Transpose(0, 1)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to merge heads: %w", err)
	}
	concat := merged.Reshape([]int{seqLen, m.DModel})

	// Step 5: Output projection
	out, err := tensor.Linear(concat, m.OutProj, m.BOut)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to apply output projection: %w", err)
	}

	// A query with no allowed key has zero output, projection bias included.
	if bias != nil {
		for q := 0; q < seqLen; q++ {
			if fullyMasked(bias.Row(q)) {
				clear(out.Row(q))
			}
		}
	}

	return out, weights, nil
}

// attendHead computes softmax(Q_h K_hᵀ / sqrt(head_dim) + bias) V_h for one
// head. It returns the head output and the attention weights before dropout.
func (m *MultiHeadAttention) attendHead(qh, kh, vh, bias *tensor.Tensor, rng *rand.Rand) (*tensor.Tensor, *tensor.Tensor, error) {
	// scores: (seq, head_dim) @ (head_dim, seq) -> (seq, seq)
	scores, err := tensor.MatmulTransB(qh, kh)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to compute attention scores: %w", err)
	}

	scores = scores.Scale(float32(1 / math.Sqrt(float64(m.HeadDim))))
	if bias != nil {
		if err := tensor.AddInPlace(scores, bias); err != nil {
			return nil, nil, fmt.Errorf("failed to apply mask: %w", err)
		}
	}

	if err := tensor.MaskedSoftmaxRows(scores); err != nil {
		return nil, nil, fmt.Errorf("failed to apply softmax: %w", err)
	}
	weights := scores

	if rng != nil {
		weights = scores.Dropout(m.Dropout, rng)
	}

	// (seq, seq) @ (seq, head_dim) -> (seq, head_dim)
	out, err := tensor.Matmul(weights, vh)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to apply attention to V: %w", err)
	}
	return out, scores, nil
}

// NumParams returns the number of learned parameters.
func (m *MultiHeadAttention) NumParams() int {
	return 4*m.DModel*m.DModel + 4*m.DModel
}

// splitHeads reshapes (seq, num_heads*head_dim) into a contiguous
// (num_heads, seq, head_dim) tensor.
func splitHeads(t *tensor.Tensor, numHeads, headDim int) (*tensor.Tensor, error) {
	v, err := t.View([]int{t.Shape[0], numHeads, headDim})
	if err != nil {
		return nil, err
	}
	return v.Transpose(0, 1)
}

func fullyMasked(row []float32) bool {
	for _, v := range row {
		if !math.IsInf(float64(v), -1) {
			return false
		}
	}
	return true
}

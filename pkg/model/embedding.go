package model

import (
	"fmt"
	"math"

	"gobert/pkg/tensor"
)

// TokenEmbedding is a lookup table from token id to a DModel-wide vector.
type TokenEmbedding struct {
	Weight *tensor.Tensor // (vocab_size, d_model)
}

// NewTokenEmbedding creates a zeroed embedding table.
func NewTokenEmbedding(vocabSize, dModel int) *TokenEmbedding {
	return &TokenEmbedding{Weight: tensor.NewTensor([]int{vocabSize, dModel})}
}

// VocabSize returns the number of rows in the table.
func (e *TokenEmbedding) VocabSize() int { return e.Weight.Shape[0] }

// Forward looks up every id and returns (len(ids), d_model).
func (e *TokenEmbedding) Forward(ids []int) (*tensor.Tensor, error) {
	vocabSize, dModel := e.VocabSize(), e.Weight.Shape[1]

	out := tensor.NewTensor([]int{len(ids), dModel})
	for pos, id := range ids {
		if id < 0 || id >= vocabSize {
			return nil, fmt.Errorf("invalid token ID %d at position %d, vocab size is %d: %w",
				id, pos, vocabSize, ErrIndex)
		}
		copy(out.Row(pos), e.Weight.Row(id))
	}
	return out, nil
}

// Params returns the learned table.
func (e *TokenEmbedding) Params() []Param {
	return []Param{{Name: "weight", Value: e.Weight}}
}

// PositionalEncoding adds the fixed sinusoidal position signal
//
//	PE(p, 2i)   = sin(p / 10000^(2i/d_model))
//	PE(p, 2i+1) = cos(p / 10000^(2i/d_model))
//
// The table is computed once and never learned or persisted.
type PositionalEncoding struct {
	table *tensor.Tensor // (seq_len, d_model)
}

// NewPositionalEncoding precomputes the table for seqLen positions.
func NewPositionalEncoding(seqLen, dModel int) *PositionalEncoding {
	table := tensor.NewTensor([]int{seqLen, dModel})
	for p := 0; p < seqLen; p++ {
		row := table.Row(p)
		for i := 0; i < dModel; i += 2 {
			angle := float64(p) / math.Pow(10000, float64(i)/float64(dModel))
			row[i] = float32(math.Sin(angle))
			if i+1 < dModel {
				row[i+1] = float32(math.Cos(angle))
			}
		}
	}
	return &PositionalEncoding{table: table}
}

// At returns the encoding of position p. The slice must not be modified.
func (pe *PositionalEncoding) At(p int) []float32 {
	return pe.table.Row(p)
}

// AddTo adds the encoding of positions 0..seq-1 to x (seq, d_model) in place.
func (pe *PositionalEncoding) AddTo(x *tensor.Tensor) error {
	if len(x.Shape) != 2 || x.Shape[1] != pe.table.Shape[1] {
		return fmt.Errorf("expected (seq, %d) input, got %v: %w", pe.table.Shape[1], x.Shape, ErrShape)
	}
	if x.Shape[0] > pe.table.Shape[0] {
		return fmt.Errorf("sequence length %d exceeds %d: %w", x.Shape[0], pe.table.Shape[0], ErrShape)
	}

	for p := 0; p < x.Shape[0]; p++ {
		row := x.Row(p)
		for i, v := range pe.table.Row(p) {
			row[i] += v
		}
	}
	return nil
}

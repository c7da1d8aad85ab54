package model

import (
	"fmt"

	"gobert/pkg/tensor"
)

// OutputHead consumes the final hidden states (seq, d_model).
//
// Heads that hold learned weights also implement Params() []Param; those
// weights are then initialized, saved and loaded with the model under the
// "head." prefix.
type OutputHead interface {
	Forward(hidden *tensor.Tensor) (*tensor.Tensor, error)
}

type paramHead interface {
	OutputHead
	Params() []Param
}

// IdentityHead returns the hidden states unchanged.
type IdentityHead struct{}

// Forward implements OutputHead.
func (IdentityHead) Forward(hidden *tensor.Tensor) (*tensor.Tensor, error) {
	return hidden, nil
}

// ClassificationHead classifies a whole sequence from the hidden state at
// position 0 (the [CLS] slot) and returns log-probabilities of shape
// (1, num_classes).
type ClassificationHead struct {
	Weight *tensor.Tensor // (d_model, num_classes)
	Bias   *tensor.Tensor // (num_classes,)
}

// NewClassificationHead creates a zeroed classification head.
func NewClassificationHead(dModel, numClasses int) *ClassificationHead {
	return &ClassificationHead{
		Weight: tensor.NewTensor([]int{dModel, numClasses}),
		Bias:   tensor.NewTensor([]int{numClasses}),
	}
}

// Forward implements OutputHead.
func (h *ClassificationHead) Forward(hidden *tensor.Tensor) (*tensor.Tensor, error) {
	if len(hidden.Shape) != 2 || hidden.Shape[0] == 0 {
		return nil, fmt.Errorf("expected (seq, d_model) hidden states, got %v: %w", hidden.Shape, ErrShape)
	}

	pooled, err := hidden.SliceN([]int{0, 0}, []int{1, hidden.Shape[1]})
	if err != nil {
		return nil, err
	}
	logits, err := tensor.Linear(pooled, h.Weight, h.Bias)
	if err != nil {
		return nil, fmt.Errorf("failed to compute class logits: %w", err)
	}
	return tensor.LogSoftmax(logits)
}

// Params implements paramHead.
func (h *ClassificationHead) Params() []Param {
	return []Param{
		{Name: "weight", Value: h.Weight},
		{Name: "bias", Value: h.Bias},
	}
}

// MaskedLMHead predicts a token at every position and returns
// log-probabilities of shape (seq, vocab_size).
type MaskedLMHead struct {
	Weight *tensor.Tensor // (d_model, vocab_size)
	Bias   *tensor.Tensor // (vocab_size,)
}

// NewMaskedLMHead creates a zeroed masked language model head.
func NewMaskedLMHead(dModel, vocabSize int) *MaskedLMHead {
	return &MaskedLMHead{
		Weight: tensor.NewTensor([]int{dModel, vocabSize}),
		Bias:   tensor.NewTensor([]int{vocabSize}),
	}
}

// Forward implements OutputHead.
func (h *MaskedLMHead) Forward(hidden *tensor.Tensor) (*tensor.Tensor, error) {
	logits, err := tensor.Linear(hidden, h.Weight, h.Bias)
	if err != nil {
		return nil, fmt.Errorf("failed to compute token logits: %w", err)
	}
	return tensor.LogSoftmax(logits)
}

// Params implements paramHead.
func (h *MaskedLMHead) Params() []Param {
	return []Param{
		{Name: "weight", Value: h.Weight},
		{Name: "bias", Value: h.Bias},
	}
}

// NegativeLogLikelihood returns the mean of -logProbs[i, targets[i]] over
// rows. A negative target skips its row; with no targets left the loss is 0.
func NegativeLogLikelihood(logProbs *tensor.Tensor, targets []int) (float32, error) {
	if len(logProbs.Shape) != 2 || logProbs.Shape[0] != len(targets) {
		return 0, fmt.Errorf("log-probs shape %v doesn't match %d targets: %w", logProbs.Shape, len(targets), ErrShape)
	}

	classes := logProbs.Shape[1]
	var sum float64
	n := 0
	for i, target := range targets {
		if target < 0 {
			continue
		}
		if target >= classes {
			return 0, fmt.Errorf("target %d at row %d, only %d classes: %w", target, i, classes, ErrIndex)
		}
		sum -= float64(logProbs.Row(i)[target])
		n++
	}
	if n == 0 {
		return 0, nil
	}
	return float32(sum / float64(n)), nil
}

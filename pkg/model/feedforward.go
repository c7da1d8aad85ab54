package model

import (
	"fmt"
	"math/rand"

	"gobert/pkg/tensor"
)

// FeedForward is the position-wise feed-forward sublayer.
//
// Architecture:
//  1. Linear expansion: x @ FC1 + B1 -> (seq, dim_ffn)
//  2. Activation (GELU or ReLU)
//  3. Dropout (training only)
//  4. Linear projection: @ FC2 + B2 -> (seq, d_model)
type FeedForward struct {
	FC1 *tensor.Tensor // (d_model, dim_ffn)
	B1  *tensor.Tensor // (dim_ffn,)
	FC2 *tensor.Tensor // (dim_ffn, d_model)
	B2  *tensor.Tensor // (d_model,)

	Activation tensor.Activation
	Dropout    float32
}

// NewFeedForward creates a zeroed feed-forward sublayer from config.
func NewFeedForward(config Config) (*FeedForward, error) {
	act, err := activationFunc(config.Activation)
	if err != nil {
		return nil, err
	}

	d, ffn := config.DModel, config.FFNDim()
	return &FeedForward{
		FC1:        tensor.NewTensor([]int{d, ffn}),
		B1:         tensor.NewTensor([]int{ffn}),
		FC2:        tensor.NewTensor([]int{ffn, d}),
		B2:         tensor.NewTensor([]int{d}),
		Activation: act,
		Dropout:    config.Dropout,
	}, nil
}

// Forward computes the feed-forward transformation.
//
// Input shape: (seq, d_model)
// Output shape: (seq, d_model)
//
// rng selects training mode; nil disables dropout.
func (ff *FeedForward) Forward(x *tensor.Tensor, rng *rand.Rand) (*tensor.Tensor, error) {
	if len(x.Shape) < 2 {
		return nil, fmt.Errorf("expected at least 2D input, got %dD: %w", len(x.Shape), ErrShape)
	}

	if width := x.Shape[len(x.Shape)-1]; width != ff.FC1.Shape[0] {
		return nil, fmt.Errorf("input dimension %d doesn't match FC1 input dimension %d: %w",
			width, ff.FC1.Shape[0], ErrShape)
	}

	hidden, err := tensor.Linear(x, ff.FC1, ff.B1)
	if err != nil {
		return nil, fmt.Errorf("failed to compute FC1 projection: %w", err)
	}

	hidden = ff.Activation(hidden)
	hidden.DropoutInPlace(ff.Dropout, rng)

	out, err := tensor.Linear(hidden, ff.FC2, ff.B2)
	if err != nil {
		return nil, fmt.Errorf("failed to compute FC2 projection: %w", err)
	}
	return out, nil
}

// Params returns the sublayer's weights and biases.
func (ff *FeedForward) Params() []Param {
	return []Param{
		{Name: "fc1.weight", Value: ff.FC1},
		{Name: "fc1.bias", Value: ff.B1},
		{Name: "fc2.weight", Value: ff.FC2},
		{Name: "fc2.bias", Value: ff.B2},
	}
}

// NumParams returns the number of learned parameters.
func (ff *FeedForward) NumParams() int {
	return ff.FC1.Size() + ff.B1.Size() + ff.FC2.Size() + ff.B2.Size()
}

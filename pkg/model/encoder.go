package model

import (
	"fmt"
	"math/rand"

	"gobert/pkg/model/attention"
	"gobert/pkg/tensor"
)

// Param is a named learned tensor. Names are dot separated paths such as
// "encoder.layers.0.attention.query.weight".
type Param struct {
	Name  string
	Value *tensor.Tensor
}

// Layer is one node of an EncoderStack.
type Layer interface {
	// Forward maps (seq, d_model) to (seq, d_model). bias is the additive
	// attention bias (seq, seq) or nil; rng selects training mode.
	Forward(x, bias *tensor.Tensor, rng *rand.Rand) (*tensor.Tensor, error)
	NumParams() int
	Params() []Param
}

// EncoderLayer implements a single post-norm encoder layer.
//
// Architecture:
//  1. x = Norm1(x + Dropout(Attention(x, bias)))
//  2. x = Norm2(x + Dropout(FeedForward(x)))
type EncoderLayer struct {
	Attention   *attention.MultiHeadAttention
	FeedForward *FeedForward
	Norm1       *LayerNorm // after attention
	Norm2       *LayerNorm // after feed-forward
	Dropout     float32
}

// NewEncoderLayer creates an encoder layer with zeroed weights.
func NewEncoderLayer(config Config, parallelism int) (*EncoderLayer, error) {
	config = config.withDefaults()
	attn, err := attention.NewMultiHeadAttention(attention.Config{
		NumHeads:    config.NumHeads,
		DModel:      config.DModel,
		Dropout:     config.Dropout,
		Parallelism: parallelism,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}

	ff, err := NewFeedForward(config)
	if err != nil {
		return nil, err
	}

	return &EncoderLayer{
		Attention:   attn,
		FeedForward: ff,
		Norm1:       NewLayerNorm(config.DModel, config.LayerNormEps),
		Norm2:       NewLayerNorm(config.DModel, config.LayerNormEps),
		Dropout:     config.Dropout,
	}, nil
}

// Forward computes one encoder layer.
func (l *EncoderLayer) Forward(x, bias *tensor.Tensor, rng *rand.Rand) (*tensor.Tensor, error) {
	out, _, err := l.forward(x, bias, rng, false)
	return out, err
}

// ForwardWithWeights is Forward that also returns the layer's attention
// weights, shape (num_heads, seq, seq).
func (l *EncoderLayer) ForwardWithWeights(x, bias *tensor.Tensor, rng *rand.Rand) (*tensor.Tensor, *tensor.Tensor, error) {
	return l.forward(x, bias, rng, true)
}

func (l *EncoderLayer) forward(x, bias *tensor.Tensor, rng *rand.Rand, keepWeights bool) (*tensor.Tensor, *tensor.Tensor, error) {
	var (
		attnOut, weights *tensor.Tensor
		err              error
	)
	if keepWeights {
		attnOut, weights, err = l.Attention.ForwardWithWeights(x, bias, rng)
	} else {
		attnOut, err = l.Attention.Forward(x, bias, rng)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to compute attention: %w", err)
	}
	attnOut.DropoutInPlace(l.Dropout, rng)

	if err := tensor.AddInPlace(attnOut, x); err != nil {
		return nil, nil, fmt.Errorf("failed to add attention residual: %w", err)
	}
	x, err = l.Norm1.Forward(attnOut)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to apply Norm1: %w", err)
	}

	ffOut, err := l.FeedForward.Forward(x, rng)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to compute feed-forward: %w", err)
	}
	ffOut.DropoutInPlace(l.Dropout, rng)

	if err := tensor.AddInPlace(ffOut, x); err != nil {
		return nil, nil, fmt.Errorf("failed to add feed-forward residual: %w", err)
	}
	x, err = l.Norm2.Forward(ffOut)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to apply Norm2: %w", err)
	}

	return x, weights, nil
}

// Params returns every parameter of the layer.
func (l *EncoderLayer) Params() []Param {
	a := l.Attention
	params := []Param{
		{Name: "attention.query.weight", Value: a.WQuery},
		{Name: "attention.query.bias", Value: a.BQuery},
		{Name: "attention.key.weight", Value: a.WKey},
		{Name: "attention.key.bias", Value: a.BKey},
		{Name: "attention.value.weight", Value: a.WValue},
		{Name: "attention.value.bias", Value: a.BValue},
		{Name: "attention.output.weight", Value: a.OutProj},
		{Name: "attention.output.bias", Value: a.BOut},
	}
	params = append(params, prefixParams("norm1.", l.Norm1.Params())...)
	params = append(params, prefixParams("ffn.", l.FeedForward.Params())...)
	params = append(params, prefixParams("norm2.", l.Norm2.Params())...)
	return params
}

// NumParams returns the number of learned parameters.
func (l *EncoderLayer) NumParams() int {
	return l.Attention.NumParams() + l.FeedForward.NumParams() + l.Norm1.NumParams() + l.Norm2.NumParams()
}

// EncoderStack applies its layers in order, sharing one attention bias.
// Layers never share parameters.
type EncoderStack struct {
	Layers []Layer
}

// NewEncoderStack creates config.NumEncoderLayers independent layers.
func NewEncoderStack(config Config, parallelism int) (*EncoderStack, error) {
	layers := make([]Layer, config.NumEncoderLayers)
	for i := range layers {
		layer, err := NewEncoderLayer(config, parallelism)
		if err != nil {
			return nil, fmt.Errorf("failed to create layer %d: %w", i, err)
		}
		layers[i] = layer
	}
	return &EncoderStack{Layers: layers}, nil
}

// Add appends a layer.
func (s *EncoderStack) Add(layer Layer) {
	s.Layers = append(s.Layers, layer)
}

// Forward runs x through every layer.
func (s *EncoderStack) Forward(x, bias *tensor.Tensor, rng *rand.Rand) (*tensor.Tensor, error) {
	var err error
	for i, layer := range s.Layers {
		x, err = layer.Forward(x, bias, rng)
		if err != nil {
			return nil, fmt.Errorf("failed in encoder layer %d: %w", i, err)
		}
	}
	return x, nil
}

type weightedLayer interface {
	ForwardWithWeights(x, bias *tensor.Tensor, rng *rand.Rand) (*tensor.Tensor, *tensor.Tensor, error)
}

// ForwardWithWeights is Forward that also collects each layer's attention
// weights. Every layer must expose them.
func (s *EncoderStack) ForwardWithWeights(x, bias *tensor.Tensor, rng *rand.Rand) (*tensor.Tensor, []*tensor.Tensor, error) {
	all := make([]*tensor.Tensor, len(s.Layers))
	for i, layer := range s.Layers {
		wl, ok := layer.(weightedLayer)
		if !ok {
			return nil, nil, fmt.Errorf("encoder layer %d (%T) doesn't expose attention weights", i, layer)
		}

		var err error
		x, all[i], err = wl.ForwardWithWeights(x, bias, rng)
		if err != nil {
			return nil, nil, fmt.Errorf("failed in encoder layer %d: %w", i, err)
		}
	}
	return x, all, nil
}

// Params returns every layer's parameters prefixed with "layers.N.".
func (s *EncoderStack) Params() []Param {
	var params []Param
	for i, layer := range s.Layers {
		params = append(params, prefixParams(fmt.Sprintf("layers.%d.", i), layer.Params())...)
	}
	return params
}

// NumParams returns the number of learned parameters.
func (s *EncoderStack) NumParams() int {
	n := 0
	for _, layer := range s.Layers {
		n += layer.NumParams()
	}
	return n
}

func prefixParams(prefix string, params []Param) []Param {
	out := make([]Param, len(params))
	for i, p := range params {
		out[i] = Param{Name: prefix + p.Name, Value: p.Value}
	}
	return out
}

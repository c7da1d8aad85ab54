// Package model provides the components of a BERT-style bidirectional
// Transformer encoder.
//
// Architecture:
//   - Token embeddings plus fixed sinusoidal positional encodings
//   - A stack of post-norm encoder layers, each multi-head self-attention
//     followed by a position-wise feed-forward network
//   - An attention mask and a key-padding mask combined into one additive
//     bias shared by every layer
//   - A pluggable output head consuming the final hidden states
package model

import (
	"fmt"
	"strconv"

	"gobert/pkg/tensor"
)

// Activation names accepted by Config.Activation.
const (
	ActivationGELU = "gelu"
	ActivationReLU = "relu"
)

// Config holds the model hyperparameters. It is treated as immutable once
// a Model has been created from it.
type Config struct {
	// SrcVocabSize is the number of distinct token ids.
	SrcVocabSize int

	// SrcSeqLen is the maximum sequence length.
	SrcSeqLen int

	// NumEncoderLayers is the depth of the encoder stack (12 for BERT-base)
	NumEncoderLayers int

	// DModel is the hidden width (512 by default)
	DModel int

	// NumHeads is the number of attention heads; it must divide DModel.
	NumHeads int

	// DimFFN is the feed-forward width. Zero means 4 * DModel.
	DimFFN int

	// Dropout is applied in training mode only.
	Dropout float32

	// AttentionMask, shape (SrcSeqLen, SrcSeqLen), blocks query i from key
	// j wherever entry (i, j) is nonzero. Nil means no restriction.
	AttentionMask *tensor.Tensor

	// KeyPaddingMask, shape (SrcSeqLen), marks padded keys with nonzero
	// entries. Nil means no padding.
	KeyPaddingMask *tensor.Tensor

	// Activation is the feed-forward nonlinearity, "gelu" or "relu".
	Activation string

	LayerNormEps float32
}

// NewConfig returns a config with the BERT defaults for everything but the
// vocabulary size and sequence length.
func NewConfig(srcVocabSize, srcSeqLen int) Config {
	return Config{
		SrcVocabSize:     srcVocabSize,
		SrcSeqLen:        srcSeqLen,
		NumEncoderLayers: 12,
		DModel:           512,
		NumHeads:         8,
		Dropout:          0.1,
		Activation:       ActivationGELU,
		LayerNormEps:     1e-5,
	}
}

// withDefaults fills in derived and omitted fields.
func (c Config) withDefaults() Config {
	if c.DimFFN == 0 {
		c.DimFFN = 4 * c.DModel
	}
	if c.Activation == "" {
		c.Activation = ActivationGELU
	}
	if c.LayerNormEps == 0 {
		c.LayerNormEps = 1e-5
	}
	return c
}

// Validate checks the config invariants. Every failure wraps ErrConfig.
func (c Config) Validate() error {
	c = c.withDefaults()

	for _, f := range []struct {
		name  string
		value int
	}{
		{"src_vocab_size", c.SrcVocabSize},
		{"src_seq_len", c.SrcSeqLen},
		{"num_encoder_layers", c.NumEncoderLayers},
		{"d_model", c.DModel},
		{"num_heads", c.NumHeads},
		{"dim_ffn", c.DimFFN},
	} {
		if f.value <= 0 {
			return fmt.Errorf("%s must be positive, got %d: %w", f.name, f.value, ErrConfig)
		}
	}

	if c.DModel%c.NumHeads != 0 {
		return fmt.Errorf("d_model (%d) must be divisible by num_heads (%d): %w",
			c.DModel, c.NumHeads, ErrConfig)
	}
	if c.Dropout < 0 || c.Dropout >= 1 {
		return fmt.Errorf("dropout must be in [0, 1), got %v: %w", c.Dropout, ErrConfig)
	}
	if c.LayerNormEps <= 0 {
		return fmt.Errorf("layer_norm_eps must be positive, got %v: %w", c.LayerNormEps, ErrConfig)
	}
	if _, err := activationFunc(c.Activation); err != nil {
		return err
	}

	if _, err := NewMaskGenerator(c.SrcSeqLen).Bias(c.AttentionMask, c.KeyPaddingMask); err != nil {
		return fmt.Errorf("%w: %w", ErrConfig, err)
	}
	return nil
}

// HeadDim returns the width of one attention head.
func (c Config) HeadDim() int {
	return c.DModel / c.NumHeads
}

// FFNDim returns DimFFN with its default applied.
func (c Config) FFNDim() int {
	return c.withDefaults().DimFFN
}

func activationFunc(name string) (tensor.Activation, error) {
	switch name {
	case ActivationGELU, "":
		return tensor.GELU, nil
	case ActivationReLU:
		return tensor.ReLU, nil
	default:
		return nil, fmt.Errorf("unknown activation %q: %w", name, ErrConfig)
	}
}

// Checkpoint metadata keys. The first six must match exactly for a
// checkpoint to load into a model.
const (
	keySrcVocabSize     = "src_vocab_size"
	keySrcSeqLen        = "src_seq_len"
	keyNumEncoderLayers = "num_encoder_layers"
	keyDModel           = "d_model"
	keyNumHeads         = "num_heads"
	keyDimFFN           = "dim_ffn"
	keyDropout          = "dropout"
	keyActivation       = "activation"
	keyLayerNormEps     = "layer_norm_eps"
	keyArchitecture     = "architecture"

	architecture = "bert"
)

var structuralKeys = []string{
	keySrcVocabSize, keySrcSeqLen, keyNumEncoderLayers, keyDModel, keyNumHeads, keyDimFFN,
}

// Metadata renders the config as checkpoint metadata. Masks are runtime
// inputs and are not stored.
func (c Config) Metadata() map[string]string {
	c = c.withDefaults()
	return map[string]string{
		keyArchitecture:     architecture,
		keySrcVocabSize:     strconv.Itoa(c.SrcVocabSize),
		keySrcSeqLen:        strconv.Itoa(c.SrcSeqLen),
		keyNumEncoderLayers: strconv.Itoa(c.NumEncoderLayers),
		keyDModel:           strconv.Itoa(c.DModel),
		keyNumHeads:         strconv.Itoa(c.NumHeads),
		keyDimFFN:           strconv.Itoa(c.DimFFN),
		keyDropout:          strconv.FormatFloat(float64(c.Dropout), 'g', -1, 32),
		keyActivation:       c.Activation,
		keyLayerNormEps:     strconv.FormatFloat(float64(c.LayerNormEps), 'g', -1, 32),
	}
}

// ConfigFromMetadata rebuilds a config from checkpoint metadata. Missing or
// malformed structural keys wrap ErrFormat.
func ConfigFromMetadata(meta map[string]string) (Config, error) {
	if arch, ok := meta[keyArchitecture]; ok && arch != architecture {
		return Config{}, fmt.Errorf("unsupported architecture %q: %w", arch, ErrFormat)
	}

	ints := make(map[string]int, len(structuralKeys))
	for _, key := range structuralKeys {
		s, ok := meta[key]
		if !ok {
			return Config{}, fmt.Errorf("missing metadata key %q: %w", key, ErrFormat)
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			return Config{}, fmt.Errorf("metadata %q: %w: %w", key, ErrFormat, err)
		}
		ints[key] = n
	}

	c := Config{
		SrcVocabSize:     ints[keySrcVocabSize],
		SrcSeqLen:        ints[keySrcSeqLen],
		NumEncoderLayers: ints[keyNumEncoderLayers],
		DModel:           ints[keyDModel],
		NumHeads:         ints[keyNumHeads],
		DimFFN:           ints[keyDimFFN],
		Activation:       meta[keyActivation],
	}

	for key, dst := range map[string]*float32{keyDropout: &c.Dropout, keyLayerNormEps: &c.LayerNormEps} {
		if s, ok := meta[key]; ok {
			f, err := strconv.ParseFloat(s, 32)
			if err != nil {
				return Config{}, fmt.Errorf("metadata %q: %w: %w", key, ErrFormat, err)
			}
			*dst = float32(f)
		}
	}

	return c.withDefaults(), nil
}

// checkMetadata reports whether meta describes the same architecture as c.
func (c Config) checkMetadata(meta map[string]string) error {
	want := c.Metadata()
	for _, key := range structuralKeys {
		got, ok := meta[key]
		if !ok {
			return fmt.Errorf("missing metadata key %q: %w", key, ErrFormat)
		}
		if got != want[key] {
			return fmt.Errorf("checkpoint %s is %s, model has %s: %w", key, got, want[key], ErrFormat)
		}
	}
	return nil
}

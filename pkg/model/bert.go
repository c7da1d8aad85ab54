package model

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"

	"golang.org/x/sync/errgroup"

	"gobert/internal/envconfig"
	"gobert/internal/logutil"
	"gobert/pkg/tensor"
)

// Model is a BERT-style encoder.
//
// Architecture:
//  1. Token embeddings: lookup table (vocab_size, d_model)
//  2. Sinusoidal positional encodings, fixed
//  3. Dropout (training only)
//  4. Encoder stack: NumEncoderLayers post-norm layers sharing one mask bias
//  5. Output head (Predict only)
//
// A Model is safe for concurrent use: Forward and friends hold a read lock,
// LoadModel holds the write lock while it swaps parameters in.
type Model struct {
	mu sync.RWMutex

	config    Config
	Embedding *TokenEmbedding
	Positions *PositionalEncoding
	Encoder   *EncoderStack
	Head      OutputHead

	masks       *MaskGenerator
	parallelism int
	logger      *slog.Logger
}

// Option configures Create.
type Option func(*options)

type options struct {
	head        OutputHead
	init        Initializer
	seed        int64
	parallelism int
	logger      *slog.Logger
}

// WithOutputHead sets the head used by Predict. The default is IdentityHead.
func WithOutputHead(head OutputHead) Option {
	return func(o *options) { o.head = head }
}

// WithInitializer sets the weight initializer. The default is
// XavierInitialization.
func WithInitializer(init Initializer) Option {
	return func(o *options) { o.init = init }
}

// WithSeed seeds weight initialization. The default comes from GOBERT_SEED.
func WithSeed(seed int64) Option {
	return func(o *options) { o.seed = seed }
}

// WithParallelism bounds how many attention heads, or batch items in
// ForwardBatch, run concurrently. The default comes from GOBERT_NUM_THREADS.
func WithParallelism(n int) Option {
	return func(o *options) { o.parallelism = n }
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// Create validates config and builds a model with freshly initialized
// weights.
func Create(config Config, opts ...Option) (*Model, error) {
	config = config.withDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}

	o := options{
		head:        IdentityHead{},
		init:        XavierInitialization{},
		seed:        envconfig.Seed(),
		parallelism: int(envconfig.NumThreads()),
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	encoder, err := NewEncoderStack(config, o.parallelism)
	if err != nil {
		return nil, err
	}

	m := &Model{
		config:      config,
		Embedding:   NewTokenEmbedding(config.SrcVocabSize, config.DModel),
		Positions:   NewPositionalEncoding(config.SrcSeqLen, config.DModel),
		Encoder:     encoder,
		Head:        o.head,
		masks:       NewMaskGenerator(config.SrcSeqLen),
		parallelism: o.parallelism,
		logger:      o.logger,
	}

	initializeParams(m.Params(), o.init, rand.New(rand.NewSource(o.seed)))

	m.logger.Debug("created model",
		"layers", config.NumEncoderLayers,
		"d_model", config.DModel,
		"heads", config.NumHeads,
		"dim_ffn", config.DimFFN,
		"params", m.NumParams(),
		"seed", o.seed)
	return m, nil
}

// New is Create with the positional hyperparameters of the original BERT
// constructor. DimFFN defaults to 4 * dModel.
func New(srcVocabSize, srcSeqLen, numEncoderLayers, dModel, numHeads int, dropout float32, opts ...Option) (*Model, error) {
	config := NewConfig(srcVocabSize, srcSeqLen)
	config.NumEncoderLayers = numEncoderLayers
	config.DModel = dModel
	config.NumHeads = numHeads
	config.Dropout = dropout
	return Create(config, opts...)
}

// Config returns the model's configuration.
func (m *Model) Config() Config {
	return m.config
}

// ForwardOption configures a single forward pass.
type ForwardOption func(*forwardOptions)

type forwardOptions struct {
	rng            *rand.Rand
	attnMask       *tensor.Tensor
	keyPaddingMask *tensor.Tensor
}

// WithTraining enables dropout, drawing randomness from rng. Without it the
// pass runs in evaluation mode and is deterministic.
func WithTraining(rng *rand.Rand) ForwardOption {
	return func(o *forwardOptions) { o.rng = rng }
}

// WithAttentionMask replaces the config's attention mask for this pass. The
// mask may be (SrcSeqLen, SrcSeqLen) or (seq, seq); nil removes it.
func WithAttentionMask(mask *tensor.Tensor) ForwardOption {
	return func(o *forwardOptions) { o.attnMask = mask }
}

// WithKeyPaddingMask replaces the config's key-padding mask for this pass.
// The mask may be (SrcSeqLen) or (seq); nil removes it.
func WithKeyPaddingMask(mask *tensor.Tensor) ForwardOption {
	return func(o *forwardOptions) { o.keyPaddingMask = mask }
}

func (m *Model) forwardOptions(opts []ForwardOption) forwardOptions {
	o := forwardOptions{
		attnMask:       m.config.AttentionMask,
		keyPaddingMask: m.config.KeyPaddingMask,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Forward encodes ids, at most SrcSeqLen of them, into hidden states of
// shape (len(ids), d_model).
func (m *Model) Forward(ids []int, opts ...ForwardOption) (*tensor.Tensor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	hidden, _, err := m.forward(ids, m.forwardOptions(opts), false)
	return hidden, err
}

// ForwardBatch encodes independent sequences concurrently. In training mode
// each sequence gets its own generator seeded from the caller's, in order,
// so a seeded batch is reproducible.
func (m *Model) ForwardBatch(batch [][]int, opts ...ForwardOption) ([]*tensor.Tensor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o := m.forwardOptions(opts)
	rngs := make([]*rand.Rand, len(batch))
	if o.rng != nil {
		for i := range rngs {
			rngs[i] = rand.New(rand.NewSource(o.rng.Int63()))
		}
	}

	out := make([]*tensor.Tensor, len(batch))
	var g errgroup.Group
	if m.parallelism > 0 {
		g.SetLimit(m.parallelism)
	}
	for i, ids := range batch {
		g.Go(func() error {
			item := o
			item.rng = rngs[i]
			hidden, _, err := m.forward(ids, item, false)
			if err != nil {
				return fmt.Errorf("batch item %d: %w", i, err)
			}
			out[i] = hidden
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Predict runs Forward and then the output head.
func (m *Model) Predict(ids []int, opts ...ForwardOption) (*tensor.Tensor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	hidden, _, err := m.forward(ids, m.forwardOptions(opts), false)
	if err != nil {
		return nil, err
	}

	out, err := m.Head.Forward(hidden)
	if err != nil {
		return nil, fmt.Errorf("failed to apply output head: %w", err)
	}
	return out, nil
}

// AttentionWeights runs a forward pass and returns each layer's attention
// weights, shape (num_heads, seq, seq).
func (m *Model) AttentionWeights(ids []int, opts ...ForwardOption) ([]*tensor.Tensor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, weights, err := m.forward(ids, m.forwardOptions(opts), true)
	return weights, err
}

func (m *Model) forward(ids []int, o forwardOptions, keepWeights bool) (*tensor.Tensor, []*tensor.Tensor, error) {
	seqLen := len(ids)
	if seqLen == 0 || seqLen > m.config.SrcSeqLen {
		return nil, nil, fmt.Errorf("sequence length %d out of range (1..%d): %w", seqLen, m.config.SrcSeqLen, ErrShape)
	}

	logutil.TraceContext(context.TODO(), m.logger, "encoder forward", "seq_len", seqLen, "training", o.rng != nil)

	x, err := m.Embedding.Forward(ids)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to lookup token embeddings: %w", err)
	}
	if err := m.Positions.AddTo(x); err != nil {
		return nil, nil, fmt.Errorf("failed to add positional encodings: %w", err)
	}
	x.DropoutInPlace(m.config.Dropout, o.rng)

	bias, err := m.masks.BiasFor(seqLen, o.attnMask, o.keyPaddingMask)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build attention mask: %w", err)
	}

	if keepWeights {
		return m.Encoder.ForwardWithWeights(x, bias, o.rng)
	}
	x, err = m.Encoder.Forward(x, bias, o.rng)
	return x, nil, err
}

// Params returns every learned parameter in a stable order.
func (m *Model) Params() []Param {
	params := prefixParams("embeddings.token.", m.Embedding.Params())
	params = append(params, prefixParams("encoder.", m.Encoder.Params())...)
	if h, ok := m.Head.(paramHead); ok {
		params = append(params, prefixParams("head.", h.Params())...)
	}
	return params
}

// NumParams returns the number of learned parameters.
func (m *Model) NumParams() int {
	n := 0
	for _, p := range m.Params() {
		n += p.Value.Size()
	}
	return n
}

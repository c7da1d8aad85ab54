package model

import (
	"fmt"
	"slices"

	"gobert/pkg/checkpoint"
)

// SaveOption configures SaveModel.
type SaveOption func(*saveOptions)

type saveOptions struct {
	dtype checkpoint.DType
}

// WithDType sets the on-disk element type. The default is checkpoint.F32;
// checkpoint.F16 halves the file at reduced precision.
func WithDType(dtype checkpoint.DType) SaveOption {
	return func(o *saveOptions) { o.dtype = dtype }
}

// SaveModel writes the config and every learned parameter to path. The
// file is replaced atomically, so a failed save leaves any previous
// checkpoint intact.
func (m *Model) SaveModel(path string, opts ...SaveOption) error {
	o := saveOptions{dtype: checkpoint.F32}
	for _, opt := range opts {
		opt(&o)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	params := m.Params()
	tensors := make([]checkpoint.Tensor, len(params))
	for i, p := range params {
		tensors[i] = checkpoint.Tensor{Name: p.Name, Shape: p.Value.Shape, Data: p.Value.Data}
	}

	if err := checkpoint.WriteFile(path, m.config.Metadata(), tensors, o.dtype); err != nil {
		return fmt.Errorf("failed to save model: %w", err)
	}

	m.logger.Debug("saved model", "path", path, "tensors", len(tensors), "dtype", o.dtype)
	return nil
}

// LoadModel replaces the model's parameters with those stored at path.
//
// The checkpoint must describe the same architecture and contain exactly
// the model's parameters with matching shapes. Everything is read and
// checked before any parameter is touched, so on error the model is left
// unchanged.
func (m *Model) LoadModel(path string) error {
	f, err := checkpoint.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to load model: %w", err)
	}

	if err := m.config.checkMetadata(f.Metadata); err != nil {
		return fmt.Errorf("failed to load model: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	params := m.Params()
	staged := make([][]float32, len(params))
	for i, p := range params {
		t, ok := f.Get(p.Name)
		if !ok {
			return fmt.Errorf("checkpoint has no tensor %q: %w", p.Name, ErrFormat)
		}
		if !slices.Equal(t.Shape, p.Value.Shape) {
			return fmt.Errorf("tensor %q has shape %v, model expects %v: %w", p.Name, t.Shape, p.Value.Shape, ErrFormat)
		}
		staged[i] = t.Data
	}
	if len(f.Tensors) != len(params) {
		return fmt.Errorf("checkpoint has %d tensors, model has %d: %w", len(f.Tensors), len(params), ErrFormat)
	}

	for i, p := range params {
		copy(p.Value.Data, staged[i])
	}

	m.logger.Debug("loaded model", "path", path, "tensors", len(params))
	return nil
}

// Open creates a model from the config stored in a checkpoint and loads
// its parameters. Options are passed to Create; a head with parameters
// must match the one that was saved.
func Open(path string, opts ...Option) (*Model, error) {
	h, err := checkpoint.ReadHeaderFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open model: %w", err)
	}

	config, err := ConfigFromMetadata(h.Metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to open model: %w", err)
	}

	m, err := Create(config, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to open model: %w", err)
	}
	if err := m.LoadModel(path); err != nil {
		return nil, err
	}
	return m, nil
}

package model

import (
	"errors"

	"gobert/pkg/checkpoint"
	"gobert/pkg/tensor"
)

var (
	// ErrConfig is returned when a Config violates one of its invariants.
	ErrConfig = errors.New("invalid model config")

	// ErrIndex is returned for token ids outside [0, SrcVocabSize) and for
	// class targets outside the head's range.
	ErrIndex = errors.New("index out of range")

	// ErrShape is returned when an input or mask doesn't fit the model.
	ErrShape = tensor.ErrShape

	// ErrIO is returned when a checkpoint can't be read or written.
	ErrIO = checkpoint.ErrIO

	// ErrFormat is returned when a checkpoint is malformed or doesn't match
	// the model it is loaded into.
	ErrFormat = checkpoint.ErrFormat
)

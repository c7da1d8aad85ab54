package model

import (
	"fmt"
	"math"

	"gobert/pkg/tensor"
)

// MaskGenerator turns an attention mask and a key-padding mask into the
// additive bias applied to attention scores before softmax. Any nonzero
// mask entry blocks; blocked (query, key) pairs get -Inf and allowed pairs
// get 0. The two masks combine by logical OR.
type MaskGenerator struct {
	SeqLen int
}

// NewMaskGenerator creates a generator for sequences up to seqLen.
func NewMaskGenerator(seqLen int) *MaskGenerator {
	return &MaskGenerator{SeqLen: seqLen}
}

// Bias combines masks of shape (seq_len, seq_len) and (seq_len) into a
// (seq_len, seq_len) bias. Either mask may be nil; if both are, the result
// is nil, meaning no restriction.
func (g *MaskGenerator) Bias(attnMask, keyPaddingMask *tensor.Tensor) (*tensor.Tensor, error) {
	if err := checkMasks(attnMask, keyPaddingMask, g.SeqLen); err != nil {
		return nil, err
	}
	return combineMasks(g.SeqLen, attnMask, keyPaddingMask), nil
}

// BiasFor builds the bias for an input of seqLen positions. Each mask may
// be sized either for the full SeqLen, in which case its leading block is
// used, or for exactly seqLen.
func (g *MaskGenerator) BiasFor(seqLen int, attnMask, keyPaddingMask *tensor.Tensor) (*tensor.Tensor, error) {
	if seqLen <= 0 || seqLen > g.SeqLen {
		return nil, fmt.Errorf("sequence length %d out of range (1..%d): %w", seqLen, g.SeqLen, ErrShape)
	}

	if attnMask != nil && len(attnMask.Shape) == 2 && attnMask.Shape[0] == g.SeqLen {
		if err := checkMasks(attnMask, nil, g.SeqLen); err != nil {
			return nil, err
		}
	} else if err := checkMasks(attnMask, nil, seqLen); err != nil {
		return nil, err
	}

	if keyPaddingMask != nil && len(keyPaddingMask.Shape) == 1 && keyPaddingMask.Shape[0] == g.SeqLen {
		if err := checkMasks(nil, keyPaddingMask, g.SeqLen); err != nil {
			return nil, err
		}
	} else if err := checkMasks(nil, keyPaddingMask, seqLen); err != nil {
		return nil, err
	}

	return combineMasks(seqLen, attnMask, keyPaddingMask), nil
}

// CausalMask returns a (seqLen, seqLen) mask blocking every key after the
// query position.
func CausalMask(seqLen int) *tensor.Tensor {
	mask := tensor.NewTensor([]int{seqLen, seqLen})
	for q := 0; q < seqLen; q++ {
		row := mask.Row(q)
		for k := q + 1; k < seqLen; k++ {
			row[k] = 1
		}
	}
	return mask
}

// PaddingMask returns a (seqLen) key-padding mask marking positions whose
// id is padID, and every position past len(ids).
func PaddingMask(ids []int, padID, seqLen int) *tensor.Tensor {
	mask := tensor.NewTensor([]int{seqLen})
	for i := range mask.Data {
		if i >= len(ids) || ids[i] == padID {
			mask.Data[i] = 1
		}
	}
	return mask
}

func checkMasks(attnMask, keyPaddingMask *tensor.Tensor, seqLen int) error {
	if attnMask != nil && !tensor.SameShape(attnMask.Shape, []int{seqLen, seqLen}) {
		return fmt.Errorf("attention mask shape %v, expected [%d %d]: %w", attnMask.Shape, seqLen, seqLen, ErrShape)
	}
	if keyPaddingMask != nil && !tensor.SameShape(keyPaddingMask.Shape, []int{seqLen}) {
		return fmt.Errorf("key padding mask shape %v, expected [%d]: %w", keyPaddingMask.Shape, seqLen, ErrShape)
	}
	return nil
}

// combineMasks reads the leading (n, n) block of attnMask and the first n
// entries of keyPaddingMask.
func combineMasks(n int, attnMask, keyPaddingMask *tensor.Tensor) *tensor.Tensor {
	if attnMask == nil && keyPaddingMask == nil {
		return nil
	}

	negInf := float32(math.Inf(-1))
	bias := tensor.NewTensor([]int{n, n})
	for q := 0; q < n; q++ {
		row := bias.Row(q)
		for k := 0; k < n; k++ {
			blocked := keyPaddingMask != nil && keyPaddingMask.Data[k] != 0
			if attnMask != nil && attnMask.Data[q*attnMask.Shape[1]+k] != 0 {
				blocked = true
			}
			if blocked {
				row[k] = negInf
			}
		}
	}
	return bias
}

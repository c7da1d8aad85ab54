package tensor

import (
	"fmt"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// Matmul performs matrix multiplication on the last two dimensions.
// For tensors of shape (..., m, n) and (..., n, p), returns (..., m, p).
// A 2D right operand is broadcast across the batch dimensions of the left.
func Matmul(a, b *Tensor) (*Tensor, error) {
	if len(a.Shape) < 2 || len(b.Shape) < 2 {
		return nil, fmt.Errorf("matmul requires at least 2D tensors, got %dD and %dD: %w",
			len(a.Shape), len(b.Shape), ErrShape)
	}

	m, n := a.Shape[len(a.Shape)-2], a.Shape[len(a.Shape)-1]
	n2, p := b.Shape[len(b.Shape)-2], b.Shape[len(b.Shape)-1]
	if n != n2 {
		return nil, fmt.Errorf("incompatible shapes for matmul: %v and %v (inner dimensions %d and %d don't match): %w",
			a.Shape, b.Shape, n, n2, ErrShape)
	}

	batchDims := a.Shape[:len(a.Shape)-2]
	batch := numElements(batchDims)

	outShape := append(copyShape(batchDims), m, p)
	result := NewTensor(outShape)

	switch {
	case len(b.Shape) == 2:
		// (..., m, n) @ (n, p): fold the batch into the row dimension.
		gemm(blas.NoTrans, a.Data, batch*m, n, b.Data, p, result.Data)
	case SameShape(b.Shape[:len(b.Shape)-2], batchDims):
		for i := 0; i < batch; i++ {
			gemm(blas.NoTrans,
				a.Data[i*m*n:(i+1)*m*n], m, n,
				b.Data[i*n*p:(i+1)*n*p], p,
				result.Data[i*m*p:(i+1)*m*p])
		}
	default:
		return nil, fmt.Errorf("incompatible batch dimensions for matmul: %v and %v: %w", a.Shape, b.Shape, ErrShape)
	}

	return result, nil
}

// MatmulTransB computes a @ bᵀ for 2D tensors a (m, n) and b (p, n).
func MatmulTransB(a, b *Tensor) (*Tensor, error) {
	if len(a.Shape) != 2 || len(b.Shape) != 2 {
		return nil, fmt.Errorf("MatmulTransB requires 2D tensors, got %v and %v: %w", a.Shape, b.Shape, ErrShape)
	}
	m, n := a.Shape[0], a.Shape[1]
	p, n2 := b.Shape[0], b.Shape[1]
	if n != n2 {
		return nil, fmt.Errorf("incompatible shapes for a @ b^T: %v and %v: %w", a.Shape, b.Shape, ErrShape)
	}

	result := NewTensor([]int{m, p})
	gemm(blas.Trans, a.Data, m, n, b.Data, p, result.Data)
	return result, nil
}

// Linear computes x @ w + bias for x (..., in), w (in, out) and an optional
// bias of shape (out).
func Linear(x, w, bias *Tensor) (*Tensor, error) {
	out, err := Matmul(x, w)
	if err != nil {
		return nil, err
	}
	if bias == nil {
		return out, nil
	}

	cols := out.Shape[len(out.Shape)-1]
	if len(bias.Shape) != 1 || bias.Shape[0] != cols {
		return nil, fmt.Errorf("bias shape %v does not match output width %d: %w", bias.Shape, cols, ErrShape)
	}
	for r := 0; r < len(out.Data); r += cols {
		row := out.Data[r : r+cols]
		for j, v := range bias.Data {
			row[j] += v
		}
	}
	return out, nil
}

// gemm writes a (m, n) @ op(b) into c (m, p). With tB == blas.Trans, b is
// stored as (p, n).
func gemm(tB blas.Transpose, a []float32, m, n int, b []float32, p int, c []float32) {
	if m == 0 || n == 0 || p == 0 {
		return
	}

	bm := blas32.General{Rows: n, Cols: p, Stride: p, Data: b}
	if tB == blas.Trans {
		bm = blas32.General{Rows: p, Cols: n, Stride: n, Data: b}
	}

	blas32.Gemm(blas.NoTrans, tB, 1,
		blas32.General{Rows: m, Cols: n, Stride: n, Data: a},
		bm,
		0,
		blas32.General{Rows: m, Cols: p, Stride: p, Data: c})
}

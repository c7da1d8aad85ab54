// Package tensor provides the dense float32 tensor used by the encoder.
// This is a small row-major implementation covering what a BERT-style
// encoder needs; matrix products are delegated to gonum's BLAS.
package tensor

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// ErrShape is returned (wrapped) whenever operand shapes are incompatible.
var ErrShape = errors.New("shape mismatch")

// Tensor represents a multi-dimensional array of float32 values.
// It stores data in a flat slice with shape information for indexing.
type Tensor struct {
	Data    []float32 // Flattened row-major storage
	Shape   []int     // Dimensions, e.g. [seq, d_model]
	Strides []int     // Precomputed strides for indexing
}

// NewTensor creates a new tensor with the given shape, initialized to zeros.
func NewTensor(shape []int) *Tensor {
	return &Tensor{
		Data:    make([]float32, numElements(shape)),
		Shape:   copyShape(shape),
		Strides: stridesFor(shape),
	}
}

// FromSlice creates a tensor from a copy of data with the given shape.
// Returns an error if data size doesn't match the shape.
func FromSlice(data []float32, shape []int) (*Tensor, error) {
	for _, dim := range shape {
		if dim < 0 {
			return nil, fmt.Errorf("invalid dimension %d in shape %v: %w", dim, shape, ErrShape)
		}
	}
	if want := numElements(shape); len(data) != want {
		return nil, fmt.Errorf("data size %d does not match shape %v (expected %d elements): %w",
			len(data), shape, want, ErrShape)
	}

	t := NewTensor(shape)
	copy(t.Data, data)
	return t, nil
}

// Full creates a tensor with every element set to value.
func Full(shape []int, value float32) *Tensor {
	t := NewTensor(shape)
	for i := range t.Data {
		t.Data[i] = value
	}
	return t
}

// View returns a tensor with a different shape sharing the same data.
func (t *Tensor) View(newShape []int) (*Tensor, error) {
	for _, dim := range newShape {
		if dim < 0 {
			return nil, fmt.Errorf("invalid dimension %d in shape %v: %w", dim, newShape, ErrShape)
		}
	}
	if n := numElements(newShape); n != len(t.Data) {
		return nil, fmt.Errorf("cannot view tensor of size %d as shape %v (total size %d): %w",
			len(t.Data), newShape, n, ErrShape)
	}

	return &Tensor{
		Data:    t.Data,
		Shape:   copyShape(newShape),
		Strides: stridesFor(newShape),
	}, nil
}

// Reshape is View that panics on a size mismatch.
func (t *Tensor) Reshape(newShape []int) *Tensor {
	v, err := t.View(newShape)
	if err != nil {
		panic(err)
	}
	return v
}

// Transpose exchanges two dimensions of the tensor, returning a new
// contiguous tensor.
func (t *Tensor) Transpose(dim1, dim2 int) (*Tensor, error) {
	rank := len(t.Shape)
	if dim1 < 0 || dim1 >= rank || dim2 < 0 || dim2 >= rank {
		return nil, fmt.Errorf("invalid transpose dimensions %d and %d for tensor with %d dimensions: %w",
			dim1, dim2, rank, ErrShape)
	}
	if dim1 == dim2 {
		return t.Clone(), nil
	}

	newShape := copyShape(t.Shape)
	newShape[dim1], newShape[dim2] = newShape[dim2], newShape[dim1]
	result := NewTensor(newShape)

	// Walk the source in order and scatter into the destination, whose
	// strides for dim1/dim2 are swapped.
	dstStrides := copyShape(result.Strides)
	dstStrides[dim1], dstStrides[dim2] = dstStrides[dim2], dstStrides[dim1]

	idx := make([]int, rank)
	for src := range t.Data {
		dst := 0
		for d := 0; d < rank; d++ {
			dst += idx[d] * dstStrides[d]
		}
		result.Data[dst] = t.Data[src]

		for d := rank - 1; d >= 0; d-- {
			idx[d]++
			if idx[d] < t.Shape[d] {
				break
			}
			idx[d] = 0
		}
	}

	return result, nil
}

// Size returns the total number of elements in the tensor.
func (t *Tensor) Size() int {
	return numElements(t.Shape)
}

// FlatIndex converts multi-dimensional indices to a flat index.
func (t *Tensor) FlatIndex(indices []int) int {
	if len(indices) != len(t.Shape) {
		panic(fmt.Sprintf("indices length %d does not match shape dimensions %d",
			len(indices), len(t.Shape)))
	}

	idx := 0
	for i, v := range indices {
		if v < 0 || v >= t.Shape[i] {
			panic(fmt.Sprintf("index %d out of bounds for dimension %d with size %d", v, i, t.Shape[i]))
		}
		idx += v * t.Strides[i]
	}
	return idx
}

// Get retrieves a value at the specified indices.
func (t *Tensor) Get(indices []int) float32 {
	return t.Data[t.FlatIndex(indices)]
}

// Set sets a value at the specified indices.
func (t *Tensor) Set(indices []int, value float32) {
	t.Data[t.FlatIndex(indices)] = value
}

// Row returns row i of a 2D tensor as a slice sharing the tensor's storage.
func (t *Tensor) Row(i int) []float32 {
	if len(t.Shape) != 2 {
		panic(fmt.Sprintf("Row requires a 2D tensor, got shape %v", t.Shape))
	}
	cols := t.Shape[1]
	return t.Data[i*cols : (i+1)*cols]
}

// Clone creates a deep copy of the tensor.
func (t *Tensor) Clone() *Tensor {
	c := NewTensor(t.Shape)
	copy(c.Data, t.Data)
	return c
}

// Index returns the i-th sub-tensor along the first dimension. The result
// shares t's data.
func (t *Tensor) Index(i int) *Tensor {
	if len(t.Shape) < 2 || i < 0 || i >= t.Shape[0] {
		panic(fmt.Sprintf("index %d out of range for shape %v", i, t.Shape))
	}
	shape := t.Shape[1:]
	n := t.Strides[0]
	return &Tensor{
		Data:    t.Data[i*n : (i+1)*n],
		Shape:   copyShape(shape),
		Strides: stridesFor(shape),
	}
}

// ShapeString returns a string representation of the shape.
func (t *Tensor) ShapeString() string {
	return fmt.Sprintf("%v", t.Shape)
}

// Equals checks if two tensors have the same shape and approximately equal values.
func (t *Tensor) Equals(other *Tensor, tolerance float32) bool {
	if !t.ShapeEquals(other) {
		return false
	}
	for i := range t.Data {
		if math.Abs(float64(t.Data[i]-other.Data[i])) > float64(tolerance) {
			return false
		}
	}
	return true
}

// ShapeEquals checks if two tensors have the same shape.
func (t *Tensor) ShapeEquals(other *Tensor) bool {
	return SameShape(t.Shape, other.Shape)
}

// SameShape reports whether two shapes are identical.
func SameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// SliceN extracts a copy of the sub-tensor [starts, ends) in every dimension.
func (t *Tensor) SliceN(starts, ends []int) (*Tensor, error) {
	rank := len(t.Shape)
	if len(starts) != rank || len(ends) != rank {
		return nil, fmt.Errorf("starts and ends must have same length as tensor dimensions (%d), got %d and %d: %w",
			rank, len(starts), len(ends), ErrShape)
	}

	newShape := make([]int, rank)
	for i := 0; i < rank; i++ {
		if starts[i] < 0 || starts[i] > t.Shape[i] || ends[i] < starts[i] || ends[i] > t.Shape[i] {
			return nil, fmt.Errorf("invalid range [%d, %d) for dimension %d with size %d: %w",
				starts[i], ends[i], i, t.Shape[i], ErrShape)
		}
		newShape[i] = ends[i] - starts[i]
	}

	result := NewTensor(newShape)
	if result.Size() == 0 {
		return result, nil
	}

	idx := make([]int, rank)
	for dst := range result.Data {
		src := 0
		for d := 0; d < rank; d++ {
			src += (starts[d] + idx[d]) * t.Strides[d]
		}
		result.Data[dst] = t.Data[src]

		for d := rank - 1; d >= 0; d-- {
			idx[d]++
			if idx[d] < newShape[d] {
				break
			}
			idx[d] = 0
		}
	}
	return result, nil
}

// Scale multiplies all elements by a scalar.
func Scale(t *Tensor, scalar float32) *Tensor {
	result := NewTensor(t.Shape)
	for i, v := range t.Data {
		result.Data[i] = v * scalar
	}
	return result
}

// Scale is the method form of Scale.
func (t *Tensor) Scale(s float32) *Tensor {
	return Scale(t, s)
}

// Add performs element-wise addition with broadcasting.
func Add(a, b *Tensor) (*Tensor, error) {
	return elementWiseOp(a, b, func(x, y float32) float32 { return x + y })
}

// AddInPlace adds b into a. Shapes must match exactly.
func AddInPlace(a, b *Tensor) error {
	if !a.ShapeEquals(b) {
		return fmt.Errorf("cannot add %v into %v: %w", b.Shape, a.Shape, ErrShape)
	}
	for i, v := range b.Data {
		a.Data[i] += v
	}
	return nil
}

// elementWiseOp applies op element-wise, broadcasting trailing dimensions.
func elementWiseOp(a, b *Tensor, op func(float32, float32) float32) (*Tensor, error) {
	if a.ShapeEquals(b) {
		result := NewTensor(a.Shape)
		for i := range a.Data {
			result.Data[i] = op(a.Data[i], b.Data[i])
		}
		return result, nil
	}

	outShape, err := broadcastShapes(a.Shape, b.Shape)
	if err != nil {
		return nil, fmt.Errorf("cannot broadcast shapes %v and %v: %w", a.Shape, b.Shape, err)
	}

	result := NewTensor(outShape)
	aStrides := broadcastStrides(a.Shape, outShape)
	bStrides := broadcastStrides(b.Shape, outShape)

	idx := make([]int, len(outShape))
	for out := range result.Data {
		ai, bi := 0, 0
		for d, v := range idx {
			ai += v * aStrides[d]
			bi += v * bStrides[d]
		}
		result.Data[out] = op(a.Data[ai], b.Data[bi])

		for d := len(outShape) - 1; d >= 0; d-- {
			idx[d]++
			if idx[d] < outShape[d] {
				break
			}
			idx[d] = 0
		}
	}

	return result, nil
}

// broadcastShapes computes the broadcasted shape of two shapes.
func broadcastShapes(a, b []int) ([]int, error) {
	n := max(len(a), len(b))
	result := make([]int, n)

	for i := 0; i < n; i++ {
		dimA, dimB := 1, 1
		if i < len(a) {
			dimA = a[len(a)-1-i]
		}
		if i < len(b) {
			dimB = b[len(b)-1-i]
		}

		if dimA != dimB && dimA != 1 && dimB != 1 {
			return nil, fmt.Errorf("incompatible dimensions %d and %d: %w", dimA, dimB, ErrShape)
		}
		result[n-1-i] = max(dimA, dimB)
	}

	return result, nil
}

// broadcastStrides returns strides of in aligned to out, with zero stride
// on broadcast dimensions.
func broadcastStrides(in, out []int) []int {
	strides := make([]int, len(out))
	inStrides := stridesFor(in)
	diff := len(out) - len(in)
	for i := range in {
		if in[i] != 1 {
			strides[i+diff] = inStrides[i]
		}
	}
	return strides
}

// String returns a string representation of the tensor.
func (t *Tensor) String() string {
	var sb strings.Builder
	sb.WriteString("Tensor")
	sb.WriteString(t.ShapeString())
	sb.WriteString(": ")
	if len(t.Data) == 0 {
		sb.WriteString("[]")
		return sb.String()
	}
	sb.WriteString(formatData(t.Shape, t.Data, 0))
	return sb.String()
}

// formatData recursively formats tensor data, eliding long dimensions.
func formatData(shape []int, data []float32, offset int) string {
	if len(shape) == 0 {
		return fmt.Sprintf("%g", data[offset])
	}

	limit := 3
	if len(shape) == 1 {
		limit = 6
	}
	sub := numElements(shape[1:])

	var sb strings.Builder
	sb.WriteString("[")
	for i := 0; i < shape[0] && i < limit; i++ {
		if i > 0 {
			sb.WriteString(", ")
		}
		if len(shape) == 1 {
			fmt.Fprintf(&sb, "%g", data[offset+i])
		} else {
			sb.WriteString(formatData(shape[1:], data, offset+i*sub))
		}
	}
	if shape[0] > limit {
		sb.WriteString(", ...")
	}
	sb.WriteString("]")
	return sb.String()
}

func numElements(shape []int) int {
	n := 1
	for _, dim := range shape {
		n *= dim
	}
	return n
}

func stridesFor(shape []int) []int {
	strides := make([]int, len(shape))
	stride := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= shape[i]
	}
	return strides
}

func copyShape(shape []int) []int {
	result := make([]int, len(shape))
	copy(result, shape)
	return result
}

// Package checkpoint reads and writes encoder parameters.
//
// Files use the safetensors layout: an 8-byte little-endian header length,
// a JSON header mapping tensor names to dtype, shape and byte offsets (plus
// a string-to-string "__metadata__" entry), then the raw little-endian
// tensor data.
package checkpoint

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/x448/float16"
)

var (
	// ErrIO is returned (wrapped) when a checkpoint cannot be read or written.
	ErrIO = errors.New("checkpoint I/O error")

	// ErrFormat is returned (wrapped) when a checkpoint is malformed or does
	// not match what the caller expects.
	ErrFormat = errors.New("checkpoint format error")
)

// DType is the on-disk element type.
type DType string

const (
	F32 DType = "F32"
	F16 DType = "F16"
)

// Size returns the number of bytes per element.
func (d DType) Size() int {
	switch d {
	case F32:
		return 4
	case F16:
		return 2
	default:
		return 0
	}
}

// ParseDType parses a dtype name case-insensitively ("f32", "FP16",
// "float16").
func ParseDType(s string) (DType, error) {
	switch strings.ToLower(s) {
	case "f32", "fp32", "float32":
		return F32, nil
	case "f16", "fp16", "float16", "half":
		return F16, nil
	}
	return "", fmt.Errorf("unknown dtype %q: %w", s, ErrFormat)
}

const (
	metadataKey = "__metadata__"

	// maxHeaderSize guards against allocating for a corrupt length prefix.
	maxHeaderSize = 100 << 20
)

// Tensor is one named parameter. Data is always float32 in memory.
type Tensor struct {
	Name  string
	Shape []int
	Data  []float32
}

// TensorInfo describes a stored tensor without its data.
type TensorInfo struct {
	Name        string `json:"-"`
	DType       DType  `json:"dtype"`
	Shape       []int  `json:"shape"`
	DataOffsets [2]int `json:"data_offsets"`
}

// Header is the decoded JSON header.
type Header struct {
	Metadata map[string]string
	Tensors  []TensorInfo // sorted by data offset

	size int64
}

// Size returns the encoded size of the whole checkpoint in bytes.
func (h *Header) Size() int64 {
	return h.size
}

// Tensor returns the info for name.
func (h *Header) Tensor(name string) (TensorInfo, bool) {
	for _, ti := range h.Tensors {
		if ti.Name == name {
			return ti, true
		}
	}
	return TensorInfo{}, false
}

// File is a fully decoded checkpoint.
type File struct {
	Header
	data map[string]*Tensor
}

// Get returns the tensor stored under name.
func (f *File) Get(name string) (*Tensor, bool) {
	t, ok := f.data[name]
	return t, ok
}

// Write encodes tensors with metadata to w.
func Write(w io.Writer, metadata map[string]string, tensors []Tensor, dtype DType) error {
	if dtype.Size() == 0 {
		return fmt.Errorf("unsupported dtype %q: %w", dtype, ErrFormat)
	}

	header := make(map[string]any, len(tensors)+1)
	if len(metadata) > 0 {
		header[metadataKey] = metadata
	}

	offset := 0
	for _, t := range tensors {
		if _, dup := header[t.Name]; dup || t.Name == "" {
			return fmt.Errorf("invalid or duplicate tensor name %q: %w", t.Name, ErrFormat)
		}
		if n := numElements(t.Shape); n != len(t.Data) {
			return fmt.Errorf("tensor %q has %d elements, shape %v needs %d: %w", t.Name, len(t.Data), t.Shape, n, ErrFormat)
		}

		size := len(t.Data) * dtype.Size()
		header[t.Name] = TensorInfo{
			DType:       dtype,
			Shape:       t.Shape,
			DataOffsets: [2]int{offset, offset + size},
		}
		offset += size
	}

	bts, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("failed to encode header: %w", err)
	}
	// Pad with spaces to 8-byte alignment, as safetensors writers do.
	if pad := (8 - len(bts)%8) % 8; pad > 0 {
		bts = append(bts, bytes.Repeat([]byte(" "), pad)...)
	}

	bw := bufio.NewWriter(w)
	if err := binary.Write(bw, binary.LittleEndian, uint64(len(bts))); err != nil {
		return fmt.Errorf("failed to write header size: %w: %w", ErrIO, err)
	}
	if _, err := bw.Write(bts); err != nil {
		return fmt.Errorf("failed to write header: %w: %w", ErrIO, err)
	}

	buf := make([]byte, 0, 4096)
	for _, t := range tensors {
		for chunk := range slices.Chunk(t.Data, 1024) {
			buf = encode(buf[:0], chunk, dtype)
			if _, err := bw.Write(buf); err != nil {
				return fmt.Errorf("failed to write tensor %q: %w: %w", t.Name, ErrIO, err)
			}
		}
	}

	if err := bw.Flush(); err != nil {
		return fmt.Errorf("failed to flush: %w: %w", ErrIO, err)
	}
	return nil
}

// WriteFile writes a checkpoint to path atomically: data goes to a
// temporary file in the same directory which is renamed over path only
// after it has been fully written and synced.
func WriteFile(path string, metadata map[string]string, tensors []Tensor, dtype DType) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create dir: %w: %w", ErrIO, err)
	}

	f, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w: %w", ErrIO, err)
	}
	defer os.Remove(f.Name())

	if err := Write(f, metadata, tensors, dtype); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync: %w: %w", ErrIO, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close: %w: %w", ErrIO, err)
	}

	if err := os.Rename(f.Name(), path); err != nil {
		return fmt.Errorf("rename: %w: %w", ErrIO, err)
	}
	return nil
}

// ReadHeader decodes only the header from r.
func ReadHeader(r io.Reader) (*Header, error) {
	var n uint64
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, fmt.Errorf("failed to read header size: %w: %w", ErrFormat, err)
	}
	if n == 0 || n > maxHeaderSize {
		return nil, fmt.Errorf("header size %d out of range: %w", n, ErrFormat)
	}

	bts := make([]byte, n)
	if _, err := io.ReadFull(r, bts); err != nil {
		return nil, fmt.Errorf("failed to read header: %w: %w", ErrFormat, err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(bts, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode header: %w: %w", ErrFormat, err)
	}

	h := &Header{Metadata: map[string]string{}}
	for name, msg := range raw {
		if name == metadataKey {
			if err := json.Unmarshal(msg, &h.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode metadata: %w: %w", ErrFormat, err)
			}
			continue
		}

		var ti TensorInfo
		if err := json.Unmarshal(msg, &ti); err != nil {
			return nil, fmt.Errorf("failed to decode tensor %q: %w: %w", name, ErrFormat, err)
		}
		ti.Name = name
		if ti.DType.Size() == 0 {
			return nil, fmt.Errorf("tensor %q has unsupported dtype %q: %w", name, ti.DType, ErrFormat)
		}
		want, ok := byteSize(ti.Shape, ti.DType.Size())
		if !ok {
			return nil, fmt.Errorf("tensor %q has invalid shape %v: %w", name, ti.Shape, ErrFormat)
		}
		if ti.DataOffsets[0] < 0 || ti.DataOffsets[1] < ti.DataOffsets[0] || ti.DataOffsets[1]-ti.DataOffsets[0] != want {
			return nil, fmt.Errorf("tensor %q offsets %v don't match shape %v: %w", name, ti.DataOffsets, ti.Shape, ErrFormat)
		}
		h.Tensors = append(h.Tensors, ti)
	}

	slices.SortFunc(h.Tensors, func(a, b TensorInfo) int {
		return a.DataOffsets[0] - b.DataOffsets[0]
	})

	// Tensors must tile the data section without gaps or overlap.
	offset := 0
	for _, ti := range h.Tensors {
		if ti.DataOffsets[0] != offset {
			return nil, fmt.Errorf("tensor %q starts at %d, expected %d: %w", ti.Name, ti.DataOffsets[0], offset, ErrFormat)
		}
		offset = ti.DataOffsets[1]
	}

	h.size = 8 + int64(n) + int64(offset)
	return h, nil
}

// Read decodes a complete checkpoint from r.
func Read(r io.Reader) (*File, error) {
	return read(r, -1)
}

// read decodes a checkpoint whose encoded size must not exceed limit bytes.
// A negative limit means unknown; tensor buffers then grow only as data
// actually arrives.
func read(r io.Reader, limit int64) (*File, error) {
	br := bufio.NewReader(r)
	h, err := ReadHeader(br)
	if err != nil {
		return nil, err
	}
	if limit >= 0 && h.size > limit {
		return nil, fmt.Errorf("header describes %d bytes, file has %d: %w", h.size, limit, ErrFormat)
	}

	f := &File{Header: *h, data: make(map[string]*Tensor, len(h.Tensors))}
	for _, ti := range h.Tensors {
		span := ti.DataOffsets[1] - ti.DataOffsets[0]
		bts, err := io.ReadAll(io.LimitReader(br, int64(span)))
		if err != nil {
			return nil, fmt.Errorf("failed to read tensor %q: %w: %w", ti.Name, ErrFormat, err)
		}
		if len(bts) != span {
			return nil, fmt.Errorf("tensor %q is truncated: %w", ti.Name, ErrFormat)
		}
		f.data[ti.Name] = &Tensor{
			Name:  ti.Name,
			Shape: ti.Shape,
			Data:  decode(bts, ti.DType),
		}
	}

	return f, nil
}

// ReadFile decodes the checkpoint at path.
func ReadFile(path string) (*File, error) {
	fp, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w: %w", path, ErrIO, err)
	}
	defer fp.Close()

	fi, err := fp.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w: %w", path, ErrIO, err)
	}
	return read(fp, fi.Size())
}

// ReadHeaderFile decodes only the header of the checkpoint at path.
func ReadHeaderFile(path string) (*Header, error) {
	fp, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w: %w", path, ErrIO, err)
	}
	defer fp.Close()

	return ReadHeader(bufio.NewReader(fp))
}

func encode(dst []byte, data []float32, dtype DType) []byte {
	switch dtype {
	case F16:
		for _, v := range data {
			dst = binary.LittleEndian.AppendUint16(dst, float16.Fromfloat32(v).Bits())
		}
	default:
		for _, v := range data {
			dst = binary.LittleEndian.AppendUint32(dst, math.Float32bits(v))
		}
	}
	return dst
}

func decode(bts []byte, dtype DType) []float32 {
	size := dtype.Size()
	out := make([]float32, len(bts)/size)
	for i := range out {
		switch dtype {
		case F16:
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(bts[i*2:])).Float32()
		default:
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(bts[i*4:]))
		}
	}
	return out
}

// byteSize returns the encoded size of a tensor, or false if a dimension is
// negative or the size overflows.
func byteSize(shape []int, elemSize int) (int, bool) {
	n := elemSize
	for _, d := range shape {
		if d < 0 {
			return 0, false
		}
		if d != 0 && n > math.MaxInt/d {
			return 0, false
		}
		n *= d
	}
	return n, true
}

func numElements(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

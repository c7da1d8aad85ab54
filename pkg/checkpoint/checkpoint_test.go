package checkpoint

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/require"
)

func testTensors() []Tensor {
	return []Tensor{
		{Name: "embeddings.token.weight", Shape: []int{3, 2}, Data: []float32{1, 2, 3, 4, 5, 6}},
		{Name: "encoder.layers.0.norm1.scale", Shape: []int{2}, Data: []float32{1, 1}},
		{Name: "encoder.layers.0.norm1.shift", Shape: []int{2}, Data: []float32{-0.5, 0.25}},
	}
}

func TestRoundTrip(t *testing.T) {
	meta := map[string]string{"d_model": "2", "format": "gobert"}

	for _, dtype := range []DType{F32, F16} {
		t.Run(string(dtype), func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, Write(&buf, meta, testTensors(), dtype))

			f, err := Read(&buf)
			require.NoError(t, err)
			require.Equal(t, meta, f.Metadata)
			require.Len(t, f.Tensors, 3)

			for _, want := range testTensors() {
				got, ok := f.Get(want.Name)
				require.True(t, ok, "missing %s", want.Name)
				require.Equal(t, want.Shape, got.Shape)
				// These values are exactly representable in f16.
				if diff := cmp.Diff(want.Data, got.Data); diff != "" {
					t.Errorf("%s mismatch (-want +got):\n%s", want.Name, diff)
				}

				ti, ok := f.Tensor(want.Name)
				require.True(t, ok)
				require.Equal(t, dtype, ti.DType)
			}
		})
	}
}

func TestF16Precision(t *testing.T) {
	in := []Tensor{{Name: "w", Shape: []int{4}, Data: []float32{0.1, -0.333, 1e-3, 123.456}}}

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, nil, in, F16))
	f, err := Read(&buf)
	require.NoError(t, err)

	got, _ := f.Get("w")
	if diff := cmp.Diff(in[0].Data, got.Data, cmpopts.EquateApprox(1e-3, 0)); diff != "" {
		t.Errorf("f16 round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestHeaderIsAligned(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, map[string]string{"x": "y"}, testTensors(), F32))

	n := binary.LittleEndian.Uint64(buf.Bytes()[:8])
	if n%8 != 0 {
		t.Errorf("header length %d is not 8-byte aligned", n)
	}
}

func TestWriteRejectsBadTensors(t *testing.T) {
	tests := []struct {
		name    string
		tensors []Tensor
		dtype   DType
	}{
		{"shape mismatch", []Tensor{{Name: "a", Shape: []int{2, 2}, Data: []float32{1}}}, F32},
		{"duplicate", []Tensor{{Name: "a", Shape: []int{1}, Data: []float32{1}}, {Name: "a", Shape: []int{1}, Data: []float32{1}}}, F32},
		{"empty name", []Tensor{{Name: "", Shape: []int{1}, Data: []float32{1}}}, F32},
		{"bad dtype", []Tensor{{Name: "a", Shape: []int{1}, Data: []float32{1}}}, DType("BF16")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Write(&bytes.Buffer{}, nil, tt.tensors, tt.dtype)
			require.ErrorIs(t, err, ErrFormat)
		})
	}
}

func TestReadRejectsCorruptInput(t *testing.T) {
	var good bytes.Buffer
	require.NoError(t, Write(&good, nil, testTensors(), F32))

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"huge header", binary.LittleEndian.AppendUint64(nil, 1<<40)},
		{"not json", append(binary.LittleEndian.AppendUint64(nil, 8), []byte("notjson!")...)},
		{"truncated data", good.Bytes()[:good.Len()-3]},
		{"negative shape", rawCheckpoint(`{"a":{"dtype":"F32","shape":[-1],"data_offsets":[0,-4]}}`, 0)},
		{"reversed offsets", rawCheckpoint(`{"a":{"dtype":"F32","shape":[0],"data_offsets":[4,0]}}`, 4)},
		{"overflowing shape", rawCheckpoint(`{"a":{"dtype":"F32","shape":[4611686018427387904,4],"data_offsets":[0,0]}}`, 0)},
		{"huge tensor", rawCheckpoint(`{"a":{"dtype":"F32","shape":[1099511627776],"data_offsets":[0,4398046511104]}}`, 16)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Read(bytes.NewReader(tt.data))
			if !errors.Is(err, ErrFormat) {
				t.Errorf("Expected ErrFormat, got %v", err)
			}
		})
	}
}

// rawCheckpoint encodes header followed by dataLen zero bytes.
func rawCheckpoint(header string, dataLen int) []byte {
	data := binary.LittleEndian.AppendUint64(nil, uint64(len(header)))
	data = append(data, header...)
	return append(data, make([]byte, dataLen)...)
}

// TestReadFileRejectsOversizedHeader tests that offsets past the end of the
// file are rejected before any tensor data is read.
func TestReadFileRejectsOversizedHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "big.safetensors")
	data := rawCheckpoint(`{"a":{"dtype":"F32","shape":[1099511627776],"data_offsets":[0,4398046511104]}}`, 16)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	_, err := ReadFile(path)
	require.ErrorIs(t, err, ErrFormat)

	// The header alone is well formed; inspect can still report its size.
	h, err := ReadHeaderFile(path)
	require.NoError(t, err)
	require.Greater(t, h.Size(), int64(len(data)))
}

func TestHeaderSize(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, nil, testTensors(), F16))

	h, err := ReadHeader(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	require.Equal(t, int64(buf.Len()), h.Size())
}

func TestReadRejectsOverlappingOffsets(t *testing.T) {
	header := []byte(`{"a":{"dtype":"F32","shape":[1],"data_offsets":[0,4]},"b":{"dtype":"F32","shape":[1],"data_offsets":[0,4]}}`)
	data := binary.LittleEndian.AppendUint64(nil, uint64(len(header)))
	data = append(data, header...)
	data = append(data, make([]byte, 8)...)

	_, err := Read(bytes.NewReader(data))
	require.ErrorIs(t, err, ErrFormat)
}

func TestWriteFileIsAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "model.safetensors")

	require.NoError(t, WriteFile(path, map[string]string{"v": "1"}, testTensors(), F32))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	require.Len(t, entries, 1, "temporary files should not be left behind")

	h, err := ReadHeaderFile(path)
	require.NoError(t, err)
	require.Equal(t, "1", h.Metadata["v"])

	f, err := ReadFile(path)
	require.NoError(t, err)
	got, ok := f.Get("embeddings.token.weight")
	require.True(t, ok)
	require.Equal(t, []float32{1, 2, 3, 4, 5, 6}, got.Data)
}

func TestReadFileMissing(t *testing.T) {
	_, err := ReadFile(filepath.Join(t.TempDir(), "missing.safetensors"))
	require.ErrorIs(t, err, ErrIO)

	_, err = ReadHeaderFile(filepath.Join(t.TempDir(), "missing.safetensors"))
	require.ErrorIs(t, err, ErrIO)
}

func TestParseDType(t *testing.T) {
	for in, want := range map[string]DType{"f32": F32, "F16": F16, "float16": F16, "Float16": F16, "fp16": F16, "FP32": F32} {
		got, err := ParseDType(in)
		require.NoError(t, err, in)
		require.Equal(t, want, got, in)
	}
	_, err := ParseDType("int8")
	require.ErrorIs(t, err, ErrFormat)
}

// Package safetensors reads and writes the safetensors checkpoint format:
// an 8-byte little-endian header length, a JSON header mapping tensor names
// to dtype/shape/offsets, then the raw tensor bytes.
package safetensors

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"
)

const (
	dtypeF32  = "F32"
	dtypeF16  = "F16"
	dtypeBF16 = "BF16"
)

// KeyMapper renames tensors while a store is opened. Returning keep=false
// drops the tensor.
type KeyMapper func(name string) (mapped string, keep bool)

// StoreOptions configures store opening. The zero value keeps every tensor
// under its original name.
type StoreOptions struct {
	KeyMapper KeyMapper
}

// Store gives random access to the tensors of one safetensors payload.
// Tensor data is decoded lazily on each Tensor call.
type Store struct {
	raw     []byte
	entries map[string]storeEntry
	names   []string
}

type storeEntry struct {
	DType string
	Shape []int64
	Start int
	End   int
}

type storeHeaderEntry struct {
	DType   string  `json:"dtype"`
	Shape   []int64 `json:"shape"`
	Offsets [2]int  `json:"data_offsets"`
}

// OpenStore reads the file at path into memory and opens it as a store.
func OpenStore(path string, opts StoreOptions) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("safetensors: read %s: %w", path, err)
	}
	return OpenStoreFromBytes(data, opts)
}

// OpenStoreFromBytes parses a safetensors payload held in memory.
func OpenStoreFromBytes(data []byte, opts StoreOptions) (*Store, error) {
	mapKey := opts.KeyMapper
	if mapKey == nil {
		mapKey = func(name string) (string, bool) { return name, true }
	}

	headerEnd, header, err := decodeHeader(data)
	if err != nil {
		return nil, err
	}

	originals := make([]string, 0, len(header))
	for name := range header {
		if name != "__metadata__" {
			originals = append(originals, name)
		}
	}
	sort.Strings(originals)

	entries := make(map[string]storeEntry, len(originals))
	names := make([]string, 0, len(originals))

	for _, original := range originals {
		var raw storeHeaderEntry
		if err := json.Unmarshal(header[original], &raw); err != nil {
			return nil, fmt.Errorf("safetensors: decode header entry %q: %w", original, err)
		}
		if err := validateHeaderEntry(original, raw); err != nil {
			return nil, err
		}

		name, keep := mapKey(original)
		if !keep {
			continue
		}
		name = strings.TrimSpace(name)
		if name == "" {
			return nil, fmt.Errorf("safetensors: remapped tensor name for %q is empty", original)
		}
		if _, exists := entries[name]; exists {
			return nil, fmt.Errorf("safetensors: tensor name collision for %q", name)
		}

		entry, err := resolveEntry(raw, headerEnd, len(data), original)
		if err != nil {
			return nil, err
		}

		entries[name] = entry
		names = append(names, name)
	}

	if len(entries) == 0 {
		return nil, errors.New("safetensors: no tensors found")
	}
	sort.Strings(names)

	return &Store{raw: data, entries: entries, names: names}, nil
}

// resolveEntry converts header offsets into absolute file offsets and checks
// that the data region matches the declared shape and dtype.
func resolveEntry(raw storeHeaderEntry, headerEnd, fileSize int, original string) (storeEntry, error) {
	start := headerEnd + raw.Offsets[0]
	end := headerEnd + raw.Offsets[1]
	if start < headerEnd || end < start || end > fileSize {
		return storeEntry{}, fmt.Errorf("safetensors: tensor %q data [%d:%d] exceeds file size %d", original, start, end, fileSize)
	}

	elemCount, err := shapeElementCount(raw.Shape)
	if err != nil {
		return storeEntry{}, fmt.Errorf("safetensors: tensor %q: %w", original, err)
	}
	elemBytes, err := dtypeBytes(raw.DType)
	if err != nil {
		return storeEntry{}, fmt.Errorf("safetensors: tensor %q: %w", original, err)
	}
	if need := int(elemCount) * elemBytes; end-start < need {
		return storeEntry{}, fmt.Errorf("safetensors: tensor %q needs %d bytes but data has %d", original, need, end-start)
	}

	return storeEntry{
		DType: strings.ToUpper(raw.DType),
		Shape: append([]int64(nil), raw.Shape...),
		Start: start,
		End:   end,
	}, nil
}

// Names returns the tensor names in sorted order.
func (s *Store) Names() []string {
	return append([]string(nil), s.names...)
}

// Has reports whether the store contains name.
func (s *Store) Has(name string) bool {
	_, ok := s.entries[name]
	return ok
}

// Tensor decodes the named tensor to float32.
func (s *Store) Tensor(name string) (*Tensor, error) {
	entry, ok := s.entries[name]
	if !ok {
		return nil, fmt.Errorf("safetensors: tensor %q not found (available: %s)", name, summarizeNames(s.names))
	}

	data, err := decodeTensorData(s.raw[entry.Start:entry.End], entry.DType, entry.Shape)
	if err != nil {
		return nil, fmt.Errorf("safetensors: tensor %q decode: %w", name, err)
	}

	return &Tensor{
		Name:  name,
		Shape: append([]int64(nil), entry.Shape...),
		Data:  data,
	}, nil
}

// Close releases the store's references to the underlying payload.
func (s *Store) Close() {
	s.raw = nil
	s.entries = nil
	s.names = nil
}

func decodeHeader(data []byte) (int, map[string]json.RawMessage, error) {
	if len(data) < 8 {
		return 0, nil, fmt.Errorf("safetensors: file too short (%d bytes)", len(data))
	}

	headerLen := binary.LittleEndian.Uint64(data[:8])
	headerEnd := 8 + int(headerLen)
	if headerLen > uint64(len(data)) || headerEnd > len(data) {
		return 0, nil, fmt.Errorf("safetensors: header length %d exceeds file size %d", headerLen, len(data))
	}

	var header map[string]json.RawMessage
	if err := json.Unmarshal(data[8:headerEnd], &header); err != nil {
		return 0, nil, fmt.Errorf("safetensors: parse header: %w", err)
	}

	return headerEnd, header, nil
}

func validateHeaderEntry(name string, entry storeHeaderEntry) error {
	switch strings.ToUpper(entry.DType) {
	case dtypeF32, dtypeF16, dtypeBF16:
	default:
		return fmt.Errorf("safetensors: tensor %q has unsupported dtype %q", name, entry.DType)
	}

	if entry.Offsets[0] < 0 || entry.Offsets[1] < entry.Offsets[0] {
		return fmt.Errorf("safetensors: tensor %q has invalid data offsets %v", name, entry.Offsets)
	}

	for _, d := range entry.Shape {
		if d < 0 {
			return fmt.Errorf("safetensors: tensor %q has negative shape dimension in %v", name, entry.Shape)
		}
	}

	return nil
}

func shapeElementCount(shape []int64) (int64, error) {
	total := int64(1)
	for _, d := range shape {
		switch {
		case d < 0:
			return 0, fmt.Errorf("negative dimension %d", d)
		case d == 0:
			return 0, nil
		case total > math.MaxInt64/d:
			return 0, fmt.Errorf("shape %v overflows element count", shape)
		}
		total *= d
	}
	return total, nil
}

func dtypeBytes(dtype string) (int, error) {
	switch strings.ToUpper(dtype) {
	case dtypeF32:
		return 4, nil
	case dtypeF16, dtypeBF16:
		return 2, nil
	default:
		return 0, fmt.Errorf("unsupported dtype %q", dtype)
	}
}

func decodeTensorData(raw []byte, dtype string, shape []int64) ([]float32, error) {
	elemCount, err := shapeElementCount(shape)
	if err != nil {
		return nil, err
	}

	n := int(elemCount)
	dtype = strings.ToUpper(dtype)
	width, err := dtypeBytes(dtype)
	if err != nil {
		return nil, err
	}
	if len(raw) < n*width {
		return nil, fmt.Errorf("need %d bytes for %s, got %d", n*width, dtype, len(raw))
	}

	out := make([]float32, n)
	switch dtype {
	case dtypeF32:
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
	case dtypeF16:
		for i := range out {
			out[i] = float16ToFloat32(binary.LittleEndian.Uint16(raw[i*2:]))
		}
	case dtypeBF16:
		for i := range out {
			out[i] = math.Float32frombits(uint32(binary.LittleEndian.Uint16(raw[i*2:])) << 16)
		}
	}

	return out, nil
}

// float16ToFloat32 widens an IEEE 754 half-precision value, including
// subnormals, infinities and NaN.
func float16ToFloat32(h uint16) float32 {
	sign := uint32(h>>15) & 0x1
	exp := uint32(h>>10) & 0x1f
	frac := uint32(h & 0x03ff)

	var bits uint32
	switch exp {
	case 0:
		if frac == 0 {
			bits = sign << 31
		} else {
			e := int32(-14)
			for (frac & 0x0400) == 0 {
				frac <<= 1
				e--
			}
			frac &= 0x03ff
			bits = (sign << 31) | (uint32(e+127) << 23) | (frac << 13)
		}
	case 0x1f:
		bits = (sign << 31) | 0x7f800000 | (frac << 13)
	default:
		bits = (sign << 31) | ((exp + 127 - 15) << 23) | (frac << 13)
	}

	return math.Float32frombits(bits)
}

func summarizeNames(names []string) string {
	if len(names) == 0 {
		return "none"
	}

	const maxNames = 8
	if len(names) <= maxNames {
		return strings.Join(names, ", ")
	}
	return strings.Join(names[:maxNames], ", ") + ", ..."
}

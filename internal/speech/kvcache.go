package speech

import (
	"fmt"

	"github.com/example/go-streamtts/internal/runtime/tensor"
)

// KVCache holds per-layer attention keys and values in fixed-capacity
// arenas of shape [1, heads, capacity, headDim]. A single filled length is
// shared by every layer; the backbone writes new spans in place and the
// length advances once per forward pass, so no per-step reallocation or
// concatenation happens on the decode path.
type KVCache struct {
	keys    []*tensor.Tensor
	values  []*tensor.Tensor
	heads   int64
	headDim int64
	cap     int64
	length  int64
}

func NewKVCache(layers int, heads, headDim, capacity int64) (*KVCache, error) {
	if layers <= 0 || heads <= 0 || headDim <= 0 || capacity <= 0 {
		return nil, fmt.Errorf("speech: invalid kv cache dims layers=%d heads=%d headDim=%d capacity=%d",
			layers, heads, headDim, capacity)
	}
	c := &KVCache{
		keys:    make([]*tensor.Tensor, layers),
		values:  make([]*tensor.Tensor, layers),
		heads:   heads,
		headDim: headDim,
		cap:     capacity,
	}
	for i := 0; i < layers; i++ {
		k, err := tensor.Zeros([]int64{1, heads, capacity, headDim})
		if err != nil {
			return nil, fmt.Errorf("speech: kv cache layer %d: %w", i, err)
		}
		v, err := tensor.Zeros([]int64{1, heads, capacity, headDim})
		if err != nil {
			return nil, fmt.Errorf("speech: kv cache layer %d: %w", i, err)
		}
		c.keys[i] = k
		c.values[i] = v
	}
	return c, nil
}

func (c *KVCache) Len() int64    { return c.length }
func (c *KVCache) Cap() int64    { return c.cap }
func (c *KVCache) Layers() int   { return len(c.keys) }
func (c *KVCache) Heads() int64  { return c.heads }
func (c *KVCache) HeadDim() int64 { return c.headDim }

// writeSpan copies k and v (each [1, heads, t, headDim]) into the layer
// arena starting at position start. It does not advance the filled length;
// the caller advances once after all layers are written.
func (c *KVCache) writeSpan(layer int, start int64, k, v *tensor.Tensor) error {
	if layer < 0 || layer >= len(c.keys) {
		return fmt.Errorf("speech: kv cache layer %d out of range [0,%d)", layer, len(c.keys))
	}
	ks, vs := k.Shape(), v.Shape()
	if len(ks) != 4 || ks[0] != 1 || ks[1] != c.heads || ks[3] != c.headDim {
		return fmt.Errorf("speech: kv span key shape %v, want [1 %d t %d]", ks, c.heads, c.headDim)
	}
	if len(vs) != 4 || vs[0] != 1 || vs[1] != c.heads || vs[2] != ks[2] || vs[3] != c.headDim {
		return fmt.Errorf("speech: kv span value shape %v, want [1 %d %d %d]", vs, c.heads, ks[2], c.headDim)
	}
	t := ks[2]
	if start < 0 || start+t > c.cap {
		return fmt.Errorf("speech: kv span [%d,%d) exceeds cache capacity %d", start, start+t, c.cap)
	}

	dstK := c.keys[layer].RawData()
	dstV := c.values[layer].RawData()
	srcK := k.RawData()
	srcV := v.RawData()
	for h := int64(0); h < c.heads; h++ {
		dstBase := (h*c.cap + start) * c.headDim
		srcBase := h * t * c.headDim
		copy(dstK[dstBase:dstBase+t*c.headDim], srcK[srcBase:srcBase+t*c.headDim])
		copy(dstV[dstBase:dstBase+t*c.headDim], srcV[srcBase:srcBase+t*c.headDim])
	}
	return nil
}

// view returns the filled prefix of one layer as [1, heads, length, headDim]
// key and value tensors. The returned tensors are copies.
func (c *KVCache) view(layer int, length int64) (*tensor.Tensor, *tensor.Tensor, error) {
	if layer < 0 || layer >= len(c.keys) {
		return nil, nil, fmt.Errorf("speech: kv cache layer %d out of range [0,%d)", layer, len(c.keys))
	}
	if length < 0 || length > c.cap {
		return nil, nil, fmt.Errorf("speech: kv view length %d exceeds capacity %d", length, c.cap)
	}
	k, err := c.keys[layer].Narrow(2, 0, length)
	if err != nil {
		return nil, nil, fmt.Errorf("speech: kv view keys: %w", err)
	}
	v, err := c.values[layer].Narrow(2, 0, length)
	if err != nil {
		return nil, nil, fmt.Errorf("speech: kv view values: %w", err)
	}
	return k, v, nil
}

func (c *KVCache) advance(n int64) error {
	if n < 0 || c.length+n > c.cap {
		return fmt.Errorf("speech: kv cache advance by %d exceeds capacity %d (len %d)", n, c.cap, c.length)
	}
	c.length += n
	return nil
}

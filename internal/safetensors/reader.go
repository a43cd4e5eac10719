package safetensors

import "fmt"

// Tensor holds a single float32 tensor loaded from a safetensors payload.
type Tensor struct {
	Name  string
	Shape []int64
	Data  []float32
}

// LoadFirstTensor reads a safetensors file and returns its first tensor in
// name order.
func LoadFirstTensor(path string) (*Tensor, error) {
	store, err := OpenStore(path, StoreOptions{})
	if err != nil {
		return nil, err
	}
	defer store.Close()

	return store.Tensor(store.Names()[0])
}

// LoadFirstTensorFromBytes decodes a safetensors payload and returns its
// first tensor in name order.
func LoadFirstTensorFromBytes(data []byte) (*Tensor, error) {
	store, err := OpenStoreFromBytes(data, StoreOptions{})
	if err != nil {
		return nil, err
	}
	defer store.Close()

	return store.Tensor(store.Names()[0])
}

// NormalizeEmbeddingShape coerces an embedding tensor to 3D [1, T, D],
// accepting 2D [T, D] input. Speaker embedding files store either form.
func NormalizeEmbeddingShape(t *Tensor) ([]float32, []int64, error) {
	switch len(t.Shape) {
	case 2:
		return t.Data, []int64{1, t.Shape[0], t.Shape[1]}, nil
	case 3:
		return t.Data, t.Shape, nil
	default:
		return nil, nil, fmt.Errorf("safetensors: embedding has %dD shape %v, expected 2D or 3D", len(t.Shape), t.Shape)
	}
}

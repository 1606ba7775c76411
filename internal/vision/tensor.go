package vision

import "fmt"

const (
	InputSize = 224
	Channels  = 3
)

// InputShape is the NHWC shape every pixel tensor has: one image, 224x224, RGB.
var InputShape = [4]int64{1, InputSize, InputSize, Channels}

const tensorLen = InputSize * InputSize * Channels

// Tensor is a preprocessed image batch of shape InputShape. Values lie in [-1, 1].
type Tensor struct {
	data []float32
}

// NewTensor wraps data, which must hold exactly 1*224*224*3 values in NHWC order.
func NewTensor(data []float32) (*Tensor, error) {
	if len(data) != tensorLen {
		return nil, fmt.Errorf("%w: tensor has %d values, want %d", ErrShapeMismatch, len(data), tensorLen)
	}
	return &Tensor{data: data}, nil
}

func (t *Tensor) Shape() [4]int64 {
	return InputShape
}

func (t *Tensor) Data() []float32 {
	return t.data
}

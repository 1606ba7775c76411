package vision

import (
	"bytes"
	"fmt"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"
)

// The model was trained on pixels scaled into [-1, 1]; these constants must
// match that range exactly or predictions degrade without any error.
const (
	pixelScale  = 127.5
	pixelOffset = 1.0
)

// Preprocess decodes an encoded image (JPEG, PNG, GIF, BMP, TIFF or WebP) and
// turns it into the model input: RGB only, stretched to 224x224 with
// nearest-neighbor sampling, each value mapped to p/127.5 - 1.
func Preprocess(data []byte) (*Tensor, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("decode image: empty buffer")
	}

	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	if img.Bounds().Empty() {
		return nil, fmt.Errorf("decode image: zero-sized image")
	}

	src := imaging.Clone(img)
	srcW, srcH := src.Bounds().Dx(), src.Bounds().Dy()

	out := make([]float32, tensorLen)
	i := 0
	for y := 0; y < InputSize; y++ {
		sy := nearestIndex(y, srcH)
		row := src.Pix[sy*src.Stride : sy*src.Stride+srcW*4]
		for x := 0; x < InputSize; x++ {
			sx := nearestIndex(x, srcW)
			px := row[sx*4 : sx*4+3]
			out[i] = float32(px[0])/pixelScale - pixelOffset
			out[i+1] = float32(px[1])/pixelScale - pixelOffset
			out[i+2] = float32(px[2])/pixelScale - pixelOffset
			i += Channels
		}
	}

	return NewTensor(out)
}

// nearestIndex maps output index d to min(floor(d*src/224), src-1): plain
// src/224 scaling, no half-pixel offset.
func nearestIndex(d, src int) int {
	return min(d*src/InputSize, src-1)
}

package classifier

import (
	"image"

	"golang.org/x/image/draw"
)

// Tensor is a dense float32 tensor in NCHW layout.
type Tensor struct {
	Shape []int
	Data  []float32
}

// Preprocess resizes img to size×size with bilinear sampling and normalizes each
// channel as (v/255 - mean) / std, producing a 1×3×size×size tensor.
func Preprocess(img image.Image, size int, mean, std float64) Tensor {
	resized := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.BiLinear.Scale(resized, resized.Bounds(), img, img.Bounds(), draw.Src, nil)

	plane := size * size
	data := make([]float32, 3*plane)
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			px := resized.RGBAAt(x, y)
			i := y*size + x
			data[i] = normalize(px.R, mean, std)
			data[plane+i] = normalize(px.G, mean, std)
			data[2*plane+i] = normalize(px.B, mean, std)
		}
	}
	return Tensor{Shape: []int{1, 3, size, size}, Data: data}
}

func normalize(v uint8, mean, std float64) float32 {
	return float32((float64(v)/255 - mean) / std)
}

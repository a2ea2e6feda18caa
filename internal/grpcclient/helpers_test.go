package grpcclient

import (
	"image"
	"image/color"
)

func solidPixel() image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	for y := 0; y < 2; y++ {
		for x := 0; x < 2; x++ {
			img.SetRGBA(x, y, color.RGBA{R: 120, G: 80, B: 60, A: 255})
		}
	}
	return img
}

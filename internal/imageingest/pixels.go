package imageingest

import (
	"image"
	"image/color"

	"github.com/nfnt/resize"

	"github.com/example/skin-metrics/internal/inference"
)

// ToPixelBuffer resizes img to the model input size with nearest-neighbour sampling and scales
// each 8-bit RGB channel by 1/255. Alpha is dropped, not composited.
func ToPixelBuffer(img image.Image) inference.PixelBuffer {
	size := uint(inference.InputSize)
	resized := resize.Resize(size, size, opaqueRGB(img), resize.NearestNeighbor)

	bounds := resized.Bounds()
	buf := inference.NewPixelBuffer(bounds.Dy(), bounds.Dx())

	i := 0
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			c := color.RGBAModel.Convert(resized.At(x, y)).(color.RGBA)
			buf.Data[i] = float32(c.R) / 255
			buf.Data[i+1] = float32(c.G) / 255
			buf.Data[i+2] = float32(c.B) / 255
			i += inference.Channels
		}
	}
	return buf
}

// opaqueRGB copies the straight (non-premultiplied) RGB channels into a fully opaque image.
func opaqueRGB(img image.Image) *image.RGBA {
	b := img.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
			out.SetRGBA(x-b.Min.X, y-b.Min.Y, color.RGBA{R: c.R, G: c.G, B: c.B, A: 0xff})
		}
	}
	return out
}

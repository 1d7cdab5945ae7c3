package pipeline

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
)

// Sharpness scores a PNG frame by the variance of its 4-neighbour Laplacian
// over the luminance channel. Higher is sharper. Images smaller than 3x3
// score zero.
func Sharpness(frame []byte) (float64, error) {
	img, err := png.Decode(bytes.NewReader(frame))
	if err != nil {
		return 0, fmt.Errorf("decoding frame: %w", err)
	}
	return laplacianVariance(img), nil
}

func laplacianVariance(img image.Image) float64 {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w < 3 || h < 3 {
		return 0
	}

	gray := make([]float64, w*h)
	for y := range h {
		for x := range w {
			g := color.GrayModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.Gray)
			gray[y*w+x] = float64(g.Y)
		}
	}

	// Welford's running mean/variance over interior pixels
	var n, mean, m2 float64
	for y := 1; y < h-1; y++ {
		for x := 1; x < w-1; x++ {
			i := y*w + x
			lap := gray[i-w] + gray[i+w] + gray[i-1] + gray[i+1] - 4*gray[i]
			n++
			d := lap - mean
			mean += d / n
			m2 += d * (lap - mean)
		}
	}
	return m2 / n
}

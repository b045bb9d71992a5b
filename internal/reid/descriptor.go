package reid

import "image"

// MeanColor is the fallback descriptor: the mean blue, green and red value of img
// on a 0-255 scale, in the channel order OpenCV uses.
func MeanColor(img image.Image) []float64 {
	b := img.Bounds()
	n := float64(b.Dx() * b.Dy())
	if n == 0 {
		return []float64{0, 0, 0}
	}

	var sr, sg, sb float64
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, _ := img.At(x, y).RGBA()
			sr += float64(r >> 8)
			sg += float64(g >> 8)
			sb += float64(bl >> 8)
		}
	}
	return []float64{sb / n, sg / n, sr / n}
}

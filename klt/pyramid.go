// Package klt implements sparse forward-backward pyramidal Lucas-Kanade
// optical flow, the tracking kernel of the visual front end.
package klt

import (
	"image"
	"image/color"
	"math"

	xdraw "golang.org/x/image/draw"
)

// Pyramid is a gaussian image pyramid. The zero value is an empty pyramid;
// Update builds or rebuilds it in place so the mapper can reuse one as a
// scratch buffer for the right image.
type Pyramid struct {
	levels []*image.Gray
}

// NewPyramid returns an empty pyramid.
func NewPyramid() *Pyramid {
	return &Pyramid{}
}

// BuildPyramid builds a pyramid from an image in one call.
func BuildPyramid(img *image.Gray, levels int, sigma float64) *Pyramid {
	p := NewPyramid()
	p.Update(img, levels, sigma)
	return p
}

// Built reports whether the pyramid holds any levels.
func (p *Pyramid) Built() bool {
	return len(p.levels) > 0
}

// NumLevels returns the number of levels.
func (p *Pyramid) NumLevels() int {
	return len(p.levels)
}

// Level returns the image at level i; level 0 is full resolution.
func (p *Pyramid) Level(i int) *image.Gray {
	return p.levels[i]
}

// Update rebuilds the pyramid from img with the given number of levels. Each
// level is blurred with sigma before being halved into the next.
func (p *Pyramid) Update(img *image.Gray, levels int, sigma float64) {
	if levels < 1 {
		levels = 1
	}
	p.levels = p.levels[:0]
	cur := img
	for i := 0; i < levels; i++ {
		p.levels = append(p.levels, cur)
		b := cur.Bounds()
		nw, nh := b.Dx()/2, b.Dy()/2
		if i == levels-1 || nw < 8 || nh < 8 {
			break
		}
		blurred := convolveGray(cur, gaussianKernel(sigma))
		next := image.NewGray(image.Rect(0, 0, nw, nh))
		xdraw.ApproxBiLinear.Scale(next, next.Bounds(), blurred, blurred.Bounds(), xdraw.Src, nil)
		cur = next
	}
}

// gaussianKernel returns a normalized 2D gaussian kernel for the given sigma.
func gaussianKernel(sigma float64) [][]float64 {
	if sigma <= 0 {
		sigma = 1.0
	}
	radius := int(math.Ceil(2 * sigma))
	if radius < 1 {
		radius = 1
	}
	size := 2*radius + 1
	k := make([][]float64, size)
	sum := 0.0
	for y := 0; y < size; y++ {
		k[y] = make([]float64, size)
		for x := 0; x < size; x++ {
			dx := float64(x - radius)
			dy := float64(y - radius)
			v := math.Exp(-(dx*dx + dy*dy) / (2 * sigma * sigma))
			k[y][x] = v
			sum += v
		}
	}
	for y := range k {
		for x := range k[y] {
			k[y][x] /= sum
		}
	}
	return k
}

// convolveGray applies a convolution kernel to a grayscale image with
// replicated borders.
func convolveGray(img *image.Gray, kernel [][]float64) *image.Gray {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	radius := len(kernel) / 2
	out := image.NewGray(b)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			sum := 0.0
			for ky := range kernel {
				yy := clampInt(y+ky-radius, 0, h-1)
				for kx := range kernel[ky] {
					xx := clampInt(x+kx-radius, 0, w-1)
					sum += float64(img.GrayAt(b.Min.X+xx, b.Min.Y+yy).Y) * kernel[ky][kx]
				}
			}
			if sum < 0 {
				sum = 0
			} else if sum > 255 {
				sum = 255
			}
			out.SetGray(b.Min.X+x, b.Min.Y+y, color.Gray{Y: uint8(sum)})
		}
	}
	return out
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

package features

import (
	"image"
	"math"

	"github.com/disintegration/imaging"
	xrand "golang.org/x/exp/rand"
	xdraw "golang.org/x/image/draw"
	"gonum.org/v1/gonum/stat/distuv"
)

// SamplingType selects how BRIEF sample pairs are drawn inside a patch.
type SamplingType int

const (
	// SamplingUniform draws sample coordinates uniformly over the patch.
	SamplingUniform SamplingType = iota
	// SamplingNormal draws sample coordinates from a clamped gaussian
	// centered on the patch.
	SamplingNormal
)

// SamplePairs are N pairs of points used to create the BRIEF descriptor of a
// patch. The same pattern must be reused for every image so that descriptors
// stay comparable.
type SamplePairs struct {
	P0 []image.Point
	P1 []image.Point
	N  int
}

// GenerateSamplePairs generates n sample pairs for a patch size with the
// chosen sampling type. The source is deterministically seeded: two calls
// with the same arguments produce the same pattern, so descriptors stay
// comparable across frames and restarts.
func GenerateSamplePairs(dist SamplingType, n, patchSize int) *SamplePairs {
	src := xrand.NewSource(uint64(n)*31 + uint64(patchSize))
	xs0 := sampleIntegers(src, patchSize, n, dist)
	ys0 := sampleIntegers(src, patchSize, n, dist)
	xs1 := sampleIntegers(src, patchSize, n, dist)
	ys1 := sampleIntegers(src, patchSize, n, dist)
	p0 := make([]image.Point, 0, n)
	p1 := make([]image.Point, 0, n)
	for i := 0; i < n; i++ {
		p0 = append(p0, image.Point{X: xs0[i], Y: ys0[i]})
		p1 = append(p1, image.Point{X: xs1[i], Y: ys1[i]})
	}
	return &SamplePairs{P0: p0, P1: p1, N: n}
}

// sampleIntegers samples n integers in [vMin, vMax], uniformly or from a
// normal distribution centered on the patch. Out-of-range normal draws are
// rejected and redrawn.
func sampleIntegers(src xrand.Source, patchSize, n int, sampling SamplingType) []int {
	vMin := math.Round(-(float64(patchSize) - 2) / 2.)
	vMax := math.Round(float64(patchSize) / 2.)
	z := make([]int, n)
	switch sampling {
	case SamplingNormal:
		dist := distuv.Normal{
			Mu:    (vMax + vMin) / 2,
			Sigma: (vMax - vMin) * 0.4472,
			Src:   src,
		}
		for i := range z {
			val := math.Round(dist.Rand())
			for val < vMin || val > vMax {
				val = math.Round(dist.Rand())
			}
			z[i] = int(val)
		}
	case SamplingUniform:
		fallthrough
	default:
		dist := distuv.Uniform{
			Min: vMin,
			Max: vMax,
			Src: src,
		}
		for i := range z {
			val := math.Round(dist.Rand())
			for val < vMin || val > vMax {
				val = math.Round(dist.Rand())
			}
			z[i] = int(val)
		}
	}
	return z
}

// BRIEFConfig stores the parameters for BRIEF descriptor extraction.
type BRIEFConfig struct {
	// N is the number of samples taken; must be a multiple of 64.
	N         int          `json:"n"`
	Sampling  SamplingType `json:"sampling"`
	PatchSize int          `json:"patch_size"`
	// BlurSigma smooths the image before sampling intensity pairs.
	BlurSigma float64 `json:"blur_sigma"`
}

// ComputeBRIEFDescriptors computes BRIEF descriptors on image img at the
// given keypoints. Keypoints whose patch leaves the image get an all-zero
// descriptor.
func ComputeBRIEFDescriptors(img *image.Gray, sp *SamplePairs, kps []image.Point, cfg *BRIEFConfig) []Descriptor {
	blurred := blurGray(img, cfg.BlurSigma)
	bnd := blurred.Bounds()
	halfSize := cfg.PatchSize / 2
	descs := make([]Descriptor, len(kps))
	for k, kp := range kps {
		// Divide by 64 since we store a descriptor as a uint64 array.
		descriptor := make(Descriptor, sp.N/64)
		descs[k] = descriptor
		p1 := image.Point{kp.X + halfSize, kp.Y + halfSize}
		p2 := image.Point{kp.X + halfSize, kp.Y - halfSize}
		p3 := image.Point{kp.X - halfSize, kp.Y + halfSize}
		p4 := image.Point{kp.X - halfSize, kp.Y - halfSize}
		if !p1.In(bnd) || !p2.In(bnd) || !p3.In(bnd) || !p4.In(bnd) {
			continue
		}
		for i := 0; i < sp.N; i++ {
			p0Val := blurred.GrayAt(kp.X+sp.P0[i].X, kp.Y+sp.P0[i].Y).Y
			p1Val := blurred.GrayAt(kp.X+sp.P1[i].X, kp.Y+sp.P1[i].Y).Y
			if p0Val > p1Val {
				// This flips the bit at position i%64 to 1.
				descriptor[i/64] |= 1 << (i % 64)
			}
		}
	}
	return descs
}

// blurGray gaussian-blurs a grayscale image, staying in the Gray color model.
func blurGray(img *image.Gray, sigma float64) *image.Gray {
	if sigma <= 0 {
		return img
	}
	blurred := imaging.Blur(img, sigma)
	out := image.NewGray(img.Bounds())
	xdraw.Draw(out, out.Bounds(), blurred, blurred.Bounds().Min, xdraw.Src)
	return out
}

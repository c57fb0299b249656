package klt

import (
	"image"
	"math"

	"github.com/golang/geo/r2"
)

// TrackConfig holds the Lucas-Kanade parameters.
type TrackConfig struct {
	// WindowSize is the side of the square tracking window; must be odd.
	WindowSize int `json:"window_size"`
	// MaxIterations bounds the refinement iterations per pyramid level.
	MaxIterations int `json:"max_iterations"`
	// Epsilon is the step norm below which iteration stops.
	Epsilon float64 `json:"epsilon"`
	// MaxLevel caps the coarsest pyramid level used; negative means use the
	// whole pyramid.
	MaxLevel int `json:"max_level"`
	// MinEigThreshold rejects windows whose spatial gradient matrix is too
	// close to singular.
	MinEigThreshold float64 `json:"min_eig_threshold"`
}

// DefaultTrackConfig returns the tracker parameters used when none are
// configured.
func DefaultTrackConfig() *TrackConfig {
	return &TrackConfig{
		WindowSize:      9,
		MaxIterations:   30,
		Epsilon:         0.01,
		MaxLevel:        -1,
		MinEigThreshold: 1e-4,
	}
}

// Track runs pyramidal Lucas-Kanade from prev to cur. pts are positions in
// the previous image; priors are the initial guesses in the current image
// (one per point). It returns the tracked positions and a status flag per
// point; a false status means the point was lost.
func Track(prev, cur *Pyramid, pts, priors []r2.Point, cfg *TrackConfig) ([]r2.Point, []bool) {
	out := make([]r2.Point, len(pts))
	status := make([]bool, len(pts))
	if !prev.Built() || !cur.Built() {
		return out, status
	}
	top := prev.NumLevels() - 1
	if cur.NumLevels()-1 < top {
		top = cur.NumLevels() - 1
	}
	if cfg.MaxLevel >= 0 && cfg.MaxLevel < top {
		top = cfg.MaxLevel
	}
	for i := range pts {
		out[i], status[i] = trackPoint(prev, cur, pts[i], priors[i], top, cfg)
	}
	return out, status
}

// TrackForwardBackward tracks pts forward from prev to cur, then backward
// from the tracked result, and invalidates any point whose backward track
// lands farther than maxFBDist from where it started.
func TrackForwardBackward(prev, cur *Pyramid, pts, priors []r2.Point, maxFBDist float64, cfg *TrackConfig) ([]r2.Point, []bool) {
	fwd, status := Track(prev, cur, pts, priors, cfg)
	back, backStatus := Track(cur, prev, fwd, pts, cfg)
	for i := range pts {
		if !status[i] || !backStatus[i] {
			status[i] = false
			continue
		}
		if back[i].Sub(pts[i]).Norm() > maxFBDist {
			status[i] = false
		}
	}
	return fwd, status
}

func trackPoint(prev, cur *Pyramid, pt, prior r2.Point, top int, cfg *TrackConfig) (r2.Point, bool) {
	// displacement estimate at the top level
	scale := float64(int(1) << uint(top))
	d := prior.Sub(pt).Mul(1 / scale)
	ok := false
	for level := top; level >= 0; level-- {
		scale = float64(int(1) << uint(level))
		pl := pt.Mul(1 / scale)
		d, ok = refineAtLevel(prev.Level(level), cur.Level(level), pl, d, cfg)
		if level > 0 {
			d = d.Mul(2)
		}
	}
	res := pt.Add(d)
	if !ok {
		return res, false
	}
	b := cur.Level(0).Bounds()
	if res.X < 0 || res.Y < 0 || res.X > float64(b.Dx()-1) || res.Y > float64(b.Dy()-1) {
		return res, false
	}
	return res, true
}

// refineAtLevel iterates the Lucas-Kanade update for one pyramid level,
// returning the refined displacement and whether the window was trackable.
func refineAtLevel(prevImg, curImg *image.Gray, pl, d r2.Point, cfg *TrackConfig) (r2.Point, bool) {
	half := float64(cfg.WindowSize / 2)
	// spatial gradient matrix over the window in the previous image
	var gxx, gxy, gyy float64
	n := 0
	for wy := -half; wy <= half; wy++ {
		for wx := -half; wx <= half; wx++ {
			x := pl.X + wx
			y := pl.Y + wy
			ix, iy, ok := sampleGradient(prevImg, x, y)
			if !ok {
				continue
			}
			gxx += ix * ix
			gxy += ix * iy
			gyy += iy * iy
			n++
		}
	}
	if n < cfg.WindowSize*cfg.WindowSize/2 {
		return d, false
	}
	det := gxx*gyy - gxy*gxy
	minEig := (gxx + gyy - math.Sqrt((gxx-gyy)*(gxx-gyy)+4*gxy*gxy)) / 2
	if det <= 0 || minEig/float64(n) < cfg.MinEigThreshold {
		return d, false
	}
	for iter := 0; iter < cfg.MaxIterations; iter++ {
		var bx, by float64
		for wy := -half; wy <= half; wy++ {
			for wx := -half; wx <= half; wx++ {
				x := pl.X + wx
				y := pl.Y + wy
				prevVal, okPrev := sampleBilinear(prevImg, x, y)
				curVal, okCur := sampleBilinear(curImg, x+d.X, y+d.Y)
				if !okPrev || !okCur {
					continue
				}
				ix, iy, ok := sampleGradient(prevImg, x, y)
				if !ok {
					continue
				}
				diff := prevVal - curVal
				bx += diff * ix
				by += diff * iy
			}
		}
		// solve G * dv = b
		dvx := (gyy*bx - gxy*by) / det
		dvy := (gxx*by - gxy*bx) / det
		d.X += dvx
		d.Y += dvy
		if math.Hypot(dvx, dvy) < cfg.Epsilon {
			break
		}
	}
	return d, true
}

// sampleGradient returns the central-difference image gradient at a
// subpixel location.
func sampleGradient(img *image.Gray, x, y float64) (float64, float64, bool) {
	xp, okXP := sampleBilinear(img, x+1, y)
	xm, okXM := sampleBilinear(img, x-1, y)
	yp, okYP := sampleBilinear(img, x, y+1)
	ym, okYM := sampleBilinear(img, x, y-1)
	if !okXP || !okXM || !okYP || !okYM {
		return 0, 0, false
	}
	return (xp - xm) / 2, (yp - ym) / 2, true
}

// sampleBilinear samples the image at a subpixel location.
func sampleBilinear(img *image.Gray, x, y float64) (float64, bool) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if x < 0 || y < 0 || x > float64(w-1) || y > float64(h-1) {
		return 0, false
	}
	x0 := int(math.Floor(x))
	y0 := int(math.Floor(y))
	x1 := clampInt(x0+1, 0, w-1)
	y1 := clampInt(y0+1, 0, h-1)
	fx := x - float64(x0)
	fy := y - float64(y0)
	v00 := float64(img.GrayAt(b.Min.X+x0, b.Min.Y+y0).Y)
	v10 := float64(img.GrayAt(b.Min.X+x1, b.Min.Y+y0).Y)
	v01 := float64(img.GrayAt(b.Min.X+x0, b.Min.Y+y1).Y)
	v11 := float64(img.GrayAt(b.Min.X+x1, b.Min.Y+y1).Y)
	top := v00*(1-fx) + v10*fx
	bot := v01*(1-fx) + v11*fx
	return top*(1-fy) + bot*fy, true
}

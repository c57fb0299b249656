package klt

import (
	"image"
	"image/color"
	"math"
	"testing"

	"github.com/golang/geo/r2"
	"go.viam.com/test"
)

// blobImage draws smooth radial blobs centered at the given points so that
// the tracker has texture with well-defined gradients.
func blobImage(w, h int, centers []image.Point) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, w, h))
	const radius = 12.0
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := 0.0
			for _, c := range centers {
				d := math.Hypot(float64(x-c.X), float64(y-c.Y))
				if d < radius {
					v += 255 * (1 - d/radius)
				}
			}
			if v > 255 {
				v = 255
			}
			img.SetGray(x, y, color.Gray{Y: uint8(v)})
		}
	}
	return img
}

func shift(pts []image.Point, dx, dy int) []image.Point {
	out := make([]image.Point, len(pts))
	for i, p := range pts {
		out[i] = image.Point{p.X + dx, p.Y + dy}
	}
	return out
}

func TestPyramidBuild(t *testing.T) {
	img := blobImage(128, 96, []image.Point{{40, 40}})
	p := BuildPyramid(img, 3, 1.0)
	test.That(t, p.Built(), test.ShouldBeTrue)
	test.That(t, p.NumLevels(), test.ShouldEqual, 3)
	test.That(t, p.Level(0).Bounds().Dx(), test.ShouldEqual, 128)
	test.That(t, p.Level(1).Bounds().Dx(), test.ShouldEqual, 64)
	test.That(t, p.Level(2).Bounds().Dx(), test.ShouldEqual, 32)

	empty := NewPyramid()
	test.That(t, empty.Built(), test.ShouldBeFalse)

	// Update reuses the pyramid in place.
	empty.Update(img, 2, 1.0)
	test.That(t, empty.Built(), test.ShouldBeTrue)
	test.That(t, empty.NumLevels(), test.ShouldEqual, 2)
}

func TestTrackRecoversTranslation(t *testing.T) {
	centers := []image.Point{{40, 40}, {90, 50}, {60, 100}, {130, 80}}
	prev := BuildPyramid(blobImage(200, 150, centers), 3, 1.0)
	cur := BuildPyramid(blobImage(200, 150, shift(centers, 5, 3)), 3, 1.0)

	pts := make([]r2.Point, len(centers))
	for i, c := range centers {
		pts[i] = r2.Point{X: float64(c.X), Y: float64(c.Y)}
	}
	// seed the search at the previous position (no prior motion)
	tracked, status := Track(prev, cur, pts, pts, DefaultTrackConfig())
	for i := range pts {
		test.That(t, status[i], test.ShouldBeTrue)
		test.That(t, tracked[i].X, test.ShouldAlmostEqual, pts[i].X+5, 1.0)
		test.That(t, tracked[i].Y, test.ShouldAlmostEqual, pts[i].Y+3, 1.0)
	}
}

func TestTrackForwardBackwardConsistency(t *testing.T) {
	centers := []image.Point{{40, 40}, {90, 50}, {60, 100}}
	prevImg := blobImage(200, 150, centers)
	curImg := blobImage(200, 150, shift(centers, 4, -2))
	prev := BuildPyramid(prevImg, 3, 1.0)
	cur := BuildPyramid(curImg, 3, 1.0)

	pts := make([]r2.Point, len(centers))
	for i, c := range centers {
		pts[i] = r2.Point{X: float64(c.X), Y: float64(c.Y)}
	}
	tracked, status := TrackForwardBackward(prev, cur, pts, pts, 0.5, DefaultTrackConfig())
	for i := range pts {
		test.That(t, status[i], test.ShouldBeTrue)
		test.That(t, tracked[i].X, test.ShouldAlmostEqual, pts[i].X+4, 1.0)
		test.That(t, tracked[i].Y, test.ShouldAlmostEqual, pts[i].Y-2, 1.0)
	}
}

func TestTrackLosesTexturelessPoint(t *testing.T) {
	prev := BuildPyramid(blobImage(200, 150, []image.Point{{40, 40}}), 3, 1.0)
	cur := BuildPyramid(blobImage(200, 150, []image.Point{{44, 40}}), 3, 1.0)

	// a point in a flat region has a degenerate gradient matrix
	pts := []r2.Point{{X: 150, Y: 120}}
	_, status := TrackForwardBackward(prev, cur, pts, pts, 0.5, DefaultTrackConfig())
	test.That(t, status[0], test.ShouldBeFalse)
}

func TestTrackAgainstBlackFrame(t *testing.T) {
	centers := []image.Point{{40, 40}, {90, 50}}
	prev := BuildPyramid(blobImage(200, 150, centers), 3, 1.0)
	cur := BuildPyramid(image.NewGray(image.Rect(0, 0, 200, 150)), 3, 1.0)

	pts := make([]r2.Point, len(centers))
	for i, c := range centers {
		pts[i] = r2.Point{X: float64(c.X), Y: float64(c.Y)}
	}
	_, status := TrackForwardBackward(prev, cur, pts, pts, 0.5, DefaultTrackConfig())
	for i := range status {
		test.That(t, status[i], test.ShouldBeFalse)
	}
}

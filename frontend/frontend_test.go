package frontend

import (
	"image"
	"image/color"
	"image/draw"
	"testing"

	"github.com/edaniels/golog"
	"go.viam.com/test"

	"github.com/viamrobotics/visual-slam/camera"
	"github.com/viamrobotics/visual-slam/config"
	"github.com/viamrobotics/visual-slam/motion"
	"github.com/viamrobotics/visual-slam/slammap"
	"github.com/viamrobotics/visual-slam/spatialmath"
)

// squaresImage draws a sparse grid of white squares; every square contributes
// trackable FAST corners.
func squaresImage(w, h, spacing, size, offsetX int) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), &image.Uniform{color.Gray{0}}, image.Point{}, draw.Src)
	for y := spacing; y < h-size-spacing; y += spacing {
		for x := spacing; x < w-size-spacing; x += spacing {
			rect := image.Rect(x+offsetX, y, x+offsetX+size, y+size)
			draw.Draw(img, rect, &image.Uniform{color.Gray{255}}, image.Point{}, draw.Src)
		}
	}
	return img
}

func newTestFrontEnd(t *testing.T) (*FrontEnd, *slammap.Map, *config.RuntimeState) {
	t.Helper()
	cam, err := camera.NewModel(camera.PinholeIntrinsics{
		Width: 640, Height: 480, Fx: 450, Fy: 450, Ppx: 320, Ppy: 240,
	}, nil, spatialmath.NewZeroSE3())
	test.That(t, err, test.ShouldBeNil)
	logger := golog.NewTestLogger(t)
	m := slammap.NewMap(cam, nil, logger)
	state := config.NewRuntimeState()
	fe := New(config.DefaultConfig(), state, m, motion.NewModel(), logger)
	return fe, m, state
}

func TestBootstrap(t *testing.T) {
	fe, m, state := newTestFrontEnd(t)
	img := squaresImage(640, 480, 40, 10, 0)

	isKF := fe.Track(img, 0.0)
	test.That(t, isKF, test.ShouldBeTrue)
	test.That(t, m.NumKeyframes(), test.ShouldEqual, 1)
	test.That(t, m.CurrentFrameID(), test.ShouldEqual, 1)
	test.That(t, state.VisionInitialized.Load(), test.ShouldBeFalse)

	counts := m.CurrentCounts()
	test.That(t, counts.Keypoints, test.ShouldBeGreaterThanOrEqualTo, 50)
	test.That(t, counts.Kpts3D, test.ShouldEqual, 0)
}

func TestInitializationByParallax(t *testing.T) {
	fe, m, state := newTestFrontEnd(t)

	isKF := fe.Track(squaresImage(640, 480, 40, 10, 0), 0.0)
	test.That(t, isKF, test.ShouldBeTrue)
	test.That(t, m.CurrentCounts().Keypoints, test.ShouldBeGreaterThanOrEqualTo, 50)

	// translate 8 px per frame; parallax against keyframe 0 accumulates past
	// the 20 px initialization threshold on the third step (24 px)
	sawInit := false
	for i := 1; i <= 5 && !sawInit; i++ {
		isKF = fe.Track(squaresImage(640, 480, 40, 10, 8*i), float64(i)*0.1)
		test.That(t, state.ResetRequired.Load(), test.ShouldBeFalse)
		if state.VisionInitialized.Load() {
			sawInit = true
			test.That(t, isKF, test.ShouldBeTrue)
			test.That(t, m.NumKeyframes(), test.ShouldEqual, 2)
		} else {
			test.That(t, isKF, test.ShouldBeFalse)
		}
	}
	test.That(t, sawInit, test.ShouldBeTrue)
}

func TestResetOnDrift(t *testing.T) {
	fe, m, state := newTestFrontEnd(t)

	test.That(t, fe.Track(squaresImage(640, 480, 40, 10, 0), 0.0), test.ShouldBeTrue)

	// pure black frame: everything is lost during tracking
	black := image.NewGray(image.Rect(0, 0, 640, 480))
	isKF := fe.Track(black, 0.1)
	test.That(t, isKF, test.ShouldBeFalse)
	test.That(t, m.CurrentCounts().Keypoints, test.ShouldBeLessThan, 50)
	test.That(t, state.ResetRequired.Load(), test.ShouldBeTrue)
}

func TestParallaxZeroOnIdenticalFrames(t *testing.T) {
	fe, _, _ := newTestFrontEnd(t)

	img := squaresImage(640, 480, 40, 10, 0)
	test.That(t, fe.Track(img, 0.0), test.ShouldBeTrue)
	fe.Track(img, 0.1)

	// the same image tracked against itself drifts by subpixel noise at most
	parallax := fe.computeParallax(0, parallaxOptions{})
	test.That(t, parallax, test.ShouldBeLessThan, 0.5)

	meanParallax := fe.computeParallax(0, parallaxOptions{UseMean: true})
	test.That(t, meanParallax, test.ShouldBeLessThan, 0.5)
}

func TestParallaxUnknownKeyframe(t *testing.T) {
	fe, _, _ := newTestFrontEnd(t)
	test.That(t, fe.computeParallax(-1, parallaxOptions{}), test.ShouldEqual, 0)
	test.That(t, fe.computeParallax(7, parallaxOptions{}), test.ShouldEqual, 0)
}

func TestTrackedKeypointsFollowTranslation(t *testing.T) {
	fe, m, _ := newTestFrontEnd(t)

	test.That(t, fe.Track(squaresImage(640, 480, 40, 10, 0), 0.0), test.ShouldBeTrue)
	before := map[int]float64{}
	for _, kp := range m.CurrentKeypoints() {
		before[kp.ID] = kp.Pixel.X
	}

	fe.Track(squaresImage(640, 480, 40, 10, 6), 0.1)
	moved := 0
	for _, kp := range m.CurrentKeypoints() {
		prevX, ok := before[kp.ID]
		if !ok {
			continue
		}
		if kp.Pixel.X-prevX > 4.5 && kp.Pixel.X-prevX < 7.5 {
			moved++
		}
	}
	// most surviving keypoints moved by roughly the applied shift
	test.That(t, moved, test.ShouldBeGreaterThan, len(before)/2)
}

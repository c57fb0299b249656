package visualslam

import (
	"image"
	"image/color"
	"image/draw"
	"testing"

	"github.com/edaniels/golog"
	"go.viam.com/test"

	"github.com/viamrobotics/visual-slam/camera"
	"github.com/viamrobotics/visual-slam/config"
	"github.com/viamrobotics/visual-slam/spatialmath"
)

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

func newTestSystem(t *testing.T) *System {
	t.Helper()
	cam, err := camera.NewModel(camera.PinholeIntrinsics{
		Width: 640, Height: 480, Fx: 450, Fy: 450, Ppx: 320, Ppy: 240,
	}, nil, spatialmath.NewZeroSE3())
	test.That(t, err, test.ShouldBeNil)
	s, err := New(config.DefaultConfig(), cam, nil, nil, golog.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	t.Cleanup(s.Close)
	return s
}

func TestNewRejectsBadConfig(t *testing.T) {
	cam, err := camera.NewModel(camera.PinholeIntrinsics{
		Width: 640, Height: 480, Fx: 450, Fy: 450, Ppx: 320, Ppy: 240,
	}, nil, spatialmath.NewZeroSE3())
	test.That(t, err, test.ShouldBeNil)
	logger := golog.NewTestLogger(t)

	bad := config.DefaultConfig()
	bad.WindowSize = 4
	_, err = New(bad, cam, nil, nil, logger)
	test.That(t, err, test.ShouldNotBeNil)

	stereo := config.DefaultConfig()
	stereo.Stereo = true
	_, err = New(stereo, cam, nil, nil, logger)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestPipelineBootstrapAndInit(t *testing.T) {
	s := newTestSystem(t)

	test.That(t, s.Track(squaresImage(640, 480, 40, 10, 0), nil, 0.0), test.ShouldBeTrue)
	test.That(t, s.Map().NumKeyframes(), test.ShouldEqual, 1)
	test.That(t, s.State().VisionInitialized.Load(), test.ShouldBeFalse)

	// translate until parallax initializes vision
	sawInit := false
	for i := 1; i <= 5 && !sawInit; i++ {
		s.Track(squaresImage(640, 480, 40, 10, 8*i), nil, float64(i)*0.1)
		sawInit = s.State().VisionInitialized.Load()
	}
	test.That(t, sawInit, test.ShouldBeTrue)
	test.That(t, s.Map().NumKeyframes(), test.ShouldEqual, 2)
}

func TestPipelineResetOnBlackFrame(t *testing.T) {
	s := newTestSystem(t)

	test.That(t, s.Track(squaresImage(640, 480, 40, 10, 0), nil, 0.0), test.ShouldBeTrue)
	s.Track(image.NewGray(image.Rect(0, 0, 640, 480)), nil, 0.1)
	test.That(t, s.State().ResetRequired.Load(), test.ShouldBeTrue)

	// the next tick observes the reset, clears state, and bootstraps again
	test.That(t, s.Track(squaresImage(640, 480, 40, 10, 0), nil, 0.2), test.ShouldBeTrue)
	test.That(t, s.State().ResetRequired.Load(), test.ShouldBeFalse)
	test.That(t, s.Map().CurrentFrameID(), test.ShouldEqual, 1)
	test.That(t, s.Map().NumKeyframes(), test.ShouldEqual, 1)
}

package frontend

import (
	"image"

	"github.com/fogleman/gg"

	"github.com/viamrobotics/visual-slam/slammap"
)

// PlotTrackedKeypoints writes a PNG of the frame with its keypoints drawn on
// top, 3D keypoints in green and 2D candidates in blue. Debug aid only.
func PlotTrackedKeypoints(img *image.Gray, kps []slammap.Keypoint, outName string) error {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()

	dc := gg.NewContext(w, h)
	dc.DrawImage(img, 0, 0)

	for _, kp := range kps {
		if kp.Is3D {
			dc.SetRGBA(0, 1, 0, 0.7)
		} else {
			dc.SetRGBA(0, 0, 1, 0.7)
		}
		dc.DrawCircle(kp.Pixel.X, kp.Pixel.Y, 3.0)
		dc.Fill()
	}
	return dc.SavePNG(outName)
}

package features

import (
	"encoding/json"
	"image"
	"os"
	"path/filepath"
	"sort"

	"go.viam.com/utils"
)

// FASTConfig holds the parameters for FAST corner detection.
type FASTConfig struct {
	// Threshold is the minimum absolute intensity difference between the
	// center pixel and a circle pixel for the circle pixel to count.
	Threshold int `json:"threshold"`
	// NMatchesCircle is the number of contiguous circle pixels that must all
	// be brighter or all darker than the center.
	NMatchesCircle int `json:"n_matches_circle"`
	// NMSWinSize is the side of the square window used for non-maximum
	// suppression of corner scores.
	NMSWinSize int `json:"nms_win_size"`
}

// LoadFASTConfiguration loads a FASTConfig from a json file.
func LoadFASTConfiguration(file string) *FASTConfig {
	var config FASTConfig
	filePath := filepath.Clean(file)
	configFile, err := os.Open(filePath) //nolint:gosec
	defer utils.UncheckedErrorFunc(configFile.Close)
	if err != nil {
		return nil
	}
	jsonParser := json.NewDecoder(configFile)
	if err = jsonParser.Decode(&config); err != nil {
		return nil
	}
	return &config
}

// circleIdx is the Bresenham circle of radius 3 around a candidate corner, in
// clockwise order starting from the top.
var circleIdx = [16]image.Point{
	{0, -3}, {1, -3}, {2, -2}, {3, -1},
	{3, 0}, {3, 1}, {2, 2}, {1, 3},
	{0, 3}, {-1, 3}, {-2, 2}, {-3, 1},
	{-3, 0}, {-3, -1}, {-2, -2}, {-1, -3},
}

// ScoredPoint is a detected corner and its FAST score.
type ScoredPoint struct {
	Point image.Point
	Score int
}

// DetectFAST finds FAST corners in a grayscale image, suppresses non-maxima
// in NMSWinSize windows, and returns the survivors ordered by decreasing
// score.
func DetectFAST(img *image.Gray, cfg *FASTConfig) []ScoredPoint {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	scores := make(map[image.Point]int)
	for y := 3; y < h-3; y++ {
		for x := 3; x < w-3; x++ {
			if score, ok := fastScore(img, x, y, cfg); ok {
				scores[image.Point{x, y}] = score
			}
		}
	}
	// non-maximum suppression
	half := cfg.NMSWinSize / 2
	if half < 1 {
		half = 1
	}
	kept := make([]ScoredPoint, 0, len(scores))
	for p, s := range scores {
		isMax := true
		for dy := -half; dy <= half && isMax; dy++ {
			for dx := -half; dx <= half; dx++ {
				if dx == 0 && dy == 0 {
					continue
				}
				if other, ok := scores[image.Point{p.X + dx, p.Y + dy}]; ok && other > s {
					isMax = false
					break
				}
			}
		}
		if isMax {
			kept = append(kept, ScoredPoint{Point: p, Score: s})
		}
	}
	sort.Slice(kept, func(i, j int) bool {
		if kept[i].Score != kept[j].Score {
			return kept[i].Score > kept[j].Score
		}
		if kept[i].Point.Y != kept[j].Point.Y {
			return kept[i].Point.Y < kept[j].Point.Y
		}
		return kept[i].Point.X < kept[j].Point.X
	})
	return kept
}

// fastScore checks the contiguous-arc criterion at (x,y) and returns the sum
// of absolute differences over the circle as the corner score.
func fastScore(img *image.Gray, x, y int, cfg *FASTConfig) (int, bool) {
	c := int(img.GrayAt(x, y).Y)
	var brighter, darker [16]bool
	score := 0
	for i, off := range circleIdx {
		v := int(img.GrayAt(x+off.X, y+off.Y).Y)
		diff := v - c
		if diff > cfg.Threshold {
			brighter[i] = true
		} else if -diff > cfg.Threshold {
			darker[i] = true
		}
		if diff < 0 {
			diff = -diff
		}
		score += diff
	}
	if hasContiguousArc(brighter, cfg.NMatchesCircle) || hasContiguousArc(darker, cfg.NMatchesCircle) {
		return score, true
	}
	return 0, false
}

func hasContiguousArc(flags [16]bool, n int) bool {
	run := 0
	// wrap around the circle once to catch arcs spanning the seam
	for i := 0; i < 32; i++ {
		if flags[i%16] {
			run++
			if run >= n {
				return true
			}
		} else {
			run = 0
		}
	}
	return false
}

package mapper

import (
	"image"
	"math"
	"sort"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"

	"github.com/viamrobotics/visual-slam/features"
	"github.com/viamrobotics/visual-slam/slammap"
)

// localMapSizeMultiplier scales the keypoint budget into the minimum local
// map candidate count.
const localMapSizeMultiplier = 10

// localMapMatching projects the keyframe's local map into the keyframe and
// merges candidates that land on an existing keypoint with a matching
// descriptor, removing duplicated map points.
func (mp *Mapper) localMapMatching(kfid int) error {
	cam := mp.slamMap.LeftCamera()
	localIDs := mp.slamMap.LocalMapIDs(kfid)
	if len(localIDs) < localMapSizeMultiplier*mp.cfg.MaxNbKeypoints {
		// widen the candidate set with the oldest covisible keyframe's local map
		oldest := -1
		for other := range mp.slamMap.Covisibility(kfid) {
			if oldest == -1 || other < oldest {
				oldest = other
			}
		}
		if oldest >= 0 {
			mp.slamMap.MergeLocalMap(kfid, oldest)
			localIDs = mp.slamMap.LocalMapIDs(kfid)
		}
	}
	if len(localIDs) == 0 {
		return nil
	}

	_, cw, ok := mp.slamMap.KeyframePose(kfid)
	if !ok {
		return errors.Errorf("keyframe %d vanished", kfid)
	}
	halfFOVCos := cam.HalfFOVCos()
	maxProjDist := mp.cfg.MaxProjectionDistance
	if counts, ok := mp.slamMap.KeyframeCounts(kfid); ok && counts.Kpts3D < 30 {
		maxProjDist *= 2
	}

	// bucket the keyframe's keypoints for the surrounding-keypoint queries
	cell := int(math.Ceil(maxProjDist))
	if cell < 1 {
		cell = 1
	}
	grid := map[image.Point][]slammap.Keypoint{}
	for _, kp := range mp.slamMap.KeyframeKeypoints(kfid) {
		c := image.Point{int(kp.Pixel.X) / cell, int(kp.Pixel.Y) / cell}
		grid[c] = append(grid[c], kp)
	}

	type candidate struct {
		prevID int
		dist   int
	}
	// each surrounding keypoint keeps only its closest candidate
	bestPerKeypoint := map[int]candidate{}
	for _, id := range localIDs {
		if _, observed := mp.slamMap.Keypoint(kfid, id); observed {
			continue
		}
		cand, ok := mp.slamMap.MapPoint(id)
		if !ok || !cand.Is3D {
			continue
		}
		camPt := cw.Transform(cand.Position)
		if camPt.Z < minTriangulationDepth {
			continue
		}
		if camPt.Z/camPt.Norm() < halfFOVCos {
			continue
		}
		px := cam.Project(camPt)
		if !cam.InImage(px) {
			continue
		}
		surrounding := queryGrid(grid, px, maxProjDist, cell)
		matchID, dist, ok := mp.findBestMatch(&cand, surrounding, px, maxProjDist)
		if !ok {
			continue
		}
		if prev, exists := bestPerKeypoint[matchID]; !exists || dist < prev.dist {
			bestPerKeypoint[matchID] = candidate{prevID: id, dist: dist}
		}
	}
	if len(bestPerKeypoint) == 0 {
		return nil
	}

	pairs := make([][2]int, 0, len(bestPerKeypoint))
	for newID, c := range bestPerKeypoint {
		pairs = append(pairs, [2]int{c.prevID, newID})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i][1] < pairs[j][1] })
	mp.slamMap.ApplyMerges(pairs)
	mp.logger.Debugw("local map merges applied", "kfid", kfid, "nb_merges", len(pairs))
	return nil
}

// queryGrid returns the keypoints within radius of px.
func queryGrid(grid map[image.Point][]slammap.Keypoint, px r2.Point, radius float64, cell int) []slammap.Keypoint {
	c := image.Point{int(px.X) / cell, int(px.Y) / cell}
	var out []slammap.Keypoint
	for dy := -1; dy <= 1; dy++ {
		for dx := -1; dx <= 1; dx++ {
			for _, kp := range grid[image.Point{c.X + dx, c.Y + dy}] {
				if kp.Pixel.Sub(px).Norm() <= radius {
					out = append(out, kp)
				}
			}
		}
	}
	return out
}

// findBestMatch screens the surrounding keypoints against the candidate map
// point and returns the keypoint with the smallest descriptor distance. The
// second-best distance is tracked for a Lowe-style ratio gate that is not
// currently enforced.
func (mp *Mapper) findBestMatch(cand *slammap.MapPoint, surrounding []slammap.Keypoint,
	projPx r2.Point, maxProjDist float64,
) (int, int, bool) {
	bestID := -1
	bestDist := math.MaxInt32
	secondBest := math.MaxInt32
	for i := range surrounding {
		kp := surrounding[i]
		if kp.Pixel.Sub(projPx).Norm() > maxProjDist {
			continue
		}
		target, ok := mp.slamMap.MapPoint(kp.ID)
		if !ok {
			continue
		}
		if !observersDisjoint(cand, &target) {
			continue
		}
		if !mp.reprojectsNearObservers(cand, &target, maxProjDist) {
			continue
		}
		d, err := features.HammingDistance(cand.Descriptor, target.Descriptor)
		if err != nil || d > mp.cfg.MaxDescriptorDistance {
			continue
		}
		switch {
		case d < bestDist:
			secondBest = bestDist
			bestDist = d
			bestID = kp.ID
		case d < secondBest:
			secondBest = d
		}
	}
	// A Lowe ratio test of bestDist against secondBest belongs here; it is
	// not enforced yet.
	if bestID < 0 {
		return 0, 0, false
	}
	return bestID, bestDist, true
}

func observersDisjoint(a, b *slammap.MapPoint) bool {
	for _, kfid := range a.Observers {
		for _, other := range b.Observers {
			if kfid == other {
				return false
			}
		}
	}
	return true
}

// reprojectsNearObservers checks that the candidate reprojects within
// maxProjDist of the target's observation in each of the target's observer
// keyframes, on average.
func (mp *Mapper) reprojectsNearObservers(cand, target *slammap.MapPoint, maxProjDist float64) bool {
	cam := mp.slamMap.LeftCamera()
	total := 0.0
	n := 0
	for _, kfid := range target.Observers {
		_, cw, ok := mp.slamMap.KeyframePose(kfid)
		if !ok {
			continue
		}
		obsKp, ok := mp.slamMap.Keypoint(kfid, target.ID)
		if !ok {
			continue
		}
		camPt := cw.Transform(cand.Position)
		if camPt.Z <= 0 {
			return false
		}
		total += cam.Project(camPt).Sub(obsKp.Pixel).Norm()
		n++
	}
	if n == 0 {
		return false
	}
	return total/float64(n) <= maxProjDist
}

package slammap

import (
	"testing"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"github.com/viamrobotics/visual-slam/camera"
	"github.com/viamrobotics/visual-slam/features"
	"github.com/viamrobotics/visual-slam/spatialmath"
)

func testMap(t *testing.T) *Map {
	t.Helper()
	cam, err := camera.NewModel(camera.PinholeIntrinsics{
		Width: 640, Height: 480,
		Fx: 450, Fy: 450, Ppx: 320, Ppy: 240,
	}, nil, spatialmath.NewZeroSE3())
	test.That(t, err, test.ShouldBeNil)
	return NewMap(cam, nil, golog.NewTestLogger(t))
}

func addGrid(m *Map, n int) []int {
	pixels := make([]r2.Point, 0, n)
	descs := make([]features.Descriptor, 0, n)
	for i := 0; i < n; i++ {
		pixels = append(pixels, r2.Point{X: float64(50 + 20*(i%10)), Y: float64(50 + 20*(i/10))})
		descs = append(descs, features.Descriptor{uint64(i), uint64(i * 7)})
	}
	return m.AddKeypointsToCurrentFrame(pixels, descs)
}

func TestAddKeypointsCounters(t *testing.T) {
	m := testMap(t)
	m.AdvanceFrame(0.0)
	ids := addGrid(m, 25)
	test.That(t, len(ids), test.ShouldEqual, 25)

	c := m.CurrentCounts()
	test.That(t, c.Keypoints, test.ShouldEqual, 25)
	test.That(t, c.Kpts2D, test.ShouldEqual, 25)
	test.That(t, c.Kpts3D, test.ShouldEqual, 0)
	test.That(t, c.Stereo, test.ShouldEqual, 0)
	test.That(t, c.Keypoints, test.ShouldEqual, c.Kpts2D+c.Kpts3D)

	// every keypoint has a 2D map point with the same id
	for _, id := range ids {
		mp, ok := m.MapPoint(id)
		test.That(t, ok, test.ShouldBeTrue)
		test.That(t, mp.ID, test.ShouldEqual, id)
		test.That(t, mp.Is3D, test.ShouldBeFalse)
	}

	// keypoint bearings are unit length
	for _, kp := range m.CurrentKeypoints() {
		test.That(t, kp.Bearing.Norm(), test.ShouldAlmostEqual, 1, 1e-9)
	}
}

func TestCreateKeyframeRegistersObservers(t *testing.T) {
	m := testMap(t)
	m.AdvanceFrame(0.0)
	ids := addGrid(m, 10)
	kfid := m.CreateKeyframe()
	test.That(t, kfid, test.ShouldEqual, 0)
	test.That(t, m.CurrentKFID(), test.ShouldEqual, 0)
	test.That(t, m.KeyframeExists(0), test.ShouldBeTrue)
	test.That(t, m.NumKeyframes(), test.ShouldEqual, 1)

	for _, id := range ids {
		mp, ok := m.MapPoint(id)
		test.That(t, ok, test.ShouldBeTrue)
		test.That(t, mp.Observers, test.ShouldResemble, []int{0})
		// observer's keypoint set contains the map point id
		_, ok = m.Keypoint(0, id)
		test.That(t, ok, test.ShouldBeTrue)
	}

	// keyframe ids are monotonic
	m.AdvanceFrame(0.1)
	test.That(t, m.CreateKeyframe(), test.ShouldEqual, 1)
}

func TestUpdateMapPointPropagates3D(t *testing.T) {
	m := testMap(t)
	m.AdvanceFrame(0.0)
	ids := addGrid(m, 5)
	m.CreateKeyframe()

	m.UpdateMapPoint(ids[0], r3.Vector{X: 0.1, Y: 0.2, Z: 3})
	mp, ok := m.MapPoint(ids[0])
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, mp.Is3D, test.ShouldBeTrue)
	test.That(t, mp.Position, test.ShouldResemble, r3.Vector{X: 0.1, Y: 0.2, Z: 3})

	// 3D status propagated to the keyframe and the current frame
	kp, ok := m.Keypoint(0, ids[0])
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, kp.Is3D, test.ShouldBeTrue)
	cur, ok := m.CurrentKeypoint(ids[0])
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, cur.Is3D, test.ShouldBeTrue)

	c := m.CurrentCounts()
	test.That(t, c.Kpts3D, test.ShouldEqual, 1)
	test.That(t, c.Kpts2D, test.ShouldEqual, 4)
	test.That(t, c.Keypoints, test.ShouldEqual, 5)
}

func TestRemoveMapPointObs(t *testing.T) {
	m := testMap(t)
	m.AdvanceFrame(0.0)
	ids := addGrid(m, 3)
	m.CreateKeyframe()

	// removing the only observer deletes the map point and the observation
	m.RemoveMapPointObs(ids[0], 0)
	_, ok := m.MapPoint(ids[0])
	test.That(t, ok, test.ShouldBeFalse)
	_, ok = m.Keypoint(0, ids[0])
	test.That(t, ok, test.ShouldBeFalse)

	// removing with a stale keyframe id self-heals
	m.RemoveMapPointObs(ids[1], 99)
	_, ok = m.MapPoint(ids[1])
	test.That(t, ok, test.ShouldBeTrue)
}

func TestRemoveObsFromCurrentFrame(t *testing.T) {
	m := testMap(t)
	m.AdvanceFrame(0.0)
	ids := addGrid(m, 3)
	m.RemoveObsFromCurrentFrame(ids[1])
	_, ok := m.CurrentKeypoint(ids[1])
	test.That(t, ok, test.ShouldBeFalse)
	c := m.CurrentCounts()
	test.That(t, c.Keypoints, test.ShouldEqual, 2)
	// the map point survives; the current frame is not a registered observer
	_, ok = m.MapPoint(ids[1])
	test.That(t, ok, test.ShouldBeTrue)
}

func TestStereoKeypoint(t *testing.T) {
	m := testMap(t)
	m.AdvanceFrame(0.0)
	ids := addGrid(m, 2)
	m.CreateKeyframe()

	m.SetStereoKeypoint(0, ids[0], r2.Point{X: 101, Y: 50})
	c, _ := m.KeyframeCounts(0)
	test.That(t, c.Stereo, test.ShouldEqual, 1)
	kp, _ := m.Keypoint(0, ids[0])
	test.That(t, kp.IsStereo, test.ShouldBeTrue)
	test.That(t, kp.RightPixel, test.ShouldResemble, r2.Point{X: 101, Y: 50})

	// clearing keeps the 2D observation
	m.RemoveStereoKeypoint(0, ids[0])
	c, _ = m.KeyframeCounts(0)
	test.That(t, c.Stereo, test.ShouldEqual, 0)
	test.That(t, c.Keypoints, test.ShouldEqual, 2)
	kp, ok := m.Keypoint(0, ids[0])
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, kp.IsStereo, test.ShouldBeFalse)
}

func TestMergeMapPoints(t *testing.T) {
	m := testMap(t)

	// keyframe 0 observes a, keyframe 1 observes b: disjoint observer sets
	m.AdvanceFrame(0.0)
	aIDs := m.AddKeypointsToCurrentFrame([]r2.Point{{X: 100, Y: 100}}, nil)
	m.CreateKeyframe()
	m.RemoveObsFromCurrentFrame(aIDs[0])

	m.AdvanceFrame(0.1)
	bIDs := m.AddKeypointsToCurrentFrame([]r2.Point{{X: 103, Y: 100}}, nil)
	m.CreateKeyframe()

	a, b := aIDs[0], bIDs[0]
	m.UpdateMapPoint(a, r3.Vector{X: 1, Y: 2, Z: 5})

	// merging a into b: b survives with both observers and a's position
	m.MergeMapPoints(a, b)
	_, ok := m.MapPoint(a)
	test.That(t, ok, test.ShouldBeFalse)
	merged, ok := m.MapPoint(b)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, merged.Observers, test.ShouldResemble, []int{0, 1})
	test.That(t, merged.Is3D, test.ShouldBeTrue)
	test.That(t, merged.Position, test.ShouldResemble, r3.Vector{X: 1, Y: 2, Z: 5})

	// keyframe 0's observation was re-keyed to b
	_, ok = m.Keypoint(0, a)
	test.That(t, ok, test.ShouldBeFalse)
	kp, ok := m.Keypoint(0, b)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, kp.Is3D, test.ShouldBeTrue)
}

func TestMergeMapPointsIdempotentOnSelf(t *testing.T) {
	m := testMap(t)
	m.AdvanceFrame(0.0)
	ids := addGrid(m, 2)
	m.CreateKeyframe()
	before, _ := m.MapPoint(ids[0])
	m.MergeMapPoints(ids[0], ids[0])
	after, ok := m.MapPoint(ids[0])
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, after, test.ShouldResemble, before)
}

func TestUpdateFrameCovisibility(t *testing.T) {
	m := testMap(t)

	m.AdvanceFrame(0.0)
	shared := addGrid(m, 6)
	m.CreateKeyframe()

	// second keyframe keeps 4 of the shared points and adds 2 of its own
	m.RemoveObsFromCurrentFrame(shared[4])
	m.RemoveObsFromCurrentFrame(shared[5])
	m.AdvanceFrame(0.1)
	own := m.AddKeypointsToCurrentFrame([]r2.Point{{X: 400, Y: 100}, {X: 420, Y: 100}}, nil)
	m.CreateKeyframe()

	m.UpdateFrameCovisibility(1)
	cov := m.Covisibility(1)
	test.That(t, cov, test.ShouldResemble, map[int]int{0: 4})
	// the graph is symmetric
	test.That(t, m.Covisibility(0)[1], test.ShouldEqual, 4)

	// kf 1's local map holds kf 0's keypoints that kf 1 does not observe
	local := m.LocalMapIDs(1)
	test.That(t, len(local), test.ShouldEqual, 2)
	for _, id := range local {
		test.That(t, id == shared[4] || id == shared[5], test.ShouldBeTrue)
	}
	for _, id := range own {
		_, ok := m.MapPoint(id)
		test.That(t, ok, test.ShouldBeTrue)
	}

	// recomputing with no intervening mutation yields identical output
	m.UpdateFrameCovisibility(1)
	test.That(t, m.Covisibility(1), test.ShouldResemble, cov)
	local2 := m.LocalMapIDs(1)
	test.That(t, len(local2), test.ShouldEqual, len(local))
}

func TestReset(t *testing.T) {
	m := testMap(t)
	m.AdvanceFrame(0.0)
	addGrid(m, 5)
	m.CreateKeyframe()
	m.Reset()
	test.That(t, m.NumKeyframes(), test.ShouldEqual, 0)
	test.That(t, m.NumMapPoints(), test.ShouldEqual, 0)
	test.That(t, m.CurrentFrameID(), test.ShouldEqual, 0)
	test.That(t, m.CurrentKFID(), test.ShouldEqual, -1)
	test.That(t, m.CurrentCounts().Keypoints, test.ShouldEqual, 0)
	// ids restart
	m.AdvanceFrame(0.0)
	test.That(t, m.CurrentFrameID(), test.ShouldEqual, 1)
	test.That(t, m.CreateKeyframe(), test.ShouldEqual, 0)
}

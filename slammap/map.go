package slammap

import (
	"sync"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"

	"github.com/viamrobotics/visual-slam/camera"
	"github.com/viamrobotics/visual-slam/features"
	"github.com/viamrobotics/visual-slam/spatialmath"
)

// Counts aggregates a frame's keypoint counters.
type Counts struct {
	Keypoints int
	Kpts2D    int
	Kpts3D    int
	Stereo    int
}

// Map owns every frame, keyframe, keypoint, and map point. Exported methods
// are individually thread-safe under the map-wide lock; batch merge
// operations additionally serialize against the optimizer through the
// optimization lock, which is always acquired before the map lock.
type Map struct {
	mu    sync.RWMutex
	optMu sync.Mutex

	logger   golog.Logger
	leftCam  *camera.Model
	rightCam *camera.Model

	current   *Frame
	keyframes map[int]*Frame
	mappoints map[int]*MapPoint

	nextKeypointID int
	nextKFID       int
}

// NewMap returns an empty map. rightCam may be nil for monocular setups.
func NewMap(leftCam, rightCam *camera.Model, logger golog.Logger) *Map {
	return &Map{
		logger:    logger,
		leftCam:   leftCam,
		rightCam:  rightCam,
		current:   newFrame(),
		keyframes: map[int]*Frame{},
		mappoints: map[int]*MapPoint{},
	}
}

// LeftCamera returns the reference camera model. Camera calibration is
// immutable and may be read without the lock.
func (m *Map) LeftCamera() *camera.Model { return m.leftCam }

// RightCamera returns the right stereo camera model, or nil.
func (m *Map) RightCamera() *camera.Model { return m.rightCam }

// Reset drops every entity and restarts all id counters.
func (m *Map) Reset() {
	m.optMu.Lock()
	defer m.optMu.Unlock()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logger.Infow("map reset",
		"nb_keyframes", len(m.keyframes), "nb_mappoints", len(m.mappoints))
	m.current = newFrame()
	m.keyframes = map[int]*Frame{}
	m.mappoints = map[int]*MapPoint{}
	m.nextKeypointID = 0
	m.nextKFID = 0
}

// LockOptimization acquires the optimization lock. The estimator holds it
// while reading structure that local-map merges would otherwise mutate.
func (m *Map) LockOptimization() { m.optMu.Lock() }

// UnlockOptimization releases the optimization lock.
func (m *Map) UnlockOptimization() { m.optMu.Unlock() }

// AdvanceFrame starts a new tick: the current frame keeps its observations
// but takes the next frame id and the new timestamp.
func (m *Map) AdvanceFrame(timestamp float64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current.ID++
	m.current.Timestamp = timestamp
	return m.current.ID
}

// CurrentFrameID returns the id of the current frame.
func (m *Map) CurrentFrameID() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current.ID
}

// CurrentKFID returns the keyframe id the current frame originates from, or
// -1 before the first promotion.
func (m *Map) CurrentKFID() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current.KFID
}

// SetCurrentPose sets the current frame's world-from-camera pose.
func (m *Map) SetCurrentPose(wc spatialmath.SE3) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current.setPose(wc)
}

// CurrentPose returns the current frame's world-from-camera and
// camera-from-world poses.
func (m *Map) CurrentPose() (spatialmath.SE3, spatialmath.SE3) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current.wc, m.current.cw
}

// CurrentTimestamp returns the current frame's capture time.
func (m *Map) CurrentTimestamp() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current.Timestamp
}

// CurrentCounts returns the current frame's keypoint counters.
func (m *Map) CurrentCounts() Counts {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return counts(m.current)
}

// KeyframeCounts returns a keyframe's keypoint counters.
func (m *Map) KeyframeCounts(kfid int) (Counts, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	kf, ok := m.keyframes[kfid]
	if !ok {
		return Counts{}, false
	}
	return counts(kf), true
}

func counts(f *Frame) Counts {
	return Counts{
		Keypoints: f.NbKeypoints,
		Kpts2D:    f.Nb2DKpts,
		Kpts3D:    f.Nb3DKpts,
		Stereo:    f.NbStereoKpts,
	}
}

// NumKeyframes returns the number of keyframes in the map.
func (m *Map) NumKeyframes() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.keyframes)
}

// NumMapPoints returns the number of live map points.
func (m *Map) NumMapPoints() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.mappoints)
}

// KeyframeExists reports whether kfid names a keyframe in the map.
func (m *Map) KeyframeExists(kfid int) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.keyframes[kfid]
	return ok
}

// KeyframePose returns a keyframe's world-from-camera and camera-from-world
// poses.
func (m *Map) KeyframePose(kfid int) (spatialmath.SE3, spatialmath.SE3, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	kf, ok := m.keyframes[kfid]
	if !ok {
		return spatialmath.SE3{}, spatialmath.SE3{}, false
	}
	return kf.wc, kf.cw, true
}

// CurrentKeypoints returns snapshots of every keypoint in the current frame.
func (m *Map) CurrentKeypoints() []Keypoint {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return keypointSnapshots(m.current)
}

// KeyframeKeypoints returns snapshots of every keypoint in a keyframe.
func (m *Map) KeyframeKeypoints(kfid int) []Keypoint {
	m.mu.RLock()
	defer m.mu.RUnlock()
	kf, ok := m.keyframes[kfid]
	if !ok {
		return nil
	}
	return keypointSnapshots(kf)
}

func keypointSnapshots(f *Frame) []Keypoint {
	out := make([]Keypoint, 0, len(f.keypoints))
	for _, kp := range f.keypoints {
		out = append(out, *kp)
	}
	return out
}

// CurrentKeypoint returns a snapshot of one current-frame keypoint.
func (m *Map) CurrentKeypoint(kpid int) (Keypoint, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	kp, ok := m.current.keypoints[kpid]
	if !ok {
		return Keypoint{}, false
	}
	return *kp, true
}

// Keypoint returns a snapshot of one keyframe keypoint.
func (m *Map) Keypoint(kfid, kpid int) (Keypoint, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	kf, ok := m.keyframes[kfid]
	if !ok {
		return Keypoint{}, false
	}
	kp, ok := kf.keypoints[kpid]
	if !ok {
		return Keypoint{}, false
	}
	return *kp, true
}

// MapPoint returns a snapshot of a map point.
func (m *Map) MapPoint(kpid int) (MapPoint, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mp, ok := m.mappoints[kpid]
	if !ok {
		return MapPoint{}, false
	}
	return mp.clone(), true
}

// AddKeypointsToCurrentFrame creates a 2D keypoint and its bearing-only map
// point for each detected pixel. descs may be nil or shorter than pixels.
// The new keypoint ids are returned.
func (m *Map) AddKeypointsToCurrentFrame(pixels []r2.Point, descs []features.Descriptor) []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]int, 0, len(pixels))
	for i, px := range pixels {
		id := m.nextKeypointID
		m.nextKeypointID++
		und := m.leftCam.UndistortPixel(px)
		kp := &Keypoint{
			ID:          id,
			Pixel:       px,
			UndistPixel: und,
			Bearing:     m.leftCam.Unproject(und),
		}
		var desc features.Descriptor
		if i < len(descs) {
			desc = descs[i]
			kp.Descriptor = desc
		}
		m.current.addKeypoint(kp)
		m.mappoints[id] = &MapPoint{ID: id, Descriptor: desc}
		ids = append(ids, id)
	}
	return ids
}

// CreateKeyframe promotes the current frame to a keyframe: assigns the next
// keyframe id, deep-copies the frame into the keyframe index, and registers
// the new keyframe as an observer of every map point it sees. Observations
// whose map point vanished are dropped on the way.
func (m *Map) CreateKeyframe() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	kfid := m.nextKFID
	m.nextKFID++
	m.current.KFID = kfid
	kf := m.current.clone()
	for id := range kf.keypoints {
		mp, ok := m.mappoints[id]
		if !ok {
			kf.removeKeypoint(id)
			m.current.removeKeypoint(id)
			continue
		}
		mp.addObserver(kfid)
	}
	m.keyframes[kfid] = kf
	return kfid
}

// UpdateCurrentKeypoint moves a tracked observation to its new pixel and
// recomputes the undistorted pixel and the bearing.
func (m *Map) UpdateCurrentKeypoint(kpid int, px r2.Point) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kp, ok := m.current.keypoints[kpid]
	if !ok {
		return
	}
	kp.Pixel = px
	kp.UndistPixel = m.leftCam.UndistortPixel(px)
	kp.Bearing = m.leftCam.Unproject(kp.UndistPixel)
}

// RemoveObsFromCurrentFrame drops an observation from the current frame,
// typically after a tracking failure.
func (m *Map) RemoveObsFromCurrentFrame(kpid int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current.removeKeypoint(kpid)
}

// UpdateMapPoint sets a map point's world position, promotes it to 3D, and
// propagates the 3D status to every observer keyframe and to the current
// frame.
func (m *Map) UpdateMapPoint(kpid int, wpt r3.Vector) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mp, ok := m.mappoints[kpid]
	if !ok {
		return
	}
	mp.Position = wpt
	mp.Is3D = true
	for _, kfid := range mp.Observers {
		kf, ok := m.keyframes[kfid]
		if !ok {
			continue
		}
		kf.turnKeypoint3D(kpid)
	}
	m.current.turnKeypoint3D(kpid)
}

// RemoveMapPointObs removes one observation link: the keypoint leaves the
// keyframe and the keyframe leaves the map point's observer list. When the
// observer list empties the map point is deleted.
func (m *Map) RemoveMapPointObs(kpid, kfid int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeMapPointObsLocked(kpid, kfid)
}

func (m *Map) removeMapPointObsLocked(kpid, kfid int) {
	if kf, ok := m.keyframes[kfid]; ok {
		kf.removeKeypoint(kpid)
		delete(kf.localMapIDs, kpid)
	}
	mp, ok := m.mappoints[kpid]
	if !ok {
		return
	}
	mp.removeObserver(kfid)
	if len(mp.Observers) == 0 {
		delete(m.mappoints, kpid)
	}
}

// SetStereoKeypoint records the right-image pairing of a keyframe keypoint.
func (m *Map) SetStereoKeypoint(kfid, kpid int, right r2.Point) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kf, ok := m.keyframes[kfid]
	if !ok {
		return
	}
	kf.setStereo(kpid, right)
}

// RemoveStereoKeypoint clears the stereo pairing of a keyframe keypoint
// without removing the 2D observation.
func (m *Map) RemoveStereoKeypoint(kfid, kpid int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kf, ok := m.keyframes[kfid]
	if !ok {
		return
	}
	kf.clearStereo(kpid)
}

// MergeMapPoints folds map point prevID into newID: observers are unioned,
// every observation of prevID is re-keyed to newID, and prevID is deleted.
// Merging a point into itself is a no-op.
func (m *Map) MergeMapPoints(prevID, newID int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mergeMapPointsLocked(prevID, newID)
}

// ApplyMerges applies a merge plan under the optimization lock, so the
// estimator never observes a half-merged structure.
func (m *Map) ApplyMerges(pairs [][2]int) {
	m.optMu.Lock()
	defer m.optMu.Unlock()
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, pair := range pairs {
		m.mergeMapPointsLocked(pair[0], pair[1])
	}
}

func (m *Map) mergeMapPointsLocked(prevID, newID int) {
	if prevID == newID {
		return
	}
	prev, ok := m.mappoints[prevID]
	if !ok {
		return
	}
	next, ok := m.mappoints[newID]
	if !ok {
		return
	}
	if prev.Is3D && !next.Is3D {
		next.Position = prev.Position
		next.Is3D = true
	}
	for _, kfid := range prev.Observers {
		kf, ok := m.keyframes[kfid]
		if !ok {
			continue
		}
		m.rekeyObservation(kf, prevID, newID, next.Is3D)
		next.addObserver(kfid)
		delete(kf.localMapIDs, prevID)
	}
	m.rekeyObservation(m.current, prevID, newID, next.Is3D)
	if next.Descriptor == nil {
		next.Descriptor = prev.Descriptor
	}
	if next.Is3D {
		for _, kfid := range next.Observers {
			if kf, ok := m.keyframes[kfid]; ok {
				kf.turnKeypoint3D(newID)
			}
		}
		m.current.turnKeypoint3D(newID)
	}
	delete(m.mappoints, prevID)
}

// rekeyObservation moves a frame's observation from prevID to newID. When
// the frame already observes newID the duplicate is simply dropped.
func (m *Map) rekeyObservation(f *Frame, prevID, newID int, is3D bool) {
	kp, ok := f.keypoints[prevID]
	if !ok {
		return
	}
	f.removeKeypoint(prevID)
	if _, dup := f.keypoints[newID]; dup {
		return
	}
	kp.ID = newID
	kp.Is3D = is3D
	f.addKeypoint(kp)
}

// UpdateFrameCovisibility recomputes a keyframe's covisibility map and local
// map from the map state at call time, and mirrors the counts into the
// covisible keyframes so the graph stays symmetric.
func (m *Map) UpdateFrameCovisibility(kfid int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kf, ok := m.keyframes[kfid]
	if !ok {
		return
	}
	counts := map[int]int{}
	dangling := []int{}
	for id := range kf.keypoints {
		mp, ok := m.mappoints[id]
		if !ok {
			dangling = append(dangling, id)
			continue
		}
		for _, other := range mp.Observers {
			if other != kfid {
				counts[other]++
			}
		}
	}
	for _, id := range dangling {
		kf.removeKeypoint(id)
	}
	kf.covisibility = counts
	localMap := map[int]struct{}{}
	for other, n := range counts {
		otherKf, ok := m.keyframes[other]
		if !ok {
			continue
		}
		otherKf.covisibility[kfid] = n
		for id := range otherKf.keypoints {
			if _, own := kf.keypoints[id]; !own {
				localMap[id] = struct{}{}
			}
		}
	}
	kf.localMapIDs = localMap
}

// Covisibility returns a copy of a keyframe's covisibility map.
func (m *Map) Covisibility(kfid int) map[int]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	kf, ok := m.keyframes[kfid]
	if !ok {
		return nil
	}
	out := make(map[int]int, len(kf.covisibility))
	for id, n := range kf.covisibility {
		out[id] = n
	}
	return out
}

// LocalMapIDs returns the map-point ids reachable through a keyframe's
// covisibility graph.
func (m *Map) LocalMapIDs(kfid int) []int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	kf, ok := m.keyframes[kfid]
	if !ok {
		return nil
	}
	out := make([]int, 0, len(kf.localMapIDs))
	for id := range kf.localMapIDs {
		out = append(out, id)
	}
	return out
}

// MergeLocalMap unions another keyframe's local map into kfid's local map,
// used to widen the candidate set during local-map matching.
func (m *Map) MergeLocalMap(kfid, otherKfid int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kf, ok := m.keyframes[kfid]
	if !ok {
		return
	}
	other, ok := m.keyframes[otherKfid]
	if !ok {
		return
	}
	for id := range other.localMapIDs {
		if _, own := kf.keypoints[id]; !own {
			kf.localMapIDs[id] = struct{}{}
		}
	}
}

package slammap

import (
	"sort"

	"github.com/golang/geo/r3"

	"github.com/viamrobotics/visual-slam/features"
)

// MapPoint is a landmark observed by one or more keyframes. It starts life as
// a 2D bearing-only candidate and is promoted to 3D by the mapper after a
// successful triangulation.
type MapPoint struct {
	// ID is the id of the keypoint that first observed this point.
	ID int
	// Position is the world position; valid only when Is3D is set.
	Position r3.Vector
	Is3D     bool
	// Observers is kept sorted ascending by keyframe id, so the first entry
	// is always the oldest surviving observer. Exposed copies only.
	Observers []int
	// Descriptor is the binary descriptor of the first observation; may be nil.
	Descriptor features.Descriptor
}

func (mp *MapPoint) clone() MapPoint {
	c := *mp
	c.Observers = append([]int(nil), mp.Observers...)
	c.Descriptor = append(features.Descriptor(nil), mp.Descriptor...)
	return c
}

// addObserver inserts kfid into the sorted observer list if absent.
func (mp *MapPoint) addObserver(kfid int) {
	i := sort.SearchInts(mp.Observers, kfid)
	if i < len(mp.Observers) && mp.Observers[i] == kfid {
		return
	}
	mp.Observers = append(mp.Observers, 0)
	copy(mp.Observers[i+1:], mp.Observers[i:])
	mp.Observers[i] = kfid
}

// removeObserver deletes kfid from the observer list, reporting whether it
// was present.
func (mp *MapPoint) removeObserver(kfid int) bool {
	i := sort.SearchInts(mp.Observers, kfid)
	if i >= len(mp.Observers) || mp.Observers[i] != kfid {
		return false
	}
	mp.Observers = append(mp.Observers[:i], mp.Observers[i+1:]...)
	return true
}

// observes reports whether kfid is in the observer list.
func (mp *MapPoint) observes(kfid int) bool {
	i := sort.SearchInts(mp.Observers, kfid)
	return i < len(mp.Observers) && mp.Observers[i] == kfid
}

// FirstObserver returns the oldest surviving observer keyframe id.
func (mp *MapPoint) FirstObserver() (int, bool) {
	if len(mp.Observers) == 0 {
		return 0, false
	}
	return mp.Observers[0], true
}

// Package motion predicts the next camera pose by constant-velocity
// extrapolation of the motion observed between the two most recent frames.
package motion

import (
	"sync"

	"github.com/viamrobotics/visual-slam/spatialmath"
)

// Model extrapolates translation and rotation at a constant velocity. It is
// stateless between calls except for the last observed (timestamp, pose)
// pair and the last inter-frame delta.
type Model struct {
	mu       sync.Mutex
	hasPrev  bool
	hasDelta bool
	prevTime float64
	prevWC   spatialmath.SE3
	delta    spatialmath.SE3
	deltaDt  float64
}

// NewModel returns a reset motion model.
func NewModel() *Model {
	return &Model{}
}

// Predict extrapolates the world-from-camera pose at time t from the last
// observed pose. On the first call after construction or a reset the delta is
// the identity, so the prediction equals the previous pose.
func (m *Model) Predict(prevWC spatialmath.SE3, t float64) spatialmath.SE3 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.hasDelta || m.deltaDt <= 0 {
		return prevWC
	}
	s := (t - m.prevTime) / m.deltaDt
	return prevWC.Compose(m.delta.Scale(s))
}

// Update records the estimated pose of the frame at time t and refreshes the
// inter-frame delta.
func (m *Model) Update(wc spatialmath.SE3, t float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.hasPrev {
		dt := t - m.prevTime
		if dt > 0 {
			m.delta = m.prevWC.Inverse().Compose(wc)
			m.deltaDt = dt
			m.hasDelta = true
		}
	}
	m.prevWC = wc
	m.prevTime = t
	m.hasPrev = true
}

// Reset forgets all observed motion.
func (m *Model) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hasPrev = false
	m.hasDelta = false
	m.delta = spatialmath.NewZeroSE3()
	m.deltaDt = 0
}

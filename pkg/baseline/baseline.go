// Package baseline tracks the per-camera reference count and the timing
// state that decides when comparisons against it become live.
//
// Nothing in this package is safe for concurrent use. Every Camera and Table
// is owned by the detection loop and mutated only under its mutex.
package baseline

import (
	"time"
)

// Unset is the sentinel for counts that carry no value.
const Unset = -1

// DefaultStablePeriod is the settle time between baseline capture and the
// first live comparison.
const DefaultStablePeriod = 2 * time.Second

// Phase is the derived lifecycle state of a camera.
type Phase int

const (
	PhaseUnset Phase = iota
	PhasePending
	PhaseStabilizing
	PhaseActive
)

func (p Phase) String() string {
	switch p {
	case PhaseUnset:
		return "unset"
	case PhasePending:
		return "pending"
	case PhaseStabilizing:
		return "stabilizing"
	case PhaseActive:
		return "active"
	default:
		return "unknown"
	}
}

// MarshalText renders the phase by name in JSON.
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// Camera is the baseline state of one camera.
type Camera struct {
	ID int `json:"camera_id"`

	BaselineCount         int           `json:"baseline_count"`
	CurrentCount          int           `json:"current_count"`
	LastReportedCount     int           `json:"last_reported_count"`
	BaselineEstablished   bool          `json:"baseline_established"`
	BaselineEstablishedAt time.Time     `json:"baseline_established_at"`
	StablePeriod          time.Duration `json:"stable_period"`
	StableLogged          bool          `json:"-"`

	BaselineArea float64 `json:"baseline_area"`
	CurrentArea  float64 `json:"current_area"`

	Pending      bool      `json:"pending"`
	PendingSince time.Time `json:"pending_since"`

	// Last raw observation, kept in every phase for status reporting.
	LastObservedCount int       `json:"last_observed_count"`
	LastObservedAt    time.Time `json:"last_observed_at"`
}

// NewCamera returns an unset camera.
func NewCamera(id int, stablePeriod time.Duration) *Camera {
	c := &Camera{
		ID:                id,
		StablePeriod:      stablePeriod,
		LastObservedCount: Unset,
	}
	c.Reset()
	return c
}

// Phase derives the lifecycle state at now.
func (c *Camera) Phase(now time.Time) Phase {
	switch {
	case c.Pending:
		return PhasePending
	case !c.BaselineEstablished:
		return PhaseUnset
	case now.Sub(c.BaselineEstablishedAt) < c.StablePeriod:
		return PhaseStabilizing
	default:
		return PhaseActive
	}
}

// Reset discards every count and returns the camera to unset.
func (c *Camera) Reset() {
	c.BaselineCount = Unset
	c.CurrentCount = Unset
	c.LastReportedCount = Unset
	c.BaselineEstablished = false
	c.BaselineEstablishedAt = time.Time{}
	c.StableLogged = false
	c.BaselineArea = 0
	c.CurrentArea = 0
	c.Pending = false
	c.PendingSince = time.Time{}
}

// Arm resets the camera and waits for the next frame captured at or after now
// to become the baseline.
func (c *Camera) Arm(now time.Time) {
	c.Reset()
	c.Pending = true
	c.PendingSince = now
}

// Transition describes what one observation did to a camera.
type Transition struct {
	CameraID int
	From     Phase
	To       Phase
	Seeded   bool // last reported count seeded on entry to active
}

// Changed reports whether the phase moved.
func (t Transition) Changed() bool {
	return t.From != t.To
}

// Observe feeds one detection result into the camera.
func (c *Camera) Observe(now, capturedAt time.Time, count int, area float64) Transition {
	from := c.Phase(now)
	tr := Transition{CameraID: c.ID, From: from, To: from}

	c.LastObservedCount = count
	c.LastObservedAt = capturedAt

	switch from {
	case PhaseUnset:
		// Observed only.

	case PhasePending:
		if capturedAt.Before(c.PendingSince) {
			// Frame predates the request; the scene may not have settled yet.
			return tr
		}
		c.Pending = false
		c.PendingSince = time.Time{}
		c.BaselineCount = count
		c.BaselineArea = area
		c.BaselineEstablished = true
		c.BaselineEstablishedAt = now
		c.CurrentCount = count
		c.CurrentArea = area
		tr.To = c.Phase(now)

	case PhaseStabilizing, PhaseActive:
		c.CurrentCount = count
		c.CurrentArea = area
		if from == PhaseActive && c.LastReportedCount == Unset {
			c.LastReportedCount = count
			c.StableLogged = true
			tr.Seeded = true
		}
	}

	return tr
}

// MarkReported records that count has been handled, whether or not its
// publish succeeded.
func (c *Camera) MarkReported(count int) {
	c.LastReportedCount = count
}

// Status is a point-in-time copy of a camera together with its phase.
type Status struct {
	Camera
	Phase Phase `json:"phase"`
}

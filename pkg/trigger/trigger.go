// Package trigger decides when a count change fires an outbound event and
// hands fired events to the publisher without blocking the detection loop.
package trigger

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/teslashibe/go-lightwatch/pkg/baseline"
)

// Decision is the outcome of evaluating one camera against a new count.
type Decision struct {
	Fire     bool
	CameraID int
	From     int // last reported count
	To       int // newly observed count
	Baseline int
}

// Decide fires only for an active camera whose seeded last reported count
// differs from count. Area is never a firing condition.
func Decide(cam *baseline.Camera, count int, now time.Time) Decision {
	d := Decision{
		CameraID: cam.ID,
		From:     cam.LastReportedCount,
		To:       count,
		Baseline: cam.BaselineCount,
	}
	if cam.Phase(now) != baseline.PhaseActive {
		return d
	}
	if cam.LastReportedCount == baseline.Unset || count < 0 {
		return d
	}
	d.Fire = count != cam.LastReportedCount
	return d
}

// Event is one fired trigger.
type Event struct {
	ID       uuid.UUID `json:"id"`
	CameraID int       `json:"camera_id"`
	From     int       `json:"from_count"`
	To       int       `json:"to_count"`
	Baseline int       `json:"baseline_count"`
	At       time.Time `json:"at"`
}

// NewEvent creates an event for a firing decision.
func NewEvent(d Decision, at time.Time) Event {
	return Event{
		ID:       uuid.New(),
		CameraID: d.CameraID,
		From:     d.From,
		To:       d.To,
		Baseline: d.Baseline,
		At:       at,
	}
}

// Transition renders the count change, e.g. "10→7".
func (e Event) Transition() string {
	return fmt.Sprintf("%d→%d", e.From, e.To)
}

func (e Event) String() string {
	return fmt.Sprintf("camera %d %s (baseline %d)", e.CameraID, e.Transition(), e.Baseline)
}

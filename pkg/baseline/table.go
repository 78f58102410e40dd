package baseline

import (
	"sort"
	"time"
)

// Table holds one Camera per configured camera id for the process lifetime.
type Table struct {
	cameras map[int]*Camera
	ids     []int
}

// NewTable creates unset cameras for ids. Duplicate ids are collapsed.
func NewTable(ids []int, stablePeriod time.Duration) *Table {
	t := &Table{cameras: make(map[int]*Camera, len(ids))}
	for _, id := range ids {
		if _, ok := t.cameras[id]; ok {
			continue
		}
		t.cameras[id] = NewCamera(id, stablePeriod)
		t.ids = append(t.ids, id)
	}
	sort.Ints(t.ids)
	return t
}

// IDs returns the camera ids in ascending order.
func (t *Table) IDs() []int {
	out := make([]int, len(t.ids))
	copy(out, t.ids)
	return out
}

// Get returns the camera for id.
func (t *Table) Get(id int) (*Camera, bool) {
	c, ok := t.cameras[id]
	return c, ok
}

// ResetAll returns every camera to unset.
func (t *Table) ResetAll() {
	for _, id := range t.ids {
		t.cameras[id].Reset()
	}
}

// ArmAll moves every camera to pending.
func (t *Table) ArmAll(now time.Time) {
	for _, id := range t.ids {
		t.cameras[id].Arm(now)
	}
}

// Snapshot copies every camera in id order.
func (t *Table) Snapshot(now time.Time) []Status {
	out := make([]Status, 0, len(t.ids))
	for _, id := range t.ids {
		c := t.cameras[id]
		out = append(out, Status{Camera: *c, Phase: c.Phase(now)})
	}
	return out
}

// Counts returns the number of cameras in each phase.
func (t *Table) Counts(now time.Time) map[Phase]int {
	out := make(map[Phase]int, 4)
	for _, id := range t.ids {
		out[t.cameras[id].Phase(now)]++
	}
	return out
}

package web

import (
	"time"

	"go.uber.org/zap"

	"github.com/teslashibe/go-lightwatch/pkg/baseline"
	"github.com/teslashibe/go-lightwatch/pkg/signal"
	"github.com/teslashibe/go-lightwatch/pkg/trigger"
)

// Event types on the stream.
const (
	EventSignal     = "signal"
	EventTransition = "transition"
	EventTrigger    = "trigger"
)

// Event is one entry of the live stream.
type Event struct {
	Time time.Time `json:"time"`
	Type string    `json:"type"`
	Data any       `json:"data"`
}

// TransitionView is the wire form of a baseline transition.
type TransitionView struct {
	CameraID int            `json:"camera_id"`
	From     baseline.Phase `json:"from"`
	To       baseline.Phase `json:"to"`
	Seeded   bool           `json:"seeded,omitempty"`
}

// SignalApplied implements monitor.Notifier.
func (s *Server) SignalApplied(sig signal.Signal) {
	at := sig.ReceivedAt
	if at.IsZero() {
		at = time.Now()
	}
	s.publish(Event{Time: at, Type: EventSignal, Data: sig})
}

// Transition implements monitor.Notifier.
func (s *Server) Transition(tr baseline.Transition, at time.Time) {
	s.publish(Event{Time: at, Type: EventTransition, Data: TransitionView{
		CameraID: tr.CameraID,
		From:     tr.From,
		To:       tr.To,
		Seeded:   tr.Seeded,
	}})
}

// TriggerFired implements monitor.Notifier.
func (s *Server) TriggerFired(ev trigger.Event) {
	s.publish(Event{Time: ev.At, Type: EventTrigger, Data: ev})
}

func (s *Server) publish(ev Event) {
	s.eventsMu.Lock()
	s.events = append(s.events, ev)
	if len(s.events) > s.cfg.RecentEvents {
		s.events = s.events[len(s.events)-s.cfg.RecentEvents:]
	}
	s.eventsMu.Unlock()

	if err := s.eventHub.BroadcastJSON(ev); err != nil {
		s.logger.Warn("event not broadcast", zap.String("type", ev.Type), zap.Error(err))
	}
}

// RecentEvents returns a copy of the buffered events, oldest first.
func (s *Server) RecentEvents() []Event {
	s.eventsMu.RLock()
	defer s.eventsMu.RUnlock()
	return append([]Event(nil), s.events...)
}

// Package signal parses inbound state messages and classifies them into the
// actions the detection loop understands.
package signal

import (
	"bytes"
	"encoding/json"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
)

// DefaultSentinel is the count of ones that invalidates every baseline.
const DefaultSentinel = 144

// ErrMalformedPayload is returned for payloads that carry neither a state
// array nor an explicit count.
var ErrMalformedPayload = errors.New("malformed state payload")

// Message is a parsed inbound payload.
type Message struct {
	CountOfOnes int
	// IsUpdate is set only when the payload states it explicitly.
	IsUpdate *bool
	// State is the canonical JSON encoding of the state array, if present.
	State []byte
	Size  int
}

type wireMessage struct {
	State       []json.RawMessage `json:"state"`
	CountOfOnes *int              `json:"count_of_ones"`
	IsUpdate    *bool             `json:"is_update"`
}

// Parse decodes a payload of the form {"state":[...]} or
// {"count_of_ones":n,"is_update":b}. With a state array, the count is the
// number of elements equal to 1 and an explicit count_of_ones is ignored.
// Only numeric ones count: an element encoded as JSON true is not a 1.
func Parse(payload []byte) (Message, error) {
	var w wireMessage
	if err := json.Unmarshal(payload, &w); err != nil {
		return Message{}, errors.Mark(errors.Wrap(err, "decode state payload"), ErrMalformedPayload)
	}

	msg := Message{IsUpdate: w.IsUpdate}
	switch {
	case w.State != nil:
		var canon bytes.Buffer
		canon.WriteByte('[')
		for i, raw := range w.State {
			var v any
			if err := json.Unmarshal(raw, &v); err != nil {
				return Message{}, errors.Mark(errors.Wrapf(err, "state[%d]", i), ErrMalformedPayload)
			}
			if n, ok := v.(float64); ok && n == 1 {
				msg.CountOfOnes++
			}
			if i > 0 {
				canon.WriteByte(',')
			}
			enc, _ := json.Marshal(v)
			canon.Write(enc)
		}
		canon.WriteByte(']')
		msg.State = canon.Bytes()
		msg.Size = len(w.State)
	case w.CountOfOnes != nil:
		if *w.CountOfOnes < 0 {
			return Message{}, errors.Wrapf(ErrMalformedPayload, "negative count_of_ones %d", *w.CountOfOnes)
		}
		msg.CountOfOnes = *w.CountOfOnes
	default:
		return Message{}, errors.Wrap(ErrMalformedPayload, "missing state array")
	}
	return msg, nil
}

// UpdateTracker decides whether a message carries new content by comparing
// its state array with the previous one. Safe for concurrent use.
type UpdateTracker struct {
	mu   sync.Mutex
	last []byte
	seen bool
}

// IsUpdate reports whether msg differs from the previously tracked message.
// The first message is always an update. An explicit is_update wins, but the
// state array is still remembered for the next comparison.
func (u *UpdateTracker) IsUpdate(msg Message) bool {
	u.mu.Lock()
	defer u.mu.Unlock()

	changed := !u.seen || !bytes.Equal(u.last, msg.State)
	if msg.State != nil || !u.seen {
		u.last = msg.State
		u.seen = true
	}
	if msg.IsUpdate != nil {
		return *msg.IsUpdate
	}
	return changed
}

// Reset forgets the previously tracked message.
func (u *UpdateTracker) Reset() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.last = nil
	u.seen = false
}

// Kind is the action an inbound signal asks for.
type Kind int

const (
	KindSkip Kind = iota
	KindInvalidate
	KindEstablish
)

func (k Kind) String() string {
	switch k {
	case KindSkip:
		return "skip"
	case KindInvalidate:
		return "invalidate"
	case KindEstablish:
		return "establish"
	default:
		return "unknown"
	}
}

// MarshalText renders the kind by name in JSON.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Rules parameterise classification.
type Rules struct {
	Sentinel int `mapstructure:"sentinel" yaml:"sentinel" json:"sentinel"`
}

// DefaultRules returns the production rules.
func DefaultRules() Rules {
	return Rules{Sentinel: DefaultSentinel}
}

// Signal is a classified inbound message.
type Signal struct {
	Kind        Kind      `json:"kind"`
	Reason      string    `json:"reason"`
	CountOfOnes int       `json:"count_of_ones"`
	IsUpdate    bool      `json:"is_update"`
	Topic       string    `json:"topic,omitempty"`
	ReceivedAt  time.Time `json:"received_at"`
}

// Classify applies the rules in order: sentinel, zero, not-an-update, establish.
func Classify(countOfOnes int, isUpdate bool, rules Rules) (Kind, string) {
	switch {
	case countOfOnes == rules.Sentinel:
		return KindInvalidate, "sentinel count"
	case countOfOnes == 0:
		return KindSkip, "zero count"
	case !isUpdate:
		return KindSkip, "content unchanged"
	default:
		return KindEstablish, "new update"
	}
}

// Classifier turns raw payloads into signals, tracking update state across calls.
type Classifier struct {
	rules   Rules
	tracker UpdateTracker
}

// NewClassifier creates a classifier with rules.
func NewClassifier(rules Rules) *Classifier {
	return &Classifier{rules: rules}
}

// Classify parses payload and classifies it.
func (c *Classifier) Classify(topic string, payload []byte, receivedAt time.Time) (Signal, error) {
	msg, err := Parse(payload)
	if err != nil {
		return Signal{}, err
	}
	isUpdate := c.tracker.IsUpdate(msg)
	kind, reason := Classify(msg.CountOfOnes, isUpdate, c.rules)
	return Signal{
		Kind:        kind,
		Reason:      reason,
		CountOfOnes: msg.CountOfOnes,
		IsUpdate:    isUpdate,
		Topic:       topic,
		ReceivedAt:  receivedAt,
	}, nil
}

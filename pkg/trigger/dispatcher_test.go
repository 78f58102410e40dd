package trigger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teslashibe/go-lightwatch/pkg/telemetry"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []Event
	err    error
	block  chan struct{}
}

func (p *recordingPublisher) PublishTrigger(ctx context.Context, ev Event) error {
	if p.block != nil {
		select {
		case <-p.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return p.err
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

func TestDispatcher_DeliversInOrder(t *testing.T) {
	pub := &recordingPublisher{}
	d := NewDispatcher(pub, 8, telemetry.Nop())

	for i := 0; i < 5; i++ {
		require.True(t, d.Dispatch(Event{CameraID: i}))
	}
	d.Close(time.Second)

	require.Equal(t, 5, pub.count())
	for i, ev := range pub.events {
		assert.Equal(t, i, ev.CameraID)
	}
}

func TestDispatcher_DropsWhenFull(t *testing.T) {
	pub := &recordingPublisher{block: make(chan struct{})}
	tel := telemetry.Nop()
	d := NewDispatcher(pub, 1, tel)

	// One event may be held by the worker, one by the queue.
	accepted := 0
	for i := 0; i < 5; i++ {
		if d.Dispatch(Event{CameraID: i}) {
			accepted++
		}
	}
	assert.LessOrEqual(t, accepted, 2)
	assert.EqualValues(t, 5-accepted, tel.Counters.TriggersDropped.Load())

	close(pub.block)
	d.Close(time.Second)
	assert.Equal(t, accepted, pub.count())
}

func TestDispatcher_PublishErrorsDoNotStopDelivery(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("broker down")}
	d := NewDispatcher(pub, 4, telemetry.Nop())

	d.Dispatch(Event{CameraID: 1})
	d.Dispatch(Event{CameraID: 2})
	d.Close(time.Second)

	assert.Equal(t, 2, pub.count())
}

func TestDispatcher_CloseIsBounded(t *testing.T) {
	pub := &recordingPublisher{block: make(chan struct{})}
	d := NewDispatcher(pub, 4, telemetry.Nop())
	d.Dispatch(Event{CameraID: 1})

	start := time.Now()
	d.Close(50 * time.Millisecond)
	assert.Less(t, time.Since(start), time.Second)

	assert.False(t, d.Dispatch(Event{CameraID: 2}))
	d.Close(time.Second)
}

func TestPublisherFunc(t *testing.T) {
	var got Event
	pub := PublisherFunc(func(_ context.Context, ev Event) error {
		got = ev
		return nil
	})
	require.NoError(t, pub.PublishTrigger(context.Background(), Event{CameraID: 9}))
	assert.Equal(t, 9, got.CameraID)
}

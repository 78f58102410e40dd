package gateway

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teslashibe/go-lightwatch/pkg/telemetry"
	"github.com/teslashibe/go-lightwatch/pkg/trigger"
)

// fakeToken completes immediately with err, or never when hang is set.
type fakeToken struct {
	err  error
	hang bool
	done chan struct{}
}

func newToken(err error, hang bool) *fakeToken {
	t := &fakeToken{err: err, hang: hang, done: make(chan struct{})}
	if !hang {
		close(t.done)
	}
	return t
}

func (t *fakeToken) Wait() bool { <-t.done; return true }
func (t *fakeToken) WaitTimeout(d time.Duration) bool {
	select {
	case <-t.done:
		return true
	case <-time.After(d):
		return false
	}
}
func (t *fakeToken) Done() <-chan struct{} { return t.done }
func (t *fakeToken) Error() error          { return t.err }

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 1 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 1 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

type published struct {
	topic   string
	qos     byte
	payload []byte
}

// fakeClient records publishes and plays back scripted results.
type fakeClient struct {
	opts *mqtt.ClientOptions

	mu          sync.Mutex
	connected   bool
	connectErrs []error
	publishErrs []error
	publishHang bool
	published   []published
	subscribed  map[string]mqtt.MessageHandler
	disconnects int
}

func (f *fakeClient) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}
func (f *fakeClient) IsConnectionOpen() bool { return f.IsConnected() }

func (f *fakeClient) Connect() mqtt.Token {
	f.mu.Lock()
	var err error
	if len(f.connectErrs) > 0 {
		err, f.connectErrs = f.connectErrs[0], f.connectErrs[1:]
	}
	f.connected = err == nil
	f.mu.Unlock()

	if err == nil && f.opts.OnConnect != nil {
		f.opts.OnConnect(f)
	}
	return newToken(err, false)
}

func (f *fakeClient) Disconnect(uint) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	f.disconnects++
}

func (f *fakeClient) Publish(topic string, qos byte, _ bool, payload interface{}) mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, published{topic: topic, qos: qos, payload: payload.([]byte)})
	if f.publishHang {
		return newToken(nil, true)
	}
	var err error
	if len(f.publishErrs) > 0 {
		err, f.publishErrs = f.publishErrs[0], f.publishErrs[1:]
	}
	return newToken(err, false)
}

func (f *fakeClient) Subscribe(topic string, _ byte, cb mqtt.MessageHandler) mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subscribed == nil {
		f.subscribed = make(map[string]mqtt.MessageHandler)
	}
	f.subscribed[topic] = cb
	return newToken(nil, false)
}

func (f *fakeClient) SubscribeMultiple(map[string]byte, mqtt.MessageHandler) mqtt.Token {
	return newToken(nil, false)
}
func (f *fakeClient) Unsubscribe(...string) mqtt.Token        { return newToken(nil, false) }
func (f *fakeClient) AddRoute(string, mqtt.MessageHandler)    {}
func (f *fakeClient) OptionsReader() mqtt.ClientOptionsReader { return mqtt.ClientOptionsReader{} }

func (f *fakeClient) deliver(topic string, payload []byte) {
	f.mu.Lock()
	cb := f.subscribed[topic]
	f.mu.Unlock()
	cb(f, fakeMessage{topic: topic, payload: payload})
}

func (f *fakeClient) publishCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.PublishTimeout = 20 * time.Millisecond
	cfg.RetryDelay = time.Millisecond
	cfg.ReconnectInterval = time.Millisecond
	cfg.ConnectTimeout = 100 * time.Millisecond
	return cfg
}

func newTestClient(t *testing.T, cfg Config, fc *fakeClient) (*Client, *telemetry.Telemetry) {
	t.Helper()
	tel := telemetry.Nop()
	c, err := New(cfg, tel, WithClientFactory(func(opts *mqtt.ClientOptions) mqtt.Client {
		fc.opts = opts
		return fc
	}))
	require.NoError(t, err)
	return c, tel
}

func testEvent() trigger.Event {
	return trigger.NewEvent(trigger.Decision{Fire: true, CameraID: 2, From: 10, To: 7, Baseline: 10}, time.Now())
}

func TestClient_ConnectSubscribesAndDelivers(t *testing.T) {
	fc := &fakeClient{}
	c, _ := newTestClient(t, testConfig(), fc)

	var mu sync.Mutex
	var got []string
	c.OnSignal(func(topic string, payload []byte) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, topic+":"+string(payload))
	})

	require.NoError(t, c.Connect(context.Background()))
	assert.True(t, c.IsConnected())

	fc.deliver("changeState", []byte(`{"state":[1]}`))

	mu.Lock()
	assert.Equal(t, []string{`changeState:{"state":[1]}`}, got)
	mu.Unlock()
	assert.EqualValues(t, 1, c.Stats().MessagesReceived)

	// Options carry the configured identity.
	assert.Equal(t, "lightwatch", fc.opts.ClientID)
	require.Len(t, fc.opts.Servers, 1)
	assert.Equal(t, "localhost:1883", fc.opts.Servers[0].Host)
}

func TestClient_ConnectWithRetry(t *testing.T) {
	fc := &fakeClient{connectErrs: []error{errors.New("refused"), errors.New("refused")}}
	c, _ := newTestClient(t, testConfig(), fc)

	require.NoError(t, c.ConnectWithRetry(context.Background()))
	assert.True(t, c.IsConnected())
}

func TestClient_ConnectWithRetryGivesUp(t *testing.T) {
	cfg := testConfig()
	cfg.MaxReconnectAttempts = 2
	fc := &fakeClient{connectErrs: []error{errors.New("a"), errors.New("b"), errors.New("c")}}
	c, _ := newTestClient(t, cfg, fc)

	err := c.ConnectWithRetry(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max reconnect attempts (2)")
}

func TestClient_PublishTriggerSendsEmptyPayload(t *testing.T) {
	fc := &fakeClient{}
	c, tel := newTestClient(t, testConfig(), fc)
	require.NoError(t, c.Connect(context.Background()))

	require.NoError(t, c.PublishTrigger(context.Background(), testEvent()))

	require.Equal(t, 1, fc.publishCount())
	assert.Equal(t, "receiver", fc.published[0].topic)
	assert.EqualValues(t, 1, fc.published[0].qos)
	assert.Empty(t, fc.published[0].payload)
	assert.EqualValues(t, 1, tel.Counters.PublishAttempts.Load())
	assert.EqualValues(t, 1, c.Stats().MessagesSent)
}

func TestClient_PublishTriggerRetries(t *testing.T) {
	fc := &fakeClient{publishErrs: []error{errors.New("nack"), errors.New("nack")}}
	c, tel := newTestClient(t, testConfig(), fc)
	require.NoError(t, c.Connect(context.Background()))

	require.NoError(t, c.PublishTrigger(context.Background(), testEvent()))
	assert.Equal(t, 3, fc.publishCount())
	assert.EqualValues(t, 3, tel.Counters.PublishAttempts.Load())
	assert.Zero(t, tel.Counters.PublishFailures.Load())
}

func TestClient_PublishTriggerGivesUpAfterCeiling(t *testing.T) {
	fc := &fakeClient{publishHang: true}
	c, tel := newTestClient(t, testConfig(), fc)
	require.NoError(t, c.Connect(context.Background()))

	start := time.Now()
	err := c.PublishTrigger(context.Background(), testEvent())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPublishTimeout))
	assert.Less(t, time.Since(start), time.Second)

	assert.Equal(t, 3, fc.publishCount())
	assert.EqualValues(t, 1, tel.Counters.PublishFailures.Load())
	assert.EqualValues(t, 1, c.Stats().PublishFailures)
}

func TestClient_PublishWithoutConnection(t *testing.T) {
	fc := &fakeClient{}
	c, _ := newTestClient(t, testConfig(), fc)

	err := c.Publish("receiver", nil)
	assert.ErrorIs(t, err, ErrNotConnected)

	err = c.PublishTrigger(context.Background(), testEvent())
	assert.True(t, errors.Is(err, ErrNotConnected))
	assert.Zero(t, fc.publishCount())
}

func TestClient_PublishTriggerHonoursContext(t *testing.T) {
	cfg := testConfig()
	cfg.RetryDelay = time.Hour
	fc := &fakeClient{publishErrs: []error{errors.New("nack")}}
	c, _ := newTestClient(t, cfg, fc)
	require.NoError(t, c.Connect(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := c.PublishTrigger(ctx, testEvent())
	require.Error(t, err)
	assert.Equal(t, 1, fc.publishCount())
}

func TestClient_Close(t *testing.T) {
	fc := &fakeClient{}
	c, _ := newTestClient(t, testConfig(), fc)
	require.NoError(t, c.Connect(context.Background()))

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.Equal(t, 1, fc.disconnects)
	assert.False(t, c.IsConnected())
	assert.ErrorIs(t, c.Connect(context.Background()), ErrClosed)
}

func TestConfig_Validate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing broker", func(c *Config) { c.Broker = "" }},
		{"broker without scheme", func(c *Config) { c.Broker = "localhost:1883" }},
		{"missing subscribe topic", func(c *Config) { c.SubscribeTopic = "" }},
		{"missing publish topic", func(c *Config) { c.PublishTopic = "" }},
		{"bad qos", func(c *Config) { c.QoS = 3 }},
		{"no attempts", func(c *Config) { c.RetryAttempts = 0 }},
		{"zero publish timeout", func(c *Config) { c.PublishTimeout = 0 }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	_, err := New(Config{}, telemetry.Nop())
	assert.Error(t, err)
}

package gateway

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/teslashibe/go-lightwatch/internal/log"
	"github.com/teslashibe/go-lightwatch/pkg/telemetry"
	"github.com/teslashibe/go-lightwatch/pkg/trigger"
)

var (
	// ErrNotConnected is returned when publishing without a broker connection.
	ErrNotConnected = errors.New("mqtt not connected")

	// ErrPublishTimeout is returned when the broker does not acknowledge in time.
	ErrPublishTimeout = errors.New("mqtt publish not acknowledged in time")

	// ErrClosed is returned by Connect after Close.
	ErrClosed = errors.New("mqtt client closed")
)

// MessageHandler receives inbound messages. It runs on the MQTT client's
// goroutine and must not block.
type MessageHandler func(topic string, payload []byte)

// ClientFactory builds the underlying MQTT client.
type ClientFactory func(opts *mqtt.ClientOptions) mqtt.Client

// Option configures a Client.
type Option func(*Client)

// WithClientFactory replaces mqtt.NewClient, mainly for tests.
func WithClientFactory(f ClientFactory) Option {
	return func(c *Client) { c.newClient = f }
}

// Client provides a high-level interface to the broker.
type Client struct {
	cfg       Config
	newClient ClientFactory

	mu      sync.RWMutex
	client  mqtt.Client
	handler MessageHandler
	closed  bool

	connected atomic.Bool

	// Stats
	messagesSent     atomic.Int64
	messagesReceived atomic.Int64
	publishFailures  atomic.Int64
	reconnectCount   atomic.Int64

	logger   *zap.Logger
	counters *telemetry.Counters
}

// New creates a new MQTT client.
// Call Connect() to establish the session.
func New(cfg Config, tel *telemetry.Telemetry, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}
	tel = tel.Named("gateway")

	c := &Client{
		cfg:       cfg,
		newClient: mqtt.NewClient,
		logger:    tel.Logger,
		counters:  tel.Counters,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// OnSignal installs the handler for messages on the subscribe topic. The
// subscription is re-established on every reconnect.
func (c *Client) OnSignal(h MessageHandler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

// Connect establishes the broker session.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.client != nil && c.client.IsConnected() {
		c.mu.Unlock()
		return nil
	}
	if c.client == nil {
		c.client = c.newClient(c.options())
	}
	client := c.client
	c.mu.Unlock()

	c.logger.Info("connecting to mqtt broker",
		zap.String("broker", c.cfg.Broker),
		zap.String("client_id", c.cfg.ClientID),
	)

	if err := waitToken(ctx, client.Connect(), c.cfg.ConnectTimeout); err != nil {
		return errors.Wrapf(err, "connect to %s", c.cfg.Broker)
	}
	c.connected.Store(true)
	return nil
}

func (c *Client) options() *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(c.cfg.Broker)
	opts.SetClientID(c.cfg.ClientID)
	if c.cfg.Username != "" {
		opts.SetUsername(c.cfg.Username)
		opts.SetPassword(c.cfg.Password)
	}
	if c.cfg.Keepalive > 0 {
		opts.SetKeepAlive(c.cfg.Keepalive)
	}
	if c.cfg.ConnectTimeout > 0 {
		opts.SetConnectTimeout(c.cfg.ConnectTimeout)
	}
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetOrderMatters(false)

	opts.OnConnect = c.onConnect
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		c.connected.Store(false)
		c.logger.Warn("mqtt connection lost, will auto-reconnect",
			zap.String("broker", c.cfg.Broker), zap.Error(err))
	}
	opts.OnReconnecting = func(mqtt.Client, *mqtt.ClientOptions) {
		c.reconnectCount.Add(1)
	}
	return opts
}

func (c *Client) onConnect(client mqtt.Client) {
	c.connected.Store(true)
	c.logger.Info("mqtt connection established", zap.String("broker", c.cfg.Broker))

	topic := c.cfg.SubscribeTopic
	token := client.Subscribe(topic, c.cfg.QoS, c.onMessage)
	// Waiting inside the connect callback would stall the client.
	go func() {
		if !token.WaitTimeout(c.cfg.ConnectTimeout) {
			c.logger.Error("mqtt subscribe timed out", zap.String(log.FieldTopic, topic))
			return
		}
		if err := token.Error(); err != nil {
			c.logger.Error("mqtt subscribe failed", zap.String(log.FieldTopic, topic), zap.Error(err))
			return
		}
		c.logger.Info("subscribed to topic", zap.String(log.FieldTopic, topic))
	}()
}

func (c *Client) onMessage(_ mqtt.Client, msg mqtt.Message) {
	c.messagesReceived.Add(1)

	c.mu.RLock()
	h := c.handler
	c.mu.RUnlock()

	if h == nil {
		c.logger.Debug("message dropped, no handler", zap.String(log.FieldTopic, msg.Topic()))
		return
	}
	h(msg.Topic(), msg.Payload())
}

// ConnectWithRetry connects with automatic retry on failure.
func (c *Client) ConnectWithRetry(ctx context.Context) error {
	attempts := 0

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := c.Connect(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrClosed) {
			return err
		}

		attempts++
		if c.cfg.MaxReconnectAttempts > 0 && attempts >= c.cfg.MaxReconnectAttempts {
			return errors.Wrapf(err, "max reconnect attempts (%d) reached", c.cfg.MaxReconnectAttempts)
		}

		c.logger.Warn("mqtt connection failed, retrying",
			zap.Error(err),
			zap.Int(log.FieldAttempt, attempts),
			zap.Duration("retry_in", c.cfg.ReconnectInterval),
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.cfg.ReconnectInterval):
		}
	}
}

// IsConnected returns true if the client is connected.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.closed && c.client != nil && c.connected.Load()
}

// Publish sends payload to topic and waits for the broker to accept it.
func (c *Client) Publish(topic string, payload []byte) error {
	c.mu.RLock()
	client := c.client
	c.mu.RUnlock()

	if client == nil || !c.IsConnected() {
		return ErrNotConnected
	}

	token := client.Publish(topic, c.cfg.QoS, false, payload)
	if !token.WaitTimeout(c.cfg.PublishTimeout) {
		return errors.Wrapf(ErrPublishTimeout, "topic %s after %s", topic, c.cfg.PublishTimeout)
	}
	if err := token.Error(); err != nil {
		return errors.Wrapf(err, "publish to %s", topic)
	}

	c.messagesSent.Add(1)
	return nil
}

// PublishTrigger publishes an empty payload to the trigger topic, retrying up
// to RetryAttempts times with RetryDelay between attempts. After the last
// failure it logs and returns the error; it never retries beyond that.
func (c *Client) PublishTrigger(ctx context.Context, ev trigger.Event) error {
	topic := c.cfg.PublishTopic
	fields := []zap.Field{
		zap.String(log.FieldEventID, ev.ID.String()),
		zap.Int(log.FieldCameraID, ev.CameraID),
		zap.String("transition", ev.Transition()),
		zap.String(log.FieldTopic, topic),
	}

	var err error
	for attempt := 1; attempt <= c.cfg.RetryAttempts; attempt++ {
		c.counters.PublishAttempts.Add(1)
		start := time.Now()

		if err = c.Publish(topic, []byte{}); err == nil {
			c.logger.Info("trigger published", append(fields,
				zap.Int(log.FieldAttempt, attempt),
				zap.Int64(log.FieldDurationMS, time.Since(start).Milliseconds()),
			)...)
			return nil
		}

		c.logger.Warn("trigger publish attempt failed", append(fields,
			zap.Int(log.FieldAttempt, attempt),
			zap.Int("max_attempts", c.cfg.RetryAttempts),
			zap.Error(err),
		)...)

		if attempt < c.cfg.RetryAttempts {
			select {
			case <-ctx.Done():
				err = errors.CombineErrors(err, ctx.Err())
				attempt = c.cfg.RetryAttempts
			case <-time.After(c.cfg.RetryDelay):
			}
		}
	}

	c.publishFailures.Add(1)
	c.counters.PublishFailures.Add(1)
	c.logger.Error("trigger publish failed, giving up", append(fields, zap.Error(err))...)
	return errors.Wrapf(err, "trigger %s not published", ev.ID)
}

// Close disconnects from the broker.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	c.connected.Store(false)

	if c.client != nil && c.client.IsConnected() {
		c.client.Disconnect(250) // 250ms grace period
	}

	c.logger.Info("mqtt client closed")
	return nil
}

// Stats returns client statistics.
func (c *Client) Stats() ClientStats {
	return ClientStats{
		Connected:        c.IsConnected(),
		Broker:           c.cfg.Broker,
		MessagesSent:     c.messagesSent.Load(),
		MessagesReceived: c.messagesReceived.Load(),
		PublishFailures:  c.publishFailures.Load(),
		ReconnectCount:   c.reconnectCount.Load(),
	}
}

// ClientStats contains client statistics.
type ClientStats struct {
	Connected        bool   `json:"connected"`
	Broker           string `json:"broker"`
	MessagesSent     int64  `json:"messages_sent"`
	MessagesReceived int64  `json:"messages_received"`
	PublishFailures  int64  `json:"publish_failures"`
	ReconnectCount   int64  `json:"reconnect_count"`
}

// waitToken waits for token completion, ctx cancellation or timeout,
// whichever comes first.
func waitToken(ctx context.Context, token mqtt.Token, timeout time.Duration) error {
	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}

	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-expired:
		return errors.Newf("timed out after %s", timeout)
	}
}

// Package gateway connects lightwatch to the MQTT broker: it delivers inbound
// state messages to the detection loop and publishes trigger events with
// bounded, acknowledged retries.
package gateway

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// Config holds MQTT client configuration.
type Config struct {
	// Broker is the broker URL.
	// Examples: "tcp://localhost:1883", "ssl://broker.local:8883"
	Broker   string `mapstructure:"broker" yaml:"broker" json:"broker"`
	ClientID string `mapstructure:"client_id" yaml:"client_id" json:"client_id"`
	Username string `mapstructure:"username" yaml:"username" json:"username"`
	Password string `mapstructure:"password" yaml:"password" json:"-"`

	// SubscribeTopic carries inbound state messages.
	SubscribeTopic string `mapstructure:"subscribe_topic" yaml:"subscribe_topic" json:"subscribe_topic"`
	// PublishTopic receives trigger events.
	PublishTopic string `mapstructure:"publish_topic" yaml:"publish_topic" json:"publish_topic"`

	// QoS for both directions. Publishing at 1 or higher makes the broker
	// acknowledge every trigger.
	QoS byte `mapstructure:"qos" yaml:"qos" json:"qos"`

	Keepalive      time.Duration `mapstructure:"keepalive" yaml:"keepalive" json:"keepalive"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout" json:"connect_timeout"`

	// PublishTimeout bounds the wait for a broker acknowledgement.
	PublishTimeout time.Duration `mapstructure:"publish_timeout" yaml:"publish_timeout" json:"publish_timeout"`
	// RetryAttempts is the total number of publish attempts per trigger.
	RetryAttempts int           `mapstructure:"retry_attempts" yaml:"retry_attempts" json:"retry_attempts"`
	RetryDelay    time.Duration `mapstructure:"retry_delay" yaml:"retry_delay" json:"retry_delay"`

	// ReconnectInterval is the pause between initial connection attempts.
	ReconnectInterval time.Duration `mapstructure:"reconnect_interval" yaml:"reconnect_interval" json:"reconnect_interval"`
	// MaxReconnectAttempts caps initial connection attempts. 0 means unlimited.
	MaxReconnectAttempts int `mapstructure:"max_reconnect_attempts" yaml:"max_reconnect_attempts" json:"max_reconnect_attempts"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Broker:               "tcp://localhost:1883",
		ClientID:             "lightwatch",
		SubscribeTopic:       "changeState",
		PublishTopic:         "receiver",
		QoS:                  1,
		Keepalive:            60 * time.Second,
		ConnectTimeout:       5 * time.Second,
		PublishTimeout:       2 * time.Second,
		RetryAttempts:        3,
		RetryDelay:           time.Second,
		ReconnectInterval:    2 * time.Second,
		MaxReconnectAttempts: 0, // Unlimited
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	var errs []string

	if c.Broker == "" {
		errs = append(errs, "broker is required")
	} else if !strings.Contains(c.Broker, "://") {
		errs = append(errs, "broker must be a URL such as tcp://host:1883")
	}
	if c.ClientID == "" {
		errs = append(errs, "client_id is required")
	}
	if c.SubscribeTopic == "" {
		errs = append(errs, "subscribe_topic is required")
	}
	if c.PublishTopic == "" {
		errs = append(errs, "publish_topic is required")
	}
	if c.QoS > 2 {
		errs = append(errs, "qos must be 0, 1 or 2")
	}
	if c.PublishTimeout <= 0 {
		errs = append(errs, "publish_timeout must be > 0")
	}
	if c.RetryAttempts < 1 {
		errs = append(errs, "retry_attempts must be >= 1")
	}
	if c.RetryDelay < 0 {
		errs = append(errs, "retry_delay must be >= 0")
	}

	if len(errs) > 0 {
		return errors.Newf("invalid mqtt config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Package mqtt publishes classwatch phase changes and capture events to an
// MQTT broker.
package mqtt

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/classwatch/classwatch/internal/errors"
	"github.com/classwatch/classwatch/internal/logger"
)

const (
	statusOnline  = "online"
	statusOffline = "offline"
)

// Config holds the configuration for the MQTT client.
type Config struct {
	Broker   string
	ClientID string
	Username string
	Password string
	// Topic is the prefix for every published topic.
	Topic             string
	QoS               byte
	Retain            bool
	ConnectTimeout    time.Duration
	PublishTimeout    time.Duration
	DisconnectTimeout time.Duration
}

// DefaultConfig returns a Config with reasonable default values
func DefaultConfig() Config {
	return Config{
		Broker:            "tcp://localhost:1883",
		Topic:             "classwatch",
		QoS:               1,
		ConnectTimeout:    30 * time.Second,
		PublishTimeout:    10 * time.Second,
		DisconnectTimeout: 250 * time.Millisecond,
	}
}

// Metrics receives connection and publish measurements.
type Metrics interface {
	UpdateConnectionStatus(connected bool)
	RecordPublish(sizeBytes int, latency time.Duration, err error)
	IncrementReconnectAttempts()
}

type noopMetrics struct{}

func (noopMetrics) UpdateConnectionStatus(bool)             {}
func (noopMetrics) RecordPublish(int, time.Duration, error) {}
func (noopMetrics) IncrementReconnectAttempts()             {}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the client logger.
func WithLogger(l logger.Logger) Option {
	return func(c *Client) { c.log = l }
}

// WithMetrics sets the metrics receiver.
func WithMetrics(m Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// Client is a paho client with timeouts, a retained status topic and
// topic prefixing.
type Client struct {
	cfg     Config
	log     logger.Logger
	metrics Metrics

	mu     sync.Mutex
	client paho.Client
}

// New creates a client. It does not connect.
func New(cfg Config, opts ...Option) (*Client, error) {
	if cfg.Broker == "" {
		return nil, mqttError(errors.NewStd("broker URL is empty"), errors.CategoryConfiguration, "")
	}
	def := DefaultConfig()
	if cfg.Topic == "" {
		cfg.Topic = def.Topic
	}
	cfg.Topic = strings.TrimRight(cfg.Topic, "/")
	if cfg.ClientID == "" {
		cfg.ClientID = "classwatch-" + uuid.NewString()[:8]
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = def.PublishTimeout
	}
	if cfg.DisconnectTimeout <= 0 {
		cfg.DisconnectTimeout = def.DisconnectTimeout
	}

	c := &Client{cfg: cfg, metrics: noopMetrics{}}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = GetLogger()
	}

	po := paho.NewClientOptions()
	po.AddBroker(cfg.Broker)
	po.SetClientID(cfg.ClientID)
	po.SetUsername(cfg.Username)
	po.SetPassword(cfg.Password)
	po.SetCleanSession(true)
	po.SetAutoReconnect(true)
	po.SetConnectRetry(true)
	po.SetConnectTimeout(cfg.ConnectTimeout)
	po.SetWill(c.Topic("status"), statusOffline, cfg.QoS, true)
	po.SetOnConnectHandler(c.onConnect)
	po.SetConnectionLostHandler(c.onConnectionLost)
	po.SetReconnectingHandler(func(paho.Client, *paho.ClientOptions) {
		c.metrics.IncrementReconnectAttempts()
	})
	c.client = paho.NewClient(po)
	return c, nil
}

// Topic returns the full topic for suffix.
func (c *Client) Topic(suffix string) string {
	return c.cfg.Topic + "/" + strings.TrimLeft(suffix, "/")
}

// Connect connects to the broker, bounded by ctx and the connect timeout.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()

	if err := wait(ctx, client.Connect(), c.cfg.ConnectTimeout); err != nil {
		return mqttError(fmt.Errorf("connecting to %s: %w", c.cfg.Broker, err), errors.CategoryMQTTConnection, c.cfg.Broker)
	}
	return nil
}

// IsConnected reports whether the client currently holds a connection.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.client != nil && c.client.IsConnected()
}

// Publish sends payload to the prefixed topic.
func (c *Client) Publish(ctx context.Context, suffix string, payload []byte, retain bool) error {
	if !c.IsConnected() {
		err := mqttError(errors.NewStd("not connected to MQTT broker"), errors.CategoryMQTTConnection, c.cfg.Broker)
		c.metrics.RecordPublish(len(payload), 0, err)
		return err
	}

	topic := c.Topic(suffix)
	start := time.Now()
	err := wait(ctx, c.client.Publish(topic, c.cfg.QoS, retain || c.cfg.Retain, payload), c.cfg.PublishTimeout)
	if err != nil {
		err = mqttError(fmt.Errorf("publishing to %s: %w", topic, err), errors.CategoryMQTTPublish, c.cfg.Broker)
	}
	c.metrics.RecordPublish(len(payload), time.Since(start), err)
	return err
}

// Disconnect marks the client offline and closes the connection.
func (c *Client) Disconnect() {
	if !c.IsConnected() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.PublishTimeout)
	defer cancel()
	if err := c.Publish(ctx, "status", []byte(statusOffline), true); err != nil {
		c.log.Debug("Failed to publish offline status", logger.Error(err))
	}
	c.client.Disconnect(uint(c.cfg.DisconnectTimeout.Milliseconds()))
	c.metrics.UpdateConnectionStatus(false)
}

func (c *Client) onConnect(client paho.Client) {
	c.log.Info("Connected to MQTT broker", logger.String("broker", c.cfg.Broker))
	c.metrics.UpdateConnectionStatus(true)
	// the handler runs on paho's goroutine, so do not block it on the ack
	client.Publish(c.Topic("status"), c.cfg.QoS, true, statusOnline)
}

func (c *Client) onConnectionLost(_ paho.Client, err error) {
	c.log.Warn("Connection to MQTT broker lost",
		logger.String("broker", c.cfg.Broker),
		logger.Error(err))
	c.metrics.UpdateConnectionStatus(false)
}

// wait blocks until tok completes, ctx ends or timeout passes.
func wait(ctx context.Context, tok paho.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("timed out after %s", timeout)
	}
}

func mqttError(err error, category errors.ErrorCategory, broker string) error {
	return errors.New(err).
		Component("mqtt").
		Category(category).
		Context("broker", broker).
		Build()
}

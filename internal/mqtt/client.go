package mqtt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/aminovpavel/lorapipe/internal/observability"
)

const (
	defaultKeepAlive          = 30 * time.Second
	defaultConnectRetry       = 5 * time.Second
	defaultPublishTimeout     = 10 * time.Second
	defaultMessageBufferDepth = 1024
	defaultTopic              = "application/+/device/+/rx"
)

var (
	// ErrConnectionLost is reported on Errors() when the broker connection drops.
	ErrConnectionLost = errors.New("mqtt: connection lost")
	// ErrPublishTimeout is returned when the broker does not acknowledge a publish in time.
	ErrPublishTimeout = errors.New("mqtt: publish timed out")
	// ErrNotConnected is returned by Publish before Start or after Stop.
	ErrNotConnected = errors.New("mqtt: not connected")
)

// State is the observable connection state of a Client.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateSubscribed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateSubscribed:
		return "subscribed"
	default:
		return "disconnected"
	}
}

// Config holds connection parameters for the MQTT broker.
type Config struct {
	BrokerHost     string
	BrokerPort     int
	Username       string
	Password       string
	Topic          string
	QoS            byte
	ClientID       string
	KeepAlive      time.Duration
	ReconnectGap   time.Duration
	PublishTimeout time.Duration
	BufferDepth    int
}

// SubscriptionTopic returns the configured topic filter, trimmed of surrounding
// slashes, or the ChirpStack uplink wildcard when empty.
func (c Config) SubscriptionTopic() string {
	topic := strings.Trim(strings.TrimSpace(c.Topic), "/")
	if topic == "" {
		return defaultTopic
	}
	return topic
}

// BrokerURL returns the tcp:// address of the broker.
func (c Config) BrokerURL() string {
	return fmt.Sprintf("tcp://%s:%d", c.BrokerHost, c.BrokerPort)
}

func (c *Config) normalise() {
	if c.KeepAlive == 0 {
		c.KeepAlive = defaultKeepAlive
	}
	if c.ReconnectGap == 0 {
		c.ReconnectGap = defaultConnectRetry
	}
	if c.PublishTimeout == 0 {
		c.PublishTimeout = defaultPublishTimeout
	}
	if c.BufferDepth <= 0 {
		c.BufferDepth = defaultMessageBufferDepth
	}
}

func (c Config) validate() error {
	if strings.TrimSpace(c.BrokerHost) == "" {
		return errors.New("mqtt: broker host must be provided")
	}
	if c.BrokerPort <= 0 || c.BrokerPort > 65535 {
		return errors.New("mqtt: broker port must be between 1 and 65535")
	}
	if c.QoS > 2 {
		return fmt.Errorf("mqtt: qos %d out of range", c.QoS)
	}
	return nil
}

// Message represents a received MQTT message.
type Message struct {
	Topic    string
	Payload  []byte
	QoS      byte
	Retained bool
	Time     time.Time
}

// Option customises the client.
type Option func(*Client)

// WithLogger sets the client logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics records dropped messages and connection state.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(c *Client) {
		c.metrics = metrics
	}
}

// Client manages MQTT connectivity, exposes an async message stream and publishes downlinks.
type Client struct {
	cfg     Config
	logger  *slog.Logger
	metrics *observability.Metrics

	mu       sync.RWMutex
	client   mqtt.Client
	stopped  bool
	state    atomic.Int32
	messages chan Message
	errs     chan error
	done     chan struct{}
	stopOnce sync.Once
}

// NewClient creates a Client with the given configuration.
func NewClient(cfg Config, opts ...Option) (*Client, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.normalise()

	c := &Client{
		cfg:      cfg,
		logger:   observability.NoOpLogger(),
		messages: make(chan Message, cfg.BufferDepth),
		errs:     make(chan error, 16),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Messages returns a read-only channel with incoming MQTT messages.
func (c *Client) Messages() <-chan Message {
	return c.messages
}

// Errors returns asynchronous error notifications (connection loss, subscribe failures, etc.).
func (c *Client) Errors() <-chan error {
	return c.errs
}

// State reports the current connection state.
func (c *Client) State() State {
	return State(c.state.Load())
}

// HealthCheck reports the connection state and fails unless the subscription is active.
func (c *Client) HealthCheck(context.Context) (string, error) {
	state := c.State()
	if state != StateSubscribed {
		return state.String(), fmt.Errorf("mqtt: %s", state)
	}
	return state.String(), nil
}

func (c *Client) setState(s State) {
	c.state.Store(int32(s))
	c.metrics.SetBusState(int(s))
}

// Start connects to the broker and begins streaming messages until the context is cancelled.
// Connect retries run in the background; Start returns once connected or when ctx ends.
func (c *Client) Start(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(c.cfg.BrokerURL())
	opts.SetOrderMatters(false)
	opts.SetKeepAlive(c.cfg.KeepAlive)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(c.cfg.ReconnectGap)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(time.Minute)
	opts.SetCleanSession(true)

	if c.cfg.ClientID != "" {
		opts.SetClientID(c.cfg.ClientID)
	}
	if c.cfg.Username != "" {
		opts.SetUsername(c.cfg.Username)
		opts.SetPassword(c.cfg.Password)
	}

	topic := c.cfg.SubscriptionTopic()

	opts.SetDefaultPublishHandler(c.handleMessage)

	opts.OnConnect = func(m mqtt.Client) {
		token := m.Subscribe(topic, c.cfg.QoS, nil)
		token.Wait()
		if err := token.Error(); err != nil {
			c.publishErr(fmt.Errorf("mqtt: subscribe failed for %s: %w", topic, err))
			return
		}
		c.setState(StateSubscribed)
		c.logger.Info("subscribed", slog.String("topic", topic), slog.Int("qos", int(c.cfg.QoS)))
	}

	opts.SetReconnectingHandler(func(mqtt.Client, *mqtt.ClientOptions) {
		c.setState(StateConnecting)
		c.logger.Info("reconnecting to broker", slog.String("broker", c.cfg.BrokerURL()))
	})

	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		c.setState(StateConnecting)
		c.publishErr(fmt.Errorf("%w: %v", ErrConnectionLost, err))
	}

	client := mqtt.NewClient(opts)
	c.mu.Lock()
	c.client = client
	c.mu.Unlock()

	c.setState(StateConnecting)
	c.logger.Info("connecting to broker", slog.String("broker", c.cfg.BrokerURL()))
	token := client.Connect()
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			c.setState(StateDisconnected)
			return fmt.Errorf("mqtt: connect failed: %w", err)
		}
	case <-ctx.Done():
		c.stop()
		return ctx.Err()
	}

	go func() {
		<-ctx.Done()
		c.stop()
	}()

	return nil
}

// handleMessage blocks while the buffer is full. paho acknowledges a QoS 1 message
// only after the handler returns, so a slow consumer holds back the broker instead
// of losing uplinks. Messages are dropped only once the client is stopping.
func (c *Client) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.stopped {
		return
	}
	select {
	case c.messages <- Message{
		Topic:    msg.Topic(),
		Payload:  append([]byte(nil), msg.Payload()...),
		QoS:      msg.Qos(),
		Retained: msg.Retained(),
		Time:     time.Now(),
	}:
	case <-c.done:
		c.metrics.IncDroppedMessages()
		c.logger.Warn("dropping message, client stopping", slog.String("topic", msg.Topic()))
	}
}

// Publish sends a message and waits for the broker acknowledgement (PUBACK for QoS 1),
// the configured publish timeout, or ctx cancellation.
func (c *Client) Publish(ctx context.Context, topic string, qos byte, retained bool, payload []byte) error {
	c.mu.RLock()
	client := c.client
	stopped := c.stopped
	c.mu.RUnlock()
	if client == nil || stopped {
		return ErrNotConnected
	}

	token := client.Publish(topic, qos, retained, payload)
	timer := time.NewTimer(c.cfg.PublishTimeout)
	defer timer.Stop()

	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("mqtt: publish %s: %w", topic, err)
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("%w after %s (topic=%s)", ErrPublishTimeout, c.cfg.PublishTimeout, topic)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop terminates the MQTT session and closes channels.
func (c *Client) Stop() {
	c.stop()
}

func (c *Client) stop() {
	c.stopOnce.Do(func() {
		// Release handlers blocked on a full buffer before taking the write lock.
		close(c.done)

		c.mu.Lock()
		c.stopped = true
		client := c.client
		c.mu.Unlock()

		if client != nil {
			client.Disconnect(250)
		}
		c.setState(StateDisconnected)

		c.mu.Lock()
		close(c.messages)
		close(c.errs)
		c.mu.Unlock()
	})
}

func (c *Client) publishErr(err error) {
	if err == nil {
		return
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.stopped {
		return
	}
	select {
	case c.errs <- err:
	default:
		c.logger.Warn("dropping error", slog.Any("error", err))
	}
}

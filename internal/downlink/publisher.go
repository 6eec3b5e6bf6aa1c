// Package downlink publishes device commands to the LoRaWAN network server over MQTT.
package downlink

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aminovpavel/lorapipe/internal/decode"
	"github.com/aminovpavel/lorapipe/internal/mqtt"
	"github.com/aminovpavel/lorapipe/internal/observability"
)

var (
	// ErrEmptyPayload is returned when neither hex nor text data is supplied.
	ErrEmptyPayload = errors.New("downlink: either data_hex or data_text must be provided")
	// ErrMissingField is returned when the application name or devEUI is absent.
	ErrMissingField = errors.New("downlink: missing field")
)

const (
	defaultFPort = 1
	publishQoS   = 1
)

// Broker is the publishing half of the MQTT client.
type Broker interface {
	Publish(ctx context.Context, topic string, qos byte, retained bool, payload []byte) error
}

var _ Broker = (*mqtt.Client)(nil)

// Request describes a single downlink command.
type Request struct {
	ApplicationName string
	DevEUI          string
	FPort           *int
	Confirmed       bool
	DataHex         string
	DataText        string
}

// Payload is the JSON body understood by the network server.
type Payload struct {
	Confirmed  bool   `json:"confirmed"`
	FPort      int    `json:"fPort"`
	Data       string `json:"data"`
	DataEncode string `json:"data_encode"`
}

// Ack is returned once the broker acknowledged the publish.
type Ack struct {
	Published bool    `json:"published"`
	Topic     string  `json:"topic"`
	Payload   Payload `json:"payload"`
}

// Option customises the publisher.
type Option func(*Publisher)

// WithLogger sets the publisher logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Publisher) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithMetrics attaches metrics instrumentation.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(p *Publisher) {
		p.metrics = metrics
	}
}

// Publisher turns requests into MQTT tx messages. It is safe for concurrent use.
type Publisher struct {
	broker  Broker
	logger  *slog.Logger
	metrics *observability.Metrics
}

// NewPublisher wraps the broker connection.
func NewPublisher(broker Broker, opts ...Option) *Publisher {
	p := &Publisher{
		broker: broker,
		logger: observability.NoOpLogger(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Topic returns the tx topic for a device. The devEUI is lower-cased.
func Topic(applicationName, devEUI string) string {
	return fmt.Sprintf("application/%s/device/%s/tx", applicationName, strings.ToLower(devEUI))
}

// Build validates the request and renders the topic and body without publishing.
func Build(req Request) (string, Payload, error) {
	app := strings.TrimSpace(req.ApplicationName)
	if app == "" {
		return "", Payload{}, fmt.Errorf("%w: applicationName", ErrMissingField)
	}
	if strings.TrimSpace(req.DevEUI) == "" {
		return "", Payload{}, fmt.Errorf("%w: devEUI", ErrMissingField)
	}
	devEUI, err := decode.NormalizeDevEUI(req.DevEUI)
	if err != nil {
		return "", Payload{}, err
	}

	data := strings.ToUpper(strings.TrimSpace(req.DataHex))
	if data == "" && req.DataText != "" {
		data = strings.ToUpper(hex.EncodeToString([]byte(req.DataText)))
	}
	if data == "" {
		return "", Payload{}, ErrEmptyPayload
	}

	fport := defaultFPort
	if req.FPort != nil {
		fport = *req.FPort
	}

	return Topic(app, devEUI), Payload{
		Confirmed:  req.Confirmed,
		FPort:      fport,
		Data:       data,
		DataEncode: "hexstring",
	}, nil
}

// Publish sends the request at QoS 1 and blocks until the broker acknowledges it,
// the client publish timeout elapses or ctx is cancelled.
func (p *Publisher) Publish(ctx context.Context, req Request) (Ack, error) {
	if p.broker == nil {
		return Ack{}, mqtt.ErrNotConnected
	}

	topic, payload, err := Build(req)
	if err != nil {
		p.metrics.IncDownlinks("invalid")
		return Ack{}, err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return Ack{}, fmt.Errorf("downlink: encode payload: %w", err)
	}

	if err := p.broker.Publish(ctx, topic, publishQoS, false, body); err != nil {
		result := "error"
		if errors.Is(err, mqtt.ErrPublishTimeout) {
			result = "timeout"
		}
		p.metrics.IncDownlinks(result)
		p.logger.Error("downlink publish failed", slog.String("topic", topic), slog.Any("error", err))
		return Ack{}, fmt.Errorf("downlink: publish: %w", err)
	}

	p.metrics.IncDownlinks("published")
	p.logger.Info("downlink published",
		slog.String("topic", topic),
		slog.Int("fport", payload.FPort),
		slog.Bool("confirmed", payload.Confirmed))

	return Ack{Published: true, Topic: topic, Payload: payload}, nil
}

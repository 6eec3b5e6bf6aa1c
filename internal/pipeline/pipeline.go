package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aminovpavel/lorapipe/internal/decode"
	"github.com/aminovpavel/lorapipe/internal/mqtt"
	"github.com/aminovpavel/lorapipe/internal/observability"
	"github.com/aminovpavel/lorapipe/internal/storage"
)

// ErrEnvelopeTooLarge is reported when a message body exceeds the configured limit.
var ErrEnvelopeTooLarge = errors.New("pipeline: envelope too large")

// Client abstracts the MQTT client behaviour required by the pipeline.
type Client interface {
	Start(ctx context.Context) error
	Stop()
	Messages() <-chan mqtt.Message
	Errors() <-chan error
}

// Option customises the pipeline.
type Option func(*Pipeline)

// WithLogger sets the pipeline logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithMetrics attaches metrics instrumentation.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(p *Pipeline) {
		p.metrics = metrics
	}
}

// WithMaxEnvelopeBytes rejects message bodies larger than n bytes. Zero disables the check.
func WithMaxEnvelopeBytes(n int) Option {
	return func(p *Pipeline) {
		p.maxEnvelope = n
	}
}

// Pipeline wires the MQTT client with decoder and storage writer.
// Messages are processed one at a time in arrival order.
type Pipeline struct {
	client      Client
	decoder     decode.Decoder
	writer      storage.Writer
	logger      *slog.Logger
	metrics     *observability.Metrics
	maxEnvelope int

	running atomic.Bool
	errCh   chan error
	wg      sync.WaitGroup
}

// New creates a pipeline instance.
func New(client Client, decoder decode.Decoder, writer storage.Writer, opts ...Option) *Pipeline {
	p := &Pipeline{
		client:  client,
		decoder: decoder,
		writer:  writer,
		logger:  observability.NoOpLogger(),
		errCh:   make(chan error, 32),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Errors exposes asynchronous processing errors.
func (p *Pipeline) Errors() <-chan error {
	return p.errCh
}

// Running reports whether the consumer loop is active.
func (p *Pipeline) Running() bool {
	return p.running.Load()
}

// HealthCheck fails while the consumer loop is not running.
func (p *Pipeline) HealthCheck(context.Context) (string, error) {
	if !p.Running() {
		return "stopped", errors.New("pipeline: consumer not running")
	}
	return "running", nil
}

// Run starts the pipeline and blocks until the context is cancelled or the client stops.
func (p *Pipeline) Run(ctx context.Context) error {
	if p.client == nil {
		return fmt.Errorf("pipeline: client is nil")
	}
	if p.decoder == nil {
		return fmt.Errorf("pipeline: decoder is nil")
	}
	if p.writer == nil {
		return fmt.Errorf("pipeline: writer is nil")
	}

	if err := p.client.Start(ctx); err != nil {
		return fmt.Errorf("pipeline: start client: %w", err)
	}

	p.running.Store(true)
	p.logger.Info("pipeline started")

	p.wg.Add(2)
	go p.consume(ctx)
	go p.forwardClientErrors(ctx)

	<-ctx.Done()
	p.client.Stop()
	p.wg.Wait()
	p.running.Store(false)
	close(p.errCh)
	p.logger.Info("pipeline stopped")

	return nil
}

func (p *Pipeline) consume(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-p.client.Messages():
			if !ok {
				return
			}
			p.handle(ctx, msg)
		}
	}
}

func (p *Pipeline) handle(ctx context.Context, msg mqtt.Message) {
	defer func() {
		if r := recover(); r != nil {
			p.metrics.IncPipelineErrors()
			p.logger.Error("panic while processing message",
				slog.String("topic", msg.Topic), slog.Any("panic", r))
			p.publishErr(fmt.Errorf("pipeline: panic: %v", r))
		}
	}()

	p.metrics.IncMessagesReceived()

	if p.maxEnvelope > 0 && len(msg.Payload) > p.maxEnvelope {
		p.metrics.IncDecodeErrors("too_large")
		p.logger.Warn("dropping oversized envelope",
			slog.String("topic", msg.Topic), slog.Int("bytes", len(msg.Payload)))
		p.publishErr(fmt.Errorf("%w: %d bytes", ErrEnvelopeTooLarge, len(msg.Payload)))
		return
	}

	up, err := p.decoder.Decode(ctx, msg)
	if err != nil {
		p.metrics.IncDecodeErrors(decodeReason(err))
		p.logger.Warn("skipping message", slog.String("topic", msg.Topic), slog.Any("error", err))
		p.publishErr(fmt.Errorf("pipeline: decode: %w", err))
		return
	}

	// The store transaction is never cut short by shutdown.
	outcome, err := p.writer.Upsert(context.WithoutCancel(ctx), up)
	if err != nil {
		p.logger.Error("store failed",
			slog.String("dev_eui", up.DevEUI), slog.String("topic", msg.Topic), slog.Any("error", err))
		p.publishErr(fmt.Errorf("pipeline: store: %w", err))
		return
	}

	p.logger.Debug("uplink processed",
		slog.String("dev_eui", up.DevEUI),
		slog.Any("fcnt", up.FCnt),
		slog.String("topic", msg.Topic),
		slog.String("outcome", outcome.String()),
		slog.String("data_hex", up.Payload.Hex),
		slog.Duration("age", time.Since(msg.Time)))
}

func decodeReason(err error) string {
	switch {
	case errors.Is(err, decode.ErrInvalidDeviceID):
		return "invalid_dev_eui"
	case errors.Is(err, decode.ErrMalformedEnvelope):
		return "malformed_envelope"
	default:
		return "other"
	}
}

func (p *Pipeline) forwardClientErrors(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-p.client.Errors():
			if !ok {
				return
			}
			p.logger.Warn("mqtt error", slog.Any("error", err))
			p.publishErr(fmt.Errorf("pipeline: mqtt: %w", err))
		}
	}
}

func (p *Pipeline) publishErr(err error) {
	if err == nil {
		return
	}
	select {
	case p.errCh <- err:
	default:
	}
}

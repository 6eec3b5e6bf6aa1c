package decode

import (
	"context"
	"strings"
	"time"

	"github.com/aminovpavel/lorapipe/internal/mqtt"
)

// Uplink is a decoded network server envelope ready for persistence.
// Nil pointers and empty strings map to NULL columns.
type Uplink struct {
	Topic      string
	ReceivedAt time.Time

	ApplicationID   string
	ApplicationName string
	DevEUI          string
	DeviceName      string

	Timestamp Timestamp
	FCnt      *int64
	FPort     *int64
	Payload   Payload

	RSSI      *float64
	SNR       *float64
	DR        *int64
	Frequency *int64

	Raw []byte
}

// Decoder converts raw MQTT messages into uplinks ready for storage.
type Decoder interface {
	Decode(ctx context.Context, msg mqtt.Message) (Uplink, error)
}

// BuilderConfig controls envelope interpretation.
type BuilderConfig struct {
	// Location is applied to zone-less timestamps and Unix-second conversions.
	Location *time.Location
	// CayennePorts lists fPorts whose binary payloads are Cayenne LPP frames.
	CayennePorts []int
}

// Builder maps an Envelope onto an Uplink.
type Builder struct {
	resolver     TimestampResolver
	cayennePorts map[int64]struct{}
}

// NewBuilder constructs a Builder with the provided configuration.
func NewBuilder(cfg BuilderConfig) Builder {
	ports := make(map[int64]struct{}, len(cfg.CayennePorts))
	for _, p := range cfg.CayennePorts {
		ports[int64(p)] = struct{}{}
	}
	return Builder{
		resolver:     TimestampResolver{Location: cfg.Location},
		cayennePorts: ports,
	}
}

// Resolver returns the timestamp resolver used by the builder.
func (b Builder) Resolver() TimestampResolver {
	return b.resolver
}

// Build validates the device identifier and extracts every persisted field.
// The only failure is an invalid devEUI.
func (b Builder) Build(env Envelope, raw []byte) (Uplink, error) {
	devEUI, err := NormalizeDevEUI(env.DevEUI.Value)
	if err != nil {
		return Uplink{}, err
	}

	up := Uplink{
		ApplicationID:   strings.TrimSpace(env.ApplicationID.Value),
		ApplicationName: applicationName(env),
		DevEUI:          strings.ToUpper(devEUI),
		DeviceName:      env.DeviceName.Value,
		Timestamp:       b.resolver.Resolve(env),
		FCnt:            env.FCnt.Ptr(),
		FPort:           env.FPort.Ptr(),
		Payload:         DecodePayload(env.Data.Value, env.DataEncode.Value),
		Raw:             append([]byte(nil), raw...),
	}

	if rx, ok := env.FirstRxInfo(); ok {
		up.RSSI = rx.RSSI.Ptr()
		up.SNR = rx.LoRaSNR.Ptr()
		if up.SNR == nil {
			up.SNR = rx.SNR.Ptr()
		}
	}
	tx := env.Tx()
	up.DR = tx.DR.Ptr()
	up.Frequency = tx.Frequency.Ptr()

	if up.Payload.JSON == nil && up.FPort != nil {
		if _, ok := b.cayennePorts[*up.FPort]; ok {
			if js, ok := decodeCayenne(up.Payload.Hex); ok {
				up.Payload.JSON = js
			}
		}
	}

	return up, nil
}

func applicationName(env Envelope) string {
	if name := env.ApplicationName.Value; name != "" {
		return name
	}
	if id := strings.TrimSpace(env.ApplicationID.Value); id != "" {
		return "app_" + id
	}
	return "unknown_app"
}

// UplinkDecoder parses MQTT message bodies into uplinks.
type UplinkDecoder struct {
	builder Builder
}

// NewUplinkDecoder constructs a decoder with the provided configuration.
func NewUplinkDecoder(cfg BuilderConfig) UplinkDecoder {
	return UplinkDecoder{builder: NewBuilder(cfg)}
}

// Decode implements Decoder. A body that is not a JSON object yields a DecodeError
// wrapping ErrMalformedEnvelope; an invalid devEUI one wrapping ErrInvalidDeviceID.
func (d UplinkDecoder) Decode(_ context.Context, msg mqtt.Message) (Uplink, error) {
	env, err := ParseEnvelope(msg.Payload)
	if err != nil {
		return Uplink{}, &DecodeError{Field: "body", Err: err}
	}
	up, err := d.builder.Build(env, msg.Payload)
	if err != nil {
		return Uplink{}, err
	}
	up.Topic = msg.Topic
	up.ReceivedAt = msg.Time
	return up, nil
}

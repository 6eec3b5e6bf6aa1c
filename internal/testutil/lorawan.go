package testutil

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/aminovpavel/lorapipe/internal/mqtt"
)

// TestDevEUI is a valid 16-character device identifier used across tests.
const TestDevEUI = "BE078DDB76F70371"

// Envelope is a mutable network server uplink document for tests.
type Envelope map[string]any

// NewEnvelope returns an uplink envelope with common defaults: a hex payload "ABC",
// one gateway reception record and transmission info.
func NewEnvelope() Envelope {
	return Envelope{
		"applicationID":   "1",
		"applicationName": "LabElektro",
		"devEUI":          TestDevEUI,
		"deviceName":      "Electrons",
		"fCnt":            3,
		"fPort":           1,
		"data":            "414243",
		"data_encode":     "hexstring",
		"timestamp":       1700000000,
		"rxInfo": []any{
			map[string]any{"rssi": -57, "loRaSNR": 9.5},
		},
		"txInfo": map[string]any{"frequency": 921400000, "dr": 2},
	}
}

// With sets a key and returns the envelope for chaining.
func (e Envelope) With(key string, value any) Envelope {
	e[key] = value
	return e
}

// Without removes a key and returns the envelope for chaining.
func (e Envelope) Without(key string) Envelope {
	delete(e, key)
	return e
}

// Bytes marshals the envelope to JSON.
func (e Envelope) Bytes(t testing.TB) []byte {
	t.Helper()
	data, err := json.Marshal(map[string]any(e))
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return data
}

// Message wraps the envelope in an MQTT uplink message for the test device.
func Message(t testing.TB, e Envelope) mqtt.Message {
	t.Helper()
	return mqtt.Message{
		Topic:   "application/1/device/be078ddb76f70371/rx",
		Payload: e.Bytes(t),
		Time:    time.Now().UTC(),
	}
}

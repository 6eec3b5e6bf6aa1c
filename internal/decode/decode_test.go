package decode_test

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/akhenakh/cayenne"

	"github.com/aminovpavel/lorapipe/internal/decode"
	"github.com/aminovpavel/lorapipe/internal/mqtt"
	"github.com/aminovpavel/lorapipe/internal/testutil"
)

func decodeEnvelope(t *testing.T, dec decode.UplinkDecoder, env testutil.Envelope) (decode.Uplink, error) {
	t.Helper()
	return dec.Decode(context.Background(), mqtt.Message{
		Topic:   "application/1/device/" + testutil.TestDevEUI + "/rx",
		Payload: env.Bytes(t),
		Time:    time.Now(),
	})
}

func TestDecodeHexEnvelope(t *testing.T) {
	dec := decode.NewUplinkDecoder(decode.BuilderConfig{})
	env := testutil.Envelope{
		"devEUI":      "BE078DDB76F70371",
		"fCnt":        3,
		"data":        "414243",
		"data_encode": "hexstring",
		"timestamp":   1700000000,
	}

	up, err := decodeEnvelope(t, dec, env)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if up.Payload.Hex != "414243" || up.Payload.Text != "ABC" || up.Payload.JSON != nil {
		t.Fatalf("unexpected payload %+v", up.Payload)
	}
	if up.FCnt == nil || *up.FCnt != 3 {
		t.Fatalf("expected fcnt 3, got %v", up.FCnt)
	}
	if up.FPort != nil {
		t.Fatalf("expected nil fport, got %v", *up.FPort)
	}
	if up.ApplicationName != "unknown_app" {
		t.Fatalf("expected unknown_app, got %q", up.ApplicationName)
	}
	if up.Timestamp.Time.Unix() != 1700000000 {
		t.Fatalf("unexpected timestamp %+v", up.Timestamp)
	}
	if up.RSSI != nil || up.SNR != nil || up.DR != nil || up.Frequency != nil {
		t.Fatalf("expected radio fields to be null")
	}
}

func TestDecodeBase64JSONEnvelope(t *testing.T) {
	dec := decode.NewUplinkDecoder(decode.BuilderConfig{})
	env := testutil.NewEnvelope().With("data", "e30=").Without("data_encode")

	up, err := decodeEnvelope(t, dec, env)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if up.Payload.Hex != "7B7D" || up.Payload.Text != "{}" || string(up.Payload.JSON) != "{}" {
		t.Fatalf("unexpected payload %+v", up.Payload)
	}
}

func TestDecodeRadioAndApplication(t *testing.T) {
	dec := decode.NewUplinkDecoder(decode.BuilderConfig{})
	env := testutil.NewEnvelope().
		With("applicationName", "").
		With("applicationID", 7).
		With("devEUI", "  be078ddb76f70371 ").
		With("rxInfo", []any{map[string]any{"rssi": -101, "snr": -3.25}, map[string]any{"rssi": -20}})

	up, err := decodeEnvelope(t, dec, env)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if up.ApplicationName != "app_7" {
		t.Fatalf("expected app_7, got %q", up.ApplicationName)
	}
	if up.DevEUI != "BE078DDB76F70371" {
		t.Fatalf("expected canonical devEUI, got %q", up.DevEUI)
	}
	if up.RSSI == nil || *up.RSSI != -101 {
		t.Fatalf("expected rssi from first gateway, got %v", up.RSSI)
	}
	if up.SNR == nil || *up.SNR != -3.25 {
		t.Fatalf("expected snr fallback, got %v", up.SNR)
	}
	if up.DR == nil || *up.DR != 2 || up.Frequency == nil || *up.Frequency != 921400000 {
		t.Fatalf("unexpected tx info dr=%v freq=%v", up.DR, up.Frequency)
	}
	if up.DeviceName != "Electrons" {
		t.Fatalf("expected device name, got %q", up.DeviceName)
	}
	if len(up.Raw) == 0 {
		t.Fatalf("expected raw body")
	}
}

func TestDecodeCoercesWrongTypes(t *testing.T) {
	dec := decode.NewUplinkDecoder(decode.BuilderConfig{})
	env := testutil.NewEnvelope().
		With("fCnt", "12").
		With("fPort", "port-one").
		With("txInfo", "not-an-object")

	up, err := decodeEnvelope(t, dec, env)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if up.FCnt == nil || *up.FCnt != 12 {
		t.Fatalf("expected fcnt 12, got %v", up.FCnt)
	}
	if up.FPort != nil {
		t.Fatalf("expected null fport, got %v", *up.FPort)
	}
	if up.DR != nil || up.Frequency != nil {
		t.Fatalf("expected null tx info")
	}
}

func TestDecodeRejectsInvalidDevEUI(t *testing.T) {
	dec := decode.NewUplinkDecoder(decode.BuilderConfig{})

	for _, devEUI := range []any{"", "BE078DDB", "BE078DDB76F70371FF", 12345, "éééééééé", "ZZZZZZZZZZZZZZZZ", "BE078DDB76F7037G"} {
		_, err := decodeEnvelope(t, dec, testutil.NewEnvelope().With("devEUI", devEUI))
		if !errors.Is(err, decode.ErrInvalidDeviceID) {
			t.Fatalf("devEUI %v: expected ErrInvalidDeviceID, got %v", devEUI, err)
		}
		var decErr *decode.DecodeError
		if !errors.As(err, &decErr) || decErr.Field != "devEUI" {
			t.Fatalf("devEUI %v: expected DecodeError on devEUI, got %v", devEUI, err)
		}
	}

	_, err := decodeEnvelope(t, dec, testutil.NewEnvelope().Without("devEUI"))
	if !errors.Is(err, decode.ErrInvalidDeviceID) {
		t.Fatalf("missing devEUI: expected ErrInvalidDeviceID, got %v", err)
	}
}

func TestDecodeRejectsMalformedBody(t *testing.T) {
	dec := decode.NewUplinkDecoder(decode.BuilderConfig{})

	for _, body := range []string{"", "not json", "[1,2,3]", `"string"`, `{"devEUI":`} {
		_, err := dec.Decode(context.Background(), mqtt.Message{Payload: []byte(body)})
		if !errors.Is(err, decode.ErrMalformedEnvelope) {
			t.Fatalf("%q: expected ErrMalformedEnvelope, got %v", body, err)
		}
	}
}

func TestDecodeCayennePorts(t *testing.T) {
	e := cayenne.NewEncoder()
	e.AddGPS(1, 48.8, 2.2, 0)
	lpp := hex.EncodeToString(e.Bytes())

	env := testutil.NewEnvelope().With("data", lpp).With("fPort", 2)

	plain := decode.NewUplinkDecoder(decode.BuilderConfig{})
	up, err := decodeEnvelope(t, plain, env)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if up.Payload.JSON != nil {
		t.Fatalf("expected no JSON without cayenne port, got %s", up.Payload.JSON)
	}

	lppDecoder := decode.NewUplinkDecoder(decode.BuilderConfig{CayennePorts: []int{2}})
	up, err = decodeEnvelope(t, lppDecoder, env)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	var values map[string]any
	if err := json.Unmarshal(up.Payload.JSON, &values); err != nil {
		t.Fatalf("expected LPP values as JSON object, got %q: %v", up.Payload.JSON, err)
	}
	if len(values) == 0 {
		t.Fatalf("expected at least one LPP channel value")
	}
}

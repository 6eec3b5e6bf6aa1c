package decode

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Envelope is the network server uplink JSON (ChirpStack v3 / WisGate built-in NS).
// Field types are lenient: a value of the wrong JSON type reads as absent instead of
// failing the whole document.
type Envelope struct {
	ApplicationID   FlexString      `json:"applicationID"`
	ApplicationName FlexString      `json:"applicationName"`
	DeviceName      FlexString      `json:"deviceName"`
	DevEUI          FlexString      `json:"devEUI"`
	FCnt            FlexInt         `json:"fCnt"`
	FPort           FlexInt         `json:"fPort"`
	Data            FlexString      `json:"data"`
	DataEncode      FlexString      `json:"data_encode"`
	Time            TextString      `json:"time"`
	Timestamp       json.RawMessage `json:"timestamp"`
	RxInfo          json.RawMessage `json:"rxInfo"`
	TxInfo          json.RawMessage `json:"txInfo"`
}

// RxInfo is the subset of a gateway reception record that is persisted.
type RxInfo struct {
	Time    TextString `json:"time"`
	RSSI    FlexFloat  `json:"rssi"`
	LoRaSNR FlexFloat  `json:"loRaSNR"`
	SNR     FlexFloat  `json:"snr"`
}

// TxInfo is the subset of transmission parameters that is persisted.
type TxInfo struct {
	DR        FlexInt `json:"dr"`
	Frequency FlexInt `json:"frequency"`
}

// ParseEnvelope decodes a message body. Only a body that is not a JSON object fails.
func ParseEnvelope(body []byte) (Envelope, error) {
	var env Envelope
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return env, ErrMalformedEnvelope
	}
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return env, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	return env, nil
}

// FirstRxInfo returns the first gateway record, if rxInfo is a non-empty array of objects.
func (e Envelope) FirstRxInfo() (RxInfo, bool) {
	var items []json.RawMessage
	if err := json.Unmarshal(e.RxInfo, &items); err != nil || len(items) == 0 {
		return RxInfo{}, false
	}
	first := bytes.TrimSpace(items[0])
	if len(first) == 0 || first[0] != '{' {
		return RxInfo{}, false
	}
	var rx RxInfo
	if err := json.Unmarshal(first, &rx); err != nil {
		return RxInfo{}, false
	}
	return rx, true
}

// Tx returns the transmission info, zero when absent or not an object.
func (e Envelope) Tx() TxInfo {
	trimmed := bytes.TrimSpace(e.TxInfo)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return TxInfo{}
	}
	var tx TxInfo
	_ = json.Unmarshal(trimmed, &tx)
	return tx
}

// FlexString accepts JSON strings and numbers. Other types leave it unset.
type FlexString struct {
	Value string
	Valid bool
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *FlexString) UnmarshalJSON(data []byte) error {
	*s = FlexString{}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil
	}
	switch {
	case data[0] == '"':
		var v string
		if err := json.Unmarshal(data, &v); err == nil {
			*s = FlexString{Value: v, Valid: true}
		}
	case data[0] == '-' || (data[0] >= '0' && data[0] <= '9'):
		*s = FlexString{Value: string(data), Valid: true}
	}
	return nil
}

// TextString accepts only JSON strings. Numbers and other types leave it unset.
type TextString struct {
	Value string
	Valid bool
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *TextString) UnmarshalJSON(data []byte) error {
	*s = TextString{}
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '"' {
		return nil
	}
	var v string
	if err := json.Unmarshal(data, &v); err == nil {
		*s = TextString{Value: v, Valid: true}
	}
	return nil
}

// FlexInt accepts JSON integers, floats (truncated) and integral strings.
type FlexInt struct {
	Value int64
	Valid bool
}

// UnmarshalJSON implements json.Unmarshaler.
func (i *FlexInt) UnmarshalJSON(data []byte) error {
	*i = FlexInt{}
	v, ok := parseJSONInt(data)
	if ok {
		*i = FlexInt{Value: v, Valid: true}
	}
	return nil
}

// Ptr returns the value as a pointer, nil when unset.
func (i FlexInt) Ptr() *int64 {
	if !i.Valid {
		return nil
	}
	v := i.Value
	return &v
}

// FlexFloat accepts JSON numbers and numeric strings.
type FlexFloat struct {
	Value float64
	Valid bool
}

// UnmarshalJSON implements json.Unmarshaler.
func (f *FlexFloat) UnmarshalJSON(data []byte) error {
	*f = FlexFloat{}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil
	}
	raw := string(data)
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return nil
		}
		raw = strings.TrimSpace(s)
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	*f = FlexFloat{Value: v, Valid: true}
	return nil
}

// Ptr returns the value as a pointer, nil when unset.
func (f FlexFloat) Ptr() *float64 {
	if !f.Valid {
		return nil
	}
	v := f.Value
	return &v
}

// parseJSONInt reads a raw JSON value as an integer. Numbers may carry a fraction,
// which is truncated; strings must hold an integer.
func parseJSONInt(data []byte) (int64, bool) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return 0, false
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return 0, false
		}
		v, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
		if err != nil {
			return 0, false
		}
		return v, true
	}
	if data[0] != '-' && (data[0] < '0' || data[0] > '9') {
		return 0, false
	}
	if v, err := strconv.ParseInt(string(data), 10, 64); err == nil {
		return v, true
	}
	f, err := strconv.ParseFloat(string(data), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) || f > math.MaxInt64 || f < math.MinInt64 {
		return 0, false
	}
	return int64(f), true
}

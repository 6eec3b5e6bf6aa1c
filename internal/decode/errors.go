package decode

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidDeviceID is returned when a devEUI is not exactly 16 characters after trimming.
	ErrInvalidDeviceID = errors.New("invalid device identifier")
	// ErrMalformedEnvelope is returned when a message body is not a JSON object.
	ErrMalformedEnvelope = errors.New("malformed envelope")
)

// DecodeError describes why a message could not be turned into an Uplink.
type DecodeError struct {
	Field string
	Value string
	Err   error
}

func (e *DecodeError) Error() string {
	if e.Value != "" {
		return fmt.Sprintf("decode: %s %q: %v", e.Field, e.Value, e.Err)
	}
	return fmt.Sprintf("decode: %s: %v", e.Field, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// NormalizeDevEUI trims the identifier and checks it is 16 hex digits. The case is kept as received.
func NormalizeDevEUI(devEUI string) (string, error) {
	trimmed := strings.TrimSpace(devEUI)
	if len(trimmed) != 16 || !isHex(trimmed) {
		return "", &DecodeError{Field: "devEUI", Value: devEUI, Err: ErrInvalidDeviceID}
	}
	return trimmed, nil
}

func isHex(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !('0' <= c && c <= '9' || 'a' <= c && c <= 'f' || 'A' <= c && c <= 'F') {
			return false
		}
	}
	return true
}

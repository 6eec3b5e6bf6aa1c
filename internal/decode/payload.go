package decode

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"strings"
	"unicode/utf8"
)

// Payload is the decoded form of an uplink "data" field.
// Empty Text and nil JSON represent null columns.
type Payload struct {
	Hex  string
	Text string
	JSON json.RawMessage
}

// DecodePayload converts the network server data field into its hex, text and JSON
// representations. It never fails: undecodable input is treated as literal text bytes.
func DecodePayload(raw, encoding string) Payload {
	if raw == "" {
		return Payload{}
	}

	var data []byte
	if strings.HasPrefix(strings.ToLower(strings.TrimSpace(encoding)), "hex") {
		b, err := decodeHexPairs(raw)
		if err != nil {
			b = []byte(raw)
		}
		data = b
	} else {
		b, err := base64.StdEncoding.DecodeString(stripSpace(raw))
		if err != nil {
			b = []byte(raw)
		}
		data = b
	}

	return payloadFromBytes(data)
}

func payloadFromBytes(data []byte) Payload {
	if len(data) == 0 {
		return Payload{}
	}
	p := Payload{Hex: strings.ToUpper(hex.EncodeToString(data))}

	if isPrintableText(data) {
		p.Text = string(data)
	} else {
		p.Text = p.Hex
	}

	trimmed := strings.TrimSpace(p.Text)
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		var buf bytes.Buffer
		if err := json.Compact(&buf, []byte(trimmed)); err == nil {
			p.JSON = json.RawMessage(buf.Bytes())
		}
	}
	return p
}

func isPrintableText(data []byte) bool {
	if !utf8.Valid(data) {
		return false
	}
	for _, r := range string(data) {
		if r < 0x20 && r != '\t' && r != '\n' && r != '\r' {
			return false
		}
	}
	return true
}

// decodeHexPairs allows whitespace only between complete byte pairs, so "41 42"
// decodes while "4 1" does not.
func decodeHexPairs(s string) ([]byte, error) {
	fields := strings.Fields(s)
	for _, f := range fields {
		if len(f)%2 != 0 {
			return nil, hex.ErrLength
		}
	}
	return hex.DecodeString(strings.Join(fields, ""))
}

func stripSpace(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\n', '\r', '\f', '\v':
			return -1
		}
		return r
	}, s)
}

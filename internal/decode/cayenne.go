package decode

import (
	"bytes"
	"encoding/hex"
	"encoding/json"

	"github.com/akhenakh/cayenne"
)

// decodeCayenne interprets hex payload bytes as a Cayenne LPP uplink frame and
// returns its channel values as a JSON object.
func decodeCayenne(payloadHex string) (json.RawMessage, bool) {
	if payloadHex == "" {
		return nil, false
	}
	data, err := hex.DecodeString(payloadHex)
	if err != nil {
		return nil, false
	}

	msg, err := cayenne.NewDecoder(bytes.NewReader(data)).DecodeUplink()
	if err != nil {
		return nil, false
	}
	values := msg.Values()
	if len(values) == 0 {
		return nil, false
	}

	out, err := json.Marshal(values)
	if err != nil {
		return nil, false
	}
	return out, true
}

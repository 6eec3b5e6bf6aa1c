package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/aminovpavel/lorapipe/internal/storage"
)

type errorResponse struct {
	Error string `json:"error"`
}

type compactRow struct {
	UplinkID   int64           `json:"uplink_id"`
	InsertedAt any             `json:"inserted_at"`
	AppName    string          `json:"app_name"`
	DevEUI     string          `json:"dev_eui"`
	DeviceName *string         `json:"device_name"`
	TS         any             `json:"ts"`
	FCnt       *int64          `json:"fcnt"`
	FPort      *int64          `json:"fport"`
	DataHex    string          `json:"data_hex"`
	DataText   *string         `json:"data_text"`
	DataJSON   json.RawMessage `json:"data_json"`
	RSSI       *float64        `json:"rssi_dbm"`
	SNR        *float64        `json:"snr_db"`
	DR         *int64          `json:"dr"`
	Frequency  *int64          `json:"freq_hz"`
}

type fullRow struct {
	compactRow
	AppID *string         `json:"app_id"`
	Raw   json.RawMessage `json:"raw"`
}

func renderRow(row storage.UplinkRow, full bool, loc *time.Location) any {
	c := compactRow{
		UplinkID:   row.UplinkID,
		InsertedAt: renderTime(row.InsertedAt, loc),
		AppName:    row.AppName,
		DevEUI:     row.DevEUI,
		DeviceName: row.DeviceName,
		TS:         renderTime(row.TS, loc),
		FCnt:       row.FCnt,
		FPort:      row.FPort,
		DataHex:    row.DataHex,
		DataText:   row.DataText,
		DataJSON:   row.DataJSON,
		RSSI:       row.RSSI,
		SNR:        row.SNR,
		DR:         row.DR,
		Frequency:  row.Frequency,
	}
	if !full {
		return c
	}
	return fullRow{compactRow: c, AppID: row.AppID, Raw: row.Raw}
}

func renderRows(rows []storage.UplinkRow, full bool, loc *time.Location) []any {
	out := make([]any, 0, len(rows))
	for _, row := range rows {
		out = append(out, renderRow(row, full, loc))
	}
	return out
}

// renderTime yields null, the stored raw string, or RFC 3339 in loc.
func renderTime(ts storage.Timestamp, loc *time.Location) any {
	switch {
	case !ts.Valid:
		return nil
	case ts.Raw != "":
		return ts.Raw
	default:
		return ts.Time.In(loc).Format(time.RFC3339Nano)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		status = http.StatusInternalServerError
		body = []byte(`{"error":"failed to encode response"}`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

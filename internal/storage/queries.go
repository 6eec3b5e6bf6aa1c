package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// DeviceSummary is a device identifier with its stored uplink count.
type DeviceSummary struct {
	DevEUI      string `json:"dev_eui"`
	UplinkCount int64  `json:"uplink_count"`
}

// UplinkRow is a stored uplink. AppID and Raw are only populated by full queries.
type UplinkRow struct {
	UplinkID   int64
	InsertedAt Timestamp
	AppID      *string
	AppName    string
	DevEUI     string
	DeviceName *string
	TS         Timestamp
	FCnt       *int64
	FPort      *int64
	DataHex    string
	DataText   *string
	DataJSON   json.RawMessage
	RSSI       *float64
	SNR        *float64
	DR         *int64
	Frequency  *int64
	Raw        json.RawMessage
}

// Timestamp is a stored time column. Raw holds a value that did not parse as a time.
type Timestamp struct {
	Time  time.Time
	Raw   string
	Valid bool
}

// Page selects a window of uplinks. From and To are inclusive bounds on ts.
type Page struct {
	Limit  int
	Offset int
	From   *time.Time
	To     *time.Time
}

const compactColumns = `uplink_id, inserted_at, app_name, dev_eui, device_name, ts, fcnt, fport,
        data_hex, data_text, data_json, rssi_dbm, snr_db, dr, freq_hz`

const fullColumns = compactColumns + `, app_id, raw`

const uplinkOrder = `ORDER BY ts DESC NULLS LAST, inserted_at DESC, uplink_id DESC`

// ListDevices returns every device with stored uplinks and their counts.
func (s *Store) ListDevices(ctx context.Context) ([]DeviceSummary, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`SELECT UPPER(dev_eui) AS dev_eui, COUNT(*) AS uplink_count
        FROM %s
        GROUP BY UPPER(dev_eui)
        ORDER BY dev_eui`, s.dialect.Table("uplinks")))
	if err != nil {
		return nil, storeErr("list_devices", err)
	}
	defer rows.Close()

	out := make([]DeviceSummary, 0)
	for rows.Next() {
		var d DeviceSummary
		if err := rows.Scan(&d.DevEUI, &d.UplinkCount); err != nil {
			return nil, storeErr("list_devices", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list_devices", err)
	}
	return out, nil
}

// ListUplinks returns a page of uplinks for a device, newest first.
func (s *Store) ListUplinks(ctx context.Context, devEUI string, page Page, full bool) ([]UplinkRow, error) {
	var (
		where = []string{"UPPER(dev_eui) = ?"}
		args  = []any{strings.ToUpper(strings.TrimSpace(devEUI))}
	)
	if page.From != nil {
		where = append(where, "ts >= ?")
		args = append(args, s.dialect.TimeValue(*page.From))
	}
	if page.To != nil {
		where = append(where, "ts <= ?")
		args = append(args, s.dialect.TimeValue(*page.To))
	}
	args = append(args, page.Limit, page.Offset)

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE %s %s LIMIT ? OFFSET ?`,
		columns(full), s.dialect.Table("uplinks"), strings.Join(where, " AND "), uplinkOrder)
	return s.queryUplinks(ctx, "list_uplinks", query, full, args...)
}

// LatestUplinks returns up to n newest uplinks for a device.
func (s *Store) LatestUplinks(ctx context.Context, devEUI string, n int, full bool) ([]UplinkRow, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE UPPER(dev_eui) = ? %s LIMIT ?`,
		columns(full), s.dialect.Table("uplinks"), uplinkOrder)
	return s.queryUplinks(ctx, "latest_uplinks", query, full, strings.ToUpper(strings.TrimSpace(devEUI)), n)
}

func columns(full bool) string {
	if full {
		return fullColumns
	}
	return compactColumns
}

func (s *Store) queryUplinks(ctx context.Context, op, query string, full bool, args ...any) ([]UplinkRow, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(query), args...)
	if err != nil {
		return nil, storeErr(op, err)
	}
	defer rows.Close()

	out := make([]UplinkRow, 0)
	for rows.Next() {
		row, err := scanUplink(rows, full)
		if err != nil {
			return nil, storeErr(op, err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr(op, err)
	}
	return out, nil
}

func scanUplink(rows *sql.Rows, full bool) (UplinkRow, error) {
	var (
		row        UplinkRow
		insertedAt sql.NullString
		deviceName sql.NullString
		ts         sql.NullString
		fcnt       sql.NullInt64
		fport      sql.NullInt64
		dataText   sql.NullString
		dataJSON   sql.NullString
		rssi       sql.NullFloat64
		snr        sql.NullFloat64
		dr         sql.NullInt64
		freq       sql.NullInt64
		appID      sql.NullString
		raw        sql.NullString
	)

	dest := []any{
		&row.UplinkID, &insertedAt, &row.AppName, &row.DevEUI, &deviceName, &ts, &fcnt, &fport,
		&row.DataHex, &dataText, &dataJSON, &rssi, &snr, &dr, &freq,
	}
	if full {
		dest = append(dest, &appID, &raw)
	}
	if err := rows.Scan(dest...); err != nil {
		return UplinkRow{}, err
	}

	row.InsertedAt = parseStoredTime(insertedAt)
	row.TS = parseStoredTime(ts)
	row.DeviceName = stringPtr(deviceName)
	row.DataText = stringPtr(dataText)
	row.FCnt = int64Ptr(fcnt)
	row.FPort = int64Ptr(fport)
	row.DR = int64Ptr(dr)
	row.Frequency = int64Ptr(freq)
	row.RSSI = float64Ptr(rssi)
	row.SNR = float64Ptr(snr)
	row.DataJSON = jsonValue(dataJSON)
	if full {
		row.AppID = stringPtr(appID)
		row.Raw = jsonValue(raw)
	}
	return row, nil
}

func jsonValue(v sql.NullString) json.RawMessage {
	if !v.Valid || v.String == "" || !json.Valid([]byte(v.String)) {
		return nil
	}
	return json.RawMessage(v.String)
}

func stringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func int64Ptr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}

func float64Ptr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/aminovpavel/lorapipe/internal/decode"
	"github.com/aminovpavel/lorapipe/internal/downlink"
	"github.com/aminovpavel/lorapipe/internal/mqtt"
	"github.com/aminovpavel/lorapipe/internal/storage"
)

const (
	defaultLimit   = 50
	defaultLastN   = 10
	maxRequestBody = 64 * 1024
	notFoundUplink = "No uplink found for this dev_eui"
)

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) listDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.reader.ListDevices(r.Context())
	if err != nil {
		s.storeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, devices)
}

func (s *Server) listUplinks(full bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		devEUI, ok := s.devEUI(w, r)
		if !ok {
			return
		}

		q := r.URL.Query()
		page := storage.Page{
			Limit:  clampInt(q.Get("limit"), defaultLimit, 1, s.cfg.MaxPageSize),
			Offset: clampInt(q.Get("offset"), 0, 0, math.MaxInt32),
		}
		var err error
		if page.From, err = s.timeParam(q.Get("from")); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid from: %v", err))
			return
		}
		if page.To, err = s.timeParam(q.Get("to")); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid to: %v", err))
			return
		}

		rows, err := s.reader.ListUplinks(r.Context(), devEUI, page, full)
		if err != nil {
			s.storeFailure(w, err)
			return
		}
		writeJSON(w, http.StatusOK, renderRows(rows, full, s.cfg.Location))
	}
}

func (s *Server) latestUplink(full bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		devEUI, ok := s.devEUI(w, r)
		if !ok {
			return
		}
		rows, err := s.reader.LatestUplinks(r.Context(), devEUI, 1, full)
		if err != nil {
			s.storeFailure(w, err)
			return
		}
		if len(rows) == 0 {
			writeError(w, http.StatusNotFound, notFoundUplink)
			return
		}
		writeJSON(w, http.StatusOK, renderRow(rows[0], full, s.cfg.Location))
	}
}

func (s *Server) lastUplinks(w http.ResponseWriter, r *http.Request) {
	devEUI, ok := s.devEUI(w, r)
	if !ok {
		return
	}
	n := clampInt(r.URL.Query().Get("n"), defaultLastN, 1, s.cfg.MaxPageSize)
	rows, err := s.reader.LatestUplinks(r.Context(), devEUI, n, false)
	if err != nil {
		s.storeFailure(w, err)
		return
	}
	if len(rows) == 0 {
		writeError(w, http.StatusNotFound, notFoundUplink)
		return
	}
	writeJSON(w, http.StatusOK, renderRows(rows, false, s.cfg.Location))
}

func (s *Server) publishDownlink(w http.ResponseWriter, r *http.Request) {
	if s.downlinks == nil {
		writeError(w, http.StatusInternalServerError, "downlink publisher is not configured")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	req, err := parseDownlink(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ack, err := s.downlinks.Publish(r.Context(), req)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, ack)
	case errors.Is(err, downlink.ErrMissingField),
		errors.Is(err, downlink.ErrEmptyPayload),
		errors.Is(err, decode.ErrInvalidDeviceID):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, mqtt.ErrPublishTimeout):
		writeError(w, http.StatusGatewayTimeout, err.Error())
	default:
		s.logger.Error("downlink failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// parseDownlink reads the request body leniently: fPort may be a number or a
// numeric string and confirmed follows JSON truthiness.
func parseDownlink(body []byte) (downlink.Request, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var fields map[string]any
	if err := dec.Decode(&fields); err != nil || fields == nil {
		return downlink.Request{}, errors.New("Invalid JSON")
	}

	var req downlink.Request
	for _, key := range []string{"applicationName", "devEUI"} {
		if _, ok := fields[key]; !ok {
			return downlink.Request{}, fmt.Errorf("Missing field: %s", key)
		}
	}
	req.ApplicationName = stringValue(fields["applicationName"])
	req.DevEUI = stringValue(fields["devEUI"])

	if raw, ok := fields["fPort"]; ok && raw != nil {
		port, ok := intValue(raw)
		if !ok {
			return downlink.Request{}, errors.New("fPort must be integer")
		}
		req.FPort = &port
	}
	req.Confirmed = truthy(fields["confirmed"])
	req.DataHex = stringValue(fields["data_hex"])
	req.DataText = stringValue(fields["data_text"])
	return req, nil
}

func stringValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		return fmt.Sprint(t)
	}
}

func intValue(v any) (int, bool) {
	switch t := v.(type) {
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return int(n), true
		}
		if f, err := t.Float64(); err == nil {
			return int(f), true
		}
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(t)); err == nil {
			return n, true
		}
	case bool:
		if t {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case json.Number:
		f, err := t.Float64()
		return err == nil && f != 0
	case string:
		return t != ""
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	default:
		return true
	}
}

func (s *Server) devEUI(w http.ResponseWriter, r *http.Request) (string, bool) {
	devEUI, err := decode.NormalizeDevEUI(mux.Vars(r)["devEUI"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "dev_eui must be 16 hex characters")
		return "", false
	}
	return strings.ToUpper(devEUI), true
}

func (s *Server) timeParam(value string) (*time.Time, error) {
	if strings.TrimSpace(value) == "" {
		return nil, nil
	}
	t, ok := s.resolver.ParseTime(value)
	if !ok {
		return nil, fmt.Errorf("unrecognised timestamp %q", value)
	}
	return &t, nil
}

func (s *Server) storeFailure(w http.ResponseWriter, err error) {
	s.logger.Error("store query failed", slog.Any("error", err))
	writeError(w, http.StatusInternalServerError, "internal error")
}

// clampInt parses value, falling back to def when absent or invalid, and bounds it to [lo, hi].
func clampInt(value string, def, lo, hi int) int {
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil && !errors.Is(err, strconv.ErrRange) {
		// Out-of-range input keeps Atoi's saturated value and clamps like any other number.
		n = def
	}
	return max(lo, min(n, hi))
}

package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aminovpavel/lorapipe/internal/decode"
	"github.com/aminovpavel/lorapipe/internal/downlink"
	"github.com/aminovpavel/lorapipe/internal/mqtt"
	"github.com/aminovpavel/lorapipe/internal/observability"
	"github.com/aminovpavel/lorapipe/internal/storage"
	"github.com/aminovpavel/lorapipe/internal/testutil"
)

const testAPIKey = "secret"

type spyReader struct {
	Reader
	mu       sync.Mutex
	lastPage storage.Page
	lastN    int
	calls    int
}

func (s *spyReader) ListUplinks(ctx context.Context, devEUI string, page storage.Page, full bool) ([]storage.UplinkRow, error) {
	s.mu.Lock()
	s.lastPage = page
	s.calls++
	s.mu.Unlock()
	return s.Reader.ListUplinks(ctx, devEUI, page, full)
}

func (s *spyReader) LatestUplinks(ctx context.Context, devEUI string, n int, full bool) ([]storage.UplinkRow, error) {
	s.mu.Lock()
	s.lastN = n
	s.calls++
	s.mu.Unlock()
	return s.Reader.LatestUplinks(ctx, devEUI, n, full)
}

type stubDownlinker struct {
	err  error
	reqs []downlink.Request
}

func (s *stubDownlinker) Publish(_ context.Context, req downlink.Request) (downlink.Ack, error) {
	s.reqs = append(s.reqs, req)
	if s.err != nil {
		return downlink.Ack{}, s.err
	}
	topic, payload, err := downlink.Build(req)
	if err != nil {
		return downlink.Ack{}, err
	}
	return downlink.Ack{Published: true, Topic: topic, Payload: payload}, nil
}

type mapCache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func (c *mapCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[key]
	return v, ok, nil
}

func (c *mapCache) Set(_ context.Context, key string, value []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = append([]byte(nil), value...)
	return nil
}

func (c *mapCache) Close() error { return nil }

func seededStore(t *testing.T) *storage.Store {
	t.Helper()
	ctx := context.Background()
	store, err := storage.Open(ctx, storage.Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "api.db")},
		storage.WithLogger(observability.NoOpLogger()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	builder := decode.NewBuilder(decode.BuilderConfig{})
	for i, env := range []testutil.Envelope{
		testutil.NewEnvelope().With("fCnt", 1).With("timestamp", 1700000000),
		testutil.NewEnvelope().With("fCnt", 2).With("timestamp", 1700000600).With("data", "e30=").Without("data_encode"),
	} {
		parsed, err := decode.ParseEnvelope(env.Bytes(t))
		require.NoError(t, err)
		up, err := builder.Build(parsed, env.Bytes(t))
		require.NoError(t, err)
		_, err = store.Upsert(ctx, up)
		require.NoError(t, err, "seed %d", i)
	}
	return store
}

func newTestServer(t *testing.T, cfg Config, reader Reader, dl Downlinker, opts ...Option) http.Handler {
	t.Helper()
	srv, err := New(context.Background(), cfg, reader, dl, opts...)
	require.NoError(t, err)
	return srv.Handler()
}

func do(t *testing.T, h http.Handler, method, path, body string, key string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if key != "" {
		req.Header.Set(apiKeyHeader, key)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func errorMessage(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.Error
}

func TestHealthNeedsNoKey(t *testing.T) {
	h := newTestServer(t, Config{}, seededStore(t), nil)
	rec := do(t, h, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestAPIKeyEnforcement(t *testing.T) {
	store := seededStore(t)

	unconfigured := newTestServer(t, Config{}, store, nil)
	rec := do(t, unconfigured, http.MethodGet, "/api/uplinks/devices", "", "anything")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "API key is not configured", errorMessage(t, rec))

	h := newTestServer(t, Config{APIKey: testAPIKey}, store, nil)
	for _, key := range []string{"", "wrong"} {
		rec := do(t, h, http.MethodGet, "/api/uplinks/devices", "", key)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, "key %q", key)
		assert.Equal(t, "Unauthorized", errorMessage(t, rec))
	}

	rec = do(t, h, http.MethodGet, "/api/uplinks/devices", "", testAPIKey)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, fmt.Sprintf(`[{"dev_eui":%q,"uplink_count":2}]`, testutil.TestDevEUI), rec.Body.String())
}

func TestListUplinksCompactAndFull(t *testing.T) {
	h := newTestServer(t, Config{APIKey: testAPIKey}, seededStore(t), nil)

	rec := do(t, h, http.MethodGet, "/api/uplinks/be078ddb76f70371", "", testAPIKey)
	require.Equal(t, http.StatusOK, rec.Code)
	var rows []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rows))
	require.Len(t, rows, 2)

	assert.Equal(t, "7B7D", rows[0]["data_hex"])
	assert.Equal(t, "{}", rows[0]["data_text"])
	assert.Equal(t, map[string]any{}, rows[0]["data_json"])
	assert.Equal(t, "2023-11-15T05:23:20+07:00", rows[0]["ts"])
	assert.Equal(t, "414243", rows[1]["data_hex"])
	assert.Equal(t, "ABC", rows[1]["data_text"])
	assert.Nil(t, rows[1]["data_json"])
	assert.NotContains(t, rows[0], "raw")
	assert.NotContains(t, rows[0], "app_id")
	assert.Equal(t, "LabElektro", rows[0]["app_name"])
	assert.EqualValues(t, -57, rows[0]["rssi_dbm"])

	rec = do(t, h, http.MethodGet, "/api/uplinks/BE078DDB76F70371/full?limit=1", "", testAPIKey)
	require.Equal(t, http.StatusOK, rec.Code)
	rows = nil
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, "1", rows[0]["app_id"])
	raw, ok := rows[0]["raw"].(map[string]any)
	require.True(t, ok, "raw must be the stored envelope object")
	assert.Equal(t, testutil.TestDevEUI, raw["devEUI"])
}

func TestListUplinksPaginationClamps(t *testing.T) {
	spy := &spyReader{Reader: seededStore(t)}
	h := newTestServer(t, Config{APIKey: testAPIKey}, spy, nil)

	tests := []struct {
		query      string
		wantLimit  int
		wantOffset int
	}{
		{"", 50, 0},
		{"?limit=10000", 500, 0},
		{"?limit=99999999999999999999", 500, 0},
		{"?limit=-99999999999999999999", 1, 0},
		{"?offset=99999999999999999999", 50, math.MaxInt32},
		{"?limit=0", 1, 0},
		{"?limit=abc&offset=xyz", 50, 0},
		{"?offset=-5", 50, 0},
		{"?limit=20&offset=40", 20, 40},
	}
	for _, tt := range tests {
		rec := do(t, h, http.MethodGet, "/api/uplinks/"+testutil.TestDevEUI+tt.query, "", testAPIKey)
		require.Equal(t, http.StatusOK, rec.Code, tt.query)
		assert.Equal(t, tt.wantLimit, spy.lastPage.Limit, tt.query)
		assert.Equal(t, tt.wantOffset, spy.lastPage.Offset, tt.query)
	}
}

func TestMaxPageSizeIsCapped(t *testing.T) {
	spy := &spyReader{Reader: seededStore(t)}
	h := newTestServer(t, Config{APIKey: testAPIKey, MaxPageSize: 5000}, spy, nil)

	rec := do(t, h, http.MethodGet, "/api/uplinks/"+testutil.TestDevEUI+"?limit=2000", "", testAPIKey)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 500, spy.lastPage.Limit)

	rec = do(t, h, http.MethodGet, "/api/uplinks/"+testutil.TestDevEUI+"/last10?n=2000", "", testAPIKey)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 500, spy.lastN)
}

func TestListUplinksTimeFilter(t *testing.T) {
	h := newTestServer(t, Config{APIKey: testAPIKey}, seededStore(t), nil)

	rec := do(t, h, http.MethodGet, "/api/uplinks/"+testutil.TestDevEUI+"?from=2023-11-15T05:20:00%2B07:00", "", testAPIKey)
	require.Equal(t, http.StatusOK, rec.Code)
	var rows []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, "7B7D", rows[0]["data_hex"])

	rec = do(t, h, http.MethodGet, "/api/uplinks/"+testutil.TestDevEUI+"?to=yesterday", "", testAPIKey)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestInvalidDevEUIRejectedBeforeStore(t *testing.T) {
	spy := &spyReader{Reader: seededStore(t)}
	h := newTestServer(t, Config{APIKey: testAPIKey}, spy, nil)

	paths := []string{
		"/api/uplinks/BE07",
		"/api/uplinks/BE07/latest",
		"/api/uplinks/BE07/last10",
		"/api/uplinks/BE07/full",
		"/api/uplinks/ZZZZZZZZZZZZZZZZ",
		"/api/uplinks/%C3%A9%C3%A9%C3%A9%C3%A9%C3%A9%C3%A9%C3%A9%C3%A9/latest",
	}
	for _, path := range paths {
		rec := do(t, h, http.MethodGet, path, "", testAPIKey)
		assert.Equal(t, http.StatusBadRequest, rec.Code, path)
	}
	assert.Zero(t, spy.calls)
}

func TestLatestAndLastN(t *testing.T) {
	spy := &spyReader{Reader: seededStore(t)}
	h := newTestServer(t, Config{APIKey: testAPIKey}, spy, nil)

	rec := do(t, h, http.MethodGet, "/api/uplinks/"+testutil.TestDevEUI+"/latest", "", testAPIKey)
	require.Equal(t, http.StatusOK, rec.Code)
	var row map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &row))
	assert.EqualValues(t, 2, row["fcnt"])

	rec = do(t, h, http.MethodGet, "/api/uplinks/"+testutil.TestDevEUI+"/latest/full", "", testAPIKey)
	require.Equal(t, http.StatusOK, rec.Code)
	row = nil
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &row))
	assert.Contains(t, row, "raw")

	rec = do(t, h, http.MethodGet, "/api/uplinks/0000000000000000/latest", "", testAPIKey)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, notFoundUplink, errorMessage(t, rec))

	rec = do(t, h, http.MethodGet, "/api/uplinks/"+testutil.TestDevEUI+"/last10?n=1", "", testAPIKey)
	require.Equal(t, http.StatusOK, rec.Code)
	var rows []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rows))
	assert.Len(t, rows, 1)

	do(t, h, http.MethodGet, "/api/uplinks/"+testutil.TestDevEUI+"/last10?n=9999", "", testAPIKey)
	assert.Equal(t, 500, spy.lastN)
	do(t, h, http.MethodGet, "/api/uplinks/"+testutil.TestDevEUI+"/last10", "", testAPIKey)
	assert.Equal(t, 10, spy.lastN)

	rec = do(t, h, http.MethodGet, "/api/uplinks/0000000000000000/last10", "", testAPIKey)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDownlinkEndpoint(t *testing.T) {
	dl := &stubDownlinker{}
	h := newTestServer(t, Config{APIKey: testAPIKey}, seededStore(t), dl)

	rec := do(t, h, http.MethodPost, "/api/downlink",
		`{"applicationName":"Lab","devEUI":"BE078DDB76F70371","data_text":"ABC"}`, testAPIKey)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{
		"published": true,
		"topic": "application/Lab/device/be078ddb76f70371/tx",
		"payload": {"confirmed": false, "fPort": 1, "data": "414243", "data_encode": "hexstring"}
	}`, rec.Body.String())

	rec = do(t, h, http.MethodPost, "/api/downlink",
		`{"applicationName":"Lab","devEUI":"BE078DDB76F70371","fPort":"7","confirmed":1,"data_hex":"0102"}`, testAPIKey)
	require.Equal(t, http.StatusOK, rec.Code)
	last := dl.reqs[len(dl.reqs)-1]
	require.NotNil(t, last.FPort)
	assert.Equal(t, 7, *last.FPort)
	assert.True(t, last.Confirmed)

	tests := []struct {
		name string
		body string
		want string
	}{
		{"invalid json", `{not json`, "Invalid JSON"},
		{"missing app", `{"devEUI":"BE078DDB76F70371","data_hex":"01"}`, "Missing field: applicationName"},
		{"missing devEUI", `{"applicationName":"Lab","data_hex":"01"}`, "Missing field: devEUI"},
		{"bad fport", `{"applicationName":"Lab","devEUI":"BE078DDB76F70371","fPort":"one","data_hex":"01"}`, "fPort must be integer"},
		{"empty payload", `{"applicationName":"Lab","devEUI":"BE078DDB76F70371"}`, downlink.ErrEmptyPayload.Error()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, http.MethodPost, "/api/downlink", tt.body, testAPIKey)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, tt.want, errorMessage(t, rec))
		})
	}

	rec = do(t, h, http.MethodPost, "/api/downlink", `{"applicationName":"Lab","devEUI":"BE07","data_hex":"01"}`, testAPIKey)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDownlinkPublishFailures(t *testing.T) {
	body := `{"applicationName":"Lab","devEUI":"BE078DDB76F70371","data_hex":"01"}`

	timeout := newTestServer(t, Config{APIKey: testAPIKey}, seededStore(t),
		&stubDownlinker{err: fmt.Errorf("downlink: publish: %w", mqtt.ErrPublishTimeout)})
	rec := do(t, timeout, http.MethodPost, "/api/downlink", body, testAPIKey)
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)

	broken := newTestServer(t, Config{APIKey: testAPIKey}, seededStore(t),
		&stubDownlinker{err: errors.New("broker unreachable")})
	rec = do(t, broken, http.MethodPost, "/api/downlink", body, testAPIKey)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestReadResponsesAreCached(t *testing.T) {
	spy := &spyReader{Reader: seededStore(t)}
	cache := &mapCache{data: map[string][]byte{}}
	h := newTestServer(t, Config{APIKey: testAPIKey}, spy, nil, WithCache(cache))

	path := "/api/uplinks/" + testutil.TestDevEUI + "?limit=5"
	first := do(t, h, http.MethodGet, path, "", testAPIKey)
	second := do(t, h, http.MethodGet, path, "", testAPIKey)
	require.Equal(t, http.StatusOK, first.Code)
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, first.Body.String(), second.Body.String())
	assert.Equal(t, 1, spy.calls)

	notFound := "/api/uplinks/0000000000000000/latest"
	do(t, h, http.MethodGet, notFound, "", testAPIKey)
	do(t, h, http.MethodGet, notFound, "", testAPIKey)
	assert.Equal(t, 3, spy.calls, "non-200 responses must not be cached")
}

func TestNewCacheConfig(t *testing.T) {
	cache, err := newCache(context.Background(), CacheConfig{})
	require.NoError(t, err)
	assert.IsType(t, noopCache{}, cache)

	_, err = newCache(context.Background(), CacheConfig{Enabled: true})
	assert.Error(t, err)

	_, err = newCache(context.Background(), CacheConfig{Enabled: true, RedisAddress: "127.0.0.1:1"})
	assert.ErrorContains(t, err, "ping redis")
}

func TestRenderTime(t *testing.T) {
	loc := time.FixedZone("UTC+07:00", 7*3600)
	assert.Nil(t, renderTime(storage.Timestamp{}, loc))
	assert.Equal(t, "not-a-time", renderTime(storage.Timestamp{Raw: "not-a-time", Valid: true}, loc))
	assert.Equal(t, "2023-11-15T05:13:20+07:00",
		renderTime(storage.Timestamp{Time: time.Unix(1700000000, 0).UTC(), Valid: true}, loc))
}

package httpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Carlos20473736/monetag-postback-server/internal/config"
	"github.com/Carlos20473736/monetag-postback-server/internal/ingest"
	"github.com/Carlos20473736/monetag-postback-server/internal/metrics"
	"github.com/Carlos20473736/monetag-postback-server/internal/models"
	"github.com/Carlos20473736/monetag-postback-server/internal/session"
	"github.com/Carlos20473736/monetag-postback-server/internal/storage"
	"github.com/Carlos20473736/monetag-postback-server/internal/tracker"
)

var testMetrics = metrics.NewMetrics("httpserver_test")

func newTestServer(t *testing.T, adminToken string) *Server {
	t.Helper()
	return newTestServerWithStore(t, adminToken, storage.NewMemoryCounterStore())
}

func newTestServerWithStore(t *testing.T, adminToken string, store storage.CounterStore) *Server {
	t.Helper()

	cfg := &config.Config{}
	cfg.Auth.AdminToken = adminToken
	cfg.RateLimit.Enabled = false
	cfg.Metrics.Enabled = false

	svc := tracker.NewService(tracker.Options{
		Mode:      ingest.ModeZoneAndUser,
		UserField: ingest.UserFieldYmid,
		Policy: session.Policy{
			ImpressionThreshold: 2,
			ClickThreshold:      1,
			Duration:            900 * time.Second,
		},
	}, store, storage.NewMemoryEventLog(0), nil, testMetrics, zap.NewNop())

	return NewServer(Dependencies{
		Config:  cfg,
		Tracker: svc,
		Metrics: testMetrics,
		Logger:  zap.NewNop(),
		Backend: "memory",
	})
}

func doRequest(srv *Server, method, target string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestPostbackGet(t *testing.T) {
	srv := newTestServer(t, "")

	rec := doRequest(srv, http.MethodGet,
		"/api/postback?event_type=impression&zone_id=z1&ymid=u1&estimated_price=0.001", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, true, body["success"])
	assert.NotEmpty(t, body["event_id"])
	assert.Equal(t, "z1", body["zone_id"])
}

func TestPostbackPostJSON(t *testing.T) {
	srv := newTestServer(t, "")

	req := httptest.NewRequest(http.MethodPost, "/api/postback",
		strings.NewReader(`{"event_type":"click","zone_id":"z9","ymid":"u3","estimated_price":0.002}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["success"])

	stats := doRequest(srv, http.MethodGet, "/api/stats/zone/z9", nil)
	require.Equal(t, http.StatusOK, stats.Code)
	statsBody := decodeBody(t, stats)
	assert.Equal(t, float64(1), statsBody["total_clicks"])
}

func TestPostbackValidationReturns400(t *testing.T) {
	srv := newTestServer(t, "")

	rec := doRequest(srv, http.MethodGet, "/api/postback?zone_id=z1", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	body := decodeBody(t, rec)
	assert.Contains(t, body["error"], "event_type")

	rec = doRequest(srv, http.MethodGet, "/api/postback?event_type=impression", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatsShapes(t *testing.T) {
	srv := newTestServer(t, "")

	for i := 0; i < 2; i++ {
		doRequest(srv, http.MethodGet,
			"/api/postback?event_type=impression&zone_id=z1&ymid=u1&estimated_price=0.01", nil)
	}
	doRequest(srv, http.MethodGet, "/api/postback?event_type=click&zone_id=z1&ymid=u1", nil)

	global := decodeBody(t, doRequest(srv, http.MethodGet, "/api/stats", nil))
	assert.Equal(t, "global", global["scope"])
	assert.Equal(t, float64(2), global["total_impressions"])
	assert.Equal(t, float64(1), global["total_clicks"])
	assert.Equal(t, "50.00%", global["ctr"])

	zone := decodeBody(t, doRequest(srv, http.MethodGet, "/api/stats/zone/z1", nil))
	assert.Equal(t, "zone", zone["scope"])
	assert.Equal(t, "z1", zone["zone_id"])

	user := decodeBody(t, doRequest(srv, http.MethodGet, "/api/stats/user/u1", nil))
	assert.Equal(t, "user", user["scope"])
	assert.Equal(t, true, user["session_active"], "thresholds 2/1 crossed")
	assert.NotEmpty(t, user["expires_at"])
	assert.NotNil(t, user["seconds_remaining"])
}

func TestStatsUnknownIDsReturnZeros(t *testing.T) {
	srv := newTestServer(t, "")

	zone := doRequest(srv, http.MethodGet, "/api/stats/zone/nothing", nil)
	require.Equal(t, http.StatusOK, zone.Code)
	assert.Equal(t, float64(0), decodeBody(t, zone)["total_impressions"])

	user := doRequest(srv, http.MethodGet, "/api/stats/user/nobody", nil)
	require.Equal(t, http.StatusOK, user.Code)
	body := decodeBody(t, user)
	assert.Equal(t, float64(0), body["total_impressions"])
	assert.Equal(t, false, body["session_active"])
}

func TestAdminResetRequiresToken(t *testing.T) {
	srv := newTestServer(t, "secret")

	rec := doRequest(srv, http.MethodPost, "/api/admin/reset", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doRequest(srv, http.MethodPost, "/api/admin/reset",
		map[string]string{"X-Admin-Token": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doRequest(srv, http.MethodPost, "/api/admin/reset",
		map[string]string{"X-Admin-Token": "secret"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAdminResetScopes(t *testing.T) {
	srv := newTestServer(t, "")

	doRequest(srv, http.MethodGet, "/api/postback?event_type=impression&zone_id=z1&ymid=u1", nil)
	doRequest(srv, http.MethodGet, "/api/postback?event_type=impression&zone_id=z2&ymid=u2", nil)

	rec := doRequest(srv, http.MethodPost, "/api/admin/reset/zone/z1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, float64(1), body["deleted"])

	// z1 gone, z2 untouched.
	zone := decodeBody(t, doRequest(srv, http.MethodGet, "/api/stats/zone/z1", nil))
	assert.Equal(t, float64(0), zone["total_impressions"])
	zone = decodeBody(t, doRequest(srv, http.MethodGet, "/api/stats/zone/z2", nil))
	assert.Equal(t, float64(1), zone["total_impressions"])

	rec = doRequest(srv, http.MethodPost, "/api/admin/reset/user/u2", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(srv, http.MethodPost, "/api/admin/reset", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	global := decodeBody(t, doRequest(srv, http.MethodGet, "/api/stats", nil))
	assert.Equal(t, float64(0), global["total_impressions"])
}

func TestEventsEndpoint(t *testing.T) {
	srv := newTestServer(t, "")

	doRequest(srv, http.MethodGet, "/api/postback?event_type=impression&zone_id=z1&ymid=u1", nil)
	doRequest(srv, http.MethodGet, "/api/postback?event_type=click&zone_id=z2&ymid=u1", nil)

	rec := doRequest(srv, http.MethodGet, "/api/events", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, float64(2), body["count"])

	rec = doRequest(srv, http.MethodGet, "/api/events?event_type=click", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), decodeBody(t, rec)["count"])
}

// unavailableStore simulates an unreachable counter backend.
type unavailableStore struct{}

func (unavailableStore) Apply(context.Context, *models.PostbackEvent, []models.AggregationKey, session.Policy) (*storage.ApplyResult, error) {
	return nil, storage.ErrUnavailable
}
func (unavailableStore) Get(context.Context, models.AggregationKey) (*models.CounterRecord, error) {
	return nil, storage.ErrUnavailable
}
func (unavailableStore) Sum(context.Context, models.KeyKind) (*models.CounterRecord, error) {
	return nil, storage.ErrUnavailable
}
func (unavailableStore) SumZone(context.Context, string) (*models.CounterRecord, error) {
	return nil, storage.ErrUnavailable
}
func (unavailableStore) Reset(context.Context, storage.ResetScope) (int64, error) {
	return 0, storage.ErrUnavailable
}
func (unavailableStore) ExpireLapsed(context.Context) (int64, error) {
	return 0, storage.ErrUnavailable
}

func TestStatsServeZerosWhenStorageDown(t *testing.T) {
	srv := newTestServerWithStore(t, "", unavailableStore{})

	global := doRequest(srv, http.MethodGet, "/api/stats", nil)
	require.Equal(t, http.StatusOK, global.Code, "backend hiccup must not 500 a stats read")
	body := decodeBody(t, global)
	assert.Equal(t, float64(0), body["total_impressions"])
	assert.Equal(t, float64(0), body["total_clicks"])

	zone := doRequest(srv, http.MethodGet, "/api/stats/zone/z1", nil)
	require.Equal(t, http.StatusOK, zone.Code)
	assert.Equal(t, float64(0), decodeBody(t, zone)["total_impressions"])

	user := doRequest(srv, http.MethodGet, "/api/stats/user/u1", nil)
	require.Equal(t, http.StatusOK, user.Code)
	userBody := decodeBody(t, user)
	assert.Equal(t, float64(0), userBody["total_impressions"])
	assert.Equal(t, false, userBody["session_active"])
	assert.Nil(t, userBody["expires_at"])

	// Ingestion stays best-effort and admin resets keep surfacing errors.
	postback := doRequest(srv, http.MethodGet,
		"/api/postback?event_type=impression&zone_id=z1&ymid=u1", nil)
	assert.Equal(t, http.StatusOK, postback.Code)

	reset := doRequest(srv, http.MethodPost, "/api/admin/reset", nil)
	assert.Equal(t, http.StatusInternalServerError, reset.Code)
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(t, "")

	rec := doRequest(srv, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "memory", body["backend"])
}

func TestMethodNotAllowed(t *testing.T) {
	srv := newTestServer(t, "")

	rec := doRequest(srv, http.MethodDelete, "/api/postback", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = doRequest(srv, http.MethodPost, "/api/stats", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = doRequest(srv, http.MethodGet, "/api/admin/reset", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

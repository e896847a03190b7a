package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agentworkforce/orbital/internal/catalog"
	"github.com/agentworkforce/orbital/internal/chat"
	"github.com/agentworkforce/orbital/internal/datasync"
	"github.com/agentworkforce/orbital/internal/query"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

var testNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type fakeSyncer struct {
	mu    sync.Mutex
	calls [][]string
	run   catalog.SyncRun
	err   error
}

func (f *fakeSyncer) RunSync(_ context.Context, resources []string) (catalog.SyncRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, resources)
	return f.run, f.err
}

type fakeCollaborator struct {
	answer chat.Answer
	err    error
}

func (f *fakeCollaborator) Ask(context.Context, chat.AskRequest) (chat.Answer, error) {
	return f.answer, f.err
}

func (f *fakeCollaborator) Suggestions(context.Context) (chat.SuggestionSet, error) {
	return chat.SuggestionSet{}, f.err
}

func (f *fakeCollaborator) HealthCheck(context.Context) (chat.HealthReport, error) {
	return chat.HealthReport{Status: "healthy"}, f.err
}

type fixedHealth struct{ health chat.Health }

func (f fixedHealth) Health() chat.Health { return f.health }

type testEnv struct {
	server *Server
	store  *catalog.Store
	syncer *fakeSyncer
	collab *fakeCollaborator
}

func newTestEnv(t *testing.T, cfg ServerConfig) *testEnv {
	t.Helper()
	store := catalog.NewStoreWithOptions(catalog.StoreOptions{Now: func() time.Time { return testNow }})
	t.Cleanup(store.Close)
	syncer := &fakeSyncer{}
	collab := &fakeCollaborator{answer: chat.Answer{Response: "Falcon 9 is reusable.", Confidence: 0.8}}
	proxy, err := chat.NewProxy(collab, chat.ProxyOptions{RequestTimeout: time.Second})
	if err != nil {
		t.Fatalf("new proxy: %v", err)
	}
	checkedAt := testNow
	cfg.Now = func() time.Time { return testNow }
	server := NewServer(Deps{
		Catalog: store,
		Syncer:  syncer,
		Search:  query.NewTranslator(store, query.Options{}),
		Chat:    proxy,
		Health:  fixedHealth{chat.Health{Status: chat.StatusHealthy, LastCheckedAt: &checkedAt}},
	}, cfg)
	return &testEnv{server: server, store: store, syncer: syncer, collab: collab}
}

func seedCatalog(t *testing.T, store *catalog.Store) {
	t.Helper()
	success := true
	entities := []catalog.Entity{
		catalog.Rocket{Meta: catalog.Meta{Source: "spacex", ExternalID: "f9"}, Name: "Falcon 9", Type: "rocket", Active: true, SuccessRatePct: 98},
		catalog.Launch{
			Meta:     catalog.Meta{Source: "spacex", ExternalID: "l1"},
			Name:     "Falcon 9 | Starlink 2-4",
			Date:     time.Date(2023, 1, 19, 0, 0, 0, 0, time.UTC),
			Success:  &success,
			RocketID: "spacex:f9",
		},
		catalog.Mission{Meta: catalog.Meta{Source: "nasa", ExternalID: "17"}, Name: "DSOC", StartDate: time.Date(2014, 10, 1, 0, 0, 0, 0, time.UTC)},
	}
	for _, e := range entities {
		if _, err := store.Upsert(e); err != nil {
			t.Fatalf("seed %s: %v", e.Kind(), err)
		}
	}
}

func TestHealthAndUnknownRoute(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})
	resp := doRequest(t, env.server, request{method: http.MethodGet, path: "/health"})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}

	resp = doRequest(t, env.server, request{
		method:  http.MethodGet,
		path:    "/v1/nowhere",
		headers: map[string]string{"X-Correlation-Id": "corr_404"},
	})
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Code)
	}
	envelope := decodeEnvelope(t, resp)
	if envelope.Code != "not_found" || envelope.CorrelationID != "corr_404" {
		t.Fatalf("unexpected envelope: %+v", envelope)
	}
	if got := resp.Header().Get("X-Correlation-Id"); got != "corr_404" {
		t.Fatalf("expected correlation id echoed, got %q", got)
	}
}

func TestCorrelationIDGeneratedWhenMissing(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})
	resp := doRequest(t, env.server, request{method: http.MethodGet, path: "/v1/launches/missing"})
	envelope := decodeEnvelope(t, resp)
	if envelope.CorrelationID == "" || envelope.CorrelationID != resp.Header().Get("X-Correlation-Id") {
		t.Fatalf("expected generated correlation id, got %+v / %q", envelope, resp.Header().Get("X-Correlation-Id"))
	}
}

func TestSyncRoute(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})
	env.syncer.run = catalog.SyncRun{ID: "run_1", Status: catalog.RunPartialFailure, Resources: []string{"launches", "rockets"}}

	resp := doRawRequest(t, env.server, rawRequest{method: http.MethodPost, path: "/v1/sync"})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 for partial failure, got %d (%s)", resp.Code, resp.Body.String())
	}
	var run catalog.SyncRun
	if err := json.NewDecoder(resp.Body).Decode(&run); err != nil {
		t.Fatalf("decode run: %v", err)
	}
	if run.ID != "run_1" || run.Status != catalog.RunPartialFailure {
		t.Fatalf("unexpected run: %+v", run)
	}

	resp = doRequest(t, env.server, request{method: http.MethodPost, path: "/v1/sync", body: map[string]any{"resources": []string{"rockets"}}})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if got := env.syncer.calls[1]; len(got) != 1 || got[0] != "rockets" {
		t.Fatalf("expected resources forwarded, got %v", got)
	}

	env.syncer.err = datasync.ErrAlreadyRunning
	resp = doRequest(t, env.server, request{method: http.MethodPost, path: "/v1/sync"})
	if resp.Code != http.StatusConflict || decodeEnvelope(t, resp).Code != "already_running" {
		t.Fatalf("expected 409 already_running, got %d (%s)", resp.Code, resp.Body.String())
	}

	env.syncer.err = fmt.Errorf("%w: comets", datasync.ErrUnknownResource)
	resp = doRequest(t, env.server, request{method: http.MethodPost, path: "/v1/sync"})
	if resp.Code != http.StatusBadRequest || decodeEnvelope(t, resp).Code != "unknown_resource" {
		t.Fatalf("expected 400 unknown_resource, got %d (%s)", resp.Code, resp.Body.String())
	}

	resp = doRawRequest(t, env.server, rawRequest{method: http.MethodPost, path: "/v1/sync", body: []byte("{")})
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid json, got %d", resp.Code)
	}
}

func TestSyncRunsRoutes(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})
	for i := 1; i <= 3; i++ {
		started := testNow.Add(time.Duration(i) * time.Minute)
		if err := env.store.RecordRun(catalog.SyncRun{
			ID:          fmt.Sprintf("run_%d", i),
			StartedAt:   started,
			CompletedAt: started.Add(time.Second),
			Status:      catalog.RunSuccess,
		}); err != nil {
			t.Fatalf("record run: %v", err)
		}
	}

	resp := doRequest(t, env.server, request{method: http.MethodGet, path: "/v1/sync/runs?limit=2"})
	var body struct {
		Runs []catalog.SyncRun `json:"runs"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode runs: %v", err)
	}
	if len(body.Runs) != 2 || body.Runs[0].ID != "run_3" {
		t.Fatalf("expected newest two runs, got %+v", body.Runs)
	}

	resp = doRequest(t, env.server, request{method: http.MethodGet, path: "/v1/sync/runs/run_1"})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	resp = doRequest(t, env.server, request{method: http.MethodGet, path: "/v1/sync/runs/run_9"})
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Code)
	}
}

func TestSearchRoute(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})
	seedCatalog(t, env.store)

	resp := doRequest(t, env.server, request{
		method: http.MethodPost,
		path:   "/v1/search",
		body:   map[string]any{"query": "falcon 2023", "filters": map[string]any{"successOnly": true}},
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", resp.Code, resp.Body.String())
	}
	var result query.Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if len(result.Launches) != 1 || result.Launches[0].ID != "spacex:l1" || result.TotalResults != 1 {
		t.Fatalf("unexpected search result: %+v", result)
	}

	resp = doRequest(t, env.server, request{
		method: http.MethodPost,
		path:   "/v1/search",
		body:   map[string]any{"query": "falcon", "filters": map[string]any{"dateFrom": "2024-02-01", "dateTo": "2024-01-01"}},
	})
	if resp.Code != http.StatusBadRequest || decodeEnvelope(t, resp).Code != "invalid_filter_range" {
		t.Fatalf("expected 400 invalid_filter_range, got %d (%s)", resp.Code, resp.Body.String())
	}

	resp = doRequest(t, env.server, request{
		method: http.MethodPost,
		path:   "/v1/search",
		body:   map[string]any{"query": "falcon", "filters": map[string]any{"dateFrom": "soon"}},
	})
	if resp.Code != http.StatusBadRequest || decodeEnvelope(t, resp).Code != "invalid_filter" {
		t.Fatalf("expected 400 invalid_filter, got %d (%s)", resp.Code, resp.Body.String())
	}
}

func TestStatsOnEmptyCatalog(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})
	resp := doRequest(t, env.server, request{method: http.MethodGet, path: "/v1/stats"})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var stats map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats["totalLaunches"] != float64(0) || stats["successRate"] != float64(0) {
		t.Fatalf("unexpected stats: %v", stats)
	}
}

func TestEntityAndInsightRoutes(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})
	seedCatalog(t, env.store)

	resp := doRequest(t, env.server, request{method: http.MethodGet, path: "/v1/rockets/spacex:f9"})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", resp.Code, resp.Body.String())
	}
	var rocket catalog.Rocket
	if err := json.NewDecoder(resp.Body).Decode(&rocket); err != nil {
		t.Fatalf("decode rocket: %v", err)
	}
	if rocket.Name != "Falcon 9" {
		t.Fatalf("unexpected rocket: %+v", rocket)
	}

	resp = doRequest(t, env.server, request{method: http.MethodGet, path: "/v1/missions/nasa:404"})
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Code)
	}

	resp = doRequest(t, env.server, request{method: http.MethodGet, path: "/v1/insights/launch/spacex:l1"})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", resp.Code, resp.Body.String())
	}
	var insight struct {
		Summary  string   `json:"summary"`
		KeyFacts []string `json:"keyFacts"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&insight); err != nil {
		t.Fatalf("decode insight: %v", err)
	}
	if insight.Summary != "Launch Falcon 9 | Starlink 2-4 analysis" || insight.KeyFacts[1] != "Rocket: Falcon 9" {
		t.Fatalf("unexpected insight: %+v", insight)
	}

	resp = doRequest(t, env.server, request{method: http.MethodGet, path: "/v1/insights/comet/x"})
	if resp.Code != http.StatusBadRequest || decodeEnvelope(t, resp).Code != "invalid_entity_type" {
		t.Fatalf("expected 400 invalid_entity_type, got %d (%s)", resp.Code, resp.Body.String())
	}
	resp = doRequest(t, env.server, request{method: http.MethodGet, path: "/v1/insights/mission/nasa:99"})
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Code)
	}
}

func TestSimilarRoute(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})
	seedCatalog(t, env.store)
	if _, err := env.store.Upsert(catalog.Launch{
		Meta:     catalog.Meta{Source: "spacex", ExternalID: "l2"},
		Name:     "Falcon 9 | Starlink 2-5",
		Date:     time.Date(2023, 2, 2, 0, 0, 0, 0, time.UTC),
		RocketID: "spacex:f9",
	}); err != nil {
		t.Fatalf("seed launch: %v", err)
	}

	resp := doRequest(t, env.server, request{method: http.MethodGet, path: "/v1/similar/launch/spacex:l1"})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", resp.Code, resp.Body.String())
	}
	var similar struct {
		SimilarLaunches []catalog.Launch `json:"similarLaunches"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&similar); err != nil {
		t.Fatalf("decode similar: %v", err)
	}
	if len(similar.SimilarLaunches) != 1 || similar.SimilarLaunches[0].ID != "spacex:l2" {
		t.Fatalf("unexpected similar launches: %+v", similar.SimilarLaunches)
	}

	resp = doRequest(t, env.server, request{method: http.MethodGet, path: "/v1/similar/mission/nasa:17"})
	if resp.Code != http.StatusOK || !strings.Contains(resp.Body.String(), `"similarMissions":[]`) {
		t.Fatalf("expected empty similarMissions, got %d (%s)", resp.Code, resp.Body.String())
	}

	resp = doRequest(t, env.server, request{method: http.MethodGet, path: "/v1/similar/rocket/spacex:missing"})
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Code)
	}
	resp = doRequest(t, env.server, request{method: http.MethodGet, path: "/v1/similar/comet/x"})
	if resp.Code != http.StatusBadRequest || decodeEnvelope(t, resp).Code != "invalid_entity_type" {
		t.Fatalf("expected 400 invalid_entity_type, got %d (%s)", resp.Code, resp.Body.String())
	}
}

func TestChatRoutes(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})

	resp := doRequest(t, env.server, request{method: http.MethodPost, path: "/v1/chat/ask", body: map[string]any{"message": "falcon?"}})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", resp.Code, resp.Body.String())
	}
	var result chat.AskResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("decode ask result: %v", err)
	}
	if result.Status != chat.OutcomeFulfilled || result.Response != "Falcon 9 is reusable." {
		t.Fatalf("unexpected ask result: %+v", result)
	}

	env.collab.err = errors.New("connection refused")
	resp = doRequest(t, env.server, request{method: http.MethodPost, path: "/v1/chat/ask", body: map[string]any{"message": "upcoming launches?"}})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 for degraded ask, got %d", resp.Code)
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("decode ask result: %v", err)
	}
	if result.Status != chat.OutcomeDegraded || result.Confidence > 0.5 {
		t.Fatalf("expected degraded result, got %+v", result)
	}

	resp = doRequest(t, env.server, request{method: http.MethodPost, path: "/v1/chat/ask", body: map[string]any{"message": ""}})
	if resp.Code != http.StatusBadRequest || decodeEnvelope(t, resp).Code != "invalid_request" {
		t.Fatalf("expected 400 invalid_request, got %d (%s)", resp.Code, resp.Body.String())
	}

	resp = doRequest(t, env.server, request{method: http.MethodGet, path: "/v1/chat/suggestions"})
	var suggestions chat.Suggestions
	if err := json.NewDecoder(resp.Body).Decode(&suggestions); err != nil {
		t.Fatalf("decode suggestions: %v", err)
	}
	if suggestions.Status != chat.OutcomeDegraded || len(suggestions.Suggestions) == 0 || len(suggestions.Categories) == 0 {
		t.Fatalf("expected local suggestions, got %+v", suggestions)
	}

	resp = doRequest(t, env.server, request{method: http.MethodGet, path: "/v1/chat/health"})
	var health chat.Health
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if health.Status != chat.StatusHealthy || health.LastCheckedAt == nil {
		t.Fatalf("unexpected health: %+v", health)
	}
}

func TestChatRoutesWithoutChat(t *testing.T) {
	server := NewServer(Deps{Catalog: catalog.NewStore()}, ServerConfig{})
	resp := doRequest(t, server, request{method: http.MethodGet, path: "/v1/chat/health"})
	if resp.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.Code)
	}
}

func TestChatWebsocket(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})
	srv := httptest.NewServer(env.server)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/v1/chat/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	if err := wsjson.Write(ctx, conn, chat.AskRequest{Message: "falcon?"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	var result chat.AskResult
	if err := wsjson.Read(ctx, conn, &result); err != nil {
		t.Fatalf("read: %v", err)
	}
	if result.Status != chat.OutcomeFulfilled {
		t.Fatalf("unexpected result: %+v", result)
	}

	if err := wsjson.Write(ctx, conn, chat.AskRequest{Message: " "}); err != nil {
		t.Fatalf("write: %v", err)
	}
	var failure socketError
	if err := wsjson.Read(ctx, conn, &failure); err != nil {
		t.Fatalf("read: %v", err)
	}
	if failure.Code != "invalid_request" {
		t.Fatalf("expected invalid_request, got %+v", failure)
	}
	if err := conn.Close(websocket.StatusNormalClosure, ""); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestRateLimitingByClient(t *testing.T) {
	env := newTestEnv(t, ServerConfig{RateLimitMax: 2, RateLimitWindow: time.Minute})
	for i := 0; i < 2; i++ {
		resp := doRequest(t, env.server, request{method: http.MethodGet, path: "/v1/stats"})
		if resp.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, resp.Code)
		}
	}
	resp := doRequest(t, env.server, request{method: http.MethodGet, path: "/v1/stats"})
	if resp.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", resp.Code)
	}
	if resp.Header().Get("Retry-After") != "60" {
		t.Fatalf("expected Retry-After 60, got %q", resp.Header().Get("Retry-After"))
	}

	resp = doRequest(t, env.server, request{method: http.MethodGet, path: "/health"})
	if resp.Code != http.StatusOK {
		t.Fatalf("health is not rate limited, got %d", resp.Code)
	}
}

func TestRateLimiterDropsExpiredClients(t *testing.T) {
	limiter := &rateLimiter{window: time.Minute, max: 1, entries: map[string]rateEntry{}}
	start := testNow
	for _, key := range []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"} {
		if !limiter.allow(key, start) {
			t.Fatalf("first request from %s should be allowed", key)
		}
	}
	if limiter.allow("10.0.0.1", start.Add(time.Second)) {
		t.Fatalf("second request inside the window should be limited")
	}
	if got := len(limiter.entries); got != 3 {
		t.Fatalf("expected 3 tracked clients, got %d", got)
	}

	if !limiter.allow("10.0.0.4", start.Add(2*time.Minute)) {
		t.Fatalf("new client should be allowed")
	}
	if got := len(limiter.entries); got != 1 {
		t.Fatalf("expected expired clients to be dropped, %d still tracked", got)
	}
	if _, ok := limiter.entries["10.0.0.4"]; !ok {
		t.Fatalf("current client missing from limiter")
	}
}

func TestRequestBodyLimit(t *testing.T) {
	env := newTestEnv(t, ServerConfig{MaxBodyBytes: 32})
	resp := doRawRequest(t, env.server, rawRequest{
		method: http.MethodPost,
		path:   "/v1/chat/ask",
		body:   []byte(`{"message":"` + strings.Repeat("a", 64) + `"}`),
	})
	if resp.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", resp.Code)
	}
}

type envelope struct {
	Code          string `json:"code"`
	Message       string `json:"message"`
	CorrelationID string `json:"correlationId"`
}

func decodeEnvelope(t *testing.T, resp *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	if err := json.NewDecoder(bytes.NewReader(resp.Body.Bytes())).Decode(&env); err != nil {
		t.Fatalf("decode error envelope: %v (%s)", err, resp.Body.String())
	}
	return env
}

type request struct {
	method  string
	path    string
	headers map[string]string
	body    map[string]any
}

type rawRequest struct {
	method  string
	path    string
	headers map[string]string
	body    []byte
}

func doRequest(t *testing.T, server http.Handler, r request) *httptest.ResponseRecorder {
	t.Helper()
	var bodyBytes []byte
	if r.body != nil {
		data, err := json.Marshal(r.body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		bodyBytes = data
	}
	req := httptest.NewRequest(r.method, r.path, bytes.NewReader(bodyBytes))
	for k, v := range r.headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	return rec
}

func doRawRequest(t *testing.T, server http.Handler, r rawRequest) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(r.method, r.path, bytes.NewReader(r.body))
	for k, v := range r.headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	return rec
}

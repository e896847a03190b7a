package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/orbital/internal/catalog"
	"github.com/agentworkforce/orbital/internal/chat"
	"github.com/agentworkforce/orbital/internal/datasync"
	"github.com/agentworkforce/orbital/internal/insights"
	"github.com/agentworkforce/orbital/internal/query"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type ServerConfig struct {
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	Logger          *zap.Logger
	Now             func() time.Time
}

type Catalog interface {
	Snapshot() catalog.Snapshot
	GetLaunch(id string) (catalog.Launch, error)
	GetRocket(id string) (catalog.Rocket, error)
	GetMission(id string) (catalog.Mission, error)
	ListRuns(limit int) []catalog.SyncRun
	GetRun(id string) (catalog.SyncRun, error)
}

type Syncer interface {
	RunSync(ctx context.Context, resources []string) (catalog.SyncRun, error)
}

type Searcher interface {
	Search(ctx context.Context, freeText string, filter query.Filter) (query.Result, error)
}

type ChatProxy interface {
	Ask(ctx context.Context, req chat.AskRequest) (chat.AskResult, error)
	Suggestions(ctx context.Context) chat.Suggestions
}

type HealthReader interface {
	Health() chat.Health
}

// Deps are the services behind the routes. Chat and Health may be nil, in
// which case the chat routes answer 503.
type Deps struct {
	Catalog Catalog
	Syncer  Syncer
	Search  Searcher
	Chat    ChatProxy
	Health  HealthReader
}

type Server struct {
	deps        Deps
	cfg         ServerConfig
	logger      *zap.Logger
	rateLimiter *rateLimiter
}

type rateLimiter struct {
	mu        sync.Mutex
	window    time.Duration
	max       int
	entries   map[string]rateEntry
	nextSweep time.Time
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(deps Deps, cfg ServerConfig) *Server {
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{deps: deps, cfg: cfg, logger: logger, rateLimiter: limiter}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	correlationID := getCorrelationID(r)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	w.Header().Set("X-Correlation-Id", correlationID)
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	s.route(rec, r, correlationID)
	s.logger.Debug("request served",
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.Int("status", rec.status),
		zap.Duration("elapsed", time.Since(started)),
		zap.String("correlationId", correlationID),
	)
}

func (s *Server) route(w http.ResponseWriter, r *http.Request, correlationID string) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != "v1" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}

	var route string
	switch {
	case len(parts) == 2 && parts[1] == "sync" && r.Method == http.MethodPost:
		route = "sync"
	case len(parts) == 3 && parts[1] == "sync" && parts[2] == "runs" && r.Method == http.MethodGet:
		route = "sync_runs"
	case len(parts) == 4 && parts[1] == "sync" && parts[2] == "runs" && r.Method == http.MethodGet:
		route = "sync_run"
	case len(parts) == 2 && parts[1] == "search" && r.Method == http.MethodPost:
		route = "search"
	case len(parts) == 2 && parts[1] == "stats" && r.Method == http.MethodGet:
		route = "stats"
	case len(parts) == 3 && isCollection(parts[1]) && r.Method == http.MethodGet:
		route = "entity"
	case len(parts) == 4 && parts[1] == "insights" && r.Method == http.MethodGet:
		route = "insight"
	case len(parts) == 4 && parts[1] == "similar" && r.Method == http.MethodGet:
		route = "similar"
	case len(parts) == 3 && parts[1] == "chat" && parts[2] == "ask" && r.Method == http.MethodPost:
		route = "chat_ask"
	case len(parts) == 3 && parts[1] == "chat" && parts[2] == "suggestions" && r.Method == http.MethodGet:
		route = "chat_suggestions"
	case len(parts) == 3 && parts[1] == "chat" && parts[2] == "health" && r.Method == http.MethodGet:
		route = "chat_health"
	case len(parts) == 3 && parts[1] == "chat" && parts[2] == "ws" && r.Method == http.MethodGet:
		route = "chat_ws"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}

	if s.rateLimiter != nil {
		if !s.rateLimiter.allow(clientKey(r), s.cfg.Now()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return
		}
	}

	switch route {
	case "sync":
		s.handleSync(w, r, correlationID)
	case "sync_runs":
		s.handleSyncRuns(w, r)
	case "sync_run":
		s.handleSyncRun(w, parts[3], correlationID)
	case "search":
		s.handleSearch(w, r, correlationID)
	case "stats":
		writeJSON(w, http.StatusOK, insights.Compute(s.deps.Catalog.Snapshot(), s.cfg.Now()))
	case "entity":
		s.handleEntity(w, parts[1], parts[2], correlationID)
	case "insight":
		s.handleInsight(w, parts[2], parts[3], correlationID)
	case "similar":
		s.handleSimilar(w, r, parts[2], parts[3], correlationID)
	case "chat_ask":
		s.handleChatAsk(w, r, correlationID)
	case "chat_suggestions":
		s.handleChatSuggestions(w, r, correlationID)
	case "chat_health":
		s.handleChatHealth(w, correlationID)
	case "chat_ws":
		s.handleChatSocket(w, r, correlationID)
	}
}

func isCollection(segment string) bool {
	switch catalog.EntityKind(segment) {
	case catalog.KindLaunch, catalog.KindRocket, catalog.KindMission:
		return true
	}
	return false
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request, correlationID string) {
	var body struct {
		Resources []string `json:"resources"`
	}
	if !s.decodeOptionalJSONBody(w, r, correlationID, &body) {
		return
	}
	run, err := s.deps.Syncer.RunSync(r.Context(), body.Resources)
	if err != nil {
		switch {
		case errors.Is(err, datasync.ErrAlreadyRunning):
			writeError(w, http.StatusConflict, "already_running", err.Error(), correlationID)
		case errors.Is(err, datasync.ErrUnknownResource):
			writeError(w, http.StatusBadRequest, "unknown_resource", err.Error(), correlationID)
		default:
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		}
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleSyncRuns(w http.ResponseWriter, r *http.Request) {
	limit := parseBoundedInt(r.URL.Query().Get("limit"), 20, 1, 200)
	writeJSON(w, http.StatusOK, map[string]any{"runs": s.deps.Catalog.ListRuns(limit)})
}

func (s *Server) handleSyncRun(w http.ResponseWriter, id, correlationID string) {
	run, err := s.deps.Catalog.GetRun(id)
	if err != nil {
		writeCatalogError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request, correlationID string) {
	var body struct {
		Query   string       `json:"query"`
		Filters query.Filter `json:"filters"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &body) {
		return
	}
	result, err := s.deps.Search.Search(r.Context(), body.Query, body.Filters)
	if err != nil {
		switch {
		case errors.Is(err, query.ErrInvalidFilterRange):
			writeError(w, http.StatusBadRequest, "invalid_filter_range", err.Error(), correlationID)
		case errors.Is(err, query.ErrInvalidFilter):
			writeError(w, http.StatusBadRequest, "invalid_filter", err.Error(), correlationID)
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			writeError(w, http.StatusServiceUnavailable, "cancelled", err.Error(), correlationID)
		default:
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		}
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleEntity(w http.ResponseWriter, collection, id, correlationID string) {
	var (
		entity any
		err    error
	)
	switch catalog.EntityKind(collection) {
	case catalog.KindLaunch:
		entity, err = s.deps.Catalog.GetLaunch(id)
	case catalog.KindRocket:
		entity, err = s.deps.Catalog.GetRocket(id)
	case catalog.KindMission:
		entity, err = s.deps.Catalog.GetMission(id)
	}
	if err != nil {
		writeCatalogError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, entity)
}

func (s *Server) handleInsight(w http.ResponseWriter, entityType, id, correlationID string) {
	kind, err := catalog.ParseEntityKind(entityType)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_entity_type", fmt.Sprintf("invalid entity type %q", entityType), correlationID)
		return
	}
	var insight insights.Insight
	switch kind {
	case catalog.KindLaunch:
		launch, err := s.deps.Catalog.GetLaunch(id)
		if err != nil {
			writeCatalogError(w, err, correlationID)
			return
		}
		var rocket *catalog.Rocket
		if r, err := s.deps.Catalog.GetRocket(launch.RocketID); err == nil {
			rocket = &r
		}
		insight = insights.ForLaunch(launch, rocket)
	case catalog.KindRocket:
		rocket, err := s.deps.Catalog.GetRocket(id)
		if err != nil {
			writeCatalogError(w, err, correlationID)
			return
		}
		insight = insights.ForRocket(rocket)
	case catalog.KindMission:
		mission, err := s.deps.Catalog.GetMission(id)
		if err != nil {
			writeCatalogError(w, err, correlationID)
			return
		}
		insight = insights.ForMission(mission, s.cfg.Now())
	}
	writeJSON(w, http.StatusOK, insight)
}

func (s *Server) handleSimilar(w http.ResponseWriter, r *http.Request, entityType, id, correlationID string) {
	kind, err := catalog.ParseEntityKind(entityType)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_entity_type", fmt.Sprintf("invalid entity type %q", entityType), correlationID)
		return
	}
	limit := parseBoundedInt(r.URL.Query().Get("limit"), insights.DefaultSimilarLimit, 1, 50)
	snap := s.deps.Catalog.Snapshot()
	switch kind {
	case catalog.KindLaunch:
		launch, err := s.deps.Catalog.GetLaunch(id)
		if err != nil {
			writeCatalogError(w, err, correlationID)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"similarLaunches": insights.SimilarLaunches(snap, launch, limit)})
	case catalog.KindRocket:
		rocket, err := s.deps.Catalog.GetRocket(id)
		if err != nil {
			writeCatalogError(w, err, correlationID)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"similarRockets": insights.SimilarRockets(snap, rocket, limit)})
	case catalog.KindMission:
		mission, err := s.deps.Catalog.GetMission(id)
		if err != nil {
			writeCatalogError(w, err, correlationID)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"similarMissions": insights.SimilarMissions(snap, mission, limit)})
	}
}

func (s *Server) handleChatAsk(w http.ResponseWriter, r *http.Request, correlationID string) {
	if s.deps.Chat == nil {
		writeError(w, http.StatusServiceUnavailable, "chat_disabled", "chat is not configured", correlationID)
		return
	}
	var req chat.AskRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	result, err := s.deps.Chat.Ask(r.Context(), req)
	if err != nil {
		if errors.Is(err, chat.ErrInvalidRequest) {
			writeError(w, http.StatusBadRequest, "invalid_request", err.Error(), correlationID)
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleChatSuggestions(w http.ResponseWriter, r *http.Request, correlationID string) {
	if s.deps.Chat == nil {
		writeError(w, http.StatusServiceUnavailable, "chat_disabled", "chat is not configured", correlationID)
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Chat.Suggestions(r.Context()))
}

func (s *Server) handleChatHealth(w http.ResponseWriter, correlationID string) {
	if s.deps.Health == nil {
		writeError(w, http.StatusServiceUnavailable, "chat_disabled", "chat is not configured", correlationID)
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Health.Health())
}

func writeCatalogError(w http.ResponseWriter, err error, correlationID string) {
	if errors.Is(err, catalog.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
		return
	}
	writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
}

func getCorrelationID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-Correlation-Id"))
}

// clientKey identifies the caller for rate limiting.
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

// decodeOptionalJSONBody accepts an empty body as the zero value.
func (s *Server) decodeOptionalJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return true
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if now.After(r.nextSweep) {
		r.sweepLocked(now)
	}
	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}

// sweepLocked drops clients whose window has closed, at most once per window.
func (r *rateLimiter) sweepLocked(now time.Time) {
	for key, entry := range r.entries {
		if now.After(entry.resetAt) {
			delete(r.entries, key)
		}
	}
	r.nextSweep = now.Add(r.window)
}

func parseBoundedInt(raw string, fallback, min, max int) int {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	if parsed < min {
		return fallback
	}
	if parsed > max {
		return max
	}
	return parsed
}

// statusRecorder captures the response status for the access log. It passes
// Hijack through so the websocket route can take over the connection.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}

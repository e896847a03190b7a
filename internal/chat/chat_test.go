package chat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newHTTPProxy(t *testing.T, baseURL string, timeout time.Duration) *Proxy {
	t.Helper()
	collab, err := NewHTTPCollaborator(HTTPCollaboratorOptions{BaseURL: baseURL})
	require.NoError(t, err)
	proxy, err := NewProxy(collab, ProxyOptions{RequestTimeout: timeout, Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	return proxy
}

func TestAskDegradesWhenCollaboratorIsDown(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	baseURL := srv.URL
	srv.Close()

	proxy := newHTTPProxy(t, baseURL, time.Second)
	result, err := proxy.Ask(context.Background(), AskRequest{Message: "upcoming launches?"})
	require.NoError(t, err)
	require.Equal(t, OutcomeDegraded, result.Status)
	require.Equal(t, 0.5, result.Confidence)
	require.Contains(t, result.Response, "Upcoming launches are listed")
	require.NotEmpty(t, result.Suggestions)
	require.NotEmpty(t, result.MessageID)
	require.Equal(t, "collaborator unreachable", result.Reason)
}

func TestAskTimeoutReleasesOutboundCall(t *testing.T) {
	released := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
		close(released)
	}))
	defer srv.Close()

	proxy := newHTTPProxy(t, srv.URL, 50*time.Millisecond)
	started := time.Now()
	result, err := proxy.Ask(context.Background(), AskRequest{Message: "tell me about artemis"})
	require.NoError(t, err)
	require.Less(t, time.Since(started), 2*time.Second)
	require.Equal(t, OutcomeDegraded, result.Status)
	require.Equal(t, "timeout", result.Reason)
	require.LessOrEqual(t, result.Confidence, 0.5)

	select {
	case <-released:
	case <-time.After(2 * time.Second):
		t.Fatal("collaborator request was not cancelled")
	}
}

func TestAskDegradesOnServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model crashed", http.StatusBadGateway)
	}))
	defer srv.Close()

	result, err := newHTTPProxy(t, srv.URL, time.Second).Ask(context.Background(), AskRequest{Message: "hello"})
	require.NoError(t, err)
	require.Equal(t, OutcomeDegraded, result.Status)
	require.Equal(t, "collaborator returned 502", result.Reason)
	require.Contains(t, result.Response, "temporarily unavailable")
}

func TestAskRelaysCollaboratorAnswer(t *testing.T) {
	var got askWireRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat/ask", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"response": "Falcon Heavy uses three Falcon 9 cores.",
			"message_id": "msg_1",
			"timestamp": "2024-01-01T00:00:00",
			"confidence": 0.9,
			"sources": [{"name": "SpaceX", "type": "company", "url": "https://spacex.com"}],
			"suggestions": ["What is Starship?"]
		}`))
	}))
	defer srv.Close()

	result, err := newHTTPProxy(t, srv.URL, time.Second).Ask(context.Background(), AskRequest{
		Message: "  falcon heavy?  ",
		History: []Message{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)
	require.Equal(t, "falcon heavy?", got.Message)
	require.Len(t, got.ConversationHistory, 1)
	require.NotNil(t, got.Context)

	require.Equal(t, OutcomeFulfilled, result.Status)
	require.Equal(t, "msg_1", result.MessageID)
	require.Equal(t, 0.9, result.Confidence)
	require.Equal(t, []string{"What is Starship?"}, result.Suggestions)
	require.Equal(t, "SpaceX", result.Sources[0].Name)
	require.Empty(t, result.Reason)
}

type countingCollaborator struct {
	asks   atomic.Int32
	answer Answer
	err    error
	set    SuggestionSet
	health HealthReport
	delay  time.Duration
}

func (c *countingCollaborator) Ask(ctx context.Context, _ AskRequest) (Answer, error) {
	c.asks.Add(1)
	return c.answer, c.err
}

func (c *countingCollaborator) Suggestions(ctx context.Context) (SuggestionSet, error) {
	return c.set, c.err
}

func (c *countingCollaborator) HealthCheck(ctx context.Context) (HealthReport, error) {
	if c.delay > 0 {
		select {
		case <-time.After(c.delay):
		case <-ctx.Done():
			return HealthReport{}, ctx.Err()
		}
	}
	return c.health, c.err
}

func TestAskRejectsInvalidRequestsWithoutDispatch(t *testing.T) {
	collab := &countingCollaborator{answer: Answer{Response: "x"}}
	proxy, err := NewProxy(collab, ProxyOptions{})
	require.NoError(t, err)

	_, err = proxy.Ask(context.Background(), AskRequest{Message: "   "})
	require.ErrorIs(t, err, ErrInvalidRequest)
	_, err = proxy.Ask(context.Background(), AskRequest{Message: "ok", History: []Message{{Role: "user"}}})
	require.ErrorIs(t, err, ErrInvalidRequest)
	require.Zero(t, collab.asks.Load())
}

func TestAskMessageLimitCountsCharacters(t *testing.T) {
	collab := &countingCollaborator{answer: Answer{Response: "x"}}
	proxy, err := NewProxy(collab, ProxyOptions{})
	require.NoError(t, err)

	// 4000 three-byte runes is 12000 bytes but still within the limit.
	result, err := proxy.Ask(context.Background(), AskRequest{Message: strings.Repeat("火", maxMessageLength)})
	require.NoError(t, err)
	require.Equal(t, OutcomeFulfilled, result.Status)
	require.Equal(t, int32(1), collab.asks.Load())

	_, err = proxy.Ask(context.Background(), AskRequest{Message: strings.Repeat("火", maxMessageLength+1)})
	require.ErrorIs(t, err, ErrInvalidRequest)
	require.Equal(t, int32(1), collab.asks.Load())
}

func TestAskSkipsDispatchWhenMonitorSaysUnavailable(t *testing.T) {
	collab := &countingCollaborator{err: &CollaboratorError{Op: "health", Cause: errors.New("refused")}}
	monitor := NewMonitor(map[string]HealthChecker{"collaborator": collab}, MonitorOptions{})
	defer monitor.Close()
	monitor.Probe(context.Background())

	proxy, err := NewProxy(collab, ProxyOptions{Monitor: monitor})
	require.NoError(t, err)
	result, err := proxy.Ask(context.Background(), AskRequest{Message: "mars?"})
	require.NoError(t, err)
	require.Equal(t, OutcomeDegraded, result.Status)
	require.Contains(t, result.Response, "\"mars\"")
	require.Zero(t, collab.asks.Load())
}

func TestSuggestionsFallBackToLocalSet(t *testing.T) {
	collab := &countingCollaborator{err: &CollaboratorError{Op: "suggestions", StatusCode: 503}}
	proxy, err := NewProxy(collab, ProxyOptions{})
	require.NoError(t, err)

	got := proxy.Suggestions(context.Background())
	require.Equal(t, OutcomeDegraded, got.Status)
	require.Contains(t, got.Suggestions, "Tell me about the Artemis program")
	require.Contains(t, got.Categories["companies"], "SpaceX")

	collab.err = nil
	collab.set = SuggestionSet{Suggestions: []string{"Live question"}}
	got = proxy.Suggestions(context.Background())
	require.Equal(t, OutcomeFulfilled, got.Status)
	require.Equal(t, []string{"Live question"}, got.Suggestions)
	require.NotNil(t, got.Categories)
}

func TestMonitorClassification(t *testing.T) {
	cases := []struct {
		name   string
		collab *countingCollaborator
		want   HealthStatus
	}{
		{"healthy", &countingCollaborator{health: HealthReport{Status: "healthy"}}, StatusHealthy},
		{"operational", &countingCollaborator{health: HealthReport{Status: "Operational"}}, StatusHealthy},
		{"reported degraded", &countingCollaborator{health: HealthReport{Status: "warming up"}}, StatusDegraded},
		{"slow", &countingCollaborator{health: HealthReport{Status: "healthy"}, delay: 30 * time.Millisecond}, StatusDegraded},
		{"down", &countingCollaborator{err: errors.New("refused")}, StatusUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			monitor := NewMonitor(map[string]HealthChecker{"collaborator": tc.collab}, MonitorOptions{DegradedLatency: 10 * time.Millisecond})
			defer monitor.Close()
			health := monitor.Probe(context.Background())
			require.Equal(t, tc.want, health.Status)
			require.Len(t, health.Components, 1)
			require.Equal(t, "collaborator", health.Components[0].ComponentID)
		})
	}
}

func TestMonitorWorstComponentWins(t *testing.T) {
	monitor := NewMonitor(map[string]HealthChecker{
		"a": &countingCollaborator{health: HealthReport{Status: "ok"}},
		"b": &countingCollaborator{err: errors.New("down")},
	}, MonitorOptions{})
	defer monitor.Close()
	health := monitor.Probe(context.Background())
	require.Equal(t, StatusUnavailable, health.Status)
	require.Equal(t, "a", health.Components[0].ComponentID)
	require.Equal(t, StatusHealthy, health.Components[0].Status)
}

func TestMonitorServesLastKnownAndRefreshesWhenStale(t *testing.T) {
	var clock atomic.Int64
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	now := func() time.Time { return base.Add(time.Duration(clock.Load())) }
	collab := &countingCollaborator{health: HealthReport{Status: "healthy"}}
	monitor := NewMonitor(map[string]HealthChecker{"collaborator": collab}, MonitorOptions{TTL: time.Minute, Now: now})
	defer monitor.Close()

	first := monitor.Health()
	require.Equal(t, StatusUnknown, first.Status)
	require.Nil(t, first.LastCheckedAt)
	require.Eventually(t, func() bool { return monitor.Health().Status == StatusHealthy }, 2*time.Second, 10*time.Millisecond)

	collab.err = errors.New("gone")
	clock.Store(int64(2 * time.Minute))
	stale := monitor.Health()
	require.True(t, stale.Stale)
	require.Equal(t, StatusHealthy, stale.Status, "stale readers get the last known value")
	require.Eventually(t, func() bool { return monitor.Health().Status == StatusUnavailable }, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, base.Add(2*time.Minute), *monitor.Health().LastCheckedAt)
}

func TestMonitorCloseRacesWithStaleReaders(t *testing.T) {
	collab := &countingCollaborator{health: HealthReport{Status: "healthy"}, delay: time.Millisecond}
	monitor := NewMonitor(map[string]HealthChecker{"collaborator": collab}, MonitorOptions{TTL: time.Nanosecond})

	var readers sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 8; i++ {
		readers.Add(1)
		go func() {
			defer readers.Done()
			for {
				select {
				case <-stop:
					return
				default:
					monitor.Health()
				}
			}
		}()
	}
	time.Sleep(20 * time.Millisecond)
	monitor.Close()
	close(stop)
	readers.Wait()

	monitor.Health()
	require.False(t, monitor.refreshing.Load(), "no refresh may start after Close")
	monitor.Close()
}

func TestMonitorRunStopsWithContext(t *testing.T) {
	collab := &countingCollaborator{health: HealthReport{Status: "healthy"}}
	monitor := NewMonitor(map[string]HealthChecker{"collaborator": collab}, MonitorOptions{})
	defer monitor.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		monitor.Run(ctx, 5*time.Millisecond)
		close(done)
	}()
	require.Eventually(t, func() bool {
		status, fresh := monitor.Fresh()
		return fresh && status == StatusHealthy
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done
}

func TestParseFallbackValidation(t *testing.T) {
	_, err := ParseFallback([]byte("response: hi\nconfidence: 0.9\n"))
	require.ErrorContains(t, err, "confidence")
	_, err = ParseFallback([]byte("confidence: 0.2\n"))
	require.ErrorContains(t, err, "response is required")
	_, err = ParseFallback([]byte("response: hi\nconfidence: 0.2\nunexpected: true\n"))
	require.Error(t, err)
	_, err = ParseFallback([]byte("response: hi\ntopics:\n  - keywords: []\n    response: x\n"))
	require.Error(t, err)

	fb, err := ParseFallback([]byte("response: generic\nconfidence: 0.3\ntopics:\n  - keywords: [Moon]\n    response: lunar\n"))
	require.NoError(t, err)
	require.Equal(t, "lunar", fb.ResponseFor("Next MOON landing?"))
	require.Equal(t, "generic", fb.ResponseFor("hello"))
}

func TestFallbackStoreReloadsOnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fallback.yaml")
	require.NoError(t, os.WriteFile(path, []byte("response: first\nconfidence: 0.4\n"), 0o644))

	store, err := NewFallbackStore(path, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.Equal(t, "first", store.Current().Response)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- store.Watch(ctx) }()
	defer func() {
		cancel()
		require.NoError(t, <-done)
	}()

	require.Eventually(t, func() bool {
		_ = os.WriteFile(path, []byte("response: second\nconfidence: 0.4\n"), 0o644)
		return store.Current().Response == "second"
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte("response: third\nconfidence: 0.99\n"), 0o644))
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, "second", store.Current().Response, "invalid content is rejected")
}

func TestNewFallbackStoreRejectsBadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fallback.yaml")
	require.NoError(t, os.WriteFile(path, []byte("confidence: 0.1\n"), 0o644))
	_, err := NewFallbackStore(path, nil)
	require.Error(t, err)

	_, err = NewFallbackStore(filepath.Join(t.TempDir(), "missing.yaml"), nil)
	require.Error(t, err)
}

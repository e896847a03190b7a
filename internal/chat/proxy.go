package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Outcome string

const (
	OutcomeFulfilled Outcome = "fulfilled"
	OutcomeDegraded  Outcome = "degraded"
)

const maxMessageLength = 4000

// AskResult is what the caller receives for every valid request.
type AskResult struct {
	Response    string      `json:"response"`
	MessageID   string      `json:"messageId"`
	Timestamp   string      `json:"timestamp"`
	Confidence  float64     `json:"confidence"`
	Sources     []SourceRef `json:"sources"`
	Suggestions []string    `json:"suggestions"`
	Status      Outcome     `json:"status"`
	Reason      string      `json:"reason,omitempty"`
}

type Suggestions struct {
	SuggestionSet
	Status Outcome `json:"status"`
}

type ProxyOptions struct {
	RequestTimeout time.Duration
	Fallback       *FallbackStore
	// Monitor, when set, lets a fresh "unavailable" classification skip the
	// outbound call.
	Monitor *Monitor
	Logger  *zap.Logger
	Now     func() time.Time
}

type Proxy struct {
	collaborator Collaborator
	timeout      time.Duration
	fallback     *FallbackStore
	monitor      *Monitor
	logger       *zap.Logger
	now          func() time.Time
}

func NewProxy(collaborator Collaborator, opts ProxyOptions) (*Proxy, error) {
	if collaborator == nil {
		return nil, fmt.Errorf("collaborator is required")
	}
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	fallback := opts.Fallback
	if fallback == nil {
		var err error
		fallback, err = NewFallbackStore("", opts.Logger)
		if err != nil {
			return nil, err
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Proxy{
		collaborator: collaborator,
		timeout:      timeout,
		fallback:     fallback,
		monitor:      opts.Monitor,
		logger:       logger,
		now:          now,
	}, nil
}

// Ask forwards req to the collaborator under the request timeout. Any
// collaborator failure yields a degraded result rather than an error; the
// only error is ErrInvalidRequest.
func (p *Proxy) Ask(ctx context.Context, req AskRequest) (AskResult, error) {
	req.Message = strings.TrimSpace(req.Message)
	if req.Message == "" {
		return AskResult{}, fmt.Errorf("%w: message is required", ErrInvalidRequest)
	}
	if utf8.RuneCountInString(req.Message) > maxMessageLength {
		return AskResult{}, fmt.Errorf("%w: message exceeds %d characters", ErrInvalidRequest, maxMessageLength)
	}
	for i, m := range req.History {
		if strings.TrimSpace(m.Content) == "" {
			return AskResult{}, fmt.Errorf("%w: conversation history entry %d is empty", ErrInvalidRequest, i)
		}
	}

	if p.monitor != nil {
		if status, fresh := p.monitor.Fresh(); fresh && status == StatusUnavailable {
			return p.degrade(req.Message, "collaborator marked unavailable"), nil
		}
	}

	answer, err := p.dispatch(ctx, req)
	if err != nil {
		reason := classify(err)
		p.logger.Warn("chat degraded", zap.String("reason", reason), zap.Error(err))
		return p.degrade(req.Message, reason), nil
	}

	result := AskResult{
		Response:    answer.Response,
		MessageID:   answer.MessageID,
		Timestamp:   answer.Timestamp,
		Confidence:  answer.Confidence,
		Sources:     answer.Sources,
		Suggestions: answer.Suggestions,
		Status:      OutcomeFulfilled,
	}
	if result.MessageID == "" {
		result.MessageID = uuid.NewString()
	}
	if result.Timestamp == "" {
		result.Timestamp = nowString(p.now())
	}
	if result.Sources == nil {
		result.Sources = []SourceRef{}
	}
	if result.Suggestions == nil {
		result.Suggestions = []string{}
	}
	return result, nil
}

// dispatch bounds the outbound call; the deferred cancel releases it before
// Ask returns, whatever the outcome.
func (p *Proxy) dispatch(ctx context.Context, req AskRequest) (Answer, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return p.collaborator.Ask(ctx, req)
}

func (p *Proxy) degrade(message, reason string) AskResult {
	fb := p.fallback.Current()
	return AskResult{
		Response:    fb.ResponseFor(message),
		MessageID:   uuid.NewString(),
		Timestamp:   nowString(p.now()),
		Confidence:  fb.Confidence,
		Sources:     append([]SourceRef{}, fb.Sources...),
		Suggestions: append([]string{}, fb.Suggestions...),
		Status:      OutcomeDegraded,
		Reason:      reason,
	}
}

func classify(err error) string {
	var collabErr *CollaboratorError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	case errors.As(err, &collabErr) && collabErr.StatusCode >= 500:
		return fmt.Sprintf("collaborator returned %d", collabErr.StatusCode)
	case errors.As(err, &collabErr) && collabErr.StatusCode != 0:
		return fmt.Sprintf("collaborator rejected request with %d", collabErr.StatusCode)
	default:
		return "collaborator unreachable"
	}
}

// Suggestions returns the collaborator's suggestions or, on any failure, the
// configured local set.
func (p *Proxy) Suggestions(ctx context.Context) Suggestions {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	set, err := p.collaborator.Suggestions(ctx)
	if err == nil && len(set.Suggestions) > 0 {
		if set.Categories == nil {
			set.Categories = map[string][]string{}
		}
		return Suggestions{SuggestionSet: set, Status: OutcomeFulfilled}
	}
	if err != nil {
		p.logger.Debug("using local suggestions", zap.String("reason", classify(err)))
	}
	fb := p.fallback.Current()
	categories := make(map[string][]string, len(fb.Categories))
	for k, v := range fb.Categories {
		categories[k] = append([]string(nil), v...)
	}
	return Suggestions{
		SuggestionSet: SuggestionSet{
			Suggestions: append([]string{}, fb.Suggestions...),
			Categories:  categories,
		},
		Status: OutcomeDegraded,
	}
}

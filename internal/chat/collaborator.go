package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

var (
	ErrInvalidRequest          = errors.New("invalid chat request")
	ErrCollaboratorUnavailable = errors.New("collaborator unavailable")
)

type Message struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp,omitempty"`
}

type AskRequest struct {
	Message string         `json:"message"`
	History []Message      `json:"conversationHistory,omitempty"`
	Context map[string]any `json:"context,omitempty"`
}

type SourceRef struct {
	Name string `json:"name" yaml:"name"`
	Type string `json:"type" yaml:"type"`
	URL  string `json:"url" yaml:"url"`
}

// Answer is the collaborator's reply, relayed verbatim when it arrives in time.
type Answer struct {
	Response    string      `json:"response"`
	MessageID   string      `json:"message_id"`
	Timestamp   string      `json:"timestamp"`
	Confidence  float64     `json:"confidence"`
	Sources     []SourceRef `json:"sources"`
	Suggestions []string    `json:"suggestions"`
}

type SuggestionSet struct {
	Suggestions []string            `json:"suggestions"`
	Categories  map[string][]string `json:"categories"`
}

type HealthReport struct {
	Status string `json:"status"`
}

// Collaborator is the external conversational service. Its reasoning is
// opaque; only the request/response contract is relied on.
type Collaborator interface {
	Ask(ctx context.Context, req AskRequest) (Answer, error)
	Suggestions(ctx context.Context) (SuggestionSet, error)
	HealthCheck(ctx context.Context) (HealthReport, error)
}

// CollaboratorError is a failed exchange with the collaborator. StatusCode is
// zero when no response was received.
type CollaboratorError struct {
	Op         string
	StatusCode int
	Cause      error
}

func (e *CollaboratorError) Error() string {
	switch {
	case e.StatusCode != 0:
		return fmt.Sprintf("collaborator %s: status %d", e.Op, e.StatusCode)
	case e.Cause != nil:
		return fmt.Sprintf("collaborator %s: %v", e.Op, e.Cause)
	default:
		return fmt.Sprintf("collaborator %s failed", e.Op)
	}
}

func (e *CollaboratorError) Is(target error) bool {
	return target == ErrCollaboratorUnavailable
}

func (e *CollaboratorError) Unwrap() error {
	return e.Cause
}

type HTTPCollaboratorOptions struct {
	BaseURL    string
	HTTPClient *http.Client
	UserAgent  string
	MaxBytes   int64
}

// HTTPCollaborator speaks the collaborator's JSON API:
// POST /chat/ask, GET /chat/suggestions and GET /health/.
type HTTPCollaborator struct {
	baseURL   string
	client    *http.Client
	userAgent string
	maxBytes  int64
}

func NewHTTPCollaborator(opts HTTPCollaboratorOptions) (*HTTPCollaborator, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("collaborator base url is required")
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	userAgent := strings.TrimSpace(opts.UserAgent)
	if userAgent == "" {
		userAgent = "orbital-chat/1"
	}
	maxBytes := opts.MaxBytes
	if maxBytes <= 0 {
		maxBytes = 1 << 20
	}
	return &HTTPCollaborator{baseURL: baseURL, client: client, userAgent: userAgent, maxBytes: maxBytes}, nil
}

type askWireRequest struct {
	Message             string         `json:"message"`
	ConversationHistory []Message      `json:"conversation_history"`
	Context             map[string]any `json:"context"`
}

func (c *HTTPCollaborator) Ask(ctx context.Context, req AskRequest) (Answer, error) {
	body := askWireRequest{Message: req.Message, ConversationHistory: req.History, Context: req.Context}
	if body.ConversationHistory == nil {
		body.ConversationHistory = []Message{}
	}
	if body.Context == nil {
		body.Context = map[string]any{}
	}
	var answer Answer
	if err := c.doJSON(ctx, "ask", http.MethodPost, "/chat/ask", body, &answer); err != nil {
		return Answer{}, err
	}
	if strings.TrimSpace(answer.Response) == "" {
		return Answer{}, &CollaboratorError{Op: "ask", Cause: fmt.Errorf("empty response")}
	}
	return answer, nil
}

func (c *HTTPCollaborator) Suggestions(ctx context.Context) (SuggestionSet, error) {
	var set SuggestionSet
	if err := c.doJSON(ctx, "suggestions", http.MethodGet, "/chat/suggestions", nil, &set); err != nil {
		return SuggestionSet{}, err
	}
	return set, nil
}

func (c *HTTPCollaborator) HealthCheck(ctx context.Context) (HealthReport, error) {
	var report HealthReport
	if err := c.doJSON(ctx, "health", http.MethodGet, "/health/", nil, &report); err != nil {
		return HealthReport{}, err
	}
	return report, nil
}

func (c *HTTPCollaborator) doJSON(ctx context.Context, op, method, path string, input any, output any) error {
	var reader io.Reader
	if input != nil {
		payload, err := json.Marshal(input)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if input != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return &CollaboratorError{Op: op, Cause: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBytes))
	if err != nil {
		return &CollaboratorError{Op: op, Cause: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &CollaboratorError{Op: op, StatusCode: resp.StatusCode}
	}
	if err := json.Unmarshal(data, output); err != nil {
		return &CollaboratorError{Op: op, Cause: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

// nowString formats a reply timestamp the way the collaborator does.
func nowString(now time.Time) string {
	return now.UTC().Format(time.RFC3339Nano)
}

package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultMaxResponseBytes int64 = 32 << 20

// transport issues single GET requests and classifies the outcome. It never
// retries; that policy belongs to the caller.
type transport struct {
	source    string
	baseURL   string
	client    *http.Client
	userAgent string
	params    url.Values
	maxBytes  int64
	now       func() time.Time
}

func newTransport(source, baseURL string, client *http.Client, userAgent string, params url.Values) *transport {
	if client == nil {
		client = &http.Client{Timeout: 20 * time.Second}
	}
	userAgent = strings.TrimSpace(userAgent)
	if userAgent == "" {
		userAgent = "orbital-gateway/1"
	}
	return &transport{
		source:    source,
		baseURL:   strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		client:    client,
		userAgent: userAgent,
		params:    params,
		maxBytes:  defaultMaxResponseBytes,
		now:       time.Now,
	}
}

func (t *transport) get(ctx context.Context, requestPath string) ([]byte, error) {
	target := t.baseURL + requestPath
	if len(t.params) > 0 {
		target += "?" + t.params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", t.userAgent)

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, &UnreachableError{Source: t.source, Cause: scrubURLError(err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, t.maxBytes+1))
	if err != nil {
		return nil, &UnreachableError{Source: t.source, Cause: err}
	}
	if int64(len(body)) > t.maxBytes {
		return nil, newMalformedError(t.source, body, fmt.Sprintf("response exceeds %d bytes", t.maxBytes))
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode <= 299:
		return body, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &RateLimitedError{Source: t.source, RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), t.now())}
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s %s", ErrNotFound, t.source, requestPath)
	default:
		return nil, &UnreachableError{
			Source: t.source,
			Cause:  fmt.Errorf("unexpected status %d from %s", resp.StatusCode, requestPath),
		}
	}
}

// scrubURLError drops the request URL, which can carry an api_key, from
// transport errors while keeping the underlying cause inspectable.
func scrubURLError(err error) error {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return fmt.Errorf("%s: %w", urlErr.Op, urlErr.Err)
	}
	return err
}

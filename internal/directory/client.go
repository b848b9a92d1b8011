// Package directory implements the HTTP client for the external identity
// directory. Failures are classified as retryable or non-retryable and
// retryable ones are re-attempted with capped exponential backoff and jitter.
package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"

	"idsync_backend/platform/config"
)

const (
	minHTTPTimeout = 500 * time.Millisecond
	minBaseBackoff = 50 * time.Millisecond

	// backoffExpCap bounds the exponent so the delay stops doubling after
	// the sixth attempt.
	backoffExpCap = 5

	jitterMin = 0.7
	jitterMax = 1.3

	maxErrorBodyBytes = 200
)

// SleepFunc suspends for d or until ctx is done. Injected so tests observe
// backoff delays without sleeping.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Options are the per-tenant knobs of the client; credentials and the base
// URL come from process configuration.
type Options struct {
	ResultType string // basic | optional
	Timeout    time.Duration
}

// Client performs single-subject lookups against the directory service. It
// keeps no state between calls beyond configuration.
type Client struct {
	http       *http.Client
	baseURL    string
	systemID   string
	token      string
	resultType string

	sleep  SleepFunc
	jitter func() float64 // uniform in [0,1)
}

// New builds a client. The HTTP timeout is floored at 500ms and resultType
// normalizes to "basic" unless it is exactly "optional".
func New(cfg config.DirectoryConfig, opts Options) *Client {
	timeout := opts.Timeout
	if timeout < minHTTPTimeout {
		timeout = minHTTPTimeout
	}

	resultType := "basic"
	if strings.EqualFold(opts.ResultType, "optional") {
		resultType = "optional"
	}

	return &Client{
		http:       &http.Client{Timeout: timeout},
		baseURL:    cfg.GetDirectoryBaseURL(),
		systemID:   cfg.GetDirectorySystemID(),
		token:      cfg.GetDirectoryAPIToken(),
		resultType: resultType,
		sleep:      sleepWithContext,
		jitter:     rand.Float64,
	}
}

// Fetch returns the raw payload for one subject, retrying retryable
// failures up to maxAttempts. A non-retryable failure propagates on first
// occurrence and never enters the backoff loop.
func (c *Client) Fetch(ctx context.Context, subjectID string, maxAttempts int, baseBackoff time.Duration) ([]byte, error) {
	attempts := maxAttempts
	if attempts < 1 {
		attempts = 1
	}

	base := baseBackoff
	if base < minBaseBackoff {
		base = minBaseBackoff
	}

	for attempt := 1; ; attempt++ {
		body, err := c.doRequest(ctx, subjectID)
		if err == nil {
			return body, nil
		}

		if !IsRetryable(err) || attempt >= attempts {
			return nil, err
		}

		if serr := c.sleep(ctx, Backoff(base, attempt, c.jitter())); serr != nil {
			return nil, serr
		}
	}
}

// Backoff computes the delay before re-attempting after failed attempt n:
// base doubled per attempt with the exponent capped, scaled by a jitter
// factor in [0.7, 1.3]. jitter is a uniform sample from [0, 1).
func Backoff(base time.Duration, attempt int, jitter float64) time.Duration {
	exp := attempt - 1
	if exp > backoffExpCap {
		exp = backoffExpCap
	}
	if exp < 0 {
		exp = 0
	}

	factor := jitterMin + (jitterMax-jitterMin)*jitter
	d := time.Duration(float64(base) * float64(int64(1)<<exp) * factor)
	if d < 0 {
		d = 0
	}
	return d
}

func (c *Client) doRequest(ctx context.Context, subjectID string) ([]byte, error) {
	reqBody, err := json.Marshal(map[string]string{"resultType": c.resultType})
	if err != nil {
		// Closer to a configuration defect than a transient fault.
		return nil, &Error{Kind: KindNonRetryable, Message: "failed to build request body", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.buildURL(subjectID), bytes.NewReader(reqBody))
	if err != nil {
		return nil, &Error{Kind: KindNonRetryable, Message: "failed to build request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("system-id", c.systemID)
	req.Header.Set("authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &Error{Kind: KindRetryable, Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Kind: KindRetryable, Message: "reading response body", Err: err}
	}

	code := resp.StatusCode

	if code >= 200 && code < 300 {
		return body, nil
	}

	if code == http.StatusTooManyRequests || (code >= 500 && code <= 599) {
		return nil, &Error{Kind: KindRetryable, Status: code, Message: "retryable status"}
	}

	return nil, &Error{
		Kind:    KindNonRetryable,
		Status:  code,
		Message: fmt.Sprintf("body=%s", trimBody(body)),
	}
}

// buildURL appends user_id safely whether or not the base URL already
// carries a query string.
func (c *Client) buildURL(subjectID string) string {
	sep := "?"
	if strings.Contains(c.baseURL, "?") {
		sep = "&"
	}
	return c.baseURL + sep + "user_id=" + url.QueryEscape(subjectID)
}

func trimBody(body []byte) string {
	s := string(body)
	if len(s) > maxErrorBodyBytes {
		return s[:maxErrorBodyBytes]
	}
	return s
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// WithSleeper replaces the backoff sleeper. Test hook.
func (c *Client) WithSleeper(sleep SleepFunc) *Client {
	c.sleep = sleep
	return c
}

// WithJitter replaces the jitter source. Test hook.
func (c *Client) WithJitter(jitter func() float64) *Client {
	c.jitter = jitter
	return c
}

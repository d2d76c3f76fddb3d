// Package transport posts usage batches to the tracking service and parses
// the per-record results. One Client per Tracker is sufficient: it owns a
// pooled HTTP client and feeds triggered-limit updates to the limits cache
// after every successful response.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/aicostmanager/aicm-go/core"
)

const userAgent = "aicostmanager-go"

// Retry policy within one SendBatch call: exponential backoff from 500ms,
// factor 2, jitter plus/minus 20 percent, capped at 30s, MAX_ATTEMPTS total
// tries. Only network errors, 5xx and 429 are retried.
const (
	backoffInitial = 500 * time.Millisecond
	backoffMax     = 30 * time.Second
	backoffJitter  = 0.2
	backoffFactor  = 2.0
)

// trackResponse is the raw /track response body
type trackResponse struct {
	Status          string                `json:"status,omitempty"`
	Results         []core.RecordResult   `json:"results"`
	TriggeredLimits []core.TriggeredLimit `json:"triggered_limits"`
}

type errorResponse struct {
	Detail string `json:"detail"`
	Code   string `json:"code"`
}

// Client is the HTTP transport shared by all delivery strategies of one
// Tracker. Safe for concurrent use.
type Client struct {
	settings  *core.Settings
	http      *http.Client
	logger    core.Logger
	telemetry core.Telemetry

	mu   sync.Mutex
	sink core.LimitsSink
	etag string
}

// ClientOption configures a Client
type ClientOption func(*Client)

// WithHTTPClient substitutes the underlying HTTP client (tests, custom TLS)
func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) { c.http = h }
}

// WithLogger sets the transport logger
func WithLogger(l core.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// WithTelemetry sets the metrics emitter
func WithTelemetry(t core.Telemetry) ClientOption {
	return func(c *Client) { c.telemetry = t }
}

// New creates a transport client from resolved settings
func New(settings *core.Settings, opts ...ClientOption) *Client {
	c := &Client{
		settings:  settings,
		http:      &http.Client{Timeout: settings.Timeout},
		logger:    &core.NoOpLogger{},
		telemetry: &core.NoOpTelemetry{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetLimitsSink registers the cache that absorbs triggered-limit updates
// from successful responses.
func (c *Client) SetLimitsSink(sink core.LimitsSink) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sink = sink
}

// SendBatch POSTs one batch to /track. Within the call, transient failures
// retry up to MAX_ATTEMPTS; a permanent rejection returns *PermanentError
// immediately. On success the response's triggered_limits are pushed to the
// limits sink before returning.
func (c *Client) SendBatch(ctx context.Context, recs []*core.UsageRecord) (*core.BatchResult, error) {
	if len(recs) == 0 {
		return &core.BatchResult{}, nil
	}
	wires := make([]map[string]interface{}, len(recs))
	for i, r := range recs {
		wires[i] = r.Wire()
	}
	body, err := json.Marshal(map[string]interface{}{"records": wires})
	if err != nil {
		return nil, core.NewTrackerError("transport.SendBatch", "transport", err)
	}

	var parsed *trackResponse
	operation := func() error {
		res, opErr := c.post(ctx, c.settings.TrackURL(), body)
		if opErr != nil {
			if !IsRetryable(opErr) {
				return backoff.Permanent(opErr)
			}
			return opErr
		}
		parsed = res
		return nil
	}

	if err := backoff.Retry(operation, c.newBackOff(ctx)); err != nil {
		c.telemetry.RecordMetric("aicm.transport.batches", 1, map[string]string{"outcome": "failed"})
		return nil, err
	}

	c.telemetry.RecordMetric("aicm.transport.batches", 1, map[string]string{"outcome": "delivered"})
	c.telemetry.RecordMetric("aicm.transport.records", float64(len(recs)), nil)

	result := &core.BatchResult{
		Results:         parsed.Results,
		TriggeredLimits: parsed.TriggeredLimits,
	}
	// Synthesize per-record results when the server flagged the whole batch
	// (body-level status) or omitted results entirely. Without per-record
	// results the batch degrades to atomic semantics.
	if len(result.Results) == 0 {
		status := core.StatusQueued
		if parsed.Status != "" {
			status = core.RecordStatus(parsed.Status)
		}
		result.Results = make([]core.RecordResult, len(recs))
		for i, r := range recs {
			result.Results[i] = core.RecordResult{ResponseID: r.ResponseID(), Status: status}
		}
	}

	c.mu.Lock()
	sink := c.sink
	c.mu.Unlock()
	if sink != nil && result.TriggeredLimits != nil {
		sink.Notify(result.TriggeredLimits)
	}
	return result, nil
}

func (c *Client) newBackOff(ctx context.Context) backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = backoffInitial
	bo.RandomizationFactor = backoffJitter
	bo.Multiplier = backoffFactor
	bo.MaxInterval = backoffMax
	bo.MaxElapsedTime = 0
	attempts := c.settings.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(bo, uint64(attempts-1)), ctx)
}

// post performs one HTTP attempt and classifies the outcome
func (c *Client) post(ctx context.Context, url string, body []byte) (*trackResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+c.settings.APIKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)

	if c.settings.LogBodies {
		c.logger.Debug("track request", map[string]interface{}{
			"url":  url,
			"body": Redact(string(body)),
		})
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &TransportError{Err: fmt.Errorf("%w: %v", core.ErrConnectionFailed, err)}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &TransportError{Status: resp.StatusCode, Err: err}
	}
	if c.settings.LogBodies {
		c.logger.Debug("track response", map[string]interface{}{
			"status": resp.StatusCode,
			"body":   Redact(string(data)),
		})
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var parsed trackResponse
		if err := json.Unmarshal(data, &parsed); err != nil {
			return nil, &TransportError{Status: resp.StatusCode, Err: fmt.Errorf("malformed response body: %w", err)}
		}
		return &parsed, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, &TransportError{Status: resp.StatusCode, Err: fmt.Errorf("%w: HTTP %d", core.ErrRequestFailed, resp.StatusCode)}
	default:
		var parsed errorResponse
		_ = json.Unmarshal(data, &parsed)
		if parsed.Detail == "" {
			parsed.Detail = string(data)
		}
		return nil, &PermanentError{Status: resp.StatusCode, Detail: parsed.Detail, Code: parsed.Code}
	}
}

// FetchLimits GETs /triggered-limits with ETag caching. The second return is
// false when the server answered 304 Not Modified.
func (c *Client) FetchLimits(ctx context.Context) ([]core.TriggeredLimit, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.settings.LimitsURL(), nil)
	if err != nil {
		return nil, false, &TransportError{Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+c.settings.APIKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	c.mu.Lock()
	if c.etag != "" {
		req.Header.Set("If-None-Match", c.etag)
	}
	c.mu.Unlock()

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, false, &TransportError{Err: fmt.Errorf("%w: %v", core.ErrConnectionFailed, err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		return nil, false, nil
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, false, &TransportError{Status: resp.StatusCode, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return nil, false, &TransportError{Status: resp.StatusCode, Err: core.ErrRequestFailed}
		}
		var parsed errorResponse
		_ = json.Unmarshal(data, &parsed)
		return nil, false, &PermanentError{Status: resp.StatusCode, Detail: parsed.Detail, Code: parsed.Code}
	}

	var body struct {
		TriggeredLimits []core.TriggeredLimit `json:"triggered_limits"`
	}
	// The endpoint may return either the wrapped object or a bare array
	if err := json.Unmarshal(data, &body); err != nil {
		var bare []core.TriggeredLimit
		if err2 := json.Unmarshal(data, &bare); err2 != nil {
			return nil, false, &TransportError{Status: resp.StatusCode, Err: fmt.Errorf("malformed limits body: %w", err)}
		}
		body.TriggeredLimits = bare
	}
	if etag := resp.Header.Get("ETag"); etag != "" {
		c.mu.Lock()
		c.etag = etag
		c.mu.Unlock()
	}

	c.mu.Lock()
	sink := c.sink
	c.mu.Unlock()
	if sink != nil {
		sink.Notify(body.TriggeredLimits)
	}
	return body.TriggeredLimits, true, nil
}

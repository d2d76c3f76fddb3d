package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aicostmanager/aicm-go/core"
)

func testSettings(t *testing.T, baseURL string) *core.Settings {
	t.Helper()
	s := core.DefaultSettings()
	s.APIKey = "aicm-test-key"
	s.APIBase = baseURL
	s.APIURL = "/api/v1"
	s.Timeout = 5 * time.Second
	s.MaxAttempts = 3
	return s
}

func mustRecord(t *testing.T, responseID string) *core.UsageRecord {
	t.Helper()
	rec, err := core.NewUsageRecord("openai::gpt-4o",
		map[string]interface{}{"input_tokens": 10},
		core.WithResponseID(responseID),
	)
	require.NoError(t, err)
	return rec
}

type capturedRequest struct {
	auth  string
	body  map[string]interface{}
	path  string
	agent string
}

func TestSendBatchHappyPath(t *testing.T) {
	var captured capturedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured.auth = r.Header.Get("Authorization")
		captured.path = r.URL.Path
		captured.agent = r.Header.Get("User-Agent")
		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, &captured.body)

		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"results": []map[string]interface{}{
				{"response_id": "r1", "status": "queued", "cost_event_id": "evt-1"},
			},
		})
	}))
	defer srv.Close()

	c := New(testSettings(t, srv.URL))
	result, err := c.SendBatch(context.Background(), []*core.UsageRecord{mustRecord(t, "r1")})
	require.NoError(t, err)

	assert.Equal(t, "Bearer aicm-test-key", captured.auth)
	assert.Equal(t, "/api/v1/track", captured.path)
	assert.Equal(t, "aicostmanager-go", captured.agent)

	records, ok := captured.body["records"].([]interface{})
	require.True(t, ok)
	require.Len(t, records, 1)
	wire := records[0].(map[string]interface{})
	assert.Equal(t, "openai::gpt-4o", wire["service_key"])
	assert.Equal(t, "r1", wire["response_id"])

	res, ok := result.ResultFor("r1")
	require.True(t, ok)
	assert.Equal(t, core.StatusQueued, res.Status)
	assert.Equal(t, "evt-1", res.CostEventID)
}

func TestSendBatchEmptyIsNoOp(t *testing.T) {
	c := New(testSettings(t, "http://127.0.0.1:1"))
	result, err := c.SendBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, result.Results)
}

func TestSendBatchRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"results": []map[string]interface{}{
				{"response_id": "r1", "status": "queued"},
			},
		})
	}))
	defer srv.Close()

	c := New(testSettings(t, srv.URL))
	result, err := c.SendBatch(context.Background(), []*core.UsageRecord{mustRecord(t, "r1")})
	require.NoError(t, err)
	assert.EqualValues(t, 3, calls.Load(), "two 503s then success")
	_, ok := result.ResultFor("r1")
	assert.True(t, ok)
}

func TestSendBatchGivesUpAfterMaxAttempts(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New(testSettings(t, srv.URL))
	_, err := c.SendBatch(context.Background(), []*core.UsageRecord{mustRecord(t, "r1")})
	require.Error(t, err)
	assert.EqualValues(t, 3, calls.Load())
	assert.True(t, IsRetryable(err), "final error keeps its transient classification")
}

func TestSendBatchDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"detail": "unknown field",
			"code":   "invalid_usage",
		})
	}))
	defer srv.Close()

	c := New(testSettings(t, srv.URL))
	_, err := c.SendBatch(context.Background(), []*core.UsageRecord{mustRecord(t, "r1")})
	require.Error(t, err)
	assert.EqualValues(t, 1, calls.Load(), "4xx must not retry")

	var perr *PermanentError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, http.StatusUnprocessableEntity, perr.Status)
	assert.Equal(t, "unknown field", perr.Detail)
	assert.Equal(t, "invalid_usage", perr.Code)
	assert.False(t, IsRetryable(err))
}

func TestSendBatchSynthesizesResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Body-level status only, no per-record results
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"status": "service_key_unknown",
		})
	}))
	defer srv.Close()

	c := New(testSettings(t, srv.URL))
	recs := []*core.UsageRecord{mustRecord(t, "r1"), mustRecord(t, "r2")}
	result, err := c.SendBatch(context.Background(), recs)
	require.NoError(t, err)

	require.Len(t, result.Results, 2)
	for _, id := range []string{"r1", "r2"} {
		res, ok := result.ResultFor(id)
		require.True(t, ok)
		assert.Equal(t, core.StatusServiceKeyUnknown, res.Status)
	}
}

// limitRecorder collects Notify calls
type limitRecorder struct {
	mu     sync.Mutex
	calls  int
	limits []core.TriggeredLimit
}

func (l *limitRecorder) Notify(limits []core.TriggeredLimit) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	l.limits = limits
}

func TestSendBatchNotifiesLimitsSink(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"results": []map[string]interface{}{
				{"response_id": "r1", "status": "queued"},
			},
			"triggered_limits": []map[string]interface{}{
				{"limit_id": "lim-1", "threshold_type": "LIMIT"},
			},
		})
	}))
	defer srv.Close()

	sink := &limitRecorder{}
	c := New(testSettings(t, srv.URL))
	c.SetLimitsSink(sink)

	_, err := c.SendBatch(context.Background(), []*core.UsageRecord{mustRecord(t, "r1")})
	require.NoError(t, err)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Equal(t, 1, sink.calls)
	require.Len(t, sink.limits, 1)
	assert.Equal(t, "lim-1", sink.limits[0].LimitID)
}

func TestFetchLimitsETagCaching(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"triggered_limits": []map[string]interface{}{
				{"limit_id": "lim-1", "threshold_type": "LIMIT"},
			},
		})
	}))
	defer srv.Close()

	c := New(testSettings(t, srv.URL))

	limits, changed, err := c.FetchLimits(context.Background())
	require.NoError(t, err)
	assert.True(t, changed)
	require.Len(t, limits, 1)

	limits, changed, err = c.FetchLimits(context.Background())
	require.NoError(t, err)
	assert.False(t, changed, "second fetch should be answered 304")
	assert.Nil(t, limits)
	assert.EqualValues(t, 2, calls.Load())
}

func TestFetchLimitsBareArrayBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]map[string]interface{}{
			{"limit_id": "lim-2", "threshold_type": "WARNING"},
		})
	}))
	defer srv.Close()

	c := New(testSettings(t, srv.URL))
	limits, changed, err := c.FetchLimits(context.Background())
	require.NoError(t, err)
	assert.True(t, changed)
	require.Len(t, limits, 1)
	assert.Equal(t, "lim-2", limits[0].LimitID)
}

func TestConnectionFailureIsRetryable(t *testing.T) {
	s := testSettings(t, "http://127.0.0.1:1")
	s.MaxAttempts = 1
	c := New(s)

	_, err := c.SendBatch(context.Background(), []*core.UsageRecord{mustRecord(t, "r1")})
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
	assert.ErrorIs(t, err, core.ErrConnectionFailed)
}

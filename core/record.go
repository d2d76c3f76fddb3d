package core

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// UsageRecord is a single usage measurement bound for the tracking service.
// ResponseID, ServiceKey and Timestamp are fixed at construction and never
// change afterwards; the wire form is deterministic for a given record.
type UsageRecord struct {
	serviceKey string
	responseID string
	timestamp  time.Time

	// APIID is a legacy provider hint accepted on input for backward
	// compatibility. It is carried in memory but not required on the wire.
	APIID string

	CustomerKey string
	Context     map[string]interface{}
	Usage       map[string]interface{}
}

// RecordOption configures optional fields of a UsageRecord at construction
type RecordOption func(*UsageRecord)

// WithResponseID sets an explicit idempotency key. When absent a UUIDv4 is
// generated at construction time.
func WithResponseID(id string) RecordOption {
	return func(r *UsageRecord) {
		if id != "" {
			r.responseID = id
		}
	}
}

// WithTimestamp overrides the record timestamp (stored as UTC)
func WithTimestamp(ts time.Time) RecordOption {
	return func(r *UsageRecord) {
		if !ts.IsZero() {
			r.timestamp = ts.UTC()
		}
	}
}

// WithCustomerKey sets the customer attribution tag
func WithCustomerKey(key string) RecordOption {
	return func(r *UsageRecord) { r.CustomerKey = key }
}

// WithContext sets free-form metadata. Per-call context replaces any tracker
// default wholesale; values are never merged.
func WithContext(ctx map[string]interface{}) RecordOption {
	return func(r *UsageRecord) { r.Context = ctx }
}

// WithAPIID sets the legacy provider hint
func WithAPIID(apiID string) RecordOption {
	return func(r *UsageRecord) { r.APIID = apiID }
}

// NewUsageRecord constructs a record for serviceKey carrying usage counts.
// The usage mapping is normalized to plain JSON values (bounded depth, cycle
// safe) before being stored. serviceKey is treated as an opaque string.
func NewUsageRecord(serviceKey string, usage map[string]interface{}, opts ...RecordOption) (*UsageRecord, error) {
	if serviceKey == "" {
		return nil, NewTrackerError("record.New", "record", fmt.Errorf("service key is required: %w", ErrInvalidConfiguration))
	}
	if usage == nil {
		return nil, NewTrackerError("record.New", "record", fmt.Errorf("usage is required: %w", ErrInvalidConfiguration))
	}
	rec := &UsageRecord{
		serviceKey: serviceKey,
		responseID: uuid.NewString(),
		timestamp:  time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(rec)
	}
	rec.Usage = normalizeMap(usage, 0, make(map[uintptr]bool))
	return rec, nil
}

// ServiceKey returns the immutable service key
func (r *UsageRecord) ServiceKey() string { return r.serviceKey }

// ResponseID returns the immutable idempotency key
func (r *UsageRecord) ResponseID() string { return r.responseID }

// Timestamp returns the immutable record creation time (UTC)
func (r *UsageRecord) Timestamp() time.Time { return r.timestamp }

// Wire returns the JSON wire form of the record. Keys within nested objects
// serialize in sorted order (encoding/json map ordering), so the output is
// deterministic for a given record.
func (r *UsageRecord) Wire() map[string]interface{} {
	w := map[string]interface{}{
		"service_key": r.serviceKey,
		"response_id": r.responseID,
		"timestamp":   r.timestamp.Format(time.RFC3339Nano),
		"usage":       r.Usage,
	}
	if r.CustomerKey != "" {
		w["customer_key"] = r.CustomerKey
	}
	if r.Context != nil {
		w["context"] = r.Context
	}
	return w
}

// MarshalJSON serializes the wire form
func (r *UsageRecord) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.Wire())
}

// FromWire reconstructs a record from its wire form. Round-tripping a
// recognized wire shape through FromWire and Wire yields the same document.
func FromWire(w map[string]interface{}) (*UsageRecord, error) {
	serviceKey, _ := w["service_key"].(string)
	if serviceKey == "" {
		return nil, NewTrackerError("record.FromWire", "record", fmt.Errorf("service_key is required: %w", ErrInvalidConfiguration))
	}
	rec := &UsageRecord{serviceKey: serviceKey}
	if id, ok := w["response_id"].(string); ok && id != "" {
		rec.responseID = id
	} else {
		rec.responseID = uuid.NewString()
	}
	if ts, ok := w["timestamp"].(string); ok {
		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, NewTrackerError("record.FromWire", "record", fmt.Errorf("invalid timestamp %q: %w", ts, err))
		}
		rec.timestamp = parsed.UTC()
	} else {
		rec.timestamp = time.Now().UTC()
	}
	if ck, ok := w["customer_key"].(string); ok {
		rec.CustomerKey = ck
	}
	if c, ok := w["context"].(map[string]interface{}); ok {
		rec.Context = c
	}
	if u, ok := w["usage"].(map[string]interface{}); ok {
		rec.Usage = u
	} else {
		rec.Usage = map[string]interface{}{}
	}
	if apiID, ok := w["api_id"].(string); ok {
		rec.APIID = apiID
	}
	return rec, nil
}

// UnmarshalWire parses a JSON document into a record via FromWire
func UnmarshalWire(data []byte) (*UsageRecord, error) {
	var w map[string]interface{}
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, NewTrackerError("record.UnmarshalWire", "record", err)
	}
	return FromWire(w)
}

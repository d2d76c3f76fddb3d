package core

// RecordStatus is the server-side disposition of one tracked record
type RecordStatus string

const (
	// StatusQueued indicates the server accepted the record for costing
	StatusQueued RecordStatus = "queued"

	// StatusServiceKeyUnknown indicates the server does not recognize the
	// record's service key. The record is not retried and counts as
	// delivered for queue bookkeeping.
	StatusServiceKeyUnknown RecordStatus = "service_key_unknown"

	// StatusRejected indicates the server permanently rejected the record
	StatusRejected RecordStatus = "rejected"

	// StatusFailed indicates delivery gave up without a server disposition.
	// Only the immediate strategy reports it; queued strategies retry in the
	// background instead.
	StatusFailed RecordStatus = "failed"
)

// RecordResult is the server's per-record outcome within a batch response
type RecordResult struct {
	ResponseID  string       `json:"response_id"`
	Status      RecordStatus `json:"status"`
	CostEventID string       `json:"cost_event_id,omitempty"`
}

// BatchResult is the parsed response of one POST /track call
type BatchResult struct {
	Results         []RecordResult   `json:"results"`
	TriggeredLimits []TriggeredLimit `json:"triggered_limits,omitempty"`
}

// ResultFor returns the result entry for the given response id, if present
func (b *BatchResult) ResultFor(responseID string) (RecordResult, bool) {
	if b == nil {
		return RecordResult{}, false
	}
	for _, r := range b.Results {
		if r.ResponseID == responseID {
			return r, true
		}
	}
	return RecordResult{}, false
}

// TrackResult is returned to callers that want to inspect delivery outcome
type TrackResult struct {
	ResponseID  string       `json:"response_id"`
	Status      RecordStatus `json:"status"`
	CostEventID string       `json:"cost_event_id,omitempty"`
}

package core

import "time"

// ThresholdType classifies a triggered limit
type ThresholdType string

const (
	// ThresholdWarning is informational; tracking proceeds normally
	ThresholdWarning ThresholdType = "WARNING"

	// ThresholdLimit blocks: matching records surface LimitExceededError
	// after the record has been accepted by the delivery strategy
	ThresholdLimit ThresholdType = "LIMIT"
)

// TriggeredLimit is a server-issued assertion that a scope has passed a
// usage threshold. Nil-equivalent scoping fields (empty strings) act as
// wildcards during matching.
type TriggeredLimit struct {
	LimitID       string        `json:"limit_id"`
	ThresholdType ThresholdType `json:"threshold_type"`
	Amount        string        `json:"amount,omitempty"`
	Period        string        `json:"period,omitempty"`
	APIKeyID      string        `json:"api_key_id"`
	ServiceKey    string        `json:"service_key,omitempty"`
	CustomerKey   string        `json:"customer_key,omitempty"`
	ConfigIDList  []string      `json:"config_id_list,omitempty"`
	Hostname      string        `json:"hostname,omitempty"`
	ExpiresAt     *time.Time    `json:"expires_at,omitempty"`
}

// Matches reports whether the limit applies to a record with the given
// effective scope. Every non-empty scoping field on the limit must equal the
// record's corresponding field; empty fields match anything.
func (l *TriggeredLimit) Matches(apiKeyID, serviceKey, customerKey string) bool {
	if l.APIKeyID != "" && l.APIKeyID != apiKeyID {
		return false
	}
	if l.ServiceKey != "" && l.ServiceKey != serviceKey {
		return false
	}
	if l.CustomerKey != "" && l.CustomerKey != customerKey {
		return false
	}
	if l.ExpiresAt != nil && time.Now().After(*l.ExpiresAt) {
		return false
	}
	return true
}

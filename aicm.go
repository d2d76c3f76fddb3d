// Package aicm is the Go SDK for the AICostManager usage tracking service.
// It records LLM and API usage events client-side and forwards them to the
// service's /track endpoint through one of three delivery strategies:
// immediate synchronous, in-memory queued or durable on-disk queued.
//
// Most applications only need this package:
//
//	tracker, err := aicm.New(
//	    aicm.WithSettings(aicm.WithAPIKey("aicm-...")),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tracker.Close(context.Background())
//
//	tracker.Track(ctx, "openai::gpt-4o", map[string]interface{}{
//	    "input_tokens":  1200,
//	    "output_tokens": 640,
//	})
//
// The subpackages (core, configstore, limits, transport, delivery,
// telemetry) are importable directly when finer control is needed.
package aicm

import (
	"github.com/aicostmanager/aicm-go/core"
)

// Re-export the types callers routinely touch so simple integrations need
// only this package.
type (
	UsageRecord   = core.UsageRecord
	RecordOption  = core.RecordOption
	TrackResult   = core.TrackResult
	BatchResult   = core.BatchResult
	RecordStatus  = core.RecordStatus
	DeliveryType  = core.DeliveryType
	DeliveryStats = core.DeliveryStats
	Settings      = core.Settings

	TriggeredLimit = core.TriggeredLimit
	SchemaSet      = core.SchemaSet
	UsageSchema    = core.UsageSchema
	FieldSpec      = core.FieldSpec

	Logger    = core.Logger
	Telemetry = core.Telemetry

	TrackerError       = core.TrackerError
	ValidationError    = core.ValidationError
	LimitExceededError = core.LimitExceededError
)

const (
	DeliveryImmediate       = core.DeliveryImmediate
	DeliveryMemQueue        = core.DeliveryMemQueue
	DeliveryPersistentQueue = core.DeliveryPersistentQueue

	StatusQueued            = core.StatusQueued
	StatusServiceKeyUnknown = core.StatusServiceKeyUnknown
	StatusRejected          = core.StatusRejected
	StatusFailed            = core.StatusFailed
)

// Re-export sentinel errors and the helpers that classify them
var (
	ErrTrackerClosed = core.ErrTrackerClosed
	ErrQueueFull     = core.ErrQueueFull
	ErrMissingAPIKey = core.ErrMissingAPIKey

	IsLimitExceeded   = core.IsLimitExceeded
	IsValidationError = core.IsValidationError
)

// Re-export record and settings constructors
var (
	NewUsageRecord = core.NewUsageRecord

	WithAPIKey        = core.WithAPIKey
	WithAPIKeyID      = core.WithAPIKeyID
	WithAPIBase       = core.WithAPIBase
	WithDeliveryType  = core.WithDeliveryType
	WithDBPath        = core.WithDBPath
	WithINIPath       = core.WithINIPath
	WithTimeout       = core.WithTimeout
	WithMaxAttempts   = core.WithMaxAttempts
	WithLimitsEnabled = core.WithLimitsEnabled
	WithRaiseOnError  = core.WithRaiseOnError

	WithResponseID  = core.WithResponseID
	WithTimestamp   = core.WithTimestamp
	WithCustomerKey = core.WithCustomerKey
	WithContext     = core.WithContext
	WithAPIID       = core.WithAPIID
)

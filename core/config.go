package core

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// DeliveryType selects how tracked records reach the server
type DeliveryType string

const (
	// DeliveryImmediate sends each track call synchronously
	DeliveryImmediate DeliveryType = "IMMEDIATE"

	// DeliveryMemQueue batches records through a bounded in-memory queue
	DeliveryMemQueue DeliveryType = "MEM_QUEUE"

	// DeliveryPersistentQueue journals records to an on-disk queue first
	DeliveryPersistentQueue DeliveryType = "PERSISTENT_QUEUE"
)

// ParseDeliveryType normalizes a delivery type string
func ParseDeliveryType(s string) (DeliveryType, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "IMMEDIATE":
		return DeliveryImmediate, nil
	case "MEM_QUEUE":
		return DeliveryMemQueue, nil
	case "PERSISTENT_QUEUE":
		return DeliveryPersistentQueue, nil
	default:
		return "", fmt.Errorf("unknown delivery type %q: %w", s, ErrInvalidConfiguration)
	}
}

// OverflowPolicy controls producer behavior when the in-memory queue is full
type OverflowPolicy string

const (
	// OverflowBlock blocks the producer until capacity frees up
	OverflowBlock OverflowPolicy = "block"

	// OverflowBackpressure discards the oldest queued record to make room
	OverflowBackpressure OverflowPolicy = "backpressure"

	// OverflowRaise returns ErrQueueFull to the producer
	OverflowRaise OverflowPolicy = "raise"
)

// Settings holds the resolved tracker configuration. Resolution merges four
// ordered sources, highest precedence first:
//  1. Functional options passed to the constructor
//  2. Environment variables (AICM_ prefix)
//  3. The configuration store's [tracker] section
//  4. Built-in defaults
//
// Example usage:
//
//	settings, err := core.NewSettings(
//	    core.WithAPIKey("aicm-..."),
//	    core.WithDeliveryType(core.DeliveryMemQueue),
//	)
type Settings struct {
	APIKey   string `json:"-" env:"AICM_API_KEY"`
	APIKeyID string `json:"api_key_id" env:"AICM_API_KEY_ID"`
	APIBase  string `json:"api_base" env:"AICM_API_BASE" default:"https://aicostmanager.com"`
	APIURL   string `json:"api_url" env:"AICM_API_URL" default:"/api/v1"`

	DeliveryType   DeliveryType   `json:"delivery_type" env:"AICM_DELIVERY_TYPE" default:"IMMEDIATE"`
	DBPath         string         `json:"db_path" env:"AICM_DB_PATH"`
	INIPath        string         `json:"ini_path" env:"AICM_INI_PATH"`
	OverflowPolicy OverflowPolicy `json:"overflow_policy" env:"AICM_OVERFLOW_POLICY" default:"backpressure"`

	Timeout          time.Duration `json:"timeout" env:"AICM_TIMEOUT" default:"10s"`
	PollInterval     time.Duration `json:"poll_interval" env:"AICM_POLL_INTERVAL" default:"100ms"`
	BatchInterval    time.Duration `json:"batch_interval" env:"AICM_BATCH_INTERVAL" default:"500ms"`
	ShutdownDeadline time.Duration `json:"shutdown_deadline" env:"AICM_SHUTDOWN_DEADLINE" default:"30s"`

	MaxAttempts  int `json:"max_attempts" env:"AICM_MAX_ATTEMPTS" default:"3"`
	MaxRetries   int `json:"max_retries" env:"AICM_MAX_RETRIES" default:"5"`
	QueueSize    int `json:"queue_size" env:"AICM_QUEUE_SIZE" default:"10000"`
	MaxBatchSize int `json:"max_batch_size" env:"AICM_MAX_BATCH_SIZE" default:"100"`

	RaiseOnError  bool   `json:"raise_on_error" env:"AICM_RAISE_ON_ERROR" default:"false"`
	LimitsEnabled bool   `json:"limits_enabled" env:"AICM_LIMITS_ENABLED" default:"false"`
	LogLevel      string `json:"log_level" env:"AICM_LOG_LEVEL" default:"INFO"`
	LogBodies     bool   `json:"log_bodies" env:"AICM_LOG_BODIES" default:"false"`

	// deliveryTypeSet records whether an option or env/store value chose the
	// delivery type explicitly; otherwise DBPath presence selects it.
	deliveryTypeSet bool
}

// SettingsSource supplies configuration store values during resolution.
// Satisfied by *configstore.Store.
type SettingsSource interface {
	Option(section, key string) (string, bool)
}

// Option is a functional option for Settings
type Option func(*Settings) error

// WithAPIKey sets the bearer credential
func WithAPIKey(key string) Option {
	return func(s *Settings) error {
		s.APIKey = key
		return nil
	}
}

// WithAPIKeyID sets the key identifier used for triggered-limit matching
func WithAPIKeyID(id string) Option {
	return func(s *Settings) error {
		s.APIKeyID = id
		return nil
	}
}

// WithAPIBase sets the scheme+host of the tracking service
func WithAPIBase(base string) Option {
	return func(s *Settings) error {
		if base == "" {
			return fmt.Errorf("api base must not be empty: %w", ErrInvalidConfiguration)
		}
		s.APIBase = base
		return nil
	}
}

// WithAPIURL sets the path prefix under the API base
func WithAPIURL(url string) Option {
	return func(s *Settings) error {
		s.APIURL = url
		return nil
	}
}

// WithDeliveryType selects the delivery strategy
func WithDeliveryType(dt DeliveryType) Option {
	return func(s *Settings) error {
		if _, err := ParseDeliveryType(string(dt)); err != nil {
			return err
		}
		s.DeliveryType = dt
		s.deliveryTypeSet = true
		return nil
	}
}

// WithDBPath sets the durable queue location. Setting a DB path switches the
// default delivery type to PERSISTENT_QUEUE when no explicit type is chosen.
func WithDBPath(path string) Option {
	return func(s *Settings) error {
		s.DBPath = path
		return nil
	}
}

// WithINIPath sets the configuration store location
func WithINIPath(path string) Option {
	return func(s *Settings) error {
		s.INIPath = path
		return nil
	}
}

// WithTimeout sets the per-HTTP-request timeout
func WithTimeout(d time.Duration) Option {
	return func(s *Settings) error {
		if d <= 0 {
			return fmt.Errorf("timeout must be positive: %w", ErrInvalidConfiguration)
		}
		s.Timeout = d
		return nil
	}
}

// WithPollInterval sets the durable queue poll cadence
func WithPollInterval(d time.Duration) Option {
	return func(s *Settings) error {
		s.PollInterval = d
		return nil
	}
}

// WithBatchInterval sets the max wait before flushing a partial batch
func WithBatchInterval(d time.Duration) Option {
	return func(s *Settings) error {
		s.BatchInterval = d
		return nil
	}
}

// WithShutdownDeadline bounds draining on Close
func WithShutdownDeadline(d time.Duration) Option {
	return func(s *Settings) error {
		s.ShutdownDeadline = d
		return nil
	}
}

// WithMaxAttempts sets HTTP-level attempts within one delivery try
func WithMaxAttempts(n int) Option {
	return func(s *Settings) error {
		if n < 1 {
			return fmt.Errorf("max attempts must be at least 1: %w", ErrInvalidConfiguration)
		}
		s.MaxAttempts = n
		return nil
	}
}

// WithMaxRetries sets reschedule attempts for queued entries
func WithMaxRetries(n int) Option {
	return func(s *Settings) error {
		s.MaxRetries = n
		return nil
	}
}

// WithQueueSize sets the in-memory channel capacity
func WithQueueSize(n int) Option {
	return func(s *Settings) error {
		if n < 1 {
			return fmt.Errorf("queue size must be at least 1: %w", ErrInvalidConfiguration)
		}
		s.QueueSize = n
		return nil
	}
}

// WithMaxBatchSize sets records per outbound POST
func WithMaxBatchSize(n int) Option {
	return func(s *Settings) error {
		if n < 1 {
			return fmt.Errorf("max batch size must be at least 1: %w", ErrInvalidConfiguration)
		}
		s.MaxBatchSize = n
		return nil
	}
}

// WithRaiseOnError makes the immediate strategy surface final failures
func WithRaiseOnError(raise bool) Option {
	return func(s *Settings) error {
		s.RaiseOnError = raise
		return nil
	}
}

// WithLimitsEnabled toggles local enforcement of triggered limits
func WithLimitsEnabled(enabled bool) Option {
	return func(s *Settings) error {
		s.LimitsEnabled = enabled
		return nil
	}
}

// WithLogLevel sets logging verbosity
func WithLogLevel(level string) Option {
	return func(s *Settings) error {
		s.LogLevel = strings.ToUpper(level)
		return nil
	}
}

// WithLogBodies toggles redacted request/response body logging
func WithLogBodies(enabled bool) Option {
	return func(s *Settings) error {
		s.LogBodies = enabled
		return nil
	}
}

// WithOverflowPolicy sets the in-memory queue overflow behavior
func WithOverflowPolicy(p OverflowPolicy) Option {
	return func(s *Settings) error {
		switch p {
		case OverflowBlock, OverflowBackpressure, OverflowRaise:
			s.OverflowPolicy = p
			return nil
		default:
			return fmt.Errorf("unknown overflow policy %q: %w", p, ErrInvalidConfiguration)
		}
	}
}

// DefaultSettings returns the built-in defaults (lowest precedence source)
func DefaultSettings() *Settings {
	home, _ := os.UserHomeDir()
	return &Settings{
		APIBase:          "https://aicostmanager.com",
		APIURL:           "/api/v1",
		DeliveryType:     DeliveryImmediate,
		DBPath:           "",
		INIPath:          filepath.Join(home, ".config", "aicm", "AICM.INI"),
		OverflowPolicy:   OverflowBackpressure,
		Timeout:          10 * time.Second,
		PollInterval:     100 * time.Millisecond,
		BatchInterval:    500 * time.Millisecond,
		ShutdownDeadline: 30 * time.Second,
		MaxAttempts:      3,
		MaxRetries:       5,
		QueueSize:        10000,
		MaxBatchSize:     100,
		RaiseOnError:     false,
		LimitsEnabled:    false,
		LogLevel:         "INFO",
		LogBodies:        false,
	}
}

// NewSettings resolves settings from defaults, an optional configuration
// store, environment variables and functional options, in ascending
// precedence order.
func NewSettings(store SettingsSource, opts ...Option) (*Settings, error) {
	s := DefaultSettings()
	if store != nil {
		if err := s.LoadFromStore(store); err != nil {
			return nil, err
		}
	}
	if err := s.LoadFromEnv(); err != nil {
		return nil, err
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	s.applyDerivedDefaults()
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// applyDerivedDefaults fills values computed from other settings
func (s *Settings) applyDerivedDefaults() {
	if !s.deliveryTypeSet && s.DBPath != "" {
		s.DeliveryType = DeliveryPersistentQueue
	}
	if s.DBPath == "" {
		home, _ := os.UserHomeDir()
		s.DBPath = filepath.Join(home, ".cache", "aicm", "queue.db")
	}
	if s.APIKeyID == "" && s.APIKey != "" {
		s.APIKeyID = DeriveAPIKeyID(s.APIKey)
	}
}

// DeriveAPIKeyID computes the default key identifier used for limit matching
// when none is configured: the first 16 hex chars of SHA-256 of the API key.
func DeriveAPIKeyID(apiKey string) string {
	sum := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(sum[:])[:16]
}

// LoadFromEnv loads configuration from AICM_-prefixed environment variables.
// Environment variables take precedence over the configuration store but are
// overridden by functional options.
func (s *Settings) LoadFromEnv() error {
	if v := os.Getenv("AICM_API_KEY"); v != "" {
		s.APIKey = v
	}
	if v := os.Getenv("AICM_API_KEY_ID"); v != "" {
		s.APIKeyID = v
	}
	if v := os.Getenv("AICM_API_BASE"); v != "" {
		s.APIBase = v
	}
	if v := os.Getenv("AICM_API_URL"); v != "" {
		s.APIURL = v
	}
	if v := os.Getenv("AICM_DELIVERY_TYPE"); v != "" {
		dt, err := ParseDeliveryType(v)
		if err != nil {
			return err
		}
		s.DeliveryType = dt
		s.deliveryTypeSet = true
	}
	if v := os.Getenv("AICM_DB_PATH"); v != "" {
		s.DBPath = v
	}
	if v := os.Getenv("AICM_INI_PATH"); v != "" {
		s.INIPath = v
	}
	if v := os.Getenv("AICM_OVERFLOW_POLICY"); v != "" {
		s.OverflowPolicy = OverflowPolicy(strings.ToLower(v))
	}
	if v := os.Getenv("AICM_TIMEOUT"); v != "" {
		d, err := parseDurationSetting(v)
		if err != nil {
			return fmt.Errorf("AICM_TIMEOUT: %w", err)
		}
		s.Timeout = d
	}
	if v := os.Getenv("AICM_POLL_INTERVAL"); v != "" {
		d, err := parseDurationSetting(v)
		if err != nil {
			return fmt.Errorf("AICM_POLL_INTERVAL: %w", err)
		}
		s.PollInterval = d
	}
	if v := os.Getenv("AICM_BATCH_INTERVAL"); v != "" {
		d, err := parseDurationSetting(v)
		if err != nil {
			return fmt.Errorf("AICM_BATCH_INTERVAL: %w", err)
		}
		s.BatchInterval = d
	}
	if v := os.Getenv("AICM_SHUTDOWN_DEADLINE"); v != "" {
		d, err := parseDurationSetting(v)
		if err != nil {
			return fmt.Errorf("AICM_SHUTDOWN_DEADLINE: %w", err)
		}
		s.ShutdownDeadline = d
	}
	if v := os.Getenv("AICM_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			s.MaxAttempts = n
		}
	}
	if v := os.Getenv("AICM_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			s.MaxRetries = n
		}
	}
	if v := os.Getenv("AICM_QUEUE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			s.QueueSize = n
		}
	}
	if v := os.Getenv("AICM_MAX_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			s.MaxBatchSize = n
		}
	}
	if v := os.Getenv("AICM_RAISE_ON_ERROR"); v != "" {
		s.RaiseOnError = parseBoolSetting(v)
	}
	if v := os.Getenv("AICM_LIMITS_ENABLED"); v != "" {
		s.LimitsEnabled = parseBoolSetting(v)
	}
	if v := os.Getenv("AICM_LOG_LEVEL"); v != "" {
		s.LogLevel = strings.ToUpper(v)
	}
	if v := os.Getenv("AICM_LOG_BODIES"); v != "" {
		s.LogBodies = parseBoolSetting(v)
	}
	return nil
}

// LoadFromStore loads the [tracker] section of the configuration store.
// Store values take precedence over defaults but are overridden by
// environment variables and options.
func (s *Settings) LoadFromStore(store SettingsSource) error {
	const section = "tracker"
	if v, ok := store.Option(section, "API_KEY"); ok {
		s.APIKey = v
	}
	if v, ok := store.Option(section, "API_KEY_ID"); ok {
		s.APIKeyID = v
	}
	if v, ok := store.Option(section, "API_BASE"); ok {
		s.APIBase = v
	}
	if v, ok := store.Option(section, "API_URL"); ok {
		s.APIURL = v
	}
	if v, ok := store.Option(section, "DELIVERY_TYPE"); ok {
		dt, err := ParseDeliveryType(v)
		if err != nil {
			return err
		}
		s.DeliveryType = dt
		s.deliveryTypeSet = true
	}
	if v, ok := store.Option(section, "DB_PATH"); ok {
		s.DBPath = v
	}
	if v, ok := store.Option(section, "OVERFLOW_POLICY"); ok {
		s.OverflowPolicy = OverflowPolicy(strings.ToLower(v))
	}
	if v, ok := store.Option(section, "TIMEOUT"); ok {
		if d, err := parseDurationSetting(v); err == nil {
			s.Timeout = d
		}
	}
	if v, ok := store.Option(section, "POLL_INTERVAL"); ok {
		if d, err := parseDurationSetting(v); err == nil {
			s.PollInterval = d
		}
	}
	if v, ok := store.Option(section, "BATCH_INTERVAL"); ok {
		if d, err := parseDurationSetting(v); err == nil {
			s.BatchInterval = d
		}
	}
	if v, ok := store.Option(section, "MAX_ATTEMPTS"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			s.MaxAttempts = n
		}
	}
	if v, ok := store.Option(section, "MAX_RETRIES"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			s.MaxRetries = n
		}
	}
	if v, ok := store.Option(section, "QUEUE_SIZE"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			s.QueueSize = n
		}
	}
	if v, ok := store.Option(section, "MAX_BATCH_SIZE"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			s.MaxBatchSize = n
		}
	}
	if v, ok := store.Option(section, "RAISE_ON_ERROR"); ok {
		s.RaiseOnError = parseBoolSetting(v)
	}
	if v, ok := store.Option(section, "LIMITS_ENABLED"); ok {
		s.LimitsEnabled = parseBoolSetting(v)
	}
	if v, ok := store.Option(section, "LOG_LEVEL"); ok {
		s.LogLevel = strings.ToUpper(v)
	}
	if v, ok := store.Option(section, "LOG_BODIES"); ok {
		s.LogBodies = parseBoolSetting(v)
	}
	return nil
}

// Validate checks the resolved settings for consistency
func (s *Settings) Validate() error {
	if s.APIKey == "" {
		return fmt.Errorf("API_KEY is required: %w", ErrMissingAPIKey)
	}
	if _, err := ParseDeliveryType(string(s.DeliveryType)); err != nil {
		return err
	}
	switch s.OverflowPolicy {
	case OverflowBlock, OverflowBackpressure, OverflowRaise:
	default:
		return fmt.Errorf("unknown overflow policy %q: %w", s.OverflowPolicy, ErrInvalidConfiguration)
	}
	if s.MaxBatchSize < 1 || s.QueueSize < 1 || s.MaxAttempts < 1 {
		return fmt.Errorf("batch size, queue size and max attempts must be positive: %w", ErrInvalidConfiguration)
	}
	return nil
}

// TrackURL returns the fully derived /track endpoint
func (s *Settings) TrackURL() string {
	return strings.TrimRight(s.APIBase, "/") + strings.TrimRight(s.APIURL, "/") + "/track"
}

// LimitsURL returns the fully derived /triggered-limits endpoint
func (s *Settings) LimitsURL() string {
	return strings.TrimRight(s.APIBase, "/") + strings.TrimRight(s.APIURL, "/") + "/triggered-limits"
}

// InflightReclaim returns how long an INFLIGHT queue entry may go
// unacknowledged before it reverts to QUEUED.
func (s *Settings) InflightReclaim() time.Duration {
	reclaim := 2 * s.Timeout
	if reclaim < time.Minute {
		reclaim = time.Minute
	}
	return reclaim
}

// parseDurationSetting accepts either a Go duration ("1.5s") or a bare float
// second count ("1.5"), matching the configuration file convention.
func parseDurationSetting(v string) (time.Duration, error) {
	if d, err := time.ParseDuration(v); err == nil {
		return d, nil
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(f * float64(time.Second)), nil
	}
	return 0, fmt.Errorf("invalid duration %q: %w", v, ErrInvalidConfiguration)
}

func parseBoolSetting(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

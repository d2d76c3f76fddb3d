package aicm

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/aicostmanager/aicm-go/configstore"
	"github.com/aicostmanager/aicm-go/core"
	"github.com/aicostmanager/aicm-go/delivery"
	"github.com/aicostmanager/aicm-go/limits"
	"github.com/aicostmanager/aicm-go/transport"
)

// Tracker is the SDK entry point. It owns the resolved settings, the
// configuration store, the triggered-limits cache, the HTTP transport and
// one delivery strategy, and hands usage records from the application to
// the delivery pipeline.
//
// A Tracker is safe for concurrent use. Create one per process (or per API
// key) and Close it on shutdown to flush queued records.
type Tracker struct {
	settings  *core.Settings
	store     *configstore.Store
	limits    *limits.Cache
	client    *transport.Client
	delivery  core.Delivery
	logger    core.Logger
	telemetry core.Telemetry
	schemas   core.SchemaSet

	mu          sync.RWMutex
	customerKey string
	baseContext map[string]interface{}

	closed atomic.Bool

	asyncOnce sync.Once
	asyncPool *asyncPool
}

// TrackerOption customizes Tracker construction
type TrackerOption func(*trackerConfig)

type trackerConfig struct {
	settingsOpts []core.Option
	logger       core.Logger
	telemetry    core.Telemetry
	httpClient   *http.Client
	schemas      core.SchemaSet
	onDiscard    func(*core.UsageRecord)
	delivery     core.Delivery
}

// WithSettings forwards settings options (API key, delivery type, paths and
// so on) into settings resolution. They take precedence over environment
// variables and the configuration store.
func WithSettings(opts ...core.Option) TrackerOption {
	return func(c *trackerConfig) {
		c.settingsOpts = append(c.settingsOpts, opts...)
	}
}

// WithLogger injects the application's logger
func WithLogger(logger core.Logger) TrackerOption {
	return func(c *trackerConfig) {
		c.logger = logger
	}
}

// WithTelemetry injects a metrics backend for the tracker's own counters
func WithTelemetry(t core.Telemetry) TrackerOption {
	return func(c *trackerConfig) {
		c.telemetry = t
	}
}

// WithHTTPClient overrides the transport's HTTP client
func WithHTTPClient(h *http.Client) TrackerOption {
	return func(c *trackerConfig) {
		c.httpClient = h
	}
}

// WithSchemas enables client-side usage validation against the given schema
// set. Records failing validation are rejected before enqueue.
func WithSchemas(s core.SchemaSet) TrackerOption {
	return func(c *trackerConfig) {
		c.schemas = s
	}
}

// WithOnDiscard registers a hook fired for records dropped by the in-memory
// queue's backpressure policy
func WithOnDiscard(fn func(*core.UsageRecord)) TrackerOption {
	return func(c *trackerConfig) {
		c.onDiscard = fn
	}
}

// WithDelivery substitutes a custom delivery strategy. Mostly useful in
// tests; the settings-selected strategy is skipped entirely.
func WithDelivery(d core.Delivery) TrackerOption {
	return func(c *trackerConfig) {
		c.delivery = d
	}
}

// New builds a Tracker. Settings resolve in precedence order: explicit
// options, then AICM_ environment variables, then the [tracker] section of
// the INI store, then defaults. The INI path itself may come from any of
// the first three.
func New(opts ...TrackerOption) (*Tracker, error) {
	var cfg trackerConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = core.NewProductionLogger("")
	}
	if cfg.telemetry == nil {
		cfg.telemetry = &core.NoOpTelemetry{}
	}

	// Two-phase resolution: the INI path is itself a setting, so resolve
	// once without a store to locate the file, then again with it.
	bootstrap, err := core.NewSettings(nil, cfg.settingsOpts...)
	if err != nil {
		return nil, err
	}
	store := configstore.New(bootstrap.INIPath, cfg.logger)
	settings, err := core.NewSettings(store, cfg.settingsOpts...)
	if err != nil {
		return nil, err
	}

	cache := limits.NewCache(store, cfg.logger)

	clientOpts := []transport.ClientOption{
		transport.WithLogger(cfg.logger),
		transport.WithTelemetry(cfg.telemetry),
	}
	if cfg.httpClient != nil {
		clientOpts = append(clientOpts, transport.WithHTTPClient(cfg.httpClient))
	}
	client := transport.New(settings, clientOpts...)
	client.SetLimitsSink(cache)

	if settings.LimitsEnabled {
		if _, stale := cache.LoadFromStoreIfEmpty(); stale {
			// Persisted limits are unusable; refetch instead of waiting for
			// the next delivery response to repopulate the cache.
			go func() {
				fetched, changed, err := client.FetchLimits(context.Background())
				if err != nil {
					cfg.logger.Warn("triggered limits refresh failed", map[string]interface{}{
						"error": err.Error(),
					})
					return
				}
				if changed {
					cache.ReplaceAll(fetched)
				}
			}()
		}
	}

	dlv := cfg.delivery
	if dlv == nil {
		dlv, err = delivery.New(settings, delivery.Options{
			Sender:    client,
			Logger:    cfg.logger,
			Telemetry: cfg.telemetry,
			OnDiscard: cfg.onDiscard,
		})
		if err != nil {
			return nil, err
		}
	}

	t := &Tracker{
		settings:  settings,
		store:     store,
		limits:    cache,
		client:    client,
		delivery:  dlv,
		logger:    cfg.logger,
		telemetry: cfg.telemetry,
		schemas:   cfg.schemas,
	}
	cfg.logger.Info("tracker initialized", map[string]interface{}{
		"delivery_type":  string(settings.DeliveryType),
		"limits_enabled": settings.LimitsEnabled,
	})
	return t, nil
}

// Settings returns the resolved settings (read-only by convention)
func (t *Tracker) Settings() *core.Settings { return t.settings }

// SetCustomerKey sets the default customer key stamped on subsequent records
// that do not carry their own
func (t *Tracker) SetCustomerKey(key string) {
	t.mu.Lock()
	t.customerKey = key
	t.mu.Unlock()
}

// SetContext sets the default context stamped on records that do not carry
// their own. A record's explicit context replaces the default wholesale.
// Pass nil to clear.
func (t *Tracker) SetContext(ctx map[string]interface{}) {
	t.mu.Lock()
	if ctx == nil {
		t.baseContext = nil
	} else {
		cp := make(map[string]interface{}, len(ctx))
		for k, v := range ctx {
			cp[k] = v
		}
		t.baseContext = cp
	}
	t.mu.Unlock()
}

// Track records one usage event. The record is validated (when schemas are
// configured), stamped with tracker defaults and handed to the delivery
// strategy. For the immediate strategy the returned result reflects the
// server's disposition; queued strategies return a queued placeholder.
//
// When limits enforcement is on and a LIMIT-type triggered limit matches,
// the record is still enqueued and the error is *core.LimitExceededError.
func (t *Tracker) Track(ctx context.Context, serviceKey string, usage map[string]interface{}, opts ...core.RecordOption) (*core.TrackResult, error) {
	if t.closed.Load() {
		return nil, core.ErrTrackerClosed
	}
	rec, err := t.newRecord(serviceKey, usage, opts...)
	if err != nil {
		return nil, err
	}

	batch, err := t.delivery.EnqueueBatch(ctx, []*core.UsageRecord{rec})
	if err != nil {
		return nil, err
	}
	result := t.resultFor(rec, batch)
	return result, t.checkLimit(rec, result)
}

// TrackBatch records several usage events in one call. Immediate delivery
// ships them in a single HTTP request; queued strategies enqueue in order.
func (t *Tracker) TrackBatch(ctx context.Context, recs []*core.UsageRecord) ([]*core.TrackResult, error) {
	if t.closed.Load() {
		return nil, core.ErrTrackerClosed
	}
	for _, rec := range recs {
		t.applyDefaults(rec)
		if err := t.validate(rec); err != nil {
			return nil, err
		}
	}

	batch, err := t.delivery.EnqueueBatch(ctx, recs)
	if err != nil {
		return nil, err
	}
	results := make([]*core.TrackResult, len(recs))
	var limitErr error
	for i, rec := range recs {
		results[i] = t.resultFor(rec, batch)
		if limitErr == nil {
			limitErr = t.checkLimit(rec, results[i])
		}
	}
	return results, limitErr
}

// DeliverNow bypasses the configured strategy and sends one record
// synchronously. Queued strategies keep running; this call shares their
// transport but not their queue.
func (t *Tracker) DeliverNow(ctx context.Context, serviceKey string, usage map[string]interface{}, opts ...core.RecordOption) (*core.TrackResult, error) {
	if t.closed.Load() {
		return nil, core.ErrTrackerClosed
	}
	rec, err := t.newRecord(serviceKey, usage, opts...)
	if err != nil {
		return nil, err
	}
	batch, err := t.client.SendBatch(ctx, []*core.UsageRecord{rec})
	if err != nil {
		return nil, err
	}
	result := t.resultFor(rec, batch)
	return result, t.checkLimit(rec, result)
}

// DeliverNowBatch sends records synchronously in one HTTP call
func (t *Tracker) DeliverNowBatch(ctx context.Context, recs []*core.UsageRecord) ([]*core.TrackResult, error) {
	if t.closed.Load() {
		return nil, core.ErrTrackerClosed
	}
	for _, rec := range recs {
		t.applyDefaults(rec)
		if err := t.validate(rec); err != nil {
			return nil, err
		}
	}
	batch, err := t.client.SendBatch(ctx, recs)
	if err != nil {
		return nil, err
	}
	results := make([]*core.TrackResult, len(recs))
	for i, rec := range recs {
		results[i] = t.resultFor(rec, batch)
	}
	return results, nil
}

// RefreshTriggeredLimits pulls the current limit set from the service and
// replaces the cache. Returns false when the server answered 304 and the
// cache was left untouched.
func (t *Tracker) RefreshTriggeredLimits(ctx context.Context) (bool, error) {
	fetched, changed, err := t.client.FetchLimits(ctx)
	if err != nil {
		return false, err
	}
	if changed {
		t.limits.ReplaceAll(fetched)
	}
	return changed, nil
}

// TriggeredLimits returns a copy of the cached limit set
func (t *Tracker) TriggeredLimits() []core.TriggeredLimit {
	return t.limits.Snapshot()
}

// Stats reports delivery counters for the active strategy
func (t *Tracker) Stats() core.DeliveryStats {
	return t.delivery.Stats()
}

// Close flushes and stops the delivery strategy. Idempotent; tracking calls
// after Close return ErrTrackerClosed.
func (t *Tracker) Close(ctx context.Context) error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	if t.asyncPool != nil {
		t.asyncPool.stop(ctx)
	}
	return t.delivery.Close(ctx)
}

func (t *Tracker) newRecord(serviceKey string, usage map[string]interface{}, opts ...core.RecordOption) (*core.UsageRecord, error) {
	rec, err := core.NewUsageRecord(serviceKey, usage, opts...)
	if err != nil {
		return nil, err
	}
	t.applyDefaults(rec)
	if err := t.validate(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// applyDefaults stamps tracker-level customer key and context onto a record
// that does not set its own. A record's explicit context wins wholesale.
func (t *Tracker) applyDefaults(rec *core.UsageRecord) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if rec.CustomerKey == "" && t.customerKey != "" {
		rec.CustomerKey = t.customerKey
	}
	if rec.Context == nil && t.baseContext != nil {
		cp := make(map[string]interface{}, len(t.baseContext))
		for k, v := range t.baseContext {
			cp[k] = v
		}
		rec.Context = cp
	}
}

func (t *Tracker) validate(rec *core.UsageRecord) error {
	if t.schemas == nil {
		return nil
	}
	schema, ok := t.schemas.SchemaFor(rec.ServiceKey())
	if !ok {
		return nil
	}
	return schema.Validate(rec.ServiceKey(), rec.Usage)
}

// resultFor maps the per-record server outcome (when the strategy returned
// one) onto a TrackResult; queued strategies yield a queued placeholder.
func (t *Tracker) resultFor(rec *core.UsageRecord, batch *core.BatchResult) *core.TrackResult {
	if r, ok := batch.ResultFor(rec.ResponseID()); ok {
		return &core.TrackResult{
			ResponseID:  r.ResponseID,
			Status:      r.Status,
			CostEventID: r.CostEventID,
		}
	}
	return &core.TrackResult{
		ResponseID: rec.ResponseID(),
		Status:     core.StatusQueued,
	}
}

// checkLimit consults the cache after the record was accepted by the
// strategy. Enqueue first, then report: the event is never lost to a limit.
// Records the server rejected as service_key_unknown are skipped; a limit
// cannot apply to a key the server does not cost.
func (t *Tracker) checkLimit(rec *core.UsageRecord, result *core.TrackResult) error {
	if !t.settings.LimitsEnabled {
		return nil
	}
	if result != nil && result.Status == core.StatusServiceKeyUnknown {
		return nil
	}
	for _, w := range t.limits.Warnings(t.settings.APIKeyID, rec.ServiceKey(), rec.CustomerKey) {
		t.logger.Warn("usage warning threshold triggered", map[string]interface{}{
			"limit_id":     w.LimitID,
			"service_key":  rec.ServiceKey(),
			"customer_key": rec.CustomerKey,
		})
	}
	hit := t.limits.Check(t.settings.APIKeyID, rec.ServiceKey(), rec.CustomerKey)
	if hit == nil {
		return nil
	}
	return &core.LimitExceededError{
		LimitID:     hit.LimitID,
		ServiceKey:  rec.ServiceKey(),
		CustomerKey: rec.CustomerKey,
	}
}

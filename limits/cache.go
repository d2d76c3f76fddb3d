// Package limits maintains the client-side cache of triggered usage limits.
//
// The server returns the authoritative limit set with every successful
// /track response; the cache absorbs it, persists it to the configuration
// store and answers match queries on the hot tracking path. Enforcement is
// strictly post-enqueue: a blocked record has always been accepted by the
// delivery strategy before the caller learns about the limit.
package limits

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"sync"

	"github.com/aicostmanager/aicm-go/core"
)

// StoreSection is the configuration store section owned by this cache
const StoreSection = "triggered_limits"

// Store is the slice of the configuration store the cache persists through.
// Satisfied by *configstore.Store.
type Store interface {
	GetSection(section string) map[string]string
	ReplaceSection(section string, values map[string]string) error
}

// Cache holds the current triggered-limit set with a secondary index by
// api_key_id. Readers never block each other; only ReplaceAll takes the
// writer lock.
type Cache struct {
	mu       sync.RWMutex
	limits   []core.TriggeredLimit
	byAPIKey map[string][]int

	store  Store
	logger core.Logger
}

// NewCache creates an empty cache persisting through store. A nil store
// keeps the cache purely in-memory.
func NewCache(store Store, logger core.Logger) *Cache {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Cache{
		byAPIKey: make(map[string][]int),
		store:    store,
		logger:   logger,
	}
}

// ReplaceAll atomically swaps the limit set and persists it to the store
func (c *Cache) ReplaceAll(limits []core.TriggeredLimit) {
	c.mu.Lock()
	c.limits = append([]core.TriggeredLimit(nil), limits...)
	c.byAPIKey = make(map[string][]int, len(limits))
	for i, l := range c.limits {
		c.byAPIKey[l.APIKeyID] = append(c.byAPIKey[l.APIKeyID], i)
	}
	c.mu.Unlock()

	c.persist(limits)
}

// Notify absorbs the authoritative limits list from a server response.
// Implements core.LimitsSink; invoked by the HTTP transport.
func (c *Cache) Notify(limits []core.TriggeredLimit) {
	if limits == nil {
		return
	}
	c.ReplaceAll(limits)
}

// Check returns the first limit with threshold type LIMIT matching the given
// scope, or nil. Limits scoped to other api_key_ids are skipped via the
// index; wildcard-keyed limits (empty api_key_id) are always consulted.
func (c *Cache) Check(apiKeyID, serviceKey, customerKey string) *core.TriggeredLimit {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, idx := range c.byAPIKey[apiKeyID] {
		l := &c.limits[idx]
		if l.ThresholdType == core.ThresholdLimit && l.Matches(apiKeyID, serviceKey, customerKey) {
			return l
		}
	}
	if apiKeyID != "" {
		for _, idx := range c.byAPIKey[""] {
			l := &c.limits[idx]
			if l.ThresholdType == core.ThresholdLimit && l.Matches(apiKeyID, serviceKey, customerKey) {
				return l
			}
		}
	}
	return nil
}

// Warnings returns all WARNING-type limits matching the given scope
func (c *Cache) Warnings(apiKeyID, serviceKey, customerKey string) []core.TriggeredLimit {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []core.TriggeredLimit
	for _, idx := range append(c.byAPIKey[apiKeyID], c.byAPIKey[""]...) {
		l := c.limits[idx]
		if l.ThresholdType == core.ThresholdWarning && l.Matches(apiKeyID, serviceKey, customerKey) {
			out = append(out, l)
		}
	}
	return out
}

// Snapshot returns a copy of the current limit set
func (c *Cache) Snapshot() []core.TriggeredLimit {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]core.TriggeredLimit(nil), c.limits...)
}

// Len returns the number of cached limits
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.limits)
}

// LoadFromStoreIfEmpty populates the cache from the store's persisted blob
// when the in-memory set is empty. A missing blob leaves the cache empty.
// A checksum mismatch or corrupt payload also leaves it empty but reports
// stale=true so the owner can schedule a refresh from the service.
func (c *Cache) LoadFromStoreIfEmpty() (loaded, stale bool) {
	if c.store == nil {
		return false, false
	}
	c.mu.RLock()
	empty := len(c.limits) == 0
	c.mu.RUnlock()
	if !empty {
		return false, false
	}

	sec := c.store.GetSection(StoreSection)
	payload, ok := sec["payload"]
	if !ok || payload == "" {
		return false, false
	}
	sum := sha256.Sum256([]byte(payload))
	if sec["checksum"] != hex.EncodeToString(sum[:]) {
		c.logger.Warn("triggered limits checksum mismatch, ignoring cached limits", map[string]interface{}{
			"section": StoreSection,
		})
		return false, true
	}
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		c.logger.Warn("triggered limits payload corrupt, ignoring cached limits", map[string]interface{}{
			"error": err.Error(),
		})
		return false, true
	}
	var limits []core.TriggeredLimit
	if err := json.Unmarshal(raw, &limits); err != nil {
		c.logger.Warn("triggered limits payload corrupt, ignoring cached limits", map[string]interface{}{
			"error": err.Error(),
		})
		return false, true
	}

	c.mu.Lock()
	if len(c.limits) == 0 {
		c.limits = limits
		c.byAPIKey = make(map[string][]int, len(limits))
		for i, l := range c.limits {
			c.byAPIKey[l.APIKeyID] = append(c.byAPIKey[l.APIKeyID], i)
		}
	}
	c.mu.Unlock()
	return true, false
}

// persist writes the limit set to the store as a base64 blob with a sha256
// checksum. Persist failures are logged and otherwise ignored: the in-memory
// cache stays authoritative for this process.
func (c *Cache) persist(limits []core.TriggeredLimit) {
	if c.store == nil {
		return
	}
	raw, err := json.Marshal(limits)
	if err != nil {
		c.logger.Error("triggered limits serialization failed", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}
	payload := base64.StdEncoding.EncodeToString(raw)
	sum := sha256.Sum256([]byte(payload))
	err = c.store.ReplaceSection(StoreSection, map[string]string{
		"payload":  payload,
		"checksum": hex.EncodeToString(sum[:]),
	})
	if err != nil {
		c.logger.Error("triggered limits persist failed", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

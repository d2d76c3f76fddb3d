package limits

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aicostmanager/aicm-go/core"
)

// memStore implements Store over a map, recording replace calls
type memStore struct {
	sections map[string]map[string]string
	replaces int
}

func newMemStore() *memStore {
	return &memStore{sections: make(map[string]map[string]string)}
}

func (m *memStore) GetSection(section string) map[string]string {
	out := make(map[string]string)
	for k, v := range m.sections[section] {
		out[k] = v
	}
	return out
}

func (m *memStore) ReplaceSection(section string, values map[string]string) error {
	cp := make(map[string]string, len(values))
	for k, v := range values {
		cp[k] = v
	}
	m.sections[section] = cp
	m.replaces++
	return nil
}

func checksumOf(payload string) string {
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

func limitFixture() []core.TriggeredLimit {
	return []core.TriggeredLimit{
		{LimitID: "lim-1", ThresholdType: core.ThresholdLimit, APIKeyID: "key-a", ServiceKey: "openai::gpt-4o"},
		{LimitID: "lim-2", ThresholdType: core.ThresholdLimit, APIKeyID: "", CustomerKey: "cust-1"},
		{LimitID: "warn-1", ThresholdType: core.ThresholdWarning, APIKeyID: "key-a"},
	}
}

func TestCheckMatchesByScope(t *testing.T) {
	c := NewCache(nil, nil)
	c.ReplaceAll(limitFixture())

	t.Run("api key and service key", func(t *testing.T) {
		hit := c.Check("key-a", "openai::gpt-4o", "")
		require.NotNil(t, hit)
		assert.Equal(t, "lim-1", hit.LimitID)
	})

	t.Run("other service key misses", func(t *testing.T) {
		assert.Nil(t, c.Check("key-a", "anthropic::claude", ""))
	})

	t.Run("wildcard api key matches customer", func(t *testing.T) {
		hit := c.Check("key-b", "any::svc", "cust-1")
		require.NotNil(t, hit)
		assert.Equal(t, "lim-2", hit.LimitID)
	})

	t.Run("warnings are not limits", func(t *testing.T) {
		assert.Nil(t, c.Check("key-a", "some::svc", ""))
		warns := c.Warnings("key-a", "some::svc", "")
		require.Len(t, warns, 1)
		assert.Equal(t, "warn-1", warns[0].LimitID)
	})
}

func TestCheckSkipsExpiredLimits(t *testing.T) {
	past := time.Now().Add(-time.Hour)
	c := NewCache(nil, nil)
	c.ReplaceAll([]core.TriggeredLimit{
		{LimitID: "old", ThresholdType: core.ThresholdLimit, ExpiresAt: &past},
	})
	assert.Nil(t, c.Check("any", "svc", ""))
}

func TestNotifyNilLeavesCacheAlone(t *testing.T) {
	c := NewCache(nil, nil)
	c.ReplaceAll(limitFixture())

	c.Notify(nil)
	assert.Equal(t, 3, c.Len(), "a response without the limits field must not clear the cache")

	c.Notify([]core.TriggeredLimit{})
	assert.Equal(t, 0, c.Len(), "an explicit empty list clears the cache")
}

func TestPersistAndReload(t *testing.T) {
	store := newMemStore()

	c := NewCache(store, nil)
	c.ReplaceAll(limitFixture())
	require.Equal(t, 1, store.replaces)

	sec := store.GetSection(StoreSection)
	assert.NotEmpty(t, sec["payload"])
	assert.NotEmpty(t, sec["checksum"])

	// A fresh cache over the same store picks the set up again
	c2 := NewCache(store, nil)
	loaded, stale := c2.LoadFromStoreIfEmpty()
	require.True(t, loaded)
	assert.False(t, stale)
	assert.Equal(t, 3, c2.Len())

	hit := c2.Check("key-a", "openai::gpt-4o", "")
	require.NotNil(t, hit)
	assert.Equal(t, "lim-1", hit.LimitID)
}

func TestLoadIgnoresChecksumMismatch(t *testing.T) {
	store := newMemStore()
	c := NewCache(store, nil)
	c.ReplaceAll(limitFixture())

	sec := store.GetSection(StoreSection)
	sec["checksum"] = "deadbeef"
	store.sections[StoreSection] = sec

	c2 := NewCache(store, nil)
	loaded, stale := c2.LoadFromStoreIfEmpty()
	assert.False(t, loaded)
	assert.True(t, stale, "an unusable persisted set asks for a refresh")
	assert.Equal(t, 0, c2.Len())
}

func TestLoadIgnoresCorruptPayload(t *testing.T) {
	store := newMemStore()
	store.sections[StoreSection] = map[string]string{
		"payload":  "!!not base64!!",
		"checksum": checksumOf("!!not base64!!"),
	}

	c := NewCache(store, nil)
	loaded, stale := c.LoadFromStoreIfEmpty()
	assert.False(t, loaded)
	assert.True(t, stale)
}

func TestLoadSkipsWhenNotEmpty(t *testing.T) {
	store := newMemStore()
	c := NewCache(store, nil)
	c.ReplaceAll(limitFixture())

	loaded, stale := c.LoadFromStoreIfEmpty()
	assert.False(t, loaded, "a populated cache is never overwritten from disk")
	assert.False(t, stale)
}

func TestSnapshotIsACopy(t *testing.T) {
	c := NewCache(nil, nil)
	c.ReplaceAll(limitFixture())

	snap := c.Snapshot()
	snap[0].LimitID = "mutated"

	fresh := c.Snapshot()
	assert.Equal(t, "lim-1", fresh[0].LimitID)
}

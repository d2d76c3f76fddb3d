package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mapSource is a SettingsSource over a fixed map, keyed section/key
type mapSource map[string]map[string]string

func (m mapSource) Option(section, key string) (string, bool) {
	s, ok := m[section]
	if !ok {
		return "", false
	}
	v, ok := s[key]
	return v, ok
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"AICM_API_KEY", "AICM_API_KEY_ID", "AICM_API_BASE", "AICM_API_URL",
		"AICM_DELIVERY_TYPE", "AICM_DB_PATH", "AICM_INI_PATH",
		"AICM_TIMEOUT", "AICM_POLL_INTERVAL", "AICM_BATCH_INTERVAL",
		"AICM_MAX_ATTEMPTS", "AICM_MAX_RETRIES", "AICM_QUEUE_SIZE",
		"AICM_MAX_BATCH_SIZE", "AICM_RAISE_ON_ERROR", "AICM_LIMITS_ENABLED",
		"AICM_LOG_LEVEL", "AICM_LOG_BODIES", "AICM_OVERFLOW_POLICY",
		"AICM_SHUTDOWN_DEADLINE",
	} {
		t.Setenv(k, "")
	}
}

func TestDefaultSettings(t *testing.T) {
	s := DefaultSettings()

	assert.Equal(t, "https://aicostmanager.com", s.APIBase)
	assert.Equal(t, "/api/v1", s.APIURL)
	assert.Equal(t, DeliveryImmediate, s.DeliveryType)
	assert.Equal(t, OverflowBackpressure, s.OverflowPolicy)
	assert.Equal(t, 10*time.Second, s.Timeout)
	assert.Equal(t, 3, s.MaxAttempts)
	assert.Equal(t, 5, s.MaxRetries)
	assert.Equal(t, 10000, s.QueueSize)
	assert.Equal(t, 100, s.MaxBatchSize)
	assert.False(t, s.RaiseOnError)
	assert.False(t, s.LimitsEnabled)
}

func TestNewSettingsRequiresAPIKey(t *testing.T) {
	clearEnv(t)
	_, err := NewSettings(nil)
	assert.ErrorIs(t, err, ErrMissingAPIKey)
}

func TestNewSettingsPrecedence(t *testing.T) {
	clearEnv(t)
	store := mapSource{
		"tracker": {
			"API_KEY":       "store-key",
			"DELIVERY_TYPE": "MEM_QUEUE",
			"TIMEOUT":       "5",
		},
	}

	t.Run("store over defaults", func(t *testing.T) {
		s, err := NewSettings(store)
		require.NoError(t, err)
		assert.Equal(t, "store-key", s.APIKey)
		assert.Equal(t, DeliveryMemQueue, s.DeliveryType)
		assert.Equal(t, 5*time.Second, s.Timeout)
	})

	t.Run("env over store", func(t *testing.T) {
		t.Setenv("AICM_API_KEY", "env-key")
		t.Setenv("AICM_TIMEOUT", "2s")
		s, err := NewSettings(store)
		require.NoError(t, err)
		assert.Equal(t, "env-key", s.APIKey)
		assert.Equal(t, 2*time.Second, s.Timeout)
	})

	t.Run("options over env", func(t *testing.T) {
		t.Setenv("AICM_API_KEY", "env-key")
		s, err := NewSettings(store, WithAPIKey("opt-key"), WithTimeout(time.Second))
		require.NoError(t, err)
		assert.Equal(t, "opt-key", s.APIKey)
		assert.Equal(t, time.Second, s.Timeout)
	})
}

func TestDBPathSelectsPersistentQueue(t *testing.T) {
	clearEnv(t)

	t.Run("implicit", func(t *testing.T) {
		s, err := NewSettings(nil, WithAPIKey("k"), WithDBPath("/tmp/q.db"))
		require.NoError(t, err)
		assert.Equal(t, DeliveryPersistentQueue, s.DeliveryType)
	})

	t.Run("explicit type wins", func(t *testing.T) {
		s, err := NewSettings(nil,
			WithAPIKey("k"),
			WithDBPath("/tmp/q.db"),
			WithDeliveryType(DeliveryImmediate),
		)
		require.NoError(t, err)
		assert.Equal(t, DeliveryImmediate, s.DeliveryType)
	})
}

func TestAPIKeyIDDerivation(t *testing.T) {
	clearEnv(t)

	s, err := NewSettings(nil, WithAPIKey("secret"))
	require.NoError(t, err)
	assert.Len(t, s.APIKeyID, 16)
	assert.Equal(t, DeriveAPIKeyID("secret"), s.APIKeyID)

	s2, err := NewSettings(nil, WithAPIKey("secret"), WithAPIKeyID("explicit"))
	require.NoError(t, err)
	assert.Equal(t, "explicit", s2.APIKeyID)
}

func TestParseDeliveryType(t *testing.T) {
	for in, want := range map[string]DeliveryType{
		"IMMEDIATE":        DeliveryImmediate,
		"mem_queue":        DeliveryMemQueue,
		"Persistent_Queue": DeliveryPersistentQueue,
	} {
		got, err := ParseDeliveryType(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}

	_, err := ParseDeliveryType("CARRIER_PIGEON")
	assert.ErrorIs(t, err, ErrInvalidConfiguration)
}

func TestParseDurationSetting(t *testing.T) {
	d, err := parseDurationSetting("1.5s")
	require.NoError(t, err)
	assert.Equal(t, 1500*time.Millisecond, d)

	d, err = parseDurationSetting("2.5")
	require.NoError(t, err)
	assert.Equal(t, 2500*time.Millisecond, d)

	_, err = parseDurationSetting("soon")
	assert.Error(t, err)
}

func TestTrackAndLimitsURLs(t *testing.T) {
	s := &Settings{APIBase: "https://example.com/", APIURL: "/api/v1/"}
	assert.Equal(t, "https://example.com/api/v1/track", s.TrackURL())
	assert.Equal(t, "https://example.com/api/v1/triggered-limits", s.LimitsURL())
}

func TestInflightReclaim(t *testing.T) {
	s := &Settings{Timeout: 10 * time.Second}
	assert.Equal(t, time.Minute, s.InflightReclaim(), "floor of one minute")

	s.Timeout = 45 * time.Second
	assert.Equal(t, 90*time.Second, s.InflightReclaim())
}

func TestValidateRejectsBadValues(t *testing.T) {
	clearEnv(t)

	_, err := NewSettings(nil, WithAPIKey("k"), WithOverflowPolicy("explode"))
	assert.ErrorIs(t, err, ErrInvalidConfiguration)

	_, err = NewSettings(nil, WithAPIKey("k"), WithMaxBatchSize(0))
	assert.ErrorIs(t, err, ErrInvalidConfiguration)
}

package configstore

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return New(filepath.Join(t.TempDir(), "AICM.INI"), nil)
}

func TestSetAndGet(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Set("tracker", "API_KEY", "aicm-123"))
	require.NoError(t, s.Set("tracker", "DELIVERY_TYPE", "MEM_QUEUE"))

	v, ok := s.Get("tracker", "API_KEY")
	require.True(t, ok)
	assert.Equal(t, "aicm-123", v)

	_, ok = s.Get("tracker", "MISSING")
	assert.False(t, ok)

	_, ok = s.Get("absent_section", "API_KEY")
	assert.False(t, ok)
}

func TestMissingFileReadsAsEmpty(t *testing.T) {
	s := newTestStore(t)

	_, ok := s.Get("tracker", "API_KEY")
	assert.False(t, ok)
	assert.Empty(t, s.GetSection("tracker"))
}

func TestCorruptFileReadsAsEmpty(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "AICM.INI")
	require.NoError(t, os.WriteFile(path, []byte("\x00\x01 not an ini {{{"), 0o644))

	s := New(path, nil)
	assert.Empty(t, s.GetSection("tracker"))

	// Writing afterwards recovers the file
	require.NoError(t, s.Set("tracker", "API_KEY", "k"))
	v, ok := s.Get("tracker", "API_KEY")
	require.True(t, ok)
	assert.Equal(t, "k", v)
}

func TestSetPreservesOtherSections(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Set("tracker", "API_KEY", "k"))
	require.NoError(t, s.Set("triggered_limits", "payload", "abc"))

	require.NoError(t, s.Set("tracker", "TIMEOUT", "5"))

	v, ok := s.Get("triggered_limits", "payload")
	require.True(t, ok)
	assert.Equal(t, "abc", v)
}

func TestReplaceSection(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Set("triggered_limits", "stale", "1"))
	require.NoError(t, s.Set("tracker", "API_KEY", "k"))

	require.NoError(t, s.ReplaceSection("triggered_limits", map[string]string{
		"payload":  "xyz",
		"checksum": "123",
	}))

	sec := s.GetSection("triggered_limits")
	assert.Equal(t, map[string]string{"payload": "xyz", "checksum": "123"}, sec)

	// The other section is untouched
	v, ok := s.Get("tracker", "API_KEY")
	require.True(t, ok)
	assert.Equal(t, "k", v)
}

func TestKeysPreserveFileOrder(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Set("tracker", "API_KEY", "k"))
	require.NoError(t, s.Set("tracker", "TIMEOUT", "5"))
	require.NoError(t, s.Set("tracker", "DELIVERY_TYPE", "IMMEDIATE"))

	assert.Equal(t, []string{"API_KEY", "TIMEOUT", "DELIVERY_TYPE"}, s.Keys("tracker"))
	assert.Empty(t, s.Keys("no_such_section"))
}

func TestWriteCreatesParentDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "deeper", "AICM.INI")
	s := New(path, nil)

	require.NoError(t, s.Set("tracker", "API_KEY", "k"))
	_, err := os.Stat(path)
	assert.NoError(t, err)
}

func TestNoTempFilesLeftBehind(t *testing.T) {
	dir := t.TempDir()
	s := New(filepath.Join(dir, "AICM.INI"), nil)
	require.NoError(t, s.Set("tracker", "API_KEY", "k"))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.ElementsMatch(t, []string{"AICM.INI", "AICM.INI.lock"}, names)
}

func TestConcurrentWriters(t *testing.T) {
	s := newTestStore(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			key := string(rune('A' + n))
			assert.NoError(t, s.Set("tracker", key, key))
		}(i)
	}
	wg.Wait()

	sec := s.GetSection("tracker")
	assert.Len(t, sec, 8, "every writer's key should survive")
}

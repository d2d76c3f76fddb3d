package delivery

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aicostmanager/aicm-go/core"
)

func TestImmediateDeliversSynchronously(t *testing.T) {
	sender := &fakeSender{}
	d := NewImmediate(baseSettings(), Options{Sender: sender})

	result, err := d.EnqueueBatch(context.Background(), []*core.UsageRecord{rec(t, "r1"), rec(t, "r2")})
	require.NoError(t, err)
	require.Len(t, result.Results, 2)
	assert.Equal(t, 1, sender.calls(), "one batch means one HTTP call")

	stats := d.Stats()
	assert.EqualValues(t, 2, stats.Enqueued)
	assert.EqualValues(t, 2, stats.Delivered)
	assert.EqualValues(t, 0, stats.Failed)
}

func TestImmediateSwallowsErrorsByDefault(t *testing.T) {
	sender := &fakeSender{errs: []error{permanentErr()}}
	d := NewImmediate(baseSettings(), Options{Sender: sender})

	result, err := d.EnqueueBatch(context.Background(), []*core.UsageRecord{rec(t, "r1"), rec(t, "r2")})
	require.NoError(t, err, "tracking must not break the host application")

	// The caller still learns the records were not delivered
	require.Len(t, result.Results, 2)
	for i, id := range []string{"r1", "r2"} {
		assert.Equal(t, id, result.Results[i].ResponseID)
		assert.Equal(t, core.StatusFailed, result.Results[i].Status)
	}
	assert.EqualValues(t, 2, d.Stats().Failed)
}

func TestImmediateRaisesWhenConfigured(t *testing.T) {
	sender := &fakeSender{errs: []error{permanentErr()}}
	s := baseSettings()
	s.RaiseOnError = true
	d := NewImmediate(s, Options{Sender: sender})

	_, err := d.EnqueueBatch(context.Background(), []*core.UsageRecord{rec(t, "r1")})
	assert.Error(t, err)
}

func TestImmediateAfterClose(t *testing.T) {
	d := NewImmediate(baseSettings(), Options{Sender: &fakeSender{}})
	require.NoError(t, d.Close(context.Background()))

	err := d.Enqueue(context.Background(), rec(t, "r1"))
	assert.ErrorIs(t, err, core.ErrTrackerClosed)
}

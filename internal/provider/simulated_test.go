package provider

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/pixelmind/backend/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSimulated(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	sim := NewSimulated(10 * time.Second)
	sim.now = func() time.Time { return now }
	sim.Fail = func(tool models.Tool, params models.Params) string {
		if tool == models.ToolExpand {
			return "canvas too large"
		}
		return ""
	}
	ctx := context.Background()

	ok, err := sim.Dispatch(ctx, "job-1", models.ToolUpscale, models.UpscaleParams{ImageRef: "a"})
	require.NoError(t, err)
	bad, err := sim.Dispatch(ctx, "job-2", models.ToolExpand, models.ExpandParams{ImageRef: "a"})
	require.NoError(t, err)

	outcome, err := sim.Poll(ctx, ok)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomePending, outcome.Status)

	now = now.Add(11 * time.Second)

	outcome, err = sim.Poll(ctx, ok)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeSuccess, outcome.Status)
	assert.Contains(t, outcome.OutputRef, "sim://upscale/")

	outcome, err = sim.Poll(ctx, bad)
	require.NoError(t, err)
	assert.Equal(t, models.Failed("canvas too large"), outcome)

	outcome, err = sim.Poll(ctx, "missing")
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeFailure, outcome.Status)
}

func TestSimulated_DispatchIsIdempotentPerKey(t *testing.T) {
	sim := NewSimulated(0)
	ctx := context.Background()

	first, err := sim.Dispatch(ctx, "job-1", models.ToolUpscale, models.UpscaleParams{ImageRef: "a"})
	require.NoError(t, err)
	again, err := sim.Dispatch(ctx, "job-1", models.ToolUpscale, models.UpscaleParams{ImageRef: "a"})
	require.NoError(t, err)
	other, err := sim.Dispatch(ctx, "job-2", models.ToolUpscale, models.UpscaleParams{ImageRef: "a"})
	require.NoError(t, err)

	assert.Equal(t, first, again)
	assert.NotEqual(t, first, other)
	assert.Equal(t, 2, sim.Tracked())
}

func TestSimulated_DropsFinishedJobs(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	sim := NewSimulated(time.Second)
	sim.Retention = time.Minute
	sim.now = func() time.Time { return now }
	ctx := context.Background()

	var handles []Handle
	for i := 0; i < 50; i++ {
		h, err := sim.Dispatch(ctx, fmt.Sprintf("job-%d", i), models.ToolUpscale, models.UpscaleParams{ImageRef: "a"})
		require.NoError(t, err)
		handles = append(handles, h)
	}
	pending, err := sim.Dispatch(ctx, "job-late", models.ToolUpscale, models.UpscaleParams{ImageRef: "a"})
	require.NoError(t, err)

	now = now.Add(2 * time.Second)
	for _, h := range handles {
		outcome, err := sim.Poll(ctx, h)
		require.NoError(t, err)
		assert.Equal(t, models.OutcomeSuccess, outcome.Status)
	}

	// Still pollable inside the retention window.
	outcome, err := sim.Poll(ctx, handles[0])
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeSuccess, outcome.Status)
	assert.Equal(t, 51, sim.Tracked())

	now = now.Add(2 * time.Minute)
	outcome, err = sim.Poll(ctx, handles[0])
	require.NoError(t, err)
	assert.Equal(t, models.Failed("unknown prediction"), outcome)

	// Only the job nobody polled to completion is left.
	assert.Equal(t, 1, sim.Tracked())
	outcome, err = sim.Poll(ctx, pending)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeSuccess, outcome.Status)

	// The key is free again once its job is dropped.
	fresh, err := sim.Dispatch(ctx, "job-0", models.ToolUpscale, models.UpscaleParams{ImageRef: "a"})
	require.NoError(t, err)
	assert.NotEqual(t, handles[0], fresh)
}

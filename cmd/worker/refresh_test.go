package main

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nadmax/deferd/internal/decision"
	"github.com/nadmax/deferd/internal/repository/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

type flakyWhitelist struct{ calls atomic.Int32 }

func (f *flakyWhitelist) Refresh(context.Context) error {
	if f.calls.Add(1) == 1 {
		return errors.New("connection reset")
	}
	return nil
}

func TestRefreshWhitelist(t *testing.T) {
	defer goleak.VerifyNone(t)

	repo := mocks.NewRepository()
	server := decision.NewWhitelist([]string{"energy-report"}, repo)
	local := decision.NewWhitelist([]string{"energy-report"}, repo)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- refreshWhitelist(ctx, local, 5*time.Millisecond, zap.NewNop()) }()

	require.NoError(t, server.Remove(ctx, "energy-report"))
	require.Eventually(t, func() bool { return !local.Contains("energy-report") }, time.Second, 5*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}

func TestRefreshWhitelist_RetriesAfterFailure(t *testing.T) {
	defer goleak.VerifyNone(t)

	wl := &flakyWhitelist{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- refreshWhitelist(ctx, wl, 5*time.Millisecond, zap.NewNop()) }()

	require.Eventually(t, func() bool { return wl.calls.Load() >= 2 }, time.Second, 5*time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
}

package supervisor

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/golithk/kiln/internal/backend"
	"github.com/golithk/kiln/internal/kerr"
)

type fakeBackend struct {
	backend.Adapter
	status backend.ConnectionStatus
	err    error
}

func (f *fakeBackend) ValidateConnection(ctx context.Context, host string) (backend.ConnectionStatus, error) {
	return f.status, f.err
}

type fakePoller struct {
	calls int32
	err   error
}

func (p *fakePoller) Poll(ctx context.Context) error {
	atomic.AddInt32(&p.calls, 1)
	return p.err
}

func TestRunStopsOnContextCancellation(t *testing.T) {
	be := &fakeBackend{status: backend.ConnectionOK}
	poller := &fakePoller{}
	s := New(Config{PollInterval: time.Millisecond}, be, poller, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	require.NoError(t, s.Run(ctx))
	require.GreaterOrEqual(t, atomic.LoadInt32(&poller.calls), int32(1))
}

func TestRunRechecksConnectivityOnNetworkFailure(t *testing.T) {
	be := &fakeBackend{status: backend.ConnectionOK}
	poller := &fakePoller{err: errors.Wrap(kerr.NetworkFailure, "transient")}
	s := New(Config{PollInterval: time.Millisecond}, be, poller, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	require.NoError(t, s.Run(ctx))
	// A network failure loops straight back to the health check without
	// sleeping poll_interval, so several polls should fit in the window.
	require.Greater(t, atomic.LoadInt32(&poller.calls), int32(1))
}

func TestRunSkipsPollWhileConnectivityIsDown(t *testing.T) {
	be := &fakeBackend{status: backend.ConnectionNetworkFailure}
	poller := &fakePoller{}
	s := New(Config{HibernationInterval: 5 * time.Millisecond}, be, poller, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	require.NoError(t, s.Run(ctx))
	require.Equal(t, int32(0), atomic.LoadInt32(&poller.calls))
}

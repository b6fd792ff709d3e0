// Package supervisor implements the main control loop (spec §4.10):
// connectivity health check, hibernation enter/exit, dispatch poll, and
// graceful shutdown. Its signal-driven shutdown is grounded on
// _examples/evalgo-org-eve's http.RunServer (signal.Notify on
// SIGINT/SIGTERM unblocking a wait, then a bounded graceful shutdown),
// generalized from an HTTP server's request drain to the dispatcher's
// worker drain.
package supervisor

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/golithk/kiln/internal/backend"
	"github.com/golithk/kiln/internal/kerr"
	"github.com/golithk/kiln/internal/logging"
	"github.com/golithk/kiln/internal/paging"
)

const hibernationDedupKey = "kiln:supervisor:connectivity"

// Poller is the subset of *dispatch.Dispatcher the supervisor depends
// on, pulled out as an interface so tests can substitute a fake poll
// without wiring a real backend/store/stage stack.
type Poller interface {
	Poll(ctx context.Context) error
}

// Config carries the operator-tunable knobs of one Supervisor.
type Config struct {
	ConnectivityHost    string
	PollInterval        time.Duration
	HibernationInterval time.Duration
	BackoffInitial      time.Duration
	BackoffMax          time.Duration
}

// Supervisor runs the outer loop described in spec §4.10.
type Supervisor struct {
	cfg        Config
	backend    backend.Adapter
	dispatcher Poller
	pager      *paging.Alerter // nil when no paging integration is configured
}

// New builds a Supervisor.
func New(cfg Config, be backend.Adapter, dispatcher Poller, pager *paging.Alerter) *Supervisor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	if cfg.HibernationInterval <= 0 {
		cfg.HibernationInterval = 5 * time.Minute
	}
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = 10 * time.Second
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 5 * time.Minute
	}
	return &Supervisor{cfg: cfg, backend: be, dispatcher: dispatcher, pager: pager}
}

// Run blocks until ctx is cancelled, running the health-check /
// hibernation / dispatch-poll loop. A cancelled ctx stops the loop from
// starting a new dispatch_poll, but lets one already in flight finish
// draining (the dispatcher itself waits on its worker pool before
// Poll returns) rather than abandoning in-progress stage executions.
func (s *Supervisor) Run(ctx context.Context) error {
	hibernating := false
	backoff := s.cfg.BackoffInitial

	for {
		if ctx.Err() != nil {
			return nil
		}

		status, err := s.backend.ValidateConnection(ctx, s.cfg.ConnectivityHost)
		connectivityOK := err == nil && status == backend.ConnectionOK
		if !connectivityOK {
			if !hibernating {
				hibernating = true
				logging.L().Warnw("supervisor: entering hibernation", "host", s.cfg.ConnectivityHost, "error", err)
				if s.pager != nil {
					s.pager.Trigger(ctx, hibernationDedupKey, "kiln lost connectivity to "+s.cfg.ConnectivityHost, "kiln")
				}
			}
			if !s.sleep(ctx, s.cfg.HibernationInterval) {
				return nil
			}
			continue
		}

		if hibernating {
			hibernating = false
			logging.L().Infow("supervisor: exiting hibernation", "host", s.cfg.ConnectivityHost)
			if s.pager != nil {
				s.pager.Resolve(ctx, hibernationDedupKey)
			}
		}

		if perr := s.dispatcher.Poll(ctx); perr != nil {
			if errors.Is(perr, kerr.NetworkFailure) {
				logging.L().Warnw("supervisor: dispatch poll saw a network failure, rechecking connectivity", "error", perr)
				continue
			}
			logging.L().Errorw("supervisor: dispatch poll failed", "error", perr)
			if !s.sleep(ctx, backoff) {
				return nil
			}
			backoff = nextBackoff(backoff, s.cfg.BackoffMax)
			continue
		}
		backoff = s.cfg.BackoffInitial

		if !s.sleep(ctx, s.cfg.PollInterval) {
			return nil
		}
	}
}

// sleep waits for d or ctx cancellation, reporting false if ctx won the
// race so the caller can exit rather than loop once more.
func (s *Supervisor) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func nextBackoff(cur, max time.Duration) time.Duration {
	next := cur * 2
	if next > max {
		return max
	}
	return next
}

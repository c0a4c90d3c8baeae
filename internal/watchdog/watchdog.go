// Package watchdog implements the repeating fault-poll-and-restart loop
// spec.md §4.7 describes, generalized from the teacher's db/listener.go
// reconnect-with-backoff loop — there it reconnects one Postgres LISTEN
// connection; here it restarts the pair of LDAP feeds against a freshly
// selected DC, without losing in-memory store state (change-notified
// entities survive the re-bulk-load by the store's priority rule).
package watchdog

import (
	"context"
	"net"
	"time"

	"github.com/evalgo/adsyncd/internal/logging"
	"github.com/evalgo/adsyncd/internal/metrics"
)

// FeedHealth reports whether a feed's most recent run ended in a fault
// (an initialize or read exception), per spec.md §4.7.
type FeedHealth interface {
	Faulted() (bool, error)
}

// Store is the slice of store.Store the watchdog needs to reset state
// before a restart.
type Store interface {
	MarkAllAsDetecting()
}

// Restarter terminates the current feed pair and starts a fresh
// BulkLoad + ChangeNotify pair against a newly selected DC.
type Restarter interface {
	SelectNewDC(ctx context.Context, localIP net.IP) (string, error)
	Restart(ctx context.Context, dc string) error
}

// Config controls the poll interval and backoff bounds for feed init
// errors.
type Config struct {
	PollInterval time.Duration // default 5 minutes
	MinBackoff   time.Duration // default 1s
	MaxBackoff   time.Duration // default 5 minutes
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Minute
	}
	if c.MinBackoff <= 0 {
		c.MinBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Minute
	}
	return c
}

// Watchdog polls bulkLoad/changeNotify feed health on a timer and drives
// restarts through Restarter on fault.
type Watchdog struct {
	cfg     Config
	store   Store
	restart Restarter
	metrics metrics.Sink
	log     *logging.Logger
}

// New returns a Watchdog ready to Run.
func New(cfg Config, store Store, restart Restarter, sink metrics.Sink, log *logging.Logger) *Watchdog {
	return &Watchdog{cfg: cfg.withDefaults(), store: store, restart: restart, metrics: sink, log: log}
}

// Run polls bulk and notify feed health every cfg.PollInterval until ctx
// is canceled. On fault it marks the store for re-sweep and restarts the
// pipeline against a freshly selected DC, retrying DC selection with
// exponential backoff (doubling from MinBackoff to MaxBackoff) on
// failure, per spec.md §4.9's "Feed init error at startup" row.
func (w *Watchdog) Run(ctx context.Context, localIP net.IP, bulk, notify FeedHealth) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.checkAndRestart(ctx, localIP, bulk, notify)
		}
	}
}

func (w *Watchdog) checkAndRestart(ctx context.Context, localIP net.IP, bulk, notify FeedHealth) {
	faulted, reason := w.anyFaulted(bulk, notify)
	if !faulted {
		return
	}

	w.log.WithField("reason", reason).Warn("watchdog: fault detected, restarting pipeline")
	w.metrics.Counter("watchdog_restarts_total").Inc()

	w.store.MarkAllAsDetecting()

	backoff := w.cfg.MinBackoff
	for {
		dc, err := w.restart.SelectNewDC(ctx, localIP)
		if err == nil {
			if err := w.restart.Restart(ctx, dc); err == nil {
				return
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > w.cfg.MaxBackoff {
			backoff = w.cfg.MaxBackoff
		}
	}
}

func (w *Watchdog) anyFaulted(bulk, notify FeedHealth) (bool, string) {
	if bulk != nil {
		if faulted, err := bulk.Faulted(); faulted {
			return true, errString(err, "bulk load feed fault")
		}
	}
	if notify != nil {
		if faulted, err := notify.Faulted(); faulted {
			return true, errString(err, "change notify feed fault")
		}
	}
	return false, ""
}

func errString(err error, fallback string) string {
	if err != nil {
		return err.Error()
	}
	return fallback
}

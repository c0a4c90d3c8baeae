// Package syncpipeline wires the LDAP feeds (and, optionally, the Graph
// secondary source) into bounded queues consumed by the single store
// writer, and sequences the post-bulk-load steps spec.md §4.6 describes.
// Grounded on the teacher's worker/pool.go Pool/Worker shape — adapted
// from a multi-queue multi-worker pool (many workers draining many job
// queues) to a multi-feed single-consumer pipeline, since spec.md
// mandates exactly one writer touching the store.
package syncpipeline

import (
	"context"
	"sync"
	"time"

	"github.com/evalgo/adsyncd/internal/logging"
	"github.com/evalgo/adsyncd/internal/metrics"
	"github.com/evalgo/adsyncd/internal/rawrecord"
)

// Feed is anything that can run to completion (or until ctx is canceled),
// pushing records into a shared channel. ldapsource.BulkLoadFeed,
// ldapsource.ChangeNotifyFeed, and graphsource.Source all satisfy this
// via a thin method-value adapter at call sites.
type Feed func(ctx context.Context, out chan<- *rawrecord.Record) error

// Store is the slice of store.Store the pipeline needs.
type Store interface {
	ApplyRecord(raw *rawrecord.Record) error
	ResolveAllDeferred()
	DeleteUndetected()
	MarkAllAsDetecting()
}

// SnapshotWriter is called periodically once the initial load completes.
type SnapshotWriter func(ctx context.Context) error

// Config controls queue sizing and the snapshot cadence.
type Config struct {
	QueueSize        int
	SnapshotInterval time.Duration // default 5 minutes
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = 4096
	}
	if c.SnapshotInterval <= 0 {
		c.SnapshotInterval = 5 * time.Minute
	}
	return c
}

// Locker guards the snapshot write against concurrent writers from
// another adsyncd instance pointed at the same snapshot path. nil means
// single-instance deployment: every cycle writes unconditionally.
type Locker interface {
	TryAcquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// Pipeline owns the bounded queues, the single consumer goroutine, and
// post-bulk-load sequencing.
type Pipeline struct {
	cfg     Config
	store   Store
	metrics metrics.Sink
	log     *logging.Logger

	bulkQueue   chan *rawrecord.Record
	notifyQueue chan *rawrecord.Record
	// bulkSucceeded is set by Run's bulk goroutine before it closes
	// bulkQueue; consume reads it once it sees that close.
	bulkSucceeded bool

	writer SnapshotWriter
	lock   Locker

	mu                  sync.Mutex
	initialLoadComplete bool
}

// New builds a Pipeline. writer may be nil if snapshotting is disabled.
func New(store Store, cfg Config, sink metrics.Sink, log *logging.Logger, writer SnapshotWriter) *Pipeline {
	cfg = cfg.withDefaults()
	return &Pipeline{
		cfg:         cfg,
		store:       store,
		metrics:     sink,
		log:         log,
		bulkQueue:   make(chan *rawrecord.Record, cfg.QueueSize),
		notifyQueue: make(chan *rawrecord.Record, cfg.QueueSize),
		writer:      writer,
	}
}

// WithLocker attaches a distributed lock the snapshot loop must acquire
// before each write; pass nil (the default) to skip locking entirely.
func (p *Pipeline) WithLocker(lock Locker) *Pipeline {
	p.lock = lock
	return p
}

// Run starts bulkLoad and changeNotify concurrently, consumes both
// queues on a single goroutine, and performs the post-bulk-load sequence
// on that goroutine once bulkLoad has returned without error and every
// record it queued has been applied; a failed or canceled bulk load skips
// the sequence. It returns when ctx is canceled or a feed returns a fatal
// (non-context) error.
func (p *Pipeline) Run(ctx context.Context, bulkLoad, changeNotify Feed) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Fresh queues each call: a watchdog restart runs the same Pipeline
	// again against a newly selected DC, and the previous call already
	// closed and nilled these out as it drained.
	p.bulkQueue = make(chan *rawrecord.Record, p.cfg.QueueSize)
	p.notifyQueue = make(chan *rawrecord.Record, p.cfg.QueueSize)

	p.store.MarkAllAsDetecting()

	var wg sync.WaitGroup
	errCh := make(chan error, 2)

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(p.bulkQueue)
		err := bulkLoad(ctx, p.bulkQueue)
		if err != nil && ctx.Err() == nil {
			errCh <- err
		}
		p.bulkSucceeded = err == nil
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(p.notifyQueue)
		if changeNotify == nil {
			return
		}
		err := changeNotify(ctx, p.notifyQueue)
		if err != nil && ctx.Err() == nil {
			errCh <- err
		}
	}()

	consumeErr := p.consume(ctx)

	wg.Wait()
	close(errCh)
	for err := range errCh {
		if consumeErr == nil {
			consumeErr = err
		}
	}
	return consumeErr
}

// consume drains both queues on one goroutine, the single-writer
// discipline spec.md §5 requires. It recovers a panic, logs it, and
// re-raises per the "consumer thread panic: fatal, re-raise" failure
// semantics in spec.md §4.9.
func (p *Pipeline) consume(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.log.LogPanic(r)
			panic(r)
		}
	}()

	bulkOpen, notifyOpen := true, true
	for bulkOpen || notifyOpen {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case rec, ok := <-p.bulkQueue:
			if !ok {
				bulkOpen = false
				p.bulkQueue = nil // disable this case permanently
				if p.bulkSucceeded {
					p.onBulkLoadComplete(ctx)
				}
				continue
			}
			p.apply(rec)
		case rec, ok := <-p.notifyQueue:
			if !ok {
				notifyOpen = false
				p.notifyQueue = nil
				continue
			}
			p.apply(rec)
		}
	}
	return nil
}

func (p *Pipeline) apply(rec *rawrecord.Record) {
	if err := p.store.ApplyRecord(rec); err != nil {
		p.log.WithError(err).Debug("record not applied")
	}
}

// onBulkLoadComplete implements spec.md §4.6's post-bulk-load sequence.
func (p *Pipeline) onBulkLoadComplete(ctx context.Context) {
	p.store.ResolveAllDeferred()
	p.store.DeleteUndetected()

	p.mu.Lock()
	p.initialLoadComplete = true
	p.mu.Unlock()

	if p.writer != nil {
		go p.runSnapshotLoop(ctx)
	}
}

// runSnapshotLoop periodically invokes the snapshot writer once the
// initial load has completed. A failed write is best-effort: it
// increments a counter and the next cycle retries (spec.md §5).
func (p *Pipeline) runSnapshotLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.SnapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.snapshotCycle(ctx)
		}
	}
}

// snapshotCycle runs one snapshot write, skipping it if another instance
// holds the distributed lock.
func (p *Pipeline) snapshotCycle(ctx context.Context) {
	if p.lock != nil {
		acquired, err := p.lock.TryAcquire(ctx)
		if err != nil {
			p.log.WithError(err).Warn("snapshot lock acquire failed")
			return
		}
		if !acquired {
			p.log.Debug("snapshot write skipped: lock held by another instance")
			return
		}
		defer func() {
			if err := p.lock.Release(ctx); err != nil {
				p.log.WithError(err).Warn("snapshot lock release failed")
			}
		}()
	}

	start := time.Now()
	err := p.writer(ctx)
	p.metrics.Timer("snapshot_write_duration_seconds").Observe(time.Since(start))
	if err != nil {
		p.metrics.Counter("snapshot_write_failures_total").Inc()
		p.log.WithError(err).Warn("snapshot write failed")
	}
}

// InitialLoadComplete reports whether the bulk-load phase has finished.
func (p *Pipeline) InitialLoadComplete() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.initialLoadComplete
}

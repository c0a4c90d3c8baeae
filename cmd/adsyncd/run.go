package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/evalgo/adsyncd/internal/config"
	"github.com/evalgo/adsyncd/internal/dclocator"
	"github.com/evalgo/adsyncd/internal/entity"
	"github.com/evalgo/adsyncd/internal/exporter"
	"github.com/evalgo/adsyncd/internal/graphsource"
	"github.com/evalgo/adsyncd/internal/index"
	"github.com/evalgo/adsyncd/internal/ldapsource"
	"github.com/evalgo/adsyncd/internal/logging"
	"github.com/evalgo/adsyncd/internal/metrics"
	"github.com/evalgo/adsyncd/internal/opshttp"
	"github.com/evalgo/adsyncd/internal/rawrecord"
	"github.com/evalgo/adsyncd/internal/snapshot"
	"github.com/evalgo/adsyncd/internal/snapshotlock"
	"github.com/evalgo/adsyncd/internal/store"
	"github.com/evalgo/adsyncd/internal/syncpipeline"
	"github.com/evalgo/adsyncd/internal/tagtable"
	"github.com/evalgo/adsyncd/internal/watchdog"
	"github.com/evalgo/adsyncd/pkg/directory"
)

func init() {
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "start the bulk load, then mirror change notifications indefinitely",
		RunE:  runRun,
	}
	config.BindFlags(runCmd, viper.GetViper())
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	log := logging.New(logging.Config{
		Level:   logging.Level(cfg.LogLevel),
		Format:  logging.Format(cfg.LogFormat),
		Service: "adsyncd",
	})

	registry := prometheus.NewRegistry()
	sink := metrics.NewPrometheusSink(cfg.MetricsNamespace, registry)

	s := buildStore(cfg, sink, log)
	dir := directory.FromStore(s)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := loadSnapshot(cfg, s, log); err != nil {
		log.WithError(err).Warn("snapshot load failed, starting empty")
	}

	locator, err := buildLocator(cfg, log)
	if err != nil {
		return fmt.Errorf("dc locator: %w", err)
	}
	defer locator.Close()

	localIP := localOutboundIP()
	dc, err := locator.Select(ctx, cfg.PreferredServer, localIP)
	if err != nil {
		return fmt.Errorf("select dc: %w", err)
	}
	log.WithField("dc", dc).Info("selected domain controller")

	snapshotWriter := buildSnapshotWriter(cfg, dir, log)

	pipeline := syncpipeline.New(s, syncpipeline.Config{
		SnapshotInterval: cfg.SnapshotInterval,
	}, sink, log, snapshotWriter).WithLocker(buildSnapshotLocker(cfg))

	bulkHealth := &feedHealth{}
	notifyHealth := &feedHealth{}

	restarter := &pipelineRestarter{cfg: cfg, log: log, bulkHealth: bulkHealth, notifyHealth: notifyHealth}
	wd := watchdog.New(watchdog.Config{}, s, restarter, sink, log)

	opsServer := opshttp.New(cfg.MetricsAddr, cfg.SnapshotPath, pipeline, registry)
	go func() {
		if err := opsServer.Start(); err != nil {
			log.WithError(err).Error("ops http server failed")
		}
	}()

	feeds, err := buildFeeds(ctx, cfg, dc, bulkHealth, notifyHealth, log)
	if err != nil {
		return err
	}
	restarter.setFeeds(feeds)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		opsServer.Shutdown(shutdownCtx)
	}()

	go wd.Run(ctx, localIP, bulkHealth, notifyHealth)

	return runSupervisedPipeline(ctx, pipeline, restarter)
}

// feedSet bundles the bulk (LDAP + optional Graph) and change-notify feeds
// built against one domain controller.
type feedSet struct {
	bulk   syncpipeline.Feed
	notify syncpipeline.Feed
}

// buildFeeds builds a fresh LDAP client (and, if enabled, Graph source)
// against dc and wraps both feeds so a fatal run marks bulkHealth/
// notifyHealth faulted for the watchdog to observe.
func buildFeeds(ctx context.Context, cfg config.Config, dc string, bulkHealth, notifyHealth *feedHealth, log *logging.Logger) (feedSet, error) {
	client, err := ldapsource.NewClient(ctx, "default", dc, cfg.Domain)
	if err != nil {
		return feedSet{}, fmt.Errorf("build ldap client: %w", err)
	}
	bulkFeed := ldapsource.NewBulkLoadFeed(client, ldapsource.Config{BulkLoadPageSize: cfg.BulkLoadPageSize}, log)
	notifyFeed := ldapsource.NewChangeNotifyFeed(client, ldapsource.Config{}, log)

	var graphFeed syncpipeline.Feed
	if cfg.GraphEnabled {
		gs, err := graphsource.New(graphsource.Credentials{
			TenantID:     cfg.GraphTenantID,
			ClientID:     cfg.GraphClientID,
			ClientSecret: cfg.GraphClientSecret,
		}, log)
		if err != nil {
			return feedSet{}, fmt.Errorf("build graph source: %w", err)
		}
		graphFeed = gs.Run
	}

	bulk := combineBulkFeeds(bulkFeed.Run, graphFeed)
	return feedSet{
		bulk:   trackFeedHealth(bulk, bulkHealth),
		notify: trackFeedHealth(notifyFeed.Run, notifyHealth),
	}, nil
}

// runSupervisedPipeline runs p against the restarter's current feeds,
// looping whenever a watchdog-triggered Restart cancels the in-flight
// run: Restart swaps fresh feeds into restarter before canceling, so the
// next loop iteration picks them up immediately. It returns when ctx
// itself is canceled or a feed reports a non-restart, non-context error.
func runSupervisedPipeline(ctx context.Context, p *syncpipeline.Pipeline, r *pipelineRestarter) error {
	for {
		runCtx, cancel := context.WithCancel(ctx)
		r.armCancel(cancel)

		feeds := r.currentFeeds()
		err := p.Run(runCtx, feeds.bulk, feeds.notify)
		cancel()

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
	}
}

// combineBulkFeeds runs the LDAP bulk feed and, if present, the Graph
// secondary source, one after another into the same channel — both are
// bulk-oriented one-shot enumerations, so there is no need to run them
// concurrently.
func combineBulkFeeds(ldap syncpipeline.Feed, graph syncpipeline.Feed) syncpipeline.Feed {
	if graph == nil {
		return ldap
	}
	return func(ctx context.Context, out chan<- *rawrecord.Record) error {
		if err := ldap(ctx, out); err != nil {
			return err
		}
		return graph(ctx, out)
	}
}

func buildStore(cfg config.Config, sink metrics.Sink, log *logging.Logger) *store.Store {
	table := tagtable.New()
	ix := index.New()
	return store.New(table, ix, cfg.Domain, sink, log)
}

func loadSnapshot(cfg config.Config, s *store.Store, log *logging.Logger) error {
	if cfg.SnapshotPath == "" {
		return nil
	}
	entities, err := snapshot.New().Load(cfg.SnapshotPath)
	if err == snapshot.ErrIncompatibleLayout {
		log.Warn("snapshot descriptor mismatch, starting empty")
		return nil
	}
	if err != nil {
		return err
	}
	if entities == nil {
		return nil
	}
	s.InstallSnapshot(entities)
	return nil
}

func buildSnapshotWriter(cfg config.Config, dir *directory.Directory, log *logging.Logger) syncpipeline.SnapshotWriter {
	if cfg.SnapshotPath == "" {
		return nil
	}

	var exporters []exporter.Exporter
	if cfg.ExporterPostgresDSN != "" {
		pg, err := exporter.NewPostgresExporter(cfg.ExporterPostgresDSN)
		if err != nil {
			log.WithError(err).Warn("postgres exporter disabled: connect failed")
		} else {
			exporters = append(exporters, pg)
		}
	}
	if cfg.ExporterNeo4jURI != "" {
		neo, err := exporter.NewNeo4jExporter(context.Background(), cfg.ExporterNeo4jURI, cfg.ExporterNeo4jUser, cfg.ExporterNeo4jPass)
		if err != nil {
			log.WithError(err).Warn("neo4j exporter disabled: connect failed")
		} else {
			exporters = append(exporters, neo)
		}
	}

	return func(ctx context.Context) error {
		entities := entitiesForSnapshot(dir)
		if err := snapshot.New().Write(cfg.SnapshotPath, entities); err != nil {
			return err
		}
		if len(exporters) == 0 {
			return nil
		}
		flat := dir.Snapshot()
		for _, exp := range exporters {
			if err := exp.Export(ctx, flat); err != nil {
				log.WithError(err).Warn("exporter failed")
			}
		}
		return nil
	}
}

// entitiesForSnapshot walks every tag in the store and returns the raw
// entities snapshot.Codec.Write expects (gaps kept as nil, matching how
// InstallSnapshot expects to find them again on load).
func entitiesForSnapshot(dir *directory.Directory) []*entity.Entity {
	s := dir.Store()
	n := s.Len()
	out := make([]*entity.Entity, n)
	for tag := 0; tag < n; tag++ {
		out[tag] = s.Get(tag)
	}
	return out
}

// buildSnapshotLocker returns a distributed snapshot-write lock backed by
// Redis, or nil (no locking) when no address is configured — the common
// case for a single-instance deployment.
func buildSnapshotLocker(cfg config.Config) syncpipeline.Locker {
	if cfg.SnapshotLockRedisAddr == "" {
		return nil
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.SnapshotLockRedisAddr})
	return snapshotlock.New(client, cfg.SnapshotLockKey, cfg.SnapshotLockTTL)
}

func buildLocator(cfg config.Config, log *logging.Logger) (*dclocator.Locator, error) {
	prober, err := dclocator.NewProber("default", cfg.Domain)
	if err != nil {
		return nil, err
	}
	return dclocator.New(dclocator.Config{
		Domain:       cfg.Domain,
		ProbeTimeout: cfg.ProbeTimeout,
		SidecarPath:  cfg.SidecarPath,
	}, prober, nil, log)
}

func localOutboundIP() net.IP {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return nil
	}
	defer conn.Close()
	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return nil
	}
	return addr.IP
}

// feedHealth reports whether a feed's most recent run ended in a fault,
// the signal watchdog.FeedHealth.Faulted() polls. trackFeedHealth is the
// only place that marks it faulted; Restart clears it once a fresh feed
// pair is swapped in.
type feedHealth struct {
	faulted atomic.Bool
	lastErr atomic.Value // string
}

func (h *feedHealth) Faulted() (bool, error) {
	if !h.faulted.Load() {
		return false, nil
	}
	msg, _ := h.lastErr.Load().(string)
	if msg == "" {
		return true, nil
	}
	return true, errors.New(msg)
}

func (h *feedHealth) markFaulted(err error) {
	h.lastErr.Store(err.Error())
	h.faulted.Store(true)
}

func (h *feedHealth) clear() {
	h.faulted.Store(false)
}

// trackFeedHealth wraps feed so that a fatal (non-context-cancellation)
// error it returns marks health faulted. nil passes through unchanged,
// matching Feed's own nil-means-absent convention (no change-notify feed
// registered, etc).
func trackFeedHealth(feed syncpipeline.Feed, health *feedHealth) syncpipeline.Feed {
	if feed == nil {
		return nil
	}
	return func(ctx context.Context, out chan<- *rawrecord.Record) error {
		err := feed(ctx, out)
		if err != nil && ctx.Err() == nil {
			health.markFaulted(err)
		}
		return err
	}
}

// pipelineRestarter adapts config + the live feed set into the
// watchdog.Restarter interface. Restart rebuilds the LDAP client (and
// Graph source, if enabled) against the newly selected DC and swaps the
// resulting feeds into the slot runSupervisedPipeline reads from, then
// cancels the currently in-flight pipeline.Run so that loop picks up the
// fresh feeds on its next iteration — no in-memory store state is lost,
// since the store is never recreated, only re-swept (store.MarkAllAsDetecting
// before the restart, the normal bulk-load sweep after it).
type pipelineRestarter struct {
	cfg config.Config
	log *logging.Logger

	bulkHealth   *feedHealth
	notifyHealth *feedHealth

	mu     sync.Mutex
	feeds  feedSet
	cancel context.CancelFunc
}

func (r *pipelineRestarter) SelectNewDC(ctx context.Context, localIP net.IP) (string, error) {
	locator, err := buildLocator(r.cfg, r.log)
	if err != nil {
		return "", err
	}
	defer locator.Close()
	return locator.Select(ctx, r.cfg.PreferredServer, localIP)
}

// Restart rebuilds the feed pair against dc and, once built, cancels the
// current pipeline.Run call so runSupervisedPipeline's loop picks the new
// feeds up immediately instead of continuing to drain the faulted ones.
func (r *pipelineRestarter) Restart(ctx context.Context, dc string) error {
	feeds, err := buildFeeds(ctx, r.cfg, dc, r.bulkHealth, r.notifyHealth, r.log)
	if err != nil {
		return err
	}
	r.bulkHealth.clear()
	r.notifyHealth.clear()
	r.setFeeds(feeds)

	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	r.log.WithField("dc", dc).Info("watchdog: restart rebuilt the feed pair, pipeline resuming against the new DC")
	return nil
}

func (r *pipelineRestarter) setFeeds(feeds feedSet) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.feeds = feeds
}

func (r *pipelineRestarter) currentFeeds() feedSet {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.feeds
}

func (r *pipelineRestarter) armCancel(cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancel = cancel
}

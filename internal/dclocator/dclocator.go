// Package dclocator selects a domain controller to connect to, in the
// order spec.md §4.7 defines: preferred (config or sidecar-persisted) →
// site-local (via the subnet→site map) → DNS fallback. The sidecar
// persistence is grounded directly on the teacher's db/bolt/bolt.go
// PutJSON/GetJSON helpers, reused for a tiny single-key "last preferred
// DC" record; the bounded-timeout bootstrap probe is grounded on the
// teacher's network/version_checker.go bounded remote-check shape.
package dclocator

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/evalgo/adsyncd/internal/logging"
)

// ProberFactory builds a Prober, the same opaque-boundary registration
// shape ldapsource.ClientFactory uses — the bootstrap probe rides the
// same out-of-scope LDAP wire.
type ProberFactory func(domain string) (Prober, error)

var (
	proberFactoriesMu sync.RWMutex
	proberFactories   = map[string]ProberFactory{}
)

// RegisterProberFactory makes factory available under name.
func RegisterProberFactory(name string, factory ProberFactory) {
	proberFactoriesMu.Lock()
	defer proberFactoriesMu.Unlock()
	proberFactories[name] = factory
}

// NewProber looks up the factory registered under name and invokes it.
func NewProber(name, domain string) (Prober, error) {
	proberFactoriesMu.RLock()
	factory, ok := proberFactories[name]
	proberFactoriesMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("dclocator: no prober factory registered under %q", name)
	}
	return factory(domain)
}

// Prober performs the lightweight bootstrap query ("fetch the flat
// NetBIOS name") used to decide whether a candidate DC is reachable.
type Prober interface {
	ProbeFlatName(ctx context.Context, dc string) (string, error)
}

// SiteResolver maps a local IPv4 address to a site, and a site to its
// list of candidate DCs. Implementations are loaded at startup from a
// bootstrap search against the directory's configuration partition.
type SiteResolver interface {
	SiteForIP(ip net.IP) (site string, ok bool)
	DCsForSite(site string) []string
}

// Config controls probe timeout and sidecar location.
type Config struct {
	Domain         string
	ProbeTimeout   time.Duration // default 5s
	SidecarPath    string        // bbolt file for the preferred-DC sidecar
}

func (c Config) withDefaults() Config {
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 5 * time.Second
	}
	return c
}

var sidecarBucket = []byte("dclocator")
var sidecarKey = []byte("preferred_dc")

// Locator selects and persists the preferred DC.
type Locator struct {
	cfg      Config
	prober   Prober
	resolver SiteResolver
	db       *bolt.DB
	log      *logging.Logger
}

// New opens (creating if necessary) the bbolt sidecar at cfg.SidecarPath
// and returns a ready-to-use Locator.
func New(cfg Config, prober Prober, resolver SiteResolver, log *logging.Logger) (*Locator, error) {
	cfg = cfg.withDefaults()
	l := &Locator{cfg: cfg, prober: prober, resolver: resolver, log: log}

	if cfg.SidecarPath != "" {
		db, err := bolt.Open(cfg.SidecarPath, 0o600, &bolt.Options{Timeout: time.Second})
		if err != nil {
			return nil, fmt.Errorf("dclocator: open sidecar: %w", err)
		}
		if err := db.Update(func(tx *bolt.Tx) error {
			_, err := tx.CreateBucketIfNotExists(sidecarBucket)
			return err
		}); err != nil {
			db.Close()
			return nil, fmt.Errorf("dclocator: init sidecar bucket: %w", err)
		}
		l.db = db
	}

	return l, nil
}

// Close releases the sidecar file.
func (l *Locator) Close() error {
	if l.db == nil {
		return nil
	}
	return l.db.Close()
}

type preferredRecord struct {
	DC string `json:"dc"`
}

func (l *Locator) loadPersistedPreferred() (string, bool) {
	if l.db == nil {
		return "", false
	}
	var rec preferredRecord
	found := false
	_ = l.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(sidecarBucket)
		if b == nil {
			return nil
		}
		raw := b.Get(sidecarKey)
		if raw == nil {
			return nil
		}
		if err := json.Unmarshal(raw, &rec); err != nil {
			return err
		}
		found = true
		return nil
	})
	return rec.DC, found
}

func (l *Locator) persistPreferred(dc string) {
	if l.db == nil {
		return
	}
	raw, err := json.Marshal(preferredRecord{DC: dc})
	if err != nil {
		return
	}
	if err := l.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(sidecarBucket).Put(sidecarKey, raw)
	}); err != nil {
		l.log.WithError(err).Warn("dclocator: failed to persist preferred DC")
	}
}

// Select walks the selection order and returns the first DC that answers
// the bootstrap probe within cfg.ProbeTimeout. configuredPreferred is the
// operator-supplied preferredServer config value, if any (takes priority
// over the sidecar-persisted value).
func (l *Locator) Select(ctx context.Context, configuredPreferred string, localIP net.IP) (string, error) {
	candidates := l.candidateOrder(configuredPreferred, localIP)

	for _, dc := range candidates {
		probeCtx, cancel := context.WithTimeout(ctx, l.cfg.ProbeTimeout)
		_, err := l.prober.ProbeFlatName(probeCtx, dc)
		cancel()
		if err == nil {
			l.persistPreferred(dc)
			return dc, nil
		}
		l.log.WithFields(map[string]any{"dc": dc, "error": err}).Debug("dclocator: candidate unreachable")
	}

	return "", fmt.Errorf("dclocator: no reachable DC for domain %s", l.cfg.Domain)
}

func (l *Locator) candidateOrder(configuredPreferred string, localIP net.IP) []string {
	var out []string
	seen := make(map[string]struct{})
	add := func(dc string) {
		if dc == "" {
			return
		}
		if _, ok := seen[dc]; ok {
			return
		}
		seen[dc] = struct{}{}
		out = append(out, dc)
	}

	add(configuredPreferred)
	if persisted, ok := l.loadPersistedPreferred(); ok {
		add(persisted)
	}
	if l.resolver != nil && localIP != nil {
		if site, ok := l.resolver.SiteForIP(localIP); ok {
			for _, dc := range l.resolver.DCsForSite(site) {
				add(dc)
			}
		}
	}
	if dnsHosts, err := net.LookupHost(l.cfg.Domain); err == nil {
		for _, h := range dnsHosts {
			add(h)
		}
	}
	return out
}

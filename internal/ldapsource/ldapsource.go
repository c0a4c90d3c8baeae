// Package ldapsource implements the two LDAP-backed feeds spec.md §4.6
// describes: a paged BulkLoadFeed and a long-lived ChangeNotifyFeed. LDAP
// wire mechanics are out of scope for this module (spec.md §1
// Non-goals); both feeds are driven by an injected LDAPClient interface
// a real deployment backs with a proper LDAP library. BulkLoadFeed's
// blocking-send backpressure on a bounded channel mirrors the teacher's worker
// pool shape; ChangeNotifyFeed's reconnect-with-backoff loop mirrors the
// teacher's Postgres LISTEN/NOTIFY listener, generalized from one
// reconnecting SQL connection to one reconnecting LDAP search.
package ldapsource

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/evalgo/adsyncd/internal/logging"
	"github.com/evalgo/adsyncd/internal/rawrecord"
)

// SearchPage is one page of a paged LDAP search: the raw records observed
// and an opaque cookie to resume from, or an empty cookie when exhausted.
type SearchPage struct {
	Records []*rawrecord.Record
	Cookie  []byte
	Done    bool
}

// LDAPClient is the opaque boundary to LDAP wire mechanics. Implementations
// live outside this module's scope.
type LDAPClient interface {
	// SearchPaged fetches the next page of a full-tree enumeration,
	// resuming from cookie (nil on the first call).
	SearchPaged(ctx context.Context, cookie []byte, pageSize int) (SearchPage, error)
	// SearchChangeNotify blocks until a change-notification result
	// arrives, a timeout elapses, or ctx is canceled.
	SearchChangeNotify(ctx context.Context, timeout time.Duration) (*rawrecord.Record, error)
}

// ClientFactory builds an LDAPClient bound to a specific DC, analogous to
// database/sql's driver registry: this module never ships a concrete LDAP
// wire implementation (spec.md §1 Non-goals), so a deployment registers
// one at init time and cmd/adsyncd looks it up by name at startup.
type ClientFactory func(ctx context.Context, dc, domain string) (LDAPClient, error)

var (
	factoriesMu sync.RWMutex
	factories   = map[string]ClientFactory{}
)

// RegisterClientFactory makes factory available under name for later
// lookup by NewClient. Intended to be called from an init function in a
// deployment-specific package that imports a real LDAP library.
func RegisterClientFactory(name string, factory ClientFactory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	factories[name] = factory
}

// NewClient looks up the factory registered under name and invokes it.
func NewClient(ctx context.Context, name, dc, domain string) (LDAPClient, error) {
	factoriesMu.RLock()
	factory, ok := factories[name]
	factoriesMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("ldapsource: no client factory registered under %q", name)
	}
	return factory(ctx, dc, domain)
}

// Config controls feed behavior.
type Config struct {
	BulkLoadPageSize     int           // default 1000
	ChangeNotifyTimeout  time.Duration // default 2 days
}

func (c Config) withDefaults() Config {
	if c.BulkLoadPageSize <= 0 {
		c.BulkLoadPageSize = 1000
	}
	if c.ChangeNotifyTimeout <= 0 {
		c.ChangeNotifyTimeout = 48 * time.Hour
	}
	return c
}

// BulkLoadFeed issues a paged full-tree search, enqueuing each page's
// records into out before requesting the next page — it issues the next
// page only after the previous one's records have all been accepted by
// out, providing natural backpressure when out is full.
type BulkLoadFeed struct {
	client LDAPClient
	cfg    Config
	log    *logging.Logger
}

// NewBulkLoadFeed returns a feed ready to Run.
func NewBulkLoadFeed(client LDAPClient, cfg Config, log *logging.Logger) *BulkLoadFeed {
	return &BulkLoadFeed{client: client, cfg: cfg.withDefaults(), log: log}
}

// Run drives the paged enumeration to completion, sending every record to
// out. It returns when the server reports Done, ctx is canceled, or the
// client returns an error.
func (f *BulkLoadFeed) Run(ctx context.Context, out chan<- *rawrecord.Record) error {
	var cookie []byte
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		page, err := f.client.SearchPaged(ctx, cookie, f.cfg.BulkLoadPageSize)
		if err != nil {
			f.log.WithError(err).Warn("bulk load page fetch failed")
			return err
		}
		for _, rec := range page.Records {
			rec.Source = rawrecord.BulkLoad
			select {
			case out <- rec:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if page.Done {
			return nil
		}
		cookie = page.Cookie
	}
}

// ChangeNotifyFeed runs a long-lived change-notification search,
// reconnecting with a fixed backoff on transient errors, the same
// reconnect-loop shape used for the teacher's LISTEN/NOTIFY connection.
type ChangeNotifyFeed struct {
	client LDAPClient
	cfg    Config
	log    *logging.Logger

	reconnectDelay time.Duration
}

// NewChangeNotifyFeed returns a feed ready to Run.
func NewChangeNotifyFeed(client LDAPClient, cfg Config, log *logging.Logger) *ChangeNotifyFeed {
	return &ChangeNotifyFeed{
		client:         client,
		cfg:            cfg.withDefaults(),
		log:            log,
		reconnectDelay: time.Second,
	}
}

// Run streams change-notifications into out indefinitely until ctx is
// canceled.
func (f *ChangeNotifyFeed) Run(ctx context.Context, out chan<- *rawrecord.Record) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		rec, err := f.client.SearchChangeNotify(ctx, f.cfg.ChangeNotifyTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			f.log.WithError(err).Warn("change-notify search failed, reconnecting")
			select {
			case <-time.After(f.reconnectDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		if rec == nil {
			continue
		}
		rec.Source = rawrecord.ChangeNotify
		select {
		case out <- rec:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

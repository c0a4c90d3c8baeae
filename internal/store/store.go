// Package store implements the single entry point that turns raw
// directory records into the in-memory entity graph: Store owns the
// TagTable and the eight Indexes, runs the ingestion algorithm
// (spec.md §4.3), and maintains every backlink invariant. It is driven by
// exactly one writer goroutine — the SyncPipeline consumer, or the
// snapshot loader during startup — mirroring the single-orchestrating-type
// shape used elsewhere in this codebase to drive side effects off of state
// transitions, generalized here from workflow state transitions to
// directory record ingestion.
package store

import (
	"strings"
	"sync"

	"github.com/evalgo/adsyncd/internal/deferred"
	"github.com/evalgo/adsyncd/internal/entity"
	"github.com/evalgo/adsyncd/internal/index"
	"github.com/evalgo/adsyncd/internal/logging"
	"github.com/evalgo/adsyncd/internal/metrics"
	"github.com/evalgo/adsyncd/internal/rawrecord"
	"github.com/evalgo/adsyncd/internal/transitive"
)

// Store owns the entity table, the indexes, and the deferred resolver,
// and is the only type that mutates any of them.
type Store struct {
	writeMu sync.Mutex

	table tagTableIface
	ix    *index.Indexes

	resolver   *deferred.Resolver
	transitive *transitive.Engine

	domainFlatName string

	metrics metrics.Sink
	log     *logging.Logger

	initialLoadComplete bool
}

// tagTableIface captures the tagtable.Table methods Store relies on,
// declared here so a test can substitute a fake without this package
// importing a test-only type. In production it is always backed by
// *tagtable.Table via New.
type tagTableIface interface {
	Append(e *entity.Entity) int
	Get(tag int) *entity.Entity
	Replace(tag int, e *entity.Entity)
	NullOut(tag int)
	Snapshot() (int, []*entity.Entity)
	InstallAll(entities []*entity.Entity)
	Len() int
}

// New builds an empty Store. domainFlatName is used to strip "DOMAIN\"
// prefixes from SAM lookups (spec.md §4.2).
func New(table tagTableIface, ix *index.Indexes, domainFlatName string, sink metrics.Sink, log *logging.Logger) *Store {
	s := &Store{
		table:          table,
		ix:             ix,
		domainFlatName: domainFlatName,
		metrics:        sink,
		log:            log,
	}
	s.resolver = deferred.New(s)
	s.transitive = transitive.New(s)
	return s
}

// --- deferred.Directory / transitive.Directory implementations ---

func (s *Store) LookupDn(dn string) (int, bool) { return s.ix.LookupDn(dn) }
func (s *Store) Get(tag int) *entity.Entity     { return s.table.Get(tag) }

func (s *Store) PrimaryGroupMemberTags(token int32) []int {
	return s.ix.PrimaryGroupMembers(token).Snapshot()
}

func (s *Store) LookupPrimaryGroupTag(token int32) (int, bool) {
	return s.ix.LookupPrimaryGroupToken(token)
}

// Transitive exposes the transitive-query engine to callers (pkg/directory).
func (s *Store) Transitive() *transitive.Engine { return s.transitive }

// Len reports the current tag-space size, including any nulled-out slots.
func (s *Store) Len() int { return s.table.Len() }

// --- simple accessors used by pkg/directory ---

func (s *Store) LookupGuid(guid index.GUID) (*entity.Entity, bool) {
	tag, ok := s.ix.LookupGuid(guid)
	if !ok {
		return nil, false
	}
	return s.table.Get(tag), true
}

func (s *Store) LookupSam(sam string) (*entity.Entity, bool) {
	tag, ok := s.ix.LookupSam(sam, s.domainFlatName)
	if !ok {
		return nil, false
	}
	return s.table.Get(tag), true
}

func (s *Store) LookupUpn(upn string) (*entity.Entity, bool) {
	tag, ok := s.ix.LookupUpn(upn)
	if !ok {
		return nil, false
	}
	return s.table.Get(tag), true
}

func (s *Store) LookupEmail(email string) (*entity.Entity, bool) {
	tag, ok := s.ix.LookupEmail(email)
	if !ok {
		return nil, false
	}
	return s.table.Get(tag), true
}

func (s *Store) LookupSidOrHistory(sid string) (*entity.Entity, bool) {
	tag, ok := s.ix.LookupSid(sid)
	if !ok {
		return nil, false
	}
	return s.table.Get(tag), true
}

func (s *Store) LookupDnEntity(dn string) (*entity.Entity, bool) {
	tag, ok := s.ix.LookupDn(dn)
	if !ok {
		return nil, false
	}
	return s.table.Get(tag), true
}

// DeferredObjects reports entities still awaiting manager/member resolution.
func (s *Store) DeferredObjects() []int { return s.resolver.DeferredObjects() }

// ResolveAllDeferred re-scans every pending forward reference. Called at
// the end of a bulk load (spec.md §4.6 step 1).
func (s *Store) ResolveAllDeferred() {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.resolver.ResolveAllDeferred()
}

// InitialLoadComplete reports whether the first bulk load has finished.
func (s *Store) InitialLoadComplete() bool {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.initialLoadComplete
}

func (s *Store) markInitialLoadComplete() { s.initialLoadComplete = true }

// ApplyRecord is the single ingestion entry point, executed by exactly one
// worker. It implements spec.md §4.3's eight-step algorithm.
func (s *Store) ApplyRecord(raw *rawrecord.Record) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	done := s.log.LogOperation("apply_record")
	var applyErr error
	defer func() { done(applyErr) }()

	// Step 1: parse.
	c, err := parseEntity(raw)
	if err != nil {
		if err == errDropSilently {
			return nil
		}
		s.metrics.Counter("ingest_parse_errors_total").Inc()
		s.log.WithError(err).Warn("dropping record: parse error")
		applyErr = err
		return err
	}

	// Step 2: look up existing by GUID.
	existingTag, hasExisting := s.ix.LookupGuid(c.ObjectGUID)
	var existing *entity.Entity
	if hasExisting {
		existing = s.table.Get(existingTag)
	}

	// Step 3: priority rule. GraphSync is treated identically to BulkLoad
	// (SPEC_FULL.md §4.10): neither may overwrite a change-notified record.
	if existing != nil && existing.IsChangeNotified &&
		(raw.Source == rawrecord.BulkLoad || raw.Source == rawrecord.GraphSync) {
		return nil
	}

	if existing == nil {
		s.applyNew(c)
	} else {
		s.applyUpdate(existing, c)
	}

	// Step 6: resolve deferred references on c itself.
	if c.ManagerDeferredDN != "" && !c.HasManagerTag {
		s.resolver.RegisterManagerDeferred(c.Tag, c.ManagerDeferredDN)
	}
	for _, dn := range c.DirectMembersDeferredDN {
		s.resolver.RegisterMemberDeferred(c.Tag, dn)
	}
	s.resolver.ResolveOwn(c)

	// Step 7: install/refresh all indexes and forward-link backlinks.
	s.installForwardLinks(c)

	// Step 8: mark status.
	c.Status = entity.Exists
	c.IsChangeNotified = raw.Source == rawrecord.ChangeNotify

	s.metrics.Counter("ingest_records_total").Inc()
	return nil
}

// applyNew handles spec.md §4.3 step 4: assign a tag, install the GUID
// index, and let the resolver know a new DN may satisfy other referrers.
func (s *Store) applyNew(c *entity.Entity) {
	c.Tag = s.table.Append(c)
	s.ix.SetGuid(c.ObjectGUID, c.Tag)
	s.resolver.OnNewEntity(c)
}

// applyUpdate handles spec.md §4.3 step 5: reuse the tag, reconcile a DN
// change, remove obsolete forward-link index/backlink entries, carry
// forward backlinks that belong to *other* entities, then publish.
//
// Open-question resolution (see DESIGN.md): backlinks are carried onto c
// and stale forward links are torn down BEFORE c is published via
// TagTable.Replace, so no reader following a backlink to this tag ever
// observes a half-updated record.
func (s *Store) applyUpdate(existing, c *entity.Entity) {
	c.Tag = existing.Tag

	if !strings.EqualFold(c.DN, existing.DN) {
		s.resolver.ResolveAllDeferred()
		s.ix.RemoveDn(existing.DN, existing.Tag)
	}

	s.removeForwardLinks(existing)

	// Carry forward backlinks derived from other entities' state. Copied
	// into fresh maps rather than aliased: existing is still reachable by
	// a reader holding an older TagTable slot, and installForwardLinks/
	// removeForwardLinks mutate c's sets in place as later records are
	// applied, which would otherwise race that reader.
	c.Manages = make(map[int]struct{}, len(existing.Manages))
	for tag := range existing.Manages {
		c.Manages[tag] = struct{}{}
	}
	c.DirectMemberOfs = make(map[int]struct{}, len(existing.DirectMemberOfs))
	for tag := range existing.DirectMemberOfs {
		c.DirectMemberOfs[tag] = struct{}{}
	}

	s.table.Replace(c.Tag, c)
}

// removeForwardLinks tears down every index entry and backlink that `old`
// installed on its own behalf (not backlinks other entities hold about
// `old`, which belong to them and are carried forward separately).
func (s *Store) removeForwardLinks(old *entity.Entity) {
	s.ix.RemoveDn(old.DN, old.Tag)

	if old.HasManagerTag {
		if mgr := s.table.Get(old.ManagerTag); mgr != nil {
			delete(mgr.Manages, old.Tag)
		}
	}
	for member := range old.DirectMembers {
		if m := s.table.Get(member); m != nil {
			delete(m.DirectMemberOfs, old.Tag)
		}
	}

	if old.SAMAccountName != nil {
		s.ix.RemoveSam(*old.SAMAccountName, old.Tag)
	}
	if old.UserPrincipalName != nil {
		s.ix.RemoveUpn(*old.UserPrincipalName, old.Tag)
	}
	if old.IsForeignSecurityPrincipal() {
		s.ix.RemoveForeignSid(old.SID, old.Tag)
	} else {
		s.ix.RemoveSid(old.SID, old.Tag)
	}
	for sid := range old.SIDHistory {
		s.ix.RemoveSid(sid, old.Tag)
	}
	s.ix.RemoveEmail(old.Email, old.Tag)
	for alias := range old.EmailAliases {
		s.ix.RemoveEmail(alias, old.Tag)
	}
	if old.PrimaryGroupToken != nil {
		s.ix.RemovePrimaryGroupToken(*old.PrimaryGroupToken, old.Tag)
	}
	if old.PrimaryGroupID != nil {
		s.ix.RemovePrimaryGroupMembership(*old.PrimaryGroupID, old.Tag)
	}
}

// installForwardLinks installs every index entry and forward-link
// backlink c now claims, per spec.md §4.3 step 7. Duplicate claims (two
// entities wanting the same SAM/UPN/email/DN/SID) are logged as defects;
// the later writer wins the slot, and c's own data stays correct either
// way.
func (s *Store) installForwardLinks(c *entity.Entity) {
	if s.ix.SetDn(c.DN, c.Tag) {
		s.logDefect("dn", c.DN, c.Tag)
	}

	if c.HasManagerTag {
		if mgr := s.table.Get(c.ManagerTag); mgr != nil {
			mgr.Manages[c.Tag] = struct{}{}
		}
	}
	for member := range c.DirectMembers {
		if m := s.table.Get(member); m != nil {
			m.DirectMemberOfs[c.Tag] = struct{}{}
		}
	}

	if c.SAMAccountName != nil {
		s.ix.SetSam(*c.SAMAccountName, c.Tag)
	}
	if c.UserPrincipalName != nil {
		s.ix.SetUpn(*c.UserPrincipalName, c.Tag)
	}
	if c.IsForeignSecurityPrincipal() {
		s.ix.SetForeignSid(c.SID, c.Tag)
	} else {
		s.ix.SetSid(c.SID, c.Tag)
		for sid := range c.SIDHistory {
			s.ix.SetSid(sid, c.Tag)
		}
	}
	if c.MailboxEnabled() {
		s.ix.SetEmail(c.Email, c.Tag)
		for alias := range c.EmailAliases {
			s.ix.SetEmail(alias, c.Tag)
		}
	}
	if c.PrimaryGroupToken != nil {
		s.ix.SetPrimaryGroupToken(*c.PrimaryGroupToken, c.Tag)
	}
	if c.PrimaryGroupID != nil {
		s.ix.AddPrimaryGroupMembership(*c.PrimaryGroupID, c.Tag)
	}
}

func (s *Store) logDefect(field, key string, tag int) {
	s.metrics.Counter("index_conflicts_total").Inc()
	s.log.WithFields(map[string]any{
		"field": field,
		"key":   key,
		"tag":   tag,
	}).Warn("duplicate key observed at index install, last writer wins")
}

// Delete removes every index entry for tag, withdraws it from every
// backlink set it participates in, and NULLs its slot. The tag is never
// reused.
func (s *Store) Delete(tag int) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.deleteLocked(tag)
}

func (s *Store) deleteLocked(tag int) {
	e := s.table.Get(tag)
	if e == nil {
		return
	}
	s.removeForwardLinks(e)
	s.ix.RemoveGuid(e.ObjectGUID, e.Tag)
	for manages := range e.Manages {
		if m := s.table.Get(manages); m != nil {
			m.HasManagerTag = false
			m.ManagerTag = 0
		}
	}
	for memberOf := range e.DirectMemberOfs {
		if g := s.table.Get(memberOf); g != nil {
			delete(g.DirectMembers, tag)
		}
	}
	s.table.NullOut(tag)
}

// MarkAllAsDetecting flips every live entity to Status=Detecting at the
// start of a bulk load, per spec.md §4.3's bulk-load sweep.
func (s *Store) MarkAllAsDetecting() {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	n, slice := s.table.Snapshot()
	for i := 0; i < n; i++ {
		if e := slice[i]; e != nil {
			e.Status = entity.Detecting
		}
	}
}

// DeleteUndetected deletes every entity still Status=Detecting once a
// bulk load has finished observing the tree, per spec.md §4.3 and §4.6.
func (s *Store) DeleteUndetected() {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	n, slice := s.table.Snapshot()
	for i := 0; i < n; i++ {
		if e := slice[i]; e != nil && e.Status == entity.Detecting {
			s.deleteLocked(e.Tag)
		}
	}
	s.markInitialLoadComplete()
}

// InstallSnapshot replaces the table wholesale with entities loaded from a
// snapshot file and rebuilds every index/backlink over them. Only valid
// before any other writer has touched the store (startup only).
func (s *Store) InstallSnapshot(entities []*entity.Entity) {
	s.table.InstallAll(entities)
	s.RebuildIndexes()
}

// RebuildIndexes replays the same backlink-installation rules ingestion
// uses, over entities already sitting in the TagTable (e.g. right after a
// snapshot load) — WITHOUT invoking the deferred resolver, because a
// snapshot is internally consistent by construction (spec.md §4.8).
func (s *Store) RebuildIndexes() {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	n, slice := s.table.Snapshot()
	for i := 0; i < n; i++ {
		e := slice[i]
		if e == nil {
			continue
		}
		s.ix.SetGuid(e.ObjectGUID, e.Tag)
		if s.ix.SetDn(e.DN, e.Tag) {
			s.logDefect("dn", e.DN, e.Tag)
		}
		if e.SAMAccountName != nil {
			s.ix.SetSam(*e.SAMAccountName, e.Tag)
		}
		if e.UserPrincipalName != nil {
			s.ix.SetUpn(*e.UserPrincipalName, e.Tag)
		}
		if e.IsForeignSecurityPrincipal() {
			s.ix.SetForeignSid(e.SID, e.Tag)
		} else {
			s.ix.SetSid(e.SID, e.Tag)
			for sid := range e.SIDHistory {
				s.ix.SetSid(sid, e.Tag)
			}
		}
		if e.MailboxEnabled() {
			s.ix.SetEmail(e.Email, e.Tag)
			for alias := range e.EmailAliases {
				s.ix.SetEmail(alias, e.Tag)
			}
		}
		if e.PrimaryGroupToken != nil {
			s.ix.SetPrimaryGroupToken(*e.PrimaryGroupToken, e.Tag)
		}
		if e.PrimaryGroupID != nil {
			s.ix.AddPrimaryGroupMembership(*e.PrimaryGroupID, e.Tag)
		}
		// Manager/member backlinks: the snapshot's resolved ManagerTag
		// and DirectMembers sets were already populated by
		// entity.FromSnapshot; only the reverse (Manages,
		// DirectMemberOfs) side needs installing here.
		if e.HasManagerTag {
			if mgr := s.table.Get(e.ManagerTag); mgr != nil {
				mgr.Manages[e.Tag] = struct{}{}
			}
		}
		for member := range e.DirectMembers {
			if m := s.table.Get(member); m != nil {
				m.DirectMemberOfs[e.Tag] = struct{}{}
			}
		}
	}
}

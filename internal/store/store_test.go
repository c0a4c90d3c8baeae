package store

import (
	"testing"

	"github.com/evalgo/adsyncd/internal/index"
	"github.com/evalgo/adsyncd/internal/logging"
	"github.com/evalgo/adsyncd/internal/metrics"
	"github.com/evalgo/adsyncd/internal/rawrecord"
	"github.com/evalgo/adsyncd/internal/tagtable"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return New(tagtable.New(), index.New(), "EXAMPLE", metrics.NoopSink{}, logging.New(logging.Config{Service: "test"}))
}

func record(source rawrecord.Source, guid, dn, class string, extra map[string]string, members []string) *rawrecord.Record {
	r := &rawrecord.Record{
		Source:     source,
		Attrs:      map[string]string{"objectguid": guid, "dn": dn, "objectclass": class},
		MultiAttrs: map[string][]string{},
	}
	for k, v := range extra {
		r.Attrs[k] = v
	}
	if len(members) > 0 {
		r.MultiAttrs["member"] = members
	}
	return r
}

func TestApplyRecordAssignsStableTagAcrossUpdates(t *testing.T) {
	s := newTestStore(t)
	guid := "00000000000000000000000000000001"

	if err := s.ApplyRecord(record(rawrecord.BulkLoad, guid, "CN=Alice,DC=example,DC=com", "top.person.user", nil, nil)); err != nil {
		t.Fatalf("first ApplyRecord: %v", err)
	}
	e, ok := s.LookupGuid(parseTestGUID(guid))
	if !ok {
		t.Fatal("entity not found after first apply")
	}
	originalTag := e.Tag

	if err := s.ApplyRecord(record(rawrecord.BulkLoad, guid, "CN=Alice Renamed,DC=example,DC=com", "top.person.user", nil, nil)); err != nil {
		t.Fatalf("second ApplyRecord: %v", err)
	}
	e2, ok := s.LookupGuid(parseTestGUID(guid))
	if !ok {
		t.Fatal("entity not found after rename")
	}
	if e2.Tag != originalTag {
		t.Errorf("tag changed across update: %d -> %d, want stable", originalTag, e2.Tag)
	}
	if e2.DN != "CN=Alice Renamed,DC=example,DC=com" {
		t.Errorf("DN not updated: %s", e2.DN)
	}
	if _, stillThere := s.LookupDn("CN=Alice,DC=example,DC=com"); stillThere {
		t.Error("old DN should no longer resolve after rename")
	}
}

func TestApplyRecordIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	rec := record(rawrecord.BulkLoad, "00000000000000000000000000000002", "CN=Bob,DC=example,DC=com", "top.person.user", nil, nil)

	for i := 0; i < 3; i++ {
		if err := s.ApplyRecord(rec); err != nil {
			t.Fatalf("apply #%d: %v", i, err)
		}
	}
	if s.Len() != 1 {
		t.Errorf("Len() = %d after 3 identical applies, want 1", s.Len())
	}
}

func TestChangeNotifyTakesPriorityOverBulkLoad(t *testing.T) {
	s := newTestStore(t)
	guid := "00000000000000000000000000000003"

	mustApply(t, s, record(rawrecord.BulkLoad, guid, "CN=Carol,DC=example,DC=com", "top.person.user", nil, nil))
	mustApply(t, s, record(rawrecord.ChangeNotify, guid, "CN=Carol Updated,DC=example,DC=com", "top.person.user", nil, nil))

	// A stale bulk-load replay must not clobber the change-notified write.
	mustApply(t, s, record(rawrecord.BulkLoad, guid, "CN=Carol Stale,DC=example,DC=com", "top.person.user", nil, nil))

	e, ok := s.LookupGuid(parseTestGUID(guid))
	if !ok {
		t.Fatal("entity missing")
	}
	if e.DN != "CN=Carol Updated,DC=example,DC=com" {
		t.Errorf("DN = %q, want the change-notified DN to survive the stale bulk replay", e.DN)
	}
}

func TestManagerBacklinkInvariant(t *testing.T) {
	s := newTestStore(t)
	mustApply(t, s, record(rawrecord.BulkLoad, "00000000000000000000000000000010", "CN=Boss,DC=example,DC=com", "top.person.user", nil, nil))
	mustApply(t, s, record(rawrecord.BulkLoad, "00000000000000000000000000000011", "CN=Report,DC=example,DC=com", "top.person.user",
		map[string]string{"manager": "CN=Boss,DC=example,DC=com"}, nil))

	boss, _ := s.LookupDnEntity("CN=Boss,DC=example,DC=com")
	report, _ := s.LookupDnEntity("CN=Report,DC=example,DC=com")

	if !report.HasManagerTag || report.ManagerTag != boss.Tag {
		t.Fatalf("report.ManagerTag = (%d, %v), want (%d, true)", report.ManagerTag, report.HasManagerTag, boss.Tag)
	}
	if _, ok := boss.Manages[report.Tag]; !ok {
		t.Error("boss.Manages should contain report's tag")
	}
}

func TestManagerBacklinkResolvesOnTheIngestionThatSuppliesTheManager(t *testing.T) {
	s := newTestStore(t)

	// Report arrives first, referencing a manager DN that does not exist
	// yet — the reference is deferred.
	mustApply(t, s, record(rawrecord.BulkLoad, "00000000000000000000000000000012", "CN=A,DC=example,DC=com", "top.person.user",
		map[string]string{"manager": "CN=B,DC=example,DC=com"}, nil))

	a, ok := s.LookupDnEntity("CN=A,DC=example,DC=com")
	if !ok {
		t.Fatal("A not found after first apply")
	}
	if a.HasManagerTag {
		t.Fatal("A should not have a manager tag yet; B has not been ingested")
	}

	// B is ingested next. The backlink must be live immediately — no
	// ResolveAllDeferred call in between.
	mustApply(t, s, record(rawrecord.BulkLoad, "00000000000000000000000000000013", "CN=B,DC=example,DC=com", "top.person.user", nil, nil))

	b, ok := s.LookupDnEntity("CN=B,DC=example,DC=com")
	if !ok {
		t.Fatal("B not found after second apply")
	}
	if !a.HasManagerTag || a.ManagerTag != b.Tag {
		t.Fatalf("A.ManagerTag = (%d, %v), want (%d, true) immediately after B is ingested", a.ManagerTag, a.HasManagerTag, b.Tag)
	}
	if _, ok := b.Manages[a.Tag]; !ok {
		t.Error("B.Manages should contain A's tag immediately after B is ingested")
	}
}

func TestGroupMemberBacklinkInvariant(t *testing.T) {
	s := newTestStore(t)
	mustApply(t, s, record(rawrecord.BulkLoad, "00000000000000000000000000000020", "CN=Member,DC=example,DC=com", "top.person.user", nil, nil))
	mustApply(t, s, record(rawrecord.BulkLoad, "00000000000000000000000000000021", "CN=Grp,DC=example,DC=com", "top.group", nil,
		[]string{"CN=Member,DC=example,DC=com"}))

	group, _ := s.LookupDnEntity("CN=Grp,DC=example,DC=com")
	member, _ := s.LookupDnEntity("CN=Member,DC=example,DC=com")

	if _, ok := group.DirectMembers[member.Tag]; !ok {
		t.Error("group.DirectMembers should contain member's tag")
	}
	if _, ok := member.DirectMemberOfs[group.Tag]; !ok {
		t.Error("member.DirectMemberOfs should contain group's tag")
	}
}

func TestPrimaryGroupMembershipInvariant(t *testing.T) {
	s := newTestStore(t)
	mustApply(t, s, record(rawrecord.BulkLoad, "00000000000000000000000000000030", "CN=Grp,DC=example,DC=com", "top.group",
		map[string]string{"primarygrouptoken": "513"}, nil))
	mustApply(t, s, record(rawrecord.BulkLoad, "00000000000000000000000000000031", "CN=User,DC=example,DC=com", "top.person.user",
		map[string]string{"primarygroupid": "513"}, nil))

	user, _ := s.LookupDnEntity("CN=User,DC=example,DC=com")
	members := s.PrimaryGroupMemberTags(513)
	found := false
	for _, m := range members {
		if m == user.Tag {
			found = true
		}
	}
	if !found {
		t.Errorf("PrimaryGroupMemberTags(513) = %v, want to contain user tag %d", members, user.Tag)
	}
}

func TestDeleteUndetectedRemovesOnlyEntitiesStillDetecting(t *testing.T) {
	s := newTestStore(t)
	mustApply(t, s, record(rawrecord.BulkLoad, "00000000000000000000000000000040", "CN=Stays,DC=example,DC=com", "top.person.user", nil, nil))

	s.MarkAllAsDetecting()

	// Re-observed during this bulk load: should survive.
	mustApply(t, s, record(rawrecord.BulkLoad, "00000000000000000000000000000040", "CN=Stays,DC=example,DC=com", "top.person.user", nil, nil))

	s.DeleteUndetected()

	if _, ok := s.LookupDnEntity("CN=Stays,DC=example,DC=com"); !ok {
		t.Error("re-observed entity should survive DeleteUndetected")
	}
	if !s.InitialLoadComplete() {
		t.Error("InitialLoadComplete should be true after DeleteUndetected")
	}
}

func TestDeleteUndetectedDropsEntitiesNotSeenThisSweep(t *testing.T) {
	s := newTestStore(t)
	mustApply(t, s, record(rawrecord.BulkLoad, "00000000000000000000000000000050", "CN=Gone,DC=example,DC=com", "top.person.user", nil, nil))

	s.MarkAllAsDetecting()
	s.DeleteUndetected()

	if _, ok := s.LookupDnEntity("CN=Gone,DC=example,DC=com"); ok {
		t.Error("entity not re-observed this sweep should have been deleted")
	}
}

func mustApply(t *testing.T, s *Store, rec *rawrecord.Record) {
	t.Helper()
	if err := s.ApplyRecord(rec); err != nil {
		t.Fatalf("ApplyRecord: %v", err)
	}
}

func parseTestGUID(s string) index.GUID {
	g, err := parseGUID(s)
	if err != nil {
		panic(err)
	}
	return g
}

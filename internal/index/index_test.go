package index

import "testing"

func TestDnLookupIsCaseInsensitiveAndRemoveIsStaleSafe(t *testing.T) {
	ix := New()
	ix.SetDn("CN=Alice,DC=example,DC=com", 1)

	if tag, ok := ix.LookupDn("cn=alice,dc=example,dc=com"); !ok || tag != 1 {
		t.Fatalf("LookupDn case-insensitive = (%d, %v), want (1, true)", tag, ok)
	}

	// A stale writer trying to remove an entry a newer tag already owns
	// must not clobber it.
	ix.SetDn("CN=Alice,DC=example,DC=com", 2)
	ix.RemoveDn("CN=Alice,DC=example,DC=com", 1)
	if tag, ok := ix.LookupDn("CN=Alice,DC=example,DC=com"); !ok || tag != 2 {
		t.Errorf("stale RemoveDn clobbered a fresher tag: got (%d, %v)", tag, ok)
	}
}

func TestSetDnReportsOverwriteOfADifferentTag(t *testing.T) {
	ix := New()
	if over := ix.SetDn("CN=X", 1); over {
		t.Error("first SetDn should not report an overwrite")
	}
	if over := ix.SetDn("CN=X", 2); !over {
		t.Error("SetDn over a different tag should report overwrote=true")
	}
	if over := ix.SetDn("CN=X", 2); over {
		t.Error("SetDn with the same tag should not report an overwrite")
	}
}

func TestSamLookupStripsMatchingDomainPrefix(t *testing.T) {
	ix := New()
	ix.SetSam("alice", 1)

	if tag, ok := ix.LookupSam(`EXAMPLE\alice`, "EXAMPLE"); !ok || tag != 1 {
		t.Errorf("LookupSam with matching domain prefix = (%d, %v), want (1, true)", tag, ok)
	}
	if _, ok := ix.LookupSam(`OTHERDOMAIN\alice`, "EXAMPLE"); ok {
		t.Error("LookupSam should not strip a non-matching domain prefix")
	}
}

func TestEmptyKeysAreNeverIndexed(t *testing.T) {
	ix := New()
	ix.SetEmail("", 1)
	ix.SetSid("", 1)
	ix.SetForeignSid("", 1)

	if _, ok := ix.LookupEmail(""); ok {
		t.Error("empty email should never be indexed")
	}
	if _, ok := ix.LookupSid(""); ok {
		t.Error("empty SID should never be indexed")
	}
	if _, ok := ix.LookupForeignSid(""); ok {
		t.Error("empty foreign SID should never be indexed")
	}
}

func TestPrimaryGroupMembersSetIsSharedAcrossCalls(t *testing.T) {
	ix := New()
	ix.AddPrimaryGroupMembership(513, 10)
	ix.AddPrimaryGroupMembership(513, 11)

	members := ix.PrimaryGroupMembers(513).Snapshot()
	if len(members) != 2 {
		t.Fatalf("PrimaryGroupMembers(513) = %v, want 2 entries", members)
	}

	ix.RemovePrimaryGroupMembership(513, 10)
	if ix.PrimaryGroupMembers(513).Has(10) {
		t.Error("tag 10 should have been removed from the primary group set")
	}
	if !ix.PrimaryGroupMembers(513).Has(11) {
		t.Error("tag 11 should still be a member")
	}
}

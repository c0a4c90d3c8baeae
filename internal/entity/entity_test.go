package entity

import (
	"testing"
	"time"
)

func TestIsGroupAndIsForeignSecurityPrincipalMatchDotJoinedClassLeaf(t *testing.T) {
	e := New()
	e.Class = "top.group"
	if !e.IsGroup() {
		t.Error("IsGroup() = false for class top.group")
	}
	if e.IsForeignSecurityPrincipal() {
		t.Error("IsForeignSecurityPrincipal() = true for a group")
	}

	e.Class = "top.foreignSecurityPrincipal"
	if !e.IsForeignSecurityPrincipal() {
		t.Error("IsForeignSecurityPrincipal() = false for class top.foreignSecurityPrincipal")
	}

	e.Class = "top.person.user"
	if e.IsGroup() {
		t.Error("IsGroup() = true for a user")
	}
}

func TestIsGroupMatchIsCaseInsensitive(t *testing.T) {
	e := New()
	e.Class = "top.Group"
	if !e.IsGroup() {
		t.Error("IsGroup() should match case-insensitively")
	}
}

func TestMailboxEnabledRequiresGUIDAndNotHiddenAndNotDisabled(t *testing.T) {
	e := New()
	if e.MailboxEnabled() {
		t.Error("MailboxEnabled() = true without a mailbox GUID")
	}

	e.HasMailboxGUID = true
	if !e.MailboxEnabled() {
		t.Error("MailboxEnabled() = false with a mailbox GUID and nothing else set")
	}

	e.HideFromABook = true
	if e.MailboxEnabled() {
		t.Error("MailboxEnabled() = true while hidden from the address book")
	}
	e.HideFromABook = false

	disabled := int32(0x0002)
	e.UserAccountControl = &disabled
	if e.MailboxEnabled() {
		t.Error("MailboxEnabled() = true with ACCOUNTDISABLE set")
	}

	enabled := int32(0x0200) // NORMAL_ACCOUNT, no disable bit
	e.UserAccountControl = &enabled
	if !e.MailboxEnabled() {
		t.Error("MailboxEnabled() = false with a non-disabling UAC value")
	}
}

func TestToSnapshotAndFromSnapshotRoundTripsScalarAndOptionalFields(t *testing.T) {
	e := New()
	e.Tag = 42
	e.DN = "CN=Alice,DC=example,DC=com"
	e.Class = "top.person.user"
	e.SID = "S-1-5-21-1-2-3-1001"
	sam := "alice"
	e.SAMAccountName = &sam
	pgid := int32(513)
	e.PrimaryGroupID = &pgid
	e.SIDHistory["S-1-5-21-1-2-3-999"] = struct{}{}
	e.DirectMembers[7] = struct{}{}
	e.WhenCreated = time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC)

	snap := e.ToSnapshot()
	restored := FromSnapshot(snap)

	if restored.Tag != e.Tag || restored.DN != e.DN || restored.Class != e.Class || restored.SID != e.SID {
		t.Fatalf("round trip changed identity fields: %+v", restored)
	}
	if restored.SAMAccountName == nil || *restored.SAMAccountName != sam {
		t.Error("SAMAccountName did not round-trip")
	}
	if restored.PrimaryGroupID == nil || *restored.PrimaryGroupID != pgid {
		t.Error("PrimaryGroupID did not round-trip")
	}
	if _, ok := restored.SIDHistory["S-1-5-21-1-2-3-999"]; !ok {
		t.Error("SIDHistory did not round-trip")
	}
	if _, ok := restored.DirectMembers[7]; !ok {
		t.Error("DirectMembers did not round-trip")
	}
	if !restored.WhenCreated.Equal(e.WhenCreated) {
		t.Errorf("WhenCreated = %v, want %v", restored.WhenCreated, e.WhenCreated)
	}
}

func TestToSnapshotExcludesBacklinks(t *testing.T) {
	e := New()
	e.Manages[1] = struct{}{}
	e.DirectMemberOfs[2] = struct{}{}

	snap := e.ToSnapshot()
	restored := FromSnapshot(snap)

	if len(restored.Manages) != 0 {
		t.Error("Manages should not survive a snapshot round trip; it is rebuilt by replay")
	}
	if len(restored.DirectMemberOfs) != 0 {
		t.Error("DirectMemberOfs should not survive a snapshot round trip; it is rebuilt by replay")
	}
}

func TestFromSnapshotLeavesUnsetTimestampsZero(t *testing.T) {
	e := New()
	snap := e.ToSnapshot()
	restored := FromSnapshot(snap)

	if !restored.WhenCreated.IsZero() {
		t.Error("WhenCreated should remain zero when never set")
	}
	if !restored.PasswordLastSet.IsZero() {
		t.Error("PasswordLastSet should remain zero when never set")
	}
}

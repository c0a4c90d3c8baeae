package graphsource

import (
	"strings"
	"testing"

	"github.com/microsoftgraph/msgraph-sdk-go/models"

	"github.com/evalgo/adsyncd/internal/rawrecord"
)

func strp(s string) *string { return &s }
func boolp(b bool) *bool    { return &b }

func TestGraphIDToGUIDHexAcceptsADashedGUID(t *testing.T) {
	hex := graphIDToGUIDHex("01234567-89ab-cdef-0123-456789abcdef")
	if len(hex) != 32 {
		t.Fatalf("graphIDToGUIDHex length = %d, want 32 hex chars for a 16-byte guid", len(hex))
	}
	if hex != "0123456789abcdef0123456789abcdef" {
		t.Errorf("graphIDToGUIDHex = %q, want the stripped-dash hex form", hex)
	}
}

func TestGraphIDToGUIDHexFoldsANonGUIDIDDeterministically(t *testing.T) {
	first := graphIDToGUIDHex("not-a-real-guid-id")
	second := graphIDToGUIDHex("not-a-real-guid-id")
	if first != second {
		t.Error("graphIDToGUIDHex should be deterministic for the same non-GUID input")
	}
	if len(first) != 32 {
		t.Errorf("graphIDToGUIDHex length = %d, want 32 hex chars even for a folded id", len(first))
	}
}

func TestParseDashedGUIDRejectsWrongLength(t *testing.T) {
	if _, err := parseDashedGUID("too-short"); err == nil {
		t.Error("expected an error for a string that isn't a 32-hex-digit guid")
	}
}

func TestUserToRecordMapsCoreFields(t *testing.T) {
	u := models.NewUser()
	u.SetId(strp("01234567-89ab-cdef-0123-456789abcdef"))
	u.SetUserPrincipalName(strp("alice@example.com"))
	u.SetMail(strp("alice@example.com"))
	u.SetOnPremisesSamAccountName(strp("alice"))
	u.SetOnPremisesSecurityIdentifier(strp("S-1-5-21-1-2-3-1001"))
	u.SetAccountEnabled(boolp(false))
	u.SetProxyAddresses([]string{"SMTP:alice@example.com"})

	rec, err := userToRecord(u)
	if err != nil {
		t.Fatalf("userToRecord: %v", err)
	}
	if rec.Source != rawrecord.GraphSync {
		t.Errorf("rec.Source = %v, want GraphSync", rec.Source)
	}
	if rec.Attrs["userprincipalname"] != "alice@example.com" {
		t.Errorf("userprincipalname = %q", rec.Attrs["userprincipalname"])
	}
	if rec.Attrs["samaccountname"] != "alice" {
		t.Errorf("samaccountname = %q", rec.Attrs["samaccountname"])
	}
	if rec.Attrs["useraccountcontrol"] != "2" {
		t.Errorf("useraccountcontrol = %q, want 2 (ACCOUNTDISABLE) for a disabled account", rec.Attrs["useraccountcontrol"])
	}
	if !strings.HasPrefix(rec.Attrs["dn"], "graph://users/") {
		t.Errorf("dn = %q, want a graph://users/ prefix", rec.Attrs["dn"])
	}
	if len(rec.MultiAttrs["proxyaddresses"]) != 1 {
		t.Errorf("proxyaddresses = %v, want one entry", rec.MultiAttrs["proxyaddresses"])
	}
}

func TestUserToRecordRequiresAnID(t *testing.T) {
	u := models.NewUser()
	if _, err := userToRecord(u); err == nil {
		t.Error("expected an error for a user with no id")
	}
}

func TestGroupToRecordMapsCoreFields(t *testing.T) {
	g := models.NewGroup()
	g.SetId(strp("fedcba98-7654-3210-fedc-ba9876543210"))
	g.SetDisplayName(strp("Engineering"))
	g.SetMail(strp("eng@example.com"))
	g.SetOnPremisesSecurityIdentifier(strp("S-1-5-21-1-2-3-2001"))
	g.SetSecurityEnabled(boolp(true))

	rec, err := groupToRecord(g)
	if err != nil {
		t.Fatalf("groupToRecord: %v", err)
	}
	if rec.Attrs["objectclass"] != "top.group" {
		t.Errorf("objectclass = %q, want top.group", rec.Attrs["objectclass"])
	}
	if rec.Attrs["samaccountname"] != "Engineering" {
		t.Errorf("samaccountname = %q, want the display name", rec.Attrs["samaccountname"])
	}
	if rec.Attrs["grouptype"] != "-2147483646" {
		t.Errorf("grouptype = %q, want the global-security-group token", rec.Attrs["grouptype"])
	}
}

func TestGroupToRecordRequiresAnID(t *testing.T) {
	g := models.NewGroup()
	if _, err := groupToRecord(g); err == nil {
		t.Error("expected an error for a group with no id")
	}
}

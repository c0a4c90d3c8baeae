package dclocator

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/evalgo/adsyncd/internal/logging"
)

type fakeProber struct {
	reachable map[string]bool
}

func (p fakeProber) ProbeFlatName(ctx context.Context, dc string) (string, error) {
	if p.reachable[dc] {
		return "EXAMPLE", nil
	}
	return "", errUnreachable
}

type fakeErr string

func (e fakeErr) Error() string { return string(e) }

var errUnreachable = fakeErr("dc unreachable")

func newTestLocator(t *testing.T, prober Prober) *Locator {
	t.Helper()
	log := logging.New(logging.Config{Service: "test"})
	loc, err := New(Config{
		Domain:       "example.com",
		ProbeTimeout: 100 * time.Millisecond,
		SidecarPath:  filepath.Join(t.TempDir(), "dclocator.db"),
	}, prober, nil, log)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { loc.Close() })
	return loc
}

func TestSelectPrefersConfiguredPreferredWhenReachable(t *testing.T) {
	loc := newTestLocator(t, fakeProber{reachable: map[string]bool{"dc1.example.com": true, "dc2.example.com": true}})

	dc, err := loc.Select(context.Background(), "dc1.example.com", nil)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if dc != "dc1.example.com" {
		t.Errorf("Select() = %q, want the configured preferred dc1.example.com", dc)
	}
}

func TestSelectFallsThroughWhenPreferredUnreachable(t *testing.T) {
	loc := newTestLocator(t, fakeProber{reachable: map[string]bool{"dc2.example.com": true}})

	dc, err := loc.Select(context.Background(), "dc1.example.com", nil)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if dc != "dc2.example.com" {
		t.Errorf("Select() = %q, want fallback dc2.example.com", dc)
	}
}

func TestSelectPersistsAndReusesThePreferredDC(t *testing.T) {
	loc := newTestLocator(t, fakeProber{reachable: map[string]bool{"dc1.example.com": true}})

	if _, err := loc.Select(context.Background(), "dc1.example.com", nil); err != nil {
		t.Fatalf("first Select: %v", err)
	}

	dc, ok := loc.loadPersistedPreferred()
	if !ok || dc != "dc1.example.com" {
		t.Errorf("loadPersistedPreferred() = (%q, %v), want (dc1.example.com, true)", dc, ok)
	}
}

func TestSelectReturnsErrorWhenNoCandidateReachable(t *testing.T) {
	loc := newTestLocator(t, fakeProber{reachable: map[string]bool{}})

	if _, err := loc.Select(context.Background(), "dc1.example.com", nil); err == nil {
		t.Fatal("expected an error when no candidate answers the probe")
	}
}

func TestNewProberUnregisteredNameReturnsError(t *testing.T) {
	if _, err := NewProber("does-not-exist", "example.com"); err == nil {
		t.Fatal("expected an error for an unregistered prober factory name")
	}
}

func TestRegisterProberFactoryRoundTrips(t *testing.T) {
	RegisterProberFactory("test-prober", func(domain string) (Prober, error) {
		return fakeProber{reachable: map[string]bool{}}, nil
	})

	prober, err := NewProber("test-prober", "example.com")
	if err != nil {
		t.Fatalf("NewProber: %v", err)
	}
	if prober == nil {
		t.Fatal("NewProber returned a nil prober")
	}
}

package tagtable

import (
	"testing"

	"github.com/evalgo/adsyncd/internal/entity"
)

func TestAppendAssignsDenseSequentialTags(t *testing.T) {
	table := New()
	for i := 0; i < 5; i++ {
		e := entity.New()
		tag := table.Append(e)
		if tag != i {
			t.Fatalf("Append #%d returned tag %d, want %d", i, tag, i)
		}
		if e.Tag != i {
			t.Fatalf("Append #%d left entity.Tag = %d, want %d", i, e.Tag, i)
		}
	}
	if table.Len() != 5 {
		t.Errorf("Len() = %d, want 5", table.Len())
	}
}

func TestReplacePreservesTagAndLength(t *testing.T) {
	table := New()
	first := entity.New()
	tag := table.Append(first)

	updated := entity.New()
	updated.DN = "CN=Updated"
	table.Replace(tag, updated)

	if got := table.Get(tag); got != updated {
		t.Errorf("Get(%d) = %v, want the replaced entity", tag, got)
	}
	if table.Len() != 1 {
		t.Errorf("Len() = %d, want 1 after Replace", table.Len())
	}
}

func TestNullOutLeavesATombstoneWithoutShrinkingLength(t *testing.T) {
	table := New()
	tag := table.Append(entity.New())
	table.NullOut(tag)

	if got := table.Get(tag); got != nil {
		t.Errorf("Get(%d) = %v, want nil after NullOut", tag, got)
	}
	if table.Len() != 1 {
		t.Errorf("Len() = %d, want 1 (tag never reused)", table.Len())
	}
}

func TestSnapshotIsStableAcrossSubsequentAppends(t *testing.T) {
	table := New()
	table.Append(entity.New())
	n, slice := table.Snapshot()

	table.Append(entity.New())

	if n != 1 || len(slice) != 1 {
		t.Errorf("Snapshot() = (%d, len %d), want the pre-append view (1, 1)", n, len(slice))
	}
	if table.Len() != 2 {
		t.Errorf("Len() after second Append = %d, want 2", table.Len())
	}
}

func TestInstallAllReplacesBackingArrayWholesale(t *testing.T) {
	table := New()
	table.Append(entity.New())

	gap := []*entity.Entity{entity.New(), nil, entity.New()}
	table.InstallAll(gap)

	if table.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", table.Len())
	}
	if table.Get(1) != nil {
		t.Error("Get(1) should be nil, InstallAll should preserve gaps")
	}
	if table.Get(0) == nil || table.Get(2) == nil {
		t.Error("InstallAll should preserve non-nil entries")
	}
}

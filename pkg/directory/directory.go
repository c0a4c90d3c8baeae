// Package directory is the public, stable facade over adsyncd's internal
// store and transitive-query engine: everything an external consumer
// needs to read the mirrored directory without reaching into internal/.
package directory

import (
	"github.com/evalgo/adsyncd/internal/entity"
	"github.com/evalgo/adsyncd/internal/index"
	"github.com/evalgo/adsyncd/internal/store"
)

// Entity re-exports internal/entity's record type for external callers.
type Entity = entity.Entity

// Directory is the read surface consumers use to query the mirrored
// directory by any of its keys, and to walk group membership.
type Directory struct {
	store *store.Store
}

// FromStore wraps an already-constructed Store — cmd/adsyncd owns Store
// construction (it wires the TagTable and Indexes) so it can also hand
// the same instance to the sync pipeline and watchdog; this facade only
// ever reads through it.
func FromStore(s *store.Store) *Directory {
	return &Directory{store: s}
}

// Store exposes the underlying store.Store for callers that need the
// ingestion surface (the sync pipeline, snapshot loader) — external
// read-only consumers should prefer the Lookup*/transitive methods below.
func (d *Directory) Store() *store.Store { return d.store }

// ByTag returns the entity at tag, or nil if it doesn't exist.
func (d *Directory) ByTag(tag int) *Entity { return d.store.Get(tag) }

// ByDN looks up an entity by its distinguished name.
func (d *Directory) ByDN(dn string) (*Entity, bool) { return d.store.LookupDnEntity(dn) }

// ByGUID looks up an entity by its objectGUID.
func (d *Directory) ByGUID(guid [16]byte) (*Entity, bool) { return d.store.LookupGuid(index.GUID(guid)) }

// BySAMAccountName looks up an entity by its sAMAccountName.
func (d *Directory) BySAMAccountName(sam string) (*Entity, bool) { return d.store.LookupSam(sam) }

// ByUserPrincipalName looks up an entity by its userPrincipalName.
func (d *Directory) ByUserPrincipalName(upn string) (*Entity, bool) { return d.store.LookupUpn(upn) }

// ByEmail looks up an entity by its primary email or one of its aliases.
func (d *Directory) ByEmail(email string) (*Entity, bool) { return d.store.LookupEmail(email) }

// BySID looks up an entity by its current SID or any SID in its SID
// history.
func (d *Directory) BySID(sid string) (*Entity, bool) { return d.store.LookupSidOrHistory(sid) }

// AllMembers returns every tag transitively reachable as a member of the
// group at tag g (direct membership plus primary-group membership).
func (d *Directory) AllMembers(g int) []int { return d.store.Transitive().AllMembers(g) }

// AllMemberOfs returns every group tag transitively containing the entity
// at tag e.
func (d *Directory) AllMemberOfs(e int) []int { return d.store.Transitive().AllMemberOfs(e) }

// HasMember reports whether x is transitively a member of group g.
func (d *Directory) HasMember(g, x int) bool { return d.store.Transitive().HasMember(g, x) }

// AllGroupTypeMembers returns the subset of AllMembers(g) that are
// themselves groups.
func (d *Directory) AllGroupTypeMembers(g int) []int {
	return d.store.Transitive().AllGroupTypeMembers(g)
}

// Snapshot returns a flattened copy of every live entity in tag order,
// suitable for internal/exporter.Export. internal/snapshot.Write takes
// []*entity.Entity instead and is not fed from here.
func (d *Directory) Snapshot() []entity.Snapshot {
	out := make([]entity.Snapshot, 0)
	for tag := 0; tag < d.store.Len(); tag++ {
		e := d.store.Get(tag)
		if e == nil {
			continue
		}
		out = append(out, e.ToSnapshot())
	}
	return out
}

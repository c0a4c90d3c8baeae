// Package rawrecord defines the opaque attribute-bag boundary type that
// feeds (LDAP or the Microsoft Graph secondary source) hand to the store.
// LDAP wire mechanics are out of scope for this module; a RawRecord is the
// agreed shape on the other side of that boundary.
package rawrecord

// Source identifies which feed produced a record. The store's priority
// rule treats BulkLoad and GraphSync identically: neither may overwrite an
// entity whose latest write came from ChangeNotify.
type Source int

const (
	BulkLoad Source = iota
	ChangeNotify
	GraphSync
)

func (s Source) String() string {
	switch s {
	case BulkLoad:
		return "BulkLoad"
	case ChangeNotify:
		return "ChangeNotify"
	case GraphSync:
		return "GraphSync"
	default:
		return "Unknown"
	}
}

// Record is a single directory object expressed as raw, schema-agnostic
// attribute values. Single-valued attributes live in Attrs; multi-valued
// attributes (member, sidHistory, proxyAddresses, ...) live in MultiAttrs.
// Keys are the LDAP attribute names from spec.md §6, lower-cased.
type Record struct {
	Source     Source
	Attrs      map[string]string
	MultiAttrs map[string][]string

	// DeferredMemberRanges holds range-chunked member attribute markers
	// (e.g. "member;range=0-999") the LDAP client has not yet expanded.
	// The feed is responsible for fetching additional chunks and merging
	// them into MultiAttrs["member"] before handing the record to the
	// store; this field communicates to the store that more chunks were
	// requested, purely for diagnostics.
	DeferredMemberRanges []string
}

// Get returns a single-valued attribute, and whether it was present.
func (r *Record) Get(name string) (string, bool) {
	if r.Attrs == nil {
		return "", false
	}
	v, ok := r.Attrs[name]
	return v, ok
}

// GetMulti returns a multi-valued attribute's values.
func (r *Record) GetMulti(name string) []string {
	if r.MultiAttrs == nil {
		return nil
	}
	return r.MultiAttrs[name]
}

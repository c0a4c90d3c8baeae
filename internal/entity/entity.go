// Package entity defines the in-memory representation of one directory
// object: users, groups, computers, foreign security principals, and
// organizational containers, plus the scratch fields the store uses for
// backlinks and deferred forward references.
package entity

import (
	"strings"
	"time"
)

// Status tracks an entity's position in the bulk-load sweep.
type Status int

const (
	// Exists is the steady-state status: observed and live.
	Exists Status = iota
	// Detecting is set on every existing entity at the start of a bulk
	// load; it flips back to Exists on observation, or the entity is
	// deleted once the load completes if it never flips back.
	Detecting
	// Deleted marks a slot that has been removed from the table.
	Deleted
)

// SamAccountType and UserAccountControl are carried as opaque tagged
// integers; the directory schema defines far more bit combinations than
// this module needs to interpret, so these are deliberately untyped enums
// rather than an exhaustive Go enum.
type SamAccountType int32

type GroupType int32

// Entity is the immutable-ish record of one directory object. Every field
// that participates in an index or backlink invariant is documented in
// SPEC_FULL.md §3; fields here mirror that table one-to-one.
type Entity struct {
	// Tag is assigned once, at first ingestion, and never changes or is
	// reused for the life of the process.
	Tag int

	DN    string
	Class string // dot-joined class path, e.g. "top.group"

	ObjectGUID [16]byte // 128-bit identifier, primary identity

	SID        string
	SIDHistory map[string]struct{}

	SAMAccountName    *string
	UserPrincipalName *string
	DomainFlatName    string

	SAMAccountType    *SamAccountType
	UserAccountControl *int32
	GroupType         *GroupType

	WhenCreated        time.Time
	PasswordLastSet    time.Time
	LastLogonTimeStamp time.Time
	AccountExpires     time.Time

	Email          string
	EmailAliases   map[string]struct{}
	TargetEmail    string
	MailboxGUID    [16]byte
	HasMailboxGUID bool
	HideFromABook  bool
	SIPAddress     string

	PrimaryGroupID    *int32 // RID of this entity's primary group
	PrimaryGroupToken *int32 // RID this entity presents, if it IS a group

	// Manager: the pending DN (unresolved) and the resolved tag.
	ManagerDeferredDN string
	ManagerTag        int
	HasManagerTag     bool

	// Manages is a backlink: tags of entities whose manager resolves to us.
	Manages map[int]struct{}

	// DirectMembers/DirectMemberOfs: group membership, forward + backlink.
	DirectMembers          map[int]struct{}
	DirectMembersDeferredDN []string
	DirectMemberOfs         map[int]struct{}

	OtherAttributesText   map[string]string
	OtherAttributesBinary map[string][]byte

	Status           Status
	IsChangeNotified bool

	// Ambient, non-invariant fields (SPEC_FULL.md §3 expansion): never
	// read by any invariant check, only by diagnostics/metrics.
	LastObservedAt time.Time
	SourceDC       string
}

// New returns an Entity with every map field initialized, ready to accept
// ingestion. Tag is left at its zero value; the caller (Store) assigns it.
func New() *Entity {
	return &Entity{
		SIDHistory:              make(map[string]struct{}),
		EmailAliases:            make(map[string]struct{}),
		Manages:                 make(map[int]struct{}),
		DirectMembers:           make(map[int]struct{}),
		DirectMemberOfs:         make(map[int]struct{}),
		OtherAttributesText:     make(map[string]string),
		OtherAttributesBinary:   make(map[string][]byte),
	}
}

// IsForeignSecurityPrincipal reports whether this entity's class marks it
// as a cross-domain placeholder object — such entities are indexed in the
// foreign-SID index only, never the regular SID index.
func (e *Entity) IsForeignSecurityPrincipal() bool {
	return classHasSuffix(e.Class, "foreignSecurityPrincipal")
}

// IsGroup reports whether this entity's class path indicates a group,
// used by TransitiveEngine.AllGroupTypeMembers.
func (e *Entity) IsGroup() bool {
	return classHasSuffix(e.Class, "group")
}

func classHasSuffix(class, leaf string) bool {
	parts := strings.Split(class, ".")
	for _, p := range parts {
		if strings.EqualFold(p, leaf) {
			return true
		}
	}
	return false
}

// MailboxEnabled reports whether this entity should be indexed by email:
// it must carry a mailbox GUID and must not be hidden from the address
// book nor administratively disabled.
func (e *Entity) MailboxEnabled() bool {
	if !e.HasMailboxGUID {
		return false
	}
	if e.HideFromABook {
		return false
	}
	if e.UserAccountControl != nil && uacDisabled(*e.UserAccountControl) {
		return false
	}
	return true
}

// uacDisabled checks the ACCOUNTDISABLE bit (0x0002) of userAccountControl.
func uacDisabled(uac int32) bool {
	const accountDisable = 0x0002
	return uac&accountDisable != 0
}

// Snapshot is the flattened, index-free form of an Entity used by
// SnapshotCodec and the exporters — no maps-of-maps, just the data needed
// to reconstruct everything by replaying ingestion rules.
type Snapshot struct {
	Tag                     int
	DN                      string
	Class                   string
	ObjectGUID              [16]byte
	SID                     string
	SIDHistory              []string
	SAMAccountName          string
	HasSAMAccountName       bool
	UserPrincipalName       string
	HasUserPrincipalName    bool
	DomainFlatName          string
	SAMAccountType          int32
	HasSAMAccountType       bool
	UserAccountControl      int32
	HasUserAccountControl   bool
	GroupType               int32
	HasGroupType            bool
	WhenCreated             int64 // unix nanos, 0 == unset
	PasswordLastSet         int64
	LastLogonTimeStamp      int64
	AccountExpires          int64
	Email                   string
	EmailAliases            []string
	TargetEmail             string
	MailboxGUID             [16]byte
	HasMailboxGUID          bool
	HideFromABook           bool
	SIPAddress              string
	PrimaryGroupID          int32
	HasPrimaryGroupID       bool
	PrimaryGroupToken       int32
	HasPrimaryGroupToken    bool
	ManagerDeferredDN       string
	ManagerTag              int
	HasManagerTag           bool
	DirectMembers           []int
	DirectMembersDeferredDN []string
	OtherAttributesText     map[string]string
	OtherAttributesBinary   map[string][]byte
	Status                  Status
	IsChangeNotified        bool
}

// ToSnapshot flattens an Entity for serialization. Backlinks (Manages,
// DirectMemberOfs) are intentionally excluded — they are derived and are
// rebuilt by replaying the same rules ApplyRecord uses.
func (e *Entity) ToSnapshot() Snapshot {
	s := Snapshot{
		Tag:                     e.Tag,
		DN:                      e.DN,
		Class:                   e.Class,
		ObjectGUID:              e.ObjectGUID,
		SID:                     e.SID,
		DomainFlatName:          e.DomainFlatName,
		Email:                   e.Email,
		TargetEmail:             e.TargetEmail,
		MailboxGUID:             e.MailboxGUID,
		HasMailboxGUID:          e.HasMailboxGUID,
		HideFromABook:           e.HideFromABook,
		SIPAddress:              e.SIPAddress,
		ManagerDeferredDN:       e.ManagerDeferredDN,
		ManagerTag:              e.ManagerTag,
		HasManagerTag:           e.HasManagerTag,
		DirectMembersDeferredDN: append([]string(nil), e.DirectMembersDeferredDN...),
		OtherAttributesText:     e.OtherAttributesText,
		OtherAttributesBinary:   e.OtherAttributesBinary,
		Status:                  e.Status,
		IsChangeNotified:        e.IsChangeNotified,
	}
	for sid := range e.SIDHistory {
		s.SIDHistory = append(s.SIDHistory, sid)
	}
	for alias := range e.EmailAliases {
		s.EmailAliases = append(s.EmailAliases, alias)
	}
	for m := range e.DirectMembers {
		s.DirectMembers = append(s.DirectMembers, m)
	}
	if e.SAMAccountName != nil {
		s.SAMAccountName, s.HasSAMAccountName = *e.SAMAccountName, true
	}
	if e.UserPrincipalName != nil {
		s.UserPrincipalName, s.HasUserPrincipalName = *e.UserPrincipalName, true
	}
	if e.SAMAccountType != nil {
		s.SAMAccountType, s.HasSAMAccountType = int32(*e.SAMAccountType), true
	}
	if e.UserAccountControl != nil {
		s.UserAccountControl, s.HasUserAccountControl = *e.UserAccountControl, true
	}
	if e.GroupType != nil {
		s.GroupType, s.HasGroupType = int32(*e.GroupType), true
	}
	if e.PrimaryGroupID != nil {
		s.PrimaryGroupID, s.HasPrimaryGroupID = *e.PrimaryGroupID, true
	}
	if e.PrimaryGroupToken != nil {
		s.PrimaryGroupToken, s.HasPrimaryGroupToken = *e.PrimaryGroupToken, true
	}
	if !e.WhenCreated.IsZero() {
		s.WhenCreated = e.WhenCreated.UnixNano()
	}
	if !e.PasswordLastSet.IsZero() {
		s.PasswordLastSet = e.PasswordLastSet.UnixNano()
	}
	if !e.LastLogonTimeStamp.IsZero() {
		s.LastLogonTimeStamp = e.LastLogonTimeStamp.UnixNano()
	}
	if !e.AccountExpires.IsZero() {
		s.AccountExpires = e.AccountExpires.UnixNano()
	}
	return s
}

// FromSnapshot reconstructs an Entity from its flattened form. Backlink
// maps (Manages, DirectMemberOfs) and primary-group-member set membership
// are left empty; the caller rebuilds them by replaying ingestion rules
// over every entity in tag order (see internal/snapshot).
func FromSnapshot(s Snapshot) *Entity {
	e := New()
	e.Tag = s.Tag
	e.DN = s.DN
	e.Class = s.Class
	e.ObjectGUID = s.ObjectGUID
	e.SID = s.SID
	e.DomainFlatName = s.DomainFlatName
	e.Email = s.Email
	e.TargetEmail = s.TargetEmail
	e.MailboxGUID = s.MailboxGUID
	e.HasMailboxGUID = s.HasMailboxGUID
	e.HideFromABook = s.HideFromABook
	e.SIPAddress = s.SIPAddress
	e.ManagerDeferredDN = s.ManagerDeferredDN
	e.ManagerTag = s.ManagerTag
	e.HasManagerTag = s.HasManagerTag
	e.DirectMembersDeferredDN = append([]string(nil), s.DirectMembersDeferredDN...)
	e.Status = s.Status
	e.IsChangeNotified = s.IsChangeNotified
	if s.OtherAttributesText != nil {
		e.OtherAttributesText = s.OtherAttributesText
	}
	if s.OtherAttributesBinary != nil {
		e.OtherAttributesBinary = s.OtherAttributesBinary
	}
	for _, sid := range s.SIDHistory {
		e.SIDHistory[sid] = struct{}{}
	}
	for _, alias := range s.EmailAliases {
		e.EmailAliases[alias] = struct{}{}
	}
	for _, m := range s.DirectMembers {
		e.DirectMembers[m] = struct{}{}
	}
	if s.HasSAMAccountName {
		v := s.SAMAccountName
		e.SAMAccountName = &v
	}
	if s.HasUserPrincipalName {
		v := s.UserPrincipalName
		e.UserPrincipalName = &v
	}
	if s.HasSAMAccountType {
		v := SamAccountType(s.SAMAccountType)
		e.SAMAccountType = &v
	}
	if s.HasUserAccountControl {
		v := s.UserAccountControl
		e.UserAccountControl = &v
	}
	if s.HasGroupType {
		v := GroupType(s.GroupType)
		e.GroupType = &v
	}
	if s.HasPrimaryGroupID {
		v := s.PrimaryGroupID
		e.PrimaryGroupID = &v
	}
	if s.HasPrimaryGroupToken {
		v := s.PrimaryGroupToken
		e.PrimaryGroupToken = &v
	}
	if s.WhenCreated != 0 {
		e.WhenCreated = time.Unix(0, s.WhenCreated).UTC()
	}
	if s.PasswordLastSet != 0 {
		e.PasswordLastSet = time.Unix(0, s.PasswordLastSet).UTC()
	}
	if s.LastLogonTimeStamp != 0 {
		e.LastLogonTimeStamp = time.Unix(0, s.LastLogonTimeStamp).UTC()
	}
	if s.AccountExpires != 0 {
		e.AccountExpires = time.Unix(0, s.AccountExpires).UTC()
	}
	return e
}

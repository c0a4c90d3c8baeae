package store

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/evalgo/adsyncd/internal/entity"
	"github.com/evalgo/adsyncd/internal/rawrecord"
)

// Attribute names as requested per spec.md §6, lower-cased — the shape
// rawrecord.Record's Attrs/MultiAttrs keys use.
const (
	attrObjectClass         = "objectclass"
	attrDN                  = "dn"
	attrObjectGUID          = "objectguid"
	attrObjectSID           = "objectsid"
	attrSIDHistory          = "sidhistory"
	attrSAMAccountName      = "samaccountname"
	attrUserPrincipalName   = "userprincipalname"
	attrSAMAccountType      = "samaccounttype"
	attrFlatName            = "flatname"
	attrUserAccountControl  = "useraccountcontrol"
	attrGroupType           = "grouptype"
	attrWhenCreated         = "whencreated"
	attrPwdLastSet          = "pwdlastset"
	attrLastLogonTimestamp  = "lastlogontimestamp"
	attrAccountExpires      = "accountexpires"
	attrMail                = "mail"
	attrProxyAddresses      = "proxyaddresses"
	attrTargetAddress       = "targetaddress"
	attrMsExchMailboxGUID   = "msexchmailboxguid"
	attrMsExchHideFromABook = "msexchhidefromaddresslists"
	attrSIPAddress          = "msrtcsip-primaryuseraddress"
	attrPrimaryGroupID      = "primarygroupid"
	attrPrimaryGroupToken   = "primarygrouptoken"
	attrManager             = "manager"
	attrMember              = "member"
)

// knownAttrs lets parseEntity route every other single-valued attribute
// of the record into the schema-agnostic OtherAttributesText tail. No
// loadAllAttributes/otherAttributes filtering happens here: whatever the
// feed delivered is kept.
var knownAttrs = map[string]struct{}{
	attrObjectClass: {}, attrDN: {}, attrObjectGUID: {}, attrObjectSID: {},
	attrSIDHistory: {}, attrSAMAccountName: {}, attrUserPrincipalName: {},
	attrSAMAccountType: {}, attrFlatName: {}, attrUserAccountControl: {},
	attrGroupType: {}, attrWhenCreated: {}, attrPwdLastSet: {},
	attrLastLogonTimestamp: {}, attrAccountExpires: {}, attrMail: {},
	attrProxyAddresses: {}, attrTargetAddress: {}, attrMsExchMailboxGUID: {},
	attrMsExchHideFromABook: {}, attrSIPAddress: {}, attrPrimaryGroupID: {},
	attrPrimaryGroupToken: {}, attrManager: {}, attrMember: {},
}

// errDropSilently signals step 1 of the ingestion algorithm: "Drop
// silently if objectGuid is empty."
var errDropSilently = fmt.Errorf("store: record has no objectGuid, dropped")

// parseEntity converts a rawrecord.Record into a fresh candidate entity
// with no tag assigned yet, per spec.md §4.3 step 1. Deferred forward
// references (manager, member) are left on the entity's *DeferredDN
// fields for the caller to register with the DeferredResolver.
func parseEntity(raw *rawrecord.Record) (*entity.Entity, error) {
	guidStr, ok := raw.Get(attrObjectGUID)
	if !ok || guidStr == "" {
		return nil, errDropSilently
	}
	guid, err := parseGUID(guidStr)
	if err != nil {
		return nil, fmt.Errorf("store: parse objectGuid: %w", err)
	}

	e := entity.New()
	e.ObjectGUID = guid

	if dn, ok := raw.Get(attrDN); ok {
		e.DN = dn
	}
	if classes := raw.GetMulti(attrObjectClass); len(classes) > 0 {
		e.Class = strings.Join(classes, ".")
	} else if class, ok := raw.Get(attrObjectClass); ok {
		e.Class = class
	}
	if sid, ok := raw.Get(attrObjectSID); ok {
		e.SID = sid
	}
	for _, sid := range raw.GetMulti(attrSIDHistory) {
		e.SIDHistory[sid] = struct{}{}
	}
	if sam, ok := raw.Get(attrSAMAccountName); ok {
		e.SAMAccountName = &sam
	}
	if upn, ok := raw.Get(attrUserPrincipalName); ok {
		e.UserPrincipalName = &upn
	}
	if flat, ok := raw.Get(attrFlatName); ok {
		e.DomainFlatName = flat
	}
	if v, ok := raw.Get(attrSAMAccountType); ok {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			t := entity.SamAccountType(n)
			e.SAMAccountType = &t
		}
	}
	if v, ok := raw.Get(attrUserAccountControl); ok {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			n32 := int32(n)
			e.UserAccountControl = &n32
		}
	}
	if v, ok := raw.Get(attrGroupType); ok {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			gt := entity.GroupType(n)
			e.GroupType = &gt
		}
	}
	e.WhenCreated = parseFileTime(attrString(raw, attrWhenCreated))
	e.PasswordLastSet = parseFileTime(attrString(raw, attrPwdLastSet))
	e.LastLogonTimeStamp = parseFileTime(attrString(raw, attrLastLogonTimestamp))
	e.AccountExpires = parseFileTime(attrString(raw, attrAccountExpires))

	if mail, ok := raw.Get(attrMail); ok {
		e.Email = mail
	}
	parseProxyAddresses(e, raw.GetMulti(attrProxyAddresses))
	if target, ok := raw.Get(attrTargetAddress); ok {
		e.TargetEmail = target
	}
	if v, ok := raw.Get(attrMsExchMailboxGUID); ok {
		if g, err := parseGUID(v); err == nil {
			e.MailboxGUID = g
			e.HasMailboxGUID = true
		}
	}
	if v, ok := raw.Get(attrMsExchHideFromABook); ok {
		e.HideFromABook = strings.EqualFold(v, "TRUE")
	}
	if v, ok := raw.Get(attrSIPAddress); ok {
		e.SIPAddress = v
	}
	if v, ok := raw.Get(attrPrimaryGroupID); ok {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			n32 := int32(n)
			e.PrimaryGroupID = &n32
		}
	}
	if v, ok := raw.Get(attrPrimaryGroupToken); ok {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			n32 := int32(n)
			e.PrimaryGroupToken = &n32
		}
	}
	if manager, ok := raw.Get(attrManager); ok {
		e.ManagerDeferredDN = manager
	}
	e.DirectMembersDeferredDN = append(e.DirectMembersDeferredDN, raw.GetMulti(attrMember)...)

	for k, v := range raw.Attrs {
		if _, known := knownAttrs[k]; known {
			continue
		}
		e.OtherAttributesText[k] = v
	}

	e.LastObservedAt = time.Now().UTC()
	return e, nil
}

func attrString(raw *rawrecord.Record, name string) string {
	v, _ := raw.Get(name)
	return v
}

// parseGUID decodes a hex-encoded 16-byte objectGuid/mailboxGuid.
func parseGUID(s string) ([16]byte, error) {
	var out [16]byte
	b, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return out, err
	}
	if len(b) != 16 {
		return out, fmt.Errorf("store: guid must be 16 bytes, got %d", len(b))
	}
	copy(out[:], b)
	return out, nil
}

// fileTimeEpochOffsetTicks is the difference between the Windows FILETIME epoch
// (1601-01-01) and the Unix epoch, in 100-nanosecond ticks.
const fileTimeEpochOffsetTicks = 116444736000000000

// parseFileTime converts a directory FILETIME (100ns ticks since
// 1601-01-01) into a UTC time.Time. "Never" sentinels (0 or the maximum
// int64) and unparseable/empty values map to the zero time.
func parseFileTime(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	ticks, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || ticks <= 0 || ticks == 9223372036854775807 {
		return time.Time{}
	}
	unixTicks := ticks - fileTimeEpochOffsetTicks
	return time.Unix(0, unixTicks*100).UTC()
}

// parseProxyAddresses splits proxyAddresses entries into the primary
// email (an "SMTP:" uppercase-prefixed entry) and aliases (any entry,
// uppercase or lowercase prefix), per the teacher's mail-stack handling
// of Exchange's primary/secondary SMTP address convention.
func parseProxyAddresses(e *entity.Entity, addrs []string) {
	for _, addr := range addrs {
		const prefix = "smtp:"
		if len(addr) <= len(prefix) || !strings.EqualFold(addr[:len(prefix)], prefix) {
			continue
		}
		value := addr[len(prefix):]
		isPrimary := strings.HasPrefix(addr, "SMTP:")
		e.EmailAliases[value] = struct{}{}
		if isPrimary && e.Email == "" {
			e.Email = value
		}
	}
}

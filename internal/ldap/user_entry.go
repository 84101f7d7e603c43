package ldap

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-ldap/ldap/v3"
)

// UserEntry is one located user record. Setters only stage changes; Save
// persists them in a single modify.
type UserEntry interface {
	DN() string
	SAMAccountName() string

	// ExpirationDate returns the staged expiration if one is staged, the
	// persisted one otherwise. nil means the account never expires.
	ExpirationDate() *time.Time
	SetExpirationDate(t *time.Time)

	Attribute(ctx context.Context, name string) (AttributeSnapshot, error)
	SetAttribute(name string, value AttributeValue)
	RestoreAttribute(snapshot AttributeSnapshot)

	Save(ctx context.Context) error
}

type stagedExpiration struct {
	value *time.Time
}

type userEntry struct {
	dir *Directory
	dn  string
	sam string
	sid string

	guid       string
	expiration *time.Time
	attributes map[string]AttributeSnapshot // keyed by lower-cased name

	stagedExpiry *stagedExpiration
	staged       map[string]AttributeSnapshot
}

func newUserEntry(dir *Directory, entry *ldap.Entry) (*userEntry, error) {
	expiration, err := ParseFileTime(entry.GetAttributeValue(AccountExpiresAttribute))
	if err != nil {
		return nil, fmt.Errorf("entry %s: invalid %s: %w", entry.DN, AccountExpiresAttribute, err)
	}

	u := &userEntry{
		dir:        dir,
		dn:         entry.DN,
		sam:        entry.GetAttributeValue("sAMAccountName"),
		sid:        extractSID(entry),
		guid:       extractGUID(entry),
		expiration: expiration,
		attributes: make(map[string]AttributeSnapshot),
		staged:     make(map[string]AttributeSnapshot),
	}

	// keep preloaded attributes so Attribute doesn't reread them
	for _, name := range dir.extra {
		if hasAttribute(entry, name) {
			values := rawValues(entry, name)
			u.attributes[strings.ToLower(name)] = AttributeSnapshot{
				Name:    name,
				Values:  values,
				Present: len(values) > 0,
			}
		}
	}

	dir.logger.Trace("Loaded user entry", "dn", u.dn, "sid", u.sid, "guid", u.guid)
	return u, nil
}

func (u *userEntry) DN() string             { return u.dn }
func (u *userEntry) SAMAccountName() string { return u.sam }

func (u *userEntry) ExpirationDate() *time.Time {
	if u.stagedExpiry != nil {
		return u.stagedExpiry.value
	}
	return u.expiration
}

func (u *userEntry) SetExpirationDate(t *time.Time) {
	if sameInstant(t, u.expiration) {
		u.stagedExpiry = nil
		return
	}
	u.stagedExpiry = &stagedExpiration{value: copyTime(t)}
}

// Attribute returns the persisted value of name. It fails with
// ErrAttributeUnavailable when the schema doesn't define the attribute.
func (u *userEntry) Attribute(ctx context.Context, name string) (AttributeSnapshot, error) {
	def, known, err := u.dir.schema.Lookup(ctx, name)
	if err != nil {
		return AttributeSnapshot{}, err
	}
	if known && def == nil {
		return AttributeSnapshot{}, fmt.Errorf("%w: %s is not defined in the directory schema", ErrAttributeUnavailable, name)
	}

	key := strings.ToLower(name)
	snap, ok := u.attributes[key]
	if !ok {
		values, err := u.dir.readAttribute(ctx, u.dn, name)
		if err != nil {
			return AttributeSnapshot{}, err
		}
		snap = AttributeSnapshot{Name: name, Values: values, Present: len(values) > 0}
	}

	// an absent value is written as a plain string unless the name is logonHours
	switch {
	case !snap.Present:
		snap.Binary = false
	case known:
		snap.Binary = def.Binary()
	default:
		snap.Binary = !allUTF8(snap.Values)
	}

	u.attributes[key] = snap
	return snap, nil
}

func (u *userEntry) SetAttribute(name string, value AttributeValue) {
	snap := AttributeSnapshot{Name: name, Binary: value.IsBinary()}
	if !value.IsClear() {
		snap.Values = [][]byte{value.Bytes()}
		snap.Present = true
	}
	u.stage(snap)
}

func (u *userEntry) RestoreAttribute(snapshot AttributeSnapshot) {
	u.stage(snapshot)
}

func (u *userEntry) stage(snap AttributeSnapshot) {
	key := strings.ToLower(snap.Name)
	if persisted, ok := u.attributes[key]; ok && persisted.Equal(snap) {
		delete(u.staged, key)
		return
	}
	u.staged[key] = snap
}

// Save writes every staged change in one modify. Nothing staged means no
// request. On failure the staged changes are kept and the persisted view is
// left as it was.
func (u *userEntry) Save(ctx context.Context) error {
	req := u.modifyRequest()
	if req.IsEmpty() {
		return nil
	}

	names := slices.Sorted(maps.Keys(req.ReplaceAttributes))
	start := time.Now()
	if err := u.dir.client.Modify(ctx, req); err != nil {
		if isUndefinedAttribute(err) {
			err = fmt.Errorf("%w: %w", ErrAttributeUnavailable, err)
		}
		return &DirectoryWriteError{DN: u.dn, Attributes: names, Err: err}
	}

	if u.stagedExpiry != nil {
		u.expiration = u.stagedExpiry.value
		u.stagedExpiry = nil
	}
	for key, snap := range u.staged {
		prev := u.attributes[key]
		snap.Binary = prev.Binary || snap.Binary
		u.attributes[key] = snap
	}
	clear(u.staged)

	u.dir.logger.Debug("Saved user entry",
		"dn", u.dn,
		"attributes", names,
		"duration_ms", time.Since(start).Milliseconds())
	return nil
}

func (u *userEntry) modifyRequest() *ModifyRequest {
	req := &ModifyRequest{DN: u.dn, ReplaceAttributes: make(map[string][]string)}

	if u.stagedExpiry != nil {
		req.ReplaceAttributes[AccountExpiresAttribute] = []string{FormatFileTime(u.stagedExpiry.value)}
	}
	for _, snap := range u.staged {
		values := make([]string, 0, len(snap.Values))
		for _, v := range snap.Values {
			values = append(values, string(v))
		}
		req.ReplaceAttributes[snap.Name] = values
	}
	return req
}

func isUndefinedAttribute(err error) bool {
	var ldapErr *LDAPError
	if !errors.As(err, &ldapErr) {
		return false
	}
	return ldapErr.LDAPCode == ldap.LDAPResultUndefinedAttributeType ||
		ldapErr.LDAPCode == ldap.LDAPResultNoSuchAttribute
}

func allUTF8(values [][]byte) bool {
	for _, v := range values {
		if !utf8.Valid(v) {
			return false
		}
	}
	return true
}

func sameInstant(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

package blocking

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/isometry/adblocker/internal/ldap"
)

// fakeUser is an in-memory ldap.UserEntry with the same staging rules as
// the directory implementation.
type fakeUser struct {
	expiration *time.Time
	attributes map[string]ldap.AttributeSnapshot

	stagedExpiration *time.Time
	expirationStaged bool
	staged           map[string]ldap.AttributeSnapshot

	saves       int
	failSave    []error // consumed one per Save call that writes
	attributeFn func(name string) error
	history     []map[string]string
}

func newFakeUser(expiration *time.Time) *fakeUser {
	return &fakeUser{
		expiration: expiration,
		attributes: map[string]ldap.AttributeSnapshot{},
		staged:     map[string]ldap.AttributeSnapshot{},
	}
}

func (f *fakeUser) withAttribute(name string, value []byte, binary bool) *fakeUser {
	f.attributes[strings.ToLower(name)] = ldap.AttributeSnapshot{Name: name, Values: [][]byte{value}, Binary: binary, Present: true}
	return f
}

func (f *fakeUser) DN() string             { return "CN=John Doe,OU=Users,DC=corp,DC=example,DC=com" }
func (f *fakeUser) SAMAccountName() string { return "jdoe" }

func (f *fakeUser) ExpirationDate() *time.Time {
	if f.expirationStaged {
		return f.stagedExpiration
	}
	return f.expiration
}

func (f *fakeUser) SetExpirationDate(t *time.Time) {
	if (t == nil && f.expiration == nil) || (t != nil && f.expiration != nil && t.Equal(*f.expiration)) {
		f.expirationStaged = false
		f.stagedExpiration = nil
		return
	}
	f.expirationStaged = true
	f.stagedExpiration = t
}

func (f *fakeUser) Attribute(_ context.Context, name string) (ldap.AttributeSnapshot, error) {
	if f.attributeFn != nil {
		if err := f.attributeFn(name); err != nil {
			return ldap.AttributeSnapshot{}, err
		}
	}
	if snap, ok := f.attributes[strings.ToLower(name)]; ok {
		return snap, nil
	}
	return ldap.AttributeSnapshot{Name: name}, nil
}

func (f *fakeUser) SetAttribute(name string, value ldap.AttributeValue) {
	snap := ldap.AttributeSnapshot{Name: name, Binary: value.IsBinary()}
	if !value.IsClear() {
		snap.Values = [][]byte{value.Bytes()}
		snap.Present = true
	}
	f.stage(snap)
}

func (f *fakeUser) RestoreAttribute(snap ldap.AttributeSnapshot) { f.stage(snap) }

func (f *fakeUser) stage(snap ldap.AttributeSnapshot) {
	key := strings.ToLower(snap.Name)
	if persisted, ok := f.attributes[key]; ok && persisted.Equal(snap) {
		delete(f.staged, key)
		return
	}
	f.staged[key] = snap
}

func (f *fakeUser) Save(_ context.Context) error {
	if !f.expirationStaged && len(f.staged) == 0 {
		return nil
	}

	f.saves++
	if len(f.failSave) > 0 {
		err := f.failSave[0]
		f.failSave = f.failSave[1:]
		if err != nil {
			return &ldap.DirectoryWriteError{DN: f.DN(), Err: err}
		}
	}

	if f.expirationStaged {
		f.expiration = f.stagedExpiration
		f.expirationStaged = false
		f.stagedExpiration = nil
	}
	for key, snap := range f.staged {
		f.attributes[key] = snap
	}
	clear(f.staged)

	f.history = append(f.history, f.state())
	return nil
}

// state renders persisted values for assertions.
func (f *fakeUser) state() map[string]string {
	out := map[string]string{}
	if f.expiration != nil {
		out["accountExpires"] = f.expiration.UTC().Format(time.RFC3339)
	} else {
		out["accountExpires"] = "never"
	}
	for key, snap := range f.attributes {
		out[key] = snap.String()
	}
	return out
}

type fakeValidator struct {
	valid bool
	err   error
	calls []string

	// observe sees the user while credentials are checked
	observe func()
}

func (v *fakeValidator) ValidateCredentials(_ context.Context, username, password string) (bool, error) {
	v.calls = append(v.calls, username+":"+password)
	if v.observe != nil {
		v.observe()
	}
	return v.valid, v.err
}

var errWrite = errors.New("insufficient access rights")

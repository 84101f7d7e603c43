package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	goldap "github.com/go-ldap/ldap/v3"

	"github.com/isometry/adblocker/internal/ldap"
	"github.com/isometry/adblocker/internal/workflow"
)

const (
	testBaseDN   = "DC=corp,DC=example,DC=com"
	testSchemaDN = "CN=Schema,CN=Configuration,DC=corp,DC=example,DC=com"
)

// fakeAPI is an in-memory remote workflow service.
type fakeAPI struct {
	usersToBlock  []workflow.BlockRequest
	blockedLogins []workflow.BlockedLoginRequest
	unblocks      []workflow.UnblockRequest

	listErr      map[string]error
	reportErr    map[string]error
	heartbeatErr error

	calls          []string
	blockResults   []workflow.BlockResult
	loginResults   []workflow.RequestResult
	unblockResults []workflow.RequestResult
}

func (f *fakeAPI) UsersToBlock(context.Context) ([]workflow.BlockRequest, error) {
	f.calls = append(f.calls, "GET userstoblock")
	return f.usersToBlock, f.listErr[StageBlock]
}

func (f *fakeAPI) ReportBlock(_ context.Context, r workflow.BlockResult) error {
	f.calls = append(f.calls, "POST block")
	if err := f.reportErr[StageBlock]; err != nil {
		return err
	}
	f.blockResults = append(f.blockResults, r)
	return nil
}

func (f *fakeAPI) BlockedLoginRequests(context.Context) ([]workflow.BlockedLoginRequest, error) {
	f.calls = append(f.calls, "GET blockedloginrequests")
	return f.blockedLogins, f.listErr[StageValidate]
}

func (f *fakeAPI) ReportBlockedLogin(_ context.Context, r workflow.RequestResult) error {
	f.calls = append(f.calls, "PUT blockedloginrequests")
	if err := f.reportErr[StageValidate]; err != nil {
		return err
	}
	f.loginResults = append(f.loginResults, r)
	return nil
}

func (f *fakeAPI) UnblockRequests(context.Context) ([]workflow.UnblockRequest, error) {
	f.calls = append(f.calls, "GET unblockuserrequests")
	return f.unblocks, f.listErr[StageUnblock]
}

func (f *fakeAPI) ReportUnblock(_ context.Context, r workflow.RequestResult) error {
	f.calls = append(f.calls, "PUT unblockuserrequests")
	if err := f.reportErr[StageUnblock]; err != nil {
		return err
	}
	f.unblockResults = append(f.unblockResults, r)
	return nil
}

func (f *fakeAPI) Heartbeat(context.Context) error {
	f.calls = append(f.calls, "POST taskruntime")
	return f.heartbeatErr
}

// memClient is an in-memory ldap.Client holding a handful of users and a
// minimal attribute schema.
type memClient struct {
	mu sync.Mutex

	// users keyed by sAMAccountName
	users     map[string]*memUser
	syntaxes  map[string]string // lDAPDisplayName -> attributeSyntax
	passwords map[string]string // bind name -> password

	modifyErr error
	modifies  []*ldap.ModifyRequest

	// onAuthenticate sees the directory while a bind is in progress
	onAuthenticate func()
}

type memUser struct {
	dn    string
	attrs map[string][]byte
}

func newMemClient() *memClient {
	return &memClient{
		users: map[string]*memUser{},
		syntaxes: map[string]string{
			"logonHours":          "2.5.5.10",
			"extensionAttribute1": "2.5.5.12",
			"accountExpires":      "2.5.5.16",
		},
		passwords: map[string]string{},
	}
}

func (c *memClient) addUser(sam, password string, attrs map[string][]byte) *memClient {
	if attrs == nil {
		attrs = map[string][]byte{}
	}
	attrs["sAMAccountName"] = []byte(sam)
	c.users[strings.ToLower(sam)] = &memUser{
		dn:    fmt.Sprintf("CN=%s,OU=Users,%s", sam, testBaseDN),
		attrs: attrs,
	}
	c.passwords[sam+"@corp.example.com"] = password
	return c
}

// value returns the stored attribute of sam as a string.
func (c *memClient) value(sam, attr string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	u := c.users[strings.ToLower(sam)]
	for name, v := range u.attrs {
		if strings.EqualFold(name, attr) {
			return string(v)
		}
	}
	return ""
}

// expiration decodes the stored accountExpires of sam.
func (c *memClient) expiration(sam string) *time.Time {
	t, err := ldap.ParseFileTime(c.value(sam, ldap.AccountExpiresAttribute))
	if err != nil {
		panic(err)
	}
	return t
}

func (c *memClient) Connect(context.Context) error { return nil }
func (c *memClient) Close() error                  { return nil }
func (c *memClient) Ping(context.Context) error    { return nil }
func (c *memClient) Stats() ldap.PoolStats         { return ldap.PoolStats{} }

func (c *memClient) GetBaseDN(context.Context) (string, error) { return testBaseDN, nil }

func (c *memClient) GetServerInfo(context.Context) (map[string]string, error) {
	return map[string]string{
		"defaultNamingContext": testBaseDN,
		"schemaNamingContext":  testSchemaDN,
	}, nil
}

func (c *memClient) Authenticate(_ context.Context, bindName, password string) error {
	if c.onAuthenticate != nil {
		c.onAuthenticate()
	}

	c.mu.Lock()
	want, ok := c.passwords[bindName]
	c.mu.Unlock()
	if !ok || want != password {
		return ldap.NewLDAPError("bind", goldap.NewError(goldap.LDAPResultInvalidCredentials, errors.New("80090308: LdapErr: DSID-0C09041C")))
	}
	return nil
}

func (c *memClient) Search(_ context.Context, req *ldap.SearchRequest) (*ldap.SearchResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if req.BaseDN == testSchemaDN {
		for name, syntax := range c.syntaxes {
			if strings.Contains(strings.ToLower(req.Filter), "(ldapdisplayname="+strings.ToLower(name)+")") {
				entry := goldap.NewEntry("CN="+name+","+testSchemaDN, map[string][]string{
					"lDAPDisplayName": {name},
					"attributeSyntax": {syntax},
				})
				return &ldap.SearchResult{Entries: []*goldap.Entry{entry}, Total: 1}, nil
			}
		}
		return &ldap.SearchResult{}, nil
	}

	var matched []*memUser
	for sam, u := range c.users {
		switch {
		case req.Scope == ldap.ScopeBaseObject && strings.EqualFold(req.BaseDN, u.dn):
			matched = append(matched, u)
		case req.Scope != ldap.ScopeBaseObject && strings.Contains(strings.ToLower(req.Filter), "(samaccountname="+sam+")"):
			matched = append(matched, u)
		}
	}

	result := &ldap.SearchResult{}
	for _, u := range matched {
		entry := &goldap.Entry{DN: u.dn}
		for _, want := range req.Attributes {
			for name, v := range u.attrs {
				if strings.EqualFold(name, want) {
					entry.Attributes = append(entry.Attributes, &goldap.EntryAttribute{
						Name:       name,
						Values:     []string{string(v)},
						ByteValues: [][]byte{v},
					})
				}
			}
		}
		result.Entries = append(result.Entries, entry)
	}
	result.Total = len(result.Entries)
	return result, nil
}

func (c *memClient) Modify(_ context.Context, req *ldap.ModifyRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.modifies = append(c.modifies, req)
	if c.modifyErr != nil {
		return ldap.NewLDAPError("modify", c.modifyErr)
	}

	for _, u := range c.users {
		if !strings.EqualFold(u.dn, req.DN) {
			continue
		}
		for name, values := range req.ReplaceAttributes {
			for existing := range u.attrs {
				if strings.EqualFold(existing, name) {
					delete(u.attrs, existing)
				}
			}
			if len(values) > 0 {
				u.attrs[name] = []byte(values[0])
			}
		}
		return nil
	}
	return ldap.NewLDAPError("modify", goldap.NewError(goldap.LDAPResultNoSuchObject, errors.New("no such object")))
}

type fakeReporter struct {
	errs []error
	tags [][]string
}

func (r *fakeReporter) Report(_ context.Context, err error, tags ...string) {
	r.errs = append(r.errs, err)
	r.tags = append(r.tags, tags)
}

type fakeMetrics struct {
	items       map[string]int
	stages      map[string]error
	lastSuccess time.Time
}

func newFakeMetrics() *fakeMetrics {
	return &fakeMetrics{items: map[string]int{}, stages: map[string]error{}}
}

func (m *fakeMetrics) ObserveItem(stage, outcome string) { m.items[stage+"/"+outcome]++ }

func (m *fakeMetrics) ObserveStage(stage string, _ time.Duration, err error) { m.stages[stage] = err }

func (m *fakeMetrics) MarkSuccess(t time.Time) { m.lastSuccess = t }

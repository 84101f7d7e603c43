package ldap

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/go-hclog"
)

// DirectoryConfig configures a Directory.
type DirectoryConfig struct {
	// BaseDN scopes user searches; read from the root DSE when empty.
	BaseDN string

	// Domain is appended to bare usernames when validating credentials.
	// Derived from BaseDN when empty.
	Domain string

	// SchemaDN overrides the root DSE schemaNamingContext.
	SchemaDN string

	// Attributes are fetched with every user lookup, in addition to the
	// identity and expiration attributes.
	Attributes []string

	Timeout time.Duration
}

// Directory locates user entries and validates their credentials.
type Directory struct {
	client  Client
	schema  *SchemaResolver
	baseDN  string
	domain  string
	extra   []string
	timeout time.Duration
	logger  hclog.Logger
}

// NewDirectory creates a Directory, reading the base DN from the root DSE
// when it isn't configured.
func NewDirectory(ctx context.Context, client Client, cfg DirectoryConfig, logger hclog.Logger) (*Directory, error) {
	if client == nil {
		return nil, fmt.Errorf("LDAP client cannot be nil")
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	baseDN := cfg.BaseDN
	if baseDN == "" {
		discovered, err := client.GetBaseDN(ctx)
		if err != nil {
			return nil, err
		}
		baseDN = discovered
		logger.Debug("Discovered base DN", "base_dn", baseDN)
	}

	domain := cfg.Domain
	if domain == "" {
		domain = DomainFromBaseDN(baseDN)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Directory{
		client:  client,
		schema:  NewSchemaResolver(client, cfg.SchemaDN, logger.Named("schema")),
		baseDN:  baseDN,
		domain:  domain,
		extra:   cfg.Attributes,
		timeout: timeout,
		logger:  logger,
	}, nil
}

// BaseDN returns the search base in use.
func (d *Directory) BaseDN() string {
	return d.baseDN
}

// FindUser locates the user for identity, which may be a DN, GUID, SID, UPN,
// DOMAIN\sAMAccountName or bare sAMAccountName.
func (d *Directory) FindUser(ctx context.Context, identity string) (UserEntry, error) {
	if strings.TrimSpace(identity) == "" {
		return nil, fmt.Errorf("user identifier cannot be empty")
	}

	q, err := buildIdentityQuery(identity, d.baseDN)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	result, err := d.client.Search(ctx, &SearchRequest{
		BaseDN:     q.baseDN,
		Scope:      q.scope,
		Filter:     q.filter,
		Attributes: d.userAttributes(),
		SizeLimit:  2,
		TimeLimit:  d.timeout,
	})
	if err != nil {
		return nil, WrapError("find_user", err)
	}

	d.logger.Debug("User lookup completed",
		"identity", identity,
		"identifier_type", q.idType.String(),
		"entries_found", len(result.Entries),
		"duration_ms", time.Since(start).Milliseconds())

	switch len(result.Entries) {
	case 0:
		return nil, fmt.Errorf("%w: %s", ErrUserNotFound, identity)
	case 1:
		return newUserEntry(d, result.Entries[0])
	default:
		return nil, fmt.Errorf("identity %s matches more than one user", identity)
	}
}

// ValidateCredentials reports whether password is correct for username,
// binding on a dedicated connection as username@domain. Wrong credentials
// return false with a nil error; anything else is an error.
func (d *Directory) ValidateCredentials(ctx context.Context, username, password string) (bool, error) {
	if password == "" {
		// an empty simple bind is an anonymous bind and would always succeed
		return false, nil
	}

	bindName := d.bindName(username)
	err := d.client.Authenticate(ctx, bindName, password)
	switch {
	case err == nil:
		return true, nil
	case IsInvalidCredentialsError(err):
		d.logger.Debug("Credentials rejected", "bind_name", bindName)
		return false, nil
	default:
		return false, fmt.Errorf("failed to validate credentials for %s: %w", username, err)
	}
}

// bindName qualifies a bare username with the directory domain.
func (d *Directory) bindName(username string) string {
	username = BareUsername(username)
	if strings.Contains(username, "@") || d.domain == "" {
		return username
	}
	return username + "@" + d.domain
}

// readAttribute fetches the values of a single attribute from dn.
func (d *Directory) readAttribute(ctx context.Context, dn, name string) ([][]byte, error) {
	result, err := d.client.Search(ctx, &SearchRequest{
		BaseDN:     dn,
		Scope:      ScopeBaseObject,
		Filter:     "(objectClass=*)",
		Attributes: []string{name},
		SizeLimit:  1,
		TimeLimit:  d.timeout,
	})
	if err != nil {
		return nil, WrapError("read_attribute", err)
	}
	if len(result.Entries) == 0 {
		return nil, fmt.Errorf("%w: entry %s disappeared", ErrUserNotFound, dn)
	}
	return rawValues(result.Entries[0], name), nil
}

func (d *Directory) userAttributes() []string {
	attrs := []string{"sAMAccountName", "userPrincipalName", "objectGUID", "objectSid", AccountExpiresAttribute}
	return append(attrs, d.extra...)
}

// DomainFromBaseDN turns DC=corp,DC=example,DC=com into corp.example.com.
func DomainFromBaseDN(baseDN string) string {
	parsed, err := ldap.ParseDN(baseDN)
	if err != nil {
		return ""
	}

	var labels []string
	for _, rdn := range parsed.RDNs {
		for _, attr := range rdn.Attributes {
			if strings.EqualFold(attr.Type, "DC") {
				labels = append(labels, attr.Value)
			}
		}
	}
	return strings.Join(labels, ".")
}

// rawValues returns the octets of attribute name on entry, matching the
// name case-insensitively.
func rawValues(entry *ldap.Entry, name string) [][]byte {
	for _, attr := range entry.Attributes {
		if strings.EqualFold(attr.Name, name) {
			return attr.ByteValues
		}
	}
	return nil
}

// hasAttribute reports whether the search returned name at all.
func hasAttribute(entry *ldap.Entry, name string) bool {
	for _, attr := range entry.Attributes {
		if strings.EqualFold(attr.Name, name) {
			return true
		}
	}
	return false
}

// IsUserNotFound reports whether err means the identity didn't resolve.
func IsUserNotFound(err error) bool {
	return errors.Is(err, ErrUserNotFound)
}

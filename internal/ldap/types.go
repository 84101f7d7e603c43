package ldap

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-ldap/ldap/v3"
)

// ConnectionConfig holds configuration for LDAP connections.
type ConnectionConfig struct {
	// Connection settings
	Domain   string   // Domain for SRV discovery and bare-name binds
	LDAPURLs []string // Direct LDAP URLs (overrides domain)
	BaseDN   string   // Base DN for searches, discovered from the root DSE when empty

	// Timeout bounds dialing and each request.
	Timeout time.Duration `default:"30s"`

	// Authentication settings
	Username       string // Service account (DN, UPN, or DOMAIN\user)
	Password       string // Password for simple bind authentication
	KerberosRealm  string // Kerberos realm for GSSAPI authentication
	KerberosKeytab string // Path to Kerberos keytab file
	KerberosConfig string // Path to Kerberos config file (krb5.conf)
	KerberosCCache string // Path to Kerberos credential cache
	KerberosSPN    string // Explicit service principal, overrides ldap/<host>

	// TLS settings
	TLSConfig     *tls.Config // Custom TLS configuration
	SkipTLSVerify bool        // Skip certificate verification (not recommended)

	// UseTLS issues StartTLS on plain ldap:// servers.
	UseTLS bool `default:"true"`

	// Pool settings
	MaxConnections int           `default:"2"`
	MaxIdleTime    time.Duration `default:"5m"`
}

// DefaultConfig returns a secure default configuration.
func DefaultConfig() *ConnectionConfig {
	cfg := &ConnectionConfig{}
	if err := defaults.Set(cfg); err != nil {
		panic(fmt.Sprintf("ldap: invalid connection defaults: %v", err))
	}
	cfg.TLSConfig = &tls.Config{
		MinVersion: tls.VersionTLS12,
	}
	return cfg
}

// PooledConnection represents a connection in the pool.
type PooledConnection struct {
	conn          *ldap.Conn
	lastUsed      time.Time
	healthy       bool
	authenticated bool
	serverInfo    *ServerInfo
	returnToPool  func(*PooledConnection)
}

// ServerInfo contains information about an LDAP server.
type ServerInfo struct {
	Host     string
	Port     int
	UseTLS   bool
	Priority int
	Weight   int
	Source   string // "srv", "config", "fallback"
}

// ConnectionPool manages a pool of service-bound LDAP connections.
type ConnectionPool interface {
	// Get retrieves an authenticated connection from the pool.
	Get(ctx context.Context) (*PooledConnection, error)

	// Dial opens a new connection that is neither authenticated nor pooled.
	// The caller owns it and must close it.
	Dial(ctx context.Context) (*ldap.Conn, error)

	// Close closes all connections and shuts down the pool.
	Close() error

	// Stats returns pool statistics.
	Stats() PoolStats
}

// PoolStats provides statistics about the connection pool.
type PoolStats struct {
	Idle    int           // Idle connections
	Active  int64         // Active (in-use) connections
	Created int64         // Total connections created
	Errors  int64         // Total connection errors
	Uptime  time.Duration // Pool uptime
}

// Client provides high-level LDAP operations.
type Client interface {
	// Connection management
	Connect(ctx context.Context) error
	Close() error

	// Authenticate binds bindName/password on a dedicated connection.
	Authenticate(ctx context.Context, bindName, password string) error

	// Basic operations
	Search(ctx context.Context, req *SearchRequest) (*SearchResult, error)
	Modify(ctx context.Context, req *ModifyRequest) error

	// Root DSE
	GetBaseDN(ctx context.Context) (string, error)
	GetServerInfo(ctx context.Context) (map[string]string, error)

	// Health and statistics
	Ping(ctx context.Context) error
	Stats() PoolStats
}

// SearchRequest encapsulates LDAP search parameters.
type SearchRequest struct {
	BaseDN     string
	Scope      SearchScope
	Filter     string
	Attributes []string
	SizeLimit  int
	TimeLimit  time.Duration
}

// SearchResult contains search results and metadata.
type SearchResult struct {
	Entries []*ldap.Entry
	Total   int
}

// ModifyRequest encapsulates LDAP modify parameters. Values are raw octets
// carried in strings, so binary attributes survive unchanged. A replace with
// no values removes the attribute.
type ModifyRequest struct {
	DN                string
	ReplaceAttributes map[string][]string
}

// IsEmpty reports whether the request carries no changes.
func (r *ModifyRequest) IsEmpty() bool {
	return r == nil || len(r.ReplaceAttributes) == 0
}

// SearchScope defines LDAP search scope.
type SearchScope int

const (
	ScopeBaseObject SearchScope = iota
	ScopeSingleLevel
	ScopeWholeSubtree
)

func (s SearchScope) String() string {
	switch s {
	case ScopeBaseObject:
		return "base"
	case ScopeSingleLevel:
		return "one"
	case ScopeWholeSubtree:
		return "sub"
	default:
		return "unknown"
	}
}

// AuthMethod defines authentication method types.
type AuthMethod int

const (
	AuthMethodSimpleBind AuthMethod = iota // Username/password authentication
	AuthMethodKerberos                     // GSSAPI/Kerberos authentication
)

// String returns string representation of authentication method.
func (a AuthMethod) String() string {
	switch a {
	case AuthMethodSimpleBind:
		return "simple"
	case AuthMethodKerberos:
		return "kerberos"
	default:
		return "unknown"
	}
}

// GetAuthMethod determines the authentication method from the configuration.
func (c *ConnectionConfig) GetAuthMethod() AuthMethod {
	// Kerberos authentication takes precedence
	if c.KerberosRealm != "" && (c.KerberosKeytab != "" || c.KerberosCCache != "" || c.Username != "") {
		return AuthMethodKerberos
	}
	return AuthMethodSimpleBind
}

// HasAuthentication checks if any authentication method is configured.
func (c *ConnectionConfig) HasAuthentication() bool {
	hasPassword := c.Username != "" && c.Password != ""
	hasKerberos := c.GetAuthMethod() == AuthMethodKerberos

	return hasPassword || hasKerberos
}

// ConnectionError represents connection-related errors.
type ConnectionError struct {
	message string
	cause   error
}

func (e *ConnectionError) Error() string {
	if e.cause != nil {
		return e.message + ": " + e.cause.Error()
	}
	return e.message
}

func (e *ConnectionError) Unwrap() error {
	return e.cause
}

// NewConnectionError creates a new connection error.
func NewConnectionError(message string, cause error) *ConnectionError {
	return &ConnectionError{
		message: message,
		cause:   cause,
	}
}

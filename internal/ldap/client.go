package ldap

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/go-hclog"
)

// client implements the Client interface.
type client struct {
	pool   ConnectionPool
	config *ConnectionConfig
	logger hclog.Logger
}

// NewClient creates a new LDAP client with connection pooling.
func NewClient(ctx context.Context, config *ConnectionConfig, logger hclog.Logger) (Client, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	logger.Debug("Creating new LDAP client",
		"domain", config.Domain,
		"ldap_urls_count", len(config.LDAPURLs),
		"auth_method", config.GetAuthMethod().String(),
		"use_tls", config.UseTLS,
		"max_connections", config.MaxConnections)

	start := time.Now()
	pool, err := NewConnectionPool(ctx, config, logger.Named("pool"))
	if err != nil {
		logger.Error("Failed to create connection pool", "error", err, "duration_ms", time.Since(start).Milliseconds())
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	return newClientWithPool(pool, config, logger), nil
}

func newClientWithPool(pool ConnectionPool, config *ConnectionConfig, logger hclog.Logger) *client {
	return &client{
		pool:   pool,
		config: config,
		logger: logger,
	}
}

// Connect tests that an authenticated connection can be established.
func (c *client) Connect(ctx context.Context) error {
	return LogOperation(c.logger, "connection_test", map[string]any{
		"domain": c.config.Domain,
	}, func() error {
		conn, err := c.pool.Get(ctx)
		if err != nil {
			return fmt.Errorf("connection test failed: %w", err)
		}
		defer conn.Close()

		if err := c.ping(conn); err != nil {
			conn.MarkUnhealthy()
			return err
		}
		return nil
	})
}

// Close closes the client and all its connections.
func (c *client) Close() error {
	return c.pool.Close()
}

// Authenticate binds bindName/password on a connection of its own so that the
// pooled service binds are never replaced by end-user credentials.
func (c *client) Authenticate(ctx context.Context, bindName, password string) error {
	conn, err := c.pool.Dial(ctx)
	if err != nil {
		return fmt.Errorf("failed to open authentication connection: %w", err)
	}
	defer conn.Close()

	start := time.Now()
	err = conn.Bind(bindName, password)
	c.logger.Debug("Credential bind completed",
		"bind_name", bindName,
		"success", err == nil,
		"duration_ms", time.Since(start).Milliseconds())
	if err != nil {
		return NewLDAPError("bind", err)
	}
	return nil
}

// Search performs an LDAP search.
func (c *client) Search(ctx context.Context, req *SearchRequest) (*SearchResult, error) {
	if req == nil {
		return nil, fmt.Errorf("search request cannot be nil")
	}

	fields := map[string]any{
		"base_dn":    req.BaseDN,
		"scope":      req.Scope.String(),
		"filter":     req.Filter,
		"attributes": req.Attributes,
	}

	start := time.Now()
	conn, err := c.pool.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	ldapReq := ldap.NewSearchRequest(
		req.BaseDN,
		int(req.Scope),
		ldap.NeverDerefAliases,
		req.SizeLimit,
		int(req.TimeLimit.Seconds()),
		false,
		req.Filter,
		req.Attributes,
		nil,
	)

	result, err := conn.Conn().Search(ldapReq)
	if err != nil && result != nil && ldap.IsErrorWithCode(err, ldap.LDAPResultSizeLimitExceeded) {
		// the entries up to the limit are still returned
		err = nil
	}
	if err != nil {
		if ldap.IsErrorWithCode(err, ldap.ErrorNetwork) {
			conn.MarkUnhealthy()
		}
		if ldap.IsErrorWithCode(err, ldap.LDAPResultNoSuchObject) {
			return &SearchResult{}, nil
		}
		LogLDAPError(c.logger, "search", err, fields)
		return nil, WrapError("search", err)
	}

	fields["entries_found"] = len(result.Entries)
	fields["duration_ms"] = time.Since(start).Milliseconds()
	c.logger.Trace("Search completed", fieldArgs(fields)...)

	return &SearchResult{
		Entries: result.Entries,
		Total:   len(result.Entries),
	}, nil
}

// Modify modifies an existing LDAP entry.
func (c *client) Modify(ctx context.Context, req *ModifyRequest) error {
	if req == nil {
		return fmt.Errorf("modify request cannot be nil")
	}
	if req.DN == "" {
		return fmt.Errorf("DN cannot be empty")
	}

	conn, err := c.pool.Get(ctx)
	if err != nil {
		return fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	if err := conn.Conn().Modify(buildModifyRequest(req)); err != nil {
		if ldap.IsErrorWithCode(err, ldap.ErrorNetwork) {
			conn.MarkUnhealthy()
		}
		LogLDAPError(c.logger, "modify", err, map[string]any{"dn": req.DN})
		ldapErr := NewLDAPError("modify", err)
		ldapErr.DN = req.DN
		return ldapErr
	}
	return nil
}

// buildModifyRequest converts a ModifyRequest to its go-ldap form.
func buildModifyRequest(req *ModifyRequest) *ldap.ModifyRequest {
	ldapReq := ldap.NewModifyRequest(req.DN, nil)

	for _, attr := range slices.Sorted(maps.Keys(req.ReplaceAttributes)) {
		ldapReq.Replace(attr, req.ReplaceAttributes[attr])
	}

	return ldapReq
}

// Ping tests connectivity to the LDAP server.
func (c *client) Ping(ctx context.Context) error {
	conn, err := c.pool.Get(ctx)
	if err != nil {
		return fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	return c.ping(conn)
}

// ping reads the root DSE.
func (c *client) ping(conn *PooledConnection) error {
	searchReq := ldap.NewSearchRequest(
		"",
		ldap.ScopeBaseObject,
		ldap.NeverDerefAliases,
		1, 5, false,
		"(objectClass=*)",
		[]string{"defaultNamingContext"},
		nil,
	)

	_, err := conn.Conn().Search(searchReq)
	return err
}

// Stats returns pool statistics.
func (c *client) Stats() PoolStats {
	return c.pool.Stats()
}

// GetBaseDN retrieves the base DN from the root DSE.
func (c *client) GetBaseDN(ctx context.Context) (string, error) {
	info, err := c.GetServerInfo(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to get base DN: %w", err)
	}

	baseDN := info["defaultNamingContext"]
	if baseDN == "" {
		return "", fmt.Errorf("no defaultNamingContext found in root DSE")
	}

	return baseDN, nil
}

// GetServerInfo retrieves the naming contexts and host name from the root DSE.
func (c *client) GetServerInfo(ctx context.Context) (map[string]string, error) {
	searchReq := &SearchRequest{
		BaseDN: "",
		Scope:  ScopeBaseObject,
		Filter: "(objectClass=*)",
		Attributes: []string{
			"defaultNamingContext",
			"schemaNamingContext",
			"configurationNamingContext",
			"rootDomainNamingContext",
			"dnsHostName",
		},
		SizeLimit: 1,
		TimeLimit: 10 * time.Second,
	}

	result, err := c.Search(ctx, searchReq)
	if err != nil {
		return nil, fmt.Errorf("failed to get server info: %w", err)
	}

	if len(result.Entries) == 0 {
		return nil, fmt.Errorf("no root DSE found")
	}

	info := make(map[string]string)
	entry := result.Entries[0]

	for _, attr := range searchReq.Attributes {
		if value := entry.GetAttributeValue(attr); value != "" {
			info[attr] = value
		}
	}

	return info, nil
}

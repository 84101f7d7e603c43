package ldap

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/go-hclog"
)

// MaxConnectionPoolLimit is the maximum allowed connections in a pool.
const MaxConnectionPoolLimit = 20

// connectionPool implements ConnectionPool interface.
type connectionPool struct {
	logger      hclog.Logger
	config      *ConnectionConfig
	servers     []*ServerInfo
	connections chan *PooledConnection
	mu          sync.RWMutex
	closed      bool
	discovery   *SRVDiscovery

	// dial opens a raw connection; replaced in tests.
	dial func(ctx context.Context, server *ServerInfo) (*ldap.Conn, error)

	// Statistics
	activeConns  int64
	totalCreated int64
	totalErrors  int64
	startTime    time.Time
}

// NewConnectionPool creates a new connection pool and resolves its servers.
func NewConnectionPool(ctx context.Context, config *ConnectionConfig, logger hclog.Logger) (ConnectionPool, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	pool := &connectionPool{
		logger:      logger,
		config:      config,
		connections: make(chan *PooledConnection, config.MaxConnections),
		discovery:   NewSRVDiscovery(logger),
		startTime:   time.Now(),
	}
	pool.dial = pool.dialServer

	if err := pool.discoverServers(ctx); err != nil {
		return nil, fmt.Errorf("server discovery failed: %w", err)
	}

	logger.Debug("Connection pool created", "server_count", len(pool.servers), "max_connections", config.MaxConnections)
	return pool, nil
}

// discoverServers resolves configured URLs, or the domain via SRV records.
func (p *connectionPool) discoverServers(ctx context.Context) error {
	var servers []*ServerInfo

	switch {
	case len(p.config.LDAPURLs) > 0:
		for _, u := range p.config.LDAPURLs {
			server, err := ParseLDAPURL(u)
			if err != nil {
				return fmt.Errorf("invalid LDAP URL %s: %w", u, err)
			}
			servers = append(servers, server)
		}
	case p.config.Domain != "":
		dctx, cancel := context.WithTimeout(ctx, p.config.Timeout)
		defer cancel()

		discovered, err := p.discovery.DiscoverServers(dctx, p.config.Domain)
		if err != nil {
			return fmt.Errorf("SRV discovery failed: %w", err)
		}
		servers = discovered
	default:
		return errors.New("either domain or LDAP URLs must be specified")
	}

	if len(servers) == 0 {
		return errors.New("no servers discovered")
	}

	p.mu.Lock()
	p.servers = servers
	p.mu.Unlock()
	return nil
}

// Get retrieves a connection from the pool.
func (p *connectionPool) Get(ctx context.Context) (*PooledConnection, error) {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return nil, errors.New("connection pool is closed")
	}
	p.mu.RUnlock()

	select {
	case conn := <-p.connections:
		if p.isConnectionHealthy(conn) {
			conn.lastUsed = time.Now()
			atomic.AddInt64(&p.activeConns, 1)
			return conn, nil
		}
		p.closeConnection(conn)
	default:
	}

	conn, err := p.connectAny(ctx, true)
	if err != nil {
		return nil, err
	}

	pooled := &PooledConnection{
		conn:          conn.conn,
		lastUsed:      time.Now(),
		healthy:       true,
		authenticated: p.config.HasAuthentication(),
		serverInfo:    conn.server,
		returnToPool:  p.returnConnection,
	}
	atomic.AddInt64(&p.activeConns, 1)
	return pooled, nil
}

// Dial opens a dedicated, unauthenticated connection.
func (p *connectionPool) Dial(ctx context.Context) (*ldap.Conn, error) {
	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		return nil, errors.New("connection pool is closed")
	}

	conn, err := p.connectAny(ctx, false)
	if err != nil {
		return nil, err
	}
	return conn.conn, nil
}

type serverConn struct {
	conn   *ldap.Conn
	server *ServerInfo
}

// connectAny walks the server list in order and returns the first connection
// that opens (and binds, when authenticate is set).
func (p *connectionPool) connectAny(ctx context.Context, authenticate bool) (*serverConn, error) {
	p.mu.RLock()
	servers := p.servers
	p.mu.RUnlock()

	var lastErr error
	for _, server := range servers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		conn, err := p.dial(ctx, server)
		if err != nil {
			lastErr = err
			atomic.AddInt64(&p.totalErrors, 1)
			p.logger.Warn("Failed to connect to server", "server", ServerInfoToURL(server), "error", err)
			continue
		}

		if authenticate && p.config.HasAuthentication() {
			if err := p.authenticate(conn, server); err != nil {
				conn.Close()
				lastErr = fmt.Errorf("failed to authenticate connection to %s: %w", ServerInfoToURL(server), err)
				atomic.AddInt64(&p.totalErrors, 1)
				p.logger.Warn("Failed to authenticate connection", "server", ServerInfoToURL(server), "error", err)
				continue
			}
		}

		atomic.AddInt64(&p.totalCreated, 1)
		return &serverConn{conn: conn, server: server}, nil
	}

	return nil, NewConnectionError("failed to connect to any directory server", lastErr)
}

// dialServer creates a connection to a specific server.
func (p *connectionPool) dialServer(ctx context.Context, server *ServerInfo) (*ldap.Conn, error) {
	addr := ServerInfoToURL(server)
	tlsConfig := p.tlsConfig(server)
	dialer := &net.Dialer{Timeout: p.config.Timeout}

	var conn *ldap.Conn
	var err error

	if server.UseTLS {
		conn, err = ldap.DialURL(addr, ldap.DialWithDialer(dialer), ldap.DialWithTLSConfig(tlsConfig))
	} else {
		conn, err = ldap.DialURL(addr, ldap.DialWithDialer(dialer))
		if err == nil && p.config.UseTLS {
			if tlsErr := conn.StartTLS(tlsConfig); tlsErr != nil {
				conn.Close()
				err = fmt.Errorf("StartTLS: %w", tlsErr)
			}
		}
	}

	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}

	conn.SetTimeout(p.config.Timeout)
	return conn, nil
}

// tlsConfig clones the configured TLS settings for one server.
func (p *connectionPool) tlsConfig(server *ServerInfo) *tls.Config {
	var cfg *tls.Config
	if p.config.TLSConfig != nil {
		cfg = p.config.TLSConfig.Clone()
	} else {
		cfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	if cfg.ServerName == "" {
		cfg.ServerName = server.Host
	}
	if p.config.SkipTLSVerify {
		cfg.InsecureSkipVerify = true //nolint:gosec // operator opt-in
	}
	return cfg
}

// authenticate binds a fresh connection with the configured service account.
func (p *connectionPool) authenticate(conn *ldap.Conn, server *ServerInfo) error {
	switch p.config.GetAuthMethod() {
	case AuthMethodKerberos:
		return performKerberosAuth(conn, p.config, server, p.logger.Named("kerberos"))
	case AuthMethodSimpleBind:
		if p.config.Username == "" {
			return fmt.Errorf("username is required for simple bind authentication")
		}
		return conn.Bind(p.config.Username, p.config.Password)
	default:
		return fmt.Errorf("unsupported authentication method: %s", p.config.GetAuthMethod())
	}
}

// returnConnection returns a connection to the pool.
func (p *connectionPool) returnConnection(conn *PooledConnection) {
	if conn == nil {
		return
	}

	atomic.AddInt64(&p.activeConns, -1)

	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed || !p.isConnectionHealthy(conn) {
		p.closeConnection(conn)
		return
	}

	select {
	case p.connections <- conn:
	default:
		p.closeConnection(conn)
	}
}

// isConnectionHealthy checks if a connection is healthy.
func (p *connectionPool) isConnectionHealthy(conn *PooledConnection) bool {
	if conn == nil || conn.conn == nil || !conn.healthy || conn.conn.IsClosing() {
		return false
	}

	if time.Since(conn.lastUsed) > p.config.MaxIdleTime {
		return false
	}

	if p.config.HasAuthentication() && !conn.authenticated {
		return false
	}

	return true
}

// closeConnection closes a pooled connection.
func (p *connectionPool) closeConnection(conn *PooledConnection) {
	if conn != nil && conn.conn != nil {
		conn.conn.Close()
		conn.healthy = false
		conn.authenticated = false
	}
}

// Close closes all connections and shuts down the pool.
func (p *connectionPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}

	p.closed = true

	close(p.connections)
	for conn := range p.connections {
		p.closeConnection(conn)
	}

	return nil
}

// Stats returns pool statistics.
func (p *connectionPool) Stats() PoolStats {
	return PoolStats{
		Idle:    len(p.connections),
		Active:  atomic.LoadInt64(&p.activeConns),
		Created: atomic.LoadInt64(&p.totalCreated),
		Errors:  atomic.LoadInt64(&p.totalErrors),
		Uptime:  time.Since(p.startTime),
	}
}

// validateConfig validates the connection configuration.
func validateConfig(config *ConnectionConfig) error {
	if config.MaxConnections <= 0 {
		return errors.New("MaxConnections must be positive")
	}

	if config.MaxConnections > MaxConnectionPoolLimit {
		return fmt.Errorf("MaxConnections too high (max %d)", MaxConnectionPoolLimit)
	}

	if config.MaxIdleTime <= 0 {
		return errors.New("MaxIdleTime must be positive")
	}

	if config.Timeout <= 0 {
		return errors.New("timeout must be positive")
	}

	return nil
}

// Close returns the connection to its pool.
func (pc *PooledConnection) Close() {
	if pc.returnToPool != nil {
		pc.returnToPool(pc)
	}
}

// MarkUnhealthy makes the pool discard the connection when it is returned.
func (pc *PooledConnection) MarkUnhealthy() {
	pc.healthy = false
}

func (pc *PooledConnection) Conn() *ldap.Conn {
	return pc.conn
}

func (pc *PooledConnection) ServerInfo() *ServerInfo {
	return pc.serverInfo
}

package ldap

import (
	"fmt"
	"os"
	"strings"

	"github.com/go-ldap/ldap/v3"
	"github.com/go-ldap/ldap/v3/gssapi"
	"github.com/hashicorp/go-hclog"
	krb5client "github.com/jcmturner/gokrb5/v8/client"
)

const defaultKrb5Conf = "/etc/krb5.conf"

// performKerberosAuth performs a GSSAPI bind as the configured service principal.
func performKerberosAuth(conn *ldap.Conn, cfg *ConnectionConfig, serverInfo *ServerInfo, logger hclog.Logger) error {
	principal, realm, err := kerberosPrincipal(cfg)
	if err != nil {
		return fmt.Errorf("kerberos configuration error: %w", err)
	}

	krb5confPath, cleanup, err := resolveKrb5Conf(cfg, realm, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	gssapiClient, source, err := createGSSAPIClient(cfg, principal, realm, krb5confPath)
	if err != nil {
		return fmt.Errorf("failed to create GSSAPI client: %w", err)
	}
	defer func() {
		_ = gssapiClient.DeleteSecContext()
	}()

	spn, err := buildServicePrincipal(cfg, serverInfo)
	if err != nil {
		return fmt.Errorf("failed to build service principal: %w", err)
	}

	logger.Debug("Performing GSSAPI bind", "principal", principal, "realm", realm, "spn", spn, "credentials", source)

	if err := conn.GSSAPIBind(gssapiClient, spn, ""); err != nil {
		return fmt.Errorf("GSSAPI bind failed: %w", err)
	}

	return nil
}

// resolveKrb5Conf returns the krb5.conf to use. An explicitly configured file
// must exist; otherwise the system file is used, or a DNS-discovery config is
// generated when there is none.
func resolveKrb5Conf(cfg *ConnectionConfig, realm string, logger hclog.Logger) (string, func(), error) {
	noop := func() {}

	if cfg.KerberosConfig != "" {
		if !fileExists(cfg.KerberosConfig) {
			return "", noop, fmt.Errorf("kerberos configuration file not found at %s", cfg.KerberosConfig)
		}
		return cfg.KerberosConfig, noop, nil
	}

	if fileExists(defaultKrb5Conf) {
		return defaultKrb5Conf, noop, nil
	}

	path, cleanup, err := writeRuntimeKrb5Conf(realm, cfg.Domain)
	if err != nil {
		return "", noop, err
	}
	logger.Debug("Generated runtime krb5.conf", "realm", realm, "domain", cfg.Domain)
	return path, cleanup, nil
}

// createGSSAPIClient creates a GSSAPI client based on the configuration.
// Priority order: credential cache, keytab, password.
func createGSSAPIClient(cfg *ConnectionConfig, principal, realm, krb5confPath string) (ldap.GSSAPIClient, string, error) {
	if cfg.KerberosCCache != "" && fileExists(cfg.KerberosCCache) {
		c, err := gssapi.NewClientFromCCache(cfg.KerberosCCache, krb5confPath, krb5client.DisablePAFXFAST(true))
		return c, "ccache", err
	}

	if cfg.KerberosKeytab != "" && fileExists(cfg.KerberosKeytab) {
		c, err := gssapi.NewClientWithKeytab(principal, realm, cfg.KerberosKeytab, krb5confPath, krb5client.DisablePAFXFAST(true))
		return c, "keytab", err
	}

	if cfg.Password != "" {
		c, err := gssapi.NewClientWithPassword(principal, realm, cfg.Password, krb5confPath, krb5client.DisablePAFXFAST(true))
		return c, "password", err
	}

	return nil, "", fmt.Errorf("no suitable credentials found for Kerberos authentication")
}

// kerberosPrincipal splits the configured username into principal and realm.
// Accepts user, user@REALM and DOMAIN\user; an explicit realm wins.
func kerberosPrincipal(cfg *ConnectionConfig) (string, string, error) {
	if cfg == nil {
		return "", "", fmt.Errorf("configuration cannot be nil")
	}

	principal := BareUsername(cfg.Username)
	realm := cfg.KerberosRealm

	if at := strings.LastIndex(principal, "@"); at > 0 {
		if realm == "" {
			realm = principal[at+1:]
		}
		principal = principal[:at]
	}

	if realm == "" {
		return "", "", fmt.Errorf("kerberos realm is required (set the realm or include it in the username)")
	}

	if principal == "" && cfg.KerberosCCache == "" {
		return "", "", fmt.Errorf("username (principal) is required for Kerberos authentication")
	}

	return principal, strings.ToUpper(realm), nil
}

// buildServicePrincipal constructs the LDAP service principal name from server info.
// If cfg.KerberosSPN is set, it overrides the automatic SPN construction.
func buildServicePrincipal(cfg *ConnectionConfig, serverInfo *ServerInfo) (string, error) {
	if cfg == nil {
		return "", fmt.Errorf("configuration is required for service principal")
	}

	if cfg.KerberosSPN != "" {
		return cfg.KerberosSPN, nil
	}

	if serverInfo == nil || serverInfo.Host == "" {
		return "", fmt.Errorf("hostname is required for service principal")
	}

	hostname := serverInfo.Host
	if colonPos := strings.Index(hostname, ":"); colonPos != -1 {
		hostname = hostname[:colonPos]
	}

	return "ldap/" + hostname, nil
}

// fileExists checks if a file exists and is readable.
func fileExists(path string) bool {
	if path == "" {
		return false
	}
	file, err := os.Open(path)
	if err != nil {
		return false
	}
	file.Close()
	return true
}

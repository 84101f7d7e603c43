package ldap

import (
	"fmt"
	"os"
	"strings"
)

// runtimeKrb5Conf renders a minimal krb5.conf for realm that relies on DNS
// SRV records to locate the KDCs.
func runtimeKrb5Conf(realm, domain string) (string, error) {
	if realm == "" {
		return "", fmt.Errorf("kerberos realm is required for auto-discovery")
	}

	realm = strings.ToUpper(realm)
	domain = strings.ToLower(domain)
	if domain == "" {
		domain = strings.ToLower(realm)
	}

	return fmt.Sprintf(`[libdefaults]
    default_realm = %[1]s
    dns_lookup_kdc = true
    dns_lookup_realm = false
    rdns = false
    forwardable = true
    ticket_lifetime = 24h

[realms]
    %[1]s = {
    }

[domain_realm]
    .%[2]s = %[1]s
    %[2]s = %[1]s
`, realm, domain), nil
}

// writeRuntimeKrb5Conf writes a generated krb5.conf to a temporary file and
// returns its path together with a function that removes it.
func writeRuntimeKrb5Conf(realm, domain string) (string, func(), error) {
	content, err := runtimeKrb5Conf(realm, domain)
	if err != nil {
		return "", nil, err
	}

	f, err := os.CreateTemp("", "adblocker-krb5-*.conf")
	if err != nil {
		return "", nil, fmt.Errorf("failed to create runtime krb5.conf: %w", err)
	}
	cleanup := func() { _ = os.Remove(f.Name()) }

	if _, err := f.WriteString(content); err != nil {
		f.Close()
		cleanup()
		return "", nil, fmt.Errorf("failed to write runtime krb5.conf: %w", err)
	}
	if err := f.Close(); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("failed to write runtime krb5.conf: %w", err)
	}

	return f.Name(), cleanup, nil
}

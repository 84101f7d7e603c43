/*
Package ldap provides the Active Directory access used by the blocker.

# Connection Management

The Client interface wraps a small pool of service-bound connections:

  - SRV-based domain controller discovery, or explicit ldap:// and ldaps:// URLs
  - Failover across the discovered servers in priority order
  - Simple bind or Kerberos (GSSAPI) service authentication
  - Dedicated, unpooled connections for end-user credential checks

# Users

Directory resolves identities (DOMAIN\user, bare sAMAccountName, UPN, DN,
GUID or SID) to a UserEntry. A UserEntry stages changes to accountExpires and
to arbitrary attributes and writes them in a single modify on Save.

Attribute syntax is read from the schema naming context so binary attributes
such as logonHours are written as raw octets. Resolve converts the hex strings
used in configuration into those octets.

# Active Directory Encodings

  - accountExpires is a Windows FILETIME; 0 and 9223372036854775807 mean never
  - objectGUID is stored with the first three groups little-endian
  - objectSid is the binary SID structure
*/
package ldap

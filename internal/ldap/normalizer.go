package ldap

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/go-ldap/ldap/v3"
)

// IdentifierType represents the type of identifier detected.
type IdentifierType int

const (
	IdentifierTypeUnknown IdentifierType = iota
	IdentifierTypeDN                     // Distinguished Name
	IdentifierTypeGUID                   // Globally Unique Identifier
	IdentifierTypeSID                    // Security Identifier
	IdentifierTypeUPN                    // User Principal Name
	IdentifierTypeSAM                    // SAM Account Name (DOMAIN\username)
)

// String returns the string representation of the identifier type.
func (i IdentifierType) String() string {
	switch i {
	case IdentifierTypeDN:
		return "DN"
	case IdentifierTypeGUID:
		return "GUID"
	case IdentifierTypeSID:
		return "SID"
	case IdentifierTypeUPN:
		return "UPN"
	case IdentifierTypeSAM:
		return "SAM"
	default:
		return "Unknown"
	}
}

// Regular expressions for identifier format detection.
var (
	// DN format: CN=User,OU=Users,DC=example,DC=com.
	dnRegex = regexp.MustCompile(`^(?i)(CN|OU|DC|O|C|STREET|L|ST|POSTALCODE)=.+`)

	// SID format: S-1-5-21-domain-rid or S-1-5-32-alias.
	sidRegex = regexp.MustCompile(`^S-1-\d+(-\d+)*$`)

	// UPN format: user@domain.com.
	upnRegex = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

	// SAM format: DOMAIN\username or just username. The username may hold
	// inner spaces.
	samRegex = regexp.MustCompile(`^([^\\@\s]+\\)?[^\\@\s]([^\\@]*[^\\@\s])?$`)
)

// userObjectFilter restricts searches to user accounts.
const userObjectFilter = "(objectClass=user)(!(objectClass=computer))"

// DetectIdentifierType analyzes an identifier string and determines its type.
func DetectIdentifierType(identifier string) IdentifierType {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return IdentifierTypeUnknown
	}

	// Most specific formats first; SAM matches almost anything.
	switch {
	case dnRegex.MatchString(identifier):
		return IdentifierTypeDN
	case IsValidGUID(identifier):
		return IdentifierTypeGUID
	case sidRegex.MatchString(identifier):
		return IdentifierTypeSID
	case upnRegex.MatchString(identifier):
		return IdentifierTypeUPN
	case samRegex.MatchString(identifier):
		return IdentifierTypeSAM
	default:
		return IdentifierTypeUnknown
	}
}

// BareUsername strips a DOMAIN\ prefix from identity. Anything that doesn't
// split into exactly two non-empty parts is returned unchanged.
func BareUsername(identity string) string {
	parts := strings.Split(identity, `\`)
	if len(parts) == 2 && parts[0] != "" && parts[1] != "" {
		return parts[1]
	}
	return identity
}

// LogonName returns the name to bind as for a user found by identity.
// DOMAIN\user and UPN identities are kept; DN, GUID and SID identities
// fall back to the entry's sAMAccountName.
func LogonName(identity, sam string) string {
	identity = strings.TrimSpace(identity)
	switch DetectIdentifierType(identity) {
	case IdentifierTypeSAM:
		return BareUsername(identity)
	case IdentifierTypeUPN:
		return identity
	}
	if sam != "" {
		return sam
	}
	return identity
}

// identityQuery is the search that locates one user by identity.
type identityQuery struct {
	idType IdentifierType
	baseDN string
	scope  SearchScope
	filter string
}

// buildIdentityQuery builds the search for identifier under baseDN.
func buildIdentityQuery(identifier, baseDN string) (*identityQuery, error) {
	identifier = strings.TrimSpace(identifier)
	idType := DetectIdentifierType(identifier)

	q := &identityQuery{idType: idType, baseDN: baseDN, scope: ScopeWholeSubtree}

	switch idType {
	case IdentifierTypeDN:
		q.baseDN = identifier
		q.scope = ScopeBaseObject
		q.filter = "(&" + userObjectFilter + ")"
	case IdentifierTypeGUID:
		guidFilter, err := GUIDToSearchFilter(identifier)
		if err != nil {
			return nil, err
		}
		q.filter = "(&" + userObjectFilter + guidFilter + ")"
	case IdentifierTypeSID:
		q.filter = fmt.Sprintf("(&%s(objectSid=%s))", userObjectFilter, ldap.EscapeFilter(identifier))
	case IdentifierTypeUPN:
		q.filter = fmt.Sprintf("(&%s(userPrincipalName=%s))", userObjectFilter, ldap.EscapeFilter(identifier))
	case IdentifierTypeSAM:
		q.filter = fmt.Sprintf("(&%s(sAMAccountName=%s))", userObjectFilter, ldap.EscapeFilter(BareUsername(identifier)))
	default:
		return nil, fmt.Errorf("unable to determine identifier type for: %q", identifier)
	}

	if q.baseDN == "" {
		return nil, fmt.Errorf("base DN is required to search by %s", idType)
	}

	return q, nil
}

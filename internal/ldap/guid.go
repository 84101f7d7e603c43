package ldap

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// GUIDBytesLength is the size of an objectGUID value.
const GUIDBytesLength = 16

// IsValidGUID checks if a string is a GUID in hyphenated, braced or compact form.
func IsValidGUID(guidString string) bool {
	if guidString == "" {
		return false
	}
	// uuid.Parse also accepts urn:uuid: forms; identities never look like that.
	if strings.HasPrefix(strings.ToLower(guidString), "urn:") {
		return false
	}
	_, err := uuid.Parse(guidString)
	return err == nil
}

// StringToGUIDBytes converts a GUID string to Active Directory byte order.
// The first three groups are little-endian, the last two big-endian.
func StringToGUIDBytes(guidString string) ([]byte, error) {
	u, err := uuid.Parse(strings.TrimSpace(guidString))
	if err != nil {
		return nil, fmt.Errorf("invalid GUID format: %s", guidString)
	}

	b := make([]byte, GUIDBytesLength)
	b[0], b[1], b[2], b[3] = u[3], u[2], u[1], u[0]
	b[4], b[5] = u[5], u[4]
	b[6], b[7] = u[7], u[6]
	copy(b[8:], u[8:])
	return b, nil
}

// GUIDBytesToString converts an objectGUID value to its hyphenated string.
func GUIDBytesToString(b []byte) (string, error) {
	if len(b) != GUIDBytesLength {
		return "", fmt.Errorf("invalid GUID byte length: expected %d, got %d", GUIDBytesLength, len(b))
	}

	var u uuid.UUID
	u[0], u[1], u[2], u[3] = b[3], b[2], b[1], b[0]
	u[4], u[5] = b[5], b[4]
	u[6], u[7] = b[7], b[6]
	copy(u[8:], b[8:])
	return u.String(), nil
}

// GUIDToSearchFilter creates an objectGUID equality filter with every byte escaped.
func GUIDToSearchFilter(guidString string) (string, error) {
	b, err := StringToGUIDBytes(guidString)
	if err != nil {
		return "", fmt.Errorf("failed to convert GUID to bytes: %w", err)
	}

	var sb strings.Builder
	sb.WriteString("(objectGUID=")
	for _, c := range b {
		fmt.Fprintf(&sb, `\%02x`, c)
	}
	sb.WriteString(")")
	return sb.String(), nil
}

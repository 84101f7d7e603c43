package ldap

import (
	"fmt"

	"github.com/bwmarrin/go-objectsid"
	"github.com/go-ldap/ldap/v3"
)

// ConvertBinarySIDToString converts a binary objectSid to S-1-5-21-... form.
func ConvertBinarySIDToString(binarySID []byte) (string, error) {
	// revision, sub-authority count and a 6-byte authority
	if len(binarySID) < 8 {
		return "", fmt.Errorf("binary SID too short: %d bytes", len(binarySID))
	}

	if want := 8 + 4*int(binarySID[1]); len(binarySID) < want {
		return "", fmt.Errorf("binary SID truncated: %d bytes, want %d", len(binarySID), want)
	}

	sid := objectsid.Decode(binarySID)
	return sid.String(), nil
}

// extractSID returns the entry's objectSid as a string, or "" if absent or malformed.
func extractSID(entry *ldap.Entry) string {
	if entry == nil {
		return ""
	}

	sidBytes := entry.GetRawAttributeValue("objectSid")
	if len(sidBytes) == 0 {
		return ""
	}

	sid, err := ConvertBinarySIDToString(sidBytes)
	if err != nil {
		return ""
	}
	return sid
}

// extractGUID returns the entry's objectGUID as a string, or "" if absent or malformed.
func extractGUID(entry *ldap.Entry) string {
	if entry == nil {
		return ""
	}

	guid, err := GUIDBytesToString(entry.GetRawAttributeValue("objectGUID"))
	if err != nil {
		return ""
	}
	return guid
}

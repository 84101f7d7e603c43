package ldap

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strings"
)

// LogonHoursAttribute is always binary, whatever the entry currently holds.
const LogonHoursAttribute = "logonHours"

// AttributeSnapshot is the persisted state of one attribute on one entry,
// captured so it can be restored after a temporary change.
type AttributeSnapshot struct {
	Name    string
	Values  [][]byte
	Binary  bool
	Present bool
}

// Value returns the first value, or nil when the attribute is absent.
func (s AttributeSnapshot) Value() []byte {
	if len(s.Values) == 0 {
		return nil
	}
	return s.Values[0]
}

// String renders the snapshot for logs; binary values are hex encoded.
func (s AttributeSnapshot) String() string {
	if !s.Present {
		return "<absent>"
	}
	parts := make([]string, 0, len(s.Values))
	for _, v := range s.Values {
		parts = append(parts, AttributeValue{raw: v, binary: s.Binary}.String())
	}
	return strings.Join(parts, ",")
}

// Equal reports whether two snapshots hold the same values in the same order.
func (s AttributeSnapshot) Equal(o AttributeSnapshot) bool {
	if len(s.Values) != len(o.Values) {
		return false
	}
	for i := range s.Values {
		if !bytes.Equal(s.Values[i], o.Values[i]) {
			return false
		}
	}
	return true
}

// AttributeValue is a single native value ready to be written.
// The zero value clears the attribute.
type AttributeValue struct {
	raw    []byte
	binary bool
}

// StringValue returns a string attribute value.
func StringValue(s string) AttributeValue {
	return AttributeValue{raw: []byte(s)}
}

// BinaryValue returns an octet-string attribute value.
func BinaryValue(b []byte) AttributeValue {
	return AttributeValue{raw: bytes.Clone(b), binary: true}
}

// Bytes returns the raw octets.
func (v AttributeValue) Bytes() []byte { return v.raw }

// IsBinary reports whether the value was decoded from hex.
func (v AttributeValue) IsBinary() bool { return v.binary }

// IsClear reports whether writing the value removes the attribute.
func (v AttributeValue) IsClear() bool { return len(v.raw) == 0 }

func (v AttributeValue) String() string {
	if v.binary {
		return strings.ToUpper(hex.EncodeToString(v.raw))
	}
	return string(v.raw)
}

// Resolve turns a configured sentinel into the value to write for name.
// logonHours, and any attribute whose current value is present and binary,
// take the sentinel as hex; everything else takes it verbatim.
func Resolve(name string, current AttributeSnapshot, desired string) (AttributeValue, error) {
	if strings.EqualFold(name, LogonHoursAttribute) || (current.Present && current.Binary) {
		b, err := DecodeHex(desired)
		if err != nil {
			return AttributeValue{}, fmt.Errorf("%w: attribute %s: %v", ErrEncoding, name, err)
		}
		return BinaryValue(b), nil
	}
	return StringValue(desired), nil
}

// DecodeHex decodes two hex characters per byte.
func DecodeHex(s string) ([]byte, error) {
	if len(s)%2 != 0 {
		return nil, fmt.Errorf("hex string has odd length %d", len(s))
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid hex string: %w", err)
	}
	return b, nil
}

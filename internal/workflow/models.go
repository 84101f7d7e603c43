package workflow

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ID is an opaque request identifier. It is kept as raw JSON so numeric and
// string identifiers are echoed back exactly as received.
type ID json.RawMessage

// MarshalJSON implements json.Marshaler.
func (id ID) MarshalJSON() ([]byte, error) {
	if len(id) == 0 {
		return []byte("null"), nil
	}
	return id, nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (id *ID) UnmarshalJSON(data []byte) error {
	if id == nil {
		return fmt.Errorf("workflow.ID: UnmarshalJSON on nil pointer")
	}
	*id = append((*id)[:0], bytes.TrimSpace(data)...)
	return nil
}

// String renders the identifier for logs. JSON strings are unquoted.
func (id ID) String() string {
	var s string
	if err := json.Unmarshal(id, &s); err == nil {
		return s
	}
	return string(id)
}

// timestampLayouts are tried in order. Zone-less values are taken as UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// Timestamp is a point in time on the wire.
type Timestamp struct {
	time.Time
}

// NewTimestamp returns nil for a nil time.
func NewTimestamp(t *time.Time) *Timestamp {
	if t == nil {
		return nil
	}
	return &Timestamp{Time: t.UTC()}
}

// Ptr returns the time, or nil for a nil Timestamp.
func (t *Timestamp) Ptr() *time.Time {
	if t == nil {
		return nil
	}
	v := t.Time
	return &v
}

// MarshalJSON implements json.Marshaler.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.UTC().Format(time.RFC3339))
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("timestamp must be a string: %w", err)
	}

	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		parsed, err := time.ParseInLocation(layout, s, time.UTC)
		if err == nil {
			t.Time = parsed.UTC()
			return nil
		}
	}

	return fmt.Errorf("unrecognised timestamp %q", s)
}

// BlockRequest is a user pending blocking.
type BlockRequest struct {
	Oid        ID     `json:"Oid"`
	AdUserName string `json:"AdUserName"`
}

// BlockResult is posted once per BlockRequest.
type BlockResult struct {
	Oid ID `json:"Oid"`

	// AccountExpirationDate is the expiration the account had before it
	// was blocked.
	AccountExpirationDate *Timestamp `json:"AccountExpirationDate,omitempty"`

	Success bool   `json:"Success"`
	Message string `json:"Message"`
}

// BlockedLoginRequest asks whether a password is still valid for a blocked user.
type BlockedLoginRequest struct {
	ID         ID     `json:"Id"`
	AdUserName string `json:"AdUserName"`
	Password   string `json:"Password"`
}

// UnblockRequest asks for a user to be unblocked, optionally restoring a
// future expiration date.
type UnblockRequest struct {
	ID                    ID         `json:"Id"`
	AdUserName            string     `json:"AdUserName"`
	AccountExpirationDate *Timestamp `json:"AccountExpirationDate,omitempty"`
}

// RequestResult answers a BlockedLoginRequest or an UnblockRequest.
type RequestResult struct {
	ID      ID     `json:"Id"`
	Success bool   `json:"Success"`
	Message string `json:"Message"`
}

package ldap

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

const (
	// AccountExpiresAttribute holds the account expiration as a Windows FILETIME.
	AccountExpiresAttribute = "accountExpires"

	// adEpoch is the number of 100ns intervals between 1601-01-01 and 1970-01-01.
	adEpoch = 116444736000000000

	ticksPerSecond = 10_000_000
)

// AccountNeverExpires is the accountExpires value Active Directory writes
// when an expiration is cleared.
const AccountNeverExpires = "9223372036854775807"

// ParseFileTime decodes an accountExpires value. Zero and MaxInt64 mean the
// account never expires and yield nil.
func ParseFileTime(value string) (*time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}

	ticks, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse timestamp %q: %w", value, err)
	}

	if ticks <= 0 || ticks == math.MaxInt64 {
		return nil, nil
	}

	delta := ticks - adEpoch
	t := time.Unix(delta/ticksPerSecond, (delta%ticksPerSecond)*100).UTC()
	return &t, nil
}

// FormatFileTime encodes t as an accountExpires value; nil means never.
func FormatFileTime(t *time.Time) string {
	if t == nil {
		return AccountNeverExpires
	}
	ticks := t.Unix()*ticksPerSecond + int64(t.Nanosecond())/100 + adEpoch
	if ticks <= 0 {
		// before 1601; 0 would read as "never"
		ticks = 1
	}
	return strconv.FormatInt(ticks, 10)
}

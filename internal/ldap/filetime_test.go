package ldap

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFileTime(t *testing.T) {
	y2k := time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		value   string
		want    *time.Time
		wantErr bool
	}{
		{name: "empty", value: "", want: nil},
		{name: "zero means never", value: "0", want: nil},
		{name: "max means never", value: AccountNeverExpires, want: nil},
		{name: "negative", value: "-1", want: nil},
		{name: "y2k", value: "125911584000000000", want: &y2k},
		{name: "surrounding whitespace", value: " 125911584000000000 ", want: &y2k},
		{name: "not a number", value: "never", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseFileTime(tt.value)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			if tt.want == nil {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.True(t, tt.want.Equal(*got), "got %s, want %s", got, tt.want)
		})
	}
}

func TestFormatFileTime(t *testing.T) {
	assert.Equal(t, AccountNeverExpires, FormatFileTime(nil))

	y2k := time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, "125911584000000000", FormatFileTime(&y2k))

	ancient := time.Date(1500, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, "1", FormatFileTime(&ancient))
}

func TestFileTime_RoundTrip(t *testing.T) {
	in := time.Date(2031, 6, 15, 13, 45, 12, 123456700, time.UTC)

	out, err := ParseFileTime(FormatFileTime(&in))
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.True(t, in.Equal(*out))
}

package ldap

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestAttributeSchema_Binary(t *testing.T) {
	tests := []struct {
		syntax string
		want   bool
	}{
		{"2.5.5.10", true}, // octet string
		{"2.5.5.15", true},
		{"2.5.5.17", true},
		{"2.5.5.12", false}, // unicode string
		{"2.5.5.16", false}, // large integer
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.syntax, func(t *testing.T) {
			assert.Equal(t, tt.want, AttributeSchema{Syntax: tt.syntax}.Binary())
		})
	}
}

func TestSchemaResolver_Lookup(t *testing.T) {
	client := &MockClient{}
	client.On("GetServerInfo", mock.Anything).Return(map[string]string{"schemaNamingContext": testSchemaDN}, nil).Once()
	client.On("Search", mock.Anything, mock.MatchedBy(isSchemaSearch("logonHours"))).
		Return(schemaResult("logonHours", "2.5.5.10"), nil).Once()

	resolver := NewSchemaResolver(client, "", nil)

	def, known, err := resolver.Lookup(context.Background(), "logonHours")
	require.NoError(t, err)
	assert.True(t, known)
	require.NotNil(t, def)
	assert.True(t, def.Binary())
	assert.True(t, def.SingleValue)

	// case-insensitive cache hit
	def, _, err = resolver.Lookup(context.Background(), "LOGONHOURS")
	require.NoError(t, err)
	assert.Equal(t, "logonHours", def.Name)

	client.AssertExpectations(t)
}

func TestSchemaResolver_Errors(t *testing.T) {
	client := &MockClient{}
	client.On("GetServerInfo", mock.Anything).Return(nil, errors.New("no root DSE found"))

	_, _, err := NewSchemaResolver(client, "", nil).Lookup(context.Background(), "logonHours")
	assert.ErrorContains(t, err, "schema naming context")

	client = &MockClient{}
	client.On("Search", mock.Anything, mock.Anything).Return(nil, errors.New("busy"))

	_, known, err := NewSchemaResolver(client, testSchemaDN, nil).Lookup(context.Background(), "logonHours")
	assert.True(t, known)
	assert.ErrorContains(t, err, "failed to look up schema for logonHours")
}

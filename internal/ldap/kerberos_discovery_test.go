package ldap

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRuntimeKrb5Conf(t *testing.T) {
	conf, err := runtimeKrb5Conf("corp.example.com", "Corp.Example.com")
	require.NoError(t, err)

	assert.Contains(t, conf, "default_realm = CORP.EXAMPLE.COM")
	assert.Contains(t, conf, "dns_lookup_kdc = true")
	assert.Contains(t, conf, ".corp.example.com = CORP.EXAMPLE.COM")
	assert.Contains(t, conf, "    CORP.EXAMPLE.COM = {")
}

func TestRuntimeKrb5Conf_DomainFromRealm(t *testing.T) {
	conf, err := runtimeKrb5Conf("CORP.EXAMPLE.COM", "")
	require.NoError(t, err)
	assert.Contains(t, conf, "corp.example.com = CORP.EXAMPLE.COM")
}

func TestRuntimeKrb5Conf_RequiresRealm(t *testing.T) {
	_, err := runtimeKrb5Conf("", "corp.example.com")
	assert.Error(t, err)
}

func TestWriteRuntimeKrb5Conf(t *testing.T) {
	path, cleanup, err := writeRuntimeKrb5Conf("CORP.EXAMPLE.COM", "corp.example.com")
	require.NoError(t, err)

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(content), "[libdefaults]")

	cleanup()
	assert.False(t, fileExists(path))
}

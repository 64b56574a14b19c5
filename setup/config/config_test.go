package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "dendrite.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "domain: example.org\n")
	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "example.org", c.Domain)
	assert.Equal(t, "0.0.0.0:8008", c.Listen)
	assert.Equal(t, "memory", c.Database.Type)
	assert.True(t, c.RateLimiting.Enabled)
	assert.Equal(t, int64(20), c.RateLimiting.Threshold)
}

func TestLoadRequiresDomain(t *testing.T) {
	path := writeConfig(t, "listen: \"0.0.0.0:9000\"\n")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsDomainThatLooksLikeAnMXID(t *testing.T) {
	path := writeConfig(t, "domain: \"@alice:example.org\"\n")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRequiresConnectionStringForSQLBackends(t *testing.T) {
	path := writeConfig(t, "domain: example.org\ndatabase:\n  type: postgres\n")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestVerifyCollectsAllErrors(t *testing.T) {
	c := Config{LogLevel: "not-a-level"}
	var errs ConfigErrors
	c.Verify(&errs)
	assert.GreaterOrEqual(t, len(errs), 2)
}

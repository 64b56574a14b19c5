package sign

import (
	"crypto/ed25519"
	"crypto/x509"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeKey(t *testing.T, dir, name string) ed25519.PublicKey {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), der, 0600))
	return pub
}

func TestLoadDirectoryAndSignJSON(t *testing.T) {
	dir := t.TempDir()
	pub := writeKey(t, dir, "ed25519:key1")

	ks, err := LoadDirectory(dir)
	require.NoError(t, err)
	assert.Equal(t, 1, ks.Len())

	doc := map[string]interface{}{"b": 1, "a": 2}
	sigs, err := ks.SignJSON(doc)
	require.NoError(t, err)
	sig, ok := sigs["ed25519:key1"]
	require.True(t, ok)

	valid, err := Verify(pub, doc, sig)
	require.NoError(t, err)
	assert.True(t, valid)
}

func TestSignJSONIsDeterministicAcrossKeyOrdering(t *testing.T) {
	dir := t.TempDir()
	writeKey(t, dir, "ed25519:key1")
	writeKey(t, dir, "ed25519:key2")

	ks, err := LoadDirectory(dir)
	require.NoError(t, err)
	assert.Equal(t, 2, ks.Len())

	doc := map[string]interface{}{"room_id": "!a:b"}
	sigs1, err := ks.SignJSON(doc)
	require.NoError(t, err)
	sigs2, err := ks.SignJSON(doc)
	require.NoError(t, err)
	assert.Equal(t, sigs1, sigs2)
}

func TestLoadDirectoryRejectsBadAlgPrefix(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "rsa:key1"), []byte("garbage"), 0600))
	_, err := LoadDirectory(dir)
	assert.Error(t, err)
}

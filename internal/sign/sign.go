// Package sign implements the homeserver's signing key store (spec.md §6,
// SPEC_FULL.md §6.4): a directory of "<alg>:<key_id>" files holding
// PKCS#8-encoded Ed25519 private keys, loaded eagerly at startup, used to
// sign the canonical encoding of arbitrary JSON-able values.
//
// Grounded on original_source/src/sign.rs's load_keys/sign_json pair,
// reimplemented against the standard library's crypto/ed25519 and
// x/crypto-adjacent PKCS#8 decoding instead of ring, and against
// canonicaljson (package C1) instead of serde_canonical.
package sign

import (
	"crypto/ed25519"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/matrix-org/dendrite-core/canonicaljson"
)

// KeyStore holds every signing key loaded from a keys directory, keyed by
// the "<alg>:<key_id>" name the file was stored under.
type KeyStore struct {
	keys map[string]ed25519.PrivateKey
}

// LoadDirectory reads every file directly under dir and decodes it as a
// PKCS#8 Ed25519 private key. Each file name must have the form
// "<alg>:<key_id>" with alg == "ed25519"; any other algorithm prefix is
// rejected since room version 4 only ever verifies Ed25519 signatures.
func LoadDirectory(dir string) (*KeyStore, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("sign: read keys directory: %w", err)
	}
	ks := &KeyStore{keys: map[string]ed25519.PrivateKey{}}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		alg, _, ok := strings.Cut(name, ":")
		if !ok || alg != "ed25519" {
			return nil, fmt.Errorf("sign: key file %q is not of the form ed25519:<key_id>", name)
		}
		raw, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("sign: read key file %q: %w", name, err)
		}
		key, err := parsePKCS8Ed25519(raw)
		if err != nil {
			return nil, fmt.Errorf("sign: parse key file %q: %w", name, err)
		}
		ks.keys[name] = key
	}
	return ks, nil
}

func parsePKCS8Ed25519(der []byte) (ed25519.PrivateKey, error) {
	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, err
	}
	key, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("key is not an Ed25519 private key")
	}
	return key, nil
}

// KeyIDs returns the loaded key names in no particular order.
func (ks *KeyStore) KeyIDs() []string {
	ids := make([]string, 0, len(ks.keys))
	for id := range ks.keys {
		ids = append(ids, id)
	}
	return ids
}

// Len reports how many keys are loaded.
func (ks *KeyStore) Len() int { return len(ks.keys) }

// SignJSON canonicalizes v (package C1) and signs it with every loaded
// key, returning key_id -> unpadded base64 signature.
func (ks *KeyStore) SignJSON(v interface{}) (map[string]string, error) {
	canon, err := canonicaljson.Encode(v)
	if err != nil {
		return nil, fmt.Errorf("sign: canonicalize: %w", err)
	}
	return ks.signCanonical(canon), nil
}

func (ks *KeyStore) signCanonical(canon []byte) map[string]string {
	out := make(map[string]string, len(ks.keys))
	for name, key := range ks.keys {
		sig := ed25519.Sign(key, canon)
		out[name] = base64.RawURLEncoding.EncodeToString(sig)
	}
	return out
}

// Verify reports whether sig (unpadded base64) is a valid Ed25519
// signature over the canonical encoding of v under pub.
func Verify(pub ed25519.PublicKey, v interface{}, sig string) (bool, error) {
	canon, err := canonicaljson.Encode(v)
	if err != nil {
		return false, fmt.Errorf("sign: canonicalize: %w", err)
	}
	decoded, err := base64.RawURLEncoding.DecodeString(sig)
	if err != nil {
		return false, fmt.Errorf("sign: decode signature: %w", err)
	}
	return ed25519.Verify(pub, canon, decoded), nil
}

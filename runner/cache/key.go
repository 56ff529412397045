package cache

import (
	"encoding/hex"
	"os"
	"path/filepath"

	"github.com/zeebo/blake3"
)

// keyDomain is the BLAKE3 key used for cache-key hashing. Domain separation
// keeps cache keys from colliding with any other hash computed over the
// same bytes. The value is the ASCII domain name zero-padded to 32 bytes;
// changing it invalidates every existing key.
var keyDomain = [32]byte{
	'c', 'o', 'n', 'v', 'e', 'y', 'o', 'r', '.', 'c', 'a', 'c', 'h', 'e', '.',
	'k', 'e', 'y', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

// newKeyedHasher builds the domain-keyed hasher. NewKeyed only fails on a
// key that is not 32 bytes, which keyDomain guarantees.
func newKeyedHasher() *blake3.Hasher {
	h, err := blake3.NewKeyed(keyDomain[:])
	if err != nil {
		panic("cache: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	return h
}

// ScopeFingerprint hashes the cache scope tokens into a stable hex digest.
// A token naming a readable file relative to dir contributes the file's
// contents, so a changed lockfile yields a new cache key; any other token
// contributes its literal text only. Token order matters.
func ScopeFingerprint(dir string, tokens []string) string {
	h := newKeyedHasher()
	for _, token := range tokens {
		h.Write([]byte(token))
		h.Write([]byte{0})
		if data, err := os.ReadFile(filepath.Join(dir, token)); err == nil {
			h.Write(data)
		}
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// DeriveKey combines toolchain, OS and the scope fingerprint into the cache
// key. Keys are designed to be unique per matrix cell, so concurrent jobs
// never contend on the same entry.
func DeriveKey(toolchain, osName, fingerprint string) string {
	h := newKeyedHasher()
	h.Write([]byte(toolchain))
	h.Write([]byte{0})
	h.Write([]byte(osName))
	h.Write([]byte{0})
	h.Write([]byte(fingerprint))
	return hex.EncodeToString(h.Sum(nil))
}

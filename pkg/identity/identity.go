// Package identity implements the storage core's identity primitives:
// Username, ObfuscatedUsername, and AuthSessionToken (spec §3).
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// Username is an opaque, user-visible account identifier.
type Username string

// salt namespaces the obfuscated-username hash so it cannot be recomputed
// without this binary's configuration; callers supply the system salt
// (loaded once at startup from the shadow root) rather than a constant.
type Salt []byte

// ObfuscatedUsername is the stable, hex-encoded salted hash of a Username,
// used as the path component for all per-user on-disk state.
type ObfuscatedUsername string

// Obfuscate derives the ObfuscatedUsername for a given Username and system
// salt. The hash is SHA-256(salt || username), lowercase hex encoded.
func Obfuscate(u Username, salt Salt) ObfuscatedUsername {
	h := sha256.New()
	h.Write(salt)
	h.Write([]byte(u))
	return ObfuscatedUsername(hex.EncodeToString(h.Sum(nil)))
}

// AuthSessionToken is a 128-bit unguessable session identifier.
type AuthSessionToken [16]byte

// NewAuthSessionToken generates a fresh random token from a CSPRNG, reusing
// a random (version 4) UUID's 128 bits of entropy rather than rolling its
// own byte layout.
func NewAuthSessionToken() (AuthSessionToken, error) {
	var t AuthSessionToken
	id, err := uuid.NewRandom()
	if err != nil {
		return t, fmt.Errorf("generating auth session token: %w", err)
	}
	t = AuthSessionToken(id)
	return t, nil
}

// String renders the token as lowercase hex with no separators, the
// canonical textual form named in spec §6.
func (t AuthSessionToken) String() string {
	return hex.EncodeToString(t[:])
}

// ParseAuthSessionToken parses the canonical textual form, rejecting any
// other encoding (wrong length, uppercase, separators).
func ParseAuthSessionToken(s string) (AuthSessionToken, error) {
	var t AuthSessionToken
	if len(s) != 32 {
		return t, fmt.Errorf("auth session token %q: want 32 hex characters, got %d", s, len(s))
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return t, fmt.Errorf("auth session token %q: %w", s, err)
	}
	copy(t[:], b)
	// hex.DecodeString accepts only lowercase/uppercase a-f; reject uppercase
	// explicitly since the canonical form is lowercase-only.
	if hex.EncodeToString(t[:]) != s {
		return t, fmt.Errorf("auth session token %q: not in canonical lowercase form", s)
	}
	return t, nil
}

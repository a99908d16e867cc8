// Package tunnel provides the broker-side registry of connected hosts.
// It is pure infrastructure with zero HTTP coupling; cascading cleanup on
// removal is injected by the caller via the [Hooks] interface.
package tunnel

import (
	"crypto/rand"
	"encoding/base32"
	"errors"
	"io"

	"golang.org/x/crypto/bcrypt"
)

// idEncoding is standard base32 (RFC 4648, A–Z 2–7) without padding.
// Every character is safe for use in a URL path segment; no quoting or
// escaping required.
var idEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// ErrUnauthorized is returned when a registration presents a wrong or
// missing shared secret. It is fatal to the registration attempt and is
// never retried by this layer.
var ErrUnauthorized = errors.New("tunnel: invalid registration secret")

// ErrUnreachable is returned when an operation needs a live control
// connection for a tunnel and none is attached.
var ErrUnreachable = errors.New("tunnel: no live control connection")

// GenerateID returns a cryptographically random, URL-safe tunnel id.
//
// Entropy: 16 bytes (128 bits).
// Encoding: base32 no-padding → 26 characters, alphabet [A-Z2-7].
func GenerateID() string {
	b := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		// rand.Reader should never fail on any supported OS. If it does, the
		// process is in an unrecoverable state.
		panic("tunnel: failed to read random bytes: " + err.Error())
	}
	return idEncoding.EncodeToString(b)
}

// HashSecret derives the bcrypt hash stored for a registered tunnel. The
// clear secret is never retained by the broker.
func HashSecret(secret string) ([]byte, error) {
	return bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
}

// CheckSecret compares a presented secret against a stored hash.
// Returns ErrUnauthorized on mismatch.
func CheckSecret(hash []byte, secret string) error {
	if err := bcrypt.CompareHashAndPassword(hash, []byte(secret)); err != nil {
		return ErrUnauthorized
	}
	return nil
}

// Package idgen generates session and subscriber identifiers, and the
// cryptographically random payload bytes the handshake embeds in S1.
package idgen

import (
	cryptoRand "crypto/rand"

	"github.com/google/uuid"
)

// NewSessionID returns a UUID string identifying a newly accepted connection.
func NewSessionID() string {
	return uuid.NewString()
}

// NewWriterID returns a UUID string identifying a subscriber's WriterHandle.
func NewWriterID() string {
	return uuid.NewString()
}

// FillRandom fills b with cryptographically random bytes, used for the
// random payload portion of the handshake's S1/C1 messages.
func FillRandom(b []byte) error {
	_, err := cryptoRand.Read(b)
	return err
}

// Package storage persists session history for audit and the dashboard's
// past-streams view. The live-session source of truth is the in-memory
// stream registry; this layer only records snapshots.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	"golang.org/x/crypto/pbkdf2"

	"loopcast/internal/models"
)

// SessionFilter narrows ListSessions results.
type SessionFilter struct {
	State string
	Limit int
}

// Repository stores session history records.
type Repository interface {
	SaveSession(ctx context.Context, session models.StreamSession) error
	ListSessions(ctx context.Context, filter SessionFilter) ([]models.StreamSession, error)
	Close(ctx context.Context) error
}

var fingerprintSalt = []byte("loopcast.ingest-key.v1")

const fingerprintIterations = 10000

// FingerprintKey derives a stable fingerprint for an ingest key. The raw key
// is never persisted; the fingerprint lets an operator correlate history
// records with a key they hold without the store ever learning it.
func FingerprintKey(key string) string {
	if key == "" {
		return ""
	}
	digest := pbkdf2.Key([]byte(key), fingerprintSalt, fingerprintIterations, 16, sha256.New)
	return hex.EncodeToString(digest)
}

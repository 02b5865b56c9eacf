// Package domain holds the vlob entities and sentinel errors.
package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"parsec/backend/internal/apitypes"
)

var (
	ErrNotFound                = errors.New("vlob not found")
	ErrAlreadyExists           = errors.New("vlob already exists")
	ErrNotAllowed              = errors.New("author lacks the required realm role")
	ErrBadVersion              = errors.New("wrong vlob version")
	ErrRequireGreaterTimestamp = errors.New("timestamp older than the previous version")
	ErrInMaintenance           = errors.New("realm is under maintenance")
	ErrNotInMaintenance        = errors.New("realm is not under maintenance")
	ErrBadEncryptionRevision   = errors.New("wrong encryption revision")
)

// TimestampError rejects a write whose timestamp does not strictly
// postdate a prior one. It unwraps to ErrRequireGreaterTimestamp;
// StrictlyGreaterThan is echoed to the client.
type TimestampError struct {
	StrictlyGreaterThan time.Time
}

func (e *TimestampError) Error() string {
	return ErrRequireGreaterTimestamp.Error()
}

func (e *TimestampError) Unwrap() error { return ErrRequireGreaterTimestamp }

// Atom is one immutable version of a vlob. Blob holds the ciphertext
// for the encryption revision the write happened under; reencryption
// adds entries for later revisions.
type Atom struct {
	VlobID    uuid.UUID
	Version   int64
	Author    apitypes.DeviceID
	Timestamp time.Time
	Blobs     map[int64][]byte // encryption revision -> ciphertext
}

// Blob returns the ciphertext for the given encryption revision.
func (a *Atom) Blob(revision int64) ([]byte, bool) {
	b, ok := a.Blobs[revision]
	return b, ok
}

// Size is the stored size at the given revision.
func (a *Atom) Size(revision int64) int64 {
	return int64(len(a.Blobs[revision]))
}

// Change is one entry of a poll_changes reply.
type Change struct {
	VlobID     uuid.UUID
	Version    int64
	Checkpoint int64
}

// VersionInfo is one entry of a list_versions reply.
type VersionInfo struct {
	Version   int64
	Author    apitypes.DeviceID
	Timestamp time.Time
}

// BatchEntry is one (vlob, version) pair of a reencryption batch.
type BatchEntry struct {
	VlobID  uuid.UUID
	Version int64
	Blob    []byte
}

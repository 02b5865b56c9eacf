// Package domain holds the sequester service entities and sentinel
// errors.
package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound           = errors.New("sequester service not found")
	ErrAlreadyExists      = errors.New("sequester service already exists")
	ErrAlreadyEnabled     = errors.New("sequester service already enabled")
	ErrAlreadyDisabled    = errors.New("sequester service already disabled")
	ErrNotSequestered     = errors.New("organization has no sequester authority")
	ErrNotAStorageService = errors.New("service is not a storage service")
	ErrWebhookFailed      = errors.New("sequester webhook unreachable")
)

// ServiceType tells how a service receives the vlob ciphertexts.
type ServiceType string

const (
	// ServiceStorage keeps a copy of every vlob write server-side.
	ServiceStorage ServiceType = "STORAGE"
	// ServiceWebhook forwards every vlob write to a third party which
	// may veto it.
	ServiceWebhook ServiceType = "WEBHOOK"
)

// Service is one sequester service of an organization.
type Service struct {
	ServiceID   uuid.UUID
	Label       string
	Certificate []byte // authority-signed service certificate
	ServiceType ServiceType
	WebhookURL  string // only for ServiceWebhook
	CreatedOn   time.Time
	DisabledOn  *time.Time
}

// Enabled reports whether the service takes part in vlob admission.
func (s *Service) Enabled() bool { return s.DisabledOn == nil }

// InconsistencyError reports a mismatch between the sequester blobs of
// a vlob write and the enabled services. It carries the authority and
// service certificates so the client can rebuild its sequester view.
type InconsistencyError struct {
	AuthorityCertificate []byte
	ServiceCertificates  [][]byte
}

func (e *InconsistencyError) Error() string {
	return fmt.Sprintf("sequester blobs do not cover the %d enabled services", len(e.ServiceCertificates))
}

// RejectedError carries the veto reason of a webhook service.
type RejectedError struct {
	ServiceID uuid.UUID
	Reason    string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("sequester service %s rejected the write: %s", e.ServiceID, e.Reason)
}

// DumpEntry is one stored ciphertext of a storage service dump.
type DumpEntry struct {
	VlobID  uuid.UUID
	Version int64
	Blob    []byte
}

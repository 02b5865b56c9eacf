// Package certif implements the certificate model: canonical msgpack
// encoding, Ed25519 sign/verify, the full/redacted equivalence rule and
// the timestamp ballpark check.
//
// A certificate on the wire is the 64-byte Ed25519 signature followed by
// the canonical msgpack body. The body is a struct with fixed field
// order, so two equal records always serialize to identical bytes.
// Unknown body fields are rejected on decode; new fields go through the
// SchemaRevision bump, never through silent evolution.
package certif

import (
	"bytes"
	"crypto"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"parsec/backend/internal/apitypes"
)

// SchemaRevision is the current certificate body schema.
const SchemaRevision = 1

const signatureSize = ed25519.SignatureSize

var (
	ErrInvalidSignature       = errors.New("invalid_signature")
	ErrInvalidEncoding        = errors.New("invalid_encoding")
	ErrTimestampOutOfBallpark = errors.New("timestamp_out_of_ballpark")
	ErrCertifierMismatch      = errors.New("certifier_mismatch")
	ErrRedactedMismatch       = errors.New("redacted certificate does not match full one")
)

// Certificate body type tags.
const (
	TypeUser             = "user_certificate"
	TypeDevice           = "device_certificate"
	TypeRevokedUser      = "revoked_user_certificate"
	TypeRealmRole        = "realm_role_certificate"
	TypeSequesterService = "sequester_service_certificate"
)

// UserCertificate binds a user id, an optional human handle, a profile
// and the user's public key under a certifier's signature.
type UserCertificate struct {
	Type           string  `msgpack:"type"`
	SchemaRevision int     `msgpack:"schema_revision"`
	Author         *string `msgpack:"author"` // nil only at bootstrap
	Timestamp      int64   `msgpack:"timestamp"`
	UserID         string  `msgpack:"user_id"`
	HumanEmail     *string `msgpack:"human_email"`
	HumanLabel     *string `msgpack:"human_label"`
	PublicKey      []byte  `msgpack:"public_key"`
	Profile        string  `msgpack:"profile"`
}

// DeviceCertificate binds a device id, an optional label and the device's
// verify key under a certifier's signature.
type DeviceCertificate struct {
	Type           string  `msgpack:"type"`
	SchemaRevision int     `msgpack:"schema_revision"`
	Author         *string `msgpack:"author"`
	Timestamp      int64   `msgpack:"timestamp"`
	DeviceID       string  `msgpack:"device_id"`
	DeviceLabel    *string `msgpack:"device_label"`
	VerifyKey      []byte  `msgpack:"verify_key"`
}

// RevokedUserCertificate is the terminal record of a user.
type RevokedUserCertificate struct {
	Type           string  `msgpack:"type"`
	SchemaRevision int     `msgpack:"schema_revision"`
	Author         *string `msgpack:"author"`
	Timestamp      int64   `msgpack:"timestamp"`
	UserID         string  `msgpack:"user_id"`
}

// RealmRoleCertificate grants, changes or removes a realm role. A nil
// Role means removal.
type RealmRoleCertificate struct {
	Type           string  `msgpack:"type"`
	SchemaRevision int     `msgpack:"schema_revision"`
	Author         *string `msgpack:"author"`
	Timestamp      int64   `msgpack:"timestamp"`
	RealmID        []byte  `msgpack:"realm_id"`
	UserID         string  `msgpack:"user_id"`
	Role           *string `msgpack:"role"`
}

// SequesterServiceCertificate describes a sequester service; it is signed
// by the organization's sequester authority RSA key, not by a device.
type SequesterServiceCertificate struct {
	Type           string `msgpack:"type"`
	SchemaRevision int    `msgpack:"schema_revision"`
	Timestamp      int64  `msgpack:"timestamp"`
	ServiceID      []byte `msgpack:"service_id"`
	ServiceLabel   string `msgpack:"service_label"`
}

// EncodeBody serializes a certificate body in the canonical encoding
// without signing; callers that sign with non-Ed25519 keys (sequester
// authority) frame the result themselves.
func EncodeBody(body any) ([]byte, error) {
	msg, err := msgpack.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEncoding, err)
	}
	return msg, nil
}

// Sign serializes body canonically and returns signature||body signed
// with key.
func Sign(key ed25519.PrivateKey, body any) ([]byte, error) {
	msg, err := msgpack.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEncoding, err)
	}
	out := make([]byte, 0, signatureSize+len(msg))
	out = append(out, ed25519.Sign(key, msg)...)
	return append(out, msg...), nil
}

// Verify checks the Ed25519 signature of certified against key and
// returns the canonical body bytes.
func Verify(key ed25519.PublicKey, certified []byte) ([]byte, error) {
	if len(key) != ed25519.PublicKeySize {
		return nil, ErrInvalidSignature
	}
	if len(certified) < signatureSize {
		return nil, ErrInvalidSignature
	}
	sig, msg := certified[:signatureSize], certified[signatureSize:]
	if !ed25519.Verify(key, msg, sig) {
		return nil, ErrInvalidSignature
	}
	return msg, nil
}

func decodeBody(msg []byte, dst any) error {
	dec := msgpack.NewDecoder(bytes.NewReader(msg))
	dec.DisallowUnknownFields(true)
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEncoding, err)
	}
	return nil
}

type header interface {
	typeTag() string
	author() *string
	timestamp() int64
}

func (c *UserCertificate) typeTag() string         { return c.Type }
func (c *UserCertificate) author() *string         { return c.Author }
func (c *UserCertificate) timestamp() int64        { return c.Timestamp }
func (c *DeviceCertificate) typeTag() string       { return c.Type }
func (c *DeviceCertificate) author() *string       { return c.Author }
func (c *DeviceCertificate) timestamp() int64      { return c.Timestamp }
func (c *RevokedUserCertificate) typeTag() string  { return c.Type }
func (c *RevokedUserCertificate) author() *string  { return c.Author }
func (c *RevokedUserCertificate) timestamp() int64 { return c.Timestamp }
func (c *RealmRoleCertificate) typeTag() string    { return c.Type }
func (c *RealmRoleCertificate) author() *string    { return c.Author }
func (c *RealmRoleCertificate) timestamp() int64   { return c.Timestamp }

// LoadOptions carries the ingest-time expectations on a certificate.
type LoadOptions struct {
	// ExpectedAuthor is the device expected to have signed the body.
	// Empty means the body author must be nil (bootstrap certificates).
	ExpectedAuthor apitypes.DeviceID
	// Now is the backend clock used for the ballpark check; the zero
	// value skips the check (certificates re-read from storage).
	Now time.Time
}

func loadChecks(c header, wantType string, opts LoadOptions) error {
	if c.typeTag() != wantType {
		return fmt.Errorf("%w: type %q, expected %q", ErrInvalidEncoding, c.typeTag(), wantType)
	}
	if opts.ExpectedAuthor == "" {
		if c.author() != nil {
			return ErrCertifierMismatch
		}
	} else {
		if c.author() == nil || *c.author() != string(opts.ExpectedAuthor) {
			return ErrCertifierMismatch
		}
	}
	if !opts.Now.IsZero() {
		if !apitypes.InBallpark(apitypes.TimeFromMicro(c.timestamp()), opts.Now) {
			return ErrTimestampOutOfBallpark
		}
	}
	return nil
}

// LoadUserCertificate verifies and decodes a user certificate.
func LoadUserCertificate(key ed25519.PublicKey, certified []byte, opts LoadOptions) (*UserCertificate, error) {
	msg, err := Verify(key, certified)
	if err != nil {
		return nil, err
	}
	var c UserCertificate
	if err := decodeBody(msg, &c); err != nil {
		return nil, err
	}
	if err := loadChecks(&c, TypeUser, opts); err != nil {
		return nil, err
	}
	if _, err := apitypes.NewUserID(c.UserID); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEncoding, err)
	}
	if _, err := apitypes.NewProfile(c.Profile); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEncoding, err)
	}
	if (c.HumanEmail == nil) != (c.HumanLabel == nil) {
		return nil, fmt.Errorf("%w: partial human handle", ErrInvalidEncoding)
	}
	return &c, nil
}

// LoadDeviceCertificate verifies and decodes a device certificate.
func LoadDeviceCertificate(key ed25519.PublicKey, certified []byte, opts LoadOptions) (*DeviceCertificate, error) {
	msg, err := Verify(key, certified)
	if err != nil {
		return nil, err
	}
	var c DeviceCertificate
	if err := decodeBody(msg, &c); err != nil {
		return nil, err
	}
	if err := loadChecks(&c, TypeDevice, opts); err != nil {
		return nil, err
	}
	if _, err := apitypes.NewDeviceID(c.DeviceID); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEncoding, err)
	}
	if len(c.VerifyKey) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: bad verify key", ErrInvalidEncoding)
	}
	return &c, nil
}

// LoadRevokedUserCertificate verifies and decodes a revocation certificate.
func LoadRevokedUserCertificate(key ed25519.PublicKey, certified []byte, opts LoadOptions) (*RevokedUserCertificate, error) {
	msg, err := Verify(key, certified)
	if err != nil {
		return nil, err
	}
	var c RevokedUserCertificate
	if err := decodeBody(msg, &c); err != nil {
		return nil, err
	}
	if err := loadChecks(&c, TypeRevokedUser, opts); err != nil {
		return nil, err
	}
	if _, err := apitypes.NewUserID(c.UserID); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEncoding, err)
	}
	return &c, nil
}

// LoadRealmRoleCertificate verifies and decodes a realm role certificate.
func LoadRealmRoleCertificate(key ed25519.PublicKey, certified []byte, opts LoadOptions) (*RealmRoleCertificate, error) {
	msg, err := Verify(key, certified)
	if err != nil {
		return nil, err
	}
	var c RealmRoleCertificate
	if err := decodeBody(msg, &c); err != nil {
		return nil, err
	}
	if err := loadChecks(&c, TypeRealmRole, opts); err != nil {
		return nil, err
	}
	if _, err := uuid.FromBytes(c.RealmID); err != nil {
		return nil, fmt.Errorf("%w: bad realm id", ErrInvalidEncoding)
	}
	if _, err := apitypes.NewUserID(c.UserID); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEncoding, err)
	}
	if c.Role != nil {
		if _, err := apitypes.NewRealmRole(*c.Role); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidEncoding, err)
		}
	}
	return &c, nil
}

// CheckRedactedUser enforces the full/redacted equivalence on ingest:
// identical author, timestamp and every other field, with the human
// handle blanked out in the redacted form.
func CheckRedactedUser(full, redacted *UserCertificate) error {
	if redacted.HumanEmail != nil || redacted.HumanLabel != nil {
		return fmt.Errorf("%w: redacted user certificate carries a human handle", ErrRedactedMismatch)
	}
	stripped := *full
	stripped.HumanEmail = nil
	stripped.HumanLabel = nil
	if !userEqual(&stripped, redacted) {
		return ErrRedactedMismatch
	}
	return nil
}

// CheckRedactedDevice is CheckRedactedUser for device certificates and
// the device label.
func CheckRedactedDevice(full, redacted *DeviceCertificate) error {
	if redacted.DeviceLabel != nil {
		return fmt.Errorf("%w: redacted device certificate carries a device label", ErrRedactedMismatch)
	}
	stripped := *full
	stripped.DeviceLabel = nil
	if !deviceEqual(&stripped, redacted) {
		return ErrRedactedMismatch
	}
	return nil
}

func userEqual(a, b *UserCertificate) bool {
	return a.Type == b.Type &&
		a.SchemaRevision == b.SchemaRevision &&
		optStrEqual(a.Author, b.Author) &&
		a.Timestamp == b.Timestamp &&
		a.UserID == b.UserID &&
		optStrEqual(a.HumanEmail, b.HumanEmail) &&
		optStrEqual(a.HumanLabel, b.HumanLabel) &&
		bytes.Equal(a.PublicKey, b.PublicKey) &&
		a.Profile == b.Profile
}

func deviceEqual(a, b *DeviceCertificate) bool {
	return a.Type == b.Type &&
		a.SchemaRevision == b.SchemaRevision &&
		optStrEqual(a.Author, b.Author) &&
		a.Timestamp == b.Timestamp &&
		a.DeviceID == b.DeviceID &&
		optStrEqual(a.DeviceLabel, b.DeviceLabel) &&
		bytes.Equal(a.VerifyKey, b.VerifyKey)
}

func optStrEqual(a, b *string) bool {
	if (a == nil) != (b == nil) {
		return false
	}
	return a == nil || *a == *b
}

// VerifySequesterService checks a sequester service certificate against
// the organization's sequester authority RSA public key (DER encoded).
// The signature scheme is RSA-PSS over SHA-256, signature||body framing.
func VerifySequesterService(authorityDER []byte, certified []byte, now time.Time) (*SequesterServiceCertificate, error) {
	pub, err := x509.ParsePKIXPublicKey(authorityDER)
	if err != nil {
		return nil, fmt.Errorf("%w: bad authority key", ErrInvalidEncoding)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: authority key is not RSA", ErrInvalidEncoding)
	}
	sigSize := rsaPub.Size()
	if len(certified) < sigSize {
		return nil, ErrInvalidSignature
	}
	sig, msg := certified[:sigSize], certified[sigSize:]
	digest := sha256.Sum256(msg)
	if err := rsa.VerifyPSS(rsaPub, crypto.SHA256, digest[:], sig, nil); err != nil {
		return nil, ErrInvalidSignature
	}
	var c SequesterServiceCertificate
	if err := decodeBody(msg, &c); err != nil {
		return nil, err
	}
	if c.Type != TypeSequesterService {
		return nil, fmt.Errorf("%w: type %q", ErrInvalidEncoding, c.Type)
	}
	if _, err := uuid.FromBytes(c.ServiceID); err != nil {
		return nil, fmt.Errorf("%w: bad service id", ErrInvalidEncoding)
	}
	if !now.IsZero() && !apitypes.InBallpark(apitypes.TimeFromMicro(c.Timestamp), now) {
		return nil, ErrTimestampOutOfBallpark
	}
	return &c, nil
}

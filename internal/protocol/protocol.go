// Package protocol implements the framed binary command protocol: each
// frame is a self-describing msgpack map with a "cmd" tag on requests and
// a mandatory "status" tag on responses. Unknown request fields are
// rejected.
package protocol

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"parsec/backend/internal/apitypes"
)

// Cross-cutting status kinds shared by several commands.
const (
	StatusOK                      = "ok"
	StatusBadMessageFormat        = "bad_message_format"
	StatusUnknownCommand          = "unknown_command"
	StatusInvalidCertification    = "invalid_certification"
	StatusInvalidData             = "invalid_data"
	StatusNotFound                = "not_found"
	StatusAlreadyExists           = "already_exists"
	StatusAlreadyDeleted          = "already_deleted"
	StatusNotAllowed              = "not_allowed"
	StatusInMaintenance           = "in_maintenance"
	StatusNotInMaintenance        = "not_in_maintenance"
	StatusBadEncryptionRevision   = "encryption_revision_mismatch"
	StatusBadTimestamp            = "bad_timestamp"
	StatusRequireGreaterTimestamp = "require_greater_timestamp"
	StatusSequesterDisabled       = "sequester_disabled"
	StatusSequesterInconsistency  = "sequester_inconsistency"
	StatusSequesterWebhookFailed  = "sequester_webhook_failed"
	StatusInvalidState            = "invalid_state"
	StatusTimeout                 = "timeout"
	StatusMaintenanceError        = "maintenance_error"
	StatusIncompatibleProfile     = "incompatible_profile"
	StatusAlreadyBootstrapped     = "already_bootstrapped"
	StatusInvalidBootstrapToken   = "invalid_bootstrap_token"
	StatusAlreadyRevoked          = "already_revoked"
	StatusActiveUsersLimitReached = "active_users_limit_reached"
	StatusParticipantsMismatch    = "participants_mismatch"
	StatusAlreadyGranted          = "already_granted"
	StatusNotAvailable            = "not_available"
	StatusBadVersion              = "bad_version"
	StatusNoEvents                = "no_events"
	StatusEmailAlreadyUsed        = "email_already_used"
	StatusAlreadySubmitted        = "already_submitted"
	StatusAlreadyEnrolled         = "already_enrolled"
	StatusEnrollmentIDAlreadyUsed = "enrollment_id_already_used"
	StatusNoLongerAvailable       = "no_longer_available"
	StatusExpiredOrganization     = "expired_organization"
)

// ErrBadMessage is returned by field accessors when a frame cannot be
// decoded or a field is missing or of the wrong type.
var ErrBadMessage = errors.New("bad message format")

// Request is a decoded command frame. Field accessors consume fields; a
// final Finish call rejects frames carrying unknown fields.
type Request struct {
	Cmd    string
	fields map[string]msgpack.RawMessage
}

// DecodeRequest decodes a raw frame into a Request. The frame must be a
// msgpack map with a string "cmd" entry.
func DecodeRequest(raw []byte) (*Request, error) {
	var fields map[string]msgpack.RawMessage
	if err := msgpack.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadMessage, err)
	}
	rawCmd, ok := fields["cmd"]
	if !ok {
		return nil, fmt.Errorf("%w: missing cmd", ErrBadMessage)
	}
	var cmd string
	if err := msgpack.Unmarshal(rawCmd, &cmd); err != nil {
		return nil, fmt.Errorf("%w: bad cmd", ErrBadMessage)
	}
	delete(fields, "cmd")
	return &Request{Cmd: cmd, fields: fields}, nil
}

func (r *Request) take(name string) (msgpack.RawMessage, bool) {
	raw, ok := r.fields[name]
	if ok {
		delete(r.fields, name)
	}
	return raw, ok
}

// Finish returns ErrBadMessage if any field of the frame was not consumed
// by an accessor: unknown fields in requests must be rejected.
func (r *Request) Finish() error {
	if len(r.fields) != 0 {
		for name := range r.fields {
			return fmt.Errorf("%w: unknown field %q", ErrBadMessage, name)
		}
	}
	return nil
}

// Str returns a required string field.
func (r *Request) Str(name string) (string, error) {
	raw, ok := r.take(name)
	if !ok {
		return "", fmt.Errorf("%w: missing field %q", ErrBadMessage, name)
	}
	var s string
	if err := msgpack.Unmarshal(raw, &s); err != nil {
		return "", fmt.Errorf("%w: field %q", ErrBadMessage, name)
	}
	return s, nil
}

// OptStr returns an optional string field; ok is false when absent or nil.
func (r *Request) OptStr(name string) (s string, ok bool, err error) {
	raw, present := r.take(name)
	if !present {
		return "", false, nil
	}
	var p *string
	if err := msgpack.Unmarshal(raw, &p); err != nil {
		return "", false, fmt.Errorf("%w: field %q", ErrBadMessage, name)
	}
	if p == nil {
		return "", false, nil
	}
	return *p, true, nil
}

// Bytes returns a required binary field.
func (r *Request) Bytes(name string) ([]byte, error) {
	raw, ok := r.take(name)
	if !ok {
		return nil, fmt.Errorf("%w: missing field %q", ErrBadMessage, name)
	}
	var b []byte
	if err := msgpack.Unmarshal(raw, &b); err != nil {
		return nil, fmt.Errorf("%w: field %q", ErrBadMessage, name)
	}
	return b, nil
}

// OptBytes returns an optional binary field; nil when absent or nil.
func (r *Request) OptBytes(name string) ([]byte, error) {
	raw, present := r.take(name)
	if !present {
		return nil, nil
	}
	var b []byte
	if err := msgpack.Unmarshal(raw, &b); err != nil {
		return nil, fmt.Errorf("%w: field %q", ErrBadMessage, name)
	}
	return b, nil
}

// Int64 returns a required integer field.
func (r *Request) Int64(name string) (int64, error) {
	raw, ok := r.take(name)
	if !ok {
		return 0, fmt.Errorf("%w: missing field %q", ErrBadMessage, name)
	}
	var n int64
	if err := msgpack.Unmarshal(raw, &n); err != nil {
		return 0, fmt.Errorf("%w: field %q", ErrBadMessage, name)
	}
	return n, nil
}

// OptInt64 returns an optional integer field.
func (r *Request) OptInt64(name string) (n int64, ok bool, err error) {
	raw, present := r.take(name)
	if !present {
		return 0, false, nil
	}
	var p *int64
	if err := msgpack.Unmarshal(raw, &p); err != nil {
		return 0, false, fmt.Errorf("%w: field %q", ErrBadMessage, name)
	}
	if p == nil {
		return 0, false, nil
	}
	return *p, true, nil
}

// Bool returns a required boolean field.
func (r *Request) Bool(name string) (bool, error) {
	raw, ok := r.take(name)
	if !ok {
		return false, fmt.Errorf("%w: missing field %q", ErrBadMessage, name)
	}
	var b bool
	if err := msgpack.Unmarshal(raw, &b); err != nil {
		return false, fmt.Errorf("%w: field %q", ErrBadMessage, name)
	}
	return b, nil
}

// OptBool returns an optional boolean field with a default.
func (r *Request) OptBool(name string, def bool) (bool, error) {
	raw, present := r.take(name)
	if !present {
		return def, nil
	}
	var p *bool
	if err := msgpack.Unmarshal(raw, &p); err != nil {
		return false, fmt.Errorf("%w: field %q", ErrBadMessage, name)
	}
	if p == nil {
		return def, nil
	}
	return *p, nil
}

// OptBoolOK returns an optional boolean field and whether it was set.
func (r *Request) OptBoolOK(name string) (v, ok bool, err error) {
	raw, present := r.take(name)
	if !present {
		return false, false, nil
	}
	var p *bool
	if err := msgpack.Unmarshal(raw, &p); err != nil {
		return false, false, fmt.Errorf("%w: field %q", ErrBadMessage, name)
	}
	if p == nil {
		return false, false, nil
	}
	return *p, true, nil
}

// Time returns a required timestamp field (microseconds since epoch).
func (r *Request) Time(name string) (time.Time, error) {
	us, err := r.Int64(name)
	if err != nil {
		return time.Time{}, err
	}
	return apitypes.TimeFromMicro(us), nil
}

// OptTime returns an optional timestamp field.
func (r *Request) OptTime(name string) (t time.Time, ok bool, err error) {
	us, ok, err := r.OptInt64(name)
	if err != nil || !ok {
		return time.Time{}, ok, err
	}
	return apitypes.TimeFromMicro(us), true, nil
}

// UUID returns a required 128-bit id field carried as 16 raw bytes.
func (r *Request) UUID(name string) (uuid.UUID, error) {
	b, err := r.Bytes(name)
	if err != nil {
		return uuid.Nil, err
	}
	id, err := uuid.FromBytes(b)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: field %q", ErrBadMessage, name)
	}
	return id, nil
}

// BytesMap returns a required map field of string keys to binary values,
// used for per-participant and per-service blobs.
func (r *Request) BytesMap(name string) (map[string][]byte, error) {
	raw, ok := r.take(name)
	if !ok {
		return nil, fmt.Errorf("%w: missing field %q", ErrBadMessage, name)
	}
	var m map[string][]byte
	if err := msgpack.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("%w: field %q", ErrBadMessage, name)
	}
	return m, nil
}

// OptBytesMap returns an optional map field; nil when absent or nil.
func (r *Request) OptBytesMap(name string) (map[string][]byte, error) {
	raw, present := r.take(name)
	if !present {
		return nil, nil
	}
	var m map[string][]byte
	if err := msgpack.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("%w: field %q", ErrBadMessage, name)
	}
	return m, nil
}

// RawList returns a required list field left as raw elements, for
// commands carrying lists of composite entries.
func (r *Request) RawList(name string) ([]msgpack.RawMessage, error) {
	raw, ok := r.take(name)
	if !ok {
		return nil, fmt.Errorf("%w: missing field %q", ErrBadMessage, name)
	}
	var l []msgpack.RawMessage
	if err := msgpack.Unmarshal(raw, &l); err != nil {
		return nil, fmt.Errorf("%w: field %q", ErrBadMessage, name)
	}
	return l, nil
}

// DecodeInto unmarshals one raw list element into dst.
func DecodeInto(raw msgpack.RawMessage, dst any) error {
	if err := msgpack.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: %v", ErrBadMessage, err)
	}
	return nil
}

// Rep is a response frame under construction.
type Rep map[string]any

// NewRep returns a response with the given status.
func NewRep(status string) Rep { return Rep{"status": status} }

// OK returns an "ok" response.
func OK() Rep { return NewRep(StatusOK) }

// Set adds a field and returns the response for chaining.
func (p Rep) Set(name string, v any) Rep {
	p[name] = v
	return p
}

// SetTime adds a timestamp field in wire form.
func (p Rep) SetTime(name string, t time.Time) Rep {
	p[name] = apitypes.TimeToMicro(t)
	return p
}

// SetOptTime adds a nullable timestamp field.
func (p Rep) SetOptTime(name string, t *time.Time) Rep {
	if t == nil {
		p[name] = nil
	} else {
		p[name] = apitypes.TimeToMicro(*t)
	}
	return p
}

// SetUUID adds a 128-bit id field as 16 raw bytes.
func (p Rep) SetUUID(name string, id uuid.UUID) Rep {
	p[name] = id[:]
	return p
}

// Status returns the status tag of the response.
func (p Rep) Status() string {
	s, _ := p["status"].(string)
	return s
}

// Encode serializes the response frame.
func (p Rep) Encode() ([]byte, error) {
	return msgpack.Marshal(map[string]any(p))
}

// EncodeFrame serializes an arbitrary value as a msgpack frame; used by
// the handshake which exchanges frames before command dispatch.
func EncodeFrame(v any) ([]byte, error) { return msgpack.Marshal(v) }

// DecodeFrame parses a msgpack frame into dst.
func DecodeFrame(raw []byte, dst any) error {
	if err := msgpack.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: %v", ErrBadMessage, err)
	}
	return nil
}

package server

import (
	"errors"

	"parsec/backend/internal/apitypes"
	blockstore "parsec/backend/internal/block"
	"parsec/backend/internal/certif"
	invdomain "parsec/backend/internal/invite/domain"
	orgdomain "parsec/backend/internal/organization/domain"
	pkidomain "parsec/backend/internal/pki/domain"
	realmdomain "parsec/backend/internal/realm/domain"
	seqdomain "parsec/backend/internal/sequester/domain"
	userdomain "parsec/backend/internal/user/domain"
	vlobdomain "parsec/backend/internal/vlob/domain"

	"parsec/backend/internal/protocol"
)

// errRep maps a component error to its wire status. Handlers post-process
// the Rep when a status carries extra fields.
func errRep(err error) protocol.Rep {
	switch {
	case err == nil:
		return protocol.OK()

	// certificate validation
	case errors.Is(err, certif.ErrTimestampOutOfBallpark):
		return protocol.NewRep(protocol.StatusBadTimestamp)
	case errors.Is(err, certif.ErrInvalidSignature),
		errors.Is(err, certif.ErrInvalidEncoding),
		errors.Is(err, certif.ErrCertifierMismatch),
		errors.Is(err, certif.ErrRedactedMismatch):
		return protocol.NewRep(protocol.StatusInvalidCertification)

	// organization
	case errors.Is(err, orgdomain.ErrAlreadyBootstrapped):
		return protocol.NewRep(protocol.StatusAlreadyBootstrapped)
	case errors.Is(err, orgdomain.ErrInvalidBootstrapToken):
		return protocol.NewRep(protocol.StatusInvalidBootstrapToken)
	case errors.Is(err, orgdomain.ErrExpired):
		return protocol.NewRep(protocol.StatusExpiredOrganization)

	// user registry
	case errors.Is(err, userdomain.ErrActiveUsersLimitReached):
		return protocol.NewRep(protocol.StatusActiveUsersLimitReached)
	case errors.Is(err, userdomain.ErrEmailAlreadyUsed):
		return protocol.NewRep(protocol.StatusEmailAlreadyUsed)
	case errors.Is(err, userdomain.ErrAlreadyRevoked):
		return protocol.NewRep(protocol.StatusAlreadyRevoked)
	case errors.Is(err, userdomain.ErrOutsiderProfileNotAllowed):
		return protocol.NewRep(protocol.StatusNotAllowed)

	// realm
	case errors.Is(err, realmdomain.ErrAlreadyGranted):
		return protocol.NewRep(protocol.StatusAlreadyGranted)
	case errors.Is(err, realmdomain.ErrIncompatibleProfile):
		return protocol.NewRep(protocol.StatusIncompatibleProfile)
	case errors.Is(err, realmdomain.ErrUserRevoked):
		return protocol.NewRep(protocol.StatusNotFound)
	case errors.Is(err, realmdomain.ErrRequireGreaterTimestamp),
		errors.Is(err, vlobdomain.ErrRequireGreaterTimestamp):
		return requireGreaterTimestampRep(err)
	case errors.Is(err, realmdomain.ErrParticipantsMismatch):
		return protocol.NewRep(protocol.StatusParticipantsMismatch)
	case errors.Is(err, realmdomain.ErrMaintenanceError):
		return protocol.NewRep(protocol.StatusMaintenanceError)
	case errors.Is(err, realmdomain.ErrBadEncryptionRevision),
		errors.Is(err, vlobdomain.ErrBadEncryptionRevision):
		return protocol.NewRep(protocol.StatusBadEncryptionRevision)
	case errors.Is(err, realmdomain.ErrInMaintenance),
		errors.Is(err, vlobdomain.ErrInMaintenance),
		errors.Is(err, blockstore.ErrInMaintenance):
		return protocol.NewRep(protocol.StatusInMaintenance)
	case errors.Is(err, realmdomain.ErrNotInMaintenance),
		errors.Is(err, vlobdomain.ErrNotInMaintenance):
		return protocol.NewRep(protocol.StatusNotInMaintenance)

	// vlob
	case errors.Is(err, vlobdomain.ErrBadVersion):
		return protocol.NewRep(protocol.StatusBadVersion)

	// block
	case errors.Is(err, blockstore.ErrNotAvailable):
		return protocol.NewRep(protocol.StatusNotAvailable)

	// invitations
	case errors.Is(err, invdomain.ErrAlreadyDeleted):
		return protocol.NewRep(protocol.StatusAlreadyDeleted)
	case errors.Is(err, invdomain.ErrInvalidState):
		return protocol.NewRep(protocol.StatusInvalidState)
	case errors.Is(err, invdomain.ErrTimeout):
		return protocol.NewRep(protocol.StatusTimeout)

	// pki
	case errors.Is(err, pkidomain.ErrIDAlreadyUsed):
		return protocol.NewRep(protocol.StatusEnrollmentIDAlreadyUsed)
	case errors.Is(err, pkidomain.ErrNoLongerAvailable):
		return protocol.NewRep(protocol.StatusNoLongerAvailable)

	// sequester
	case errors.Is(err, seqdomain.ErrNotSequestered):
		return protocol.NewRep(protocol.StatusSequesterDisabled)
	case errors.Is(err, seqdomain.ErrAlreadyEnabled),
		errors.Is(err, seqdomain.ErrAlreadyDisabled):
		return protocol.NewRep(protocol.StatusAlreadyExists)
	case errors.Is(err, seqdomain.ErrNotAStorageService):
		return protocol.NewRep(protocol.StatusNotAllowed)
	case errors.Is(err, seqdomain.ErrWebhookFailed):
		return protocol.NewRep(protocol.StatusSequesterWebhookFailed)

	// shared shapes, checked after the specific kinds above
	case errors.Is(err, orgdomain.ErrNotFound),
		errors.Is(err, userdomain.ErrNotFound),
		errors.Is(err, realmdomain.ErrNotFound),
		errors.Is(err, vlobdomain.ErrNotFound),
		errors.Is(err, blockstore.ErrNotFound),
		errors.Is(err, invdomain.ErrNotFound),
		errors.Is(err, pkidomain.ErrNotFound),
		errors.Is(err, seqdomain.ErrNotFound):
		return protocol.NewRep(protocol.StatusNotFound)
	case errors.Is(err, orgdomain.ErrAlreadyExists),
		errors.Is(err, userdomain.ErrAlreadyExists),
		errors.Is(err, realmdomain.ErrAlreadyExists),
		errors.Is(err, vlobdomain.ErrAlreadyExists),
		errors.Is(err, blockstore.ErrAlreadyExists),
		errors.Is(err, seqdomain.ErrAlreadyExists):
		return protocol.NewRep(protocol.StatusAlreadyExists)
	case errors.Is(err, realmdomain.ErrNotAllowed),
		errors.Is(err, vlobdomain.ErrNotAllowed),
		errors.Is(err, blockstore.ErrNotAllowed):
		return protocol.NewRep(protocol.StatusNotAllowed)
	case errors.Is(err, protocol.ErrBadMessage):
		return protocol.NewRep(protocol.StatusBadMessageFormat)
	}

	var inconsistency *seqdomain.InconsistencyError
	if errors.As(err, &inconsistency) {
		return protocol.NewRep(protocol.StatusSequesterInconsistency).
			Set("sequester_authority_certificate", inconsistency.AuthorityCertificate).
			Set("sequester_services_certificates", inconsistency.ServiceCertificates)
	}
	var rejected *seqdomain.RejectedError
	if errors.As(err, &rejected) {
		return protocol.NewRep(protocol.StatusInvalidData).
			Set("service_id", rejected.ServiceID[:]).
			Set("reason", rejected.Reason)
	}
	var alreadySubmitted *pkidomain.AlreadySubmittedError
	if errors.As(err, &alreadySubmitted) {
		return protocol.NewRep(protocol.StatusAlreadySubmitted).
			Set("submitted_on", apitypes.TimeToMicro(alreadySubmitted.Since))
	}
	var alreadyEnrolled *pkidomain.AlreadyEnrolledError
	if errors.As(err, &alreadyEnrolled) {
		return protocol.NewRep(protocol.StatusAlreadyEnrolled).
			Set("accepted_on", apitypes.TimeToMicro(alreadyEnrolled.Since))
	}

	return protocol.NewRep(protocol.StatusInvalidData)
}

// requireGreaterTimestampRep echoes the timestamp the client must
// strictly exceed, when the error carries it.
func requireGreaterTimestampRep(err error) protocol.Rep {
	rep := protocol.NewRep(protocol.StatusRequireGreaterTimestamp)
	var realmTS *realmdomain.TimestampError
	if errors.As(err, &realmTS) {
		return rep.SetTime("strictly_greater_than", realmTS.StrictlyGreaterThan)
	}
	var vlobTS *vlobdomain.TimestampError
	if errors.As(err, &vlobTS) {
		return rep.SetTime("strictly_greater_than", vlobTS.StrictlyGreaterThan)
	}
	return rep
}

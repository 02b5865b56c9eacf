package server

import (
	"context"

	"parsec/backend/internal/apitypes"
	"parsec/backend/internal/pki"
	pkidomain "parsec/backend/internal/pki/domain"
	"parsec/backend/internal/protocol"
	"parsec/backend/internal/user"
)

func (s *Server) cmdPkiEnrollmentSubmit(ctx context.Context, c *client, req *protocol.Request) protocol.Rep {
	enrollmentID, err := req.UUID("enrollment_id")
	if err != nil {
		return badMsg()
	}
	force, err := req.Bool("force")
	if err != nil {
		return badMsg()
	}
	x509Der, err := req.Bytes("submitter_der_x509_certificate")
	if err != nil {
		return badMsg()
	}
	x509Email, _, err := req.OptStr("submitter_der_x509_certificate_email")
	if err != nil {
		return badMsg()
	}
	signature, err := req.Bytes("submit_payload_signature")
	if err != nil {
		return badMsg()
	}
	payload, err := req.Bytes("submit_payload")
	if err != nil {
		return badMsg()
	}
	if err := req.Finish(); err != nil {
		return badMsg()
	}
	sub := pki.Submission{
		EnrollmentID: enrollmentID,
		Force:        force,
		X509Der:      x509Der,
		X509Email:    x509Email,
		Signature:    signature,
		Payload:      payload,
		SubmittedOn:  s.nowF(),
	}
	if err := s.comp.Pki.Submit(ctx, c.cc.Organization, sub); err != nil {
		return errRep(err)
	}
	return protocol.OK().SetTime("submitted_on", apitypes.TruncateTime(sub.SubmittedOn))
}

func (s *Server) cmdPkiEnrollmentInfo(ctx context.Context, c *client, req *protocol.Request) protocol.Rep {
	enrollmentID, err := req.UUID("enrollment_id")
	if err != nil {
		return badMsg()
	}
	if err := req.Finish(); err != nil {
		return badMsg()
	}
	e, err := s.comp.Pki.Info(ctx, c.cc.Organization, enrollmentID)
	if err != nil {
		return errRep(err)
	}
	rep := protocol.OK().
		Set("enrollment_status", string(e.State)).
		SetTime("submitted_on", e.SubmittedOn)
	switch e.State {
	case pkidomain.StateCancelled:
		rep.SetOptTime("cancelled_on", e.CancelledOn)
	case pkidomain.StateRejected:
		rep.SetOptTime("rejected_on", e.RejectedOn)
	case pkidomain.StateAccepted:
		rep.SetOptTime("accepted_on", e.AcceptedOn)
		rep.Set("accepter_der_x509_certificate", e.AccepterDer)
		rep.Set("accept_payload_signature", e.AcceptSignature)
		rep.Set("accept_payload", e.AcceptPayload)
	}
	return rep
}

func (s *Server) cmdPkiEnrollmentList(ctx context.Context, c *client, req *protocol.Request) protocol.Rep {
	if err := req.Finish(); err != nil {
		return badMsg()
	}
	if c.cc.Profile != apitypes.ProfileAdmin {
		return protocol.NewRep(protocol.StatusNotAllowed)
	}
	enrollments, err := s.comp.Pki.List(ctx, c.cc.Organization)
	if err != nil {
		return errRep(err)
	}
	out := make([]map[string]any, 0, len(enrollments))
	for _, e := range enrollments {
		out = append(out, map[string]any{
			"enrollment_id":                  e.EnrollmentID[:],
			"submitted_on":                   apitypes.TimeToMicro(e.SubmittedOn),
			"submitter_der_x509_certificate": e.X509Der,
			"submit_payload_signature":       e.Signature,
			"submit_payload":                 e.Payload,
		})
	}
	return protocol.OK().Set("enrollments", out)
}

func (s *Server) cmdPkiEnrollmentReject(ctx context.Context, c *client, req *protocol.Request) protocol.Rep {
	enrollmentID, err := req.UUID("enrollment_id")
	if err != nil {
		return badMsg()
	}
	if err := req.Finish(); err != nil {
		return badMsg()
	}
	if c.cc.Profile != apitypes.ProfileAdmin {
		return protocol.NewRep(protocol.StatusNotAllowed)
	}
	if err := s.comp.Pki.Reject(ctx, c.cc.Organization, enrollmentID, s.nowF()); err != nil {
		return errRep(err)
	}
	return protocol.OK()
}

func (s *Server) cmdPkiEnrollmentAccept(ctx context.Context, c *client, req *protocol.Request) protocol.Rep {
	enrollmentID, err := req.UUID("enrollment_id")
	if err != nil {
		return badMsg()
	}
	accepterDer, err := req.Bytes("accepter_der_x509_certificate")
	if err != nil {
		return badMsg()
	}
	acceptSignature, err := req.Bytes("accept_payload_signature")
	if err != nil {
		return badMsg()
	}
	acceptPayload, err := req.Bytes("accept_payload")
	if err != nil {
		return badMsg()
	}
	userCert, err := req.Bytes("user_certificate")
	if err != nil {
		return badMsg()
	}
	deviceCert, err := req.Bytes("device_certificate")
	if err != nil {
		return badMsg()
	}
	redactedUserCert, err := req.Bytes("redacted_user_certificate")
	if err != nil {
		return badMsg()
	}
	redactedDeviceCert, err := req.Bytes("redacted_device_certificate")
	if err != nil {
		return badMsg()
	}
	if err := req.Finish(); err != nil {
		return badMsg()
	}
	if c.cc.Profile != apitypes.ProfileAdmin {
		return protocol.NewRep(protocol.StatusNotAllowed)
	}
	newUser, firstDevice, err := user.ValidateNewUser(c.cc.VerifyKey, c.cc.DeviceID, s.nowF(),
		userCert, deviceCert, redactedUserCert, redactedDeviceCert)
	if err != nil {
		return errRep(err)
	}
	acc := pki.Acceptance{
		AccepterDer:     accepterDer,
		AcceptSignature: acceptSignature,
		AcceptPayload:   acceptPayload,
		AcceptedOn:      s.nowF(),
	}
	if err := s.comp.Pki.Accept(ctx, c.cc.Organization, enrollmentID, acc, newUser, firstDevice); err != nil {
		return errRep(err)
	}
	return protocol.OK()
}

package server

import (
	"context"

	"parsec/backend/internal/apitypes"
	"parsec/backend/internal/protocol"
	"parsec/backend/internal/user"
	"parsec/backend/internal/user/repository"
)

func (s *Server) cmdUserGet(ctx context.Context, c *client, req *protocol.Request) protocol.Rep {
	rawID, err := req.Str("user_id")
	if err != nil {
		return badMsg()
	}
	if err := req.Finish(); err != nil {
		return badMsg()
	}
	id, err := apitypes.NewUserID(rawID)
	if err != nil {
		return protocol.NewRep(protocol.StatusInvalidData)
	}
	// outsiders only ever see the redacted certificates
	redacted := c.cc.Profile == apitypes.ProfileOutsider
	res, err := s.comp.Users.GetUserWithTrustchain(ctx, c.cc.Organization, id, redacted)
	if err != nil {
		return errRep(err)
	}
	return protocol.OK().
		Set("user_certificate", res.UserCertificate).
		Set("revoked_user_certificate", res.RevokedUserCertificate).
		Set("device_certificates", res.DeviceCertificates).
		Set("trustchain", map[string]any{
			"devices":       res.Trustchain.Devices,
			"users":         res.Trustchain.Users,
			"revoked_users": res.Trustchain.RevokedUsers,
		})
}

func (s *Server) cmdUserCreate(ctx context.Context, c *client, req *protocol.Request) protocol.Rep {
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
	if err := s.comp.Users.CreateUser(ctx, c.cc.Organization, newUser, firstDevice); err != nil {
		return errRep(err)
	}
	return protocol.OK()
}

func (s *Server) cmdUserRevoke(ctx context.Context, c *client, req *protocol.Request) protocol.Rep {
	cert, err := req.Bytes("revoked_user_certificate")
	if err != nil {
		return badMsg()
	}
	if err := req.Finish(); err != nil {
		return badMsg()
	}
	if c.cc.Profile != apitypes.ProfileAdmin {
		return protocol.NewRep(protocol.StatusNotAllowed)
	}
	revocation, err := user.ValidateRevocation(c.cc.VerifyKey, c.cc.DeviceID, s.nowF(), cert)
	if err != nil {
		return errRep(err)
	}
	target := apitypes.UserID(revocation.UserID)
	if target == c.cc.DeviceID.UserID() {
		return protocol.NewRep(protocol.StatusNotAllowed)
	}
	on := apitypes.TimeFromMicro(revocation.Timestamp)
	if err := s.comp.Users.RevokeUser(ctx, c.cc.Organization, target, on, cert, c.cc.DeviceID); err != nil {
		return errRep(err)
	}
	return protocol.OK()
}

func (s *Server) cmdDeviceCreate(ctx context.Context, c *client, req *protocol.Request) protocol.Rep {
	deviceCert, err := req.Bytes("device_certificate")
	if err != nil {
		return badMsg()
	}
	redactedCert, err := req.Bytes("redacted_device_certificate")
	if err != nil {
		return badMsg()
	}
	if err := req.Finish(); err != nil {
		return badMsg()
	}
	device, err := user.ValidateNewDevice(c.cc.VerifyKey, c.cc.DeviceID, s.nowF(), deviceCert, redactedCert)
	if err != nil {
		return errRep(err)
	}
	if err := s.comp.Users.CreateDevice(ctx, c.cc.Organization, device); err != nil {
		return errRep(err)
	}
	return protocol.OK()
}

func (s *Server) cmdHumanFind(ctx context.Context, c *client, req *protocol.Request) protocol.Rep {
	q := repository.HumanFindQuery{}
	var err error
	if q.Query, _, err = req.OptStr("query"); err != nil {
		return badMsg()
	}
	if q.OmitRevoked, err = req.OptBool("omit_revoked", false); err != nil {
		return badMsg()
	}
	if q.OmitNonHuman, err = req.OptBool("omit_non_human", false); err != nil {
		return badMsg()
	}
	page, ok, err := req.OptInt64("page")
	if err != nil {
		return badMsg()
	}
	if !ok {
		page = 1
	}
	perPage, ok, err := req.OptInt64("per_page")
	if err != nil {
		return badMsg()
	}
	if !ok {
		perPage = 100
	}
	if err := req.Finish(); err != nil {
		return badMsg()
	}
	if page < 1 || perPage < 1 || perPage > 100 {
		return badMsg()
	}
	if c.cc.Profile == apitypes.ProfileOutsider {
		return protocol.NewRep(protocol.StatusNotAllowed)
	}
	q.Page = page
	q.PerPage = perPage
	results, total, err := s.comp.Users.FindHumans(ctx, c.cc.Organization, q)
	if err != nil {
		return errRep(err)
	}
	out := make([]map[string]any, 0, len(results))
	for _, r := range results {
		entry := map[string]any{
			"user_id": string(r.UserID),
			"revoked": r.Revoked,
		}
		if r.HumanHandle != nil {
			entry["human_handle"] = map[string]any{
				"email": r.HumanHandle.Email,
				"label": r.HumanHandle.Label,
			}
		}
		out = append(out, entry)
	}
	return protocol.OK().
		Set("results", out).
		Set("total", total).
		Set("page", q.Page).
		Set("per_page", q.PerPage)
}

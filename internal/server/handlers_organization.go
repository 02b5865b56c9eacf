package server

import (
	"context"

	"github.com/google/uuid"

	"parsec/backend/internal/apitypes"
	"parsec/backend/internal/organization"
	"parsec/backend/internal/protocol"
)

func (s *Server) cmdOrganizationCreate(ctx context.Context, _ *client, req *protocol.Request) protocol.Rep {
	rawID, err := req.Str("organization_id")
	if err != nil {
		return badMsg()
	}
	limit, hasLimit, err := req.OptInt64("active_users_limit")
	if err != nil {
		return badMsg()
	}
	outsiders, err := req.OptBool("user_profile_outsider_allowed", false)
	if err != nil {
		return badMsg()
	}
	if err := req.Finish(); err != nil {
		return badMsg()
	}
	id, err := apitypes.NewOrganizationID(rawID)
	if err != nil {
		return protocol.NewRep(protocol.StatusInvalidData)
	}
	opts := organization.CreateOptions{OutsiderProfileAllowed: outsiders}
	if hasLimit {
		opts.ActiveUsersLimit = &limit
	}
	token := uuid.NewString()
	if err := s.comp.Orgs.Create(ctx, id, token, opts); err != nil {
		return errRep(err)
	}
	return protocol.OK().Set("bootstrap_token", token)
}

func (s *Server) cmdOrganizationStatus(ctx context.Context, _ *client, req *protocol.Request) protocol.Rep {
	rawID, err := req.Str("organization_id")
	if err != nil {
		return badMsg()
	}
	if err := req.Finish(); err != nil {
		return badMsg()
	}
	id, err := apitypes.NewOrganizationID(rawID)
	if err != nil {
		return protocol.NewRep(protocol.StatusInvalidData)
	}
	org, err := s.comp.Orgs.Get(ctx, id)
	if err != nil {
		return errRep(err)
	}
	rep := protocol.OK().
		Set("is_bootstrapped", org.IsBootstrapped()).
		Set("is_expired", org.IsExpired).
		Set("user_profile_outsider_allowed", org.OutsiderProfileAllowed).
		Set("active_users_limit", org.ActiveUsersLimit)
	return rep
}

func (s *Server) cmdOrganizationUpdate(ctx context.Context, _ *client, req *protocol.Request) protocol.Rep {
	rawID, err := req.Str("organization_id")
	if err != nil {
		return badMsg()
	}
	var opts organization.UpdateOptions
	if expired, ok, err := req.OptBoolOK("is_expired"); err != nil {
		return badMsg()
	} else if ok {
		opts.IsExpired = &expired
	}
	if limit, ok, err := req.OptInt64("active_users_limit"); err != nil {
		return badMsg()
	} else if ok {
		// a negative limit clears it
		var p *int64
		if limit >= 0 {
			p = &limit
		}
		opts.ActiveUsersLimit = &p
	}
	if outsiders, ok, err := req.OptBoolOK("user_profile_outsider_allowed"); err != nil {
		return badMsg()
	} else if ok {
		opts.OutsiderProfileAllowed = &outsiders
	}
	if err := req.Finish(); err != nil {
		return badMsg()
	}
	id, err := apitypes.NewOrganizationID(rawID)
	if err != nil {
		return protocol.NewRep(protocol.StatusInvalidData)
	}
	if err := s.comp.Orgs.Update(ctx, id, opts); err != nil {
		return errRep(err)
	}
	return protocol.OK()
}

func (s *Server) cmdOrganizationStats(ctx context.Context, _ *client, req *protocol.Request) protocol.Rep {
	rawID, err := req.Str("organization_id")
	if err != nil {
		return badMsg()
	}
	at, ok, err := req.OptTime("at")
	if err != nil {
		return badMsg()
	}
	if !ok {
		at = s.nowF()
	}
	if err := req.Finish(); err != nil {
		return badMsg()
	}
	id, err := apitypes.NewOrganizationID(rawID)
	if err != nil {
		return protocol.NewRep(protocol.StatusInvalidData)
	}
	stats, err := s.comp.Orgs.Stats(ctx, id, at)
	if err != nil {
		return errRep(err)
	}
	return protocol.OK().
		Set("users", stats.Users).
		Set("active_users", stats.ActiveUsers).
		Set("realms", stats.Realms).
		Set("metadata_size", stats.MetadataSize).
		Set("data_size", stats.DataSize)
}

func (s *Server) cmdOrganizationBootstrap(ctx context.Context, c *client, req *protocol.Request) protocol.Rep {
	var breq organization.BootstrapRequest
	var err error
	if breq.BootstrapToken, err = req.Str("bootstrap_token"); err != nil {
		return badMsg()
	}
	if breq.RootVerifyKey, err = req.Bytes("root_verify_key"); err != nil {
		return badMsg()
	}
	if breq.UserCertificate, err = req.Bytes("user_certificate"); err != nil {
		return badMsg()
	}
	if breq.DeviceCertificate, err = req.Bytes("device_certificate"); err != nil {
		return badMsg()
	}
	if breq.RedactedUserCertificate, err = req.Bytes("redacted_user_certificate"); err != nil {
		return badMsg()
	}
	if breq.RedactedDeviceCertificate, err = req.Bytes("redacted_device_certificate"); err != nil {
		return badMsg()
	}
	if breq.SequesterAuthorityKey, err = req.OptBytes("sequester_authority_key"); err != nil {
		return badMsg()
	}
	if breq.SequesterAuthorityCertificate, err = req.OptBytes("sequester_authority_certificate"); err != nil {
		return badMsg()
	}
	if err := req.Finish(); err != nil {
		return badMsg()
	}
	if err := s.comp.Orgs.Bootstrap(ctx, c.cc.Organization, breq); err != nil {
		return errRep(err)
	}
	return protocol.OK()
}

func (s *Server) cmdOrganizationConfig(ctx context.Context, c *client, req *protocol.Request) protocol.Rep {
	if err := req.Finish(); err != nil {
		return badMsg()
	}
	org, err := s.comp.Orgs.Get(ctx, c.cc.Organization)
	if err != nil {
		return errRep(err)
	}
	rep := protocol.OK().
		Set("user_profile_outsider_allowed", org.OutsiderProfileAllowed).
		Set("active_users_limit", org.ActiveUsersLimit)
	if org.SequesterEnabled() {
		rep.Set("sequester_authority_certificate", org.SequesterAuthorityCertificate)
		services, err := s.comp.Sequester.ListServices(ctx, c.cc.Organization)
		if err != nil {
			return errRep(err)
		}
		certs := make([][]byte, 0, len(services))
		for _, svc := range services {
			if svc.Enabled() {
				certs = append(certs, svc.Certificate)
			}
		}
		rep.Set("sequester_services_certificates", certs)
	}
	return rep
}

package server

import (
	"context"

	"github.com/google/uuid"

	"parsec/backend/internal/apitypes"
	"parsec/backend/internal/certif"
	"parsec/backend/internal/protocol"
	realmdomain "parsec/backend/internal/realm/domain"
)

// loadRoleGrant verifies a realm role certificate against the caller's
// key and turns it into the domain grant the realm component consumes.
func (s *Server) loadRoleGrant(c *client, certificate []byte) (uuid.UUID, *realmdomain.RoleGrant, error) {
	cert, err := certif.LoadRealmRoleCertificate(c.cc.VerifyKey, certificate, certif.LoadOptions{
		ExpectedAuthor: c.cc.DeviceID,
		Now:            s.nowF(),
	})
	if err != nil {
		return uuid.Nil, nil, err
	}
	realmID, err := uuid.FromBytes(cert.RealmID)
	if err != nil {
		return uuid.Nil, nil, certif.ErrInvalidEncoding
	}
	userID, err := apitypes.NewUserID(cert.UserID)
	if err != nil {
		return uuid.Nil, nil, certif.ErrInvalidEncoding
	}
	grant := &realmdomain.RoleGrant{
		UserID:      userID,
		Certificate: certificate,
		GrantedBy:   c.cc.DeviceID,
		GrantedOn:   apitypes.TimeFromMicro(cert.Timestamp),
	}
	if cert.Role != nil {
		role, err := apitypes.NewRealmRole(*cert.Role)
		if err != nil {
			return uuid.Nil, nil, certif.ErrInvalidEncoding
		}
		grant.Role = apitypes.RoleRef(role)
	}
	return realmID, grant, nil
}

func (s *Server) cmdRealmCreate(ctx context.Context, c *client, req *protocol.Request) protocol.Rep {
	certificate, err := req.Bytes("role_certificate")
	if err != nil {
		return badMsg()
	}
	if err := req.Finish(); err != nil {
		return badMsg()
	}
	realmID, grant, err := s.loadRoleGrant(c, certificate)
	if err != nil {
		return errRep(err)
	}
	if err := s.comp.Realms.Create(ctx, c.cc.Organization, c.cc.DeviceID, realmID, grant); err != nil {
		return errRep(err)
	}
	return protocol.OK()
}

func (s *Server) cmdRealmUpdateRoles(ctx context.Context, c *client, req *protocol.Request) protocol.Rep {
	certificate, err := req.Bytes("role_certificate")
	if err != nil {
		return badMsg()
	}
	recipientMessage, err := req.OptBytes("recipient_message")
	if err != nil {
		return badMsg()
	}
	if err := req.Finish(); err != nil {
		return badMsg()
	}
	realmID, grant, err := s.loadRoleGrant(c, certificate)
	if err != nil {
		return errRep(err)
	}
	if err := s.comp.Realms.UpdateRoles(ctx, c.cc.Organization, c.cc.DeviceID, realmID, grant, recipientMessage); err != nil {
		return errRep(err)
	}
	return protocol.OK()
}

func (s *Server) cmdRealmStatus(ctx context.Context, c *client, req *protocol.Request) protocol.Rep {
	realmID, err := req.UUID("realm_id")
	if err != nil {
		return badMsg()
	}
	if err := req.Finish(); err != nil {
		return badMsg()
	}
	status, err := s.comp.Realms.GetStatus(ctx, c.cc.Organization, c.cc.DeviceID.UserID(), realmID)
	if err != nil {
		return errRep(err)
	}
	rep := protocol.OK().
		Set("in_maintenance", status.InMaintenance).
		Set("encryption_revision", status.EncryptionRevision)
	if status.MaintenanceType != nil {
		rep.Set("maintenance_type", string(*status.MaintenanceType))
	} else {
		rep.Set("maintenance_type", nil)
	}
	rep.SetOptTime("maintenance_started_on", status.MaintenanceStartedOn)
	if status.MaintenanceStartedBy != nil {
		rep.Set("maintenance_started_by", string(*status.MaintenanceStartedBy))
	} else {
		rep.Set("maintenance_started_by", nil)
	}
	return rep
}

func (s *Server) cmdRealmStats(ctx context.Context, c *client, req *protocol.Request) protocol.Rep {
	realmID, err := req.UUID("realm_id")
	if err != nil {
		return badMsg()
	}
	if err := req.Finish(); err != nil {
		return badMsg()
	}
	stats, err := s.comp.Realms.GetStats(ctx, c.cc.Organization, c.cc.DeviceID.UserID(), realmID)
	if err != nil {
		return errRep(err)
	}
	return protocol.OK().
		Set("blocks_size", stats.BlocksSize).
		Set("vlobs_size", stats.VlobsSize)
}

func (s *Server) cmdRealmGetRoleCertificates(ctx context.Context, c *client, req *protocol.Request) protocol.Rep {
	realmID, err := req.UUID("realm_id")
	if err != nil {
		return badMsg()
	}
	since, _, err := req.OptTime("since")
	if err != nil {
		return badMsg()
	}
	if err := req.Finish(); err != nil {
		return badMsg()
	}
	certs, err := s.comp.Realms.GetRoleCertificates(ctx, c.cc.Organization, c.cc.DeviceID.UserID(), realmID, since)
	if err != nil {
		return errRep(err)
	}
	return protocol.OK().Set("certificates", certs)
}

func (s *Server) cmdRealmStartReencryption(ctx context.Context, c *client, req *protocol.Request) protocol.Rep {
	realmID, err := req.UUID("realm_id")
	if err != nil {
		return badMsg()
	}
	revision, err := req.Int64("encryption_revision")
	if err != nil {
		return badMsg()
	}
	timestamp, err := req.Time("timestamp")
	if err != nil {
		return badMsg()
	}
	rawMessages, err := req.BytesMap("per_participant_message")
	if err != nil {
		return badMsg()
	}
	if err := req.Finish(); err != nil {
		return badMsg()
	}
	perParticipant := make(map[apitypes.UserID][]byte, len(rawMessages))
	for rawUser, body := range rawMessages {
		id, err := apitypes.NewUserID(rawUser)
		if err != nil {
			return protocol.NewRep(protocol.StatusInvalidData)
		}
		perParticipant[id] = body
	}
	err = s.comp.Realms.StartReencryption(ctx, c.cc.Organization, c.cc.DeviceID, realmID, revision, timestamp, perParticipant)
	if err != nil {
		return errRep(err)
	}
	return protocol.OK()
}

func (s *Server) cmdRealmFinishReencryption(ctx context.Context, c *client, req *protocol.Request) protocol.Rep {
	realmID, err := req.UUID("realm_id")
	if err != nil {
		return badMsg()
	}
	revision, err := req.Int64("encryption_revision")
	if err != nil {
		return badMsg()
	}
	if err := req.Finish(); err != nil {
		return badMsg()
	}
	if err := s.comp.Realms.FinishReencryption(ctx, c.cc.Organization, c.cc.DeviceID, realmID, revision); err != nil {
		return errRep(err)
	}
	return protocol.OK()
}

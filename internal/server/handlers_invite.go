package server

import (
	"context"

	"github.com/google/uuid"

	"parsec/backend/internal/apitypes"
	invitedomain "parsec/backend/internal/invite/domain"
	"parsec/backend/internal/protocol"
)

func (s *Server) cmdInviteNew(ctx context.Context, c *client, req *protocol.Request) protocol.Rep {
	rawType, err := req.Str("type")
	if err != nil {
		return badMsg()
	}
	claimerEmail, _, err := req.OptStr("claimer_email")
	if err != nil {
		return badMsg()
	}
	// kept for wire compatibility, mail delivery is out of process
	if _, err := req.OptBool("send_email", false); err != nil {
		return badMsg()
	}
	if err := req.Finish(); err != nil {
		return badMsg()
	}
	typ, err := apitypes.NewInvitationType(rawType)
	if err != nil {
		return protocol.NewRep(protocol.StatusInvalidData)
	}
	var inv *invitedomain.Invitation
	switch typ {
	case apitypes.InvitationUser:
		if claimerEmail == "" {
			return badMsg()
		}
		inv, err = s.comp.Invites.NewForUser(ctx, c.cc.Organization, c.cc.DeviceID.UserID(), claimerEmail)
	default:
		inv, err = s.comp.Invites.NewForDevice(ctx, c.cc.Organization, c.cc.DeviceID.UserID())
	}
	if err != nil {
		return errRep(err)
	}
	return protocol.OK().SetUUID("token", inv.Token)
}

func (s *Server) cmdInviteDelete(ctx context.Context, c *client, req *protocol.Request) protocol.Rep {
	token, err := req.UUID("token")
	if err != nil {
		return badMsg()
	}
	rawReason, err := req.Str("reason")
	if err != nil {
		return badMsg()
	}
	if err := req.Finish(); err != nil {
		return badMsg()
	}
	reason, err := apitypes.NewInvitationDeletedReason(rawReason)
	if err != nil {
		return protocol.NewRep(protocol.StatusInvalidData)
	}
	if err := s.comp.Invites.Delete(ctx, c.cc.Organization, c.cc.DeviceID.UserID(), token, s.nowF(), reason); err != nil {
		return errRep(err)
	}
	return protocol.OK()
}

func (s *Server) cmdInviteList(ctx context.Context, c *client, req *protocol.Request) protocol.Rep {
	if err := req.Finish(); err != nil {
		return badMsg()
	}
	invs, err := s.comp.Invites.List(ctx, c.cc.Organization, c.cc.DeviceID.UserID())
	if err != nil {
		return errRep(err)
	}
	out := make([]map[string]any, 0, len(invs))
	for _, inv := range invs {
		entry := map[string]any{
			"token":      inv.Token[:],
			"type":       string(inv.Type),
			"created_on": apitypes.TimeToMicro(inv.CreatedOn),
			"status":     string(inv.Status),
		}
		if inv.Type == apitypes.InvitationUser {
			entry["claimer_email"] = inv.ClaimerEmail
		}
		out = append(out, entry)
	}
	return protocol.OK().Set("invitations", out)
}

func (s *Server) cmdInviteInfo(ctx context.Context, c *client, req *protocol.Request) protocol.Rep {
	if err := req.Finish(); err != nil {
		return badMsg()
	}
	inv, err := s.comp.Invites.Info(ctx, c.cc.Organization, c.cc.InvitationToken)
	if err != nil {
		return errRep(err)
	}
	rep := protocol.OK().
		Set("type", string(inv.Type)).
		Set("greeter_user_id", string(inv.Greeter))
	if inv.Type == apitypes.InvitationUser {
		rep.Set("claimer_email", inv.ClaimerEmail)
	}
	if greeter, err := s.comp.Users.GetUser(ctx, c.cc.Organization, inv.Greeter); err == nil {
		rep.Set("greeter_human_handle", humanHandleRep(greeter.HumanHandle))
	} else {
		rep.Set("greeter_human_handle", nil)
	}
	return rep
}

func humanHandleRep(h *apitypes.HumanHandle) any {
	if h == nil {
		return nil
	}
	return map[string]any{"email": h.Email, "label": h.Label}
}

// conduitExchange runs one talk-and-wait round trip; token resolution
// differs between the two sides so the caller passes it in.
func (s *Server) conduitExchange(ctx context.Context, c *client, token uuid.UUID, greeter bool, state invitedomain.ConduitState, payload []byte) ([]byte, protocol.Rep) {
	peer, err := s.comp.Invites.ConduitExchange(ctx, c.cc.Organization, token, greeter, state, payload)
	if err != nil {
		return nil, errRep(err)
	}
	return peer, nil
}

func (s *Server) cmdInvite1GreeterWaitPeer(ctx context.Context, c *client, req *protocol.Request) protocol.Rep {
	token, err := req.UUID("token")
	if err != nil {
		return badMsg()
	}
	publicKey, err := req.Bytes("greeter_public_key")
	if err != nil {
		return badMsg()
	}
	if err := req.Finish(); err != nil {
		return badMsg()
	}
	peer, rep := s.conduitExchange(ctx, c, token, true, invitedomain.StateWaitPeers, publicKey)
	if rep != nil {
		return rep
	}
	return protocol.OK().Set("claimer_public_key", peer)
}

func (s *Server) cmdInvite1ClaimerWaitPeer(ctx context.Context, c *client, req *protocol.Request) protocol.Rep {
	publicKey, err := req.Bytes("claimer_public_key")
	if err != nil {
		return badMsg()
	}
	if err := req.Finish(); err != nil {
		return badMsg()
	}
	peer, rep := s.conduitExchange(ctx, c, c.cc.InvitationToken, false, invitedomain.StateWaitPeers, publicKey)
	if rep != nil {
		return rep
	}
	return protocol.OK().Set("greeter_public_key", peer)
}

func (s *Server) cmdInvite2aGreeterGetHashedNonce(ctx context.Context, c *client, req *protocol.Request) protocol.Rep {
	token, err := req.UUID("token")
	if err != nil {
		return badMsg()
	}
	if err := req.Finish(); err != nil {
		return badMsg()
	}
	hashed, rep := s.conduitExchange(ctx, c, token, true, invitedomain.State1GetNonce, nil)
	if rep != nil {
		return rep
	}
	return protocol.OK().Set("claimer_hashed_nonce", hashed)
}

func (s *Server) cmdInvite2aClaimerSendHashedNonce(ctx context.Context, c *client, req *protocol.Request) protocol.Rep {
	hashedNonce, err := req.Bytes("claimer_hashed_nonce")
	if err != nil {
		return badMsg()
	}
	if err := req.Finish(); err != nil {
		return badMsg()
	}
	token := c.cc.InvitationToken
	if _, rep := s.conduitExchange(ctx, c, token, false, invitedomain.State1GetNonce, hashedNonce); rep != nil {
		return rep
	}
	greeterNonce, rep := s.conduitExchange(ctx, c, token, false, invitedomain.State2aGetHashed, nil)
	if rep != nil {
		return rep
	}
	return protocol.OK().Set("greeter_nonce", greeterNonce)
}

func (s *Server) cmdInvite2bGreeterSendNonce(ctx context.Context, c *client, req *protocol.Request) protocol.Rep {
	token, err := req.UUID("token")
	if err != nil {
		return badMsg()
	}
	greeterNonce, err := req.Bytes("greeter_nonce")
	if err != nil {
		return badMsg()
	}
	if err := req.Finish(); err != nil {
		return badMsg()
	}
	if _, rep := s.conduitExchange(ctx, c, token, true, invitedomain.State2aGetHashed, greeterNonce); rep != nil {
		return rep
	}
	claimerNonce, rep := s.conduitExchange(ctx, c, token, true, invitedomain.State2bGetNonce, nil)
	if rep != nil {
		return rep
	}
	return protocol.OK().Set("claimer_nonce", claimerNonce)
}

func (s *Server) cmdInvite2bClaimerSendNonce(ctx context.Context, c *client, req *protocol.Request) protocol.Rep {
	claimerNonce, err := req.Bytes("claimer_nonce")
	if err != nil {
		return badMsg()
	}
	if err := req.Finish(); err != nil {
		return badMsg()
	}
	if _, rep := s.conduitExchange(ctx, c, c.cc.InvitationToken, false, invitedomain.State2bGetNonce, claimerNonce); rep != nil {
		return rep
	}
	return protocol.OK()
}

func (s *Server) cmdInvite3aGreeterWaitPeerTrust(ctx context.Context, c *client, req *protocol.Request) protocol.Rep {
	token, err := req.UUID("token")
	if err != nil {
		return badMsg()
	}
	if err := req.Finish(); err != nil {
		return badMsg()
	}
	if _, rep := s.conduitExchange(ctx, c, token, true, invitedomain.State3aSignify, nil); rep != nil {
		return rep
	}
	return protocol.OK()
}

func (s *Server) cmdInvite3aClaimerSignifyTrust(ctx context.Context, c *client, req *protocol.Request) protocol.Rep {
	if err := req.Finish(); err != nil {
		return badMsg()
	}
	if _, rep := s.conduitExchange(ctx, c, c.cc.InvitationToken, false, invitedomain.State3aSignify, nil); rep != nil {
		return rep
	}
	return protocol.OK()
}

func (s *Server) cmdInvite3bGreeterSignifyTrust(ctx context.Context, c *client, req *protocol.Request) protocol.Rep {
	token, err := req.UUID("token")
	if err != nil {
		return badMsg()
	}
	if err := req.Finish(); err != nil {
		return badMsg()
	}
	if _, rep := s.conduitExchange(ctx, c, token, true, invitedomain.State3bWaitTrust, nil); rep != nil {
		return rep
	}
	return protocol.OK()
}

func (s *Server) cmdInvite3bClaimerWaitPeerTrust(ctx context.Context, c *client, req *protocol.Request) protocol.Rep {
	if err := req.Finish(); err != nil {
		return badMsg()
	}
	if _, rep := s.conduitExchange(ctx, c, c.cc.InvitationToken, false, invitedomain.State3bWaitTrust, nil); rep != nil {
		return rep
	}
	return protocol.OK()
}

func (s *Server) cmdInvite4GreeterCommunicate(ctx context.Context, c *client, req *protocol.Request) protocol.Rep {
	token, err := req.UUID("token")
	if err != nil {
		return badMsg()
	}
	payload, err := req.OptBytes("payload")
	if err != nil {
		return badMsg()
	}
	if err := req.Finish(); err != nil {
		return badMsg()
	}
	peer, rep := s.conduitExchange(ctx, c, token, true, invitedomain.State4Communicate, payload)
	if rep != nil {
		return rep
	}
	return protocol.OK().Set("payload", peer)
}

func (s *Server) cmdInvite4ClaimerCommunicate(ctx context.Context, c *client, req *protocol.Request) protocol.Rep {
	payload, err := req.OptBytes("payload")
	if err != nil {
		return badMsg()
	}
	if err := req.Finish(); err != nil {
		return badMsg()
	}
	peer, rep := s.conduitExchange(ctx, c, c.cc.InvitationToken, false, invitedomain.State4Communicate, payload)
	if rep != nil {
		return rep
	}
	return protocol.OK().Set("payload", peer)
}

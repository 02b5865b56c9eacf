package server

import (
	"context"

	"github.com/google/uuid"

	"parsec/backend/internal/event"
	"parsec/backend/internal/protocol"
)

func (s *Server) cmdEventsSubscribe(ctx context.Context, c *client, req *protocol.Request) protocol.Rep {
	if err := req.Finish(); err != nil {
		return badMsg()
	}
	roles, err := s.comp.Realms.RealmsForUser(ctx, c.cc.Organization, c.cc.DeviceID.UserID())
	if err != nil {
		return errRep(err)
	}
	realms := make(map[uuid.UUID]bool, len(roles))
	for id := range roles {
		realms[id] = true
	}
	sub := newSubscription(s.bus, c.cc.Organization, c.cc.DeviceID, s.cfg.EventQueueSize, realms, func() {
		c.closeConn("events_queue_overflow")
	})
	c.setSubscription(sub)
	return protocol.OK()
}

func (s *Server) cmdEventsListen(ctx context.Context, c *client, req *protocol.Request) protocol.Rep {
	wait, err := req.OptBool("wait", true)
	if err != nil {
		return badMsg()
	}
	if err := req.Finish(); err != nil {
		return badMsg()
	}
	sub := c.subscription()
	if sub == nil {
		return protocol.NewRep(protocol.StatusNoEvents)
	}
	e, ok, err := sub.next(ctx, wait)
	if err != nil {
		return errRep(err)
	}
	if !ok {
		return protocol.NewRep(protocol.StatusNoEvents)
	}
	return eventRep(e)
}

func eventRep(e event.Event) protocol.Rep {
	rep := protocol.OK().Set("event", string(e.Kind()))
	switch ev := e.(type) {
	case event.RealmRolesUpdated:
		rep.SetUUID("realm_id", ev.RealmID)
		if ev.Role != nil {
			rep.Set("role", string(*ev.Role))
		} else {
			rep.Set("role", nil)
		}
	case event.RealmVlobsUpdated:
		rep.SetUUID("realm_id", ev.RealmID).
			Set("checkpoint", ev.Checkpoint).
			SetUUID("src_id", ev.VlobID).
			Set("src_version", ev.Version)
	case event.RealmMaintenanceStarted:
		rep.SetUUID("realm_id", ev.RealmID).
			Set("encryption_revision", ev.EncryptionRevision)
	case event.RealmMaintenanceFinished:
		rep.SetUUID("realm_id", ev.RealmID).
			Set("encryption_revision", ev.EncryptionRevision)
	case event.MessageReceived:
		rep.Set("index", ev.Index)
	case event.InviteStatusChanged:
		rep.SetUUID("token", ev.Token).
			Set("invitation_status", string(ev.Status))
	}
	return rep
}

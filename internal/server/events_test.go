package server

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"parsec/backend/internal/apitypes"
	"parsec/backend/internal/event"
	"parsec/backend/internal/protocol"
)

func listen(t *testing.T, s *Server, c *client) protocol.Rep {
	t.Helper()
	return s.dispatch(context.Background(), c, makeReq(t, "events_listen", map[string]any{"wait": false}))
}

func TestEventsListenWithoutSubscription(t *testing.T) {
	s, _ := newTestServer()
	c := authedClient("acme", "alice/dev1", apitypes.ProfileStandard)
	rep := listen(t, s, c)
	if rep.Status() != protocol.StatusNoEvents {
		t.Errorf("status = %q, want no_events", rep.Status())
	}
}

func TestEventsFiltering(t *testing.T) {
	s, bus := newTestServer()
	ctx := context.Background()
	createOrg(t, s, "acme")
	alice := seedUser(t, s, "acme", "alice", "alice@example.com")
	bob := seedUser(t, s, "acme", "bob", "bob@example.com")

	c := authedClient("acme", alice, apitypes.ProfileStandard)
	rep := s.dispatch(ctx, c, makeReq(t, "events_subscribe", nil))
	if rep.Status() != protocol.StatusOK {
		t.Fatalf("events_subscribe status = %q", rep.Status())
	}
	defer c.dropSubscription()

	realmID := uuid.New()
	role := apitypes.RealmRoleManager

	// vlob activity in a realm alice is not a member of: dropped
	bus.Publish(event.RealmVlobsUpdated{
		Organization: "acme", Author: bob, RealmID: realmID, Checkpoint: 1,
		VlobID: uuid.New(), Version: 1,
	})
	if rep := listen(t, s, c); rep.Status() != protocol.StatusNoEvents {
		t.Fatalf("pre-grant vlob event status = %q, want no_events", rep.Status())
	}

	// bob grants alice a role: delivered, and membership switches on
	bus.Publish(event.RealmRolesUpdated{
		Organization: "acme", Author: bob, RealmID: realmID, UserID: "alice", Role: &role,
	})
	rep = listen(t, s, c)
	if rep.Status() != protocol.StatusOK || rep["event"] != "realm.roles_updated" {
		t.Fatalf("role event rep = %v", rep)
	}
	if rep["role"] != string(role) {
		t.Errorf("role = %v, want %q", rep["role"], role)
	}

	// same realm now passes
	vlobID := uuid.New()
	bus.Publish(event.RealmVlobsUpdated{
		Organization: "acme", Author: bob, RealmID: realmID, Checkpoint: 2,
		VlobID: vlobID, Version: 3,
	})
	rep = listen(t, s, c)
	if rep.Status() != protocol.StatusOK || rep["event"] != "realm.vlobs_updated" {
		t.Fatalf("vlob event rep = %v", rep)
	}
	if rep["checkpoint"] != int64(2) || rep["src_version"] != int64(3) {
		t.Errorf("vlob event fields = %v", rep)
	}

	// alice's own writes come back filtered
	bus.Publish(event.RealmVlobsUpdated{
		Organization: "acme", Author: alice, RealmID: realmID, Checkpoint: 3,
		VlobID: vlobID, Version: 4,
	})
	if rep := listen(t, s, c); rep.Status() != protocol.StatusNoEvents {
		t.Errorf("self-authored event status = %q, want no_events", rep.Status())
	}

	// other organizations never leak through
	bus.Publish(event.RealmVlobsUpdated{
		Organization: "umbrella", Author: bob, RealmID: realmID, Checkpoint: 1,
		VlobID: vlobID, Version: 1,
	})
	if rep := listen(t, s, c); rep.Status() != protocol.StatusNoEvents {
		t.Errorf("cross-org event status = %q, want no_events", rep.Status())
	}

	// messages only reach their recipient
	bus.Publish(event.MessageReceived{Organization: "acme", Author: alice, Recipient: "bob", Index: 1})
	bus.Publish(event.MessageReceived{Organization: "acme", Author: bob, Recipient: "alice", Index: 2})
	rep = listen(t, s, c)
	if rep.Status() != protocol.StatusOK || rep["event"] != "message.received" || rep["index"] != int64(2) {
		t.Fatalf("message event rep = %v", rep)
	}
	if rep := listen(t, s, c); rep.Status() != protocol.StatusNoEvents {
		t.Errorf("queue not drained, got %v", rep)
	}

	// revocation of the role stops delivery again
	bus.Publish(event.RealmRolesUpdated{
		Organization: "acme", Author: bob, RealmID: realmID, UserID: "alice", Role: nil,
	})
	rep = listen(t, s, c)
	if rep.Status() != protocol.StatusOK || rep["role"] != nil {
		t.Fatalf("revocation event rep = %v", rep)
	}
	bus.Publish(event.RealmVlobsUpdated{
		Organization: "acme", Author: bob, RealmID: realmID, Checkpoint: 4,
		VlobID: vlobID, Version: 5,
	})
	if rep := listen(t, s, c); rep.Status() != protocol.StatusNoEvents {
		t.Errorf("post-revocation event status = %q, want no_events", rep.Status())
	}
}

func TestOrganizationExpiryClosesConnection(t *testing.T) {
	s, bus := newTestServer()
	c := authedClient("acme", "alice/dev1", apitypes.ProfileStandard)
	var reason string
	c.closeConn = func(r string) { reason = r }
	disconnect := s.watchExpiry(c)
	defer disconnect()

	bus.Publish(event.OrganizationExpired{Organization: "other"})
	if reason != "" {
		t.Fatalf("foreign expiry closed the connection: %q", reason)
	}
	bus.Publish(event.OrganizationExpired{Organization: "acme"})
	if reason != "organization_expired" {
		t.Errorf("close reason = %q, want organization_expired", reason)
	}
}

func TestEventsQueueOverflowClosesConnection(t *testing.T) {
	bus := event.NewBus()
	closed := false
	sub := newSubscription(bus, "acme", "alice/dev1", 1, map[uuid.UUID]bool{}, func() { closed = true })
	defer sub.close()

	bus.Publish(event.PkiEnrollmentsUpdated{Organization: "acme"})
	bus.Publish(event.PkiEnrollmentsUpdated{Organization: "acme"})
	if !closed {
		t.Fatal("overflow did not trigger the close callback")
	}

	// the queued event is still readable, later ones are gone
	if _, ok, _ := sub.next(context.Background(), false); !ok {
		t.Error("first event lost on overflow")
	}
	bus.Publish(event.PkiEnrollmentsUpdated{Organization: "acme"})
	if _, ok, _ := sub.next(context.Background(), false); ok {
		t.Error("event delivered after disconnect")
	}
}

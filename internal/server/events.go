package server

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"parsec/backend/internal/apitypes"
	"parsec/backend/internal/event"
)

// subscription is the per-connection event queue. Filtering runs at
// publish time on the publisher's goroutine; accepted events go into a
// bounded channel, overflow closes the connection so the client
// reconnects and resubscribes.
type subscription struct {
	org    apitypes.OrganizationID
	device apitypes.DeviceID
	user   apitypes.UserID

	queue      chan event.Event
	disconnect func()
	overflow   func()
	closeOnce  sync.Once

	mu     sync.Mutex
	realms map[uuid.UUID]bool
}

// newSubscription connects a queue to the bus. realms seeds the realm
// membership used to filter REALM_* events; later grants and losses are
// tracked from the role events themselves.
func newSubscription(bus *event.Bus, org apitypes.OrganizationID, device apitypes.DeviceID, size int, realms map[uuid.UUID]bool, overflow func()) *subscription {
	sub := &subscription{
		org:      org,
		device:   device,
		user:     device.UserID(),
		queue:    make(chan event.Event, size),
		overflow: overflow,
		realms:   realms,
	}
	sub.disconnect = bus.Connect(sub.offer)
	return sub
}

func (s *subscription) close() {
	s.closeOnce.Do(s.disconnect)
}

// offer applies the filtering rules and enqueues the event.
func (s *subscription) offer(e event.Event) {
	if e.OrganizationID() != s.org {
		return
	}
	switch ev := e.(type) {
	case event.RealmRolesUpdated:
		if ev.UserID == s.user {
			// membership changes before the self-filter so a fresh
			// grant immediately unblocks that realm's events
			s.setMember(ev.RealmID, ev.Role != nil)
		}
		if ev.Author == s.device || !s.member(ev.RealmID) {
			return
		}
	case event.RealmVlobsUpdated:
		if ev.Author == s.device || !s.member(ev.RealmID) {
			return
		}
	case event.RealmMaintenanceStarted:
		if ev.Author == s.device || !s.member(ev.RealmID) {
			return
		}
	case event.RealmMaintenanceFinished:
		if ev.Author == s.device || !s.member(ev.RealmID) {
			return
		}
	case event.MessageReceived:
		if ev.Recipient != s.user {
			return
		}
	case event.InviteStatusChanged:
		if ev.Greeter != s.user {
			return
		}
	case event.PkiEnrollmentsUpdated:
	case event.OrganizationExpired:
	default:
		return
	}

	select {
	case s.queue <- e:
	default:
		s.close()
		if s.overflow != nil {
			s.overflow()
		}
	}
}

// watchExpiry drops an authenticated connection once its organization
// expires, whether or not the client ever subscribed to events.
func (s *Server) watchExpiry(c *client) (disconnect func()) {
	org := c.cc.Organization
	return s.bus.Connect(func(e event.Event) {
		if ev, ok := e.(event.OrganizationExpired); ok && ev.Organization == org {
			c.closeConn("organization_expired")
		}
	})
}

func (s *subscription) member(realm uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.realms[realm]
}

func (s *subscription) setMember(realm uuid.UUID, in bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if in {
		s.realms[realm] = true
	} else {
		delete(s.realms, realm)
	}
}

// next pops one event; blocking only when wait is set.
func (s *subscription) next(ctx context.Context, wait bool) (event.Event, bool, error) {
	if wait {
		select {
		case e := <-s.queue:
			return e, true, nil
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
	}
	select {
	case e := <-s.queue:
		return e, true, nil
	default:
		return nil, false, nil
	}
}

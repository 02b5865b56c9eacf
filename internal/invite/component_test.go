package invite

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"

	"parsec/backend/internal/apitypes"
	"parsec/backend/internal/event"
	"parsec/backend/internal/invite/domain"
	"parsec/backend/internal/invite/repository"
	orgdomain "parsec/backend/internal/organization/domain"
)

func newTestComponent(peerTimeout time.Duration) (*Component, *event.Bus) {
	bus := event.NewBus()
	return NewComponent(repository.NewMemoryRepository(), bus, peerTimeout), bus
}

func TestNewInvitationDedupe(t *testing.T) {
	c, _ := newTestComponent(0)
	ctx := context.Background()

	first, err := c.NewForUser(ctx, "acme", "alice", "zack@example.com")
	if err != nil {
		t.Fatalf("NewForUser: %v", err)
	}
	again, err := c.NewForUser(ctx, "acme", "alice", "zack@example.com")
	if err != nil {
		t.Fatalf("NewForUser again: %v", err)
	}
	if again.Token != first.Token {
		t.Errorf("duplicate invitation got a new token")
	}
	other, err := c.NewForUser(ctx, "acme", "alice", "zoe@example.com")
	if err != nil {
		t.Fatalf("NewForUser other: %v", err)
	}
	if other.Token == first.Token {
		t.Errorf("distinct claimer shares the token")
	}

	dev, err := c.NewForDevice(ctx, "acme", "alice")
	if err != nil {
		t.Fatalf("NewForDevice: %v", err)
	}
	devAgain, err := c.NewForDevice(ctx, "acme", "alice")
	if err != nil {
		t.Fatalf("NewForDevice again: %v", err)
	}
	if devAgain.Token != dev.Token {
		t.Errorf("duplicate device invitation got a new token")
	}
	if dev.Token == first.Token || dev.Token == other.Token {
		t.Errorf("device invitation collides with a user invitation")
	}
}

func TestDeleteInvitation(t *testing.T) {
	c, bus := newTestComponent(0)
	var events []event.Event
	bus.Connect(func(e event.Event) { events = append(events, e) })
	ctx := context.Background()

	inv, err := c.NewForUser(ctx, "acme", "alice", "zack@example.com")
	if err != nil {
		t.Fatalf("NewForUser: %v", err)
	}

	if err := c.Delete(ctx, "acme", "bob", inv.Token, time.Now(), apitypes.InvitationDeletedCancelled); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("foreign greeter Delete = %v, want ErrNotFound", err)
	}
	if err := c.Delete(ctx, "acme", "alice", inv.Token, time.Now(), apitypes.InvitationDeletedCancelled); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := c.Delete(ctx, "acme", "alice", inv.Token, time.Now(), apitypes.InvitationDeletedCancelled); !errors.Is(err, domain.ErrAlreadyDeleted) {
		t.Errorf("second Delete = %v, want ErrAlreadyDeleted", err)
	}

	if _, err := c.Info(ctx, "acme", inv.Token); !errors.Is(err, domain.ErrAlreadyDeleted) {
		t.Errorf("Info on deleted = %v, want ErrAlreadyDeleted", err)
	}
	invs, err := c.List(ctx, "acme", "alice")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(invs) != 0 {
		t.Errorf("List after delete = %+v, want empty", invs)
	}

	last := events[len(events)-1].(event.InviteStatusChanged)
	if last.Status != apitypes.InvitationDeleted || last.Token != inv.Token {
		t.Errorf("last event = %+v", last)
	}
}

func TestInvitationStatusTracksClaimer(t *testing.T) {
	c, _ := newTestComponent(0)
	ctx := context.Background()

	inv, err := c.NewForUser(ctx, "acme", "alice", "zack@example.com")
	if err != nil {
		t.Fatalf("NewForUser: %v", err)
	}

	info, err := c.Info(ctx, "acme", inv.Token)
	if err != nil {
		t.Fatalf("Info: %v", err)
	}
	if info.Status != apitypes.InvitationIdle {
		t.Errorf("status = %v, want IDLE", info.Status)
	}

	c.ClaimerJoined("acme", "alice", inv.Token)
	invs, err := c.List(ctx, "acme", "alice")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(invs) != 1 || invs[0].Status != apitypes.InvitationReady {
		t.Errorf("List with claimer connected = %+v, want READY", invs)
	}

	c.ClaimerLeft("acme", "alice", inv.Token)
	info, err = c.Info(ctx, "acme", inv.Token)
	if err != nil {
		t.Fatalf("Info: %v", err)
	}
	if info.Status != apitypes.InvitationIdle {
		t.Errorf("status after disconnect = %v, want IDLE", info.Status)
	}
}

// The full greet/claim ceremony: both peers step the conduit through
// every state, each obtaining the other's payload at every step.
func TestConduitExchangeScenario(t *testing.T) {
	c, _ := newTestComponent(0)
	ctx := context.Background()

	inv, err := c.NewForUser(ctx, "acme", "alice", "zack@example.com")
	if err != nil {
		t.Fatalf("NewForUser: %v", err)
	}

	steps := []domain.ConduitState{
		domain.StateWaitPeers,
		domain.State1GetNonce,
		domain.State2aGetHashed,
		domain.State2bGetNonce,
		domain.State3aSignify,
		domain.State3bWaitTrust,
		domain.State4Communicate,
	}

	run := func(greeter bool, tag string) error {
		for i, state := range steps {
			mine := []byte(fmt.Sprintf("%s-%d", tag, i))
			wantPeer := "claimer"
			if !greeter {
				wantPeer = "greeter"
			}
			peer, err := c.ConduitExchange(ctx, "acme", inv.Token, greeter, state, mine)
			if err != nil {
				return fmt.Errorf("step %s as %s: %w", state, tag, err)
			}
			want := []byte(fmt.Sprintf("%s-%d", wantPeer, i))
			if !bytes.Equal(peer, want) {
				return fmt.Errorf("step %s as %s: peer payload = %q, want %q", state, tag, peer, want)
			}
		}
		return nil
	}

	errs := make(chan error, 2)
	go func() { errs <- run(true, "greeter") }()
	go func() { errs <- run(false, "claimer") }()
	for i := 0; i < 2; i++ {
		select {
		case err := <-errs:
			if err != nil {
				t.Fatal(err)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("conduit exchange deadlocked")
		}
	}
}

// The greeting handlers deposit nothing on the receiving side of most
// steps; those rounds must still pair up instead of reading as an
// empty slot.
func TestConduitExchangeEmptyDeposits(t *testing.T) {
	c, _ := newTestComponent(0)
	ctx := context.Background()

	inv, err := c.NewForUser(ctx, "acme", "alice", "zack@example.com")
	if err != nil {
		t.Fatalf("NewForUser: %v", err)
	}

	steps := []domain.ConduitState{
		domain.StateWaitPeers,
		domain.State1GetNonce,
		domain.State2aGetHashed,
		domain.State2bGetNonce,
		domain.State3aSignify,
	}
	deposits := map[bool]map[domain.ConduitState][]byte{
		true: {
			domain.StateWaitPeers:   []byte("greeter-pub"),
			domain.State2aGetHashed: []byte("greeter-nonce"),
		},
		false: {
			domain.StateWaitPeers:  []byte("claimer-pub"),
			domain.State1GetNonce:  []byte("hashed-nonce"),
			domain.State2bGetNonce: []byte("claimer-nonce"),
		},
	}

	run := func(greeter bool) error {
		for _, state := range steps {
			peer, err := c.ConduitExchange(ctx, "acme", inv.Token, greeter, state, deposits[greeter][state])
			if err != nil {
				return fmt.Errorf("step %s (greeter=%v): %w", state, greeter, err)
			}
			want := deposits[!greeter][state]
			if !bytes.Equal(peer, want) {
				return fmt.Errorf("step %s (greeter=%v): peer payload = %q, want %q", state, greeter, peer, want)
			}
		}
		return nil
	}

	errs := make(chan error, 2)
	go func() { errs <- run(true) }()
	go func() { errs <- run(false) }()
	for i := 0; i < 2; i++ {
		select {
		case err := <-errs:
			if err != nil {
				t.Fatal(err)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("conduit exchange deadlocked")
		}
	}
}

func TestConduitTalkOutOfState(t *testing.T) {
	c, _ := newTestComponent(0)
	ctx := context.Background()

	inv, err := c.NewForUser(ctx, "acme", "alice", "zack@example.com")
	if err != nil {
		t.Fatalf("NewForUser: %v", err)
	}
	_, err = c.ConduitExchange(ctx, "acme", inv.Token, false, domain.State2aGetHashed, []byte("out of order"))
	if !errors.Is(err, domain.ErrInvalidState) {
		t.Errorf("ConduitExchange at 2a on a fresh conduit = %v, want ErrInvalidState", err)
	}
}

// A peer re-talking at WAIT_PEERS resets the conduit and supersedes its
// own pending payload; the superseded exchange observes invalid state.
func TestConduitReset(t *testing.T) {
	c, _ := newTestComponent(0)
	ctx := context.Background()

	inv, err := c.NewForUser(ctx, "acme", "alice", "zack@example.com")
	if err != nil {
		t.Fatalf("NewForUser: %v", err)
	}

	type result struct {
		peer []byte
		err  error
	}
	stale := make(chan result, 1)
	go func() {
		peer, err := c.ConduitExchange(ctx, "acme", inv.Token, true, domain.StateWaitPeers, []byte("old"))
		stale <- result{peer, err}
	}()
	time.Sleep(20 * time.Millisecond)

	fresh := make(chan result, 1)
	go func() {
		peer, err := c.ConduitExchange(ctx, "acme", inv.Token, true, domain.StateWaitPeers, []byte("new"))
		fresh <- result{peer, err}
	}()
	time.Sleep(20 * time.Millisecond)

	peer, err := c.ConduitExchange(ctx, "acme", inv.Token, false, domain.StateWaitPeers, []byte("hello"))
	if err != nil {
		t.Fatalf("claimer exchange: %v", err)
	}
	if string(peer) != "new" {
		t.Errorf("claimer got %q, want the reset payload", peer)
	}

	r := <-fresh
	if r.err != nil || string(r.peer) != "hello" {
		t.Errorf("fresh exchange = (%q, %v), want the claimer payload", r.peer, r.err)
	}
	r = <-stale
	if !errors.Is(r.err, domain.ErrInvalidState) {
		t.Errorf("superseded exchange = (%q, %v), want ErrInvalidState", r.peer, r.err)
	}
}

func TestConduitDeleteWakesExchange(t *testing.T) {
	c, _ := newTestComponent(0)
	ctx := context.Background()

	inv, err := c.NewForUser(ctx, "acme", "alice", "zack@example.com")
	if err != nil {
		t.Fatalf("NewForUser: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := c.ConduitExchange(ctx, "acme", inv.Token, true, domain.StateWaitPeers, []byte("waiting"))
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)

	if err := c.Delete(ctx, "acme", "alice", inv.Token, time.Now(), apitypes.InvitationDeletedCancelled); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	select {
	case err := <-done:
		if !errors.Is(err, domain.ErrAlreadyDeleted) {
			t.Errorf("exchange after delete = %v, want ErrAlreadyDeleted", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("delete did not wake the exchange")
	}
}

func TestConduitOrganizationExpiryWakesExchange(t *testing.T) {
	c, bus := newTestComponent(0)
	ctx := context.Background()

	inv, err := c.NewForUser(ctx, "acme", "alice", "zack@example.com")
	if err != nil {
		t.Fatalf("NewForUser: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := c.ConduitExchange(ctx, "acme", inv.Token, true, domain.StateWaitPeers, []byte("waiting"))
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)

	bus.Publish(event.OrganizationExpired{Organization: "acme"})
	select {
	case err := <-done:
		if !errors.Is(err, orgdomain.ErrExpired) {
			t.Errorf("exchange after expiry = %v, want ErrExpired", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("expiry did not wake the exchange")
	}
}

func TestConduitPeerTimeout(t *testing.T) {
	c, _ := newTestComponent(50 * time.Millisecond)
	ctx := context.Background()

	inv, err := c.NewForUser(ctx, "acme", "alice", "zack@example.com")
	if err != nil {
		t.Fatalf("NewForUser: %v", err)
	}
	start := time.Now()
	_, err = c.ConduitExchange(ctx, "acme", inv.Token, true, domain.StateWaitPeers, []byte("alone"))
	if !errors.Is(err, domain.ErrTimeout) {
		t.Errorf("lonely exchange = %v, want ErrTimeout", err)
	}
	if time.Since(start) > time.Second {
		t.Errorf("timeout took %v", time.Since(start))
	}

	if _, err := c.ConduitExchange(ctx, "acme", uuid.New(), true, domain.StateWaitPeers, nil); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("unknown token exchange = %v, want ErrNotFound", err)
	}
}

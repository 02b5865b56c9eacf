// Package server carries the outward surface: the websocket protocol
// loop with its handshake and per-identity command dispatch, and the
// small HTTP surface around it.
package server

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"parsec/backend/internal/block"
	"parsec/backend/internal/event"
	"parsec/backend/internal/handshake"
	"parsec/backend/internal/invite"
	"parsec/backend/internal/message"
	"parsec/backend/internal/obs"
	"parsec/backend/internal/organization"
	"parsec/backend/internal/pki"
	"parsec/backend/internal/protocol"
	"parsec/backend/internal/realm"
	"parsec/backend/internal/sequester"
	"parsec/backend/internal/user"
	"parsec/backend/internal/vlob"
)

const defaultEventQueueSize = 100

// Config is the server's own tuning; component behavior is configured on
// the components themselves.
type Config struct {
	// AdministrationToken authenticates the administration identity.
	AdministrationToken string
	// Host is the advertised host:port used by /api/redirect.
	Host string
	// UseSSL reflects how clients reach the server; it decides the
	// no_ssl parameter of generated parsec:// addresses.
	UseSSL bool
	// EventQueueSize bounds each connection's pending event queue.
	EventQueueSize int
	// RateLimitPerSecond/RateLimitBurst tune the HTTP token bucket;
	// zero disables the middleware.
	RateLimitPerSecond int
	RateLimitBurst     int
}

// Components aggregates the wired backend components.
type Components struct {
	Orgs      *organization.Component
	Users     *user.Component
	Realms    *realm.Component
	Vlobs     *vlob.Component
	Blocks    *block.Component
	Messages  *message.Component
	Invites   *invite.Component
	Pki       *pki.Component
	Sequester *sequester.Component
}

// Server owns the protocol dispatch tables and the HTTP handler.
type Server struct {
	cfg  Config
	comp Components
	bus  *event.Bus
	auth *handshake.Authenticator
	nowF func() time.Time

	commands map[string]command
}

func New(cfg Config, comp Components, bus *event.Bus) *Server {
	if cfg.EventQueueSize <= 0 {
		cfg.EventQueueSize = defaultEventQueueSize
	}
	s := &Server{
		cfg:  cfg,
		comp: comp,
		bus:  bus,
		auth: handshake.NewAuthenticator(cfg.AdministrationToken, comp.Orgs, comp.Users, comp.Invites),
		nowF: time.Now,
	}
	s.commands = s.buildCommands()
	return s
}

// SetClock overrides the server clock; tests use it for timestamp rules.
func (s *Server) SetClock(now func() time.Time) { s.nowF = now }

// Handler returns the full HTTP surface with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleLanding)
	mux.HandleFunc("/static/", s.handleStatic)
	mux.HandleFunc("/api/redirect/", s.handleRedirect)
	mux.HandleFunc("/ws", s.handleWS)
	mux.Handle("/metrics", obs.Handler())

	h := http.Handler(mux)
	if s.cfg.RateLimitPerSecond > 0 {
		h = RateLimit(h, s.cfg.RateLimitBurst, s.cfg.RateLimitPerSecond)
	}
	h = SecurityHeaders(h)
	h = Logging(h)
	return obs.Instrument(h)
}

// handleWS runs one protocol connection: challenge, answer, result, then
// the command loop until the peer goes away.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	obs.ConnOpened()
	defer obs.ConnClosed()
	defer conn.Close(websocket.StatusNormalClosure, "closed")

	ctx := r.Context()
	cc, err := s.runHandshake(ctx, conn)
	if err != nil {
		return
	}

	c := &client{cc: cc}
	c.closeConn = func(reason string) {
		conn.Close(websocket.StatusPolicyViolation, reason)
	}
	defer c.dropSubscription()

	if cc.Kind == handshake.KindInvited {
		s.comp.Invites.ClaimerJoined(cc.Organization, cc.InvitationGreeter, cc.InvitationToken)
		defer s.comp.Invites.ClaimerLeft(cc.Organization, cc.InvitationGreeter, cc.InvitationToken)
	}
	if cc.Kind == handshake.KindAuthenticated {
		disconnect := s.watchExpiry(c)
		defer disconnect()
	}

	for {
		_, raw, err := conn.Read(ctx)
		if err != nil {
			return
		}
		rep := s.handleFrame(ctx, c, raw)
		out, err := rep.Encode()
		if err != nil {
			log.Printf("ws: encode reply: %v", err)
			return
		}
		if err := conn.Write(ctx, websocket.MessageBinary, out); err != nil {
			return
		}
	}
}

func (s *Server) runHandshake(ctx context.Context, conn *websocket.Conn) (*handshake.ClientContext, error) {
	challenge, err := handshake.NewChallenge()
	if err != nil {
		return nil, err
	}
	frame, err := handshake.ChallengeFrame(challenge)
	if err != nil {
		return nil, err
	}
	if err := conn.Write(ctx, websocket.MessageBinary, frame); err != nil {
		return nil, err
	}
	_, answer, err := conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	cc, err := s.auth.ProcessAnswer(ctx, challenge, answer)
	if err != nil {
		if out, ferr := handshake.ResultErrorFrame(err); ferr == nil {
			_ = conn.Write(ctx, websocket.MessageBinary, out)
		}
		conn.Close(websocket.StatusPolicyViolation, handshake.ResultKind(err))
		return nil, err
	}
	out, err := handshake.ResultOKFrame()
	if err != nil {
		return nil, err
	}
	if err := conn.Write(ctx, websocket.MessageBinary, out); err != nil {
		return nil, err
	}
	return cc, nil
}

// handleFrame decodes one request frame and dispatches it.
func (s *Server) handleFrame(ctx context.Context, c *client, raw []byte) protocol.Rep {
	req, err := protocol.DecodeRequest(raw)
	if err != nil {
		return protocol.NewRep(protocol.StatusBadMessageFormat)
	}
	return s.dispatch(ctx, c, req)
}

func (s *Server) dispatch(ctx context.Context, c *client, req *protocol.Request) protocol.Rep {
	cmd, ok := s.commands[req.Cmd]
	if !ok || !cmd.kinds[c.cc.Kind] {
		return protocol.NewRep(protocol.StatusUnknownCommand)
	}
	start := s.nowF()
	rep := cmd.fn(ctx, c, req)
	obs.ObserveCommand(req.Cmd, rep.Status(), time.Since(start))
	return rep
}

// badMsg is the reply for malformed or incomplete request fields.
func badMsg() protocol.Rep { return protocol.NewRep(protocol.StatusBadMessageFormat) }

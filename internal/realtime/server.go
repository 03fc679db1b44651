package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"sync-service/internal/party"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultHeartbeatTimeout = 60 * time.Second
	DefaultSweepInterval    = 15 * time.Second

	dispatchTimeout = 10 * time.Second
	connectTimeout  = 10 * time.Second
	cleanupTimeout  = 10 * time.Second
)

type Options struct {
	Store            SessionStore
	Directory        Directory
	Redis            *redis.Client
	Auth             *Authenticator
	Recorder         Recorder
	FrontendBaseURL  string
	InstanceID       string
	DriftTolerance   float64
	HeartbeatTimeout time.Duration
}

type Server struct {
	ctx              context.Context
	hub              *Hub
	store            SessionStore
	directory        Directory
	auth             *Authenticator
	broadcaster      *Broadcaster
	dispatcher       *Dispatcher
	upgrader         websocket.Upgrader
	heartbeatTimeout time.Duration
	now              func() time.Time
}

func NewServer(ctx context.Context, opts Options) *Server {
	if opts.InstanceID == "" {
		opts.InstanceID = uuid.NewString()
	}
	if opts.HeartbeatTimeout <= 0 {
		opts.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if opts.Auth == nil {
		opts.Auth = NewAuthenticator(nil, false)
	}

	hub := NewHub()
	broadcaster := NewBroadcaster(hub, opts.Redis, opts.InstanceID)
	s := &Server{
		ctx:              ctx,
		hub:              hub,
		store:            opts.Store,
		directory:        opts.Directory,
		auth:             opts.Auth,
		broadcaster:      broadcaster,
		dispatcher:       NewDispatcher(opts.Store, opts.Directory, broadcaster, opts.Recorder, opts.DriftTolerance),
		heartbeatTimeout: opts.HeartbeatTimeout,
		now:              time.Now,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     checkOrigin(opts.FrontendBaseURL),
	}
	broadcaster.OnDrop(s.disconnect)
	return s
}

// checkOrigin only lets the frontend open sockets. Clients that send no
// Origin (native apps, the gateway) are allowed.
func checkOrigin(allowed string) func(*http.Request) bool {
	allowed = strings.TrimRight(allowed, "/")
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || allowed == "" {
			return true
		}
		return strings.EqualFold(strings.TrimRight(origin, "/"), allowed)
	}
}

func (s *Server) Hub() *Hub { return s.hub }

// Router creates the chi.Router with the service routes.
func (s *Server) Router(middlewares ...func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()

	for _, mw := range middlewares {
		r.Use(mw)
	}

	r.Get("/health", s.handleHealth)
	r.Get("/ws/party/{partyID}", s.handleWS)
	r.Route("/parties/{partyID}", func(r chi.Router) {
		r.Get("/state", s.handlePartyState)
		r.Post("/events", s.handleEvents)
	})

	return r
}

// RunRedisSubscriber relays events published by other instances to local
// connections. It blocks until ctx is done.
func (s *Server) RunRedisSubscriber(ctx context.Context) error {
	ps, err := s.broadcaster.Subscribe(ctx)
	if err != nil {
		return err
	}
	s.broadcaster.RunRedisSubscriber(ctx, ps)
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "sync-service",
	})
}

type partyStateResponse struct {
	party.Snapshot
	ExpectedPosition float64 `json:"expected_position"`
}

// handlePartyState is the snapshot accessor for REST and analytics pollers.
func (s *Server) handlePartyState(w http.ResponseWriter, r *http.Request) {
	partyID := chi.URLParam(r, "partyID")
	snap, err := s.store.Snapshot(r.Context(), partyID)
	if err != nil {
		log.Printf("sync-service: snapshot party %s: %v", partyID, err)
		writeError(w, http.StatusInternalServerError, "failed to load party state")
		return
	}
	writeJSON(w, http.StatusOK, partyStateResponse{
		Snapshot:         snap,
		ExpectedPosition: snap.Playback.ExpectedPosition(s.now()),
	})
}

type eventRequest struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
}

// handleEvents lets other services push an event to everyone in a party,
// e.g. a host transfer notice.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	partyID := chi.URLParam(r, "partyID")
	var req eventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	req.Type = strings.TrimSpace(req.Type)
	if req.Type == "" {
		writeError(w, http.StatusBadRequest, "type is required")
		return
	}

	ev := newEvent(EventType(req.Type), partyID, nil, req.Payload, s.now())
	if err := s.broadcaster.Broadcast(r.Context(), ev, ""); err != nil {
		log.Printf("sync-service: publish error: %v", err)
		writeError(w, http.StatusInternalServerError, "redis error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "id": ev.ID})
}

// rejection is a refused connect, carrying the close code to send.
type rejection struct {
	code   int
	reason string
	err    error
}

func (r *rejection) Error() string {
	if r.err != nil {
		return fmt.Sprintf("%s: %v", r.reason, r.err)
	}
	return r.reason
}

func reject(code int, reason string, err error) *rejection {
	return &rejection{code: code, reason: reason, err: err}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	partyID := chi.URLParam(r, "partyID")

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("sync-service: ws upgrade: %v", err)
		return
	}
	c := newClient(conn, partyID, s.now())

	userID, err := s.auth.Authenticate(r)
	if err != nil {
		c.reject(CloseUnauthenticated, "authentication required")
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, connectTimeout)
	defer cancel()
	if err := s.admit(ctx, c, userID); err != nil {
		var rej *rejection
		if !errors.As(err, &rej) {
			rej = reject(CloseServerError, "server error", err)
		}
		if rej.code == CloseServerError {
			log.Printf("sync-service: connect %s to party %s: %v", userID, partyID, err)
		}
		c.reject(rej.code, rej.reason)
		return
	}

	go c.writePump()
	go c.readPump(s.handleFrame, s.disconnect)
}

// admit runs the CONNECTING phase: access check, state creation, membership.
// The joining client's party_state is queued before it becomes visible to
// broadcasts, so it is always the first frame it reads.
func (s *Server) admit(ctx context.Context, c *Client, userID string) error {
	access, err := s.directory.Authorize(ctx, c.partyID, userID)
	if err != nil {
		return reject(CloseServerError, "server error", err)
	}
	switch access {
	case party.AccessGranted:
	case party.AccessBanned:
		return reject(CloseBanned, "banned from party", nil)
	default:
		return reject(CloseForbidden, "no access to party", nil)
	}

	user, err := s.directory.User(ctx, userID)
	if err != nil {
		return reject(CloseServerError, "server error", err)
	}
	isHost, err := s.directory.IsHost(ctx, c.partyID, userID)
	if err != nil {
		return reject(CloseServerError, "server error", err)
	}
	c.user = user
	c.isHost.Store(isHost)

	if _, err := s.store.Get(ctx, c.partyID); err != nil {
		return reject(CloseServerError, "server error", err)
	}
	users, err := s.store.AddMember(ctx, c.partyID, c.id, user.ID)
	if err != nil {
		return reject(CloseServerError, "server error", err)
	}
	snap, err := s.store.Snapshot(ctx, c.partyID)
	if err != nil {
		_, _ = s.store.RemoveMember(ctx, c.partyID, c.id)
		return reject(CloseServerError, "server error", err)
	}

	now := s.now()
	s.broadcaster.Unicast(c, newEvent(EvtPartyState, c.partyID, nil, partyStatePayload(snap, isHost, now), now))

	c.setState(StateActive)
	s.hub.Register(c)
	log.Printf("sync-service: %s joined party %s as %s", user.ID, c.partyID, c.id)

	s.dispatcher.broadcast(ctx, newEvent(EvtUserJoined, c.partyID, c.sender(), map[string]any{
		"participant_count": len(users),
	}, now), c.id)
	return nil
}

func (s *Server) handleFrame(c *Client, raw []byte) {
	ctx, cancel := context.WithTimeout(s.ctx, dispatchTimeout)
	defer cancel()
	s.dispatcher.Dispatch(ctx, c, raw)
}

// disconnect is the single cleanup path for an active connection, whatever
// ended it. Only the first call for a client does anything.
func (s *Server) disconnect(c *Client) {
	c.closeWith(websocket.CloseNormalClosure, "")
	if !s.hub.Unregister(c) {
		return
	}
	defer c.setState(StateClosed)

	ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), cleanupTimeout)
	defer cancel()

	users, err := s.store.RemoveMember(ctx, c.partyID, c.id)
	if err != nil {
		log.Printf("sync-service: remove member %s from party %s: %v", c.id, c.partyID, err)
		users = s.hub.Users(c.partyID)
	}

	if !contains(users, c.user.ID) {
		wasSharing, err := s.store.ClearUser(ctx, c.partyID, c.user.ID)
		if err != nil {
			log.Printf("sync-service: clear presence of %s in party %s: %v", c.user.ID, c.partyID, err)
		}
		if wasSharing {
			s.dispatcher.broadcast(ctx, newEvent(EvtScreenShareStop, c.partyID, c.sender(), map[string]any{
				"user_id": c.user.ID,
			}, s.now()), "")
		}
	}

	s.dispatcher.broadcast(ctx, newEvent(EvtUserLeft, c.partyID, c.sender(), map[string]any{
		"participant_count": len(users),
	}, s.now()), c.id)
	log.Printf("sync-service: %s left party %s (%s) after %s",
		c.user.ID, c.partyID, c.id, s.now().Sub(c.joinedAt).Round(time.Second))
}

// CloseAll closes every local connection with 1001 and runs its cleanup.
// Used on shutdown, after the HTTP listener has stopped accepting upgrades.
func (s *Server) CloseAll() {
	for _, partyID := range s.hub.Parties() {
		for _, c := range s.hub.Party(partyID) {
			c.closeWith(websocket.CloseGoingAway, "server shutting down")
			s.disconnect(c)
		}
	}
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

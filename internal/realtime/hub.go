package realtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"workflow-collab-api/internal/auth"

	"go.uber.org/zap"
)

// Options configures a Hub. Zero durations fall back to the defaults below.
type Options struct {
	Tenants           TenantResolver
	Observer          SessionObserver
	HeartbeatTimeout  time.Duration
	PresenceFreshness time.Duration
	SweepInterval     time.Duration
	Clock             func() time.Time
	Logger            *zap.Logger
}

const (
	DefaultHeartbeatTimeout  = 60 * time.Second
	DefaultPresenceFreshness = 30 * time.Second
	DefaultSweepInterval     = 10 * time.Second
)

// Hub wires the session registry, room directory, broadcast router and
// presence tracker together and handles each connection's inbound frames.
type Hub struct {
	registry  *Registry
	directory *Directory
	router    *Router
	presence  *Presence
	opts      Options
	log       *zap.Logger
}

func NewHub(opts Options) *Hub {
	if opts.HeartbeatTimeout <= 0 {
		opts.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if opts.PresenceFreshness <= 0 {
		opts.PresenceFreshness = DefaultPresenceFreshness
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	log := opts.Logger

	dir := NewDirectory(opts.Tenants, opts.Clock, log.Named("directory"))
	router := NewRouter(dir, opts.Clock, log.Named("router"))
	presence := NewPresence(dir, router, opts.Clock, opts.PresenceFreshness, log.Named("presence"))
	registry := NewRegistry(dir, presence, opts.Observer, opts.Clock, log.Named("registry"))
	router.onDeliveryFailure = func(id string) {
		registry.Remove(id, ReasonDeliveryFailure)
	}

	return &Hub{
		registry:  registry,
		directory: dir,
		router:    router,
		presence:  presence,
		opts:      opts,
		log:       log,
	}
}

func (h *Hub) Registry() *Registry   { return h.registry }
func (h *Hub) Directory() *Directory { return h.directory }

// Connect registers a session for an already verified identity and joins it
// to its organization room.
func (h *Hub) Connect(ctx context.Context, client Client, identity auth.Identity) (*Session, error) {
	s, err := h.registry.Register(client, identity)
	if err != nil {
		return nil, err
	}
	if identity.OrganizationID != "" {
		key := RoomKey{ResourceType: ResourceOrganization, ResourceID: identity.OrganizationID}
		if err := h.Join(ctx, s, key); err != nil {
			h.log.Warn("join organization room", zap.String("sessionId", s.id), zap.Error(err))
		}
	}
	return s, nil
}

// Disconnect removes a session after a transport-level close.
func (h *Hub) Disconnect(sessionID string) bool {
	return h.registry.Remove(sessionID, ReasonDisconnect)
}

// Heartbeat refreshes a session, e.g. on a transport pong.
func (h *Hub) Heartbeat(sessionID string) error {
	return h.registry.Heartbeat(sessionID)
}

// Join adds s to key after the tenant check and announces it to the room.
func (h *Hub) Join(ctx context.Context, s *Session, key RoomKey) error {
	joined, err := h.directory.Join(ctx, s, key)
	if err != nil {
		return err
	}
	if joined {
		h.log.Debug("joined room", zap.String("sessionId", s.id), zap.Stringer("room", key))
		h.presence.Joined(s, key)
	}
	return nil
}

// Leave removes s from key and announces the departure. Leaving a room the
// session is not in is a no-op.
func (h *Hub) Leave(s *Session, key RoomKey) bool {
	if !h.directory.Leave(s, key) {
		return false
	}
	h.log.Debug("left room", zap.String("sessionId", s.id), zap.Stringer("room", key))
	h.presence.Departed(originOf(s), key)
	return true
}

// Route delivers a decoded client event from s to its room. A session that is
// not a member of the target room must pass the tenant check.
func (h *Hub) Route(ctx context.Context, s *Session, in Inbound) ([]string, error) {
	key, ok := in.Room()
	if !ok {
		return nil, fmt.Errorf("%w: %s is not routable", ErrMalformedEvent, in.Kind)
	}
	kind, data, ok := outbound(s.identity.UserID, in.Payload)
	if !ok {
		return nil, fmt.Errorf("%w: %s is not routable", ErrMalformedEvent, in.Kind)
	}
	if s.Closed() {
		return nil, ErrSessionClosed
	}
	if !h.directory.IsMember(key, s.id) {
		if err := h.directory.Authorize(ctx, s.identity, key); err != nil {
			return nil, err
		}
	}
	if cu, ok := in.Payload.(*CursorUpdate); ok {
		h.presence.CursorMoved(s, key, *cu.Position, cu.ElementID)
	}
	return h.router.Route(originOf(s), kind, key, data)
}

// Publish routes a server-originated status event (workflow execution or
// process mining update) to every member of its room.
func (h *Hub) Publish(payload any) ([]string, error) {
	if payload == nil {
		return nil, fmt.Errorf("%w: empty payload", ErrMalformedEvent)
	}
	in := Inbound{Payload: payload}
	key, ok := in.Room()
	if !ok {
		return nil, fmt.Errorf("%w: %T has no room", ErrMalformedEvent, payload)
	}
	if err := validate.Struct(payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	kind, data, ok := outbound(SystemIdentity.UserID, payload)
	if !ok || !kind.IncludesOrigin() {
		return nil, fmt.Errorf("%w: %T is not a status event", ErrMalformedEvent, payload)
	}
	return h.router.Route(Origin{Identity: SystemIdentity}, kind, key, data)
}

// Dispatch handles one inbound frame from s. It is called sequentially by the
// connection's worker, which keeps a sender's events in order. Errors are
// reported to s only.
func (h *Hub) Dispatch(ctx context.Context, s *Session, raw []byte) {
	if s.Closed() {
		return
	}
	s.touch(h.opts.Clock())

	in, err := Decode(raw)
	if err != nil {
		h.log.Debug("malformed event", zap.String("sessionId", s.id), zap.Error(err))
		h.replyError(s, in.RequestID, err)
		return
	}

	switch p := in.Payload.(type) {
	case *Heartbeat:
		h.router.SendTo(s, KindHeartbeatAck, nil, nil, AckData{RequestID: in.RequestID, Event: in.Kind})
	case *JoinResource:
		key := p.Room()
		if err := h.Join(ctx, s, key); err != nil {
			h.replyError(s, in.RequestID, err)
			return
		}
		h.router.SendTo(s, KindAck, &key, nil, AckData{RequestID: in.RequestID, Event: in.Kind, Room: key.String()})
	case *LeaveResource:
		key := p.Room()
		h.Leave(s, key)
		h.router.SendTo(s, KindAck, &key, nil, AckData{RequestID: in.RequestID, Event: in.Kind, Room: key.String()})
	default:
		if _, err := h.Route(ctx, s, in); err != nil {
			h.replyError(s, in.RequestID, err)
		}
	}
}

func (h *Hub) replyError(s *Session, requestID string, err error) {
	code := ErrorCode(err)
	msg := err.Error()
	if code == CodeInternal {
		h.log.Error("event failed", zap.String("sessionId", s.id), zap.Error(err))
		msg = "internal error"
	}
	h.router.SendTo(s, KindError, nil, nil, ErrorData{RequestID: requestID, Code: code, Message: msg})
}

// Presence returns the collaborators in key for a caller of the given identity,
// applying the same tenant check as a join.
func (h *Hub) Presence(ctx context.Context, identity auth.Identity, key RoomKey) ([]Collaborator, error) {
	if err := h.directory.Authorize(ctx, identity, key); err != nil {
		return nil, err
	}
	return h.presence.Snapshot(key), nil
}

// Sweep removes sessions that missed the heartbeat timeout and returns how many.
func (h *Hub) Sweep() int {
	expired := h.registry.Expired(h.opts.HeartbeatTimeout)
	removed := 0
	for _, s := range expired {
		if h.registry.Remove(s.id, ReasonHeartbeatTimeout) {
			removed++
		}
	}
	h.registry.ReportAlive()
	return removed
}

// Run sweeps idle sessions until ctx is done.
func (h *Hub) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()
		case <-ticker.C:
			if n := h.Sweep(); n > 0 {
				h.log.Info("expired idle sessions", zap.Int("removed", n))
			}
		}
	}
}

// Shutdown removes every session and waits for the observer to catch up.
// It is safe to call more than once.
func (h *Hub) Shutdown() {
	for _, s := range h.registry.Sessions() {
		h.registry.Remove(s.id, ReasonShutdown)
	}
	h.registry.notify.close()
}

// Stats is a point-in-time count of rooms and sessions.
type Stats struct {
	Rooms    int `json:"rooms"`
	Sessions int `json:"sessions"`
}

func (h *Hub) Stats() Stats {
	return Stats{Rooms: h.directory.Len(), Sessions: h.registry.Len()}
}

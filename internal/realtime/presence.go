package realtime

import (
	"time"

	"workflow-collab-api/internal/auth"

	"go.uber.org/zap"
)

// Collaborator is one user present in a room. Cursor is nil when the user
// has no cursor fresher than the freshness window.
type Collaborator struct {
	SessionID    string        `json:"sessionId"`
	User         auth.Identity `json:"user"`
	Cursor       *CursorState  `json:"cursor,omitempty"`
	ConnectedAt  time.Time     `json:"connectedAt"`
	LastActivity time.Time     `json:"lastActivity"`
}

// Presence derives join/leave notifications and cursor visibility from the
// directory. It keeps no state of its own: cursors live on sessions.
type Presence struct {
	dir       *Directory
	router    *Router
	clock     func() time.Time
	freshness time.Duration
	log       *zap.Logger
}

func NewPresence(dir *Directory, router *Router, clock func() time.Time, freshness time.Duration, log *zap.Logger) *Presence {
	if clock == nil {
		clock = time.Now
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Presence{dir: dir, router: router, clock: clock, freshness: freshness, log: log}
}

func (p *Presence) fresh(c CursorState) bool {
	return p.clock().Sub(c.UpdatedAt) <= p.freshness
}

// Joined announces s to the other members and sends s the fresh cursors
// already present in the room.
func (p *Presence) Joined(s *Session, key RoomKey) {
	if _, err := p.router.Route(originOf(s), KindUserJoined, key, UserJoinedData{User: s.identity}); err != nil {
		p.log.Error("announce join", zap.String("sessionId", s.id), zap.Error(err))
	}

	for _, other := range p.dir.memberSessions(key) {
		if other.id == s.id {
			continue
		}
		c, ok := other.Cursor(key)
		if !ok || !p.fresh(c) {
			continue
		}
		identity := other.identity
		k := key
		data := CursorData{UserID: identity.UserID, Position: c.Position, ElementID: c.ElementID}
		if !p.router.SendTo(s, KindCursorUpdate, &k, &identity, data) {
			return
		}
	}
}

// Departed emits user_left and cursor_removed for the departing user to the
// remaining members of key. Callers guarantee one call per room per departure.
func (p *Presence) Departed(origin Origin, key RoomKey) {
	ref := UserRefData{UserID: origin.Identity.UserID}
	if _, err := p.router.Route(origin, KindCursorRemoved, key, ref); err != nil {
		p.log.Error("announce cursor removal", zap.String("sessionId", origin.SessionID), zap.Error(err))
	}
	if _, err := p.router.Route(origin, KindUserLeft, key, ref); err != nil {
		p.log.Error("announce leave", zap.String("sessionId", origin.SessionID), zap.Error(err))
	}
}

// CursorMoved records the cursor on the session for later snapshots.
func (p *Presence) CursorMoved(s *Session, key RoomKey, pos Position, elementID string) bool {
	return s.setCursor(key, CursorState{Position: pos, ElementID: elementID, UpdatedAt: p.clock()})
}

// Snapshot lists the users in a room with their fresh cursors.
func (p *Presence) Snapshot(key RoomKey) []Collaborator {
	sessions := p.dir.memberSessions(key)
	out := make([]Collaborator, 0, len(sessions))
	for _, s := range sessions {
		c := Collaborator{
			SessionID:    s.id,
			User:         s.identity,
			ConnectedAt:  s.CreatedAt(),
			LastActivity: s.LastHeartbeat(),
		}
		if cur, ok := s.Cursor(key); ok && p.fresh(cur) {
			cur := cur
			c.Cursor = &cur
		}
		out = append(out, c)
	}
	return out
}

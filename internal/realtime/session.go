package realtime

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"workflow-collab-api/internal/auth"
)

// Client is the transport side of a session. Send must not block: it
// enqueues the frame and reports false if the transport is closed or saturated.
type Client interface {
	Send(message []byte) bool
	Close()
}

// CursorState is the last cursor a session reported in one room.
type CursorState struct {
	Position  Position  `json:"position"`
	ElementID string    `json:"elementId,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Session is the server-side state of one live connection.
type Session struct {
	id        string
	identity  auth.Identity
	client    Client
	createdAt time.Time

	lastHeartbeat atomic.Int64 // unix nanos

	// mu guards rooms, cursors and closed. It is always taken before a room lock.
	mu      sync.Mutex
	rooms   map[RoomKey]struct{}
	cursors map[RoomKey]CursorState
	closed  bool
}

func newSession(id string, identity auth.Identity, client Client, now time.Time) *Session {
	s := &Session{
		id:        id,
		identity:  identity,
		client:    client,
		createdAt: now,
		rooms:     make(map[RoomKey]struct{}),
		cursors:   make(map[RoomKey]CursorState),
	}
	s.lastHeartbeat.Store(now.UnixNano())
	return s
}

func (s *Session) ID() string               { return s.id }
func (s *Session) Identity() auth.Identity  { return s.identity }
func (s *Session) CreatedAt() time.Time     { return s.createdAt }
func (s *Session) send(frame []byte) bool   { return s.client.Send(frame) }
func (s *Session) touch(now time.Time)      { s.lastHeartbeat.Store(now.UnixNano()) }
func (s *Session) LastHeartbeat() time.Time { return time.Unix(0, s.lastHeartbeat.Load()) }

// Rooms returns the joined room keys in a stable order.
func (s *Session) Rooms() []RoomKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]RoomKey, 0, len(s.rooms))
	for k := range s.rooms {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

// InRoom reports whether the session has joined key.
func (s *Session) InRoom(key RoomKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.rooms[key]
	return ok
}

// Closed reports whether the session has been removed.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Cursor returns the last known cursor in key.
func (s *Session) Cursor(key RoomKey) (CursorState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cursors[key]
	return c, ok
}

// setCursor records a cursor for a joined room; it is ignored otherwise.
func (s *Session) setCursor(key RoomKey, c CursorState) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if _, ok := s.rooms[key]; !ok {
		return false
	}
	s.cursors[key] = c
	return true
}

// close marks the session closed and hands back the rooms it was in.
// Only the first call gets ok=true.
func (s *Session) close() (rooms []RoomKey, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false
	}
	s.closed = true
	rooms = make([]RoomKey, 0, len(s.rooms))
	for k := range s.rooms {
		rooms = append(rooms, k)
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].String() < rooms[j].String() })
	s.rooms = make(map[RoomKey]struct{})
	return rooms, true
}

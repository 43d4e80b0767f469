package realtime

import (
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"workflow-collab-api/internal/auth"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Removal reasons, for logs and observers.
const (
	ReasonDisconnect       = "disconnect"
	ReasonHeartbeatTimeout = "heartbeat_timeout"
	ReasonDeliveryFailure  = "delivery_failure"
	ReasonShutdown         = "shutdown"
)

// Registry owns the live sessions. Remove is the only way a session leaves,
// whatever the cause, so room cleanup and leave notifications run exactly once.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	byClient map[Client]string

	dir      *Directory
	presence *Presence
	notify   *notifier
	clock    func() time.Time
	newID    func() string
	log      *zap.Logger
}

func NewRegistry(dir *Directory, presence *Presence, observer SessionObserver, clock func() time.Time, log *zap.Logger) *Registry {
	if clock == nil {
		clock = time.Now
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		sessions: make(map[string]*Session),
		byClient: make(map[Client]string),
		dir:      dir,
		presence: presence,
		notify:   newNotifier(observer, log),
		clock:    clock,
		newID:    uuid.NewString,
		log:      log,
	}
}

// checkClient makes sure client can stand for one connection: the registry
// tells connections apart by the client's pointer identity.
func checkClient(client Client) error {
	if client == nil {
		return fmt.Errorf("%w: nil client", ErrInvalidClient)
	}
	v := reflect.ValueOf(client)
	if v.Kind() != reflect.Pointer || v.IsNil() {
		return fmt.Errorf("%w: %T is not a pointer", ErrInvalidClient, client)
	}
	// distinct zero-size values may share an address
	if v.Type().Elem().Size() == 0 {
		return fmt.Errorf("%w: %T has no state", ErrInvalidClient, client)
	}
	return nil
}

// Register stores a new session for a verified identity. Registering the
// same client twice fails with ErrDuplicateConnection.
func (r *Registry) Register(client Client, identity auth.Identity) (*Session, error) {
	if err := checkClient(client); err != nil {
		return nil, err
	}
	r.mu.Lock()
	if _, exists := r.byClient[client]; exists {
		r.mu.Unlock()
		return nil, ErrDuplicateConnection
	}
	s := newSession(r.newID(), identity, client, r.clock())
	r.sessions[s.id] = s
	r.byClient[client] = s.id
	total := len(r.sessions)
	r.mu.Unlock()

	r.log.Info("session registered",
		zap.String("sessionId", s.id),
		zap.String("userId", identity.UserID),
		zap.String("organizationId", identity.OrganizationID),
		zap.Int("sessions", total))

	r.notify.opened(s)
	return s, nil
}

// Get returns a live session.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Heartbeat refreshes the session's last-activity time.
func (r *Registry) Heartbeat(id string) error {
	s, ok := r.Get(id)
	if !ok {
		return ErrSessionNotFound
	}
	s.touch(r.clock())
	return nil
}

// Remove deletes the session: it leaves every room (rooms left empty are deleted),
// emits user_left and cursor_removed once per room, drops the table entry and
// closes the transport. Later calls for the same session are no-ops.
func (r *Registry) Remove(id, reason string) bool {
	s, ok := r.Get(id)
	if !ok {
		return false
	}
	rooms, first := s.close()
	if !first {
		return false
	}

	origin := originOf(s)
	for _, key := range rooms {
		r.dir.remove(key, s.id)
		r.presence.Departed(origin, key)
	}

	r.mu.Lock()
	delete(r.sessions, s.id)
	if r.byClient[s.client] == s.id {
		delete(r.byClient, s.client)
	}
	total := len(r.sessions)
	r.mu.Unlock()

	s.client.Close()

	r.log.Info("session removed",
		zap.String("sessionId", s.id),
		zap.String("userId", s.identity.UserID),
		zap.String("reason", reason),
		zap.Int("rooms", len(rooms)),
		zap.Int("sessions", total))

	r.notify.closed(s, reason)
	return true
}

// ReportAlive queues a SessionsAlive notification for the sessions live when
// the observer gets to it.
func (r *Registry) ReportAlive() {
	r.notify.alive(r.Sessions)
}

// Expired returns sessions whose last heartbeat is older than timeout.
func (r *Registry) Expired(timeout time.Duration) []*Session {
	cutoff := r.clock().Add(-timeout)
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Session
	for _, s := range r.sessions {
		if s.LastHeartbeat().Before(cutoff) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Sessions returns a snapshot of all live sessions.
func (r *Registry) Sessions() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

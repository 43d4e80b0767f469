package realtime

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"workflow-collab-api/internal/auth"

	"go.uber.org/zap"
)

// TenantResolver returns the organization that owns a resource.
// It returns ErrUnknownResource when the resource does not exist.
type TenantResolver interface {
	ResourceTenant(ctx context.Context, resourceType, resourceID string) (string, error)
}

type room struct {
	key       RoomKey
	createdAt time.Time

	// retired is set (under mu) when the last member leaves; a retired room
	// is never joined again and is replaced by a fresh one.
	retired atomic.Bool

	mu           sync.Mutex
	members      map[string]*Session
	lastActivity time.Time
}

// RoomInfo is a read-only snapshot of a room.
type RoomInfo struct {
	Key          RoomKey
	Members      []string
	CreatedAt    time.Time
	LastActivity time.Time
}

// Directory maps room keys to member sessions. The table has its own lock and
// every room has an exclusive lock for membership changes and fan-out.
type Directory struct {
	mu      sync.RWMutex
	rooms   map[RoomKey]*room
	tenants TenantResolver
	clock   func() time.Time
	log     *zap.Logger
}

func NewDirectory(tenants TenantResolver, clock func() time.Time, log *zap.Logger) *Directory {
	if clock == nil {
		clock = time.Now
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Directory{
		rooms:   make(map[RoomKey]*room),
		tenants: tenants,
		clock:   clock,
		log:     log,
	}
}

// Authorize checks that identity's organization owns the resource behind key.
// It may call out to the TenantResolver and must not be called with locks held.
func (d *Directory) Authorize(ctx context.Context, identity auth.Identity, key RoomKey) error {
	if identity.OrganizationID == "" {
		return ErrTenantMismatch
	}
	if key.ResourceType == ResourceOrganization {
		if key.ResourceID != identity.OrganizationID {
			return ErrTenantMismatch
		}
		return nil
	}
	if d.tenants == nil {
		return fmt.Errorf("no tenant resolver for %s", key)
	}

	orgID, err := d.tenants.ResourceTenant(ctx, key.ResourceType, key.ResourceID)
	if errors.Is(err, ErrUnknownResource) {
		return ErrTenantMismatch
	}
	if err != nil {
		return fmt.Errorf("resolve tenant of %s: %w", key, err)
	}
	if orgID != identity.OrganizationID {
		return ErrTenantMismatch
	}
	return nil
}

// Join adds s to the room, creating the room if needed. Joining a room the session
// is already in returns joined=false and no error.
func (d *Directory) Join(ctx context.Context, s *Session, key RoomKey) (joined bool, err error) {
	if s.InRoom(key) {
		return false, nil
	}
	if err := d.Authorize(ctx, s.identity, key); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrSessionClosed
	}
	if _, ok := s.rooms[key]; ok {
		return false, nil
	}
	d.add(key, s)
	s.rooms[key] = struct{}{}
	return true, nil
}

// Leave removes s from the room. It reports whether s was a member.
func (d *Directory) Leave(s *Session, key RoomKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[key]; !ok {
		return false
	}
	delete(s.rooms, key)
	delete(s.cursors, key)
	d.remove(key, s.id)
	return true
}

func (d *Directory) add(key RoomKey, s *Session) {
	for {
		r := d.getOrCreate(key)
		r.mu.Lock()
		if r.retired.Load() {
			r.mu.Unlock()
			continue
		}
		r.members[s.id] = s
		r.lastActivity = d.clock()
		r.mu.Unlock()
		return
	}
}

func (d *Directory) getOrCreate(key RoomKey) *room {
	d.mu.RLock()
	r, ok := d.rooms[key]
	d.mu.RUnlock()
	if ok && !r.retired.Load() {
		return r
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if r, ok := d.rooms[key]; ok && !r.retired.Load() {
		return r
	}
	now := d.clock()
	r = &room{
		key:          key,
		createdAt:    now,
		lastActivity: now,
		members:      make(map[string]*Session),
	}
	d.rooms[key] = r
	d.log.Debug("room created", zap.Stringer("room", key))
	return r
}

// remove drops sessionID from the room and deletes the room synchronously
// when it becomes empty.
func (d *Directory) remove(key RoomKey, sessionID string) {
	d.mu.RLock()
	r, ok := d.rooms[key]
	d.mu.RUnlock()
	if !ok {
		return
	}

	r.mu.Lock()
	if _, member := r.members[sessionID]; !member {
		r.mu.Unlock()
		return
	}
	delete(r.members, sessionID)
	r.lastActivity = d.clock()
	empty := len(r.members) == 0
	if empty {
		r.retired.Store(true)
	}
	r.mu.Unlock()

	if empty {
		d.mu.Lock()
		if d.rooms[key] == r {
			delete(d.rooms, key)
		}
		d.mu.Unlock()
		d.log.Debug("room removed", zap.Stringer("room", key))
	}
}

func (d *Directory) lookup(key RoomKey) (*room, bool) {
	d.mu.RLock()
	r, ok := d.rooms[key]
	d.mu.RUnlock()
	if !ok || r.retired.Load() {
		return nil, false
	}
	return r, true
}

// Members returns a sorted snapshot of the member session ids.
func (d *Directory) Members(key RoomKey) []string {
	r, ok := d.lookup(key)
	if !ok {
		return nil
	}
	r.mu.Lock()
	ids := make([]string, 0, len(r.members))
	for id := range r.members {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// memberSessions returns a snapshot of the member sessions.
func (d *Directory) memberSessions(key RoomKey) []*Session {
	r, ok := d.lookup(key)
	if !ok {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.members))
	for _, s := range r.members {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// IsMember reports whether sessionID is in the room.
func (d *Directory) IsMember(key RoomKey, sessionID string) bool {
	r, ok := d.lookup(key)
	if !ok {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	_, member := r.members[sessionID]
	return member
}

// Count returns the number of members; an absent room counts zero.
func (d *Directory) Count(key RoomKey) int {
	r, ok := d.lookup(key)
	if !ok {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}

// Exists reports whether the room is present in the directory.
func (d *Directory) Exists(key RoomKey) bool {
	_, ok := d.lookup(key)
	return ok
}

// Info returns a snapshot of the room.
func (d *Directory) Info(key RoomKey) (RoomInfo, bool) {
	r, ok := d.lookup(key)
	if !ok {
		return RoomInfo{}, false
	}
	r.mu.Lock()
	info := RoomInfo{Key: key, CreatedAt: r.createdAt, LastActivity: r.lastActivity}
	for id := range r.members {
		info.Members = append(info.Members, id)
	}
	r.mu.Unlock()
	sort.Strings(info.Members)
	return info, true
}

// Len returns the number of live rooms.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	n := 0
	for _, r := range d.rooms {
		if !r.retired.Load() {
			n++
		}
	}
	return n
}

// deliver enqueues frame to every member except exclude while holding the room
// lock, so deliveries and membership changes in one room are totally ordered.
// Sessions whose transport refused the frame are returned for removal.
func (d *Directory) deliver(key RoomKey, exclude string, frame []byte) (delivered []string, failed []*Session) {
	r, ok := d.lookup(key)
	if !ok {
		return nil, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastActivity = d.clock()
	for id, s := range r.members {
		if id == exclude {
			continue
		}
		if s.send(frame) {
			delivered = append(delivered, id)
		} else {
			failed = append(failed, s)
		}
	}
	sort.Strings(delivered)
	return delivered, failed
}

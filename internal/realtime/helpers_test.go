package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"workflow-collab-api/internal/auth"

	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	mu     sync.Mutex
	frames [][]byte
	closed bool
	refuse bool
}

func (c *fakeClient) Send(message []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.refuse {
		return false
	}
	c.frames = append(c.frames, message)
	return true
}

func (c *fakeClient) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *fakeClient) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeClient) setRefuse(v bool) {
	c.mu.Lock()
	c.refuse = v
	c.mu.Unlock()
}

type gotFrame struct {
	Event  Kind            `json:"event"`
	Room   string          `json:"room"`
	Origin *auth.Identity  `json:"origin"`
	Data   json.RawMessage `json:"data"`
}

func (c *fakeClient) received(t *testing.T) []gotFrame {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]gotFrame, 0, len(c.frames))
	for _, raw := range c.frames {
		var f gotFrame
		require.NoError(t, json.Unmarshal(raw, &f))
		out = append(out, f)
	}
	return out
}

// filter returns frames of kind, optionally limited to one room.
func (c *fakeClient) filter(t *testing.T, kind Kind, room string) []gotFrame {
	t.Helper()
	var out []gotFrame
	for _, f := range c.received(t) {
		if f.Event != kind {
			continue
		}
		if room != "" && f.Room != room {
			continue
		}
		out = append(out, f)
	}
	return out
}

func (c *fakeClient) reset() {
	c.mu.Lock()
	c.frames = nil
	c.mu.Unlock()
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

type fakeTenants struct {
	mu     sync.Mutex
	owners map[string]string // "type:id" -> organization
	calls  int
	err    error
}

func newFakeTenants() *fakeTenants {
	return &fakeTenants{owners: map[string]string{
		"workflow:42": "org-x",
		"workflow:43": "org-x",
		"process:7":   "org-x",
		"dashboard:1": "org-x",
		"workflow:99": "org-y",
	}}
}

func (f *fakeTenants) ResourceTenant(_ context.Context, resourceType, resourceID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	org, ok := f.owners[resourceType+":"+resourceID]
	if !ok {
		return "", ErrUnknownResource
	}
	return org, nil
}

type recordingObserver struct {
	mu     sync.Mutex
	opened []string
	closed map[string]string
	alive  int
}

func (o *recordingObserver) SessionOpened(_ context.Context, s *Session) {
	o.mu.Lock()
	o.opened = append(o.opened, s.ID())
	o.mu.Unlock()
}

func (o *recordingObserver) SessionClosed(_ context.Context, s *Session, reason string) {
	o.mu.Lock()
	if o.closed == nil {
		o.closed = map[string]string{}
	}
	o.closed[s.ID()] = reason
	o.mu.Unlock()
}

func (o *recordingObserver) SessionsAlive(_ context.Context, sessions []*Session) {
	o.mu.Lock()
	o.alive = len(sessions)
	o.mu.Unlock()
}

func (o *recordingObserver) openedCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.opened)
}

func (o *recordingObserver) closedReason(id string) string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed[id]
}

func (o *recordingObserver) aliveCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.alive
}

type testEnv struct {
	hub      *Hub
	clock    *fakeClock
	tenants  *fakeTenants
	observer *recordingObserver
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		clock:    newFakeClock(),
		tenants:  newFakeTenants(),
		observer: &recordingObserver{},
	}
	env.hub = NewHub(Options{
		Tenants:           env.tenants,
		Observer:          env.observer,
		HeartbeatTimeout:  60 * time.Second,
		PresenceFreshness: 30 * time.Second,
		SweepInterval:     10 * time.Second,
		Clock:             env.clock.Now,
	})
	t.Cleanup(env.hub.Shutdown)
	return env
}

// settled waits for the queued observer notifications and returns the observer.
func (e *testEnv) settled() *recordingObserver {
	e.hub.registry.notify.flush()
	return e.observer
}

func identity(userID, org string) auth.Identity {
	return auth.Identity{UserID: userID, DisplayName: "User " + userID, OrganizationID: org}
}

// connect registers a session and clears the frames produced by the handshake.
func (e *testEnv) connect(t *testing.T, userID, org string) (*Session, *fakeClient) {
	t.Helper()
	c := &fakeClient{}
	s, err := e.hub.Connect(context.Background(), c, identity(userID, org))
	require.NoError(t, err)
	c.reset()
	return s, c
}

func (e *testEnv) join(t *testing.T, s *Session, room string) {
	t.Helper()
	key, err := parseRoomKey(room)
	require.NoError(t, err)
	require.NoError(t, e.hub.Join(context.Background(), s, key))
}

func frame(event Kind, requestID string, data any) []byte {
	raw, err := json.Marshal(map[string]any{"event": event, "requestId": requestID, "data": data})
	if err != nil {
		panic(fmt.Sprintf("marshal test frame: %v", err))
	}
	return raw
}

func key(t *testing.T, room string) RoomKey {
	t.Helper()
	k, err := parseRoomKey(room)
	require.NoError(t, err)
	return k
}

package realtime

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_DuplicateConnection(t *testing.T) {
	env := newTestEnv(t)
	c := &fakeClient{}
	first, err := env.hub.Connect(context.Background(), c, identity("u-a", "org-x"))
	require.NoError(t, err)

	_, err = env.hub.Connect(context.Background(), c, identity("u-a", "org-x"))
	require.ErrorIs(t, err, ErrDuplicateConnection)

	_, ok := env.hub.Registry().Get(first.ID())
	assert.True(t, ok, "existing session must be untouched")
	assert.False(t, c.isClosed())
	assert.Equal(t, 1, env.hub.Registry().Len())
}

func TestRegistry_ConnectJoinsOrganizationRoom(t *testing.T) {
	env := newTestEnv(t)
	a, _ := env.connect(t, "u-a", "org-x")
	env.connect(t, "u-b", "org-x")

	org := key(t, "organization:org-x")
	assert.True(t, a.InRoom(org))
	assert.Equal(t, 2, env.hub.Directory().Count(org))

	env.connect(t, "u-c", "org-y")
	assert.Equal(t, 2, env.hub.Directory().Count(org))
	assert.Equal(t, 1, env.hub.Directory().Count(key(t, "organization:org-y")))
	assert.Equal(t, 3, env.settled().openedCount())
	assert.Equal(t, 2, env.hub.Stats().Rooms)
}

func TestRegistry_RemoveIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	a, ca := env.connect(t, "u-a", "org-x")
	_, cb := env.connect(t, "u-b", "org-x")
	env.join(t, a, "workflow:42")

	require.True(t, env.hub.Disconnect(a.ID()))
	require.False(t, env.hub.Disconnect(a.ID()))
	require.False(t, env.hub.Registry().Remove(a.ID(), ReasonHeartbeatTimeout))

	assert.True(t, ca.isClosed())
	assert.Len(t, cb.filter(t, KindUserLeft, "organization:org-x"), 1)
	assert.Equal(t, ReasonDisconnect, env.settled().closedReason(a.ID()))
	require.ErrorIs(t, env.hub.Heartbeat(a.ID()), ErrSessionNotFound)
}

// Abrupt disconnect and explicit leave must end in the same state.
func TestRegistry_DisconnectMatchesExplicitLeave(t *testing.T) {
	rooms := []string{"workflow:42", "process:7"}

	run := func(t *testing.T, depart func(env *testEnv, s *Session)) (*testEnv, *Session, *fakeClient) {
		env := newTestEnv(t)
		a, _ := env.connect(t, "u-a", "org-x")
		b, cb := env.connect(t, "u-b", "org-x")
		for _, r := range rooms {
			env.join(t, a, r)
			env.join(t, b, r)
		}
		cb.reset()
		depart(env, a)
		return env, a, cb
	}

	leaveAll := func(env *testEnv, s *Session) {
		for _, k := range s.Rooms() {
			env.hub.Leave(s, k)
		}
		env.hub.Disconnect(s.ID())
	}
	disconnect := func(env *testEnv, s *Session) {
		env.hub.Disconnect(s.ID())
	}

	for name, depart := range map[string]func(*testEnv, *Session){"leave": leaveAll, "disconnect": disconnect} {
		t.Run(name, func(t *testing.T) {
			env, a, cb := run(t, depart)

			_, ok := env.hub.Registry().Get(a.ID())
			assert.False(t, ok)
			for _, r := range append(rooms, "organization:org-x") {
				assert.False(t, env.hub.Directory().IsMember(key(t, r), a.ID()))
				assert.Len(t, cb.filter(t, KindUserLeft, r), 1, "user_left in %s", r)
				assert.Len(t, cb.filter(t, KindCursorRemoved, r), 1, "cursor_removed in %s", r)
			}
		})
	}
}

func TestRegistry_HeartbeatTimeout(t *testing.T) {
	env := newTestEnv(t)
	a, ca := env.connect(t, "u-a", "org-x")
	b, cb := env.connect(t, "u-b", "org-x")
	env.join(t, a, "workflow:42")
	env.join(t, a, "process:7")
	env.join(t, b, "workflow:42")
	cb.reset()

	env.clock.Advance(45 * time.Second)
	require.NoError(t, env.hub.Heartbeat(b.ID()))
	assert.Equal(t, 0, env.hub.Sweep())

	env.clock.Advance(20 * time.Second) // a is 65s idle, b 20s
	assert.Equal(t, 1, env.hub.Sweep())

	_, ok := env.hub.Registry().Get(a.ID())
	assert.False(t, ok)
	assert.True(t, ca.isClosed())
	obs := env.settled()
	assert.Equal(t, ReasonHeartbeatTimeout, obs.closedReason(a.ID()))
	assert.Equal(t, 1, obs.aliveCount())

	assert.Len(t, cb.filter(t, KindUserLeft, "workflow:42"), 1)
	assert.Len(t, cb.filter(t, KindCursorRemoved, "workflow:42"), 1)
	assert.False(t, env.hub.Directory().Exists(key(t, "process:7")), "room whose last member timed out must be deleted")
	assert.True(t, env.hub.Directory().Exists(key(t, "workflow:42")))

	// a second sweep finds nothing more to do
	env.clock.Advance(time.Second)
	assert.Equal(t, 0, env.hub.Sweep())
	assert.Len(t, cb.filter(t, KindUserLeft, "workflow:42"), 1)
}

func TestRegistry_InboundFrameCountsAsHeartbeat(t *testing.T) {
	env := newTestEnv(t)
	a, ca := env.connect(t, "u-a", "org-x")

	env.clock.Advance(50 * time.Second)
	env.hub.Dispatch(context.Background(), a, frame(KindHeartbeat, "hb-1", nil))
	require.Len(t, ca.filter(t, KindHeartbeatAck, ""), 1)

	env.clock.Advance(50 * time.Second)
	assert.Equal(t, 0, env.hub.Sweep())
	assert.WithinDuration(t, env.clock.Now().Add(-50*time.Second), a.LastHeartbeat(), 0)
}

func TestHub_ShutdownRemovesEverything(t *testing.T) {
	env := newTestEnv(t)
	a, _ := env.connect(t, "u-a", "org-x")
	b, _ := env.connect(t, "u-b", "org-y")
	env.join(t, a, "workflow:42")
	env.join(t, b, "workflow:99")

	env.hub.Shutdown()
	assert.Equal(t, Stats{}, env.hub.Stats())
	assert.Equal(t, ReasonShutdown, env.observer.closedReason(b.ID()), "shutdown drains the observer queue")
}

func TestHub_RunStopsOnCancel(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- env.hub.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

type valueClient struct{ name string }

func (valueClient) Send([]byte) bool { return true }
func (valueClient) Close()           {}

type sliceClient struct{ queued [][]byte }

func (sliceClient) Send([]byte) bool { return true }
func (sliceClient) Close()           {}

type emptyClient struct{}

func (*emptyClient) Send([]byte) bool { return true }
func (*emptyClient) Close()           {}

func TestRegistry_RejectsClientsWithoutConnectionIdentity(t *testing.T) {
	tests := []struct {
		name   string
		client Client
	}{
		{name: "value type", client: valueClient{name: "tab-1"}},
		{name: "unhashable value", client: sliceClient{queued: [][]byte{[]byte("x")}}},
		{name: "pointer to zero-size type", client: &emptyClient{}},
		{name: "nil pointer", client: (*fakeClient)(nil)},
		{name: "nil", client: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			var err error
			require.NotPanics(t, func() {
				_, err = env.hub.Connect(context.Background(), tt.client, identity("u-a", "org-x"))
			})
			require.ErrorIs(t, err, ErrInvalidClient)
			assert.Equal(t, Stats{}, env.hub.Stats())
		})
	}
}

func TestRegistry_EqualClientsAreDistinctConnections(t *testing.T) {
	env := newTestEnv(t)
	// two connections whose client state compares equal
	first, second := &fakeClient{}, &fakeClient{}

	a, err := env.hub.Connect(context.Background(), first, identity("u-a", "org-x"))
	require.NoError(t, err)
	b, err := env.hub.Connect(context.Background(), second, identity("u-a", "org-x"))
	require.NoError(t, err)

	assert.NotEqual(t, a.ID(), b.ID())
	assert.Equal(t, 2, env.hub.Registry().Len())

	require.True(t, env.hub.Disconnect(a.ID()))
	// the freed client can connect again
	_, err = env.hub.Connect(context.Background(), first, identity("u-a", "org-x"))
	require.NoError(t, err)
}

// blockingObserver stalls SessionClosed until released.
type blockingObserver struct {
	recordingObserver
	release chan struct{}
}

func (o *blockingObserver) SessionClosed(ctx context.Context, s *Session, reason string) {
	<-o.release
	o.recordingObserver.SessionClosed(ctx, s, reason)
}

func TestRegistry_SlowObserverDoesNotStallFanOut(t *testing.T) {
	obs := &blockingObserver{release: make(chan struct{})}
	hub := NewHub(Options{Tenants: newFakeTenants(), Observer: obs})
	t.Cleanup(hub.Shutdown)
	var releaseOnce sync.Once
	release := func() { releaseOnce.Do(func() { close(obs.release) }) }
	t.Cleanup(release)

	var sessions []*Session
	var clients []*fakeClient
	for _, user := range []string{"u-a", "u-b", "u-c", "u-d"} {
		c := &fakeClient{}
		s, err := hub.Connect(context.Background(), c, identity(user, "org-x"))
		require.NoError(t, err)
		require.NoError(t, hub.Join(context.Background(), s, RoomKey{ResourceType: ResourceWorkflow, ResourceID: "42"}))
		sessions = append(sessions, s)
		clients = append(clients, c)
	}
	clients[1].setRefuse(true)
	clients[2].setRefuse(true)

	in, err := Decode(frame(KindCommentAdded, "", map[string]any{
		"resourceType": "workflow", "resourceId": "42", "comment": map[string]string{"id": "c-1"},
	}))
	require.NoError(t, err)

	done := make(chan []string, 1)
	go func() {
		delivered, _ := hub.Route(context.Background(), sessions[0], in)
		done <- delivered
	}()
	select {
	case delivered := <-done:
		assert.Equal(t, []string{sessions[3].ID()}, delivered)
	case <-time.After(time.Second):
		t.Fatal("fan-out waited on the session observer")
	}
	assert.Equal(t, 2, hub.Stats().Sessions)

	release()
	hub.registry.notify.flush()
	assert.Equal(t, ReasonDeliveryFailure, obs.closedReason(sessions[1].ID()))
	assert.Equal(t, ReasonDeliveryFailure, obs.closedReason(sessions[2].ID()))
}

func TestNotifier_PreservesOrderAndStops(t *testing.T) {
	obs := &recordingObserver{}
	hub := NewHub(Options{Tenants: newFakeTenants(), Observer: obs})

	s, err := hub.Connect(context.Background(), &fakeClient{}, identity("u-a", "org-x"))
	require.NoError(t, err)
	hub.Sweep()
	require.True(t, hub.Disconnect(s.ID()))
	hub.Sweep()

	hub.Shutdown()
	assert.Equal(t, []string{s.ID()}, obs.opened)
	assert.Equal(t, ReasonDisconnect, obs.closedReason(s.ID()))
	// the last alive report runs after the close and sees no sessions
	assert.Equal(t, 0, obs.aliveCount())

	// notifications after shutdown are dropped, not blocked on
	hub.Shutdown()
	_, err = hub.Connect(context.Background(), &fakeClient{}, identity("u-b", "org-x"))
	require.NoError(t, err)
	assert.Equal(t, 1, obs.openedCount())
}

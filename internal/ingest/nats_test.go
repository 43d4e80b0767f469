package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"workflow-collab-api/internal/auth"
	"workflow-collab-api/internal/realtime"

	natstest "github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakePublisher struct {
	payloads []any
	err      error
}

func (f *fakePublisher) Publish(payload any) ([]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.payloads = append(f.payloads, payload)
	return []string{"s-1"}, nil
}

func TestStatusSubscriber_Handle(t *testing.T) {
	tests := []struct {
		name      string
		data      string
		wantErr   error
		published bool
	}{
		{
			name:      "workflow execution",
			data:      `{"event":"workflow_execution_update","data":{"workflowId":"42","executionId":"e-1","status":"COMPLETED"}}`,
			published: true,
		},
		{
			name:      "process mining",
			data:      `{"event":"process_mining_update","data":{"processId":"7","progress":1,"stage":"done"}}`,
			published: true,
		},
		{
			name:    "editing event is refused",
			data:    `{"event":"comment_added","data":{"resourceType":"workflow","resourceId":"42","comment":{}}}`,
			wantErr: realtime.ErrMalformedEvent,
		},
		{
			name:    "membership event is refused",
			data:    `{"event":"join_resource","data":{"resourceType":"workflow","resourceId":"42"}}`,
			wantErr: realtime.ErrMalformedEvent,
		},
		{
			name:    "garbage",
			data:    `not json`,
			wantErr: realtime.ErrMalformedEvent,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pub := &fakePublisher{}
			s := NewStatusSubscriber(nil, "collab.status.>", pub, nil)

			err := s.handle("collab.status.test", []byte(tt.data))
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.published, len(pub.payloads) == 1)
		})
	}
}

func TestStatusSubscriber_PublishError(t *testing.T) {
	pub := &fakePublisher{err: errors.New("boom")}
	s := NewStatusSubscriber(nil, "collab.status.>", pub, nil)
	err := s.handle("collab.status.x", []byte(`{"event":"process_mining_update","data":{"processId":"7","progress":0.1,"stage":"a"}}`))
	require.EqualError(t, err, "boom")
}

func TestStatusSubscriber_RoutesThroughHub(t *testing.T) {
	hub := realtime.NewHub(realtime.Options{})
	s := NewStatusSubscriber(nil, "collab.status.>", hub, nil)
	// no subscribers: routing to an absent room succeeds and reaches nobody
	require.NoError(t, s.handle("collab.status.x", []byte(`{"event":"workflow_execution_update","data":{"workflowId":"1","executionId":"e","status":"RUNNING"}}`)))
}

type staticTenants map[string]string

func (t staticTenants) ResourceTenant(_ context.Context, resourceType, resourceID string) (string, error) {
	org, ok := t[resourceType+":"+resourceID]
	if !ok {
		return "", realtime.ErrUnknownResource
	}
	return org, nil
}

// inbox records the frames sent to one room member.
type inbox struct {
	mu     sync.Mutex
	frames [][]byte
}

func (c *inbox) Send(message []byte) bool {
	c.mu.Lock()
	c.frames = append(c.frames, message)
	c.mu.Unlock()
	return true
}

func (c *inbox) Close() {}

func (c *inbox) count(t *testing.T, kind realtime.Kind) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, raw := range c.frames {
		var f struct {
			Event realtime.Kind `json:"event"`
		}
		require.NoError(t, json.Unmarshal(raw, &f))
		if f.Event == kind {
			n++
		}
	}
	return n
}

func runNATS(t *testing.T) *nats.Conn {
	t.Helper()
	opts := natstest.DefaultTestOptions
	opts.Port = -1
	srv := natstest.RunServer(&opts)
	t.Cleanup(srv.Shutdown)

	nc, err := Connect(srv.ClientURL(), "ingest-test", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(nc.Close)
	return nc
}

func (s *StatusSubscriber) started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sub != nil
}

func TestStatusSubscriber_RunDeliversAndDrains(t *testing.T) {
	nc := runNATS(t)

	hub := realtime.NewHub(realtime.Options{Tenants: staticTenants{"workflow:42": "org-x"}})
	t.Cleanup(hub.Shutdown)
	member := &inbox{}
	s, err := hub.Connect(context.Background(), member, auth.Identity{UserID: "u-a", OrganizationID: "org-x"})
	require.NoError(t, err)
	require.NoError(t, hub.Join(context.Background(), s,
		realtime.RoomKey{ResourceType: realtime.ResourceWorkflow, ResourceID: "42"}))

	sub := NewStatusSubscriber(nc, "collab.status.>", hub, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- sub.Run(ctx) }()
	require.Eventually(t, sub.started, 2*time.Second, 10*time.Millisecond)

	update := []byte(`{"event":"workflow_execution_update","data":{"workflowId":"42","executionId":"e-1","status":"COMPLETED"}}`)
	require.NoError(t, nc.Publish("collab.status.workflow", update))
	require.NoError(t, nc.Flush())
	require.Eventually(t, func() bool {
		return member.count(t, realtime.KindWorkflowExecutionUpdate) == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.False(t, sub.started())

	// a second subscriber shows when the server has routed the next message
	witness, err := nc.SubscribeSync("collab.status.>")
	require.NoError(t, err)
	require.NoError(t, nc.Publish("collab.status.workflow", update))
	require.NoError(t, nc.Flush())
	_, err = witness.NextMsg(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, member.count(t, realtime.KindWorkflowExecutionUpdate), "drained subscriber must not deliver")
}

func TestStatusSubscriber_StartClose(t *testing.T) {
	nc := runNATS(t)
	sub := NewStatusSubscriber(nc, "collab.status.>", &fakePublisher{}, nil)

	require.NoError(t, sub.Close(), "closing before start is a no-op")
	require.NoError(t, sub.Start())
	require.Error(t, sub.Start())
	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())
	assert.False(t, sub.started())
}

func TestStatusSubscriber_DropsBadMessages(t *testing.T) {
	nc := runNATS(t)
	pub := &publishLog{}
	sub := NewStatusSubscriber(nc, "collab.status.>", pub, nil)
	require.NoError(t, sub.Start())
	t.Cleanup(func() { _ = sub.Close() })

	require.NoError(t, nc.Publish("collab.status.x", []byte(`not json`)))
	require.NoError(t, nc.Publish("collab.status.x", []byte(`{"event":"text_change","data":{}}`)))
	require.NoError(t, nc.Publish("collab.status.x",
		[]byte(`{"event":"process_mining_update","data":{"processId":"7","progress":0.5,"stage":"mine"}}`)))
	require.NoError(t, nc.Flush())

	require.Eventually(t, func() bool { return pub.len() == 1 }, 2*time.Second, 10*time.Millisecond)
	got := pub.first()
	update, ok := got.(*realtime.ProcessMiningUpdate)
	require.True(t, ok, "got %T", got)
	assert.Equal(t, "7", update.ProcessID)
}

// publishLog is a Publisher safe for the NATS delivery goroutine.
type publishLog struct {
	mu       sync.Mutex
	payloads []any
}

func (p *publishLog) Publish(payload any) ([]string, error) {
	p.mu.Lock()
	p.payloads = append(p.payloads, payload)
	p.mu.Unlock()
	return nil, nil
}

func (p *publishLog) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.payloads)
}

func (p *publishLog) first() any {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.payloads[0]
}

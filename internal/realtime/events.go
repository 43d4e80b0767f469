package realtime

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"workflow-collab-api/internal/auth"

	"github.com/bytedance/sonic"
	"github.com/go-playground/validator/v10"
)

// Kind names an inbound or outbound event.
type Kind string

// Inbound kinds (client to server).
const (
	KindJoinResource            Kind = "join_resource"
	KindLeaveResource           Kind = "leave_resource"
	KindCursorUpdate            Kind = "cursor_update"
	KindTextChange              Kind = "text_change"
	KindCommentAdded            Kind = "comment_added"
	KindWorkflowExecutionUpdate Kind = "workflow_execution_update"
	KindProcessMiningUpdate     Kind = "process_mining_update"
	KindHeartbeat               Kind = "heartbeat"
)

// Outbound-only kinds (server to client).
const (
	KindCursorRemoved Kind = "cursor_removed"
	KindUserJoined    Kind = "user_joined"
	KindUserLeft      Kind = "user_left"
	KindHeartbeatAck  Kind = "heartbeat_ack"
	KindAck           Kind = "ack"
	KindError         Kind = "error"
)

// IncludesOrigin reports the inclusion policy of a routed kind. Status broadcasts
// reach the origin too; editing and presence events never echo back.
func (k Kind) IncludesOrigin() bool {
	switch k {
	case KindWorkflowExecutionUpdate, KindProcessMiningUpdate:
		return true
	default:
		return false
	}
}

// Resource types that may be used as rooms. All of them are tenant-bound.
const (
	ResourceWorkflow     = "workflow"
	ResourceProcess      = "process"
	ResourceDashboard    = "dashboard"
	ResourceOrganization = "organization"
)

// RoomKey identifies a room by resource type and id.
type RoomKey struct {
	ResourceType string
	ResourceID   string
}

func (k RoomKey) String() string {
	return k.ResourceType + ":" + k.ResourceID
}

// parseRoomKey parses "type:id".
func parseRoomKey(s string) (RoomKey, error) {
	typ, id, ok := strings.Cut(s, ":")
	if !ok || typ == "" || id == "" {
		return RoomKey{}, fmt.Errorf("%w: bad room key %q", ErrMalformedEvent, s)
	}
	key := RoomKey{ResourceType: typ, ResourceID: id}
	if err := validate.Struct(ResourceRef{ResourceType: typ, ResourceID: id}); err != nil {
		return RoomKey{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return key, nil
}

// ResourceRef is the room selector carried by resource-scoped payloads.
type ResourceRef struct {
	ResourceType string `json:"resourceType" validate:"required,oneof=workflow process dashboard organization"`
	ResourceID   string `json:"resourceId" validate:"required,max=128"`
}

func (r ResourceRef) Room() RoomKey {
	return RoomKey{ResourceType: r.ResourceType, ResourceID: r.ResourceID}
}

type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type JoinResource struct {
	ResourceRef
}

type LeaveResource struct {
	ResourceRef
}

type CursorUpdate struct {
	ResourceRef
	Position  *Position `json:"position" validate:"required"`
	ElementID string    `json:"elementId,omitempty"`
}

// TextChange carries an opaque editing operation; it is forwarded verbatim.
type TextChange struct {
	ResourceRef
	Operation json.RawMessage `json:"operation" validate:"required"`
	Version   *int64          `json:"version" validate:"required"`
}

type CommentAdded struct {
	ResourceRef
	Comment json.RawMessage `json:"comment" validate:"required"`
}

type WorkflowExecutionUpdate struct {
	WorkflowID  string `json:"workflowId" validate:"required,max=128"`
	ExecutionID string `json:"executionId" validate:"required"`
	Status      string `json:"status" validate:"required"`
	CurrentStep string `json:"currentStep,omitempty"`
}

type ProcessMiningUpdate struct {
	ProcessID string   `json:"processId" validate:"required,max=128"`
	Progress  *float64 `json:"progress" validate:"required"`
	Stage     string   `json:"stage" validate:"required"`
}

type Heartbeat struct{}

// Inbound is a decoded and validated client frame.
type Inbound struct {
	Kind      Kind
	RequestID string
	Payload   any
}

// Room returns the target room of a routed or membership payload.
func (in Inbound) Room() (RoomKey, bool) {
	switch p := in.Payload.(type) {
	case *JoinResource:
		return p.Room(), true
	case *LeaveResource:
		return p.Room(), true
	case *CursorUpdate:
		return p.Room(), true
	case *TextChange:
		return p.Room(), true
	case *CommentAdded:
		return p.Room(), true
	case *WorkflowExecutionUpdate:
		return RoomKey{ResourceType: ResourceWorkflow, ResourceID: p.WorkflowID}, true
	case *ProcessMiningUpdate:
		return RoomKey{ResourceType: ResourceProcess, ResourceID: p.ProcessID}, true
	default:
		return RoomKey{}, false
	}
}

type inboundFrame struct {
	Event     Kind            `json:"event"`
	RequestID string          `json:"requestId,omitempty"`
	Data      json.RawMessage `json:"data"`
}

var validate = validator.New()

// Decode parses and validates one inbound frame. Every failure wraps ErrMalformedEvent;
// the returned Inbound still carries the request id when the envelope was readable.
func Decode(raw []byte) (Inbound, error) {
	var f inboundFrame
	if err := sonic.Unmarshal(raw, &f); err != nil {
		return Inbound{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	in := Inbound{Kind: f.Event, RequestID: f.RequestID}

	var payload any
	switch f.Event {
	case KindJoinResource:
		payload = &JoinResource{}
	case KindLeaveResource:
		payload = &LeaveResource{}
	case KindCursorUpdate:
		payload = &CursorUpdate{}
	case KindTextChange:
		payload = &TextChange{}
	case KindCommentAdded:
		payload = &CommentAdded{}
	case KindWorkflowExecutionUpdate:
		payload = &WorkflowExecutionUpdate{}
	case KindProcessMiningUpdate:
		payload = &ProcessMiningUpdate{}
	case KindHeartbeat:
		in.Payload = &Heartbeat{}
		return in, nil
	case "":
		return in, fmt.Errorf("%w: missing event kind", ErrMalformedEvent)
	default:
		return in, fmt.Errorf("%w: unknown event kind %q", ErrMalformedEvent, f.Event)
	}

	if isNull(f.Data) {
		return in, fmt.Errorf("%w: %s has no data", ErrMalformedEvent, f.Event)
	}
	if err := sonic.Unmarshal(f.Data, payload); err != nil {
		return in, fmt.Errorf("%w: %s: %v", ErrMalformedEvent, f.Event, err)
	}
	if err := validate.Struct(payload); err != nil {
		return in, fmt.Errorf("%w: %s: %v", ErrMalformedEvent, f.Event, err)
	}
	if err := checkRaw(payload); err != nil {
		return in, fmt.Errorf("%w: %s: %v", ErrMalformedEvent, f.Event, err)
	}

	in.Payload = payload
	return in, nil
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// checkRaw rejects explicit nulls, which the required tag lets through for raw fields.
func checkRaw(payload any) error {
	switch p := payload.(type) {
	case *TextChange:
		if isNull(p.Operation) {
			return fmt.Errorf("operation is required")
		}
	case *CommentAdded:
		if isNull(p.Comment) {
			return fmt.Errorf("comment is required")
		}
	}
	return nil
}

// Frame is the outbound wire envelope. Origin is stamped by the server.
type Frame struct {
	Event     Kind           `json:"event"`
	Room      string         `json:"room,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Origin    *auth.Identity `json:"origin,omitempty"`
	Data      any            `json:"data,omitempty"`
}

// Outbound payloads.
type (
	CursorData struct {
		UserID    string   `json:"userId"`
		Position  Position `json:"position"`
		ElementID string   `json:"elementId,omitempty"`
	}
	TextChangeData struct {
		UserID    string          `json:"userId"`
		Operation json.RawMessage `json:"operation"`
		Version   int64           `json:"version"`
	}
	CommentData struct {
		Comment json.RawMessage `json:"comment"`
	}
	WorkflowExecutionData struct {
		WorkflowID  string `json:"workflowId"`
		ExecutionID string `json:"executionId"`
		Status      string `json:"status"`
		CurrentStep string `json:"currentStep,omitempty"`
	}
	ProcessMiningData struct {
		ProcessID string  `json:"processId"`
		Progress  float64 `json:"progress"`
		Stage     string  `json:"stage"`
	}
	UserJoinedData struct {
		User auth.Identity `json:"user"`
	}
	UserRefData struct {
		UserID string `json:"userId"`
	}
	AckData struct {
		RequestID string `json:"requestId,omitempty"`
		Event     Kind   `json:"event"`
		Room      string `json:"room,omitempty"`
	}
	ErrorData struct {
		RequestID string `json:"requestId,omitempty"`
		Code      string `json:"code"`
		Message   string `json:"message"`
	}
)

// outbound converts a routed inbound payload into its outbound kind and data.
func outbound(originUserID string, payload any) (Kind, any, bool) {
	switch p := payload.(type) {
	case *CursorUpdate:
		return KindCursorUpdate, CursorData{UserID: originUserID, Position: *p.Position, ElementID: p.ElementID}, true
	case *TextChange:
		return KindTextChange, TextChangeData{UserID: originUserID, Operation: p.Operation, Version: *p.Version}, true
	case *CommentAdded:
		return KindCommentAdded, CommentData{Comment: p.Comment}, true
	case *WorkflowExecutionUpdate:
		return KindWorkflowExecutionUpdate, WorkflowExecutionData{
			WorkflowID:  p.WorkflowID,
			ExecutionID: p.ExecutionID,
			Status:      p.Status,
			CurrentStep: p.CurrentStep,
		}, true
	case *ProcessMiningUpdate:
		return KindProcessMiningUpdate, ProcessMiningData{ProcessID: p.ProcessID, Progress: *p.Progress, Stage: p.Stage}, true
	default:
		return "", nil, false
	}
}

// Encode marshals an outbound frame.
func Encode(f Frame) ([]byte, error) {
	return sonic.Marshal(f)
}

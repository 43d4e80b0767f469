package realtime

import (
	"fmt"
	"time"

	"workflow-collab-api/internal/auth"

	"go.uber.org/zap"
)

// SystemIdentity stamps events that originate from the server itself.
var SystemIdentity = auth.Identity{UserID: "system", DisplayName: "System"}

// Origin is the stamped sender of a routed event. SessionID is empty for
// server-originated events.
type Origin struct {
	SessionID string
	Identity  auth.Identity
}

func originOf(s *Session) Origin {
	return Origin{SessionID: s.id, Identity: s.identity}
}

// Router resolves the target room of an event and fans it out to members
// according to the kind's inclusion policy.
type Router struct {
	dir   *Directory
	clock func() time.Time
	log   *zap.Logger

	// onDeliveryFailure runs for each member whose transport refused a frame,
	// after the room lock is released.
	onDeliveryFailure func(sessionID string)
}

func NewRouter(dir *Directory, clock func() time.Time, log *zap.Logger) *Router {
	if clock == nil {
		clock = time.Now
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Router{dir: dir, clock: clock, log: log}
}

// Route stamps the event with origin and the server time and delivers it to the
// room. It returns the ids of the sessions the frame was handed to. An empty or
// absent room is not an error.
func (r *Router) Route(origin Origin, kind Kind, key RoomKey, data any) ([]string, error) {
	identity := origin.Identity
	frame, err := Encode(Frame{
		Event:     kind,
		Room:      key.String(),
		Timestamp: r.clock().UTC(),
		Origin:    &identity,
		Data:      data,
	})
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", kind, err)
	}

	exclude := origin.SessionID
	if kind.IncludesOrigin() {
		exclude = ""
	}
	delivered, failed := r.dir.deliver(key, exclude, frame)

	if len(failed) > 0 {
		for _, s := range failed {
			r.log.Info("delivery failed, dropping member",
				zap.String("sessionId", s.id),
				zap.String("userId", s.identity.UserID),
				zap.Stringer("room", key))
			if r.onDeliveryFailure != nil {
				r.onDeliveryFailure(s.id)
			}
		}
	}
	return delivered, nil
}

// SendTo delivers a frame to a single session, bypassing rooms. It is used for
// acknowledgements, errors and presence snapshots.
func (r *Router) SendTo(s *Session, kind Kind, key *RoomKey, origin *auth.Identity, data any) bool {
	f := Frame{Event: kind, Timestamp: r.clock().UTC(), Origin: origin, Data: data}
	if key != nil {
		f.Room = key.String()
	}
	frame, err := Encode(f)
	if err != nil {
		r.log.Error("encode frame", zap.String("event", string(kind)), zap.Error(err))
		return false
	}
	if !s.send(frame) {
		if r.onDeliveryFailure != nil {
			r.onDeliveryFailure(s.id)
		}
		return false
	}
	return true
}

package realtime

import (
	"errors"

	"workflow-collab-api/internal/auth"
)

var (
	// ErrTenantMismatch rejects a join (or a routed event) for a resource owned by another organization.
	ErrTenantMismatch = errors.New("tenant mismatch")
	// ErrMalformedEvent rejects an inbound frame with an unknown kind or a missing field.
	ErrMalformedEvent = errors.New("malformed event")
	// ErrDuplicateConnection means the same transport handle was registered twice.
	ErrDuplicateConnection = errors.New("duplicate connection")
	// ErrInvalidClient rejects a transport handle that cannot identify a connection.
	ErrInvalidClient = errors.New("invalid client")
	// ErrSessionNotFound means the session id is not in the registry.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionClosed means the session is being or has been removed.
	ErrSessionClosed = errors.New("session closed")
	// ErrUnknownResource is returned by a TenantResolver that cannot find the resource.
	ErrUnknownResource = errors.New("unknown resource")
)

// Error codes sent to the origin client in an error frame.
const (
	CodeTenantMismatch      = "tenant_mismatch"
	CodeMalformedEvent      = "malformed_event"
	CodeSessionClosed       = "session_closed"
	CodeInvalidCredential   = "invalid_credential"
	CodeIdentityNotFound    = "identity_not_found"
	CodeExpired             = "credential_expired"
	CodeDuplicateConnection = "duplicate_connection"
	CodeInternal            = "internal"
)

// ErrorCode maps an error to the code reported to clients.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrTenantMismatch):
		return CodeTenantMismatch
	case errors.Is(err, ErrMalformedEvent):
		return CodeMalformedEvent
	case errors.Is(err, ErrSessionClosed), errors.Is(err, ErrSessionNotFound):
		return CodeSessionClosed
	case errors.Is(err, ErrDuplicateConnection):
		return CodeDuplicateConnection
	case errors.Is(err, auth.ErrExpired):
		return CodeExpired
	case errors.Is(err, auth.ErrIdentityNotFound):
		return CodeIdentityNotFound
	case errors.Is(err, auth.ErrInvalidCredential):
		return CodeInvalidCredential
	default:
		return CodeInternal
	}
}

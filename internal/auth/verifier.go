package auth

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
)

var (
	// ErrInvalidCredential means the token could not be decoded or its signature failed.
	ErrInvalidCredential = errors.New("invalid credential")
	// ErrIdentityNotFound means the token is valid but its user no longer exists or is inactive.
	ErrIdentityNotFound = errors.New("identity not found")
	// ErrExpired means the token's validity window has passed.
	ErrExpired = errors.New("credential expired")
)

// Identity is the verified, immutable view of a connected user.
type Identity struct {
	UserID         string `json:"userId"`
	DisplayName    string `json:"displayName"`
	Avatar         string `json:"avatar,omitempty"`
	OrganizationID string `json:"organizationId"`
	Color          string `json:"color"`
}

// IdentityStore resolves a user id to an Identity. Implementations return
// ErrIdentityNotFound for unknown or inactive users.
type IdentityStore interface {
	LookupUser(ctx context.Context, userID string) (Identity, error)
}

// Verifier turns a bearer credential into an Identity.
type Verifier struct {
	cfg   TokenConfig
	store IdentityStore
}

func NewVerifier(cfg TokenConfig, store IdentityStore) *Verifier {
	return &Verifier{cfg: cfg, store: store}
}

// Verify decodes the credential and looks up its identity. It has no side effects.
func (v *Verifier) Verify(ctx context.Context, credential string) (Identity, error) {
	if credential == "" {
		return Identity{}, ErrInvalidCredential
	}
	claims, err := ParseToken(v.cfg, credential)
	if err != nil {
		return Identity{}, err
	}

	id, err := v.store.LookupUser(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, ErrIdentityNotFound) {
			return Identity{}, ErrIdentityNotFound
		}
		return Identity{}, fmt.Errorf("lookup user %s: %w", claims.UserID, err)
	}
	if id.Color == "" {
		id.Color = ColorFor(id.UserID)
	}
	return id, nil
}

var palette = []string{
	"#E57373", "#64B5F6", "#81C784", "#FFB74D",
	"#BA68C8", "#4DB6AC", "#F06292", "#A1887F",
}

// ColorFor returns a stable display color for a user id.
func ColorFor(userID string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return palette[h.Sum32()%uint32(len(palette))]
}

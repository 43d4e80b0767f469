package database

import (
	"context"

	"workflow-collab-api/internal/auth"
	"workflow-collab-api/internal/models"

	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// IdentityStore implements auth.IdentityStore over the users table.
type IdentityStore struct {
	db *gorm.DB
}

func NewIdentityStore(db *gorm.DB) *IdentityStore {
	return &IdentityStore{db: db}
}

// LookupUser returns the identity of an active user.
func (s *IdentityStore) LookupUser(ctx context.Context, userID string) (auth.Identity, error) {
	var user models.User
	err := s.db.WithContext(ctx).Where("id = ?", userID).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return auth.Identity{}, auth.ErrIdentityNotFound
	}
	if err != nil {
		return auth.Identity{}, errors.Wrapf(err, "query user %s", userID)
	}
	if user.Status != models.UserActive {
		return auth.Identity{}, auth.ErrIdentityNotFound
	}

	return auth.Identity{
		UserID:         user.ID,
		DisplayName:    user.DisplayName(),
		Avatar:         user.Avatar,
		OrganizationID: user.OrganizationID,
		Color:          auth.ColorFor(user.ID),
	}, nil
}

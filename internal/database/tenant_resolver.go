package database

import (
	"context"
	"time"

	"workflow-collab-api/internal/cache"
	"workflow-collab-api/internal/models"
	"workflow-collab-api/internal/realtime"

	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// TenantResolver implements realtime.TenantResolver by reading the owning
// organization of a resource row.
type TenantResolver struct {
	db *gorm.DB
}

func NewTenantResolver(db *gorm.DB) *TenantResolver {
	return &TenantResolver{db: db}
}

func (r *TenantResolver) ResourceTenant(ctx context.Context, resourceType, resourceID string) (string, error) {
	db := r.db.WithContext(ctx)
	var (
		orgID string
		err   error
	)
	switch resourceType {
	case realtime.ResourceWorkflow:
		var w models.Workflow
		err = db.Select("organization_id").Where("id = ?", resourceID).First(&w).Error
		orgID = w.OrganizationID
	case realtime.ResourceProcess:
		var p models.Process
		err = db.Select("organization_id").Where("id = ?", resourceID).First(&p).Error
		orgID = p.OrganizationID
	case realtime.ResourceDashboard:
		var d models.Dashboard
		err = db.Select("organization_id").Where("id = ?", resourceID).First(&d).Error
		orgID = d.OrganizationID
	default:
		return "", realtime.ErrUnknownResource
	}

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", realtime.ErrUnknownResource
	}
	if err != nil {
		return "", errors.Wrapf(err, "resolve tenant of %s:%s", resourceType, resourceID)
	}
	return orgID, nil
}

// CachedTenantResolver memoizes successful lookups. Resources do not move
// between organizations, so only deletions can make an entry stale.
type CachedTenantResolver struct {
	next  realtime.TenantResolver
	cache cache.Cache[string, string]
}

func NewCachedTenantResolver(next realtime.TenantResolver, ttl time.Duration) *CachedTenantResolver {
	return &CachedTenantResolver{
		next:  next,
		cache: cache.NewTTLCache[string, string](cache.Options{TTL: ttl, MaxEntries: 10000}),
	}
}

func (c *CachedTenantResolver) ResourceTenant(ctx context.Context, resourceType, resourceID string) (string, error) {
	key := resourceType + ":" + resourceID
	if orgID, ok := c.cache.Get(key); ok {
		return orgID, nil
	}
	orgID, err := c.next.ResourceTenant(ctx, resourceType, resourceID)
	if err != nil {
		return "", err
	}
	c.cache.Set(key, orgID)
	return orgID, nil
}

// Purge drops expired entries.
func (c *CachedTenantResolver) Purge() int {
	return c.cache.PurgeExpired()
}

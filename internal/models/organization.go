package models

import "time"

// Organization is a tenant. Every tenant-bound resource belongs to exactly one.
type Organization struct {
	ID        string    `json:"id" gorm:"primaryKey"`
	Name      string    `json:"name" gorm:"not null"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (Organization) TableName() string {
	return "organizations"
}

// Workflow, Process and Dashboard only carry what the realtime layer needs:
// the owning organization. Their full CRUD lives in the REST service.
type Workflow struct {
	ID             string    `json:"id" gorm:"primaryKey"`
	Name           string    `json:"name"`
	OrganizationID string    `json:"organizationId" gorm:"index;not null"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

func (Workflow) TableName() string {
	return "workflows"
}

type Process struct {
	ID             string    `json:"id" gorm:"primaryKey"`
	Name           string    `json:"name"`
	OrganizationID string    `json:"organizationId" gorm:"index;not null"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

func (Process) TableName() string {
	return "processes"
}

type Dashboard struct {
	ID             string    `json:"id" gorm:"primaryKey"`
	Name           string    `json:"name"`
	OrganizationID string    `json:"organizationId" gorm:"index;not null"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

func (Dashboard) TableName() string {
	return "dashboards"
}

// All lists every model for AutoMigrate.
func All() []any {
	return []any{&Organization{}, &User{}, &Workflow{}, &Process{}, &Dashboard{}}
}

package testutil

import (
	"workflow-collab-api/internal/models"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewInMemoryDB creates an in-memory SQLite DB and runs migrations.
func NewInMemoryDB() (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}
	// every new connection to :memory: is a fresh database
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(models.All()...); err != nil {
		return nil, err
	}
	return db, nil
}

// Fixture ids. Acme and Globex are two tenants; Dave is an inactive Acme user.
const (
	OrgAcme   = "org-acme"
	OrgGlobex = "org-globex"

	UserAlice = "u-alice"
	UserBob   = "u-bob"
	UserCarol = "u-carol"
	UserDave  = "u-dave"

	WorkflowAcme   = "wf-acme"
	WorkflowGlobex = "wf-globex"
	ProcessAcme    = "pr-acme"
	DashboardAcme  = "db-acme"
)

// Seed inserts two organizations with a few users and resources.
func Seed(db *gorm.DB) error {
	rows := []any{
		&models.Organization{ID: OrgAcme, Name: "Acme"},
		&models.Organization{ID: OrgGlobex, Name: "Globex"},
		&models.User{ID: UserAlice, Email: "alice@acme.test", FirstName: "Alice", LastName: "Doe", OrganizationID: OrgAcme, Status: models.UserActive},
		&models.User{ID: UserBob, Email: "bob@acme.test", FirstName: "Bob", OrganizationID: OrgAcme, Status: models.UserActive},
		&models.User{ID: UserCarol, Email: "carol@globex.test", FirstName: "Carol", OrganizationID: OrgGlobex, Status: models.UserActive},
		&models.User{ID: UserDave, Email: "dave@acme.test", OrganizationID: OrgAcme, Status: models.UserInactive},
		&models.Workflow{ID: WorkflowAcme, Name: "Invoice approval", OrganizationID: OrgAcme},
		&models.Workflow{ID: WorkflowGlobex, Name: "Onboarding", OrganizationID: OrgGlobex},
		&models.Process{ID: ProcessAcme, Name: "Procure to pay", OrganizationID: OrgAcme},
		&models.Dashboard{ID: DashboardAcme, Name: "Throughput", OrganizationID: OrgAcme},
	}
	return db.Transaction(func(tx *gorm.DB) error {
		for _, row := range rows {
			if err := tx.Create(row).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

package database

import (
	"path/filepath"
	"testing"

	"github.com/MarcoPoloResearchLab/fieldsync/internal/entities"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/mutations"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestApplyMigrationsBackfillsEntityProjects(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	if err := database.AutoMigrate(&entities.Entity{}, &migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	rows := []entities.Entity{
		{EntityType: "job", EntityID: "job-1", OwnerID: "alice", PayloadJSON: `{"projectId":"project-7"}`, CreatedAtMillis: 1, UpdatedAtMillis: 1},
		{EntityType: "job", EntityID: "job-2", OwnerID: "alice", PayloadJSON: `{"project_id":"project-8"}`, CreatedAtMillis: 1, UpdatedAtMillis: 1},
		{EntityType: "job", EntityID: "job-3", OwnerID: "alice", PayloadJSON: `{"title":"no project"}`, CreatedAtMillis: 1, UpdatedAtMillis: 1},
		{EntityType: "job", EntityID: "job-4", OwnerID: "alice", ProjectID: "kept", PayloadJSON: `{"projectId":"other"}`, CreatedAtMillis: 1, UpdatedAtMillis: 1},
	}
	if err := database.Create(&rows).Error; err != nil {
		testContext.Fatalf("failed to insert entities: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	expected := map[string]string{"job-1": "project-7", "job-2": "project-8", "job-3": "", "job-4": "kept"}
	for entityID, projectID := range expected {
		var stored entities.Entity
		if err := database.Where("entity_type = ? AND entity_id = ?", "job", entityID).Take(&stored).Error; err != nil {
			testContext.Fatalf("failed to reload %s: %v", entityID, err)
		}
		if stored.ProjectID != projectID {
			testContext.Fatalf("expected %s project %q, got %q", entityID, projectID, stored.ProjectID)
		}
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationBackfillEntityProjects).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}
}

func TestOpenSQLiteCreatesServerAndAgentSchemas(testContext *testing.T) {
	tempDir := testContext.TempDir()

	server, err := OpenSQLite(filepath.Join(tempDir, "server.db"), zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open server database: %v", err)
	}
	for _, table := range []string{"entities", "sync_events", "conflict_records", "conflict_audit_log", "push_endpoints", "push_scheduled_notifications", "project_memberships", "db_migrations"} {
		if !server.Migrator().HasTable(table) {
			testContext.Fatalf("expected table %s", table)
		}
	}

	agent, err := OpenAgentSQLite(filepath.Join(tempDir, "agent.db"), nil)
	if err != nil {
		testContext.Fatalf("failed to open agent database: %v", err)
	}
	if !agent.Migrator().HasTable(&mutations.Blob{}) {
		testContext.Fatalf("expected queue blob table")
	}

	if _, err := OpenSQLite("", nil); err == nil {
		testContext.Fatalf("expected empty path to be rejected")
	}
}

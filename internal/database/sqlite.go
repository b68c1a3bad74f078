package database

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/fieldsync/internal/conflicts"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/entities"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/mutations"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/push"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// ServerModels lists the tables owned by the API server.
func ServerModels() []interface{} {
	return []interface{}{
		&entities.Entity{},
		&entities.SyncEvent{},
		&users.Identity{},
		&users.Membership{},
		&conflicts.Record{},
		&conflicts.AuditEntry{},
		&push.Endpoint{},
		&push.Ticket{},
		&push.SendAttempt{},
		&push.ScheduledNotification{},
		&migrationRecord{},
	}
}

// OpenSQLite establishes the server SQLite connection and performs schema migrations.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	db, err := open(path)
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(ServerModels()...); err != nil {
		return nil, err
	}
	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}
	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}
	return db, nil
}

// OpenAgentSQLite opens the client agent's durable queue store.
func OpenAgentSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	db, err := open(path)
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&mutations.Blob{}); err != nil {
		return nil, err
	}
	if logger != nil {
		logger.Debug("agent queue store initialized", zap.String("path", path))
	}
	return db, nil
}

func open(path string) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	return db, nil
}

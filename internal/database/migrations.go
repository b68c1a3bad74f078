package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/fieldsync/internal/entities"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationBackfillEntityProjects = "2026-03-10_backfill_entity_project_ids"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationBackfillEntityProjects, apply: backfillEntityProjects},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// backfillEntityProjects copies the owning project out of stored payloads for
// rows written before project routing was tracked in its own column.
func backfillEntityProjects(db *gorm.DB) error {
	return db.Model(&entities.Entity{}).
		Where("project_id = '' AND is_deleted = ? AND json_valid(payload_json)", false).
		Update("project_id", gorm.Expr("COALESCE(json_extract(payload_json, '$.projectId'), json_extract(payload_json, '$.project_id'), '')")).Error
}

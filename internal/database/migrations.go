package database

import (
	"errors"
	"time"

	"github.com/orbitalworks/collabsync/internal/snapshot"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationDropUnprefixedEntityKeys = "2026-06-12_drop_unprefixed_entity_keys"

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
		{name: migrationDropUnprefixedEntityKeys, apply: dropUnprefixedEntityKeys},
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

// Early builds keyed snapshots by bare entity id. Those rows are unreachable
// now that every key carries a kind prefix, so drop them.
func dropUnprefixedEntityKeys(db *gorm.DB) error {
	return db.
		Where("entity_id NOT LIKE '%:%'").
		Delete(&snapshot.EntitySnapshot{}).Error
}

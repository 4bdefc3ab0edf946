package snapshot

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrSnapshotNotFound = errors.New("snapshot: not found")
	ErrMissingDatabase  = errors.New("snapshot: database dependency required")
	ErrEmptyEntityID    = errors.New("snapshot: entity id required")
)

// EntitySnapshot is the latest persisted whole-state blob for one entity.
// At most one row exists per entity id; every flush replaces the blob
// wholesale. The blob format is entity-specific and never interpreted here.
type EntitySnapshot struct {
	EntityID         string `gorm:"column:entity_id;primaryKey;size:190;not null"`
	Blob             []byte `gorm:"column:blob;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (EntitySnapshot) TableName() string {
	return "entity_snapshots"
}

// Store is the durable key-value interface this service consumes. Load for a
// missing entity returns ErrSnapshotNotFound, which callers treat as a new
// entity, not a failure.
type Store interface {
	Save(ctx context.Context, entityID string, blob []byte) error
	Load(ctx context.Context, entityID string) (EntitySnapshot, error)
}

// GormStoreConfig describes the inputs required to build a GormStore.
type GormStoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// GormStore persists entity snapshots in a relational table.
type GormStore struct {
	db    *gorm.DB
	clock func() time.Time
}

// NewGormStore validates the configuration and returns a GormStore.
func NewGormStore(cfg GormStoreConfig) (*GormStore, error) {
	if cfg.Database == nil {
		return nil, ErrMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &GormStore{db: cfg.Database, clock: clock}, nil
}

// Save upserts the whole-blob snapshot for the entity.
func (s *GormStore) Save(ctx context.Context, entityID string, blob []byte) error {
	if entityID == "" {
		return ErrEmptyEntityID
	}
	row := EntitySnapshot{
		EntityID:         entityID,
		Blob:             blob,
		UpdatedAtSeconds: s.clock().UTC().Unix(),
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "entity_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"blob", "updated_at_s"}),
		}).
		Create(&row).Error
}

// Load fetches the latest snapshot for the entity.
func (s *GormStore) Load(ctx context.Context, entityID string) (EntitySnapshot, error) {
	if entityID == "" {
		return EntitySnapshot{}, ErrEmptyEntityID
	}
	var row EntitySnapshot
	err := s.db.WithContext(ctx).
		Where("entity_id = ?", entityID).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return EntitySnapshot{}, ErrSnapshotNotFound
	}
	if err != nil {
		return EntitySnapshot{}, err
	}
	return row, nil
}

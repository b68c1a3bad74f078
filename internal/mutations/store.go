package mutations

import (
	"context"
	"errors"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// BlobStore is the durable local store: atomic get/set of one serialized queue blob.
type BlobStore interface {
	Load(ctx context.Context) ([]byte, error)
	Save(ctx context.Context, blob []byte) error
}

// MemoryBlobStore keeps the blob in process memory.
type MemoryBlobStore struct {
	mu   sync.Mutex
	data []byte
}

// NewMemoryBlobStore returns an empty in-memory store.
func NewMemoryBlobStore() *MemoryBlobStore {
	return &MemoryBlobStore{}
}

func (s *MemoryBlobStore) Load(_ context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data == nil {
		return nil, nil
	}
	return append([]byte(nil), s.data...), nil
}

func (s *MemoryBlobStore) Save(_ context.Context, blob []byte) error {
	s.mu.Lock()
	s.data = append([]byte(nil), blob...)
	s.mu.Unlock()
	return nil
}

// Blob is the single-row table backing GormBlobStore.
type Blob struct {
	Key             string `gorm:"column:blob_key;primaryKey;size:64;not null"`
	Data            string `gorm:"column:data;type:text;not null"`
	UpdatedAtMillis int64  `gorm:"column:updated_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Blob) TableName() string {
	return "local_queue_blobs"
}

// GormBlobStore persists the queue blob in a local SQLite database.
type GormBlobStore struct {
	db  *gorm.DB
	key string
}

// NewGormBlobStore binds the store to a key; the table must already be migrated.
func NewGormBlobStore(db *gorm.DB, key string) (*GormBlobStore, error) {
	if db == nil {
		return nil, errors.New("mutations: database handle is required")
	}
	if key == "" {
		key = "default"
	}
	return &GormBlobStore{db: db, key: key}, nil
}

func (s *GormBlobStore) Load(ctx context.Context) ([]byte, error) {
	var blob Blob
	err := s.db.WithContext(ctx).Where("blob_key = ?", s.key).Take(&blob).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return []byte(blob.Data), nil
}

func (s *GormBlobStore) Save(ctx context.Context, data []byte) error {
	blob := Blob{Key: s.key, Data: string(data), UpdatedAtMillis: time.Now().UTC().UnixMilli()}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "blob_key"}},
			DoUpdates: clause.AssignmentColumns([]string{"data", "updated_at_ms"}),
		}).
		Create(&blob).Error
}

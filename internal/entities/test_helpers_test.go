package entities

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type sequenceIDProvider struct {
	next int
}

func (p *sequenceIDProvider) NewID() (string, error) {
	p.next++
	return fmt.Sprintf("id-%d", p.next), nil
}

type manualClock struct {
	current time.Time
}

func (c *manualClock) Now() time.Time {
	return c.current
}

func (c *manualClock) Advance(d time.Duration) {
	c.current = c.current.Add(d)
}

type recordingObserver struct {
	hits   int
	misses int
}

func (o *recordingObserver) RecordCacheAccess(_ string, hit bool) {
	if hit {
		o.hits++
		return
	}
	o.misses++
}

func newTestService(t *testing.T, clock *manualClock, cache *Cache) (*Service, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "entities.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Entity{}, &SyncEvent{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	service, err := NewService(ServiceConfig{
		Database:   db,
		Clock:      clock.Now,
		IDProvider: &sequenceIDProvider{},
		Cache:      cache,
	})
	if err != nil {
		t.Fatalf("failed to build service: %v", err)
	}
	return service, db
}

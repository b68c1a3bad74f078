package users

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newTestService(t *testing.T, clock func() time.Time) *Service {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "users.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Identity{}, &Membership{}); err != nil {
		t.Fatalf("failed to migrate user schema: %v", err)
	}
	service, err := NewService(ServiceConfig{Database: db, Clock: clock})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return service
}

func TestProjectIDsReturnsActiveAssignments(t *testing.T) {
	service := newTestService(t, nil)
	ctx := context.Background()

	for _, projectID := range []string{"project-b", "project-a", "project-c"} {
		if err := service.Assign(ctx, "user-1", projectID); err != nil {
			t.Fatalf("assign failed: %v", err)
		}
	}
	if err := service.Unassign(ctx, "user-1", "project-c"); err != nil {
		t.Fatalf("unassign failed: %v", err)
	}
	// re-assigning must not create a duplicate membership
	if err := service.Assign(ctx, "user-1", "project-a"); err != nil {
		t.Fatalf("repeat assign failed: %v", err)
	}

	projectIDs, err := service.ProjectIDs(ctx, "user-1")
	if err != nil {
		t.Fatalf("project lookup failed: %v", err)
	}
	if len(projectIDs) != 2 || projectIDs[0] != "project-a" || projectIDs[1] != "project-b" {
		t.Fatalf("unexpected project ids %v", projectIDs)
	}
}

func TestResolveRecipientsAppliesEveryFilter(t *testing.T) {
	current := time.Unix(1700000000, 0).UTC()
	service := newTestService(t, func() time.Time { return current })
	ctx := context.Background()

	mustTouch := func(userID, role string) {
		t.Helper()
		if err := service.Touch(ctx, userID, role); err != nil {
			t.Fatalf("touch failed: %v", err)
		}
	}

	mustTouch("stale-driver", "driver")
	current = current.Add(2 * time.Hour)
	mustTouch("driver-1", "driver")
	mustTouch("manager-1", "manager")
	mustTouch("driver-2", "driver")

	if err := service.Assign(ctx, "driver-1", "project-x"); err != nil {
		t.Fatalf("assign failed: %v", err)
	}
	if err := service.Assign(ctx, "manager-1", "project-x"); err != nil {
		t.Fatalf("assign failed: %v", err)
	}
	if err := service.Assign(ctx, "stale-driver", "project-x"); err != nil {
		t.Fatalf("assign failed: %v", err)
	}

	recipients, err := service.ResolveRecipients(ctx, RecipientFilter{
		Roles:       []string{"driver"},
		ProjectIDs:  []string{"project-x"},
		ActiveSince: current.Add(-time.Hour),
	})
	if err != nil {
		t.Fatalf("resolve recipients failed: %v", err)
	}
	if len(recipients) != 1 || recipients[0] != "driver-1" {
		t.Fatalf("unexpected recipients %v", recipients)
	}

	everyone, err := service.ResolveRecipients(ctx, RecipientFilter{})
	if err != nil {
		t.Fatalf("resolve recipients failed: %v", err)
	}
	if len(everyone) != 4 {
		t.Fatalf("expected all four users, got %v", everyone)
	}
}

func TestTouchPreservesRoleWhenBlank(t *testing.T) {
	service := newTestService(t, nil)
	ctx := context.Background()
	if err := service.Touch(ctx, "user-1", "manager"); err != nil {
		t.Fatalf("touch failed: %v", err)
	}
	if err := service.Touch(ctx, "user-1", ""); err != nil {
		t.Fatalf("second touch failed: %v", err)
	}
	var identity Identity
	if err := service.db.Where("user_id = ?", "user-1").Take(&identity).Error; err != nil {
		t.Fatalf("failed to load identity: %v", err)
	}
	if identity.Role != "manager" {
		t.Fatalf("expected role to be preserved, got %q", identity.Role)
	}
	if err := service.Touch(ctx, " ", "driver"); err == nil {
		t.Fatalf("expected invalid identity error")
	}
}

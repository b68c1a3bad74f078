package users

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrInvalidIdentity indicates the caller did not supply a usable identifier.
var ErrInvalidIdentity = errors.New("users: invalid identity")

// ServiceConfig describes the dependencies required for the user directory.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service resolves project assignments and recipient filters.
type Service struct {
	db  *gorm.DB
	now func() time.Time
}

// RecipientFilter narrows a broadcast audience. Empty fields do not constrain.
type RecipientFilter struct {
	Roles       []string
	ProjectIDs  []string
	ActiveSince time.Time
}

// NewService constructs the user directory.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		db:  cfg.Database,
		now: clock,
	}, nil
}

// Touch records activity for the user, creating the identity on first sight.
// An empty role leaves a previously stored role untouched.
func (s *Service) Touch(ctx context.Context, userID, role string) error {
	userID = normalize(userID)
	if userID == "" {
		return ErrInvalidIdentity
	}
	identity := Identity{
		UserID:            userID,
		Role:              normalize(role),
		LastSeenAtSeconds: s.now().UTC().Unix(),
	}
	columns := []string{"last_seen_s", "updated_at"}
	if identity.Role != "" {
		columns = append(columns, "role")
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns(columns),
		}).
		Create(&identity).Error
}

// Assign upserts an active project membership.
func (s *Service) Assign(ctx context.Context, userID, projectID string) error {
	userID = normalize(userID)
	projectID = normalize(projectID)
	if userID == "" || projectID == "" {
		return ErrInvalidIdentity
	}
	membership := Membership{UserID: userID, ProjectID: projectID, Active: true}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "project_id"}},
			DoUpdates: clause.Assignments(map[string]interface{}{"active": true}),
		}).
		Create(&membership).Error
}

// Unassign deactivates a project membership.
func (s *Service) Unassign(ctx context.Context, userID, projectID string) error {
	return s.db.WithContext(ctx).
		Model(&Membership{}).
		Where("user_id = ? AND project_id = ?", normalize(userID), normalize(projectID)).
		Update("active", false).Error
}

// ProjectIDs returns the projects currently assigned to the user, sorted.
func (s *Service) ProjectIDs(ctx context.Context, userID string) ([]string, error) {
	userID = normalize(userID)
	if userID == "" {
		return nil, ErrInvalidIdentity
	}
	var projectIDs []string
	err := s.db.WithContext(ctx).
		Model(&Membership{}).
		Where("user_id = ? AND active = ?", userID, true).
		Order("project_id ASC").
		Pluck("project_id", &projectIDs).Error
	if err != nil {
		return nil, err
	}
	return projectIDs, nil
}

// ResolveRecipients returns the user ids matching every populated filter field.
func (s *Service) ResolveRecipients(ctx context.Context, filter RecipientFilter) ([]string, error) {
	query := s.db.WithContext(ctx).Model(&Identity{})
	if len(filter.Roles) > 0 {
		query = query.Where("role IN ?", filter.Roles)
	}
	if !filter.ActiveSince.IsZero() {
		query = query.Where("last_seen_s >= ?", filter.ActiveSince.Unix())
	}
	if len(filter.ProjectIDs) > 0 {
		members := s.db.Model(&Membership{}).
			Select("user_id").
			Where("project_id IN ? AND active = ?", filter.ProjectIDs, true)
		query = query.Where("user_id IN (?)", members)
	}

	var userIDs []string
	if err := query.Distinct().Pluck("user_id", &userIDs).Error; err != nil {
		return nil, err
	}
	sort.Strings(userIDs)
	return userIDs, nil
}

package users

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// ErrUnknownUser indicates no sync state exists for the requested user id.
var ErrUnknownUser = errors.New("users: unknown user")

// ServiceConfig describes the dependencies for user sync-state access.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service reads and writes the per-user tier state consumed by the gate.
type Service struct {
	db  *gorm.DB
	now func() time.Time
}

// NewService constructs the user state service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{db: cfg.Database, now: clock}, nil
}

// Get returns the stored state for the user id, creating a local_only row on
// first sight so every authenticated user has a defined tier.
func (s *Service) Get(ctx context.Context, userID string) (User, error) {
	if userID == "" {
		return User{}, ErrUnknownUser
	}

	var record User
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		record = User{UserID: userID, PrivacyTier: "local_only"}
		if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
			return User{}, err
		}
		return record, nil
	}
	if err != nil {
		return User{}, err
	}
	return record, nil
}

// ApplyTransition persists the new tier and, on upgrade, the supplied public
// key and consent timestamp. It runs inside the caller's transaction so a
// downgrade's deletions and the tier flip commit together.
func (s *Service) ApplyTransition(tx *gorm.DB, userID, tier string, publicKey []byte, consentAt *time.Time) error {
	updates := map[string]interface{}{
		"privacy_tier": tier,
		"updated_at":   s.now().UTC(),
	}
	if len(publicKey) > 0 {
		updates["he_public_key"] = publicKey
	}
	if consentAt != nil {
		updates["consent_at"] = consentAt.UTC()
	}

	result := tx.Model(&User{}).Where("user_id = ?", userID).Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrUnknownUser
	}
	return nil
}

package users

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newTestUserService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()

	dsn := fmt.Sprintf("file:users_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&User{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}

	service, err := NewService(ServiceConfig{
		Database: db,
		Clock:    func() time.Time { return time.Unix(1700000600, 0) },
	})
	if err != nil {
		t.Fatalf("failed to build service: %v", err)
	}
	return service, db
}

func TestGetCreatesLocalOnlyRowOnFirstSight(t *testing.T) {
	service, db := newTestUserService(t)

	record, err := service.Get(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if record.PrivacyTier != "local_only" {
		t.Fatalf("expected local_only default, got %s", record.PrivacyTier)
	}

	var count int64
	if err := db.Model(&User{}).Count(&count).Error; err != nil {
		t.Fatalf("failed to count users: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected one row, got %d", count)
	}

	// A second lookup reads the same row rather than creating another.
	if _, err := service.Get(context.Background(), "user-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := db.Model(&User{}).Count(&count).Error; err != nil {
		t.Fatalf("failed to count users: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected one row after repeat lookup, got %d", count)
	}
}

func TestGetRejectsEmptyUserID(t *testing.T) {
	service, _ := newTestUserService(t)

	_, err := service.Get(context.Background(), "")
	if !errors.Is(err, ErrUnknownUser) {
		t.Fatalf("expected ErrUnknownUser, got %v", err)
	}
}

func TestApplyTransitionStoresKeyAndConsent(t *testing.T) {
	service, db := newTestUserService(t)
	if _, err := service.Get(context.Background(), "user-1"); err != nil {
		t.Fatalf("failed to seed user: %v", err)
	}

	consent := time.Unix(1700000500, 0).UTC()
	err := db.Transaction(func(tx *gorm.DB) error {
		return service.ApplyTransition(tx, "user-1", "analytics_sync", []byte("he-key"), &consent)
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var record User
	if err := db.Where("user_id = ?", "user-1").Take(&record).Error; err != nil {
		t.Fatalf("failed to reload user: %v", err)
	}
	if record.PrivacyTier != "analytics_sync" {
		t.Fatalf("expected analytics_sync persisted, got %s", record.PrivacyTier)
	}
	if string(record.HEPublicKey) != "he-key" {
		t.Fatalf("expected public key stored, got %q", record.HEPublicKey)
	}
	if record.ConsentAt == nil || !record.ConsentAt.Equal(consent) {
		t.Fatalf("expected consent stored, got %v", record.ConsentAt)
	}
}

func TestApplyTransitionKeepsExistingKeyOnDowngrade(t *testing.T) {
	service, db := newTestUserService(t)
	if _, err := service.Get(context.Background(), "user-1"); err != nil {
		t.Fatalf("failed to seed user: %v", err)
	}
	consent := time.Unix(1700000500, 0).UTC()
	err := db.Transaction(func(tx *gorm.DB) error {
		return service.ApplyTransition(tx, "user-1", "full_sync", []byte("he-key"), &consent)
	})
	if err != nil {
		t.Fatalf("failed to upgrade: %v", err)
	}

	err = db.Transaction(func(tx *gorm.DB) error {
		return service.ApplyTransition(tx, "user-1", "local_only", nil, nil)
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var record User
	if err := db.Where("user_id = ?", "user-1").Take(&record).Error; err != nil {
		t.Fatalf("failed to reload user: %v", err)
	}
	if record.PrivacyTier != "local_only" {
		t.Fatalf("expected local_only persisted, got %s", record.PrivacyTier)
	}
	if string(record.HEPublicKey) != "he-key" {
		t.Fatalf("expected key retained across downgrade, got %q", record.HEPublicKey)
	}
}

func TestApplyTransitionUnknownUser(t *testing.T) {
	service, db := newTestUserService(t)

	err := db.Transaction(func(tx *gorm.DB) error {
		return service.ApplyTransition(tx, "ghost", "full_sync", nil, nil)
	})
	if !errors.Is(err, ErrUnknownUser) {
		t.Fatalf("expected ErrUnknownUser, got %v", err)
	}
}

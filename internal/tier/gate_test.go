package tier

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/quillvault/backend/internal/backup"
	"github.com/quillvault/backend/internal/metrics"
	"github.com/quillvault/backend/internal/users"
)

func newTestGate(t *testing.T) (*Gate, *gorm.DB) {
	t.Helper()

	dsn := fmt.Sprintf("file:tier_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	err = db.AutoMigrate(&users.User{}, &backup.EncryptedBackup{}, &backup.SyncConflict{}, &metrics.EncryptedMetric{})
	if err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}

	userService, err := users.NewService(users.ServiceConfig{
		Database: db,
		Clock:    func() time.Time { return time.Unix(1700000600, 0) },
	})
	if err != nil {
		t.Fatalf("failed to build user service: %v", err)
	}

	gate, err := NewGate(GateConfig{
		Database: db,
		Users:    userService,
		Clock:    func() time.Time { return time.Unix(1700000600, 0) },
	})
	if err != nil {
		t.Fatalf("failed to build gate: %v", err)
	}
	return gate, db
}

func seedFullSyncUser(t *testing.T, db *gorm.DB, userID string, backups, observations, conflicts int) {
	t.Helper()

	if err := db.Create(&users.User{UserID: userID, PrivacyTier: string(TierFullSync)}).Error; err != nil {
		t.Fatalf("failed to seed user: %v", err)
	}
	for index := 0; index < backups; index++ {
		row := backup.EncryptedBackup{
			UserID:           userID,
			LogicalID:        fmt.Sprintf("log-%d", index),
			DeviceID:         "A",
			EncryptedContent: []byte("cipher"),
			ContentIV:        "iv",
			ContentSize:      6,
			CreatedAtSeconds: 100,
			UpdatedAtSeconds: 100,
		}
		if err := db.Create(&row).Error; err != nil {
			t.Fatalf("failed to seed backup: %v", err)
		}
	}
	for index := 0; index < observations; index++ {
		row := metrics.EncryptedMetric{
			MetricID:         fmt.Sprintf("%s-metric-%d", userID, index),
			UserID:           userID,
			MetricType:       "mood_score",
			EncryptedValue:   []byte("cipher"),
			TimestampSeconds: int64(100 + index),
			CreatedAtSeconds: 100,
		}
		if err := db.Create(&row).Error; err != nil {
			t.Fatalf("failed to seed metric: %v", err)
		}
	}
	for index := 0; index < conflicts; index++ {
		row := backup.SyncConflict{
			ConflictID:       fmt.Sprintf("%s-conflict-%d", userID, index),
			UserID:           userID,
			LogicalID:        fmt.Sprintf("log-%d", index),
			LocalContent:     []byte("a"),
			LocalIV:          "iv",
			LocalDeviceID:    "A",
			LocalUpdatedAtS:  100,
			RemoteContent:    []byte("b"),
			RemoteIV:         "iv",
			RemoteDeviceID:   "B",
			RemoteUpdatedAtS: 150,
			Choice:           "none",
			CreatedAtSeconds: 100,
		}
		if err := db.Create(&row).Error; err != nil {
			t.Fatalf("failed to seed conflict: %v", err)
		}
	}
}

func TestCurrentStateDefaultsNewUsersToLocalOnly(t *testing.T) {
	gate, _ := newTestGate(t)

	state, err := gate.CurrentState(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state.Tier != TierLocalOnly {
		t.Fatalf("expected local_only default, got %s", state.Tier)
	}
}

func TestTransitionUpgradeRecordsKeyAndConsent(t *testing.T) {
	gate, db := newTestGate(t)
	consent := time.Unix(1700000500, 0).UTC()

	result, err := gate.Transition(context.Background(), "user-1", TierAnalyticsSync, []byte("he-public-key"), &consent)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.From != TierLocalOnly || result.To != TierAnalyticsSync {
		t.Fatalf("unexpected transition summary: %+v", result)
	}
	if result.DeletedBackups != 0 || result.DeletedMetrics != 0 || result.DeletedConflicts != 0 {
		t.Fatalf("expected no deletions on upgrade, got %+v", result)
	}

	var record users.User
	if err := db.Where("user_id = ?", "user-1").Take(&record).Error; err != nil {
		t.Fatalf("failed to reload user: %v", err)
	}
	if record.PrivacyTier != string(TierAnalyticsSync) {
		t.Fatalf("expected analytics_sync persisted, got %s", record.PrivacyTier)
	}
	if string(record.HEPublicKey) != "he-public-key" {
		t.Fatalf("expected public key stored, got %q", record.HEPublicKey)
	}
	if record.ConsentAt == nil || !record.ConsentAt.Equal(consent) {
		t.Fatalf("expected consent timestamp stored, got %v", record.ConsentAt)
	}
}

func TestTransitionDowngradeToLocalOnlyPurgesEverything(t *testing.T) {
	gate, db := newTestGate(t)
	seedFullSyncUser(t, db, "user-1", 3, 2, 1)
	seedFullSyncUser(t, db, "user-2", 1, 1, 0)

	result, err := gate.Transition(context.Background(), "user-1", TierLocalOnly, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.DeletedBackups != 3 || result.DeletedMetrics != 2 || result.DeletedConflicts != 1 {
		t.Fatalf("unexpected deletion counts: %+v", result)
	}

	var remainingBackups, remainingMetrics int64
	if err := db.Model(&backup.EncryptedBackup{}).Where("user_id = ?", "user-1").Count(&remainingBackups).Error; err != nil {
		t.Fatalf("failed to count backups: %v", err)
	}
	if err := db.Model(&metrics.EncryptedMetric{}).Where("user_id = ?", "user-1").Count(&remainingMetrics).Error; err != nil {
		t.Fatalf("failed to count metrics: %v", err)
	}
	if remainingBackups != 0 || remainingMetrics != 0 {
		t.Fatalf("expected user-1 data gone, got %d backups and %d metrics", remainingBackups, remainingMetrics)
	}

	// The other user's data must survive untouched.
	var otherBackups int64
	if err := db.Model(&backup.EncryptedBackup{}).Where("user_id = ?", "user-2").Count(&otherBackups).Error; err != nil {
		t.Fatalf("failed to count other backups: %v", err)
	}
	if otherBackups != 1 {
		t.Fatalf("expected user-2 backups untouched, got %d", otherBackups)
	}

	var record users.User
	if err := db.Where("user_id = ?", "user-1").Take(&record).Error; err != nil {
		t.Fatalf("failed to reload user: %v", err)
	}
	if record.PrivacyTier != string(TierLocalOnly) {
		t.Fatalf("expected local_only persisted, got %s", record.PrivacyTier)
	}
}

func TestTransitionDowngradeToAnalyticsKeepsMetrics(t *testing.T) {
	gate, db := newTestGate(t)
	seedFullSyncUser(t, db, "user-1", 2, 3, 1)

	result, err := gate.Transition(context.Background(), "user-1", TierAnalyticsSync, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.DeletedBackups != 2 || result.DeletedConflicts != 1 {
		t.Fatalf("expected backups and pending conflicts deleted, got %+v", result)
	}
	if result.DeletedMetrics != 0 {
		t.Fatalf("expected metrics retained, got %+v", result)
	}

	var remainingMetrics int64
	if err := db.Model(&metrics.EncryptedMetric{}).Where("user_id = ?", "user-1").Count(&remainingMetrics).Error; err != nil {
		t.Fatalf("failed to count metrics: %v", err)
	}
	if remainingMetrics != 3 {
		t.Fatalf("expected metrics retained, got %d", remainingMetrics)
	}
}

func TestTransitionResolvedConflictsSurviveDowngrade(t *testing.T) {
	gate, db := newTestGate(t)
	seedFullSyncUser(t, db, "user-1", 0, 0, 1)
	resolved := backup.SyncConflict{
		ConflictID:       "user-1-resolved",
		UserID:           "user-1",
		LogicalID:        "log-done",
		LocalContent:     []byte("a"),
		LocalIV:          "iv",
		LocalDeviceID:    "A",
		LocalUpdatedAtS:  100,
		RemoteContent:    []byte("b"),
		RemoteIV:         "iv",
		RemoteDeviceID:   "B",
		RemoteUpdatedAtS: 150,
		Resolved:         true,
		Choice:           "local",
		CreatedAtSeconds: 100,
	}
	if err := db.Create(&resolved).Error; err != nil {
		t.Fatalf("failed to seed resolved conflict: %v", err)
	}

	result, err := gate.Transition(context.Background(), "user-1", TierLocalOnly, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.DeletedConflicts != 1 {
		t.Fatalf("expected only the pending conflict deleted, got %d", result.DeletedConflicts)
	}

	var survivors int64
	if err := db.Model(&backup.SyncConflict{}).Where("user_id = ?", "user-1").Count(&survivors).Error; err != nil {
		t.Fatalf("failed to count conflicts: %v", err)
	}
	if survivors != 1 {
		t.Fatalf("expected resolved conflict to survive, got %d rows", survivors)
	}
}

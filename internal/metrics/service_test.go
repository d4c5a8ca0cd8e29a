package metrics

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type sequenceIDGenerator struct {
	next int
}

func (g *sequenceIDGenerator) NewID() (string, error) {
	g.next++
	return fmt.Sprintf("metric-%d", g.next), nil
}

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()

	dsn := fmt.Sprintf("file:metrics_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&EncryptedMetric{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}

	service, err := NewService(ServiceConfig{
		Database:   db,
		Clock:      func() time.Time { return time.Unix(1700000600, 0) },
		IDProvider: &sequenceIDGenerator{},
	})
	if err != nil {
		t.Fatalf("failed to build service: %v", err)
	}
	return service, db
}

func storeObservations(t *testing.T, service *Service, userID string, timestamps ...int64) {
	t.Helper()
	observations := make([]Observation, 0, len(timestamps))
	for _, ts := range timestamps {
		observations = append(observations, Observation{
			MetricType:       "mood_score",
			EncryptedValue:   []byte(fmt.Sprintf("ct-%d", ts)),
			TimestampSeconds: ts,
		})
	}
	if _, err := service.StoreBatch(context.Background(), userID, observations); err != nil {
		t.Fatalf("failed to store observations: %v", err)
	}
}

func TestStoreBatchPersistsAllRows(t *testing.T) {
	service, db := newTestService(t)

	stored, err := service.StoreBatch(context.Background(), "user-1", []Observation{
		{MetricType: "mood_score", EncryptedValue: []byte("ct-1"), TimestampSeconds: 100},
		{MetricType: "sleep_hours", EncryptedValue: []byte("ct-2"), TimestampSeconds: 200},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stored != 2 {
		t.Fatalf("expected two stored rows, got %d", stored)
	}

	var rows []EncryptedMetric
	if err := db.Order("metric_id ASC").Find(&rows).Error; err != nil {
		t.Fatalf("failed to load rows: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected two rows, got %d", len(rows))
	}
	if rows[0].MetricID != "metric-1" || rows[1].MetricID != "metric-2" {
		t.Fatalf("expected minted ids, got %s and %s", rows[0].MetricID, rows[1].MetricID)
	}
	if rows[0].CreatedAtSeconds != 1700000600 {
		t.Fatalf("expected creation stamp from clock, got %d", rows[0].CreatedAtSeconds)
	}
}

func TestStoreBatchRejectsEmptyBatch(t *testing.T) {
	service, _ := newTestService(t)

	_, err := service.StoreBatch(context.Background(), "user-1", nil)
	if err == nil {
		t.Fatalf("expected error for empty batch")
	}
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) || serviceErr.Code() != "metrics.store_batch.empty_batch" {
		t.Fatalf("expected empty_batch code, got %v", err)
	}
}

func TestListForAggregationFiltersByTypeAndRange(t *testing.T) {
	service, _ := newTestService(t)
	storeObservations(t, service, "user-1", 100, 200, 300, 400)
	// A different type and a different user must stay invisible.
	if _, err := service.StoreBatch(context.Background(), "user-1", []Observation{
		{MetricType: "sleep_hours", EncryptedValue: []byte("ct-other"), TimestampSeconds: 250},
	}); err != nil {
		t.Fatalf("failed to store other type: %v", err)
	}
	storeObservations(t, service, "user-2", 150)

	rows, err := service.ListForAggregation(context.Background(), "user-1", "mood_score", &TimeRange{StartSeconds: 150, EndSeconds: 350}, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected two rows in range, got %d", len(rows))
	}
	if rows[0].TimestampSeconds != 200 || rows[1].TimestampSeconds != 300 {
		t.Fatalf("expected ascending timestamps 200 and 300, got %d and %d",
			rows[0].TimestampSeconds, rows[1].TimestampSeconds)
	}
}

func TestListForAggregationLoadsOneBeyondCeiling(t *testing.T) {
	service, _ := newTestService(t)
	storeObservations(t, service, "user-1", 100, 200, 300, 400, 500)

	rows, err := service.ListForAggregation(context.Background(), "user-1", "mood_score", nil, 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rows) != 4 {
		t.Fatalf("expected ceiling+1 rows, got %d", len(rows))
	}
}

func TestDeleteRemovesSingleMetric(t *testing.T) {
	service, db := newTestService(t)
	storeObservations(t, service, "user-1", 100, 200)

	if err := service.Delete(context.Background(), "user-1", "metric-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var remaining int64
	if err := db.Model(&EncryptedMetric{}).Count(&remaining).Error; err != nil {
		t.Fatalf("failed to count rows: %v", err)
	}
	if remaining != 1 {
		t.Fatalf("expected one remaining row, got %d", remaining)
	}

	err := service.Delete(context.Background(), "user-1", "metric-1")
	if !errors.Is(err, ErrMetricNotFound) {
		t.Fatalf("expected ErrMetricNotFound, got %v", err)
	}
}

func TestDeleteChecksOwnership(t *testing.T) {
	service, _ := newTestService(t)
	storeObservations(t, service, "user-1", 100)

	err := service.Delete(context.Background(), "user-2", "metric-1")
	if !errors.Is(err, ErrMetricNotFound) {
		t.Fatalf("expected ErrMetricNotFound for foreign caller, got %v", err)
	}
}

func TestPurgeUserCountsDeletedRows(t *testing.T) {
	service, db := newTestService(t)
	storeObservations(t, service, "user-1", 100, 200, 300)
	storeObservations(t, service, "user-2", 150)

	var deleted int64
	err := db.Transaction(func(tx *gorm.DB) error {
		count, err := PurgeUser(tx, "user-1")
		deleted = count
		return err
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if deleted != 3 {
		t.Fatalf("expected three purged rows, got %d", deleted)
	}

	var remaining int64
	if err := db.Model(&EncryptedMetric{}).Where("user_id = ?", "user-2").Count(&remaining).Error; err != nil {
		t.Fatalf("failed to count rows: %v", err)
	}
	if remaining != 1 {
		t.Fatalf("expected user-2 rows untouched, got %d", remaining)
	}
}

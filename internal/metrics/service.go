package metrics

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opServiceNew = "metrics.service.new"
	opStoreBatch = "metrics.store_batch"
	opList       = "metrics.list"
	opDelete     = "metrics.delete"

	storageRetryBase = 50 * time.Millisecond
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingUserID     = errors.New("user identifier is required")
	errEmptyBatch        = errors.New("metric batch is empty")

	// ErrMetricNotFound indicates no stored metric matches the id.
	ErrMetricNotFound = errors.New("metrics: not found")

	noOpLogger = zap.NewNop()
)

// ServiceError carries a machine-readable operation.reason code with a cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// IDProvider mints identifiers for stored metrics.
type IDProvider interface {
	NewID() (string, error)
}

// ServiceConfig describes the dependencies of the metric store.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Service persists encrypted metric observations. It never interprets the
// ciphertext it stores.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

// NewService validates dependencies and constructs the metric store.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// StoreBatch inserts a batch of observations in one transaction and returns
// the number stored. Transient storage failures are retried once.
func (s *Service) StoreBatch(ctx context.Context, userID string, observations []Observation) (int, error) {
	if userID == "" {
		return 0, newServiceError(opStoreBatch, "missing_user_id", errMissingUserID)
	}
	if len(observations) == 0 {
		return 0, newServiceError(opStoreBatch, "empty_batch", errEmptyBatch)
	}

	createdAt := s.clock().UTC().Unix()
	rows := make([]EncryptedMetric, 0, len(observations))
	for _, observation := range observations {
		metricID, err := s.idProvider.NewID()
		if err != nil {
			return 0, newServiceError(opStoreBatch, "id_generation_failed", err)
		}
		rows = append(rows, EncryptedMetric{
			MetricID:         metricID,
			UserID:           userID,
			MetricType:       observation.MetricType,
			EncryptedValue:   observation.EncryptedValue,
			TimestampSeconds: observation.TimestampSeconds,
			CreatedAtSeconds: createdAt,
		})
	}

	backoff := retry.WithMaxRetries(1, retry.NewExponential(storageRetryBase))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			return tx.Create(&rows).Error
		})
		if err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		s.logError(opStoreBatch, "insert_failed", err, zap.String("user_id", userID))
		return 0, newServiceError(opStoreBatch, "insert_failed", err)
	}

	return len(rows), nil
}

// ListForAggregation loads the ciphertexts matching the type and range,
// capped at ceiling+1 rows so the caller can detect an oversized batch
// without materializing it.
func (s *Service) ListForAggregation(ctx context.Context, userID, metricType string, timeRange *TimeRange, ceiling int) ([]EncryptedMetric, error) {
	if userID == "" {
		return nil, newServiceError(opList, "missing_user_id", errMissingUserID)
	}

	query := s.db.WithContext(ctx).
		Where("user_id = ? AND metric_type = ?", userID, metricType)
	if timeRange != nil {
		if timeRange.StartSeconds > 0 {
			query = query.Where("timestamp_s >= ?", timeRange.StartSeconds)
		}
		if timeRange.EndSeconds > 0 {
			query = query.Where("timestamp_s <= ?", timeRange.EndSeconds)
		}
	}
	if ceiling > 0 {
		query = query.Limit(ceiling + 1)
	}

	var rows []EncryptedMetric
	if err := query.Order("timestamp_s ASC").Find(&rows).Error; err != nil {
		s.logError(opList, "query_failed", err,
			zap.String("user_id", userID),
			zap.String("metric_type", metricType))
		return nil, newServiceError(opList, "query_failed", err)
	}
	return rows, nil
}

// Delete removes one stored metric by id.
func (s *Service) Delete(ctx context.Context, userID, metricID string) error {
	if userID == "" {
		return newServiceError(opDelete, "missing_user_id", errMissingUserID)
	}

	result := s.db.WithContext(ctx).
		Where("user_id = ? AND metric_id = ?", userID, metricID).
		Delete(&EncryptedMetric{})
	if result.Error != nil {
		s.logError(opDelete, "delete_failed", result.Error, zap.String("user_id", userID))
		return newServiceError(opDelete, "delete_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return newServiceError(opDelete, "not_found", ErrMetricNotFound)
	}
	return nil
}

// PurgeUser deletes every stored metric for the user inside the caller's
// transaction and reports the row count. Used by tier downgrades.
func PurgeUser(tx *gorm.DB, userID string) (int64, error) {
	result := tx.Where("user_id = ?", userID).Delete(&EncryptedMetric{})
	return result.RowsAffected, result.Error
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("metrics service error", attrs...)
}

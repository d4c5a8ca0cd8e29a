package backup

import (
	"context"
	"errors"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opServiceNew    = "backup.service.new"
	opStore         = "backup.store"
	opFetch         = "backup.fetch"
	opDelete        = "backup.delete"
	opListConflicts = "backup.list_conflicts"
	opResolve       = "backup.resolve"

	// DefaultFetchLimit applies when a fetch request names no page size.
	DefaultFetchLimit = 100
	// MaxFetchLimit bounds a single fetch page.
	MaxFetchLimit = 500

	storageRetryBase = 50 * time.Millisecond
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingUserID     = errors.New("user identifier is required")
	noOpLogger           = zap.NewNop()
)

// ServiceConfig describes the dependencies of the ciphertext store.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// IDProvider mints identifiers for new conflict records.
type IDProvider interface {
	NewID() (string, error)
}

// Service owns backup persistence, conflict detection on the write path, and
// the conflict ledger.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

// NewService validates dependencies and constructs the backup service.
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

// StoreOutcome is the typed result of one upload: either the stored row or
// the conflict that captured it. A conflict is a distinguished outcome, not
// an error.
type StoreOutcome struct {
	Verdict  Verdict
	Backup   *EncryptedBackup
	Conflict *SyncConflict
}

// Store runs the read-detect-write sequence for one upload inside a single
// transaction. The stored row for the logical id is locked for the duration
// so concurrent uploads for the same id serialize through the detector.
func (s *Service) Store(ctx context.Context, userID string, incoming IncomingBackup) (StoreOutcome, error) {
	if userID == "" {
		return StoreOutcome{}, newServiceError(opStore, "missing_user_id", errMissingUserID)
	}

	var outcome StoreOutcome
	err := s.runWrite(ctx, func(tx *gorm.DB) error {
		var existing EncryptedBackup
		var existingPtr *EncryptedBackup
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("user_id = ? AND logical_id = ?", userID, incoming.LogicalID.String()).
			Take(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			existingPtr = nil
		} else if err != nil {
			return newServiceError(opStore, "backup_select_failed", err)
		} else {
			existingPtr = &existing
		}

		verdict := Detect(existingPtr, incoming.Version())
		if verdict == VerdictAccept {
			row := buildRow(userID, incoming, existingPtr)
			if err := tx.Save(&row).Error; err != nil {
				return newServiceError(opStore, "backup_save_failed", err)
			}
			outcome = StoreOutcome{Verdict: VerdictAccept, Backup: &row}
			return nil
		}

		conflict, err := s.recordConflict(tx, userID, existingPtr, incoming)
		if err != nil {
			return err
		}
		outcome = StoreOutcome{Verdict: VerdictConflict, Conflict: conflict}
		return nil
	})
	if err != nil {
		s.logError(opStore, "store_failed", err,
			zap.String("user_id", userID),
			zap.String("logical_id", incoming.LogicalID.String()))
		return StoreOutcome{}, err
	}

	return outcome, nil
}

// FetchFilter narrows a backup page request.
type FetchFilter struct {
	SinceSeconds    int64
	ExcludeDeviceID string
	Limit           int
}

// Fetch returns a page of backups for the user ordered by updated-at
// ascending, plus a signal that more rows remain beyond the page.
func (s *Service) Fetch(ctx context.Context, userID string, filter FetchFilter) ([]EncryptedBackup, bool, error) {
	if userID == "" {
		return nil, false, newServiceError(opFetch, "missing_user_id", errMissingUserID)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultFetchLimit
	}
	if limit > MaxFetchLimit {
		limit = MaxFetchLimit
	}

	query := s.db.WithContext(ctx).
		Where("user_id = ?", userID)
	if filter.SinceSeconds > 0 {
		query = query.Where("updated_at_s > ?", filter.SinceSeconds)
	}
	if filter.ExcludeDeviceID != "" {
		query = query.Where("device_id <> ?", filter.ExcludeDeviceID)
	}

	var backups []EncryptedBackup
	if err := query.Order("updated_at_s ASC").Limit(limit).Find(&backups).Error; err != nil {
		s.logError(opFetch, "query_failed", err, zap.String("user_id", userID))
		return nil, false, newServiceError(opFetch, "query_failed", err)
	}

	hasMore := len(backups) == limit
	return backups, hasMore, nil
}

// Delete removes one stored backup by logical id.
func (s *Service) Delete(ctx context.Context, userID, logicalID string) error {
	if userID == "" {
		return newServiceError(opDelete, "missing_user_id", errMissingUserID)
	}

	result := s.db.WithContext(ctx).
		Where("user_id = ? AND logical_id = ?", userID, logicalID).
		Delete(&EncryptedBackup{})
	if result.Error != nil {
		s.logError(opDelete, "delete_failed", result.Error, zap.String("user_id", userID))
		return newServiceError(opDelete, "delete_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return newServiceError(opDelete, "not_found", ErrBackupNotFound)
	}
	return nil
}

// PurgeBackups deletes every stored backup for the user inside the caller's
// transaction and reports the row count. Used by tier downgrades.
func PurgeBackups(tx *gorm.DB, userID string) (int64, error) {
	result := tx.Where("user_id = ?", userID).Delete(&EncryptedBackup{})
	return result.RowsAffected, result.Error
}

// PurgeUnresolvedConflicts deletes the user's pending conflicts inside the
// caller's transaction and reports the row count. Resolved conflicts are
// retained as a record of past resolutions.
func PurgeUnresolvedConflicts(tx *gorm.DB, userID string) (int64, error) {
	result := tx.Where("user_id = ? AND resolved = ?", userID, false).Delete(&SyncConflict{})
	return result.RowsAffected, result.Error
}

func buildRow(userID string, incoming IncomingBackup, existing *EncryptedBackup) EncryptedBackup {
	createdAt := incoming.CreatedAtSeconds.Int64()
	if existing != nil && existing.CreatedAtSeconds > 0 {
		createdAt = existing.CreatedAtSeconds
	}
	row := EncryptedBackup{
		UserID:           userID,
		LogicalID:        incoming.LogicalID.String(),
		DeviceID:         incoming.DeviceID.String(),
		EncryptedContent: incoming.EncryptedContent,
		ContentIV:        incoming.ContentIV,
		ContentSize:      int64(len(incoming.EncryptedContent)),
		CreatedAtSeconds: createdAt,
		UpdatedAtSeconds: incoming.UpdatedAtSeconds.Int64(),
	}
	if len(incoming.EncryptedEmbedding) > 0 {
		row.EncryptedEmbedding = incoming.EncryptedEmbedding
		row.EmbeddingIV = incoming.EmbeddingIV
	} else if existing != nil {
		row.EncryptedEmbedding = existing.EncryptedEmbedding
		row.EmbeddingIV = existing.EmbeddingIV
	}
	return row
}

// runWrite executes the transactional write with a single backoff retry for
// transient storage failures. Typed outcomes from the ledger state machine
// are never retried.
func (s *Service) runWrite(ctx context.Context, fn func(tx *gorm.DB) error) error {
	backoff := retry.WithMaxRetries(1, retry.NewExponential(storageRetryBase))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := s.db.WithContext(ctx).Transaction(fn)
		if err == nil {
			return nil
		}
		if isLedgerOutcome(err) {
			return err
		}
		return retry.RetryableError(err)
	})
}

func isLedgerOutcome(err error) bool {
	return errors.Is(err, ErrAlreadyConflicted) ||
		errors.Is(err, ErrConflictNotFound) ||
		errors.Is(err, ErrAlreadyResolved) ||
		errors.Is(err, ErrMissingMergedPayload) ||
		errors.Is(err, ErrBackupNotFound)
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
	s.loggerOrDefault().Error("backup service error", attrs...)
}

package backup

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// recordConflict captures the stored and incoming versions of a collided
// write. It runs inside the store transaction so the AlreadyConflicted check
// and the insert are atomic. The pending conflict's versions are never
// silently replaced by a later write.
func (s *Service) recordConflict(tx *gorm.DB, userID string, existing *EncryptedBackup, incoming IncomingBackup) (*SyncConflict, error) {
	var pending int64
	err := tx.Model(&SyncConflict{}).
		Where("user_id = ? AND logical_id = ? AND resolved = ?", userID, incoming.LogicalID.String(), false).
		Count(&pending).Error
	if err != nil {
		return nil, newServiceError(opStore, "conflict_probe_failed", err)
	}
	if pending > 0 {
		return nil, newServiceError(opStore, "already_conflicted", ErrAlreadyConflicted)
	}

	conflictID, err := s.idProvider.NewID()
	if err != nil {
		return nil, newServiceError(opStore, "id_generation_failed", err)
	}

	conflict := SyncConflict{
		ConflictID:       conflictID,
		UserID:           userID,
		LogicalID:        incoming.LogicalID.String(),
		LocalContent:     existing.EncryptedContent,
		LocalIV:          existing.ContentIV,
		LocalDeviceID:    existing.DeviceID,
		LocalUpdatedAtS:  existing.UpdatedAtSeconds,
		RemoteContent:    incoming.EncryptedContent,
		RemoteIV:         incoming.ContentIV,
		RemoteDeviceID:   incoming.DeviceID.String(),
		RemoteUpdatedAtS: incoming.UpdatedAtSeconds.Int64(),
		Resolved:         false,
		Choice:           string(ResolutionNone),
		CreatedAtSeconds: s.clock().UTC().Unix(),
	}
	if err := tx.Create(&conflict).Error; err != nil {
		return nil, newServiceError(opStore, "conflict_insert_failed", err)
	}
	return &conflict, nil
}

// ListUnresolved returns the user's pending conflicts ordered by creation
// time ascending for deterministic client display.
func (s *Service) ListUnresolved(ctx context.Context, userID string) ([]SyncConflict, error) {
	if userID == "" {
		return nil, newServiceError(opListConflicts, "missing_user_id", errMissingUserID)
	}

	var conflicts []SyncConflict
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND resolved = ?", userID, false).
		Order("created_at_s ASC").
		Find(&conflicts).Error
	if err != nil {
		s.logError(opListConflicts, "query_failed", err, zap.String("user_id", userID))
		return nil, newServiceError(opListConflicts, "query_failed", err)
	}
	return conflicts, nil
}

// MergedPayload carries the caller-supplied ciphertext for a merged resolution.
type MergedPayload struct {
	EncryptedContent   []byte
	ContentIV          string
	EncryptedEmbedding []byte
	EmbeddingIV        string
}

// Resolve settles a pending conflict. Unresolved to resolved is the only
// transition and it is terminal. Choosing local or remote promotes that
// version into the store as the canonical backup without re-running the
// detector: resolution is authoritative. Choosing merged stores the supplied
// ciphertext with a fresh updated-at.
func (s *Service) Resolve(ctx context.Context, userID, conflictID string, choice ResolutionChoice, merged *MergedPayload) (*EncryptedBackup, error) {
	if userID == "" {
		return nil, newServiceError(opResolve, "missing_user_id", errMissingUserID)
	}
	if choice == ResolutionMerged && (merged == nil || len(merged.EncryptedContent) == 0 || merged.ContentIV == "") {
		return nil, newServiceError(opResolve, "missing_merged_payload", ErrMissingMergedPayload)
	}

	var promoted EncryptedBackup
	err := s.runWrite(ctx, func(tx *gorm.DB) error {
		var conflict SyncConflict
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("conflict_id = ? AND user_id = ?", conflictID, userID).
			Take(&conflict).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(opResolve, "not_found", ErrConflictNotFound)
		}
		if err != nil {
			return newServiceError(opResolve, "conflict_select_failed", err)
		}
		if conflict.Resolved {
			return newServiceError(opResolve, "already_resolved", ErrAlreadyResolved)
		}

		promoted = s.promotedRow(&conflict, choice, merged)
		var existing EncryptedBackup
		err = tx.Where("user_id = ? AND logical_id = ?", userID, conflict.LogicalID).
			Take(&existing).Error
		if err == nil && existing.CreatedAtSeconds > 0 {
			promoted.CreatedAtSeconds = existing.CreatedAtSeconds
			if len(promoted.EncryptedEmbedding) == 0 {
				promoted.EncryptedEmbedding = existing.EncryptedEmbedding
				promoted.EmbeddingIV = existing.EmbeddingIV
			}
		} else if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(opResolve, "backup_select_failed", err)
		}

		if err := tx.Save(&promoted).Error; err != nil {
			return newServiceError(opResolve, "backup_save_failed", err)
		}

		updates := map[string]interface{}{
			"resolved": true,
			"choice":   string(choice),
		}
		if err := tx.Model(&SyncConflict{}).
			Where("conflict_id = ?", conflict.ConflictID).
			Updates(updates).Error; err != nil {
			return newServiceError(opResolve, "conflict_update_failed", err)
		}
		return nil
	})
	if err != nil {
		s.logError(opResolve, "resolve_failed", err,
			zap.String("user_id", userID),
			zap.String("conflict_id", conflictID))
		return nil, err
	}

	return &promoted, nil
}

func (s *Service) promotedRow(conflict *SyncConflict, choice ResolutionChoice, merged *MergedPayload) EncryptedBackup {
	row := EncryptedBackup{
		UserID:    conflict.UserID,
		LogicalID: conflict.LogicalID,
	}
	switch choice {
	case ResolutionLocal:
		row.EncryptedContent = conflict.LocalContent
		row.ContentIV = conflict.LocalIV
		row.DeviceID = conflict.LocalDeviceID
		row.UpdatedAtSeconds = conflict.LocalUpdatedAtS
	case ResolutionRemote:
		row.EncryptedContent = conflict.RemoteContent
		row.ContentIV = conflict.RemoteIV
		row.DeviceID = conflict.RemoteDeviceID
		row.UpdatedAtSeconds = conflict.RemoteUpdatedAtS
	case ResolutionMerged:
		row.EncryptedContent = merged.EncryptedContent
		row.ContentIV = merged.ContentIV
		row.DeviceID = conflict.LocalDeviceID
		row.UpdatedAtSeconds = s.clock().UTC().Unix()
		if len(merged.EncryptedEmbedding) > 0 {
			row.EncryptedEmbedding = merged.EncryptedEmbedding
			row.EmbeddingIV = merged.EmbeddingIV
		}
	}
	row.ContentSize = int64(len(row.EncryptedContent))
	row.CreatedAtSeconds = row.UpdatedAtSeconds
	return row
}

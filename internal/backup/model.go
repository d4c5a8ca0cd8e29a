package backup

import (
	"errors"
	"fmt"
	"strings"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidLogicalID indicates an entry identifier is empty or exceeds storage bounds.
	ErrInvalidLogicalID = errors.New("backup: invalid logical entry id")
	// ErrInvalidDeviceID indicates a device identifier is empty or exceeds storage bounds.
	ErrInvalidDeviceID = errors.New("backup: invalid device id")
	// ErrInvalidTimestamp indicates a unix timestamp value is not positive.
	ErrInvalidTimestamp = errors.New("backup: invalid unix timestamp")
)

// LogicalID identifies one journal entry across devices and edits.
type LogicalID string

// NewLogicalID validates raw input and returns a LogicalID.
func NewLogicalID(rawInput string) (LogicalID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidLogicalID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidLogicalID, maxIdentifierLength)
	}
	return LogicalID(trimmed), nil
}

// String returns the underlying string identifier.
func (id LogicalID) String() string {
	return string(id)
}

// DeviceID identifies the originating device of a write.
type DeviceID string

// NewDeviceID validates raw input and returns a DeviceID.
func NewDeviceID(rawInput string) (DeviceID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidDeviceID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidDeviceID, maxIdentifierLength)
	}
	return DeviceID(trimmed), nil
}

// String returns the underlying string identifier.
func (id DeviceID) String() string {
	return string(id)
}

// UnixTimestamp represents a validated unix timestamp in seconds.
type UnixTimestamp int64

// NewUnixTimestamp validates the value and returns a UnixTimestamp.
func NewUnixTimestamp(value int64) (UnixTimestamp, error) {
	if value <= 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidTimestamp, value)
	}
	return UnixTimestamp(value), nil
}

// Int64 exposes the raw unix seconds value.
func (ts UnixTimestamp) Int64() int64 {
	return int64(ts)
}

// EncryptedBackup is one device's encrypted snapshot of one logical journal
// entry. Content and embedding are opaque ciphertext; the server never holds
// a key that could open them.
type EncryptedBackup struct {
	UserID             string `gorm:"column:user_id;primaryKey;size:190;not null;index:idx_backups_user_updated,priority:1"`
	LogicalID          string `gorm:"column:logical_id;primaryKey;size:190;not null"`
	DeviceID           string `gorm:"column:device_id;size:190;not null"`
	EncryptedContent   []byte `gorm:"column:encrypted_content;type:blob;not null"`
	ContentIV          string `gorm:"column:content_iv;size:64;not null"`
	EncryptedEmbedding []byte `gorm:"column:encrypted_embedding;type:blob"`
	EmbeddingIV        string `gorm:"column:embedding_iv;size:64"`
	ContentSize        int64  `gorm:"column:content_size;not null;default:0"`
	CreatedAtSeconds   int64  `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds   int64  `gorm:"column:updated_at_s;not null;index:idx_backups_user_updated,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (EncryptedBackup) TableName() string {
	return "encrypted_backups"
}

// ResolutionChoice enumerates how a conflict may be settled.
type ResolutionChoice string

const (
	// ResolutionNone is the choice recorded while a conflict is pending.
	ResolutionNone ResolutionChoice = "none"
	// ResolutionLocal keeps the version that was stored when the conflict arose.
	ResolutionLocal ResolutionChoice = "local"
	// ResolutionRemote promotes the incoming version that collided.
	ResolutionRemote ResolutionChoice = "remote"
	// ResolutionMerged stores a caller-supplied merged ciphertext.
	ResolutionMerged ResolutionChoice = "merged"
)

// ParseResolutionChoice validates a raw resolution choice.
func ParseResolutionChoice(value string) (ResolutionChoice, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case string(ResolutionLocal):
		return ResolutionLocal, nil
	case string(ResolutionRemote):
		return ResolutionRemote, nil
	case string(ResolutionMerged):
		return ResolutionMerged, nil
	default:
		return "", fmt.Errorf("backup: unknown resolution choice %q", value)
	}
}

// SyncConflict captures two irreconcilable encrypted versions of the same
// logical entry. The local slot holds the version that was stored when the
// collision happened; the remote slot holds the incoming write.
type SyncConflict struct {
	ConflictID       string `gorm:"column:conflict_id;primaryKey;size:190;not null"`
	UserID           string `gorm:"column:user_id;size:190;not null;index:idx_conflicts_user_resolved,priority:1"`
	LogicalID        string `gorm:"column:logical_id;size:190;not null"`
	LocalContent     []byte `gorm:"column:local_content;type:blob;not null"`
	LocalIV          string `gorm:"column:local_iv;size:64;not null"`
	LocalDeviceID    string `gorm:"column:local_device_id;size:190;not null"`
	LocalUpdatedAtS  int64  `gorm:"column:local_updated_at_s;not null"`
	RemoteContent    []byte `gorm:"column:remote_content;type:blob;not null"`
	RemoteIV         string `gorm:"column:remote_iv;size:64;not null"`
	RemoteDeviceID   string `gorm:"column:remote_device_id;size:190;not null"`
	RemoteUpdatedAtS int64  `gorm:"column:remote_updated_at_s;not null"`
	Resolved         bool   `gorm:"column:resolved;not null;default:false;index:idx_conflicts_user_resolved,priority:2"`
	Choice           string `gorm:"column:choice;size:16;not null;default:'none'"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (SyncConflict) TableName() string {
	return "sync_conflicts"
}

// Version is the conflict-relevant projection of one encrypted write.
type Version struct {
	DeviceID         DeviceID
	UpdatedAtSeconds UnixTimestamp
	Content          []byte
	ContentIV        string
}

// IncomingBackup describes one validated upload from a device.
type IncomingBackup struct {
	LogicalID          LogicalID
	DeviceID           DeviceID
	EncryptedContent   []byte
	ContentIV          string
	EncryptedEmbedding []byte
	EmbeddingIV        string
	CreatedAtSeconds   UnixTimestamp
	UpdatedAtSeconds   UnixTimestamp
}

// Version projects the incoming upload onto its conflict-relevant fields.
func (b IncomingBackup) Version() Version {
	return Version{
		DeviceID:         b.DeviceID,
		UpdatedAtSeconds: b.UpdatedAtSeconds,
		Content:          b.EncryptedContent,
		ContentIV:        b.ContentIV,
	}
}

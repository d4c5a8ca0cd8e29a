package tier

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/quillvault/backend/internal/backup"
	"github.com/quillvault/backend/internal/metrics"
	"github.com/quillvault/backend/internal/users"
)

var (
	errMissingDatabase = errors.New("tier: database handle is required")
	errMissingUsers    = errors.New("tier: user service is required")

	noOpLogger = zap.NewNop()
)

// GateConfig describes the dependencies of the privacy tier gate.
type GateConfig struct {
	Database *gorm.DB
	Users    *users.Service
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Gate drives tier transitions and their side effects. Ordinary sync and
// metric traffic never writes tier state; only the gate does.
type Gate struct {
	db     *gorm.DB
	users  *users.Service
	clock  func() time.Time
	logger *zap.Logger
}

// NewGate validates dependencies and constructs the gate.
func NewGate(cfg GateConfig) (*Gate, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.Users == nil {
		return nil, errMissingUsers
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Gate{db: cfg.Database, users: cfg.Users, clock: clock, logger: logger}, nil
}

// State is the tier view the gate exposes to the boundary layer.
type State struct {
	Tier        Tier
	HEPublicKey []byte
	ConsentAt   *time.Time
}

// CurrentState loads the user's tier state, defaulting new users to
// local_only.
func (g *Gate) CurrentState(ctx context.Context, userID string) (State, error) {
	record, err := g.users.Get(ctx, userID)
	if err != nil {
		return State{}, err
	}
	current, err := ParseTier(record.PrivacyTier)
	if err != nil {
		// A row predating tier validation; treat as the most restrictive.
		current = TierLocalOnly
	}
	return State{Tier: current, HEPublicKey: record.HEPublicKey, ConsentAt: record.ConsentAt}, nil
}

// TransitionResult reports a transition's side effects for caller
// confirmation.
type TransitionResult struct {
	From             Tier
	To               Tier
	DeletedBackups   int64
	DeletedMetrics   int64
	DeletedConflicts int64
}

// Transition moves the user to the target tier. Downgrades delete every
// qualifying row in one transaction: leaving full_sync drops backups and
// pending conflicts, which hold backup ciphertext; reaching local_only
// additionally drops metrics. Either all qualifying rows are removed and
// the tier flips, or nothing changes. Upgrades record the supplied HE
// public key and consent timestamp and delete nothing.
func (g *Gate) Transition(ctx context.Context, userID string, target Tier, publicKey []byte, consentAt *time.Time) (TransitionResult, error) {
	state, err := g.CurrentState(ctx, userID)
	if err != nil {
		return TransitionResult{}, err
	}

	result := TransitionResult{From: state.Tier, To: target}
	txErr := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if rank(target) < rank(state.Tier) {
			if rank(state.Tier) == rank(TierFullSync) {
				deleted, err := backup.PurgeBackups(tx, userID)
				if err != nil {
					return err
				}
				result.DeletedBackups = deleted

				deleted, err = backup.PurgeUnresolvedConflicts(tx, userID)
				if err != nil {
					return err
				}
				result.DeletedConflicts = deleted
			}
			if target == TierLocalOnly {
				deleted, err := metrics.PurgeUser(tx, userID)
				if err != nil {
					return err
				}
				result.DeletedMetrics = deleted
			}
		}

		if rank(target) > rank(state.Tier) {
			return g.users.ApplyTransition(tx, userID, string(target), publicKey, consentAt)
		}
		return g.users.ApplyTransition(tx, userID, string(target), nil, nil)
	})
	if txErr != nil {
		g.logger.Error("tier transition failed",
			zap.String("operation", "tier.transition"),
			zap.String("user_id", userID),
			zap.String("from", string(state.Tier)),
			zap.String("to", string(target)),
			zap.Error(txErr))
		return TransitionResult{}, txErr
	}

	g.logger.Info("tier transition applied",
		zap.String("user_id", userID),
		zap.String("from", string(state.Tier)),
		zap.String("to", string(target)),
		zap.Int64("deleted_backups", result.DeletedBackups),
		zap.Int64("deleted_metrics", result.DeletedMetrics),
		zap.Int64("deleted_conflicts", result.DeletedConflicts))
	return result, nil
}

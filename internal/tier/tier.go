package tier

import (
	"errors"
	"fmt"
	"strings"
)

// Tier is a user-selected privacy level gating server-side operations.
type Tier string

const (
	// TierLocalOnly permits nothing server-side; data stays on device.
	TierLocalOnly Tier = "local_only"
	// TierAnalyticsSync permits encrypted metric upload and aggregation.
	TierAnalyticsSync Tier = "analytics_sync"
	// TierFullSync additionally permits encrypted backup sync.
	TierFullSync Tier = "full_sync"
)

// ErrTierDenied indicates the operation is not permitted at the user's tier.
var ErrTierDenied = errors.New("tier: operation not permitted at current privacy tier")

// ParseTier validates a raw tier name.
func ParseTier(value string) (Tier, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case string(TierLocalOnly):
		return TierLocalOnly, nil
	case string(TierAnalyticsSync):
		return TierAnalyticsSync, nil
	case string(TierFullSync):
		return TierFullSync, nil
	default:
		return "", fmt.Errorf("tier: unknown privacy tier %q", value)
	}
}

// Operation classifies a gated server-side action.
type Operation string

const (
	// OpMetricsWrite uploads encrypted metrics.
	OpMetricsWrite Operation = "metrics_write"
	// OpMetricsAggregate runs homomorphic aggregation.
	OpMetricsAggregate Operation = "metrics_aggregate"
	// OpBackupWrite uploads or deletes encrypted backups.
	OpBackupWrite Operation = "backup_write"
	// OpBackupRead fetches encrypted backups.
	OpBackupRead Operation = "backup_read"
	// OpConflictList reads pending sync conflicts.
	OpConflictList Operation = "conflict_list"
	// OpConflictResolve settles a sync conflict.
	OpConflictResolve Operation = "conflict_resolve"
	// OpTierTransition changes the privacy tier itself; always allowed.
	OpTierTransition Operation = "tier_transition"
)

// Authorize decides whether the operation is permitted at the tier. Metric
// operations need analytics_sync or above; backup and conflict operations
// need full_sync; tier transitions are always allowed.
func Authorize(current Tier, op Operation) error {
	switch op {
	case OpTierTransition:
		return nil
	case OpMetricsWrite, OpMetricsAggregate:
		if current == TierAnalyticsSync || current == TierFullSync {
			return nil
		}
	case OpBackupWrite, OpBackupRead, OpConflictList, OpConflictResolve:
		if current == TierFullSync {
			return nil
		}
	default:
		return fmt.Errorf("tier: unknown operation %q", op)
	}
	return fmt.Errorf("%w: %s at %s", ErrTierDenied, op, current)
}

// rank orders tiers for downgrade detection.
func rank(t Tier) int {
	switch t {
	case TierFullSync:
		return 2
	case TierAnalyticsSync:
		return 1
	default:
		return 0
	}
}

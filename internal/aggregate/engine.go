package aggregate

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/quillvault/backend/internal/hecrypt"
	"github.com/quillvault/backend/internal/metrics"
)

const (
	defaultMaxBatch    = 1000
	defaultWorkerSlots = 4
)

var (
	// ErrEmptyBatch indicates no metrics matched; the sum of zero ciphertexts
	// is undefined, not zero, because the scheme has no implicit zero
	// representation without a matching context.
	ErrEmptyBatch = errors.New("aggregate: no metrics match the request")
	// ErrBatchTooLarge protects the engine from unbounded homomorphic work.
	ErrBatchTooLarge = errors.New("aggregate: batch exceeds configured ceiling")
	// ErrIncompatibleCiphertext fails the whole batch when any ciphertext is
	// malformed or was encrypted under mismatched parameters. Partial
	// aggregation would silently corrupt the result.
	ErrIncompatibleCiphertext = errors.New("aggregate: incompatible ciphertext in batch")

	errMissingStore   = errors.New("aggregate: batch source is required")
	errMissingBackend = errors.New("aggregate: crypto backend is required")

	noOpLogger = zap.NewNop()
)

// Operation selects the homomorphic aggregate to compute.
type Operation string

const (
	// OperationSum adds all ciphertexts pairwise.
	OperationSum Operation = "sum"
	// OperationAverage computes the sum then a scalar division by the count.
	OperationAverage Operation = "average"
)

// ParseOperation validates a raw operation name.
func ParseOperation(value string) (Operation, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case string(OperationSum):
		return OperationSum, nil
	case string(OperationAverage):
		return OperationAverage, nil
	default:
		return "", fmt.Errorf("aggregate: unknown operation %q", value)
	}
}

// BatchSource loads the ciphertexts to aggregate. Satisfied by the metric
// store service.
type BatchSource interface {
	ListForAggregation(ctx context.Context, userID, metricType string, timeRange *metrics.TimeRange, ceiling int) ([]metrics.EncryptedMetric, error)
}

// EngineConfig describes the dependencies of the aggregation engine.
type EngineConfig struct {
	Store       BatchSource
	Backend     hecrypt.Backend
	MaxBatch    int
	WorkerSlots int
	Logger      *zap.Logger
}

// Engine performs ciphertext-domain aggregation. It holds no secret key and
// never decrypts; results are returned to the caller, not persisted.
type Engine struct {
	store    BatchSource
	backend  hecrypt.Backend
	maxBatch int
	slots    chan struct{}
	logger   *zap.Logger
}

// NewEngine validates dependencies and constructs the engine.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Backend == nil {
		return nil, errMissingBackend
	}

	maxBatch := cfg.MaxBatch
	if maxBatch <= 0 {
		maxBatch = defaultMaxBatch
	}
	workers := cfg.WorkerSlots
	if workers <= 0 {
		workers = defaultWorkerSlots
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Engine{
		store:    cfg.Store,
		backend:  cfg.Backend,
		maxBatch: maxBatch,
		slots:    make(chan struct{}, workers),
		logger:   logger,
	}, nil
}

// Result is one aggregation outcome: the encrypted aggregate plus the
// context identifier the client needs to decrypt it.
type Result struct {
	MetricType string
	Operation  Operation
	Ciphertext []byte
	ContextID  string
	Count      int
}

// Aggregate computes the requested aggregate over the matching batch. The
// CPU-bound fold runs through a bounded worker slot so long aggregations do
// not starve request handling; cancellation aborts cleanly between steps
// with no partial result returned.
func (e *Engine) Aggregate(ctx context.Context, userID, metricType string, op Operation, timeRange *metrics.TimeRange) (Result, error) {
	rows, err := e.store.ListForAggregation(ctx, userID, metricType, timeRange, e.maxBatch)
	if err != nil {
		return Result{}, err
	}
	if len(rows) == 0 {
		return Result{}, ErrEmptyBatch
	}
	if len(rows) > e.maxBatch {
		return Result{}, fmt.Errorf("%w: %d > %d", ErrBatchTooLarge, len(rows), e.maxBatch)
	}

	release, err := e.acquireSlot(ctx)
	if err != nil {
		return Result{}, err
	}
	defer release()

	for index, row := range rows {
		if err := e.backend.Validate(row.EncryptedValue); err != nil {
			e.logger.Warn("rejecting aggregation batch",
				zap.String("operation", "aggregate.validate"),
				zap.String("user_id", userID),
				zap.String("metric_type", metricType),
				zap.Int("index", index),
				zap.Error(err))
			return Result{}, fmt.Errorf("%w: metric %s", ErrIncompatibleCiphertext, row.MetricID)
		}
	}

	accumulator := rows[0].EncryptedValue
	for _, row := range rows[1:] {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		accumulator, err = e.backend.Add(accumulator, row.EncryptedValue)
		if err != nil {
			return Result{}, fmt.Errorf("%w: %v", ErrIncompatibleCiphertext, err)
		}
	}

	if op == OperationAverage {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		accumulator, err = e.backend.MulScalar(accumulator, 1.0/float64(len(rows)))
		if err != nil {
			return Result{}, fmt.Errorf("%w: %v", ErrIncompatibleCiphertext, err)
		}
	}

	return Result{
		MetricType: metricType,
		Operation:  op,
		Ciphertext: accumulator,
		ContextID:  e.backend.Params().Fingerprint(),
		Count:      len(rows),
	}, nil
}

func (e *Engine) acquireSlot(ctx context.Context) (func(), error) {
	select {
	case e.slots <- struct{}{}:
		return func() { <-e.slots }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

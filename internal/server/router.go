package server

import (
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/quillvault/backend/internal/aggregate"
	"github.com/quillvault/backend/internal/backup"
	"github.com/quillvault/backend/internal/hecrypt"
	"github.com/quillvault/backend/internal/metrics"
	"github.com/quillvault/backend/internal/tier"
)

const userIDContextKey = "quillvault_user_id"

var (
	errMissingTokenValidator = errors.New("token validator dependency required")
	errMissingBackupService  = errors.New("backup service dependency required")
	errMissingMetricService  = errors.New("metric service dependency required")
	errMissingEngine         = errors.New("aggregation engine dependency required")
	errMissingGate           = errors.New("tier gate dependency required")
	errInvalidAuthorization  = errors.New("authorization header missing or invalid")
)

// TokenValidator checks a bearer token and returns the subject user id.
type TokenValidator interface {
	ValidateToken(token string) (string, error)
}

// Dependencies wires the HTTP boundary to the core services.
type Dependencies struct {
	TokenValidator TokenValidator
	Backups        *backup.Service
	Metrics        *metrics.Service
	Aggregator     *aggregate.Engine
	Gate           *tier.Gate
	ContextParams  hecrypt.ContextParams
	Dispatcher     *SyncDispatcher
	FetchLimit     int
	Logger         *zap.Logger
}

// NewHTTPHandler builds the gin router for the sync and aggregation API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenValidator == nil {
		return nil, errMissingTokenValidator
	}
	if deps.Backups == nil {
		return nil, errMissingBackupService
	}
	if deps.Metrics == nil {
		return nil, errMissingMetricService
	}
	if deps.Aggregator == nil {
		return nil, errMissingEngine
	}
	if deps.Gate == nil {
		return nil, errMissingGate
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	dispatcher := deps.Dispatcher
	if dispatcher == nil {
		dispatcher = NewSyncDispatcher()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	fetchLimit := deps.FetchLimit
	if fetchLimit <= 0 {
		fetchLimit = backup.DefaultFetchLimit
	}

	handler := &httpHandler{
		tokens:     deps.TokenValidator,
		backups:    deps.Backups,
		metrics:    deps.Metrics,
		aggregator: deps.Aggregator,
		gate:       deps.Gate,
		params:     deps.ContextParams,
		dispatcher: dispatcher,
		fetchLimit: fetchLimit,
		logger:     logger,
	}

	router.GET("/encryption/context", handler.handleHEContext)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/sync/backup", handler.handleBackupUpload)
	protected.GET("/sync/backups", handler.handleBackupFetch)
	protected.DELETE("/sync/backup/:id", handler.handleBackupDelete)
	protected.GET("/sync/conflicts", handler.handleConflictList)
	protected.POST("/sync/conflicts/:id/resolve", handler.handleConflictResolve)
	protected.GET("/sync/events", handler.handleSyncEvents)
	protected.POST("/metrics", handler.handleMetricUpload)
	protected.POST("/metrics/aggregate", handler.handleAggregate)
	protected.POST("/tier", handler.handleTierTransition)

	return router, nil
}

type httpHandler struct {
	tokens     TokenValidator
	backups    *backup.Service
	metrics    *metrics.Service
	aggregator *aggregate.Engine
	gate       *tier.Gate
	params     hecrypt.ContextParams
	dispatcher *SyncDispatcher
	fetchLimit int
	logger     *zap.Logger
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, subject)
	c.Next()
}

// checkTier loads the caller's tier and authorizes the operation, writing
// the denial response itself. Returns false when the request must stop.
func (h *httpHandler) checkTier(c *gin.Context, userID string, op tier.Operation) bool {
	state, err := h.gate.CurrentState(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("tier state lookup failed", zap.String("user_id", userID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "tier_lookup_failed"})
		return false
	}
	if err := tier.Authorize(state.Tier, op); err != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": "tier_denied", "tier": string(state.Tier)})
		return false
	}
	return true
}

type backupUploadPayload struct {
	LogicalID          string `json:"logical_id" binding:"required"`
	DeviceID           string `json:"device_id" binding:"required"`
	EncryptedContent   []byte `json:"encrypted_content" binding:"required"`
	ContentIV          string `json:"content_iv" binding:"required"`
	EncryptedEmbedding []byte `json:"encrypted_embedding"`
	EmbeddingIV        string `json:"embedding_iv"`
	CreatedAtSeconds   int64  `json:"created_at_s" binding:"required"`
	UpdatedAtSeconds   int64  `json:"updated_at_s" binding:"required"`
}

type backupStoredPayload struct {
	LogicalID        string `json:"logical_id"`
	DeviceID         string `json:"device_id"`
	UpdatedAtSeconds int64  `json:"updated_at_s"`
	ContentSize      int64  `json:"content_size"`
}

type conflictVersionMeta struct {
	DeviceID         string `json:"device_id"`
	UpdatedAtSeconds int64  `json:"updated_at_s"`
}

type conflictDescriptorPayload struct {
	ConflictID string              `json:"conflict_id"`
	LogicalID  string              `json:"logical_id"`
	Local      conflictVersionMeta `json:"local"`
	Remote     conflictVersionMeta `json:"remote"`
}

func (h *httpHandler) handleBackupUpload(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	if !h.checkTier(c, userID, tier.OpBackupWrite) {
		return
	}

	var request backupUploadPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	incoming, err := parseIncomingBackup(request)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "detail": err.Error()})
		return
	}

	outcome, err := h.backups.Store(c.Request.Context(), userID, incoming)
	if errors.Is(err, backup.ErrAlreadyConflicted) {
		c.JSON(http.StatusConflict, gin.H{"error": "already_conflicted", "logical_id": incoming.LogicalID.String()})
		return
	}
	if err != nil {
		h.logger.Error("backup store failed", zap.String("user_id", userID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage_failure"})
		return
	}

	if outcome.Verdict == backup.VerdictConflict {
		conflict := outcome.Conflict
		h.dispatcher.Publish(SyncEvent{
			UserID:     userID,
			EventType:  SyncEventConflictDetected,
			LogicalIDs: []string{conflict.LogicalID},
			DeviceID:   conflict.RemoteDeviceID,
			Timestamp:  time.Now().UTC(),
		})
		c.JSON(http.StatusConflict, gin.H{
			"error": "sync_conflict",
			"conflict": conflictDescriptorPayload{
				ConflictID: conflict.ConflictID,
				LogicalID:  conflict.LogicalID,
				Local:      conflictVersionMeta{DeviceID: conflict.LocalDeviceID, UpdatedAtSeconds: conflict.LocalUpdatedAtS},
				Remote:     conflictVersionMeta{DeviceID: conflict.RemoteDeviceID, UpdatedAtSeconds: conflict.RemoteUpdatedAtS},
			},
		})
		return
	}

	stored := outcome.Backup
	h.dispatcher.Publish(SyncEvent{
		UserID:     userID,
		EventType:  SyncEventBackupStored,
		LogicalIDs: []string{stored.LogicalID},
		DeviceID:   stored.DeviceID,
		Timestamp:  time.Now().UTC(),
	})
	c.JSON(http.StatusCreated, backupStoredPayload{
		LogicalID:        stored.LogicalID,
		DeviceID:         stored.DeviceID,
		UpdatedAtSeconds: stored.UpdatedAtSeconds,
		ContentSize:      stored.ContentSize,
	})
}

func parseIncomingBackup(request backupUploadPayload) (backup.IncomingBackup, error) {
	logicalID, err := backup.NewLogicalID(request.LogicalID)
	if err != nil {
		return backup.IncomingBackup{}, err
	}
	deviceID, err := backup.NewDeviceID(request.DeviceID)
	if err != nil {
		return backup.IncomingBackup{}, err
	}
	createdAt, err := backup.NewUnixTimestamp(request.CreatedAtSeconds)
	if err != nil {
		return backup.IncomingBackup{}, err
	}
	updatedAt, err := backup.NewUnixTimestamp(request.UpdatedAtSeconds)
	if err != nil {
		return backup.IncomingBackup{}, err
	}
	return backup.IncomingBackup{
		LogicalID:          logicalID,
		DeviceID:           deviceID,
		EncryptedContent:   request.EncryptedContent,
		ContentIV:          request.ContentIV,
		EncryptedEmbedding: request.EncryptedEmbedding,
		EmbeddingIV:        request.EmbeddingIV,
		CreatedAtSeconds:   createdAt,
		UpdatedAtSeconds:   updatedAt,
	}, nil
}

type backupRecordPayload struct {
	LogicalID          string `json:"logical_id"`
	DeviceID           string `json:"device_id"`
	EncryptedContent   []byte `json:"encrypted_content"`
	ContentIV          string `json:"content_iv"`
	EncryptedEmbedding []byte `json:"encrypted_embedding,omitempty"`
	EmbeddingIV        string `json:"embedding_iv,omitempty"`
	CreatedAtSeconds   int64  `json:"created_at_s"`
	UpdatedAtSeconds   int64  `json:"updated_at_s"`
	ContentSize        int64  `json:"content_size"`
}

type backupListPayload struct {
	Backups []backupRecordPayload `json:"backups"`
	HasMore bool                  `json:"has_more"`
}

func (h *httpHandler) handleBackupFetch(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	if !h.checkTier(c, userID, tier.OpBackupRead) {
		return
	}

	filter := backup.FetchFilter{
		ExcludeDeviceID: c.Query("exclude_device_id"),
		Limit:           h.fetchLimit,
	}
	if raw := c.Query("since"); raw != "" {
		since, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || since < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_since"})
			return
		}
		filter.SinceSeconds = since
	}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
			return
		}
		filter.Limit = limit
	}

	backups, hasMore, err := h.backups.Fetch(c.Request.Context(), userID, filter)
	if err != nil {
		h.logger.Error("backup fetch failed", zap.String("user_id", userID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage_failure"})
		return
	}

	response := backupListPayload{Backups: make([]backupRecordPayload, 0, len(backups)), HasMore: hasMore}
	for _, row := range backups {
		response.Backups = append(response.Backups, backupRecordPayload{
			LogicalID:          row.LogicalID,
			DeviceID:           row.DeviceID,
			EncryptedContent:   row.EncryptedContent,
			ContentIV:          row.ContentIV,
			EncryptedEmbedding: row.EncryptedEmbedding,
			EmbeddingIV:        row.EmbeddingIV,
			CreatedAtSeconds:   row.CreatedAtSeconds,
			UpdatedAtSeconds:   row.UpdatedAtSeconds,
			ContentSize:        row.ContentSize,
		})
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleBackupDelete(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	if !h.checkTier(c, userID, tier.OpBackupWrite) {
		return
	}

	logicalID := c.Param("id")
	err := h.backups.Delete(c.Request.Context(), userID, logicalID)
	if errors.Is(err, backup.ErrBackupNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	if err != nil {
		h.logger.Error("backup delete failed", zap.String("user_id", userID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage_failure"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": logicalID})
}

type conflictVersionPayload struct {
	EncryptedContent []byte `json:"encrypted_content"`
	ContentIV        string `json:"content_iv"`
	DeviceID         string `json:"device_id"`
	UpdatedAtSeconds int64  `json:"updated_at_s"`
}

type conflictPayload struct {
	ConflictID       string                 `json:"conflict_id"`
	LogicalID        string                 `json:"logical_id"`
	Local            conflictVersionPayload `json:"local"`
	Remote           conflictVersionPayload `json:"remote"`
	CreatedAtSeconds int64                  `json:"created_at_s"`
}

func (h *httpHandler) handleConflictList(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	if !h.checkTier(c, userID, tier.OpConflictList) {
		return
	}

	conflicts, err := h.backups.ListUnresolved(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("conflict list failed", zap.String("user_id", userID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage_failure"})
		return
	}

	payload := make([]conflictPayload, 0, len(conflicts))
	for _, conflict := range conflicts {
		payload = append(payload, conflictPayload{
			ConflictID: conflict.ConflictID,
			LogicalID:  conflict.LogicalID,
			Local: conflictVersionPayload{
				EncryptedContent: conflict.LocalContent,
				ContentIV:        conflict.LocalIV,
				DeviceID:         conflict.LocalDeviceID,
				UpdatedAtSeconds: conflict.LocalUpdatedAtS,
			},
			Remote: conflictVersionPayload{
				EncryptedContent: conflict.RemoteContent,
				ContentIV:        conflict.RemoteIV,
				DeviceID:         conflict.RemoteDeviceID,
				UpdatedAtSeconds: conflict.RemoteUpdatedAtS,
			},
			CreatedAtSeconds: conflict.CreatedAtSeconds,
		})
	}
	c.JSON(http.StatusOK, gin.H{"conflicts": payload})
}

type mergedPayloadRequest struct {
	EncryptedContent   []byte `json:"encrypted_content"`
	ContentIV          string `json:"content_iv"`
	EncryptedEmbedding []byte `json:"encrypted_embedding"`
	EmbeddingIV        string `json:"embedding_iv"`
}

type resolvePayload struct {
	Choice string                `json:"choice" binding:"required"`
	Merged *mergedPayloadRequest `json:"merged_payload"`
}

func (h *httpHandler) handleConflictResolve(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	if !h.checkTier(c, userID, tier.OpConflictResolve) {
		return
	}

	var request resolvePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	choice, err := backup.ParseResolutionChoice(request.Choice)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_choice"})
		return
	}

	var merged *backup.MergedPayload
	if request.Merged != nil {
		merged = &backup.MergedPayload{
			EncryptedContent:   request.Merged.EncryptedContent,
			ContentIV:          request.Merged.ContentIV,
			EncryptedEmbedding: request.Merged.EncryptedEmbedding,
			EmbeddingIV:        request.Merged.EmbeddingIV,
		}
	}

	promoted, err := h.backups.Resolve(c.Request.Context(), userID, c.Param("id"), choice, merged)
	switch {
	case errors.Is(err, backup.ErrConflictNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	case errors.Is(err, backup.ErrAlreadyResolved):
		c.JSON(http.StatusConflict, gin.H{"error": "already_resolved"})
		return
	case errors.Is(err, backup.ErrMissingMergedPayload):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "missing_merged_payload"})
		return
	case err != nil:
		h.logger.Error("conflict resolve failed", zap.String("user_id", userID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage_failure"})
		return
	}

	h.dispatcher.Publish(SyncEvent{
		UserID:     userID,
		EventType:  SyncEventBackupStored,
		LogicalIDs: []string{promoted.LogicalID},
		DeviceID:   promoted.DeviceID,
		Timestamp:  time.Now().UTC(),
	})
	c.JSON(http.StatusOK, gin.H{
		"resolved":   c.Param("id"),
		"choice":     string(choice),
		"logical_id": promoted.LogicalID,
	})
}

type metricObservationPayload struct {
	MetricType       string `json:"metric_type" binding:"required"`
	EncryptedValue   []byte `json:"encrypted_value" binding:"required"`
	TimestampSeconds int64  `json:"timestamp_s" binding:"required"`
}

type metricBatchPayload struct {
	Metrics []metricObservationPayload `json:"metrics" binding:"required,min=1,dive"`
}

func (h *httpHandler) handleMetricUpload(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	if !h.checkTier(c, userID, tier.OpMetricsWrite) {
		return
	}

	var request metricBatchPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	observations := make([]metrics.Observation, 0, len(request.Metrics))
	for _, metric := range request.Metrics {
		observations = append(observations, metrics.Observation{
			MetricType:       metric.MetricType,
			EncryptedValue:   metric.EncryptedValue,
			TimestampSeconds: metric.TimestampSeconds,
		})
	}

	stored, err := h.metrics.StoreBatch(c.Request.Context(), userID, observations)
	if err != nil {
		h.logger.Error("metric upload failed", zap.String("user_id", userID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage_failure"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"stored": stored})
}

type timeRangePayload struct {
	StartSeconds int64 `json:"start_s"`
	EndSeconds   int64 `json:"end_s"`
}

type aggregatePayload struct {
	MetricType string            `json:"metric_type" binding:"required"`
	Operation  string            `json:"operation" binding:"required"`
	TimeRange  *timeRangePayload `json:"time_range"`
}

type aggregateResultPayload struct {
	MetricType      string `json:"metric_type"`
	Operation       string `json:"operation"`
	EncryptedResult []byte `json:"encrypted_result"`
	ContextID       string `json:"context_id"`
	Count           int    `json:"count"`
}

func (h *httpHandler) handleAggregate(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	if !h.checkTier(c, userID, tier.OpMetricsAggregate) {
		return
	}

	var request aggregatePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	operation, err := aggregate.ParseOperation(request.Operation)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_operation"})
		return
	}

	var timeRange *metrics.TimeRange
	if request.TimeRange != nil {
		timeRange = &metrics.TimeRange{
			StartSeconds: request.TimeRange.StartSeconds,
			EndSeconds:   request.TimeRange.EndSeconds,
		}
	}

	result, err := h.aggregator.Aggregate(c.Request.Context(), userID, request.MetricType, operation, timeRange)
	switch {
	case errors.Is(err, aggregate.ErrEmptyBatch):
		c.JSON(http.StatusNotFound, gin.H{"error": "empty_batch"})
		return
	case errors.Is(err, aggregate.ErrBatchTooLarge):
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "batch_too_large"})
		return
	case errors.Is(err, aggregate.ErrIncompatibleCiphertext):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "incompatible_ciphertext"})
		return
	case err != nil:
		h.logger.Error("aggregation failed", zap.String("user_id", userID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "aggregation_failed"})
		return
	}

	c.JSON(http.StatusOK, aggregateResultPayload{
		MetricType:      result.MetricType,
		Operation:       string(result.Operation),
		EncryptedResult: result.Ciphertext,
		ContextID:       result.ContextID,
		Count:           result.Count,
	})
}

type heContextPayload struct {
	Scheme            string  `json:"scheme"`
	PolyModulusDegree int     `json:"poly_modulus_degree"`
	CoeffModBitSizes  []int   `json:"coeff_mod_bit_sizes"`
	Scale             float64 `json:"scale"`
	SecurityLevel     string  `json:"security_level"`
	ContextID         string  `json:"context_id"`
}

// handleHEContext is public: the parameters let a client construct a
// compatible encryption context and contain no secret material.
func (h *httpHandler) handleHEContext(c *gin.Context) {
	c.JSON(http.StatusOK, heContextPayload{
		Scheme:            h.params.Scheme,
		PolyModulusDegree: h.params.PolyModulusDegree,
		CoeffModBitSizes:  h.params.CoeffModBitSizes,
		Scale:             math.Pow(2, float64(h.params.LogScale)),
		SecurityLevel:     h.params.SecurityLevel,
		ContextID:         h.params.Fingerprint(),
	})
}

type tierTransitionPayload struct {
	Tier             string `json:"tier" binding:"required"`
	HEPublicKey      []byte `json:"he_public_key"`
	ConsentAtSeconds int64  `json:"consent_at_s"`
}

func (h *httpHandler) handleTierTransition(c *gin.Context) {
	userID := c.GetString(userIDContextKey)

	var request tierTransitionPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	target, err := tier.ParseTier(request.Tier)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_tier"})
		return
	}

	var consentAt *time.Time
	if request.ConsentAtSeconds > 0 {
		parsed := time.Unix(request.ConsentAtSeconds, 0).UTC()
		consentAt = &parsed
	}

	result, err := h.gate.Transition(c.Request.Context(), userID, target, request.HEPublicKey, consentAt)
	if err != nil {
		h.logger.Error("tier transition failed", zap.String("user_id", userID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage_failure"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"from":              string(result.From),
		"to":                string(result.To),
		"deleted_backups":   result.DeletedBackups,
		"deleted_metrics":   result.DeletedMetrics,
		"deleted_conflicts": result.DeletedConflicts,
	})
}

// handleSyncEvents streams per-user sync notifications over SSE so other
// devices can pull promptly after a write or conflict.
func (h *httpHandler) handleSyncEvents(c *gin.Context) {
	userID := c.GetString(userIDContextKey)

	events, cancel := h.dispatcher.Subscribe(c.Request.Context(), userID)
	defer cancel()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case event, ok := <-events:
			if !ok {
				return false
			}
			c.SSEvent(event.EventType, gin.H{
				"logical_ids": event.LogicalIDs,
				"device_id":   event.DeviceID,
				"timestamp":   event.Timestamp.Unix(),
				"source":      syncEventSource,
			})
			return true
		case <-heartbeat.C:
			c.SSEvent(syncEventHeartbeat, gin.H{"timestamp": time.Now().UTC().Unix()})
			return true
		}
	})
}

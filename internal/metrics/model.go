package metrics

// EncryptedMetric is one CKKS ciphertext representing a single numeric
// observation. Rows are immutable once stored; deletion happens individually
// by id or in bulk on tier downgrade.
type EncryptedMetric struct {
	MetricID         string `gorm:"column:metric_id;primaryKey;size:190;not null"`
	UserID           string `gorm:"column:user_id;size:190;not null;index:idx_metrics_user_type_time,priority:1"`
	MetricType       string `gorm:"column:metric_type;size:64;not null;index:idx_metrics_user_type_time,priority:2"`
	EncryptedValue   []byte `gorm:"column:encrypted_value;type:blob;not null"`
	TimestampSeconds int64  `gorm:"column:timestamp_s;not null;index:idx_metrics_user_type_time,priority:3"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (EncryptedMetric) TableName() string {
	return "encrypted_metrics"
}

// Observation describes one validated metric upload.
type Observation struct {
	MetricType       string
	EncryptedValue   []byte
	TimestampSeconds int64
}

// TimeRange bounds an aggregation query. Zero endpoints are open.
type TimeRange struct {
	StartSeconds int64
	EndSeconds   int64
}

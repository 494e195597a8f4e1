package repository

import (
	"context"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/skin-metrics/internal/logging"
)

// InferenceLog is the audit row written for every /upload call. It records how a request went,
// never what the diagnosis was.
type InferenceLog struct {
	ID             uint      `gorm:"primaryKey"`
	RequestID      string    `gorm:"column:request_id;index;size:64"`
	ImageHash      string    `gorm:"column:image_hash;index;size:40"`
	Success        bool      `gorm:"column:success"`
	ErrorKind      string    `gorm:"column:error_kind;size:32"`
	LatencyMs      float64   `gorm:"column:latency_ms"`
	SkinConvention string    `gorm:"column:skin_convention;size:32"`
	AcneConvention string    `gorm:"column:acne_convention;size:32"`
	CacheHit       bool      `gorm:"column:cache_hit"`
	CreatedAt      time.Time `gorm:"column:created_at"`
}

// TableName overrides the default table name.
func (InferenceLog) TableName() string {
	return "inference_logs"
}

// MetricsAggregation is the raw result of the metrics query.
type MetricsAggregation struct {
	TotalCount       int64
	SuccessCount     int64
	CacheHitCount    int64
	AverageLatencyMs float64
}

// InferenceLogRepository provides persistence APIs for inference audit logs.
type InferenceLogRepository struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewInferenceLogRepository creates a new repository instance.
func NewInferenceLogRepository(db *gorm.DB, logger *zap.Logger) *InferenceLogRepository {
	return &InferenceLogRepository{db: db, logger: logger.Named("inference_log_repository")}
}

// AutoMigrate ensures the schema is available.
func (r *InferenceLogRepository) AutoMigrate(ctx context.Context) error {
	return logging.NewOperationError("repository.auto_migrate", "",
		r.db.WithContext(ctx).AutoMigrate(&InferenceLog{}))
}

// SaveLog persists an audit entry.
func (r *InferenceLogRepository) SaveLog(ctx context.Context, log *InferenceLog) error {
	if err := r.db.WithContext(ctx).Create(log).Error; err != nil {
		wrapped := logging.NewOperationError("repository.save_log", log.RequestID, err)
		r.logger.Error("failed to persist inference log", zap.Error(wrapped))
		return wrapped
	}
	return nil
}

// AggregateMetrics summarises every persisted audit entry.
func (r *InferenceLogRepository) AggregateMetrics(ctx context.Context) (*MetricsAggregation, error) {
	var agg MetricsAggregation
	err := r.db.WithContext(ctx).
		Model(&InferenceLog{}).
		Select(`COUNT(*) AS total_count,
			COALESCE(SUM(CASE WHEN success THEN 1 ELSE 0 END), 0) AS success_count,
			COALESCE(SUM(CASE WHEN cache_hit THEN 1 ELSE 0 END), 0) AS cache_hit_count,
			COALESCE(AVG(latency_ms), 0) AS average_latency_ms`).
		Scan(&agg).Error
	if err != nil {
		return nil, logging.NewOperationError("repository.aggregate_metrics", "", err)
	}
	return &agg, nil
}

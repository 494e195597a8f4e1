package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/skin-metrics/internal/collaborator"
	"github.com/example/skin-metrics/internal/domain"
	"github.com/example/skin-metrics/internal/imageingest"
	"github.com/example/skin-metrics/internal/inference"
	"github.com/example/skin-metrics/internal/logging"
	"github.com/example/skin-metrics/internal/repository"
)

// Ingestor stages an upload and converts it to model input.
type Ingestor interface {
	Ingest(requestID, payload string) (*imageingest.Upload, error)
}

// AuditRepository defines the persistence operations needed by the diagnosis flow.
type AuditRepository interface {
	SaveLog(ctx context.Context, log *repository.InferenceLog) error
	AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error)
}

// DiagnosisConfig carries the label sets and collaborator inputs of a diagnosis.
type DiagnosisConfig struct {
	SkinLabels      []string
	AcneLabels      []string
	ToneDatasetPath string
	CacheTTL        time.Duration
}

// DiagnosisDeps groups the collaborators of DiagnosisService. Cache and Audit are optional.
type DiagnosisDeps struct {
	Ingestor  Ingestor
	Predictor *inference.Predictor
	Models    *inference.Models
	Tone      collaborator.ToneEstimator
	Cache     Cache
	Audit     AuditRepository
}

// DiagnosisService turns an uploaded face photo into a skin type, tone and acne diagnosis.
type DiagnosisService struct {
	ingestor  Ingestor
	predictor *inference.Predictor
	models    *inference.Models
	tone      collaborator.ToneEstimator
	cache     Cache
	audit     AuditRepository
	cfg       DiagnosisConfig
	logger    *zap.Logger
	now       func() time.Time
}

// NewDiagnosisService constructs a new diagnosis service.
func NewDiagnosisService(deps DiagnosisDeps, cfg DiagnosisConfig, logger *zap.Logger) *DiagnosisService {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 10 * time.Minute
	}
	return &DiagnosisService{
		ingestor:  deps.Ingestor,
		predictor: deps.Predictor,
		models:    deps.Models,
		tone:      deps.Tone,
		cache:     deps.Cache,
		audit:     deps.Audit,
		cfg:       cfg,
		logger:    logger.Named("diagnosis_usecase"),
		now:       time.Now,
	}
}

// Diagnose ingests payload and computes all three signals from the same staged image. Any
// failure returns a *domain.DiagnosisError; a partial record is never returned.
func (s *DiagnosisService) Diagnose(ctx context.Context, payload string) (*domain.DiagnosisRecord, error) {
	requestID := requestIDFrom(ctx)
	opLogger := logging.WithOperation(s.logger, "usecase.diagnose", requestID)

	start := s.now()
	entry := &repository.InferenceLog{RequestID: requestID, CreatedAt: start.UTC()}
	defer func() {
		entry.LatencyMs = float64(s.now().Sub(start).Microseconds()) / 1000
		s.saveAudit(ctx, opLogger, entry)
	}()

	fail := func(err error) (*domain.DiagnosisRecord, error) {
		entry.ErrorKind = domain.Kind(err)
		opLogger.Warn("diagnosis failed", zap.Error(err), zap.String("kind", entry.ErrorKind))
		return nil, &domain.DiagnosisError{Cause: err}
	}

	upload, err := s.ingestor.Ingest(requestID, payload)
	if err != nil {
		return fail(err)
	}
	defer upload.Release()
	entry.ImageHash = upload.Hash

	if record, ok := s.cached(ctx, opLogger, upload.Hash); ok {
		entry.CacheHit = true
		entry.Success = true
		return record, nil
	}

	skin, err := s.predictor.Predict(ctx, s.models.Skin, upload.Pixels, s.cfg.SkinLabels)
	if err != nil {
		return fail(logging.NewOperationError("usecase.predict_skin", requestID, err))
	}
	entry.SkinConvention = skin.Convention.String()

	acne, err := s.predictor.Predict(ctx, s.models.Acne, upload.Pixels, s.cfg.AcneLabels)
	if err != nil {
		return fail(logging.NewOperationError("usecase.predict_acne", requestID, err))
	}
	entry.AcneConvention = acne.Convention.String()

	tone, err := s.tone.EstimateTone(ctx, upload.Path, s.cfg.ToneDatasetPath)
	if err != nil {
		return fail(logging.NewOperationError("usecase.estimate_tone", requestID, err))
	}

	record := &domain.DiagnosisRecord{
		Type: domain.PrimaryCategory(skin.Label),
		Tone: strconv.Itoa(tone),
		Acne: acne.Label,
	}
	entry.Success = true

	opLogger.Info("diagnosis complete",
		zap.String("skin_label", skin.Label),
		zap.String("acne_label", acne.Label),
		zap.Int("tone", tone))

	s.store(ctx, opLogger, upload.Hash, record)
	return record, nil
}

func requestIDFrom(ctx context.Context) string {
	if requestID, ok := logging.RequestIDFromContext(ctx); ok {
		return requestID
	}
	return uuid.NewString()
}

func (s *DiagnosisService) cached(ctx context.Context, opLogger *zap.Logger, imageHash string) (*domain.DiagnosisRecord, bool) {
	if s.cache == nil {
		return nil, false
	}

	raw, err := s.cache.Get(ctx, diagnosisCacheKey(imageHash))
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			opLogger.Warn("failed to read cache", zap.Error(err))
		}
		return nil, false
	}

	var record domain.DiagnosisRecord
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		opLogger.Warn("failed to decode cached diagnosis", zap.Error(err))
		return nil, false
	}
	opLogger.Debug("cache hit", zap.String("image_hash", imageHash))
	return &record, true
}

func (s *DiagnosisService) store(ctx context.Context, opLogger *zap.Logger, imageHash string, record *domain.DiagnosisRecord) {
	if s.cache == nil {
		return
	}

	serialized, err := json.Marshal(record)
	if err != nil {
		opLogger.Warn("failed to serialize diagnosis", zap.Error(err))
		return
	}
	if err := s.cache.Set(ctx, diagnosisCacheKey(imageHash), string(serialized), s.cfg.CacheTTL); err != nil {
		opLogger.Warn("failed to cache diagnosis", zap.Error(err))
	}
}

func (s *DiagnosisService) saveAudit(ctx context.Context, opLogger *zap.Logger, entry *repository.InferenceLog) {
	if s.audit == nil {
		return
	}
	if err := s.audit.SaveLog(ctx, entry); err != nil {
		opLogger.Warn("failed to persist inference log", zap.Error(err))
	}
}

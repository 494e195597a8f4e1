package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/example/skin-metrics/internal/collaborator"
	"github.com/example/skin-metrics/internal/domain"
	"github.com/example/skin-metrics/internal/logging"
)

// RecommendationComposer combines a diagnosis and feature flags into one recommendation.
type RecommendationComposer struct {
	essentials collaborator.EssentialsRecommender
	makeup     collaborator.MakeupRecommender
	logger     *zap.Logger
}

// NewRecommendationComposer constructs a composer over both recommenders.
func NewRecommendationComposer(essentials collaborator.EssentialsRecommender, makeup collaborator.MakeupRecommender, logger *zap.Logger) *RecommendationComposer {
	return &RecommendationComposer{
		essentials: essentials,
		makeup:     makeup,
		logger:     logger.Named("recommendation_usecase"),
	}
}

// Recommend buckets tone, coerces features in input order and merges both recommender outputs
// untouched. Either recommender failing fails the request.
func (c *RecommendationComposer) Recommend(ctx context.Context, tone int, skinType string, features domain.Features) (*domain.RecommendationResult, error) {
	requestID := requestIDFrom(ctx)
	opLogger := logging.WithOperation(c.logger, "usecase.recommend", requestID)

	vector, err := CoerceFeatures(features)
	if err != nil {
		return nil, logging.NewOperationError("usecase.coerce_features", requestID, err)
	}

	bucket := domain.BucketTone(tone)
	skinType = strings.ToLower(skinType)
	opLogger.Debug("composing recommendation",
		zap.String("tone_bucket", string(bucket)),
		zap.String("skin_type", skinType),
		zap.Ints("features", vector))

	general, err := c.essentials.Essentials(ctx, vector, nil)
	if err != nil {
		wrapped := logging.NewOperationError("usecase.essentials", requestID, err)
		opLogger.Error("essentials recommendation failed", zap.Error(wrapped))
		return nil, wrapped
	}

	makeup, err := c.makeup.Makeup(ctx, string(bucket), skinType)
	if err != nil {
		wrapped := logging.NewOperationError("usecase.makeup", requestID, err)
		opLogger.Error("makeup recommendation failed", zap.Error(wrapped))
		return nil, wrapped
	}

	return &domain.RecommendationResult{General: general, Makeup: makeup}, nil
}

// CoerceFeatures converts every feature value to an integer level, keeping input order.
func CoerceFeatures(features domain.Features) ([]int, error) {
	vector := make([]int, 0, len(features))
	for _, f := range features {
		level, err := CoerceLevel(f.Value)
		if err != nil {
			return nil, fmt.Errorf("%w: feature %q: %v", domain.ErrValidation, f.Name, err)
		}
		vector = append(vector, level)
	}
	return vector, nil
}

// CoerceLevel converts one JSON value to an integer. Integers pass through, fractional numbers
// truncate toward zero, numeric strings are parsed in base 10 and booleans map to 1 and 0.
func CoerceLevel(value any) (int, error) {
	switch v := value.(type) {
	case json.Number:
		if i, err := strconv.ParseInt(v.String(), 10, 0); err == nil {
			return int(i), nil
		}
		f, err := v.Float64()
		if err != nil {
			return 0, fmt.Errorf("%s is not a number", v)
		}
		return truncate(f)
	case float64:
		return truncate(v)
	case int:
		return v, nil
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(v), 10, 0)
		if err != nil {
			return 0, fmt.Errorf("%q is not an integer", v)
		}
		return int(i), nil
	case bool:
		if v {
			return 1, nil
		}
		return 0, nil
	case nil:
		return 0, fmt.Errorf("null is not an integer")
	default:
		return 0, fmt.Errorf("%T is not an integer", value)
	}
}

func truncate(f float64) (int, error) {
	t := math.Trunc(f)
	if math.IsNaN(t) || math.IsInf(t, 0) || t >= math.MaxInt || t < math.MinInt {
		return 0, fmt.Errorf("%v is out of range", f)
	}
	return int(t), nil
}

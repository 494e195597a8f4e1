package collaborator

import "context"

// ToneEstimator maps a staged face image to the integer tone scale using a reference dataset.
// It must be deterministic for a given image and dataset.
type ToneEstimator interface {
	EstimateTone(ctx context.Context, imagePath, datasetPath string) (int, error)
}

// EssentialsRecommender returns general product recommendations for a positional feature
// vector. The context argument may be nil.
type EssentialsRecommender interface {
	Essentials(ctx context.Context, features []int, recContext any) (any, error)
}

// MakeupRecommender returns makeup recommendations for a tone bucket and lower-cased skin type.
type MakeupRecommender interface {
	Makeup(ctx context.Context, toneBucket, skinType string) (any, error)
}

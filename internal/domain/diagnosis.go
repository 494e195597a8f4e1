package domain

import "strings"

// DiagnosisRecord is the result of one /upload call. All fields are strings on the wire.
type DiagnosisRecord struct {
	Type string `json:"type"`
	Tone string `json:"tone"`
	Acne string `json:"acne"`
}

// PrimaryCategory truncates a compound class name ("Oily_skin") to its first segment.
func PrimaryCategory(label string) string {
	if i := strings.IndexByte(label, '_'); i >= 0 {
		return label[:i]
	}
	return label
}

// ToneBucket is the coarse skin-tone category the makeup recommender understands.
type ToneBucket string

const (
	FairToLight   ToneBucket = "fair to light"
	LightToMedium ToneBucket = "light to medium"
	MediumToDark  ToneBucket = "medium to dark"
)

// BucketTone maps the integer tone scale onto its bucket: <=2, ==3, >=4.
func BucketTone(tone int) ToneBucket {
	switch {
	case tone <= 2:
		return FairToLight
	case tone == 3:
		return LightToMedium
	default:
		return MediumToDark
	}
}

// RecommendationResult merges both recommender payloads untouched.
type RecommendationResult struct {
	General any `json:"general"`
	Makeup  any `json:"makeup"`
}

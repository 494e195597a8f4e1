package inference

import (
	"context"
	"errors"
	"math"
	"testing"

	"go.uber.org/zap"

	"github.com/example/skin-metrics/internal/domain"
)

var (
	skinLabels = []string{"Dry_skin", "Normal_skin", "Oily_skin"}
	acneLabels = []string{"Low", "Moderate", "Severe"}
)

func TestDecodeOutputMultiClassArgmax(t *testing.T) {
	idx, err := DecodeOutput([]float32{0.1, 0.7, 0.2}, []string{"Dry", "Normal", "Oily"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if idx != 1 {
		t.Fatalf("expected Normal (1), got %d", idx)
	}
}

func TestDecodeOutputTiesGoToLowestIndex(t *testing.T) {
	idx, err := DecodeOutput([]float32{0.2, 0.4, 0.4}, acneLabels)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if idx != 1 {
		t.Fatalf("expected first maximum at 1, got %d", idx)
	}
}

func TestDecodeOutputSigmoidRoundsHalfToEven(t *testing.T) {
	labels := []string{"Low", "Moderate"}
	cases := []struct {
		score float32
		want  int
	}{
		{0.49, 0},
		{0.51, 1},
		{0.5, 0},
		{0.0, 0},
		{1.0, 1},
		{0.8, 1},
	}
	for _, tc := range cases {
		idx, err := DecodeOutput([]float32{tc.score}, labels)
		if err != nil {
			t.Fatalf("score %v: unexpected error: %v", tc.score, err)
		}
		if idx != tc.want {
			t.Fatalf("score %v: expected %d, got %d", tc.score, tc.want, idx)
		}
	}
}

func TestDecodeOutputSigmoidAgainstThreeLabels(t *testing.T) {
	idx, err := DecodeOutput([]float32{0.8}, acneLabels)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if acneLabels[idx] != "Moderate" {
		t.Fatalf("expected Moderate, got %s", acneLabels[idx])
	}

	idx, err = DecodeOutput([]float32{1.5}, acneLabels)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if idx != 2 {
		t.Fatalf("expected 1.5 to round to 2, got %d", idx)
	}
}

func TestDecodeOutputRejectsOutOfRangeAndNonFinite(t *testing.T) {
	labels := []string{"Low", "Moderate"}
	bad := [][]float32{
		{1.6},
		{-0.6},
		{float32(math.NaN())},
		{float32(math.Inf(1))},
		{0.1, float32(math.NaN()), 0.3},
		{},
		{0.1, 0.2, 0.7},
	}
	for _, row := range bad {
		if _, err := DecodeOutput(row, labels); !errors.Is(err, domain.ErrPrediction) {
			t.Fatalf("row %v: expected ErrPrediction, got %v", row, err)
		}
	}
}

func TestPredictHighLevel(t *testing.T) {
	m := &fakeModel{shape: DefaultInputShape(), rows: [][]float32{{0.1, 0.2, 0.7}}}
	h := NewPredictHandle("skin", m)

	got, err := NewPredictor(zap.NewNop()).Predict(context.Background(), h, NewPixelBuffer(InputSize, InputSize), skinLabels)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Label != "Oily_skin" || got.Convention != HighLevelPredict {
		t.Fatalf("unexpected prediction %+v", got)
	}
	if m.callCalls != 0 {
		t.Fatalf("raw call should not run, got %d calls", m.callCalls)
	}
}

func TestShapelessModelUsesDefaultInputShape(t *testing.T) {
	m := &fakeModel{rows: [][]float32{{0.1, 0.2, 0.7}}}
	h := NewRawHandle("skin", m)

	got := h.InputShape()
	want := DefaultInputShape()
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}

	_, err := NewPredictor(zap.NewNop()).Predict(context.Background(), NewPredictHandle("skin", m), NewPixelBuffer(32, 32), skinLabels)
	if !errors.Is(err, domain.ErrInvalidImage) {
		t.Fatalf("expected a wrong-size buffer to be rejected, got %v", err)
	}
}

func TestPredictFallsBackToRawCallPerRequest(t *testing.T) {
	m := &fakeModel{
		shape:      DefaultInputShape(),
		predictErr: errors.New("predict not supported"),
		outputs:    []Output{{Name: "dense", Shape: []int64{1, 3}, Values: []float32{0.9, 0.05, 0.05}}},
	}
	h := NewPredictHandle("acne", m)
	p := NewPredictor(zap.NewNop())

	for i := 0; i < 2; i++ {
		got, err := p.Predict(context.Background(), h, NewPixelBuffer(InputSize, InputSize), acneLabels)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got.Label != "Low" || got.Convention != RawTensorCall {
			t.Fatalf("unexpected prediction %+v", got)
		}
	}
	if h.Convention != HighLevelPredict {
		t.Fatal("fallback must not change the handle's convention")
	}
	if m.predictCalls != 2 || m.callCalls != 2 {
		t.Fatalf("expected predict then call on every request, got %d/%d", m.predictCalls, m.callCalls)
	}
}

func TestPredictRawUsesFirstDeclaredOutput(t *testing.T) {
	m := &fakeModel{
		shape: []int64{-1, InputSize, InputSize, Channels},
		outputs: []Output{
			{Name: "probabilities", Shape: []int64{1, 3}, Values: []float32{0.1, 0.1, 0.8}},
			{Name: "logits", Shape: []int64{1, 3}, Values: []float32{9, 0, 0}},
		},
	}
	h := NewRawHandle("skin", m)

	got, err := NewPredictor(zap.NewNop()).Predict(context.Background(), h, NewPixelBuffer(InputSize, InputSize), skinLabels)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Label != "Oily_skin" {
		t.Fatalf("expected first output to decide, got %+v", got)
	}
	if m.predictCalls != 0 {
		t.Fatal("raw handles never use predict")
	}
}

func TestPredictRawSigmoidOutput(t *testing.T) {
	m := &fakeModel{
		shape:   DefaultInputShape(),
		outputs: []Output{{Name: "score", Shape: []int64{1, 1}, Values: []float32{0.51}}},
	}
	got, err := NewPredictor(zap.NewNop()).Predict(context.Background(), NewRawHandle("acne", m), NewPixelBuffer(InputSize, InputSize), acneLabels)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Index != 1 {
		t.Fatalf("expected index 1, got %d", got.Index)
	}
}

func TestPredictShapeMismatchIsClientError(t *testing.T) {
	m := &fakeModel{shape: DefaultInputShape(), rows: [][]float32{{1, 0, 0}}}
	_, err := NewPredictor(zap.NewNop()).Predict(context.Background(), NewPredictHandle("skin", m), NewPixelBuffer(100, 100), skinLabels)
	if !errors.Is(err, domain.ErrInvalidImage) {
		t.Fatalf("expected ErrInvalidImage, got %v", err)
	}
	if m.predictCalls != 0 {
		t.Fatal("model should not run on a mismatched input")
	}
}

func TestPredictRawFailureIsPredictionError(t *testing.T) {
	m := &fakeModel{shape: DefaultInputShape(), callErr: errors.New("kernel crashed")}
	_, err := NewPredictor(zap.NewNop()).Predict(context.Background(), NewRawHandle("skin", m), NewPixelBuffer(InputSize, InputSize), skinLabels)
	if !errors.Is(err, domain.ErrPrediction) {
		t.Fatalf("expected ErrPrediction, got %v", err)
	}
}

func TestFirstRow(t *testing.T) {
	values := []float32{1, 2, 3, 4, 5, 6}
	if got := firstRow(values, []int64{2, 3}); len(got) != 3 || got[2] != 3 {
		t.Fatalf("unexpected first row %v", got)
	}
	if got := firstRow(values, []int64{6}); len(got) != 6 {
		t.Fatalf("rank-1 tensors are a single row, got %v", got)
	}
}

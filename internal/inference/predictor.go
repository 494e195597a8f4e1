package inference

import (
	"context"
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/example/skin-metrics/internal/domain"
)

// Prediction is the decoded output of one model call.
type Prediction struct {
	Label string
	Index int
	// Convention is how the scores were actually produced; a high-level handle that fell back
	// reports RawTensorCall.
	Convention CallingConvention
}

// Predictor runs a loaded handle and decodes its output into a class label.
type Predictor struct {
	logger *zap.Logger
}

// NewPredictor constructs a predictor.
func NewPredictor(logger *zap.Logger) *Predictor {
	return &Predictor{logger: logger.Named("predictor")}
}

// Predict checks the input shape, invokes the model through the handle's calling convention and
// maps the first output row onto labels.
func (p *Predictor) Predict(ctx context.Context, h *Handle, input PixelBuffer, labels []string) (Prediction, error) {
	if h == nil {
		return Prediction{}, errors.New("inference: nil model handle")
	}
	if err := input.CheckShape(h.inputShape); err != nil {
		return Prediction{}, err
	}

	row, used, err := p.scores(ctx, h, input)
	if err != nil {
		return Prediction{}, err
	}

	idx, err := DecodeOutput(row, labels)
	if err != nil {
		return Prediction{}, fmt.Errorf("%s: %w", h.Name, err)
	}
	return Prediction{Label: labels[idx], Index: idx, Convention: used}, nil
}

func (p *Predictor) scores(ctx context.Context, h *Handle, input PixelBuffer) ([]float32, CallingConvention, error) {
	if h.Convention == HighLevelPredict && h.predict != nil {
		rows, err := h.predict.Predict(ctx, input)
		if err == nil {
			if len(rows) == 0 {
				return nil, 0, fmt.Errorf("%s: %w: empty batch", h.Name, domain.ErrPrediction)
			}
			return rows[0], HighLevelPredict, nil
		}
		p.logger.Warn("predict failed, falling back to raw tensor call",
			zap.String("model", h.Name), zap.Error(err))
	}

	outputs, err := h.raw.Call(ctx, input)
	if err != nil {
		return nil, 0, fmt.Errorf("%s: %w: %v", h.Name, domain.ErrPrediction, err)
	}
	if len(outputs) == 0 {
		return nil, 0, fmt.Errorf("%s: %w: model returned no outputs", h.Name, domain.ErrPrediction)
	}
	first := outputs[0]
	return firstRow(first.Values, first.Shape), RawTensorCall, nil
}

// DecodeOutput maps one output row to a label index.
//
// A row with several values is a probability vector: the index of the largest value wins and
// ties go to the lowest index. A row with exactly one value is a sigmoid score: the index is the
// score rounded half to even, so 0.5 maps to 0 and 1.5 maps to 2. Non-finite values and indexes
// outside labels are domain.ErrPrediction.
func DecodeOutput(row []float32, labels []string) (int, error) {
	if len(row) == 0 {
		return 0, fmt.Errorf("%w: empty output", domain.ErrPrediction)
	}
	for i, v := range row {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return 0, fmt.Errorf("%w: non-finite score %v at %d", domain.ErrPrediction, v, i)
		}
	}

	var idx int
	if len(row) > 1 {
		idx = argmax(row)
	} else {
		rounded := math.RoundToEven(float64(row[0]))
		if rounded < 0 || rounded >= float64(len(labels)) {
			return 0, fmt.Errorf("%w: score %v rounds outside %d labels", domain.ErrPrediction, row[0], len(labels))
		}
		idx = int(rounded)
	}

	if idx < 0 || idx >= len(labels) {
		return 0, fmt.Errorf("%w: class index %d outside %d labels", domain.ErrPrediction, idx, len(labels))
	}
	return idx, nil
}

func argmax(row []float32) int {
	best := 0
	for i := 1; i < len(row); i++ {
		if row[i] > row[best] {
			best = i
		}
	}
	return best
}

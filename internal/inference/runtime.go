package inference

import (
	"context"
	"fmt"
	"io"
)

// CallingConvention records which API a model was loaded through, and therefore how it is invoked.
type CallingConvention int

const (
	HighLevelPredict CallingConvention = iota + 1
	RawTensorCall
)

func (c CallingConvention) String() string {
	switch c {
	case HighLevelPredict:
		return "high_level_predict"
	case RawTensorCall:
		return "raw_tensor_call"
	default:
		return fmt.Sprintf("calling_convention(%d)", int(c))
	}
}

// Output is one named tensor produced by a raw call.
type Output struct {
	Name   string
	Shape  []int64
	Values []float32
}

// TensorCaller invokes a model directly on a typed tensor. Outputs come back in the order the
// artifact declares them.
type TensorCaller interface {
	Call(ctx context.Context, input PixelBuffer) ([]Output, error)
}

// PredictModel is a model loaded through the high-level API. Predict returns one row of scores
// per batch entry. Call stays available for artifacts whose predict path fails at runtime.
type PredictModel interface {
	TensorCaller
	io.Closer
	Predict(ctx context.Context, input PixelBuffer) ([][]float32, error)
	InputShape() []int64
}

// RawModel is a model loaded through the low-level saved-model API.
type RawModel interface {
	TensorCaller
	io.Closer
	InputShape() []int64
}

// Runtime loads classifier artifacts through either API.
type Runtime interface {
	LoadModel(path string) (PredictModel, error)
	LoadSavedModel(path string) (RawModel, error)
}

// Handle is a loaded classifier. It is immutable and safe to share between requests.
type Handle struct {
	Name       string
	Convention CallingConvention

	inputShape []int64
	predict    PredictModel
	raw        TensorCaller
	closer     io.Closer
}

// NewPredictHandle wraps a model loaded through the high-level API.
func NewPredictHandle(name string, m PredictModel) *Handle {
	return &Handle{
		Name:       name,
		Convention: HighLevelPredict,
		inputShape: declaredShape(m.InputShape()),
		predict:    m,
		raw:        m,
		closer:     m,
	}
}

// NewRawHandle wraps a model loaded through the raw API.
func NewRawHandle(name string, m RawModel) *Handle {
	return &Handle{
		Name:       name,
		Convention: RawTensorCall,
		inputShape: declaredShape(m.InputShape()),
		raw:        m,
		closer:     m,
	}
}

// declaredShape substitutes DefaultInputShape for models that report no input shape.
func declaredShape(shape []int64) []int64 {
	if len(shape) == 0 {
		return DefaultInputShape()
	}
	return shape
}

// InputShape returns a copy of the model's declared input shape.
func (h *Handle) InputShape() []int64 {
	return append([]int64(nil), h.inputShape...)
}

// Close releases the underlying model.
func (h *Handle) Close() error {
	if h == nil || h.closer == nil {
		return nil
	}
	return h.closer.Close()
}

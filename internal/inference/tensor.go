package inference

import (
	"fmt"

	"github.com/example/skin-metrics/internal/domain"
)

// Input geometry shared by both classifiers.
const (
	InputSize = 224
	Channels  = 3
)

// PixelBuffer is a batch of one NHWC float image with channel values in [0,1].
type PixelBuffer struct {
	Shape []int64
	Data  []float32
}

// NewPixelBuffer allocates a zeroed (1,height,width,3) buffer.
func NewPixelBuffer(height, width int) PixelBuffer {
	return PixelBuffer{
		Shape: []int64{1, int64(height), int64(width), Channels},
		Data:  make([]float32, height*width*Channels),
	}
}

// DefaultInputShape is the declared input of both classifiers.
func DefaultInputShape() []int64 {
	return []int64{1, InputSize, InputSize, Channels}
}

// CheckShape verifies the buffer against a model's declared input shape. Dimensions declared
// as -1 are dynamic and accept any size. A mismatch is the caller's fault, not the model's.
func (p PixelBuffer) CheckShape(declared []int64) error {
	if int64(len(p.Data)) != elementCount(p.Shape) {
		return fmt.Errorf("%w: buffer holds %d values for shape %v", domain.ErrInvalidImage, len(p.Data), p.Shape)
	}
	if len(declared) == 0 {
		return nil
	}
	if len(declared) != len(p.Shape) {
		return fmt.Errorf("%w: input shape %v does not match model shape %v", domain.ErrInvalidImage, p.Shape, declared)
	}
	for i, dim := range declared {
		if dim >= 0 && dim != p.Shape[i] {
			return fmt.Errorf("%w: input shape %v does not match model shape %v", domain.ErrInvalidImage, p.Shape, declared)
		}
	}
	return nil
}

func elementCount(shape []int64) int64 {
	if len(shape) == 0 {
		return 0
	}
	n := int64(1)
	for _, dim := range shape {
		n *= dim
	}
	return n
}

// firstRow returns the values of batch entry zero of a flattened tensor.
func firstRow(values []float32, shape []int64) []float32 {
	if len(shape) < 2 {
		return values
	}
	rowLen := elementCount(shape[1:])
	if rowLen <= 0 || rowLen > int64(len(values)) {
		return values
	}
	return values[:rowLen]
}

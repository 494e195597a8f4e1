package domain

import "errors"

// Client-data errors raised while ingesting an upload.
var (
	ErrMalformedPayload  = errors.New("malformed payload")
	ErrUnsupportedFormat = errors.New("unsupported image format, please upload a JPEG or PNG image")
	ErrCorruptData       = errors.New("corrupt image data")
	ErrInvalidImage      = errors.New("uploaded file is not a valid JPEG or PNG image")
)

// Model and request errors.
var (
	ErrPrediction = errors.New("prediction error")
	ErrModelLoad  = errors.New("model load failed")
	ErrValidation = errors.New("validation error")
)

// DiagnosisError wraps whichever step of a diagnosis failed first.
type DiagnosisError struct {
	Cause error
}

func (e *DiagnosisError) Error() string {
	if e == nil || e.Cause == nil {
		return "diagnosis failed"
	}
	return "diagnosis failed: " + e.Cause.Error()
}

func (e *DiagnosisError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Kind returns a short stable name for the taxonomy entry err belongs to.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrMalformedPayload):
		return "malformed_payload"
	case errors.Is(err, ErrUnsupportedFormat):
		return "unsupported_format"
	case errors.Is(err, ErrCorruptData):
		return "corrupt_data"
	case errors.Is(err, ErrInvalidImage):
		return "invalid_image"
	case errors.Is(err, ErrPrediction):
		return "prediction"
	case errors.Is(err, ErrModelLoad):
		return "model_load"
	case errors.Is(err, ErrValidation):
		return "validation"
	default:
		return "internal"
	}
}

// IsClientError reports whether err was caused by the caller's input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrMalformedPayload) ||
		errors.Is(err, ErrUnsupportedFormat) ||
		errors.Is(err, ErrCorruptData) ||
		errors.Is(err, ErrInvalidImage) ||
		errors.Is(err, ErrValidation)
}

package imageingest

import (
	"crypto/sha1"
	"encoding/hex"

	"go.uber.org/zap"

	"github.com/example/skin-metrics/internal/inference"
	"github.com/example/skin-metrics/internal/logging"
)

// Upload is an ingested image: staged on disk and converted to model input.
type Upload struct {
	Path   string
	Pixels inference.PixelBuffer
	// Hash is the hex SHA-1 of the decoded image bytes.
	Hash   string
	Format string

	release func()
}

// Release frees the staging slot. Safe to call more than once.
func (u *Upload) Release() {
	if u != nil && u.release != nil {
		u.release()
	}
}

// Ingestor turns data-URI payloads into staged uploads.
type Ingestor struct {
	stager    *Stager
	logger    *zap.Logger
	maxPixels int64
}

// Option customizes an Ingestor.
type Option func(*Ingestor)

// WithMaxPixels overrides DefaultMaxPixels. Zero or less disables the cap.
func WithMaxPixels(n int64) Option {
	return func(i *Ingestor) {
		i.maxPixels = n
	}
}

// NewIngestor constructs an ingestor writing through stager.
func NewIngestor(stager *Stager, logger *zap.Logger, opts ...Option) *Ingestor {
	i := &Ingestor{stager: stager, logger: logger.Named("imageingest"), maxPixels: DefaultMaxPixels}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Decode validates a payload and returns the model input without touching disk.
func (i *Ingestor) Decode(payload string) (inference.PixelBuffer, error) {
	parsed, err := ParsePayloadLimit(payload, i.maxPixels)
	if err != nil {
		return inference.PixelBuffer{}, logging.NewOperationError("imageingest.decode", "", err)
	}
	return ToPixelBuffer(parsed.Image), nil
}

// Ingest validates a payload, stages the image and builds the model input. The caller owns the
// returned upload and must Release it.
func (i *Ingestor) Ingest(requestID, payload string) (*Upload, error) {
	opLogger := logging.WithOperation(i.logger, "imageingest.ingest", requestID)

	parsed, err := ParsePayloadLimit(payload, i.maxPixels)
	if err != nil {
		wrapped := logging.NewOperationError("imageingest.decode", requestID, err)
		opLogger.Warn("rejected upload", zap.Error(wrapped))
		return nil, wrapped
	}

	path, release, err := i.stager.Stage(parsed.Image)
	if err != nil {
		wrapped := logging.NewOperationError("imageingest.stage", requestID, err)
		opLogger.Error("failed to stage image", zap.Error(wrapped))
		return nil, wrapped
	}

	sum := sha1.Sum(parsed.Bytes)
	upload := &Upload{
		Path:    path,
		Pixels:  ToPixelBuffer(parsed.Image),
		Hash:    hex.EncodeToString(sum[:]),
		Format:  parsed.Format,
		release: release,
	}

	b := parsed.Image.Bounds()
	opLogger.Debug("image staged",
		zap.String("path", path),
		zap.String("format", parsed.Format),
		zap.Int("width", b.Dx()),
		zap.Int("height", b.Dy()))
	return upload, nil
}

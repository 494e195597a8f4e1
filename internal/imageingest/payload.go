package imageingest

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"strings"

	"github.com/example/skin-metrics/internal/domain"
)

// DefaultMaxPixels caps width*height of an upload before its pixels are decoded.
const DefaultMaxPixels int64 = 25_000_000

// Accepted data-URI prefixes. The match is case-sensitive.
var acceptedPrefixes = []string{"data:image/jpeg", "data:image/png"}

// Parsed is a validated upload.
type Parsed struct {
	Image  image.Image
	Bytes  []byte
	Format string
}

// ParsePayload is ParsePayloadLimit with DefaultMaxPixels.
func ParsePayload(payload string) (*Parsed, error) {
	return ParsePayloadLimit(payload, DefaultMaxPixels)
}

// ParsePayloadLimit splits a "<prefix>,<base64 body>" payload, checks the declared MIME type,
// repairs missing base64 padding and decodes the image after an integrity check. Images whose
// header declares more than maxPixels pixels are rejected before decoding; maxPixels <= 0
// disables the cap.
func ParsePayloadLimit(payload string, maxPixels int64) (*Parsed, error) {
	prefix, body, ok := strings.Cut(payload, ",")
	if !ok {
		return nil, fmt.Errorf("%w: expected \"<prefix>,<base64 body>\"", domain.ErrMalformedPayload)
	}

	if !hasAcceptedPrefix(prefix) {
		return nil, domain.ErrUnsupportedFormat
	}

	raw, err := base64.StdEncoding.DecodeString(PadBase64(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrCorruptData, err)
	}

	img, format, err := decodeVerified(raw, maxPixels)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidImage, err)
	}
	return &Parsed{Image: img, Bytes: raw, Format: format}, nil
}

func hasAcceptedPrefix(prefix string) bool {
	for _, accepted := range acceptedPrefixes {
		if strings.HasPrefix(prefix, accepted) {
			return true
		}
	}
	return false
}

// PadBase64 appends '=' until the length is a multiple of four. Already padded input is
// returned unchanged.
func PadBase64(body string) string {
	if rem := len(body) % 4; rem != 0 {
		body += strings.Repeat("=", 4-rem)
	}
	return body
}

// decodeVerified reads the header first and then decodes the whole stream from a fresh reader,
// so a truncated body fails here instead of inside a model.
func decodeVerified(raw []byte, maxPixels int64) (image.Image, string, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(raw))
	if err != nil {
		return nil, "", err
	}
	if format != "jpeg" && format != "png" {
		return nil, "", fmt.Errorf("%s is not a JPEG or PNG stream", format)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, "", fmt.Errorf("image has no pixels (%dx%d)", cfg.Width, cfg.Height)
	}
	if maxPixels > 0 && int64(cfg.Width)*int64(cfg.Height) > maxPixels {
		return nil, "", fmt.Errorf("image is %dx%d, above the %d pixel limit", cfg.Width, cfg.Height, maxPixels)
	}

	img, decodedFormat, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, "", err
	}
	if decodedFormat != format {
		return nil, "", fmt.Errorf("format changed between reads: %s then %s", format, decodedFormat)
	}
	if b := img.Bounds(); b.Dx() != cfg.Width || b.Dy() != cfg.Height {
		return nil, "", fmt.Errorf("header says %dx%d, pixels are %dx%d", cfg.Width, cfg.Height, b.Dx(), b.Dy())
	}
	return img, format, nil
}

package imageingest

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"image"
	"image/color"
	"image/gif"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/example/skin-metrics/internal/domain"
	"github.com/example/skin-metrics/internal/inference"
)

func solidImage(w, h int, c color.Color) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func jpegDataURI(t *testing.T, img image.Image) string {
	t.Helper()
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 95}); err != nil {
		t.Fatalf("failed to encode jpeg: %v", err)
	}
	return "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(buf.Bytes())
}

func pngDataURI(t *testing.T, img image.Image) string {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("failed to encode png: %v", err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes())
}

func TestParsePayloadAcceptsJPEGAndPNG(t *testing.T) {
	red := solidImage(10, 10, color.RGBA{R: 255, A: 255})
	for name, payload := range map[string]string{
		"jpeg": jpegDataURI(t, red),
		"png":  pngDataURI(t, red),
	} {
		parsed, err := ParsePayload(payload)
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", name, err)
		}
		if parsed.Format != name {
			t.Fatalf("expected format %s, got %s", name, parsed.Format)
		}
		if b := parsed.Image.Bounds(); b.Dx() != 10 || b.Dy() != 10 {
			t.Fatalf("%s: unexpected bounds %v", name, b)
		}
	}
}

func TestParsePayloadMissingSeparator(t *testing.T) {
	_, err := ParsePayload("data:image/png;base64")
	if !errors.Is(err, domain.ErrMalformedPayload) {
		t.Fatalf("expected ErrMalformedPayload, got %v", err)
	}
}

func TestParsePayloadUnsupportedPrefix(t *testing.T) {
	for _, prefix := range []string{"data:image/gif;base64", "data:text/plain", "DATA:IMAGE/PNG;base64", ""} {
		_, err := ParsePayload(prefix + ",AAAA")
		if !errors.Is(err, domain.ErrUnsupportedFormat) {
			t.Fatalf("prefix %q: expected ErrUnsupportedFormat, got %v", prefix, err)
		}
	}
}

func TestParsePayloadCorruptBase64(t *testing.T) {
	_, err := ParsePayload("data:image/png;base64,@@@@")
	if !errors.Is(err, domain.ErrCorruptData) {
		t.Fatalf("expected ErrCorruptData, got %v", err)
	}
}

func TestParsePayloadInvalidImage(t *testing.T) {
	notAnImage := base64.StdEncoding.EncodeToString([]byte("definitely not pixels"))
	_, err := ParsePayload("data:image/png;base64," + notAnImage)
	if !errors.Is(err, domain.ErrInvalidImage) {
		t.Fatalf("expected ErrInvalidImage, got %v", err)
	}
}

func TestParsePayloadTruncatedImage(t *testing.T) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, solidImage(32, 32, color.RGBA{G: 200, A: 255})); err != nil {
		t.Fatalf("failed to encode png: %v", err)
	}
	truncated := buf.Bytes()[:buf.Len()/2]
	_, err := ParsePayload("data:image/png;base64," + base64.StdEncoding.EncodeToString(truncated))
	if !errors.Is(err, domain.ErrInvalidImage) {
		t.Fatalf("expected ErrInvalidImage, got %v", err)
	}
}

// pngHeaderDataURI returns a PNG that carries only a signature and an IHDR chunk declaring
// w x h 8-bit grayscale pixels.
func pngHeaderDataURI(w, h uint32) string {
	ihdr := make([]byte, 13)
	binary.BigEndian.PutUint32(ihdr[0:4], w)
	binary.BigEndian.PutUint32(ihdr[4:8], h)
	ihdr[8] = 8

	var buf bytes.Buffer
	buf.WriteString("\x89PNG\r\n\x1a\n")
	var length [4]byte
	binary.BigEndian.PutUint32(length[:], uint32(len(ihdr)))
	buf.Write(length[:])
	chunk := append([]byte("IHDR"), ihdr...)
	buf.Write(chunk)
	var crc [4]byte
	binary.BigEndian.PutUint32(crc[:], crc32.ChecksumIEEE(chunk))
	buf.Write(crc[:])
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes())
}

func TestParsePayloadRejectsOversizedDimensions(t *testing.T) {
	_, err := ParsePayload(pngHeaderDataURI(12000, 12000))
	if !errors.Is(err, domain.ErrInvalidImage) {
		t.Fatalf("expected ErrInvalidImage, got %v", err)
	}
	if !strings.Contains(err.Error(), "pixel limit") {
		t.Fatalf("expected the pixel limit to be named, got %v", err)
	}
}

func TestParsePayloadLimitBoundary(t *testing.T) {
	payload := pngDataURI(t, solidImage(10, 10, color.White))
	if _, err := ParsePayloadLimit(payload, 100); err != nil {
		t.Fatalf("expected an image at the limit to pass, got %v", err)
	}
	if _, err := ParsePayloadLimit(payload, 99); !errors.Is(err, domain.ErrInvalidImage) {
		t.Fatalf("expected ErrInvalidImage above the limit, got %v", err)
	}
	if _, err := ParsePayloadLimit(payload, 0); err != nil {
		t.Fatalf("expected a zero limit to disable the cap, got %v", err)
	}
}

func TestIngestorAppliesConfiguredPixelLimit(t *testing.T) {
	dir := t.TempDir()
	stager, err := NewStager(dir, "image.png", ModeUnique, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ing := NewIngestor(stager, zap.NewNop(), WithMaxPixels(50))
	payload := jpegDataURI(t, solidImage(10, 10, color.RGBA{R: 255, A: 255}))

	if _, err := ing.Ingest("req", payload); !errors.Is(err, domain.ErrInvalidImage) {
		t.Fatalf("expected ErrInvalidImage from Ingest, got %v", err)
	}
	if _, err := ing.Decode(payload); !errors.Is(err, domain.ErrInvalidImage) {
		t.Fatalf("expected ErrInvalidImage from Decode, got %v", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("failed to list staging dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("rejected upload must not be staged, found %d files", len(entries))
	}
}

func TestParsePayloadRejectsGIFBytesBehindPNGPrefix(t *testing.T) {
	var buf bytes.Buffer
	if err := gif.Encode(&buf, solidImage(4, 4, color.White), nil); err != nil {
		t.Fatalf("failed to encode gif: %v", err)
	}
	_, err := ParsePayload("data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()))
	if !errors.Is(err, domain.ErrInvalidImage) {
		t.Fatalf("expected ErrInvalidImage, got %v", err)
	}
}

func TestPadBase64IsIdempotent(t *testing.T) {
	for _, raw := range [][]byte{[]byte("a"), []byte("ab"), []byte("abc"), []byte("abcd")} {
		padded := base64.StdEncoding.EncodeToString(raw)
		stripped := strings.TrimRight(padded, "=")
		if PadBase64(stripped) != padded {
			t.Fatalf("%q: expected %q, got %q", raw, padded, PadBase64(stripped))
		}
		if PadBase64(padded) != padded {
			t.Fatalf("%q: padding an already padded body changed it", raw)
		}
	}
}

func TestParsePayloadToleratesStrippedPadding(t *testing.T) {
	full := pngDataURI(t, solidImage(3, 5, color.RGBA{B: 255, A: 255}))
	stripped := strings.TrimRight(full, "=")

	want, err := ParsePayload(full)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, err := ParsePayload(stripped)
	if err != nil {
		t.Fatalf("unexpected error on stripped payload: %v", err)
	}
	if !bytes.Equal(want.Bytes, got.Bytes) {
		t.Fatal("stripped and padded payloads decoded differently")
	}
}

func TestToPixelBufferShapeAndRange(t *testing.T) {
	buf := ToPixelBuffer(solidImage(10, 10, color.RGBA{R: 255, A: 255}))

	want := []int64{1, inference.InputSize, inference.InputSize, inference.Channels}
	for i := range want {
		if buf.Shape[i] != want[i] {
			t.Fatalf("expected shape %v, got %v", want, buf.Shape)
		}
	}
	if len(buf.Data) != inference.InputSize*inference.InputSize*inference.Channels {
		t.Fatalf("unexpected data length %d", len(buf.Data))
	}
	for i, v := range buf.Data {
		if v < 0 || v > 1 {
			t.Fatalf("value %v at %d outside [0,1]", v, i)
		}
	}
	if buf.Data[0] != 1 || buf.Data[1] != 0 || buf.Data[2] != 0 {
		t.Fatalf("expected pure red first pixel, got %v", buf.Data[:3])
	}
	if err := buf.CheckShape(inference.DefaultInputShape()); err != nil {
		t.Fatalf("buffer does not match model input: %v", err)
	}
}

func TestToPixelBufferDropsAlpha(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 2, 2))
	for i := range img.Pix {
		img.Pix[i] = 255
	}
	for i := 3; i < len(img.Pix); i += 4 {
		img.Pix[i] = 0
	}
	buf := ToPixelBuffer(img)
	if buf.Data[0] != 1 {
		t.Fatalf("expected unpremultiplied channel value 1, got %v", buf.Data[0])
	}
}

func TestIngestUniqueModeStagesPerRequest(t *testing.T) {
	dir := t.TempDir()
	stager, err := NewStager(dir, "image.png", ModeUnique, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ing := NewIngestor(stager, zap.NewNop())
	payload := jpegDataURI(t, solidImage(10, 10, color.RGBA{R: 255, A: 255}))

	first, err := ing.Ingest("req-1", payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer first.Release()
	second, err := ing.Ingest("req-2", payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer second.Release()

	if first.Path == second.Path {
		t.Fatal("expected distinct staging paths in unique mode")
	}
	if first.Hash != second.Hash || len(first.Hash) != 40 {
		t.Fatalf("expected equal sha1 hashes, got %q and %q", first.Hash, second.Hash)
	}
	for _, p := range []string{first.Path, second.Path} {
		f, err := os.Open(p)
		if err != nil {
			t.Fatalf("staged file missing: %v", err)
		}
		_, format, err := image.DecodeConfig(f)
		f.Close()
		if err != nil || format != "png" {
			t.Fatalf("staged file is not a png: %v %s", err, format)
		}
	}
}

func TestIngestCleanupRemovesFileOnRelease(t *testing.T) {
	stager, err := NewStager(t.TempDir(), "", ModeUnique, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	upload, err := NewIngestor(stager, zap.NewNop()).Ingest("req", pngDataURI(t, solidImage(4, 4, color.Black)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	upload.Release()
	upload.Release()
	if _, err := os.Stat(upload.Path); !os.IsNotExist(err) {
		t.Fatalf("expected staged file to be removed, stat err=%v", err)
	}
}

func TestIngestSharedModeSerialisesCanonicalSlot(t *testing.T) {
	dir := t.TempDir()
	stager, err := NewStager(dir, "image.png", ModeShared, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ing := NewIngestor(stager, zap.NewNop())
	payload := pngDataURI(t, solidImage(4, 4, color.White))

	first, err := ing.Ingest("req-1", payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.Path != filepath.Join(dir, "image.png") {
		t.Fatalf("expected canonical path, got %s", first.Path)
	}

	var wg sync.WaitGroup
	acquired := make(chan *Upload, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		second, err := ing.Ingest("req-2", payload)
		if err != nil {
			t.Errorf("unexpected error: %v", err)
			return
		}
		acquired <- second
	}()

	select {
	case <-acquired:
		t.Fatal("second upload staged while the slot was held")
	case <-time.After(50 * time.Millisecond):
	}

	first.Release()
	wg.Wait()

	var second *Upload
	select {
	case second = <-acquired:
	default:
		t.Fatal("second upload never staged")
	}
	second.Release()

	if _, err := os.Stat(second.Path); err != nil {
		t.Fatalf("shared mode keeps the canonical file, stat err=%v", err)
	}
}

func TestIngestFailureReleasesNothing(t *testing.T) {
	stager, err := NewStager(t.TempDir(), "image.png", ModeShared, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ing := NewIngestor(stager, zap.NewNop())
	if _, err := ing.Ingest("bad", "no separator"); !errors.Is(err, domain.ErrMalformedPayload) {
		t.Fatalf("expected ErrMalformedPayload, got %v", err)
	}
	upload, err := ing.Ingest("good", pngDataURI(t, solidImage(2, 2, color.White)))
	if err != nil {
		t.Fatalf("a rejected payload must not hold the slot: %v", err)
	}
	upload.Release()
}

func TestNewStagerRejectsUnknownMode(t *testing.T) {
	if _, err := NewStager(t.TempDir(), "", Mode("queue"), false); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}

func TestNewStagerDefaultsToUniqueMode(t *testing.T) {
	stager, err := NewStager(t.TempDir(), "", "", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stager.Mode() != ModeUnique {
		t.Fatalf("expected unique mode, got %q", stager.Mode())
	}
}

func TestDecodeDoesNotStage(t *testing.T) {
	dir := t.TempDir()
	stager, err := NewStager(dir, "image.png", ModeShared, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	buf, err := NewIngestor(stager, zap.NewNop()).Decode(jpegDataURI(t, solidImage(10, 10, color.RGBA{R: 255, A: 255})))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(buf.Data) == 0 {
		t.Fatal("expected pixel data")
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Fatalf("Decode wrote %d files", len(entries))
	}
}

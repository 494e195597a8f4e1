package imageingest

import (
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
)

// Mode selects how uploads share the static directory.
type Mode string

const (
	// ModeUnique stages every request under its own file name.
	ModeUnique Mode = "unique"
	// ModeShared stages every request to one canonical file and serialises diagnoses around it.
	ModeShared Mode = "shared"
)

// Stager writes decoded uploads to the static directory for collaborators that read by path.
type Stager struct {
	dir       string
	canonical string
	mode      Mode
	cleanup   bool

	slot sync.Mutex
}

// NewStager creates the static directory if needed.
func NewStager(dir, canonical string, mode Mode, cleanup bool) (*Stager, error) {
	switch mode {
	case ModeUnique, ModeShared:
	case "":
		mode = ModeUnique
	default:
		return nil, fmt.Errorf("unknown staging mode %q", mode)
	}
	if canonical == "" {
		canonical = "image.png"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create static directory: %w", err)
	}
	return &Stager{dir: dir, canonical: canonical, mode: mode, cleanup: cleanup}, nil
}

// Mode reports the configured staging mode.
func (s *Stager) Mode() Mode {
	return s.mode
}

// Stage writes img as PNG and returns its path plus a release func the caller must invoke once
// every reader of the path is done. In shared mode the canonical slot stays locked until release.
// Unique mode names each file with a fresh UUID.
func (s *Stager) Stage(img image.Image) (string, func(), error) {
	name := s.canonical
	if s.mode == ModeShared {
		s.slot.Lock()
	} else {
		name = uuid.NewString() + ".png"
	}
	path := filepath.Join(s.dir, name)

	var once sync.Once
	release := func() {
		once.Do(func() {
			if s.cleanup && s.mode == ModeUnique {
				_ = os.Remove(path)
			}
			if s.mode == ModeShared {
				s.slot.Unlock()
			}
		})
	}

	if err := writePNG(path, img); err != nil {
		release()
		return "", nil, err
	}
	return path, release, nil
}

func writePNG(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return fmt.Errorf("failed to encode %s: %w", path, err)
	}
	return f.Close()
}

package inference

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/example/skin-metrics/internal/domain"
	"github.com/example/skin-metrics/internal/logging"
)

// Artifact names a classifier and where its files live. Labels is the configured label set;
// when the model declares its own classes the counts must agree.
type Artifact struct {
	Name   string
	Path   string
	Labels []string
}

// ErrClassMismatch marks a model whose declared classes disagree with the configured labels.
var ErrClassMismatch = errors.New("model classes do not match configured labels")

// classLister is implemented by models that declare their output classes.
type classLister interface {
	Classes() []string
}

// Models holds both classifiers for the lifetime of the process.
type Models struct {
	Skin *Handle
	Acne *Handle
}

// Convention reports the calling convention shared by both handles.
func (m *Models) Convention() CallingConvention {
	if m == nil || m.Skin == nil {
		return 0
	}
	return m.Skin.Convention
}

// Close releases both handles.
func (m *Models) Close() error {
	if m == nil {
		return nil
	}
	return errors.Join(m.Skin.Close(), m.Acne.Close())
}

// Loader loads the two classifiers, falling back from the high-level API to the raw API.
type Loader struct {
	runtime Runtime
	logger  *zap.Logger
}

// NewLoader constructs a loader on top of a runtime.
func NewLoader(runtime Runtime, logger *zap.Logger) *Loader {
	return &Loader{runtime: runtime, logger: logger.Named("model_loader")}
}

// LoadAll loads skin and acne through the high-level API. If either fails, everything loaded so
// far is released and both are loaded again through the raw API. A tier never mixes with the
// other: the returned handles always share one calling convention. Failure of the raw tier is
// fatal and reported as domain.ErrModelLoad.
func (l *Loader) LoadAll(skin, acne Artifact) (*Models, error) {
	artifacts := []Artifact{skin, acne}

	handles, tier1Err := l.loadTier(artifacts, HighLevelPredict)
	if tier1Err == nil {
		return &Models{Skin: handles[0], Acne: handles[1]}, nil
	}
	if errors.Is(tier1Err, ErrClassMismatch) {
		l.logger.Error("model classes disagree with configured labels", zap.Error(tier1Err))
		return nil, logging.NewOperationError("inference.load_all", "",
			fmt.Errorf("%w: %w", domain.ErrModelLoad, tier1Err))
	}
	l.logger.Warn("high-level model load failed, trying raw saved-model load", zap.Error(tier1Err))

	handles, tier2Err := l.loadTier(artifacts, RawTensorCall)
	if tier2Err == nil {
		return &Models{Skin: handles[0], Acne: handles[1]}, nil
	}
	l.logger.Error("raw saved-model load failed", zap.Error(tier2Err))

	return nil, logging.NewOperationError("inference.load_all", "",
		fmt.Errorf("%w: %w", domain.ErrModelLoad, errors.Join(tier1Err, tier2Err)))
}

func (l *Loader) loadTier(artifacts []Artifact, convention CallingConvention) ([]*Handle, error) {
	handles := make([]*Handle, 0, len(artifacts))
	for _, artifact := range artifacts {
		h, err := l.load(artifact, convention)
		if err != nil {
			for _, loaded := range handles {
				if cerr := loaded.Close(); cerr != nil {
					l.logger.Warn("failed to release model", zap.String("model", loaded.Name), zap.Error(cerr))
				}
			}
			return nil, fmt.Errorf("%s %s (%s): %w", convention, artifact.Name, artifact.Path, err)
		}
		l.logger.Info("model loaded",
			zap.String("model", artifact.Name),
			zap.String("path", artifact.Path),
			zap.Stringer("convention", convention),
			zap.Int64s("input_shape", h.inputShape))
		handles = append(handles, h)
	}
	return handles, nil
}

func (l *Loader) load(artifact Artifact, convention CallingConvention) (*Handle, error) {
	if convention == HighLevelPredict {
		m, err := l.runtime.LoadModel(artifact.Path)
		if err != nil {
			return nil, err
		}
		if err := checkClasses(artifact, m); err != nil {
			if cerr := m.Close(); cerr != nil {
				l.logger.Warn("failed to release model", zap.String("model", artifact.Name), zap.Error(cerr))
			}
			return nil, err
		}
		return NewPredictHandle(artifact.Name, m), nil
	}

	m, err := l.runtime.LoadSavedModel(artifact.Path)
	if err != nil {
		return nil, err
	}
	return NewRawHandle(artifact.Name, m), nil
}

func checkClasses(artifact Artifact, m PredictModel) error {
	lister, ok := m.(classLister)
	if !ok || len(artifact.Labels) == 0 {
		return nil
	}
	classes := lister.Classes()
	if len(classes) == 0 || len(classes) == len(artifact.Labels) {
		return nil
	}
	return fmt.Errorf("%w: model declares %d classes %v, %d labels configured",
		ErrClassMismatch, len(classes), classes, len(artifact.Labels))
}

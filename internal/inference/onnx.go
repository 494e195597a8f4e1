package inference

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// Metadata is the sidecar written next to an exported model. Its presence is what makes an
// artifact loadable through the high-level API: it pins tensor names and shapes so the session
// can run on preallocated tensors.
type Metadata struct {
	InputName   string   `json:"input_name"`
	OutputName  string   `json:"output_name"`
	InputShape  []int64  `json:"input_shape"`
	OutputShape []int64  `json:"output_shape"`
	Classes     []string `json:"classes"`
}

// MetadataPath returns the sidecar location for a model file: same path, .json extension.
func MetadataPath(modelPath string) string {
	return strings.TrimSuffix(modelPath, filepath.Ext(modelPath)) + ".json"
}

// LoadMetadata reads and validates a model sidecar.
func LoadMetadata(path string) (Metadata, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Metadata{}, fmt.Errorf("failed to read metadata: %w", err)
	}

	var meta Metadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return Metadata{}, fmt.Errorf("failed to parse metadata: %w", err)
	}
	if meta.InputName == "" || meta.OutputName == "" {
		return Metadata{}, errors.New("metadata must name the input and output tensors")
	}
	if len(meta.InputShape) == 0 || len(meta.OutputShape) == 0 {
		return Metadata{}, errors.New("metadata must declare input and output shapes")
	}
	for _, dims := range [][]int64{meta.InputShape, meta.OutputShape} {
		for _, d := range dims {
			if d <= 0 {
				return Metadata{}, fmt.Errorf("metadata shape %v must be fully static", dims)
			}
		}
	}
	return meta, nil
}

// ORTRuntime loads ONNX classifiers through onnxruntime.
type ORTRuntime struct {
	intraOpThreads int
}

// NewORTRuntime initializes the onnxruntime environment. libraryPath may be empty to use the
// platform default shared library.
func NewORTRuntime(libraryPath string, intraOpThreads int) (*ORTRuntime, error) {
	if libraryPath != "" {
		ort.SetSharedLibraryPath(libraryPath)
	}
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("failed to initialize ONNX environment: %w", err)
		}
	}
	return &ORTRuntime{intraOpThreads: intraOpThreads}, nil
}

// Close tears down the onnxruntime environment. Handles must be closed first.
func (r *ORTRuntime) Close() error {
	return ort.DestroyEnvironment()
}

func (r *ORTRuntime) sessionOptions() (*ort.SessionOptions, error) {
	if r.intraOpThreads <= 0 {
		return nil, nil
	}
	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("failed to create session options: %w", err)
	}
	if err := opts.SetIntraOpNumThreads(r.intraOpThreads); err != nil {
		opts.Destroy()
		return nil, fmt.Errorf("failed to set intra-op threads: %w", err)
	}
	return opts, nil
}

// LoadModel opens a model through its metadata sidecar with fixed, preallocated tensors.
func (r *ORTRuntime) LoadModel(path string) (PredictModel, error) {
	meta, err := LoadMetadata(MetadataPath(path))
	if err != nil {
		return nil, err
	}

	input, err := ort.NewEmptyTensor[float32](ort.NewShape(meta.InputShape...))
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	output, err := ort.NewEmptyTensor[float32](ort.NewShape(meta.OutputShape...))
	if err != nil {
		input.Destroy()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}

	opts, err := r.sessionOptions()
	if err != nil {
		input.Destroy()
		output.Destroy()
		return nil, err
	}
	if opts != nil {
		defer opts.Destroy()
	}

	session, err := ort.NewAdvancedSession(path,
		[]string{meta.InputName}, []string{meta.OutputName},
		[]ort.ArbitraryTensor{input}, []ort.ArbitraryTensor{output},
		opts)
	if err != nil {
		input.Destroy()
		output.Destroy()
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	return &ortModel{runtime: r, path: path, meta: meta, session: session, input: input, output: output}, nil
}

// LoadSavedModel opens a model by introspecting its graph. Every declared output is fetched, in
// declaration order.
func (r *ORTRuntime) LoadSavedModel(path string) (RawModel, error) {
	inputs, outputs, err := ort.GetInputOutputInfo(path)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect model: %w", err)
	}
	if len(inputs) != 1 {
		return nil, fmt.Errorf("expected exactly one model input, found %d", len(inputs))
	}
	if len(outputs) == 0 {
		return nil, errors.New("model declares no outputs")
	}

	outputNames := make([]string, len(outputs))
	outputShapes := make([][]int64, len(outputs))
	for i, info := range outputs {
		outputNames[i] = info.Name
		outputShapes[i] = concreteShape(info.Dimensions)
	}

	opts, err := r.sessionOptions()
	if err != nil {
		return nil, err
	}
	if opts != nil {
		defer opts.Destroy()
	}

	session, err := ort.NewDynamicAdvancedSession(path, []string{inputs[0].Name}, outputNames, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	return &ortRawModel{
		session:      session,
		inputShape:   []int64(inputs[0].Dimensions),
		outputNames:  outputNames,
		outputShapes: outputShapes,
	}, nil
}

// concreteShape replaces dynamic dimensions with 1; requests are never batched.
func concreteShape(dims ort.Shape) []int64 {
	shape := make([]int64, len(dims))
	for i, d := range dims {
		if d < 1 {
			d = 1
		}
		shape[i] = d
	}
	return shape
}

type ortModel struct {
	runtime *ORTRuntime
	path    string
	meta    Metadata

	mu      sync.Mutex
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]

	rawOnce sync.Once
	raw     RawModel
	rawErr  error
}

func (m *ortModel) InputShape() []int64 {
	return append([]int64(nil), m.meta.InputShape...)
}

// Classes returns the class names declared by the metadata sidecar, if any.
func (m *ortModel) Classes() []string {
	return append([]string(nil), m.meta.Classes...)
}

func (m *ortModel) Predict(_ context.Context, input PixelBuffer) ([][]float32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	dst := m.input.GetData()
	if len(dst) != len(input.Data) {
		return nil, fmt.Errorf("expected %d input values, got %d", len(dst), len(input.Data))
	}
	copy(dst, input.Data)

	if err := m.session.Run(); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}

	out := append([]float32(nil), m.output.GetData()...)
	batch := int(m.meta.OutputShape[0])
	if batch < 1 || len(out)%batch != 0 {
		return [][]float32{out}, nil
	}
	width := len(out) / batch
	rows := make([][]float32, batch)
	for i := range rows {
		rows[i] = out[i*width : (i+1)*width]
	}
	return rows, nil
}

// Call runs the same artifact through a dynamic session, opened on first use.
func (m *ortModel) Call(ctx context.Context, input PixelBuffer) ([]Output, error) {
	m.rawOnce.Do(func() {
		m.raw, m.rawErr = m.runtime.LoadSavedModel(m.path)
	})
	if m.rawErr != nil {
		return nil, m.rawErr
	}
	return m.raw.Call(ctx, input)
}

func (m *ortModel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	if m.raw != nil {
		errs = append(errs, m.raw.Close())
	}
	if m.session != nil {
		errs = append(errs, m.session.Destroy())
	}
	if m.input != nil {
		errs = append(errs, m.input.Destroy())
	}
	if m.output != nil {
		errs = append(errs, m.output.Destroy())
	}
	return errors.Join(errs...)
}

type ortRawModel struct {
	session      *ort.DynamicAdvancedSession
	inputShape   []int64
	outputNames  []string
	outputShapes [][]int64
}

func (m *ortRawModel) InputShape() []int64 {
	return append([]int64(nil), m.inputShape...)
}

func (m *ortRawModel) Call(_ context.Context, input PixelBuffer) ([]Output, error) {
	in, err := ort.NewTensor(ort.NewShape(input.Shape...), input.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	defer in.Destroy()

	outs := make([]*ort.Tensor[float32], len(m.outputShapes))
	args := make([]ort.ArbitraryTensor, len(m.outputShapes))
	defer func() {
		for _, t := range outs {
			if t != nil {
				t.Destroy()
			}
		}
	}()
	for i, shape := range m.outputShapes {
		t, err := ort.NewEmptyTensor[float32](ort.NewShape(shape...))
		if err != nil {
			return nil, fmt.Errorf("failed to create output tensor %s: %w", m.outputNames[i], err)
		}
		outs[i] = t
		args[i] = t
	}

	if err := m.session.Run([]ort.ArbitraryTensor{in}, args); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}

	results := make([]Output, len(outs))
	for i, t := range outs {
		results[i] = Output{
			Name:   m.outputNames[i],
			Shape:  append([]int64(nil), m.outputShapes[i]...),
			Values: append([]float32(nil), t.GetData()...),
		}
	}
	return results, nil
}

func (m *ortRawModel) Close() error {
	if m.session == nil {
		return nil
	}
	return m.session.Destroy()
}

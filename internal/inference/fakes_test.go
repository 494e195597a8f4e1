package inference

import (
	"context"
	"errors"
)

type fakeModel struct {
	shape      []int64
	classes    []string
	rows       [][]float32
	predictErr error
	outputs    []Output
	callErr    error

	predictCalls int
	callCalls    int
	closed       bool
}

func (m *fakeModel) InputShape() []int64 { return m.shape }

func (m *fakeModel) Classes() []string { return m.classes }

func (m *fakeModel) Predict(ctx context.Context, input PixelBuffer) ([][]float32, error) {
	m.predictCalls++
	if m.predictErr != nil {
		return nil, m.predictErr
	}
	return m.rows, nil
}

func (m *fakeModel) Call(ctx context.Context, input PixelBuffer) ([]Output, error) {
	m.callCalls++
	if m.callErr != nil {
		return nil, m.callErr
	}
	return m.outputs, nil
}

func (m *fakeModel) Close() error {
	m.closed = true
	return nil
}

type fakeRuntime struct {
	models    map[string]*fakeModel
	loadErrs  map[string]error
	savedErrs map[string]error

	loadCalls  []string
	savedCalls []string
	opened     []*fakeModel
}

func (r *fakeRuntime) LoadModel(path string) (PredictModel, error) {
	r.loadCalls = append(r.loadCalls, path)
	if err := r.loadErrs[path]; err != nil {
		return nil, err
	}
	return r.open(path)
}

func (r *fakeRuntime) LoadSavedModel(path string) (RawModel, error) {
	r.savedCalls = append(r.savedCalls, path)
	if err := r.savedErrs[path]; err != nil {
		return nil, err
	}
	return r.open(path)
}

func (r *fakeRuntime) open(path string) (*fakeModel, error) {
	m, ok := r.models[path]
	if !ok {
		return nil, errors.New("no such model: " + path)
	}
	r.opened = append(r.opened, m)
	return m, nil
}

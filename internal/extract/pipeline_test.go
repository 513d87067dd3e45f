package extract

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/raphaelgruber/ocrbatch/internal/cache"
	"github.com/raphaelgruber/ocrbatch/internal/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeEngine returns a fixed transcription and counts calls.
type fakeEngine struct {
	text  string
	err   error
	calls atomic.Int32
}

func (f *fakeEngine) Name() string { return "fake" }

func (f *fakeEngine) Recognize(_ context.Context, image []byte) (string, map[string]string, error) {
	f.calls.Add(1)
	if len(image) == 0 {
		return "", nil, errors.New("empty image")
	}
	if f.err != nil {
		return "", nil, f.err
	}
	return f.text, map[string]string{"model": "fake-1"}, nil
}

func writeImage(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, encode(t, "png", testImage(32, 16)), 0o644))
	return path
}

func TestPipelineExtract(t *testing.T) {
	path := writeImage(t, t.TempDir(), "a.png")
	engine := &fakeEngine{text: "hello world"}
	m := metrics.NewCollector()

	res := NewPipeline(engine, DefaultPreprocessor(), WithMetrics(m)).Extract(context.Background(), path)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "hello world", res.Text)
	assert.Equal(t, "fake", res.Metadata["engine"])
	assert.Equal(t, "fake-1", res.Metadata["model"])

	snap := m.Snapshot()
	require.NotNil(t, snap.Extract)
	require.NotNil(t, snap.Preprocess)
	assert.Equal(t, int64(11), *snap.Extract.TotalOutputChars)
}

func TestPipelineEmptyTextIsSuccess(t *testing.T) {
	path := writeImage(t, t.TempDir(), "blank.png")
	res := NewPipeline(&fakeEngine{}, DefaultPreprocessor()).Extract(context.Background(), path)
	assert.True(t, res.Success)
	assert.Empty(t, res.Text)
}

func TestPipelineFailures(t *testing.T) {
	dir := t.TempDir()
	corrupt := filepath.Join(dir, "corrupt.png")
	require.NoError(t, os.WriteFile(corrupt, []byte("garbage"), 0o644))

	tests := []struct {
		name   string
		path   string
		engine *fakeEngine
	}{
		{"missing file", filepath.Join(dir, "missing.png"), &fakeEngine{text: "x"}},
		{"corrupt file", corrupt, &fakeEngine{text: "x"}},
		{"engine error", writeImage(t, dir, "ok.png"), &fakeEngine{err: errors.New("model overloaded")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := NewPipeline(tt.engine, DefaultPreprocessor()).Extract(context.Background(), tt.path)
			assert.False(t, res.Success)
			assert.NotEmpty(t, res.Error)
		})
	}
}

func TestPipelineUsesCache(t *testing.T) {
	path := writeImage(t, t.TempDir(), "a.png")
	m := metrics.NewCollector()
	c, err := cache.New(8, cache.WithMetrics(m))
	require.NoError(t, err)

	p := NewPipeline(&fakeEngine{text: "x"}, DefaultPreprocessor(), WithCache(c), WithMetrics(m))
	for range 3 {
		require.True(t, p.Extract(context.Background(), path).Success)
	}

	snap := m.Snapshot()
	assert.Equal(t, int64(1), snap.CacheMisses)
	assert.Equal(t, int64(2), snap.CacheHits)
	assert.Equal(t, int64(1), snap.Preprocess.Count, "preprocessing ran once")
	assert.Equal(t, int64(3), snap.Extract.Count)
}

func TestPipelineFactory(t *testing.T) {
	built := 0
	f := PipelineFactory("fake", false, func() (Engine, error) {
		built++
		return &fakeEngine{text: "x"}, nil
	}, DefaultPreprocessor())
	require.NoError(t, f.Validate())
	assert.False(t, f.SharedSafe)

	for range 2 {
		_, err := f.New()
		require.NoError(t, err)
	}
	assert.Equal(t, 2, built)

	failing := PipelineFactory("broken", true, func() (Engine, error) {
		return nil, errors.New("no gpu")
	}, DefaultPreprocessor())
	_, err := failing.New()
	assert.ErrorContains(t, err, "no gpu")
}

func TestFactoryValidate(t *testing.T) {
	assert.Error(t, Factory{Name: "x"}.Validate())
	assert.Error(t, Factory{New: func() (Extractor, error) { return nil, nil }}.Validate())
}

func TestNewEngineFactoryRejectsUnknown(t *testing.T) {
	_, err := NewEngineFactory(context.Background(), EngineConfig{Name: "abacus"}, DefaultPreprocessor())
	assert.Error(t, err)

	f, err := NewEngineFactory(context.Background(), EngineConfig{}, DefaultPreprocessor())
	require.NoError(t, err)
	assert.Equal(t, EngineTesseract, f.Name)
	assert.True(t, f.SharedSafe)
}

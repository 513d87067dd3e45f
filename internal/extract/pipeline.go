package extract

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/raphaelgruber/ocrbatch/internal/cache"
	"github.com/raphaelgruber/ocrbatch/internal/metrics"
)

// Pipeline reads a file, preprocesses it through the cache and hands the
// result to an Engine. It is safe for concurrent use when its Engine is.
type Pipeline struct {
	engine  Engine
	pre     Preprocessor
	cache   *cache.Cache
	metrics *metrics.Collector
	logger  *slog.Logger
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithCache memoises preprocessing. A nil cache disables it.
func WithCache(c *cache.Cache) PipelineOption {
	return func(p *Pipeline) { p.cache = c }
}

// WithMetrics records preprocessing and extraction timings.
func WithMetrics(m *metrics.Collector) PipelineOption {
	return func(p *Pipeline) { p.metrics = m }
}

// WithLogger sets the pipeline logger.
func WithLogger(l *slog.Logger) PipelineOption {
	return func(p *Pipeline) { p.logger = l }
}

// NewPipeline creates a pipeline around engine.
func NewPipeline(engine Engine, pre Preprocessor, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{engine: engine, pre: pre, logger: slog.Default()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Pipeline) Extract(ctx context.Context, path string) Result {
	start := time.Now()

	image, err := p.preprocess(ctx, path)
	if err != nil {
		p.logger.Debug("preprocess failed", "path", path, "error", err)
		return Failed(start, "%v", err)
	}

	text, metadata, err := p.engine.Recognize(ctx, image)
	elapsed := time.Since(start)
	if err != nil {
		p.logger.Debug("recognition failed", "path", path, "engine", p.engine.Name(), "error", err)
		return Failed(start, "%s: %v", p.engine.Name(), err)
	}
	p.metrics.RecordExtraction(elapsed, int64(len([]rune(text))))

	if metadata == nil {
		metadata = map[string]string{}
	}
	metadata["engine"] = p.engine.Name()

	return Result{
		Text:             text,
		ProcessingTimeMs: elapsed.Milliseconds(),
		Success:          true,
		Metadata:         metadata,
	}
}

func (p *Pipeline) preprocess(ctx context.Context, path string) ([]byte, error) {
	return p.cache.GetOrCompute(ctx, path, p.pre.Fingerprint(), func() ([]byte, error) {
		start := time.Now()
		defer func() { p.metrics.RecordTiming(metrics.OpPreprocess, time.Since(start)) }()

		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read input: %w", err)
		}
		return p.pre.Process(raw)
	})
}

// PipelineFactory builds a Factory producing pipelines. newEngine runs once
// for a shared factory and once per worker otherwise.
func PipelineFactory(name string, sharedSafe bool, newEngine func() (Engine, error), pre Preprocessor, opts ...PipelineOption) Factory {
	return Factory{
		Name:       name,
		SharedSafe: sharedSafe,
		New: func() (Extractor, error) {
			engine, err := newEngine()
			if err != nil {
				return nil, fmt.Errorf("create %s engine: %w", name, err)
			}
			return NewPipeline(engine, pre, opts...), nil
		},
	}
}

package cli

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/raphaelgruber/ocrbatch/internal/cache"
	"github.com/raphaelgruber/ocrbatch/internal/config"
	"github.com/raphaelgruber/ocrbatch/internal/discovery"
	"github.com/raphaelgruber/ocrbatch/internal/extract"
	"github.com/raphaelgruber/ocrbatch/internal/metrics"
)

// buildFactory wires the preprocessing cache and the configured engine into
// an extractor factory. The returned cleanup closes the cache tiers.
func buildFactory(ctx context.Context, c config.Config, m *metrics.Collector, logger *slog.Logger) (extract.Factory, func(), error) {
	cacheOpts := []cache.Option{cache.WithLogger(logger), cache.WithMetrics(m)}
	if c.Cache.RedisAddr != "" {
		tier, err := cache.NewRedisTier(ctx, cache.RedisConfig{
			Addr:     c.Cache.RedisAddr,
			Password: c.Cache.RedisPassword,
			DB:       c.Cache.RedisDB,
		})
		if err != nil {
			// The shared tier only saves work; run without it
			logger.Warn("redis cache unavailable, using in-process cache only", "addr", c.Cache.RedisAddr, "error", err)
		} else {
			cacheOpts = append(cacheOpts, cache.WithRemote(tier, c.Cache.TTL))
		}
	}

	pc, err := cache.New(c.Cache.Size, cacheOpts...)
	if err != nil {
		return extract.Factory{}, nil, fmt.Errorf("create preprocessing cache: %w", err)
	}
	cleanup := func() {
		if err := pc.Close(); err != nil {
			logger.Warn("closing preprocessing cache", "error", err)
		}
	}

	pre := extract.Preprocessor{MaxDimension: c.Preprocess.MaxDimension, Contrast: c.Preprocess.Contrast}
	factory, err := extract.NewEngineFactory(ctx, engineConfig(c), pre,
		extract.WithCache(pc),
		extract.WithMetrics(m),
		extract.WithLogger(logger),
	)
	if err != nil {
		cleanup()
		return extract.Factory{}, nil, err
	}
	return factory, cleanup, nil
}

func engineConfig(c config.Config) extract.EngineConfig {
	e := c.Engine
	return extract.EngineConfig{
		Name:            e.Name,
		TesseractBinary: e.Tesseract.Binary,
		TesseractLang:   e.Tesseract.Lang,
		BedrockRegion:   e.Bedrock.Region,
		BedrockModel:    e.Bedrock.Model,
		OllamaHost:      e.Ollama.Host,
		OllamaModel:     e.Ollama.Model,
	}
}

// buildSink returns the output sink. root is the corpus root used to derive
// relative output locations; it may be empty.
func buildSink(ctx context.Context, c config.Config, root string) (extract.Sink, error) {
	if root != "" {
		if canon, err := discovery.Canonicalize(root); err == nil {
			root = canon
		}
	}
	if c.Output.S3Bucket != "" {
		return extract.NewS3Sink(ctx, c.Output.S3Region, c.Output.S3Bucket, c.Output.S3Prefix, root)
	}
	return extract.SidecarSink{Root: root, Dir: c.Output.Dir}, nil
}

// workerEnv carries the resolved engine settings to worker processes, so
// flags given to the parent reach the children.
func workerEnv(c config.Config) []string {
	env := []string{
		"OCRBATCH_ENGINE=" + c.Engine.Name,
		"TESSERACT_BINARY=" + c.Engine.Tesseract.Binary,
		"TESSERACT_LANG=" + c.Engine.Tesseract.Lang,
		"OCRBATCH_BEDROCK_MODEL=" + c.Engine.Bedrock.Model,
		"OLLAMA_HOST=" + c.Engine.Ollama.Host,
		"OCRBATCH_OLLAMA_MODEL=" + c.Engine.Ollama.Model,
		"OCRBATCH_MAX_DIMENSION=" + strconv.Itoa(c.Preprocess.MaxDimension),
		"OCRBATCH_CONTRAST=" + strconv.FormatFloat(c.Preprocess.Contrast, 'g', -1, 64),
		"OCRBATCH_CACHE_SIZE=" + strconv.Itoa(c.Cache.Size),
		"OCRBATCH_LOG_FILE=" + c.Log.File,
		"OCRBATCH_LOG_LEVEL=" + c.Log.Level,
	}
	if c.Engine.Bedrock.Region != "" {
		env = append(env, "AWS_REGION="+c.Engine.Bedrock.Region)
	}
	if c.Cache.RedisAddr != "" {
		env = append(env, "REDIS_ADDR="+c.Cache.RedisAddr)
	}
	return env
}

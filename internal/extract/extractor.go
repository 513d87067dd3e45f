// Package extract turns one corpus image into text.
//
// An Extractor is the unit the dispatcher calls per file. Pipeline combines
// the shared preprocessing step and cache with an Engine; ProcessExtractor
// runs an Extractor in a child process.
package extract

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Result is the outcome of one extraction call.
// Success is false only when the input could not be processed at all;
// an image without text is a successful, empty result.
type Result struct {
	Text             string            `json:"text"`
	ProcessingTimeMs int64             `json:"processing_time_ms"`
	Success          bool              `json:"success"`
	Error            string            `json:"error,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

// Extractor extracts text from the file at path. Implementations report
// failures in the Result rather than panicking.
type Extractor interface {
	Extract(ctx context.Context, path string) Result
}

// ExtractorFunc adapts a function to Extractor.
type ExtractorFunc func(ctx context.Context, path string) Result

func (f ExtractorFunc) Extract(ctx context.Context, path string) Result {
	return f(ctx, path)
}

// Factory builds extractors for the dispatcher.
//
// SharedSafe declares that one instance may serve every worker concurrently.
// When false, the dispatcher calls New once per worker.
type Factory struct {
	Name       string
	SharedSafe bool
	New        func() (Extractor, error)
}

// Validate reports an unusable factory.
func (f Factory) Validate() error {
	if f.New == nil {
		return errors.New("extractor factory: New is nil")
	}
	if f.Name == "" {
		return errors.New("extractor factory: empty name")
	}
	return nil
}

// Engine recognises text in a preprocessed PNG image.
type Engine interface {
	Name() string
	Recognize(ctx context.Context, image []byte) (text string, metadata map[string]string, err error)
}

// Failed builds an unsuccessful result timed from start.
func Failed(start time.Time, format string, args ...any) Result {
	return Result{
		ProcessingTimeMs: time.Since(start).Milliseconds(),
		Error:            fmt.Sprintf(format, args...),
	}
}

// Call runs ex.Extract, converting a panic into a failed Result.
func Call(ctx context.Context, ex Extractor, path string) (res Result) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			res = Failed(start, "extractor panic: %v", r)
		}
	}()
	return ex.Extract(ctx, path)
}

package extract

import (
	"context"
	"fmt"
)

// Engine names accepted by NewEngineFactory.
const (
	EngineTesseract = "tesseract"
	EngineBedrock   = "bedrock"
	EngineOllama    = "ollama"
)

// EngineConfig selects and configures a recognition engine.
type EngineConfig struct {
	Name string

	TesseractBinary string
	TesseractLang   string

	BedrockRegion string
	BedrockModel  string

	OllamaHost  string
	OllamaModel string
}

// NewEngineFactory returns a pipeline factory for the configured engine.
// All built-in engines are safe to share between workers.
func NewEngineFactory(ctx context.Context, ec EngineConfig, pre Preprocessor, opts ...PipelineOption) (Factory, error) {
	var newEngine func() (Engine, error)

	switch ec.Name {
	case EngineTesseract, "":
		newEngine = func() (Engine, error) {
			return NewTesseractEngine(ec.TesseractBinary, ec.TesseractLang)
		}
	case EngineBedrock:
		newEngine = func() (Engine, error) {
			return NewBedrockEngine(ctx, ec.BedrockRegion, ec.BedrockModel)
		}
	case EngineOllama:
		newEngine = func() (Engine, error) {
			return NewOllamaEngine(ec.OllamaHost, ec.OllamaModel)
		}
	default:
		return Factory{}, fmt.Errorf("unsupported engine: %s", ec.Name)
	}

	name := ec.Name
	if name == "" {
		name = EngineTesseract
	}
	return PipelineFactory(name, true, newEngine, pre, opts...), nil
}

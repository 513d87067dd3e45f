package extract

import (
	"context"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
)

// OllamaEngine transcribes images with a local vision model through langchaingo.
type OllamaEngine struct {
	llm       llms.Model
	modelName string
	prompt    string
}

var _ Engine = (*OllamaEngine)(nil)

// NewOllamaEngine creates an engine for model served at host.
func NewOllamaEngine(host, model string) (*OllamaEngine, error) {
	llm, err := ollama.New(
		ollama.WithModel(model),
		ollama.WithServerURL(host),
	)
	if err != nil {
		return nil, fmt.Errorf("create ollama model: %w", err)
	}
	return NewOllamaEngineWithModel(llm, model), nil
}

// NewOllamaEngineWithModel wraps an existing langchaingo model.
func NewOllamaEngineWithModel(llm llms.Model, modelName string) *OllamaEngine {
	return &OllamaEngine{llm: llm, modelName: modelName, prompt: TranscribePrompt}
}

func (o *OllamaEngine) Name() string { return "ollama" }

func (o *OllamaEngine) Recognize(ctx context.Context, image []byte) (string, map[string]string, error) {
	messages := []llms.MessageContent{{
		Role: llms.ChatMessageTypeHuman,
		Parts: []llms.ContentPart{
			llms.BinaryPart("image/png", image),
			llms.TextPart(o.prompt),
		},
	}}

	response, err := o.llm.GenerateContent(ctx, messages, llms.WithTemperature(0))
	if err != nil {
		return "", nil, fmt.Errorf("generate: %w", err)
	}
	if len(response.Choices) == 0 {
		return "", nil, fmt.Errorf("no response choices")
	}

	return strings.TrimSpace(response.Choices[0].Content), map[string]string{"model": o.modelName}, nil
}

package extract

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
)

// TranscribePrompt asks a vision model for a verbatim transcription.
const TranscribePrompt = `Transcribe all text visible in this scanned document image exactly as written.
Preserve line breaks. Do not add commentary, headings or formatting.
If the image contains no text, reply with nothing.`

// ConverseAPI is the subset of the Bedrock runtime client used here.
type ConverseAPI interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// BedrockEngine transcribes images with a vision model via the Converse API.
// The SDK client is safe for concurrent use.
type BedrockEngine struct {
	client    ConverseAPI
	modelID   string
	prompt    string
	maxTokens int32
}

var _ Engine = (*BedrockEngine)(nil)

// NewBedrockEngine loads AWS configuration from the environment and creates a client.
func NewBedrockEngine(ctx context.Context, region, modelID string) (*BedrockEngine, error) {
	if modelID == "" {
		return nil, errors.New("bedrock model id required")
	}
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewBedrockEngineWithClient(bedrockruntime.NewFromConfig(awsCfg), modelID), nil
}

// NewBedrockEngineWithClient wraps an existing client.
func NewBedrockEngineWithClient(client ConverseAPI, modelID string) *BedrockEngine {
	return &BedrockEngine{client: client, modelID: modelID, prompt: TranscribePrompt, maxTokens: 4096}
}

func (b *BedrockEngine) Name() string { return "bedrock" }

func (b *BedrockEngine) Recognize(ctx context.Context, image []byte) (string, map[string]string, error) {
	out, err := b.client.Converse(ctx, &bedrockruntime.ConverseInput{
		ModelId: aws.String(b.modelID),
		Messages: []types.Message{{
			Role: types.ConversationRoleUser,
			Content: []types.ContentBlock{
				&types.ContentBlockMemberImage{Value: types.ImageBlock{
					Format: types.ImageFormatPng,
					Source: &types.ImageSourceMemberBytes{Value: image},
				}},
				&types.ContentBlockMemberText{Value: b.prompt},
			},
		}},
		InferenceConfig: &types.InferenceConfiguration{
			MaxTokens:   aws.Int32(b.maxTokens),
			Temperature: aws.Float32(0),
		},
	})
	if err != nil {
		return "", nil, fmt.Errorf("converse: %w", err)
	}

	msg, ok := out.Output.(*types.ConverseOutputMemberMessage)
	if !ok {
		return "", nil, fmt.Errorf("converse: unexpected output %T", out.Output)
	}
	var parts []string
	for _, block := range msg.Value.Content {
		if text, ok := block.(*types.ContentBlockMemberText); ok {
			parts = append(parts, text.Value)
		}
	}

	metadata := map[string]string{"model": b.modelID}
	if out.Usage != nil {
		if out.Usage.InputTokens != nil {
			metadata["input_tokens"] = strconv.Itoa(int(*out.Usage.InputTokens))
		}
		if out.Usage.OutputTokens != nil {
			metadata["output_tokens"] = strconv.Itoa(int(*out.Usage.OutputTokens))
		}
	}
	return strings.TrimSpace(strings.Join(parts, "\n")), metadata, nil
}

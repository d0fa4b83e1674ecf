package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	openai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAI implements Engine on the official openai-go SDK (chat completions
// and embeddings). The TopK sampling parameter has no equivalent in the API
// and is ignored here.
type OpenAI struct {
	client     openai.Client
	genModel   string
	embedModel string
	timeout    time.Duration
}

// NewOpenAI creates an engine backed by the OpenAI API. baseURL is optional
// and supports API-compatible gateways.
func NewOpenAI(apiKey, baseURL, genModel, embedModel string, timeout time.Duration) (*OpenAI, error) {
	if apiKey == "" {
		return nil, errors.New("openai api key is required")
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAI{
		client:     openai.NewClient(opts...),
		genModel:   genModel,
		embedModel: embedModel,
		timeout:    timeout,
	}, nil
}

// Generate produces one completion with the given sampling parameters.
func (o *OpenAI) Generate(ctx context.Context, prompt string, p Params) (string, error) {
	ctx, cancel := callTimeout(ctx, o.timeout)
	defer cancel()

	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(o.genModel),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(prompt),
		},
		Temperature: openai.Float(p.Temperature),
		TopP:        openai.Float(p.TopP),
	}
	if p.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(p.MaxTokens))
	}

	resp, err := o.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", classifyOpenAIErr("generate", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("generate: empty choices")
	}
	return resp.Choices[0].Message.Content, nil
}

// Embed returns the embedding vector for the given text.
func (o *OpenAI) Embed(ctx context.Context, text string) ([]float32, error) {
	ctx, cancel := callTimeout(ctx, o.timeout)
	defer cancel()

	resp, err := o.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Model: openai.EmbeddingModel(o.embedModel),
		Input: openai.EmbeddingNewParamsInputUnion{OfString: openai.String(text)},
	})
	if err != nil {
		return nil, classifyOpenAIErr("embed", err)
	}
	if len(resp.Data) == 0 {
		return nil, errors.New("embed: empty embeddings array")
	}
	vec := make([]float32, len(resp.Data[0].Embedding))
	for i, f := range resp.Data[0].Embedding {
		vec[i] = float32(f)
	}
	return vec, nil
}

// classifyOpenAIErr turns SDK API errors into statusError so IsTransient can
// separate overload from rejection.
func classifyOpenAIErr(op string, err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return &statusError{op: op, status: apiErr.StatusCode}
	}
	return fmt.Errorf("%s request: %w", op, err)
}

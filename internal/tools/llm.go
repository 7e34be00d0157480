package tools

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"google.golang.org/genai"

	"github.com/Kocoro-lab/Shannon/go/analyst/internal/circuitbreaker"
	"github.com/Kocoro-lab/Shannon/go/analyst/internal/metrics"
)

// CompletionRequest is a single prompt sent to a language model
type CompletionRequest struct {
	Prompt      string
	Temperature float32
	// JSON asks the provider to return a JSON document
	JSON bool
	// Grounded enables web search grounding where the provider supports it
	Grounded bool
}

// Completer is a text-completion backend used by the live tools
type Completer interface {
	Provider() string
	Complete(ctx context.Context, req CompletionRequest) (string, error)
}

// GeminiCompleter calls the Gemini API through google.golang.org/genai
type GeminiCompleter struct {
	client *genai.Client
	model  string
}

func NewGeminiCompleter(ctx context.Context, apiKey, model string, httpClient *http.Client) (*GeminiCompleter, error) {
	if model == "" {
		model = "gemini-2.5-flash"
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:     apiKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: httpClient,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return &GeminiCompleter{client: client, model: model}, nil
}

func (g *GeminiCompleter) Provider() string { return "google" }

func (g *GeminiCompleter) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	cfg := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(req.Temperature),
		TopP:        genai.Ptr[float32](0.95),
	}
	// Search grounding cannot be combined with a JSON response mime type
	if req.Grounded {
		cfg.Tools = []*genai.Tool{
			{GoogleSearch: &genai.GoogleSearch{}},
			{URLContext: &genai.URLContext{}},
		}
	} else if req.JSON {
		cfg.ResponseMIMEType = "application/json"
	}

	start := time.Now()
	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(req.Prompt), cfg)
	recordCompletion(g.Provider(), start, err)
	if err != nil {
		return "", err
	}
	return resp.Text(), nil
}

// OpenAICompleter calls the chat completions API through go-openai
type OpenAICompleter struct {
	client *openai.Client
	model  string
}

func NewOpenAICompleter(apiKey, model, baseURL string, httpClient *http.Client) *OpenAICompleter {
	if model == "" {
		model = openai.GPT4oMini
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if httpClient != nil {
		cfg.HTTPClient = httpClient
	}
	return &OpenAICompleter{client: openai.NewClientWithConfig(cfg), model: model}
}

func (o *OpenAICompleter) Provider() string { return "openai" }

func (o *OpenAICompleter) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	chatReq := openai.ChatCompletionRequest{
		Model:       o.model,
		Temperature: req.Temperature,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: req.Prompt},
		},
	}
	if req.JSON {
		chatReq.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	start := time.Now()
	resp, err := o.client.CreateChatCompletion(ctx, chatReq)
	recordCompletion(o.Provider(), start, err)
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

func recordCompletion(provider string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.RecordLLMMetrics(provider, status, time.Since(start).Seconds())
}

// classifyProviderError maps a provider failure onto the tool error taxonomy
func classifyProviderError(tool string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || circuitbreaker.IsOpen(err) {
		return Transient(tool, err)
	}

	var gErr genai.APIError
	if errors.As(err, &gErr) {
		return byStatus(tool, gErr.Code, err)
	}
	var oErr *openai.APIError
	if errors.As(err, &oErr) {
		return byStatus(tool, oErr.HTTPStatusCode, err)
	}
	var rErr *openai.RequestError
	if errors.As(err, &rErr) {
		return byStatus(tool, rErr.HTTPStatusCode, err)
	}

	// Transport failures and anything unrecognised are worth another attempt
	return Transient(tool, err)
}

func byStatus(tool string, code int, err error) error {
	if code == http.StatusTooManyRequests || code >= 500 || code == 0 {
		return Transient(tool, err)
	}
	return Permanent(tool, err)
}

package gemini

import (
	"context"

	"github.com/rotisserie/eris"
	"google.golang.org/genai"
)

const defaultModel = "gemini-2.5-flash"

// Client generates schema-constrained JSON with a Gemini model.
type Client interface {
	GenerateJSON(ctx context.Context, req JSONRequest) (*JSONResponse, error)
}

// JSONRequest asks the model to answer Prompt with a JSON document that
// matches Schema.
type JSONRequest struct {
	Model       string
	System      string
	Prompt      string
	Schema      *genai.Schema
	Temperature *float32
}

// JSONResponse carries the raw JSON text and token counts.
type JSONResponse struct {
	Text         string
	InputTokens  int64
	OutputTokens int64
}

// Option configures the client.
type Option func(*genai.ClientConfig, *genaiClient)

// WithBaseURL overrides the Gemini API endpoint.
func WithBaseURL(url string) Option {
	return func(cfg *genai.ClientConfig, _ *genaiClient) {
		cfg.HTTPOptions.BaseURL = url
	}
}

// WithModel overrides the default model.
func WithModel(model string) Option {
	return func(_ *genai.ClientConfig, c *genaiClient) {
		if model != "" {
			c.model = model
		}
	}
}

type genaiClient struct {
	client *genai.Client
	model  string
}

// NewClient creates a Gemini client for the Gemini API backend.
func NewClient(ctx context.Context, apiKey string, opts ...Option) (Client, error) {
	if apiKey == "" {
		return nil, eris.New("gemini: api key is required")
	}
	cfg := &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	c := &genaiClient{model: defaultModel}
	for _, o := range opts {
		o(cfg, c)
	}

	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, eris.Wrap(err, "gemini: create client")
	}
	c.client = client
	return c, nil
}

func (c *genaiClient) GenerateJSON(ctx context.Context, req JSONRequest) (*JSONResponse, error) {
	model := req.Model
	if model == "" {
		model = c.model
	}

	cfg := &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
		ResponseSchema:   req.Schema,
		Temperature:      req.Temperature,
	}
	if req.System != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}

	contents := []*genai.Content{genai.NewContentFromText(req.Prompt, genai.RoleUser)}
	resp, err := c.client.Models.GenerateContent(ctx, model, contents, cfg)
	if err != nil {
		return nil, eris.Wrap(err, "gemini: generate content")
	}

	text := resp.Text()
	if text == "" {
		return nil, eris.New("gemini: empty response")
	}

	out := &JSONResponse{Text: text}
	if resp.UsageMetadata != nil {
		out.InputTokens = int64(resp.UsageMetadata.PromptTokenCount)
		out.OutputTokens = int64(resp.UsageMetadata.CandidatesTokenCount)
	}
	return out, nil
}

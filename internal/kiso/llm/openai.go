package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	defaultTimeout = 90 * time.Second
)

// OpenAIConfig configures the OpenAI-compatible transport used for every
// role pipeline call.
type OpenAIConfig struct {
	// APIKey is the bearer token used to authenticate against the API.
	APIKey string

	// BaseURL overrides the API endpoint. Useful for local models, Azure
	// OpenAI, or any other OpenAI-compatible endpoint. Defaults to
	// https://api.openai.com/v1 when empty.
	BaseURL string

	// Timeout is the per-call HTTP timeout. Defaults to 90s, inside the
	// 60-120s range §5 calls typical.
	Timeout time.Duration
}

// openAITransport implements Transport using the chat completions API,
// sending a strict json_schema response format when a schema is requested.
type openAITransport struct {
	cfg    OpenAIConfig
	client *http.Client
}

// NewOpenAITransport returns a Transport backed by an OpenAI-compatible chat
// API. Safe for concurrent use.
func NewOpenAITransport(cfg OpenAIConfig) Transport {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	return &openAITransport{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}
}

type oaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type oaiRequest struct {
	Model          string       `json:"model"`
	Messages       []oaiMessage `json:"messages"`
	ResponseFormat *oaiFormat   `json:"response_format,omitempty"`
}

type oaiFormat struct {
	Type       string          `json:"type"` // "json_object" | "json_schema"
	JSONSchema *oaiJSONSchema  `json:"json_schema,omitempty"`
}

type oaiJSONSchema struct {
	Name   string         `json:"name"`
	Strict bool           `json:"strict"`
	Schema map[string]any `json:"schema"`
}

type oaiResponse struct {
	Choices []oaiChoice `json:"choices"`
	Usage   struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

type oaiChoice struct {
	Message      oaiMessage `json:"message"`
	FinishReason string     `json:"finish_reason"`
}

// Call performs one chat-completions request. When req.Schema is set, the
// call is made in strict structured-output mode; the provider is expected to
// return JSON text matching the schema, which the caller (the owning role
// pipeline) is responsible for parsing and validating.
func (t *openAITransport) Call(ctx context.Context, req Request) (*Response, error) {
	messages := make([]oaiMessage, len(req.Messages))
	for i, m := range req.Messages {
		messages[i] = oaiMessage{Role: m.Role, Content: m.Content}
	}

	body := oaiRequest{
		Model:    req.Model,
		Messages: messages,
	}
	if req.Schema != nil {
		body.ResponseFormat = &oaiFormat{
			Type: "json_schema",
			JSONSchema: &oaiJSONSchema{
				Name:   string(req.Role),
				Strict: true,
				Schema: req.Schema,
			},
		}
	}

	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		t.cfg.BaseURL+"/chat/completions", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create http request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+t.cfg.APIKey)

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	var oaiResp oaiResponse
	if err := json.Unmarshal(respBody, &oaiResp); err != nil {
		return nil, fmt.Errorf("decode API response: %w", err)
	}

	if oaiResp.Error != nil {
		if oaiResp.Error.Type == "invalid_request_error" && req.Schema != nil {
			return nil, fmt.Errorf("%w: %s", ErrProviderUnsupported, oaiResp.Error.Message)
		}
		return nil, fmt.Errorf("API error (%s): %s", oaiResp.Error.Type, oaiResp.Error.Message)
	}

	if len(oaiResp.Choices) == 0 {
		return nil, fmt.Errorf("no choices returned (HTTP %d)", resp.StatusCode)
	}

	return &Response{
		Text:         oaiResp.Choices[0].Message.Content,
		InputTokens:  oaiResp.Usage.PromptTokens,
		OutputTokens: oaiResp.Usage.CompletionTokens,
	}, nil
}

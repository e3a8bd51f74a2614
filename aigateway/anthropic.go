package aigateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/brainkernel/brain/brainerr"
	"github.com/brainkernel/brain/internal/schema"
)

const (
	anthropicBaseURL    = "https://api.anthropic.com"
	anthropicAPIVersion = "2023-06-01"
	defaultModel        = "claude-sonnet-4-20250514"
	defaultMaxTokens    = 4096
)

// AnthropicGateway generates objects via the Anthropic Messages API. It
// implements ObjectGenerator, not the full Gateway — pair it with a
// separate Embedder (VoyageEmbedder) via NewComposite.
type AnthropicGateway struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client

	mu    sync.Mutex
	usage TokenUsage
}

// TokenUsage accumulates token accounting across every call made through a
// gateway, used for cost observability.
type TokenUsage struct {
	InputTokens  int64
	OutputTokens int64
	Requests     int64
}

// AnthropicOption configures an AnthropicGateway.
type AnthropicOption func(*AnthropicGateway)

// WithModel overrides the default model.
func WithModel(model string) AnthropicOption {
	return func(g *AnthropicGateway) { g.model = model }
}

// WithHTTPClient overrides the default HTTP client (used in tests to point
// at an httptest.Server).
func WithHTTPClient(c *http.Client) AnthropicOption {
	return func(g *AnthropicGateway) { g.httpClient = c }
}

// WithBaseURL overrides the API base URL.
func WithBaseURL(url string) AnthropicOption {
	return func(g *AnthropicGateway) { g.baseURL = url }
}

// NewAnthropicGateway builds a gateway using the given API key.
func NewAnthropicGateway(apiKey string, opts ...AnthropicOption) *AnthropicGateway {
	g := &AnthropicGateway{
		baseURL:    anthropicBaseURL,
		apiKey:     apiKey,
		model:      defaultModel,
		httpClient: &http.Client{Timeout: 2 * time.Minute},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// NewAnthropicGatewayFromEnv builds a gateway using ANTHROPIC_API_KEY.
func NewAnthropicGatewayFromEnv(opts ...AnthropicOption) (*AnthropicGateway, error) {
	key := os.Getenv("ANTHROPIC_API_KEY")
	if key == "" {
		return nil, brainerr.New(brainerr.Gateway, "ANTHROPIC_API_KEY not set", nil)
	}
	return NewAnthropicGateway(key, opts...), nil
}

type anthropicMessage struct {
	Role    string                 `json:"role"`
	Content []anthropicContentPart `json:"content"`
}

type anthropicContentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type anthropicRequest struct {
	Model     string              `json:"model"`
	MaxTokens int                 `json:"max_tokens"`
	System    string              `json:"system,omitempty"`
	Messages  []anthropicMessage  `json:"messages"`
	Temperature *float64          `json:"temperature,omitempty"`
}

type anthropicResponse struct {
	Content []anthropicContentPart `json:"content"`
	Usage   struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// GenerateObject sends a single-turn completion request and returns the
// concatenated text content of the response. When req.Schema is set, the
// system prompt is extended with the schema's field shape and the
// response text is parsed as JSON and validated against it before
// returning; a response that isn't valid JSON or doesn't satisfy the
// schema comes back as a brainerr.Validation error.
func (g *AnthropicGateway) GenerateObject(ctx context.Context, req ObjectRequest) (ObjectResponse, error) {
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}

	systemPrompt := req.SystemPrompt
	if req.Schema != nil {
		systemPrompt = withSchemaInstructions(systemPrompt, *req.Schema)
	}

	body, err := json.Marshal(anthropicRequest{
		Model:     g.model,
		MaxTokens: maxTokens,
		System:    systemPrompt,
		Messages: []anthropicMessage{
			{Role: "user", Content: []anthropicContentPart{{Type: "text", Text: req.Prompt}}},
		},
		Temperature: req.Temperature,
	})
	if err != nil {
		return ObjectResponse{}, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return ObjectResponse{}, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", g.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return ObjectResponse{}, brainerr.Wrap(brainerr.Gateway, "anthropic request failed", err, nil)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return ObjectResponse{}, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return ObjectResponse{}, brainerr.New(brainerr.Gateway, fmt.Sprintf("anthropic API error (status %d): %s", resp.StatusCode, respBody), map[string]any{"status": resp.StatusCode})
	}

	var parsed anthropicResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return ObjectResponse{}, fmt.Errorf("unmarshal response: %w", err)
	}

	var text string
	for _, part := range parsed.Content {
		if part.Type == "text" {
			text += part.Text
		}
	}

	g.trackUsage(parsed.Usage.InputTokens, parsed.Usage.OutputTokens)

	objResp := ObjectResponse{
		Text:         text,
		InputTokens:  parsed.Usage.InputTokens,
		OutputTokens: parsed.Usage.OutputTokens,
	}

	if req.Schema != nil {
		obj, err := parseStructuredObject(text, *req.Schema)
		if err != nil {
			return ObjectResponse{}, err
		}
		objResp.Object = obj
	}

	return objResp, nil
}

// withSchemaInstructions appends a field-shape description to systemPrompt
// so the model knows to respond with bare JSON instead of prose.
func withSchemaInstructions(systemPrompt string, s schema.Schema) string {
	var b strings.Builder
	if systemPrompt != "" {
		b.WriteString(systemPrompt)
		b.WriteString("\n\n")
	}
	b.WriteString("Respond with a single JSON object only — no surrounding prose, no code fence — matching this shape:\n")
	for _, f := range s.Fields {
		requiredNote := ""
		if f.Required {
			requiredNote = ", required"
		}
		fmt.Fprintf(&b, "- %s (%s%s)\n", f.Name, f.Type, requiredNote)
	}
	return b.String()
}

// parseStructuredObject extracts a JSON object from text (tolerating a
// wrapping ``` code fence some models still add despite instructions) and
// validates it against s.
func parseStructuredObject(text string, s schema.Schema) (map[string]any, error) {
	cleaned := stripCodeFence(text)

	var obj map[string]any
	if err := json.Unmarshal([]byte(cleaned), &obj); err != nil {
		return nil, brainerr.Wrap(brainerr.Validation, "gateway response is not valid JSON", err, map[string]any{"text": text})
	}

	if errs := s.Validate(obj); len(errs) > 0 {
		return nil, brainerr.New(brainerr.Validation, "gateway response does not match the requested schema", map[string]any{"errors": errs.Error()})
	}

	return obj, nil
}

func stripCodeFence(text string) string {
	t := strings.TrimSpace(text)
	if !strings.HasPrefix(t, "```") {
		return t
	}
	t = strings.TrimPrefix(t, "```json")
	t = strings.TrimPrefix(t, "```")
	t = strings.TrimSuffix(t, "```")
	return strings.TrimSpace(t)
}

func (g *AnthropicGateway) trackUsage(input, output int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.usage.InputTokens += int64(input)
	g.usage.OutputTokens += int64(output)
	g.usage.Requests++
}

// Usage returns accumulated token usage across every call this gateway has
// made so far.
func (g *AnthropicGateway) Usage() TokenUsage {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.usage
}

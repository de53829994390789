package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"google.golang.org/genai"

	"peerflow/internal/config"
)

// Backend is one generative model provider.
type Backend interface {
	// Name identifies the backend for logging and cache keys.
	Name() string
	// MaxContentChars is the backend's prompt character budget.
	MaxContentChars() int
	// Complete sends a system+user prompt pair and returns the model text.
	Complete(ctx context.Context, system, user string) (string, error)
}

// transientError marks failures worth retrying on the next backend:
// timeouts, rate limits, and server errors.
type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

func transient(format string, args ...any) error {
	return &transientError{err: fmt.Errorf(format, args...)}
}

// IsTransient reports whether err should trigger backend fallback.
func IsTransient(err error) bool {
	var te *transientError
	return errors.As(err, &te)
}

// NewBackends builds the backend chain from config, preserving priority
// order. Backends with no API key are skipped.
func NewBackends(cfgs []config.BackendConfig) ([]Backend, error) {
	var backends []Backend
	for _, bc := range cfgs {
		if bc.APIKey == "" {
			continue
		}
		switch bc.Provider {
		case "openai":
			backends = append(backends, newOpenAIBackend(bc))
		case "anthropic":
			backends = append(backends, newAnthropicBackend(bc))
		case "gemini":
			backends = append(backends, newGeminiBackend(bc))
		default:
			return nil, fmt.Errorf("unknown backend provider %q", bc.Provider)
		}
	}
	return backends, nil
}

// =============================================================================
// OPENAI-COMPATIBLE
// =============================================================================

// openaiBackend speaks the OpenAI chat-completions wire format. BaseURL
// overrides also cover Groq-style compatible endpoints.
type openaiBackend struct {
	apiKey     string
	baseURL    string
	model      string
	maxContent int
	httpClient *http.Client
}

func newOpenAIBackend(bc config.BackendConfig) *openaiBackend {
	b := &openaiBackend{
		apiKey:     bc.APIKey,
		baseURL:    bc.BaseURL,
		model:      bc.Model,
		maxContent: bc.MaxContentChars,
		httpClient: &http.Client{Timeout: 120 * time.Second},
	}
	if b.baseURL == "" {
		b.baseURL = "https://api.openai.com/v1"
	}
	if b.model == "" {
		b.model = "gpt-4o-mini"
	}
	if b.maxContent <= 0 {
		b.maxContent = 48000
	}
	return b
}

func (b *openaiBackend) Name() string         { return "openai:" + b.model }
func (b *openaiBackend) MaxContentChars() int { return b.maxContent }

type openaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openaiRequest struct {
	Model       string          `json:"model"`
	Messages    []openaiMessage `json:"messages"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature float64         `json:"temperature"`
}

type openaiResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

func (b *openaiBackend) Complete(ctx context.Context, system, user string) (string, error) {
	messages := []openaiMessage{}
	if system != "" {
		messages = append(messages, openaiMessage{Role: "system", Content: system})
	}
	messages = append(messages, openaiMessage{Role: "user", Content: user})

	reqBody := openaiRequest{
		Model:       b.model,
		Messages:    messages,
		MaxTokens:   4096,
		Temperature: 0.2,
	}
	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", b.baseURL+"/chat/completions", bytes.NewReader(jsonData))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+b.apiKey)

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return "", transient("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", transient("failed to read response: %w", err)
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return "", transient("API request failed with status %d: %s", resp.StatusCode, truncateBody(body))
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, truncateBody(body))
	}

	var parsed openaiResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("failed to parse response: %w", err)
	}
	if parsed.Error != nil {
		return "", fmt.Errorf("API error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return "", transient("empty response from %s", b.Name())
	}
	return parsed.Choices[0].Message.Content, nil
}

// =============================================================================
// ANTHROPIC
// =============================================================================

type anthropicBackend struct {
	apiKey     string
	baseURL    string
	model      string
	maxContent int
	httpClient *http.Client
}

func newAnthropicBackend(bc config.BackendConfig) *anthropicBackend {
	b := &anthropicBackend{
		apiKey:     bc.APIKey,
		baseURL:    bc.BaseURL,
		model:      bc.Model,
		maxContent: bc.MaxContentChars,
		httpClient: &http.Client{Timeout: 120 * time.Second},
	}
	if b.baseURL == "" {
		b.baseURL = "https://api.anthropic.com/v1"
	}
	if b.model == "" {
		b.model = "claude-sonnet-4-20250514"
	}
	if b.maxContent <= 0 {
		b.maxContent = 72000
	}
	return b
}

func (b *anthropicBackend) Name() string         { return "anthropic:" + b.model }
func (b *anthropicBackend) MaxContentChars() int { return b.maxContent }

type anthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	System    string             `json:"system,omitempty"`
	Messages  []anthropicMessage `json:"messages"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (b *anthropicBackend) Complete(ctx context.Context, system, user string) (string, error) {
	reqBody := anthropicRequest{
		Model:     b.model,
		MaxTokens: 4096,
		System:    system,
		Messages:  []anthropicMessage{{Role: "user", Content: user}},
	}
	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", b.baseURL+"/messages", bytes.NewReader(jsonData))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", b.apiKey)
	req.Header.Set("anthropic-version", "2023-06-01")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return "", transient("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", transient("failed to read response: %w", err)
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return "", transient("API request failed with status %d: %s", resp.StatusCode, truncateBody(body))
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, truncateBody(body))
	}

	var parsed anthropicResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("failed to parse response: %w", err)
	}
	if parsed.Error != nil {
		return "", fmt.Errorf("API error: %s", parsed.Error.Message)
	}
	for _, block := range parsed.Content {
		if block.Type == "text" && block.Text != "" {
			return block.Text, nil
		}
	}
	return "", transient("empty response from %s", b.Name())
}

// =============================================================================
// GEMINI
// =============================================================================

type geminiBackend struct {
	apiKey     string
	model      string
	maxContent int

	// The client is created on first use; concurrent callers share one
	// initialization.
	initOnce sync.Once
	initErr  error
	client   *genai.Client
}

func newGeminiBackend(bc config.BackendConfig) *geminiBackend {
	b := &geminiBackend{
		apiKey:     bc.APIKey,
		model:      bc.Model,
		maxContent: bc.MaxContentChars,
	}
	if b.model == "" {
		b.model = "gemini-2.0-flash"
	}
	if b.maxContent <= 0 {
		b.maxContent = 96000
	}
	return b
}

func (b *geminiBackend) Name() string         { return "gemini:" + b.model }
func (b *geminiBackend) MaxContentChars() int { return b.maxContent }

func (b *geminiBackend) ensureClient(ctx context.Context) error {
	b.initOnce.Do(func() {
		client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: b.apiKey})
		if err != nil {
			b.initErr = fmt.Errorf("failed to create genai client: %w", err)
			return
		}
		b.client = client
	})
	return b.initErr
}

func (b *geminiBackend) Complete(ctx context.Context, system, user string) (string, error) {
	if err := b.ensureClient(ctx); err != nil {
		return "", err
	}

	var cfg *genai.GenerateContentConfig
	if system != "" {
		cfg = &genai.GenerateContentConfig{
			SystemInstruction: genai.NewContentFromText(system, genai.RoleUser),
		}
	}
	contents := []*genai.Content{genai.NewContentFromText(user, genai.RoleUser)}

	resp, err := b.client.Models.GenerateContent(ctx, b.model, contents, cfg)
	if err != nil {
		return "", transient("generate content failed: %w", err)
	}
	text := resp.Text()
	if text == "" {
		return "", transient("empty response from %s", b.Name())
	}
	return text, nil
}

func truncateBody(body []byte) string {
	const max = 512
	if len(body) > max {
		return string(body[:max]) + "..."
	}
	return string(body)
}

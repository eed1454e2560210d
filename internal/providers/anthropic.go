package providers

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
	anthropicDefaultBaseURL = "https://api.anthropic.com/v1"
	anthropicAPIVersion     = "2023-06-01"
	anthropicDefaultTimeout = 60 * time.Second

	// The messages API requires max_tokens; used when the request has none.
	anthropicDefaultMaxTokens = 4096
)

// AnthropicProvider implements the Provider interface for the Anthropic
// messages API.
type AnthropicProvider struct {
	apiKey  string
	client  *http.Client
	baseURL string
}

// AnthropicConfig holds construction options for the Anthropic provider.
type AnthropicConfig struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration
}

// NewAnthropicProvider creates a new Anthropic provider instance
func NewAnthropicProvider(cfg AnthropicConfig) (*AnthropicProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("api_key is required for Anthropic provider")
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = anthropicDefaultBaseURL
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = anthropicDefaultTimeout
	}

	client := &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	return &AnthropicProvider{
		apiKey:  cfg.APIKey,
		client:  client,
		baseURL: baseURL,
	}, nil
}

// Name returns the provider identifier
func (p *AnthropicProvider) Name() string {
	return "anthropic"
}

func (p *AnthropicProvider) buildPayload(req Request, stream bool) map[string]any {
	// The messages API takes the system prompt as a top-level field.
	var system string
	messages := make([]Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m.Role == "system" {
			if system != "" {
				system += "\n"
			}
			system += m.Content
			continue
		}
		messages = append(messages, m)
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = anthropicDefaultMaxTokens
	}

	payload := map[string]any{
		"model":      req.Model,
		"messages":   messages,
		"max_tokens": maxTokens,
	}
	if system != "" {
		payload["system"] = system
	}
	if req.Temperature > 0 {
		payload["temperature"] = req.Temperature
	}
	if stream {
		payload["stream"] = true
	}
	return payload
}

func (p *AnthropicProvider) send(ctx context.Context, payload map[string]any) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := p.baseURL + "/messages"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	return resp, nil
}

// Complete sends a messages request and waits for the full response.
func (p *AnthropicProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()

	resp, err := p.send(ctx, p.buildPayload(req, false))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("anthropic returned status %d: %s", resp.StatusCode, truncate(respBody, 256))
	}

	var parsed struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		Usage struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("malformed anthropic response: %w", err)
	}

	var content string
	for _, block := range parsed.Content {
		if block.Type == "text" {
			content += block.Text
		}
	}

	return &Response{
		Provider:   p.Name(),
		Model:      req.Model,
		Content:    content,
		StatusCode: resp.StatusCode,
		Usage: Usage{
			InputTokens:  parsed.Usage.InputTokens,
			OutputTokens: parsed.Usage.OutputTokens,
		},
		ProviderLatency: time.Since(start),
	}, nil
}

// Stream sends a messages request and returns an incremental stream.
func (p *AnthropicProvider) Stream(ctx context.Context, req Request) (Stream, error) {
	resp, err := p.send(ctx, p.buildPayload(req, true))
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("anthropic returned status %d: %s", resp.StatusCode, truncate(respBody, 256))
	}

	return &anthropicStream{reader: NewSSEReader(resp.Body)}, nil
}

// Close cleans up resources
func (p *AnthropicProvider) Close() error {
	p.client.CloseIdleConnections()
	return nil
}

// anthropicStream adapts the Anthropic SSE event format to the Stream
// interface. The final chunk carries Done plus the accumulated usage and
// arrives with a nil error; the Recv after it returns io.EOF.
type anthropicStream struct {
	reader *SSEReader
	usage  Usage
	done   bool
}

func (s *anthropicStream) Recv() (*Chunk, error) {
	if s.done {
		return nil, io.EOF
	}

	for {
		data, err := s.reader.Next()
		if err == io.EOF {
			s.done = true
			u := s.usage
			return &Chunk{Done: true, Usage: &u}, nil
		}
		if err != nil {
			return nil, err
		}

		var event struct {
			Type    string `json:"type"`
			Message struct {
				Usage struct {
					InputTokens int `json:"input_tokens"`
				} `json:"usage"`
			} `json:"message"`
			Delta struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"delta"`
			Usage struct {
				OutputTokens int `json:"output_tokens"`
			} `json:"usage"`
		}
		if err := json.Unmarshal(data, &event); err != nil {
			return nil, fmt.Errorf("malformed stream event: %w", err)
		}

		switch event.Type {
		case "message_start":
			s.usage.InputTokens = event.Message.Usage.InputTokens
		case "content_block_delta":
			if event.Delta.Type == "text_delta" {
				return &Chunk{Text: event.Delta.Text}, nil
			}
		case "message_delta":
			if event.Usage.OutputTokens > 0 {
				s.usage.OutputTokens = event.Usage.OutputTokens
			}
		case "message_stop":
			s.done = true
			u := s.usage
			return &Chunk{Done: true, Usage: &u}, nil
		}
		// ping, content_block_start and other control events carry no text
	}
}

func (s *anthropicStream) Close() error {
	return s.reader.Close()
}

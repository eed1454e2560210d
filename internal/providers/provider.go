package providers

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"time"
)

// Message is a single conversation turn sent to a provider.
type Message struct {
	Role    string `json:"role"` // "system", "user", "assistant"
	Content string `json:"content"`
}

// Request is a normalized completion request, independent of any one
// provider's wire format.
type Request struct {
	Model       string
	Messages    []Message
	MaxTokens   int
	Temperature float64
}

// Usage holds token counts reported by a provider.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Response is a normalized non-streaming provider response.
type Response struct {
	Provider        string
	Model           string
	Content         string
	StatusCode      int
	Usage           Usage
	ProviderLatency time.Duration
}

// Chunk is one incremental piece of a streaming response. Usage is non-nil
// only on the final chunk, when the provider reports token counts.
type Chunk struct {
	Text  string
	Done  bool
	Usage *Usage
}

// Stream yields chunks in generation order. Recv returns io.EOF after the
// final chunk; Close releases the underlying connection and is safe to call
// at any point, including mid-stream on caller cancellation.
type Stream interface {
	Recv() (*Chunk, error)
	Close() error
}

// Provider is implemented by each concrete LLM backend (OpenAI, Anthropic, ...).
// Implementations must treat context cancellation as a normal exit path.
type Provider interface {
	// Name returns the provider identifier used in pricing, breaker state
	// and usage records.
	Name() string

	// Complete sends a completion request and waits for the full response.
	Complete(ctx context.Context, req Request) (*Response, error)

	// Stream sends a completion request and returns an incremental stream.
	Stream(ctx context.Context, req Request) (Stream, error)

	// Close performs cleanup when the provider is no longer needed
	Close() error
}

// SSEReader parses Server-Sent Events from a provider response body,
// yielding the payload of each "data:" line.
type SSEReader struct {
	scanner *bufio.Scanner
	closer  io.Closer
}

// NewSSEReader creates a reader over a streaming response body.
func NewSSEReader(r io.ReadCloser) *SSEReader {
	scanner := bufio.NewScanner(r)
	// Provider chunks can exceed the default token size.
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &SSEReader{scanner: scanner, closer: r}
}

// Next returns the payload of the next data line. It returns io.EOF at the
// end of the stream or on the OpenAI-style "[DONE]" marker.
func (s *SSEReader) Next() ([]byte, error) {
	for s.scanner.Scan() {
		line := s.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if !bytes.HasPrefix(line, []byte("data: ")) {
			continue
		}
		data := bytes.TrimPrefix(line, []byte("data: "))
		if bytes.Equal(data, []byte("[DONE]")) {
			return nil, io.EOF
		}
		// Copy out of the scanner's buffer before the next Scan.
		out := make([]byte, len(data))
		copy(out, data)
		return out, nil
	}
	if err := s.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

// Close closes the underlying response body.
func (s *SSEReader) Close() error {
	return s.closer.Close()
}

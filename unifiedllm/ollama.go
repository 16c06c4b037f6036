package unifiedllm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultOllamaEndpoint is where a local Ollama server listens by default.
const DefaultOllamaEndpoint = "http://localhost:11434"

// OllamaAdapter talks to an Ollama server's /api/chat endpoint and
// implements ProviderAdapter.
type OllamaAdapter struct {
	endpoint string
	client   *http.Client
	options  map[string]interface{}
}

// OllamaOption configures an OllamaAdapter.
type OllamaOption func(*OllamaAdapter)

// WithOllamaTimeout bounds how long to wait for the server to start
// responding. Streamed bodies are not cut off once they begin.
func WithOllamaTimeout(d time.Duration) OllamaOption {
	return func(a *OllamaAdapter) {
		if d <= 0 {
			return
		}
		tr := http.DefaultTransport.(*http.Transport).Clone()
		tr.ResponseHeaderTimeout = d
		a.client = &http.Client{Transport: tr}
	}
}

// WithOllamaHTTPClient replaces the HTTP client, for example with one whose
// transport adds authentication for a proxied server.
func WithOllamaHTTPClient(c *http.Client) OllamaOption {
	return func(a *OllamaAdapter) {
		a.client = c
	}
}

// WithOllamaOptions sets default model options (temperature, num_predict, ...)
// sent with every request.
func WithOllamaOptions(opts map[string]interface{}) OllamaOption {
	return func(a *OllamaAdapter) {
		if len(opts) > 0 {
			a.options = opts
		}
	}
}

// NewOllamaAdapter creates an adapter for the server at endpoint. An empty
// endpoint uses DefaultOllamaEndpoint.
func NewOllamaAdapter(endpoint string, opts ...OllamaOption) *OllamaAdapter {
	if endpoint == "" {
		endpoint = DefaultOllamaEndpoint
	}
	a := &OllamaAdapter{
		endpoint: strings.TrimRight(endpoint, "/"),
		client:   &http.Client{},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Name returns the provider identifier.
func (a *OllamaAdapter) Name() string {
	return "ollama"
}

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatRequest struct {
	Model    string                 `json:"model"`
	Messages []ollamaMessage        `json:"messages"`
	Stream   bool                   `json:"stream"`
	Options  map[string]interface{} `json:"options,omitempty"`
}

type ollamaChatChunk struct {
	Model           string        `json:"model"`
	Message         ollamaMessage `json:"message"`
	Done            bool          `json:"done"`
	DoneReason      string        `json:"done_reason,omitempty"`
	PromptEvalCount int           `json:"prompt_eval_count,omitempty"`
	EvalCount       int           `json:"eval_count,omitempty"`
	TotalDuration   int64         `json:"total_duration,omitempty"`
	Error           string        `json:"error,omitempty"`
}

// Complete sends a blocking chat request.
func (a *OllamaAdapter) Complete(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	body, err := a.post(ctx, req, false)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	var chunk ollamaChatChunk
	if err := json.NewDecoder(body).Decode(&chunk); err != nil {
		if ctx.Err() != nil {
			return nil, aborted(a.Name(), "request cancelled", ctx.Err())
		}
		return nil, &Error{Kind: KindNetwork, Provider: a.Name(), Message: "decoding response", Cause: err}
	}
	if chunk.Error != "" {
		return nil, &Error{Kind: KindServer, Provider: a.Name(), Message: chunk.Error}
	}

	resp := a.buildResponse(req, chunk.Message.Content, chunk)
	resp.Latency = time.Since(start)
	return resp, nil
}

// Stream sends a streaming chat request. Ollama answers with one JSON object
// per line; the final object has done set and carries the token counts.
func (a *OllamaAdapter) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	body, err := a.post(ctx, req, true)
	if err != nil {
		return nil, err
	}

	return textStream(ctx, func(emit func(string) bool) (*Response, error) {
		defer body.Close()
		start := time.Now()

		scanner := bufio.NewScanner(body)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			var chunk ollamaChatChunk
			if err := json.Unmarshal(line, &chunk); err != nil {
				return nil, &Error{Kind: KindStream, Provider: a.Name(), Message: "malformed stream line", Cause: err}
			}
			if chunk.Error != "" {
				return nil, &Error{Kind: KindServer, Provider: a.Name(), Message: chunk.Error}
			}
			if !emit(chunk.Message.Content) {
				return nil, nil
			}
			if chunk.Done {
				resp := a.buildResponse(req, "", chunk)
				resp.Latency = time.Since(start)
				return resp, nil
			}
		}

		if ctx.Err() != nil {
			return nil, aborted(a.Name(), "stream cancelled", ctx.Err())
		}
		if err := scanner.Err(); err != nil {
			return nil, &Error{Kind: KindNetwork, Provider: a.Name(), Message: "reading stream", Cause: err}
		}
		return nil, &Error{Kind: KindStream, Provider: a.Name(), Message: "stream ended before done"}
	}), nil
}

// post issues the chat request and returns the response body on success.
func (a *OllamaAdapter) post(ctx context.Context, req Request, stream bool) (io.ReadCloser, error) {
	payload := ollamaChatRequest{
		Model:   req.Model,
		Stream:  stream,
		Options: a.requestOptions(req),
	}
	for _, m := range req.Messages {
		payload.Messages = append(payload.Messages, ollamaMessage{Role: string(m.Role), Content: m.Content})
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshalling ollama request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint+"/api/chat", bytes.NewReader(data))
	if err != nil {
		return nil, &Error{Kind: KindConfig, Provider: a.Name(), Message: "building request", Cause: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, aborted(a.Name(), "request cancelled", ctx.Err())
		}
		var netErr interface{ Timeout() bool }
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, &Error{Kind: KindTimeout, Provider: a.Name(), Message: "no response from server", Cause: err}
		}
		return nil, &Error{Kind: KindNetwork, Provider: a.Name(), Message: "server unreachable at " + a.endpoint, Cause: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		msg := strings.TrimSpace(string(raw))
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(raw, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		if msg == "" {
			msg = resp.Status
		}
		e := ErrorFromStatusCode(resp.StatusCode, msg, a.Name())
		e.RetryAfter = parseRetryAfter(resp.Header)
		if e.Kind == KindNotFound && req.Model != "" {
			e.Message += fmt.Sprintf(" (run `ollama pull %s`)", req.Model)
		}
		return nil, e
	}

	return resp.Body, nil
}

func (a *OllamaAdapter) requestOptions(req Request) map[string]interface{} {
	opts := make(map[string]interface{}, len(a.options)+3)
	for k, v := range a.options {
		opts[k] = v
	}
	if req.Temperature != nil {
		opts["temperature"] = *req.Temperature
	}
	if req.MaxTokens != nil {
		opts["num_predict"] = *req.MaxTokens
	}
	if len(req.StopSequences) > 0 {
		opts["stop"] = req.StopSequences
	}
	if len(opts) == 0 {
		return nil
	}
	return opts
}

func (a *OllamaAdapter) buildResponse(req Request, text string, final ollamaChatChunk) *Response {
	model := final.Model
	if model == "" {
		model = req.Model
	}
	reason := "stop"
	if final.DoneReason == "length" {
		reason = "length"
	}
	return &Response{
		ID:           "resp_" + uuid.New().String()[:8],
		Model:        model,
		Provider:     a.Name(),
		Message:      AssistantMessage(text),
		FinishReason: FinishReason{Reason: reason, Raw: final.DoneReason},
		Usage: Usage{
			InputTokens:  final.PromptEvalCount,
			OutputTokens: final.EvalCount,
			TotalTokens:  final.PromptEvalCount + final.EvalCount,
		},
	}
}

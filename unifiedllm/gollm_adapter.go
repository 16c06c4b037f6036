package unifiedllm

import (
	"context"
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/teilomillet/gollm"
)

// Defaults for hosted providers when the config leaves them unset.
const (
	gollmMaxTokens   = 4096
	gollmTemperature = 0.2
)

// GollmAdapter serves hosted providers (openai, anthropic, groq, mistral,
// ...) through gollm. gollm takes one prompt string, so the transcript is
// flattened into it with the system message passed separately.
type GollmAdapter struct {
	provider string
	model    string
	llm      gollm.LLM
}

// NewGollmAdapter creates an adapter for cfg.Provider. An empty cfg.Model
// falls back to the catalog default for that provider; an empty cfg.APIKey
// leaves gollm to read the provider's usual environment variable.
func NewGollmAdapter(cfg ClientConfig) (*GollmAdapter, error) {
	model := ResolveModelID(cfg.Model)
	if model == "" {
		info := DefaultModel(cfg.Provider)
		if info == nil {
			return nil, &Error{Kind: KindConfig, Provider: cfg.Provider,
				Message: "no model configured and no default known for this provider"}
		}
		model = info.ID
	}

	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = gollmMaxTokens
	}
	temperature := gollmTemperature
	if cfg.Temperature != nil {
		temperature = *cfg.Temperature
	}

	opts := []gollm.ConfigOption{
		gollm.SetProvider(cfg.Provider),
		gollm.SetModel(model),
		gollm.SetMaxTokens(maxTokens),
		gollm.SetTemperature(temperature),
		gollm.SetMaxRetries(0), // RetryMiddleware owns retries
		gollm.SetLogLevel(gollm.LogLevelWarn),
	}
	if cfg.APIKey != "" {
		opts = append(opts, gollm.SetAPIKey(cfg.APIKey))
	}

	llm, err := gollm.NewLLM(opts...)
	if err != nil {
		return nil, &Error{Kind: KindConfig, Provider: cfg.Provider, Message: "creating client", Cause: err}
	}
	return &GollmAdapter{provider: cfg.Provider, model: model, llm: llm}, nil
}

// Name returns the provider identifier.
func (a *GollmAdapter) Name() string {
	return a.provider
}

// Complete sends a blocking request.
func (a *GollmAdapter) Complete(ctx context.Context, req Request) (*Response, error) {
	prompt, err := a.prepare(req)
	if err != nil {
		return nil, err
	}
	text, err := a.llm.Generate(ctx, prompt)
	if err != nil {
		return nil, a.translateError(ctx, err)
	}
	return a.buildResponse(req, text), nil
}

// Stream sends a streaming request. Providers gollm cannot stream from are
// answered with the whole reply as a single delta.
func (a *GollmAdapter) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	prompt, err := a.prepare(req)
	if err != nil {
		return nil, err
	}

	if !a.llm.SupportsStreaming() {
		return textStream(ctx, func(emit func(string) bool) (*Response, error) {
			text, err := a.llm.Generate(ctx, prompt)
			if err != nil {
				return nil, a.translateError(ctx, err)
			}
			emit(text)
			return a.buildResponse(req, text), nil
		}), nil
	}

	stream, err := a.llm.Stream(ctx, prompt)
	if err != nil {
		return nil, a.translateError(ctx, err)
	}
	return textStream(ctx, func(emit func(string) bool) (*Response, error) {
		defer stream.Close()
		var text strings.Builder
		for {
			token, err := stream.Next(ctx)
			if err == io.EOF {
				return a.buildResponse(req, text.String()), nil
			}
			if err != nil {
				return nil, a.translateError(ctx, err)
			}
			if token == nil {
				continue
			}
			text.WriteString(token.Text)
			if !emit(token.Text) {
				return nil, nil
			}
		}
	}), nil
}

// prepare builds the prompt and applies per-request overrides.
func (a *GollmAdapter) prepare(req Request) (*gollm.Prompt, error) {
	prompt, err := a.flatten(req)
	if err != nil {
		return nil, err
	}
	if req.Model != "" {
		a.llm.SetOption("model", ResolveModelID(req.Model))
	}
	if req.Temperature != nil {
		a.llm.SetOption("temperature", *req.Temperature)
	}
	if req.MaxTokens != nil {
		a.llm.SetOption("max_tokens", *req.MaxTokens)
	}
	return prompt, nil
}

// flatten renders the transcript as one prompt. Model replies are labelled
// so that code the model already wrote is not mistaken for the user's.
func (a *GollmAdapter) flatten(req Request) (*gollm.Prompt, error) {
	var turns []string
	for _, msg := range req.Messages {
		if msg.Content == "" {
			continue
		}
		switch msg.Role {
		case RoleUser:
			turns = append(turns, msg.Content)
		case RoleAssistant:
			turns = append(turns, "[Assistant]: "+msg.Content)
		}
	}
	if len(turns) == 0 {
		return nil, &Error{Kind: KindInvalidRequest, Provider: a.provider,
			Message: "request has no user or assistant content"}
	}

	var opts []gollm.PromptOption
	if system := strings.TrimSpace(joinText(req.Messages, RoleSystem, "\n")); system != "" {
		opts = append(opts, gollm.WithSystemPrompt(system, gollm.CacheTypeEphemeral))
	}
	if req.MaxTokens != nil {
		opts = append(opts, gollm.WithMaxLength(*req.MaxTokens))
	}
	return gollm.NewPrompt(strings.Join(turns, "\n\n"), opts...), nil
}

// buildResponse wraps text in a Response. gollm does not report usage, so
// token counts are estimated at four characters per token.
func (a *GollmAdapter) buildResponse(req Request, text string) *Response {
	model := req.Model
	if model == "" {
		model = a.model
	}
	in := 0
	for _, msg := range req.Messages {
		in += len(msg.Content) / 4
	}
	out := len(text) / 4
	return &Response{
		ID:           "resp_" + uuid.New().String()[:8],
		Model:        model,
		Provider:     a.provider,
		Message:      AssistantMessage(text),
		FinishReason: FinishReason{Reason: "stop", Raw: "stop"},
		Usage:        Usage{InputTokens: in, OutputTokens: out, TotalTokens: in + out},
	}
}

// statusPattern finds an HTTP status code in a gollm error message.
var statusPattern = regexp.MustCompile(`\b([45]\d\d)\b`)

// errorHints classify gollm errors by message text. They win over a status
// code found in the same message, since providers reuse 400 for context
// overflows.
var errorHints = []struct {
	text string
	kind ErrorKind
}{
	{"context length", KindContextLength},
	{"too many tokens", KindContextLength},
	{"api key", KindAuth},
	{"unauthorized", KindAuth},
	{"forbidden", KindAuth},
	{"rate limit", KindRateLimit},
	{"not found", KindNotFound},
	{"timeout", KindTimeout},
	{"deadline exceeded", KindTimeout},
	{"connection refused", KindNetwork},
	{"no such host", KindNetwork},
}

// translateError classifies a gollm error. gollm returns plain errors, so
// the status code and kind are recovered from the message.
func (a *GollmAdapter) translateError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return aborted(a.provider, "request cancelled", ctx.Err())
	}

	e := &Error{Kind: KindUnknown, Provider: a.provider, Message: "request failed", Cause: err}
	msg := err.Error()
	if m := statusPattern.FindStringSubmatch(msg); m != nil {
		e.StatusCode, _ = strconv.Atoi(m[1])
		e.Kind = kindForStatus(e.StatusCode)
	}
	lower := strings.ToLower(msg)
	for _, h := range errorHints {
		if strings.Contains(lower, h.text) {
			e.Kind = h.kind
			break
		}
	}
	return e
}

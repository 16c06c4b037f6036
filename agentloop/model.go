package agentloop

import (
	"context"
	"errors"
	"fmt"

	"github.com/martinemde/miniagent/unifiedllm"
)

// ErrInterrupted is returned by Session.Submit when the request context is
// cancelled. The returned error also matches the context's error.
var ErrInterrupted = errors.New("interrupted")

// ErrSessionClosed is returned by Submit after Close.
var ErrSessionClosed = errors.New("session is closed")

// ErrSessionBusy is returned by Submit while another request is running.
var ErrSessionBusy = errors.New("session is already processing a request")

// ModelCallError reports a failed call to the model. It ends the current
// request but not the session.
type ModelCallError struct {
	Err error
}

func (e *ModelCallError) Error() string {
	return fmt.Sprintf("model call failed: %v", e.Err)
}

func (e *ModelCallError) Unwrap() error {
	return e.Err
}

// Model produces the assistant's reply to a conversation view. When onDelta
// is non-nil it receives text as it is produced; the returned string is the
// full reply.
type Model interface {
	Generate(ctx context.Context, messages []unifiedllm.Message, onDelta func(string)) (string, error)
}

// Confirmer gates execution of a code block. Returning false, or an error,
// declines the block.
type Confirmer interface {
	Confirm(ctx context.Context, block CodeBlock) (bool, error)
}

// Prompter answers interactive input requested by executed code. Prompt
// shows question and returns the user's reply without its line ending; it
// returns early with an error when ctx is done.
type Prompter interface {
	Prompt(ctx context.Context, question string) (string, error)
}

// ConfirmFunc adapts a function to the Confirmer interface.
type ConfirmFunc func(ctx context.Context, block CodeBlock) (bool, error)

// Confirm calls f.
func (f ConfirmFunc) Confirm(ctx context.Context, block CodeBlock) (bool, error) {
	return f(ctx, block)
}

// ClientModel is a Model backed by a unifiedllm.Client.
type ClientModel struct {
	Client   *unifiedllm.Client
	Model    string
	Provider string
	Stream   bool
}

// Generate sends messages to the configured model. Streaming responses are
// echoed through onDelta as they arrive; blocking responses are passed to
// onDelta once, in full.
func (m *ClientModel) Generate(ctx context.Context, messages []unifiedllm.Message, onDelta func(string)) (string, error) {
	req := unifiedllm.Request{
		Model:    m.Model,
		Provider: m.Provider,
		Messages: messages,
	}

	if m.Stream {
		events, err := m.Client.Stream(ctx, req)
		if err != nil {
			return "", err
		}
		resp, err := unifiedllm.CollectStream(events, onDelta)
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if err != nil {
			return "", err
		}
		return resp.Text(), nil
	}

	resp, err := m.Client.Complete(ctx, req)
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	if err != nil {
		return "", err
	}
	if onDelta != nil && resp.Text() != "" {
		onDelta(resp.Text())
	}
	return resp.Text(), nil
}

package main

import (
	"context"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/martinemde/miniagent/agentloop"
	"github.com/martinemde/miniagent/unifiedllm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// replyModel answers DONE, or waits for cancellation when block is set.
type replyModel struct {
	block bool
	calls atomic.Int32
}

func (m *replyModel) Generate(ctx context.Context, _ []unifiedllm.Message, _ func(string)) (string, error) {
	m.calls.Add(1)
	if m.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return "DONE", nil
}

type replHarness struct {
	lines chan string
	sigs  chan os.Signal
	out   *lockedBuffer
	done  chan error
}

func startRepl(t *testing.T, model agentloop.Model) *replHarness {
	t.Helper()
	cfg := agentloop.DefaultSessionConfig()
	cfg.WorkingDir = t.TempDir()
	cfg.ProjectDocs = false
	session := agentloop.NewSession(model, &cfg, agentloop.WithSystemPrompt("sys"))
	t.Cleanup(session.Close)

	h := &replHarness{
		lines: make(chan string),
		sigs:  make(chan os.Signal),
		done:  make(chan error, 1),
	}
	var con *console
	con, h.out = testConsole(h.lines)
	go func() { h.done <- repl(context.Background(), session, con, h.sigs) }()
	return h
}

func (h *replHarness) wait(t *testing.T) {
	t.Helper()
	select {
	case err := <-h.done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("repl did not return")
	}
}

func (h *replHarness) running() bool {
	select {
	case err := <-h.done:
		h.done <- err
		return false
	default:
		return true
	}
}

func TestReplEOFSaysBye(t *testing.T) {
	h := startRepl(t, &replyModel{})
	close(h.lines)
	h.wait(t)
	assert.Equal(t, "> bye\n", h.out.String())
}

func TestReplDoubleInterruptQuits(t *testing.T) {
	h := startRepl(t, &replyModel{})
	h.sigs <- os.Interrupt
	h.sigs <- os.Interrupt
	h.wait(t)
	assert.Equal(t, "> ctrl-c again to quit\n> bye\n", h.out.String())
}

func TestReplInputDisarmsInterrupt(t *testing.T) {
	model := &replyModel{}
	h := startRepl(t, model)

	h.sigs <- os.Interrupt
	h.lines <- "hi"
	// Wait for the request to finish so the next signal reaches the prompt.
	require.Eventually(t, func() bool { return h.out.String() == "> ctrl-c again to quit\n> > " }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), model.calls.Load())
	h.sigs <- os.Interrupt
	require.Eventually(t, func() bool {
		return h.out.String() == "> ctrl-c again to quit\n> > ctrl-c again to quit\n> "
	}, time.Second, 5*time.Millisecond)
	assert.True(t, h.running())

	close(h.lines)
	h.wait(t)
	assert.Equal(t, "> ctrl-c again to quit\n> > ctrl-c again to quit\n> bye\n", h.out.String())
}

func TestReplInterruptCancelsRequestOnly(t *testing.T) {
	model := &replyModel{block: true}
	h := startRepl(t, model)

	h.lines <- "long job"
	require.Eventually(t, func() bool { return model.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	h.sigs <- os.Interrupt
	require.Eventually(t, func() bool { return h.out.String() == "> [interrupted]\n> " }, time.Second, 5*time.Millisecond)
	assert.True(t, h.running())

	close(h.lines)
	h.wait(t)
	assert.Equal(t, "> [interrupted]\n> bye\n", h.out.String())
}

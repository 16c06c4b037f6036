package agentloop

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/martinemde/miniagent/unifiedllm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedModel replays canned replies and records the views it was sent.
type scriptedModel struct {
	mu      sync.Mutex
	replies []string
	err     error
	calls   [][]unifiedllm.Message
	// block, when set, makes Generate wait for ctx cancellation.
	block bool
}

func (m *scriptedModel) Generate(ctx context.Context, messages []unifiedllm.Message, onDelta func(string)) (string, error) {
	m.mu.Lock()
	m.calls = append(m.calls, messages)
	call := len(m.calls)
	m.mu.Unlock()

	if m.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if m.err != nil {
		return "", m.err
	}
	reply := "DONE"
	if call <= len(m.replies) {
		reply = m.replies[call-1]
	}
	if onDelta != nil {
		onDelta(reply)
	}
	return reply, nil
}

func (m *scriptedModel) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

type eventLog struct {
	mu     sync.Mutex
	events []SessionEvent
}

func (l *eventLog) record(ev SessionEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) kinds() []EventKind {
	l.mu.Lock()
	defer l.mu.Unlock()
	kinds := make([]EventKind, len(l.events))
	for i, ev := range l.events {
		kinds[i] = ev.Kind
	}
	return kinds
}

func (l *eventLog) count(kind EventKind) int {
	n := 0
	for _, k := range l.kinds() {
		if k == kind {
			n++
		}
	}
	return n
}

func (l *eventLog) of(kind EventKind) []SessionEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []SessionEvent
	for _, ev := range l.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func newTestSession(t *testing.T, model Model, mutate func(*SessionConfig), opts ...SessionOption) (*Session, *eventLog) {
	t.Helper()
	cfg := DefaultSessionConfig()
	cfg.WorkingDir = t.TempDir()
	cfg.ExecTimeout = 5 * time.Second
	cfg.ProjectDocs = false
	if mutate != nil {
		mutate(&cfg)
	}
	opts = append([]SessionOption{WithSystemPrompt("sys")}, opts...)
	s := NewSession(model, &cfg, opts...)
	log := &eventLog{}
	s.Subscribe(log.record)
	t.Cleanup(s.Close)
	return s, log
}

func TestSessionCompletesImmediately(t *testing.T) {
	model := &scriptedModel{replies: []string{"Nothing to do. DONE"}}
	s, log := newTestSession(t, model, nil)

	out, err := s.Submit(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, StopComplete, out.Reason)
	assert.Equal(t, 1, out.Turns)

	history := s.History()
	require.Len(t, history, 3)
	assert.Equal(t, "hello", history[1].Content)
	assert.Equal(t, "Nothing to do. DONE", history[2].Content)
	assert.Equal(t, 1, log.count(EventRequestComplete))
	assert.Equal(t, StateIdle, s.State())
}

func TestSessionExecutesAndFeedsBack(t *testing.T) {
	model := &scriptedModel{replies: []string{
		"```python\nx = 6 * 7\nprint(x)\n```",
		"```python\nprint(x + 1)\n```",
		"DONE",
	}}
	s, log := newTestSession(t, model, func(c *SessionConfig) { c.Language = LanguageInterpreted })

	out, err := s.Submit(context.Background(), "compute")
	require.NoError(t, err)
	assert.Equal(t, StopComplete, out.Reason)
	assert.Equal(t, 3, out.Turns)

	history := s.History()
	require.Len(t, history, 7)
	assert.Equal(t, unifiedllm.RoleUser, history[3].Role)
	assert.Equal(t, FeedbackMessage("stdout:\n42\n", "compute", LanguageInterpreted), history[3].Content)
	assert.Contains(t, history[5].Content, "stdout:\n43\n")

	assert.Equal(t, 2, log.count(EventExecStart))
	assert.Equal(t, 2, log.count(EventExecEnd))
	assert.Equal(t, 2, log.count(EventFeedback))
}

func TestSessionFeedbackKeepsMiddleError(t *testing.T) {
	requireBash(t)
	model := &scriptedModel{replies: []string{
		"```bash\nhead -c 6000 /dev/zero | tr '\\0' a\n```\n" +
			"```bash\nexit 7\n```\n" +
			"```bash\nhead -c 6000 /dev/zero | tr '\\0' b\n```",
		"DONE",
	}}
	s, log := newTestSession(t, model, nil)

	out, err := s.Submit(context.Background(), "make noise")
	require.NoError(t, err)
	assert.Equal(t, StopComplete, out.Reason)
	assert.Equal(t, 3, log.count(EventExecEnd))

	history := s.History()
	require.Len(t, history, 5)
	feedback := history[3].Content
	assert.Contains(t, feedback, "\nerror:\nexit code 7\n")
	assert.Equal(t, 2, strings.Count(feedback, "[output truncated: 2000 characters removed from the middle]"))
	assert.Contains(t, feedback, strings.Repeat("a", 2000))
	assert.Contains(t, feedback, strings.Repeat("b", 2000))
	assert.True(t, strings.HasSuffix(feedback, ResultSuffix("make noise", LanguageShell)))
}

func TestSessionNudgesWhenNoCode(t *testing.T) {
	model := &scriptedModel{replies: []string{"I would run ls.", "DONE"}}
	s, log := newTestSession(t, model, nil)

	out, err := s.Submit(context.Background(), "list files")
	require.NoError(t, err)
	assert.Equal(t, StopComplete, out.Reason)

	history := s.History()
	require.Len(t, history, 5)
	assert.Equal(t, ResultSuffix("list files", LanguageShell), history[3].Content)
	assert.Equal(t, 1, log.count(EventNudge))
	assert.Zero(t, log.count(EventExecStart))
}

func TestSessionTurnLimit(t *testing.T) {
	replies := make([]string, 10)
	for i := range replies {
		replies[i] = "no code here"
	}
	model := &scriptedModel{replies: replies}
	s, log := newTestSession(t, model, func(c *SessionConfig) { c.MaxTurns = 3 })

	out, err := s.Submit(context.Background(), "go")
	require.NoError(t, err)
	assert.Equal(t, StopTurnLimit, out.Reason)
	assert.Equal(t, 3, out.Turns)
	assert.Equal(t, 3, model.callCount())
	assert.Equal(t, 1, log.count(EventTurnLimit))

	// user, then (assistant, nudge) per turn; nothing extra after the cap.
	assert.Len(t, s.History(), 1+1+3*2)
}

func TestSessionDecline(t *testing.T) {
	requireBash(t)
	model := &scriptedModel{replies: []string{
		"```bash\necho first\n```\n```bash\necho second\n```",
		"DONE",
	}}
	var asked []CodeBlock
	confirm := ConfirmFunc(func(_ context.Context, b CodeBlock) (bool, error) {
		asked = append(asked, b)
		return len(asked) == 1, nil
	})
	s, log := newTestSession(t, model, func(c *SessionConfig) { c.ConfirmExecution = true }, WithConfirmer(confirm))

	out, err := s.Submit(context.Background(), "run")
	require.NoError(t, err)
	assert.Equal(t, StopComplete, out.Reason)
	require.Len(t, asked, 2)

	history := s.History()
	require.Len(t, history, 5)
	assert.Equal(t, DeclineMessage, history[3].Content)
	assert.Equal(t, 1, log.count(EventExecDeclined))
	assert.Zero(t, log.count(EventFeedback))
}

func TestSessionConfirmWithoutConfirmerDeclines(t *testing.T) {
	model := &scriptedModel{replies: []string{"```bash\necho hi\n```", "DONE"}}
	s, log := newTestSession(t, model, func(c *SessionConfig) { c.ConfirmExecution = true })

	_, err := s.Submit(context.Background(), "run")
	require.NoError(t, err)
	assert.Zero(t, log.count(EventExecStart))
	assert.Equal(t, DeclineMessage, s.History()[3].Content)
}

func TestSessionModelError(t *testing.T) {
	cause := &unifiedllm.Error{Kind: unifiedllm.KindServer, Provider: "ollama", StatusCode: 500, Message: "boom"}
	model := &scriptedModel{err: cause}
	s, log := newTestSession(t, model, nil)

	out, err := s.Submit(context.Background(), "hi")
	require.Error(t, err)
	var callErr *ModelCallError
	require.ErrorAs(t, err, &callErr)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, StopModelError, out.Reason)
	assert.Equal(t, 1, log.count(EventError))

	// The session stays usable.
	model.err = nil
	out, err = s.Submit(context.Background(), "again")
	require.NoError(t, err)
	assert.Equal(t, StopComplete, out.Reason)
}

func TestSessionInterruptDuringModelCall(t *testing.T) {
	model := &scriptedModel{block: true}
	s, log := newTestSession(t, model, nil)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	out, err := s.Submit(ctx, "hi")
	assert.ErrorIs(t, err, ErrInterrupted)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StopInterrupted, out.Reason)
	assert.Equal(t, 1, log.count(EventInterrupted))

	// No assistant message was recorded.
	assert.Len(t, s.History(), 2)
}

func TestSessionInterruptDuringExecution(t *testing.T) {
	requireBash(t)
	model := &scriptedModel{replies: []string{"```bash\nsleep 30\n```"}}
	s, _ := newTestSession(t, model, nil)

	ctx, cancel := context.WithCancel(context.Background())
	s.Subscribe(func(ev SessionEvent) {
		if ev.Kind == EventExecStart {
			time.AfterFunc(50*time.Millisecond, cancel)
		}
	})

	start := time.Now()
	out, err := s.Submit(ctx, "wait")
	assert.ErrorIs(t, err, ErrInterrupted)
	assert.Equal(t, StopInterrupted, out.Reason)
	assert.Less(t, time.Since(start), 10*time.Second)

	// No feedback for the interrupted block.
	history := s.History()
	require.Len(t, history, 3)
	assert.Equal(t, unifiedllm.RoleAssistant, history[2].Role)
}

func TestSessionAlreadyCancelled(t *testing.T) {
	model := &scriptedModel{}
	s, _ := newTestSession(t, model, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out, err := s.Submit(ctx, "hi")
	assert.ErrorIs(t, err, ErrInterrupted)
	assert.Equal(t, 0, out.Turns)
	assert.Zero(t, model.callCount())
}

func TestSessionTruncatesModelView(t *testing.T) {
	model := &scriptedModel{replies: []string{"no code", "no code", "DONE"}}
	s, _ := newTestSession(t, model, func(c *SessionConfig) { c.MaxHistoryChars = 40 })

	_, err := s.Submit(context.Background(), "a request that is long enough to matter")
	require.NoError(t, err)

	for _, view := range model.calls {
		assert.Equal(t, unifiedllm.RoleSystem, view[0].Role)
		total := 0
		for _, m := range view {
			total += m.Len()
		}
		assert.LessOrEqual(t, total, 40)
	}
	// The transcript itself is never truncated.
	assert.Len(t, s.History(), 1+1+2*2+1)
}

func TestSessionLoopDetectionWarnsOnly(t *testing.T) {
	requireBash(t)
	replies := []string{}
	for i := 0; i < 4; i++ {
		replies = append(replies, "```bash\ntrue\n```")
	}
	model := &scriptedModel{replies: append(replies, "DONE")}
	s, log := newTestSession(t, model, func(c *SessionConfig) { c.LoopDetectionWindow = 3 })

	out, err := s.Submit(context.Background(), "loop")
	require.NoError(t, err)
	assert.Equal(t, StopComplete, out.Reason)
	assert.Equal(t, 2, log.count(EventLoopDetection))
	assert.Equal(t, 4, log.count(EventExecEnd))
}

func TestSessionWarnsAboutLingeringWork(t *testing.T) {
	requireBash(t)
	model := &scriptedModel{replies: []string{"```bash\nsleep 5 & echo started\n```", "DONE"}}
	s, log := newTestSession(t, model, nil)

	out, err := s.Submit(context.Background(), "background")
	require.NoError(t, err)
	assert.Equal(t, StopComplete, out.Reason)

	warnings := log.of(EventWarning)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0].String("message"), "background processes still held the output pipes")
	assert.Contains(t, s.History()[3].Content, "stdout:\nstarted\n")
}

func TestSessionPrompterAnswersInput(t *testing.T) {
	model := &scriptedModel{replies: []string{
		"```python\ncolor = input('favorite color? ')\n```",
		"```python\nprint(color.upper())\n```",
		"DONE",
	}}
	prompter := promptFunc(func(_ context.Context, q string) (string, error) {
		return "teal", nil
	})
	s, _ := newTestSession(t, model, func(c *SessionConfig) { c.Language = LanguageInterpreted }, WithPrompter(prompter))

	_, err := s.Submit(context.Background(), "ask me")
	require.NoError(t, err)
	history := s.History()
	require.Len(t, history, 7)
	assert.Contains(t, history[3].Content, "stdout:\nfavorite color? teal\n")
	assert.Contains(t, history[5].Content, "stdout:\nTEAL\n")
}

func TestSessionBusyAndClosed(t *testing.T) {
	model := &scriptedModel{block: true}
	s, log := newTestSession(t, model, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = s.Submit(ctx, "first")
	}()

	require.Eventually(t, func() bool { return s.State() == StateProcessing }, time.Second, 5*time.Millisecond)
	_, err := s.Submit(context.Background(), "second")
	assert.ErrorIs(t, err, ErrSessionBusy)

	cancel()
	<-done
	assert.Equal(t, StateIdle, s.State())

	s.Close()
	_, err = s.Submit(context.Background(), "third")
	assert.ErrorIs(t, err, ErrSessionClosed)
	assert.Equal(t, 1, log.count(EventSessionEnd))
}

func TestSessionStreamsDeltas(t *testing.T) {
	model := &scriptedModel{replies: []string{"DONE"}}
	s, log := newTestSession(t, model, nil)
	s.Start()

	_, err := s.Submit(context.Background(), "hi")
	require.NoError(t, err)
	assert.Equal(t, []EventKind{
		EventSessionStart,
		EventUserInput,
		EventAssistantTextStart,
		EventAssistantTextDelta,
		EventAssistantTextEnd,
		EventRequestComplete,
	}, log.kinds())
}

func TestDefaultSessionConfig(t *testing.T) {
	cfg := DefaultSessionConfig()
	assert.Equal(t, 20, cfg.MaxTurns)
	assert.Equal(t, 12000, cfg.MaxHistoryChars)
	assert.Equal(t, 30*time.Second, cfg.ExecTimeout)
	assert.Equal(t, LanguageShell, cfg.Language)
	assert.False(t, cfg.ConfirmExecution)
}

func TestModelCallErrorUnwrap(t *testing.T) {
	inner := errors.New("refused")
	err := error(&ModelCallError{Err: inner})
	assert.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), "refused")
}

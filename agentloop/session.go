package agentloop

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/martinemde/miniagent/unifiedllm"
)

// Defaults for SessionConfig.
const (
	DefaultMaxTurns        = 20
	DefaultMaxHistoryChars = 12000
	DefaultExecTimeout     = 30 * time.Second
)

// SessionState represents the current lifecycle state of a session.
type SessionState string

const (
	StateIdle       SessionState = "idle"
	StateProcessing SessionState = "processing"
	StateClosed     SessionState = "closed"
)

// StopReason says why a request's loop ended.
type StopReason string

const (
	StopComplete    StopReason = "complete"
	StopTurnLimit   StopReason = "turn_limit"
	StopInterrupted StopReason = "interrupted"
	StopModelError  StopReason = "model_error"
)

// RequestOutcome summarizes one call to Submit.
type RequestOutcome struct {
	Reason StopReason
	// Turns is the number of model calls made for the request.
	Turns int
}

// SessionConfig holds configuration for a session.
type SessionConfig struct {
	Model               string        `json:"model"`
	WorkingDir          string        `json:"working_dir"`
	Language            Language      `json:"language"`             // preferred fence language
	MaxTurns            int           `json:"max_turns"`            // model calls per user request
	MaxHistoryChars     int           `json:"max_history_chars"`    // 0 = send full transcript
	MaxFeedbackChars    int           `json:"max_feedback_chars"`   // 0 = unlimited
	ExecTimeout         time.Duration `json:"exec_timeout"`
	Shell               string        `json:"shell"`
	ConfirmExecution    bool          `json:"confirm_execution"`
	EnableLoopDetection bool          `json:"enable_loop_detection"`
	LoopDetectionWindow int           `json:"loop_detection_window"`
	ProjectDocs         bool          `json:"project_docs"` // include AGENTS.md in the system prompt
}

// DefaultSessionConfig returns the default configuration.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		Language:            LanguageShell,
		MaxTurns:            DefaultMaxTurns,
		MaxHistoryChars:     DefaultMaxHistoryChars,
		MaxFeedbackChars:    DefaultMaxFeedbackChars,
		ExecTimeout:         DefaultExecTimeout,
		Shell:               DefaultShell,
		EnableLoopDetection: true,
		LoopDetectionWindow: DefaultLoopWindow,
		ProjectDocs:         true,
	}
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithConfirmer sets the gate consulted before each block when
// ConfirmExecution is enabled. Without one every block is declined.
func WithConfirmer(c Confirmer) SessionOption {
	return func(s *Session) {
		s.confirmer = c
	}
}

// WithPrompter lets interpreted code ask the user for input with input().
// Without one, input() fails.
func WithPrompter(p Prompter) SessionOption {
	return func(s *Session) {
		s.prompter = p
	}
}

// WithLogger sets the session logger.
func WithLogger(l *slog.Logger) SessionOption {
	return func(s *Session) {
		s.logger = l
	}
}

// WithSystemPrompt replaces the generated system prompt.
func WithSystemPrompt(prompt string) SessionOption {
	return func(s *Session) {
		s.systemPrompt = prompt
	}
}

// Session is the turn orchestrator. It owns the conversation and the
// sandbox, and runs one user request at a time: call the model, parse the
// reply, run its code, feed the results back, until the model signals
// completion, the turn budget runs out, the model call fails, or the
// request is cancelled.
type Session struct {
	id           string
	config       SessionConfig
	model        Model
	confirmer    Confirmer
	prompter     Prompter
	conversation *Conversation
	sandbox      *Sandbox
	emitter      *EventEmitter
	logger       *slog.Logger
	systemPrompt string
	state        SessionState
	mu           sync.Mutex
}

// NewSession creates a session that talks to model. A nil config uses
// DefaultSessionConfig.
func NewSession(model Model, config *SessionConfig, opts ...SessionOption) *Session {
	sessionID := uuid.Must(uuid.NewV7()).String()

	cfg := DefaultSessionConfig()
	if config != nil {
		cfg = *config
	}
	if cfg.WorkingDir == "" {
		cfg.WorkingDir, _ = os.Getwd()
	}
	if cfg.Language == "" {
		cfg.Language = LanguageShell
	}

	s := &Session{
		id:      sessionID,
		config:  cfg,
		model:   model,
		emitter: NewEventEmitter(sessionID),
		logger:  slog.Default(),
		state:   StateIdle,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(slog.String("session_id", sessionID))

	if s.systemPrompt == "" {
		docs := ""
		if cfg.ProjectDocs {
			docs = DiscoverProjectDocs(cfg.WorkingDir)
		}
		s.systemPrompt = BuildSystemPrompt(LocalEnvironment(cfg.WorkingDir, cfg.Model), cfg.Language, docs)
	}

	s.conversation = NewConversation(s.systemPrompt)
	s.sandbox = NewSandbox(cfg.WorkingDir, cfg.Shell, cfg.ExecTimeout, s.logger)
	s.sandbox.Interpreter().SetPrompter(s.prompter)
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Config returns the session configuration.
func (s *Session) Config() SessionConfig { return s.config }

// State returns the current session state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// History returns a copy of the full transcript.
func (s *Session) History() []unifiedllm.Message {
	return s.conversation.Messages()
}

// Sandbox returns the sandbox that executes this session's code.
func (s *Session) Sandbox() *Sandbox {
	return s.sandbox
}

// Subscribe registers fn for session events.
func (s *Session) Subscribe(fn Subscriber) {
	s.emitter.Subscribe(fn)
}

// Start announces the session to subscribers.
func (s *Session) Start() {
	s.emitter.Emit(EventSessionStart, map[string]interface{}{
		"model":    s.config.Model,
		"language": string(s.config.Language),
		"cwd":      s.config.WorkingDir,
	})
}

// Close terminates the session.
func (s *Session) Close() {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateClosed
	s.mu.Unlock()

	s.emitter.Emit(EventSessionEnd, map[string]interface{}{
		"state":    string(StateClosed),
		"messages": s.conversation.Len(),
	})
	s.emitter.Close()
}

// Submit processes one user request through the agentic loop. Model
// failures return a *ModelCallError and cancellation returns an error
// matching ErrInterrupted; in both cases the outcome is also returned and
// the session remains usable.
func (s *Session) Submit(ctx context.Context, userInput string) (*RequestOutcome, error) {
	s.mu.Lock()
	switch s.state {
	case StateClosed:
		s.mu.Unlock()
		return nil, ErrSessionClosed
	case StateProcessing:
		s.mu.Unlock()
		return nil, ErrSessionBusy
	}
	s.state = StateProcessing
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		if s.state == StateProcessing {
			s.state = StateIdle
		}
		s.mu.Unlock()
	}()

	return s.processInput(ctx, userInput)
}

// processInput is the per-request state machine.
func (s *Session) processInput(ctx context.Context, request string) (*RequestOutcome, error) {
	s.conversation.AppendUser(request)
	s.emitter.Emit(EventUserInput, map[string]interface{}{
		"content": request,
	})

	outcome := &RequestOutcome{}
	for {
		if outcome.Turns >= s.config.MaxTurns {
			outcome.Reason = StopTurnLimit
			s.emitter.Emit(EventTurnLimit, map[string]interface{}{
				"turns": outcome.Turns,
			})
			return outcome, nil
		}
		if ctx.Err() != nil {
			return s.interrupted(ctx, outcome)
		}

		// Model call.
		outcome.Turns++
		view := s.conversation.Snapshot(s.config.MaxHistoryChars)
		s.emitter.Emit(EventAssistantTextStart, map[string]interface{}{
			"turn":     outcome.Turns,
			"messages": len(view),
		})
		text, err := s.model.Generate(ctx, view, func(delta string) {
			s.emitter.Emit(EventAssistantTextDelta, map[string]interface{}{
				"delta": delta,
			})
		})
		if err != nil {
			if ctx.Err() != nil || unifiedllm.IsAbort(err) {
				return s.interrupted(ctx, outcome)
			}
			outcome.Reason = StopModelError
			s.emitter.Emit(EventError, map[string]interface{}{
				"error": err.Error(),
			})
			return outcome, &ModelCallError{Err: err}
		}

		s.conversation.AppendAssistant(text)
		s.emitter.Emit(EventAssistantTextEnd, map[string]interface{}{
			"text": text,
		})

		// Parse.
		parsed := ParseResponse(text)
		if parsed.Complete {
			outcome.Reason = StopComplete
			s.emitter.Emit(EventRequestComplete, map[string]interface{}{
				"turns": outcome.Turns,
			})
			return outcome, nil
		}
		if len(parsed.Blocks) == 0 {
			s.conversation.AppendUser(ResultSuffix(request, s.config.Language))
			s.emitter.Emit(EventNudge, nil)
			continue
		}

		s.checkLoop()

		// Confirm and execute.
		results, declined, err := s.runBlocks(ctx, parsed.Blocks)
		if err != nil {
			return s.interrupted(ctx, outcome)
		}
		if declined {
			s.conversation.AppendUser(DeclineMessage)
			s.emitter.Emit(EventExecDeclined, nil)
			continue
		}

		// Feedback.
		feedback := FormatFeedback(results, s.config.MaxFeedbackChars)
		s.emitter.Emit(EventFeedback, map[string]interface{}{
			"feedback": feedback,
		})
		s.conversation.AppendUser(FeedbackMessage(feedback, request, s.config.Language))
	}
}

// runBlocks executes blocks in order. A decline stops the remaining blocks
// and discards results already gathered for this response. A non-nil error
// means the context was cancelled mid-execution.
func (s *Session) runBlocks(ctx context.Context, blocks []CodeBlock) ([]*ExecutionResult, bool, error) {
	results := make([]*ExecutionResult, 0, len(blocks))
	for i, block := range blocks {
		if s.config.ConfirmExecution && !s.confirm(ctx, block) {
			return nil, true, nil
		}

		s.emitter.Emit(EventExecStart, map[string]interface{}{
			"index":    i,
			"language": string(block.Language),
			"tag":      block.Tag,
			"source":   block.Source,
		})
		res, err := s.sandbox.Execute(ctx, block)
		if err != nil {
			return nil, false, err
		}
		if res.Warning != "" {
			s.logger.Warn("block left work behind", slog.Int("index", i), slog.String("warning", res.Warning))
			s.emitter.Emit(EventWarning, map[string]interface{}{
				"index":   i,
				"message": res.Warning,
			})
		}
		s.emitter.Emit(EventExecEnd, map[string]interface{}{
			"index":       i,
			"language":    string(block.Language),
			"kind":        string(res.Kind),
			"error":       res.Error,
			"exit_code":   res.ExitCode,
			"duration_ms": res.Duration.Milliseconds(),
		})
		results = append(results, res)
	}
	return results, false, nil
}

func (s *Session) confirm(ctx context.Context, block CodeBlock) bool {
	if s.confirmer == nil {
		return false
	}
	ok, err := s.confirmer.Confirm(ctx, block)
	if err != nil {
		s.logger.Debug("confirmation failed", slog.Any("error", err))
		return false
	}
	return ok
}

func (s *Session) interrupted(ctx context.Context, outcome *RequestOutcome) (*RequestOutcome, error) {
	outcome.Reason = StopInterrupted
	s.emitter.Emit(EventInterrupted, map[string]interface{}{
		"turns": outcome.Turns,
	})
	cause := ctx.Err()
	if cause == nil {
		cause = context.Canceled
	}
	return outcome, fmt.Errorf("%w: %w", ErrInterrupted, cause)
}

// checkLoop warns when the model keeps emitting the same code.
func (s *Session) checkLoop() {
	if !s.config.EnableLoopDetection {
		return
	}
	window := s.config.LoopDetectionWindow
	if DetectLoop(s.conversation.Messages(), window) {
		s.emitter.Emit(EventLoopDetection, map[string]interface{}{
			"message": fmt.Sprintf("the last %d code blocks follow a repeating pattern", window),
		})
	}
}

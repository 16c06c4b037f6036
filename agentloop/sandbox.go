package agentloop

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Language is the execution mode of a code block.
type Language string

const (
	// LanguageInterpreted runs in the persistent Starlark namespace.
	LanguageInterpreted Language = "interpreted"
	// LanguageShell runs as a shell subprocess.
	LanguageShell Language = "shell"
)

// fenceTags maps lower-cased fence tags to execution modes.
var fenceTags = map[string]Language{
	"starlark": LanguageInterpreted,
	"star":     LanguageInterpreted,
	"python":   LanguageInterpreted,
	"py":       LanguageInterpreted,
	"bash":     LanguageShell,
	"sh":       LanguageShell,
	"shell":    LanguageShell,
}

// LanguageForTag maps a fence tag to its execution mode. Matching is
// case-insensitive.
func LanguageForTag(tag string) (Language, bool) {
	lang, ok := fenceTags[strings.ToLower(tag)]
	return lang, ok
}

// CodeBlock is one executable snippet extracted from a model response.
type CodeBlock struct {
	Language Language `json:"language"`
	Tag      string   `json:"tag"`
	Source   string   `json:"source"`
}

// ErrorKind classifies a failed execution.
type ErrorKind string

const (
	ErrorNone    ErrorKind = ""
	ErrorTimeout ErrorKind = "timeout"
	ErrorFault   ErrorKind = "fault"
	ErrorExit    ErrorKind = "exit"
)

// TimeoutMessage is the error text reported when a block exceeds its budget.
const TimeoutMessage = "execution timed out"

// ExecutionResult is the captured outcome of running one CodeBlock. Error is
// empty on a clean run; otherwise Kind says which failure occurred. Warning
// reports work the block left running that the sandbox could not reclaim.
type ExecutionResult struct {
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	Error    string        `json:"error,omitempty"`
	Kind     ErrorKind     `json:"kind,omitempty"`
	ExitCode int           `json:"exit_code"`
	TimedOut bool          `json:"timed_out"`
	Warning  string        `json:"warning,omitempty"`
	Duration time.Duration `json:"duration"`
}

// OK reports whether the run finished without error.
func (r *ExecutionResult) OK() bool {
	return r.Error == ""
}

func timeoutResult() *ExecutionResult {
	return &ExecutionResult{Error: TimeoutMessage, Kind: ErrorTimeout, TimedOut: true, ExitCode: -1}
}

func exitResult(code int) string {
	return fmt.Sprintf("exit code %d", code)
}

// Sandbox runs code blocks with a wall-clock budget. It provides failure
// containment and observability only: executed code has the same
// privileges as this process, and its filesystem, network and process side
// effects are real.
//
// A Sandbox is used by one goroutine at a time. The Session guarantees this
// by running blocks strictly in sequence.
type Sandbox struct {
	interp  *Interpreter
	shell   *ShellRunner
	timeout time.Duration
	logger  *slog.Logger
}

// NewSandbox creates a Sandbox owning a fresh interpreter namespace.
func NewSandbox(workingDir, shell string, timeout time.Duration, logger *slog.Logger) *Sandbox {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = DefaultExecTimeout
	}
	return &Sandbox{
		interp:  NewInterpreter(workingDir),
		shell:   NewShellRunner(workingDir, shell),
		timeout: timeout,
		logger:  logger,
	}
}

// Interpreter returns the interpreter that owns the session namespace.
func (s *Sandbox) Interpreter() *Interpreter {
	return s.interp
}

// Execute runs block and returns its result. Execution failures (timeouts,
// faults, non-zero exits) are reported in the result; the returned error is
// non-nil only when ctx was cancelled, in which case the result is nil.
func (s *Sandbox) Execute(ctx context.Context, block CodeBlock) (*ExecutionResult, error) {
	start := time.Now()
	var (
		res *ExecutionResult
		err error
	)
	switch block.Language {
	case LanguageInterpreted:
		res, err = s.interp.Run(ctx, block.Source, s.timeout)
	case LanguageShell:
		res, err = s.shell.Run(ctx, block.Source, s.timeout)
	default:
		return nil, fmt.Errorf("unsupported language %q", block.Language)
	}
	if err != nil {
		return nil, err
	}
	res.Duration = time.Since(start)

	s.logger.Debug("block executed",
		slog.String("language", string(block.Language)),
		slog.String("kind", string(res.Kind)),
		slog.Duration("duration", res.Duration),
		slog.Int("stdout_bytes", len(res.Stdout)),
		slog.Int("stderr_bytes", len(res.Stderr)),
	)
	return res, nil
}

package agentloop

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/reusee/starlarkutil"
	"github.com/sourcegraph/conc/panics"
	starjson "go.starlark.net/lib/json"
	starmath "go.starlark.net/lib/math"
	startime "go.starlark.net/lib/time"
	"go.starlark.net/starlark"
	"go.starlark.net/syntax"
)

// DefaultInterpreterGrace is how long a cancelled run may take to unwind
// before its namespace changes are discarded.
const DefaultInterpreterGrace = time.Second

const (
	localContext = "miniagent.context"
	localStdout  = "miniagent.stdout"
	localStderr  = "miniagent.stderr"
)

var chunkOptions = &syntax.FileOptions{
	Set:             true,
	While:           true,
	TopLevelControl: true,
	GlobalReassign:  true,
	Recursion:       true,
}

// syncBuffer is a bytes.Buffer safe for a writer goroutine and a reader
// that may give up on it.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) WriteString(s string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf.WriteString(s)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// Interpreter runs Starlark snippets against one persistent namespace.
// Definitions made by a snippet are visible to every later snippet.
type Interpreter struct {
	workingDir string
	globals    starlark.StringDict
	grace      time.Duration
	chunks     int
	prompter   Prompter
}

// NewInterpreter creates an interpreter whose namespace holds only the
// builtins. Relative paths given to file builtins resolve against workingDir.
func NewInterpreter(workingDir string) *Interpreter {
	if workingDir == "" {
		workingDir, _ = os.Getwd()
	}
	in := &Interpreter{
		workingDir: workingDir,
		grace:      DefaultInterpreterGrace,
	}
	in.globals = in.builtins()
	return in
}

// SetPrompter sets where input() reads from. It must not be called while a
// snippet is running.
func (in *Interpreter) SetPrompter(p Prompter) {
	in.prompter = p
}

// Lookup returns the current binding of name in the namespace.
func (in *Interpreter) Lookup(name string) (starlark.Value, bool) {
	v, ok := in.globals[name]
	return v, ok
}

type chunkOutcome struct {
	err       error
	recovered *panics.Recovered
}

// Run executes code on a worker goroutine raced against timeout. When the
// budget expires the thread is cancelled, which aborts the Starlark program
// at its next instruction, and blocking builtins see their context close.
// Bindings made before a fault or timeout are kept. If the worker has not
// unwound within the grace period its new bindings are discarded and the
// result carries a warning. The namespace copy is shallow, so the abandoned
// worker can still mutate lists and dicts it shares with the namespace.
func (in *Interpreter) Run(ctx context.Context, code string, timeout time.Duration) (*ExecutionResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	in.chunks++
	filename := fmt.Sprintf("<chunk %d>", in.chunks)
	chunkGlobals := maps.Clone(in.globals)

	var stdout, stderr syncBuffer
	workCtx, cancelWork := context.WithCancel(ctx)
	defer cancelWork()

	thread := &starlark.Thread{
		Name: "exec",
		Print: func(_ *starlark.Thread, msg string) {
			stdout.WriteString(msg + "\n")
		},
	}
	thread.SetLocal(localContext, workCtx)
	thread.SetLocal(localStdout, &stdout)
	thread.SetLocal(localStderr, &stderr)

	done := make(chan chunkOutcome, 1)
	go func() {
		var pc panics.Catcher
		var err error
		pc.Try(func() {
			err = execChunk(thread, filename, code, chunkGlobals)
		})
		done <- chunkOutcome{err: err, recovered: pc.Recovered()}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var (
		out       chunkOutcome
		timedOut  bool
		cancelled bool
		runaway   bool
	)
	select {
	case out = <-done:
	case <-timer.C:
		timedOut = true
	case <-ctx.Done():
		cancelled = true
	}

	if timedOut || cancelled {
		thread.Cancel(TimeoutMessage)
		cancelWork()
		select {
		case out = <-done:
			in.globals = chunkGlobals
		case <-time.After(in.grace):
			runaway = true
		}
	} else {
		in.globals = chunkGlobals
	}

	if cancelled {
		return nil, ctx.Err()
	}

	res := &ExecutionResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	if runaway {
		res.Warning = fmt.Sprintf("interpreted code did not stop within %v of being cancelled; bindings it made in this block were discarded", in.grace)
	}
	switch {
	case timedOut:
		res.Error = TimeoutMessage
		res.Kind = ErrorTimeout
		res.TimedOut = true
		res.ExitCode = -1
	case out.recovered != nil:
		res.Error = out.recovered.String()
		res.Kind = ErrorFault
		res.ExitCode = 1
	case out.err != nil:
		res.Error = formatFault(out.err)
		res.Kind = ErrorFault
		res.ExitCode = 1
	}
	return res, nil
}

func execChunk(thread *starlark.Thread, filename, code string, globals starlark.StringDict) error {
	f, err := chunkOptions.Parse(filename, code, 0)
	if err != nil {
		return err
	}
	return starlark.ExecREPLChunk(f, thread, globals)
}

// formatFault renders an execution error with its Starlark backtrace.
func formatFault(err error) string {
	var evalErr *starlark.EvalError
	if errors.As(err, &evalErr) {
		return evalErr.Backtrace()
	}
	return err.Error()
}

func threadContext(thread *starlark.Thread) context.Context {
	if ctx, ok := thread.Local(localContext).(context.Context); ok {
		return ctx
	}
	return context.Background()
}

func (in *Interpreter) resolvePath(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(in.workingDir, path)
}

func (in *Interpreter) builtins() starlark.StringDict {
	return starlark.StringDict{
		"eprint":     starlark.NewBuiltin("eprint", builtinEprint),
		"sleep":      starlark.NewBuiltin("sleep", builtinSleep),
		"read_file":  starlark.NewBuiltin("read_file", in.builtinReadFile),
		"write_file": starlark.NewBuiltin("write_file", in.builtinWriteFile),
		"list_dir":   starlark.NewBuiltin("list_dir", in.builtinListDir),
		"cwd":        starlark.NewBuiltin("cwd", in.builtinCwd),
		"getenv":     starlarkutil.MakeFunc("getenv", os.Getenv),
		"input":      starlark.NewBuiltin("input", in.builtinInput),
		"json":       starjson.Module,
		"math":       starmath.Module,
		"time":       startime.Module,
	}
}

func builtinEprint(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	sep := " "
	if err := starlark.UnpackArgs(b.Name(), nil, kwargs, "sep?", &sep); err != nil {
		return nil, err
	}
	parts := make([]string, len(args))
	for i, v := range args {
		if s, ok := starlark.AsString(v); ok {
			parts[i] = s
		} else {
			parts[i] = v.String()
		}
	}
	if w, ok := thread.Local(localStderr).(*syncBuffer); ok {
		w.WriteString(strings.Join(parts, sep) + "\n")
	}
	return starlark.None, nil
}

func builtinSleep(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var v starlark.Value
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &v); err != nil {
		return nil, err
	}
	secs, ok := starlark.AsFloat(v)
	if !ok || secs < 0 {
		return nil, fmt.Errorf("%s: want non-negative number, got %s", b.Name(), v.Type())
	}
	t := time.NewTimer(time.Duration(secs * float64(time.Second)))
	defer t.Stop()
	ctx := threadContext(thread)
	select {
	case <-t.C:
		return starlark.None, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", b.Name(), ctx.Err())
	}
}

// builtinInput asks the user a question and returns the reply. The exchange
// is echoed to stdout so the transcript shows what was answered.
func (in *Interpreter) builtinInput(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	prompt := ""
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "prompt?", &prompt); err != nil {
		return nil, err
	}
	if in.prompter == nil {
		return nil, fmt.Errorf("%s: no interactive input available", b.Name())
	}
	answer, err := in.prompter.Prompt(threadContext(thread), prompt)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	if w, ok := thread.Local(localStdout).(*syncBuffer); ok {
		w.WriteString(prompt + answer + "\n")
	}
	return starlark.String(answer), nil
}

func (in *Interpreter) builtinReadFile(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var path string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "path", &path); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(in.resolvePath(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	return starlark.String(data), nil
}

func (in *Interpreter) builtinWriteFile(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var path, content string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "path", &path, "content", &content); err != nil {
		return nil, err
	}
	resolved := in.resolvePath(path)
	if err := os.MkdirAll(filepath.Dir(resolved), 0755); err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	if err := os.WriteFile(resolved, []byte(content), 0644); err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	return starlark.None, nil
}

func (in *Interpreter) builtinListDir(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	path := "."
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "path?", &path); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(in.resolvePath(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	names := make([]starlark.Value, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, starlark.String(name))
	}
	return starlark.NewList(names), nil
}

func (in *Interpreter) builtinCwd(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 0); err != nil {
		return nil, err
	}
	return starlark.String(in.workingDir), nil
}

package agentloop

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"
)

// DefaultShell runs shell-mode blocks.
const DefaultShell = "/bin/bash"

// shellWaitDelay bounds how long Wait keeps draining pipes held open by
// background children after the shell itself has exited or been killed.
const shellWaitDelay = 2 * time.Second

// sensitiveEnvPatterns are case-insensitive suffixes for environment variables
// that are not passed to executed code.
var sensitiveEnvPatterns = []string{
	"_API_KEY",
	"_SECRET",
	"_TOKEN",
	"_PASSWORD",
	"_CREDENTIAL",
}

// safeEnvVars are always included regardless of filtering.
var safeEnvVars = map[string]bool{
	"PATH": true, "HOME": true, "USER": true, "SHELL": true,
	"LANG": true, "TERM": true, "TMPDIR": true,
	"GOPATH": true, "GOROOT": true, "CARGO_HOME": true,
	"NVM_DIR": true, "RUSTUP_HOME": true, "PYENV_ROOT": true,
	"XDG_CONFIG_HOME": true, "XDG_DATA_HOME": true, "XDG_CACHE_HOME": true,
}

func isSensitiveEnvVar(name string) bool {
	upper := strings.ToUpper(name)
	for _, pattern := range sensitiveEnvPatterns {
		if strings.HasSuffix(upper, pattern) {
			return true
		}
	}
	return false
}

// filterEnvironment returns the process environment minus sensitive
// variables.
func filterEnvironment() []string {
	var filtered []string
	for _, env := range os.Environ() {
		name, _, ok := strings.Cut(env, "=")
		if !ok {
			continue
		}
		if safeEnvVars[name] || !isSensitiveEnvVar(name) {
			filtered = append(filtered, env)
		}
	}
	return filtered
}

// ShellRunner executes shell-mode blocks as `<shell> -c <code>` in their own
// process group so that a timeout kills every process the block started.
type ShellRunner struct {
	workingDir string
	shell      string
}

// NewShellRunner creates a runner. Empty arguments fall back to the current
// directory and DefaultShell.
func NewShellRunner(workingDir, shell string) *ShellRunner {
	if workingDir == "" {
		workingDir, _ = os.Getwd()
	}
	if shell == "" {
		shell = DefaultShell
	}
	return &ShellRunner{workingDir: workingDir, shell: shell}
}

// Run executes code with the given timeout. Stdin is /dev/null since the
// console owns the terminal; interactive input goes through input() in
// interpreted blocks. On timeout the process group is killed and the result
// carries no output. A non-zero exit keeps whatever the process wrote. If
// ctx is cancelled the process group is killed and ctx.Err() is returned.
func (r *ShellRunner) Run(ctx context.Context, code string, timeout time.Duration) (*ExecutionResult, error) {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, r.shell, "-c", code)
	cmd.Dir = r.workingDir
	cmd.Env = filterEnvironment()
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = shellWaitDelay

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return timeoutResult(), nil
	}

	result := &ExecutionResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.Is(err, exec.ErrWaitDelay):
		result.Warning = fmt.Sprintf("background processes still held the output pipes %v after the shell exited; later output was dropped", shellWaitDelay)
	case errors.As(err, &exitErr):
		result.ExitCode = exitErr.ExitCode()
		result.Kind = ErrorExit
		if result.ExitCode >= 0 {
			result.Error = exitResult(result.ExitCode)
		} else {
			result.Error = exitErr.String()
		}
	default:
		result.ExitCode = -1
		result.Kind = ErrorFault
		result.Error = fmt.Sprintf("starting %s: %v", r.shell, err)
	}
	return result, nil
}

// Command miniagent is an interactive coding agent: it asks a language
// model for code, runs the code locally, and feeds the output back until
// the model reports that the request is done.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/martinemde/miniagent/agentloop"
	"github.com/martinemde/miniagent/config"
	"github.com/martinemde/miniagent/logs"
	"github.com/martinemde/miniagent/unifiedllm"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// flagAliases maps alternate flag spellings onto canonical names.
var flagAliases = map[string]string{
	"ollama-url": "endpoint",
	"python":     "starlark",
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "miniagent [flags] [prompt...]",
		Short: "Run a code-executing agent against a local or hosted model",
		Long: `miniagent sends your request to a language model, executes the bash or
Starlark code blocks it answers with, and returns the output to the model
until it writes DONE. Any arguments form the first request; after that
miniagent reads requests interactively.`,
		SilenceUsage: true,
		RunE:         run,
	}

	flags := cmd.Flags()
	flags.SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		if canonical, ok := flagAliases[name]; ok {
			name = canonical
		}
		return pflag.NormalizedName(name)
	})
	flags.String("config", "", "config file (default ./miniagent.yaml or $XDG_CONFIG_HOME/miniagent/miniagent.yaml)")
	flags.String("model", config.DefaultModelID, "model id")
	flags.String("provider", "ollama", "model provider (ollama, openai, anthropic, groq, ...)")
	flags.String("endpoint", unifiedllm.DefaultOllamaEndpoint, "Ollama base URL (alias --ollama-url)")
	flags.Bool("confirm", false, "ask before executing each code block")
	flags.Bool("no-stream", false, "wait for complete responses instead of streaming")
	flags.Bool("bash", false, "ask the model for bash code (default)")
	flags.Bool("starlark", false, "ask the model for Starlark (python-like) code (alias --python)")
	flags.Int("max-turns", agentloop.DefaultMaxTurns, "model calls per request")
	flags.Duration("timeout", agentloop.DefaultExecTimeout, "time limit per code block")
	flags.String("log-level", "warn", "terminal log level (debug, info, warn, error)")
	flags.String("log-file", "", "also write debug logs as JSON to this file")
	cmd.MarkFlagsMutuallyExclusive("bash", "starlark")

	return cmd
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	flags := cmd.Flags()
	configPath, _ := flags.GetString("config")
	cfg, err := config.Load(configPath, flags)
	if err != nil {
		return nil, err
	}
	if flags.Changed("bash") {
		cfg.Agent.Language = config.LanguageBash
	}
	if flags.Changed("starlark") {
		cfg.Agent.Language = config.LanguageStarlark
	}
	if noStream, _ := flags.GetBool("no-stream"); noStream {
		cfg.Agent.Stream = false
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logger, closeLog, err := logs.New(logs.Options{Level: cfg.Log.Level, File: cfg.Log.File})
	if err != nil {
		return err
	}
	defer closeLog()
	slog.SetDefault(logger)

	client, err := unifiedllm.NewClientFromConfig(cfg.ClientConfig())
	if err != nil {
		return err
	}
	defer client.Close()

	workingDir, err := os.Getwd()
	if err != nil {
		return err
	}

	con := newConsole(os.Stdin, os.Stdout)
	sessionCfg := cfg.SessionConfig(workingDir)
	session := agentloop.NewSession(
		&agentloop.ClientModel{
			Client:   client,
			Model:    cfg.Model.ID,
			Provider: cfg.Model.Provider,
			Stream:   cfg.Agent.Stream,
		},
		&sessionCfg,
		agentloop.WithLogger(logger),
		agentloop.WithConfirmer(con),
		agentloop.WithPrompter(con),
	)
	session.Subscribe(agentloop.LogEvents(logger))
	session.Subscribe(con.render)
	session.Start()
	defer session.Close()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	defer signal.Stop(sigCh)

	con.banner(cfg.Model.ID)

	if initial := strings.TrimSpace(strings.Join(args, " ")); initial != "" {
		con.printf("> %s\n", initial)
		submit(cmd.Context(), session, con, sigCh, initial)
	}
	return repl(cmd.Context(), session, con, sigCh)
}

// repl reads requests until EOF or a second consecutive ctrl-c.
func repl(ctx context.Context, session *agentloop.Session, con *console, sigCh <-chan os.Signal) error {
	armed := false
	for {
		con.prompt()
		select {
		case line, ok := <-con.lines:
			if !ok {
				con.printf("bye\n")
				return nil
			}
			armed = false
			input := strings.TrimSpace(line)
			if input == "" {
				continue
			}
			submit(ctx, session, con, sigCh, input)
		case <-sigCh:
			if armed {
				con.printf("bye\n")
				return nil
			}
			armed = true
			con.printf("ctrl-c again to quit\n")
		case <-ctx.Done():
			return nil
		}
	}
}

// submit runs one request. ctrl-c cancels it without leaving the console.
func submit(ctx context.Context, session *agentloop.Session, con *console, sigCh <-chan os.Signal, input string) {
	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		outcome *agentloop.RequestOutcome
		err     error
	}
	done := make(chan result, 1)
	start := time.Now()
	go func() {
		outcome, err := session.Submit(reqCtx, input)
		done <- result{outcome, err}
	}()

	for {
		select {
		case <-sigCh:
			cancel()
		case res := <-done:
			var callErr *agentloop.ModelCallError
			switch {
			case errors.Is(res.err, agentloop.ErrInterrupted):
				con.interrupted()
			case errors.As(res.err, &callErr):
				con.modelError(callErr.Err)
			case res.err != nil:
				con.modelError(res.err)
			default:
				slog.Debug("request finished",
					slog.String("reason", string(res.outcome.Reason)),
					slog.Int("turns", res.outcome.Turns),
					slog.Duration("elapsed", time.Since(start)))
			}
			return
		}
	}
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

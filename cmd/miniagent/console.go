package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/martinemde/miniagent/agentloop"
	"golang.org/x/term"
)

// styles holds the console's lipgloss styles.
type styles struct {
	Prompt  lipgloss.Style
	Dim     lipgloss.Style
	Warning lipgloss.Style
	Error   lipgloss.Style
}

func newStyles(color bool) styles {
	if !color {
		plain := lipgloss.NewStyle()
		return styles{Prompt: plain, Dim: plain, Warning: plain, Error: plain}
	}
	return styles{
		Prompt:  lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true), // Blue
		Dim:     lipgloss.NewStyle().Foreground(lipgloss.Color("8")),             // Gray
		Warning: lipgloss.NewStyle().Foreground(lipgloss.Color("11")),            // Yellow
		Error:   lipgloss.NewStyle().Foreground(lipgloss.Color("9")),             // Red
	}
}

// console is the interactive terminal: it owns stdin, renders session
// events, and answers confirmation prompts and input() calls.
type console struct {
	lines  <-chan string
	out    io.Writer
	styles styles
	mu     sync.Mutex
	// midLine is set while streamed text has not ended with a newline.
	midLine bool
}

func newConsole(in io.Reader, out io.Writer) *console {
	color := false
	if f, ok := out.(*os.File); ok {
		color = term.IsTerminal(int(f.Fd()))
	}
	return &console{
		lines:  readLines(in),
		out:    out,
		styles: newStyles(color),
	}
}

// readLines feeds input lines to a channel that is closed at EOF.
func readLines(in io.Reader) <-chan string {
	ch := make(chan string)
	go func() {
		defer close(ch)
		scanner := bufio.NewScanner(in)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			ch <- scanner.Text()
		}
	}()
	return ch
}

func (c *console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.endLine()
	fmt.Fprintf(c.out, format, args...)
}

// endLine terminates streamed text so the next message starts cleanly.
// Callers hold c.mu.
func (c *console) endLine() {
	if c.midLine {
		fmt.Fprintln(c.out)
		c.midLine = false
	}
}

func (c *console) banner(model string) {
	c.printf("%s\n%s\n",
		c.styles.Prompt.Render(fmt.Sprintf("miniagent (%s)", model)),
		c.styles.Dim.Render("ctrl-c to interrupt, ctrl-d to quit"))
}

func (c *console) prompt() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.endLine()
	fmt.Fprint(c.out, c.styles.Prompt.Render(">")+" ")
}

// render is a session Subscriber.
func (c *console) render(ev agentloop.SessionEvent) {
	switch ev.Kind {
	case agentloop.EventAssistantTextDelta:
		delta := ev.String("delta")
		if delta == "" {
			return
		}
		// Raw: Render would pad multi-line text into a block.
		c.mu.Lock()
		fmt.Fprint(c.out, delta)
		c.midLine = !strings.HasSuffix(delta, "\n")
		c.mu.Unlock()
	case agentloop.EventAssistantTextEnd:
		c.mu.Lock()
		c.endLine()
		c.mu.Unlock()
	case agentloop.EventFeedback:
		c.printf("%s %s\n", c.styles.Dim.Render("[exec]"), strings.TrimRight(ev.String("feedback"), "\n"))
	case agentloop.EventExecDeclined:
		c.printf("%s\n", c.styles.Dim.Render("[declined]"))
	case agentloop.EventNudge:
		c.printf("%s\n", c.styles.Dim.Render("[no code, reminding model]"))
	case agentloop.EventLoopDetection, agentloop.EventWarning:
		c.printf("%s\n", c.styles.Warning.Render("[warning: "+ev.String("message")+"]"))
	case agentloop.EventTurnLimit:
		c.printf("%s\n", c.styles.Warning.Render(fmt.Sprintf("[turn limit reached after %v turns]", ev.Data["turns"])))
	}
}

// Confirm implements agentloop.Confirmer by asking on the terminal.
func (c *console) Confirm(ctx context.Context, block agentloop.CodeBlock) (bool, error) {
	line, err := c.ask(ctx, c.styles.Warning.Render(fmt.Sprintf("execute %s? [y/n]", block.Tag))+" ")
	if err != nil {
		return false, err
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes", nil
}

// Prompt implements agentloop.Prompter for input() in executed code.
func (c *console) Prompt(ctx context.Context, question string) (string, error) {
	return c.ask(ctx, question)
}

// ask prints question and waits for the next line typed after it.
func (c *console) ask(ctx context.Context, question string) (string, error) {
	c.discardPending()
	c.printf("%s", question)
	select {
	case line, ok := <-c.lines:
		if !ok {
			return "", io.EOF
		}
		return line, nil
	case <-ctx.Done():
		c.printf("\n")
		return "", ctx.Err()
	}
}

// discardPending drops lines typed while a request was running, so that
// type-ahead is never taken as the answer to a question asked later.
func (c *console) discardPending() {
	for {
		select {
		case _, ok := <-c.lines:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

func (c *console) interrupted() {
	c.printf("%s\n", c.styles.Warning.Render("[interrupted]"))
}

func (c *console) modelError(err error) {
	c.printf("%s\n", c.styles.Error.Render(fmt.Sprintf("[model error: %v]", err)))
}

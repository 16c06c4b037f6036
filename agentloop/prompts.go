package agentloop

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

const maxProjectDocBytes = 32 * 1024 // 32KB

// DeclineMessage is appended when the user refuses to run a block.
const DeclineMessage = "User declined to execute the code."

// FenceTag returns the fence tag the model is asked to use for lang.
func FenceTag(lang Language) string {
	if lang == LanguageInterpreted {
		return "python"
	}
	return "bash"
}

// EnvironmentInfo describes where the agent runs.
type EnvironmentInfo struct {
	WorkingDir string
	Platform   string
	OSVersion  string
	Model      string
	Date       time.Time
}

// LocalEnvironment describes the current process environment.
func LocalEnvironment(workingDir, model string) EnvironmentInfo {
	if workingDir == "" {
		workingDir, _ = os.Getwd()
	}
	return EnvironmentInfo{
		WorkingDir: workingDir,
		Platform:   runtime.GOOS,
		OSVersion:  runtime.GOOS + "/" + runtime.GOARCH,
		Model:      model,
		Date:       time.Now(),
	}
}

// BuildEnvironmentContext generates the structured environment context block.
func BuildEnvironmentContext(env EnvironmentInfo) string {
	isGitRepo := isGitRepository(env.WorkingDir)
	gitBranch := ""
	if isGitRepo {
		gitBranch = getGitBranch(env.WorkingDir)
	}

	var sb strings.Builder
	sb.WriteString("<environment>\n")
	fmt.Fprintf(&sb, "Working directory: %s\n", env.WorkingDir)
	fmt.Fprintf(&sb, "Is git repository: %v\n", isGitRepo)
	if gitBranch != "" {
		fmt.Fprintf(&sb, "Git branch: %s\n", gitBranch)
	}
	fmt.Fprintf(&sb, "Platform: %s\n", env.Platform)
	fmt.Fprintf(&sb, "OS version: %s\n", env.OSVersion)
	fmt.Fprintf(&sb, "Today's date: %s\n", env.Date.Format("2006-01-02"))
	if env.Model != "" {
		fmt.Fprintf(&sb, "Model: %s\n", env.Model)
	}
	sb.WriteString("</environment>")
	return sb.String()
}

const interpretedNotes = `The python blocks run in Starlark, a Python dialect, in one namespace that persists between blocks:
- No import statements, classes, try/except, or f-strings. Use "%s" % x or str(x).
- Builtins: print, eprint (stderr), sleep(seconds), read_file(path), write_file(path, content), list_dir(path), cwd(), getenv(name), and the json, math and time modules.`

// BuildSystemPrompt renders the system message. lang selects the fence tag
// the model should prefer; projectDocs, when non-empty, is appended.
func BuildSystemPrompt(env EnvironmentInfo, lang Language, projectDocs string) string {
	tag := FenceTag(lang)
	other := FenceTag(LanguageShell)
	if lang == LanguageShell {
		other = FenceTag(LanguageInterpreted)
	}

	var sb strings.Builder
	sb.WriteString("<role>You are a coding agent. You can ONLY respond with code blocks. No English.</role>\n\n")
	sb.WriteString("<rules>\n")
	fmt.Fprintf(&sb, "- Respond with a ```%s fenced code block (```%s also works). NOTHING ELSE.\n", tag, other)
	sb.WriteString("- NO explanations, NO markdown, NO comments outside code blocks.\n")
	sb.WriteString("- Use print() in python or echo in bash to show results.\n")
	sb.WriteString("- Use real paths and values. Never use placeholders like '/path/to/repo'.\n")
	fmt.Fprintf(&sb, "- Working directory: %s\n", env.WorkingDir)
	fmt.Fprintf(&sb, "- When finished, write %s on its own line (not inside a code block).\n", CompletionMarker)
	sb.WriteString("</rules>\n\n")
	sb.WriteString("<interpreter>\n" + interpretedNotes + "\n</interpreter>\n\n")
	sb.WriteString(BuildEnvironmentContext(env))
	sb.WriteString("\n\n<examples>\nUser: list files\nAssistant:\n```bash\nls -la\n```\n\n")
	sb.WriteString("User: read config\nAssistant:\n```python\nprint(read_file(\"go.mod\"))\n```\n</examples>\n")
	if projectDocs != "" {
		sb.WriteString("\n<project_instructions>\n" + projectDocs + "\n</project_instructions>\n")
	}
	fmt.Fprintf(&sb, "\n<reminder>Write a ```%s code block now. No English. ONLY code.</reminder>", tag)
	return sb.String()
}

// ResultSuffix reminds the model of the request it is working on. It ends
// every feedback message and is sent alone when a response had no code.
func ResultSuffix(request string, lang Language) string {
	return fmt.Sprintf("\n<reminder>Original request: %s\n"+
		"If the result shows an error, fix it and try again. If the request is complete, write %s.\n"+
		"Respond with ONLY a ```%s code block. No English.</reminder>",
		request, CompletionMarker, FenceTag(lang))
}

// DiscoverProjectDocs loads AGENTS.md files from the git root (or working
// directory) down to the working directory, capped at 32KB in total.
func DiscoverProjectDocs(workingDir string) string {
	root := gitRoot(workingDir)
	if root == "" {
		root = workingDir
	}

	var docs []string
	totalBytes := 0

	for _, dir := range collectPathHierarchy(root, workingDir) {
		path := filepath.Join(dir, "AGENTS.md")
		content, err := os.ReadFile(path)
		if err != nil {
			continue
		}

		remaining := maxProjectDocBytes - totalBytes
		if remaining <= 0 {
			docs = append(docs, "[Project instructions truncated at 32KB]")
			break
		}

		text := string(content)
		if len(text) > remaining {
			text = text[:remaining] + "\n[Project instructions truncated at 32KB]"
		}

		docs = append(docs, fmt.Sprintf("# AGENTS.md (from %s)\n\n%s", dir, text))
		totalBytes += len(text)
	}

	return strings.Join(docs, "\n\n---\n\n")
}

// collectPathHierarchy returns directories from root to target, inclusive.
func collectPathHierarchy(root, target string) []string {
	root = filepath.Clean(root)
	target = filepath.Clean(target)

	if root == target {
		return []string{root}
	}

	dirs := []string{root}

	rel, err := filepath.Rel(root, target)
	if err != nil || strings.HasPrefix(rel, "..") {
		return dirs
	}

	current := root
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		if part == "." {
			continue
		}
		current = filepath.Join(current, part)
		dirs = append(dirs, current)
	}
	return dirs
}

func isGitRepository(dir string) bool {
	out, err := gitOutput(dir, "rev-parse", "--is-inside-work-tree")
	return err == nil && out == "true"
}

func gitRoot(dir string) string {
	out, _ := gitOutput(dir, "rev-parse", "--show-toplevel")
	return out
}

func getGitBranch(dir string) string {
	out, _ := gitOutput(dir, "rev-parse", "--abbrev-ref", "HEAD")
	return out
}

func gitOutput(dir string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

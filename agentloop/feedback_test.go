package agentloop

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFormatFeedback(t *testing.T) {
	tests := []struct {
		name    string
		results []*ExecutionResult
		want    string
	}{
		{"no results", nil, NoOutputMarker},
		{"silent success", []*ExecutionResult{{}}, NoOutputMarker},
		{"stdout only", []*ExecutionResult{{Stdout: "hi\n"}}, "stdout:\nhi\n"},
		{
			name:    "all streams",
			results: []*ExecutionResult{{Stdout: "a", Stderr: "b", Error: "exit code 1"}},
			want:    "stdout:\na\nstderr:\nb\nerror:\nexit code 1",
		},
		{
			name:    "several blocks in order",
			results: []*ExecutionResult{{Stdout: "one"}, {Error: TimeoutMessage}},
			want:    "stdout:\none\nerror:\n" + TimeoutMessage,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatFeedback(tt.results, DefaultMaxFeedbackChars))
		})
	}
}

func TestFormatFeedbackKeepsErrorsWhole(t *testing.T) {
	results := []*ExecutionResult{
		{Stdout: strings.Repeat("a", 6000)},
		{Error: "exit code 7", ExitCode: 7},
		{Stdout: strings.Repeat("b", 6000)},
	}
	got := FormatFeedback(results, DefaultMaxFeedbackChars)

	assert.Contains(t, got, "\nerror:\nexit code 7\nstdout:\n")
	assert.Equal(t, 2, strings.Count(got, "[output truncated: 2000 characters removed from the middle]"))
	assert.True(t, strings.HasPrefix(got, "stdout:\n"+strings.Repeat("a", 2000)+"\n\n[output truncated"))
	assert.True(t, strings.HasSuffix(got, strings.Repeat("b", 2000)))
}

func TestFormatFeedbackStreamFloor(t *testing.T) {
	results := make([]*ExecutionResult, 40)
	for i := range results {
		results[i] = &ExecutionResult{Stdout: strings.Repeat("x", 1000)}
	}
	got := FormatFeedback(results, DefaultMaxFeedbackChars)
	assert.Equal(t, 40, strings.Count(got, "[output truncated: 600 characters removed from the middle]"))
}

func TestFormatFeedbackUnlimited(t *testing.T) {
	long := strings.Repeat("x", 20000)
	assert.Equal(t, "stdout:\n"+long, FormatFeedback([]*ExecutionResult{{Stdout: long}}, 0))
}

func TestFeedbackMessage(t *testing.T) {
	msg := FeedbackMessage("stdout:\n42", "count files", LanguageShell)
	assert.True(t, strings.HasPrefix(msg, "Execution result:\nstdout:\n42"))
	assert.Contains(t, msg, "Original request: count files")
	assert.True(t, strings.HasSuffix(msg, ResultSuffix("count files", LanguageShell)))
}

func TestTruncateOutput(t *testing.T) {
	in := strings.Repeat("a", 10) + strings.Repeat("b", 10)

	assert.Equal(t, in, TruncateOutput(in, 0))
	assert.Equal(t, in, TruncateOutput(in, 20))

	got := TruncateOutput(in, 10)
	assert.True(t, strings.HasPrefix(got, "aaaaa"))
	assert.True(t, strings.HasSuffix(got, "bbbbb"))
	assert.Contains(t, got, "10 characters removed")

	// Multi-byte characters are never split.
	got = TruncateOutput(strings.Repeat("é", 10), 4)
	assert.True(t, strings.HasPrefix(got, "éé"))
	assert.True(t, strings.HasSuffix(got, "éé"))
}

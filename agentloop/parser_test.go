package agentloop

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseResponseBlocks(t *testing.T) {
	tests := []struct {
		name string
		text string
		want []CodeBlock
	}{
		{
			name: "single bash block",
			text: "```bash\nls -la\n```",
			want: []CodeBlock{{Language: LanguageShell, Tag: "bash", Source: "ls -la"}},
		},
		{
			name: "python maps to interpreted",
			text: "```python\nprint(1)\n```\n",
			want: []CodeBlock{{Language: LanguageInterpreted, Tag: "python", Source: "print(1)"}},
		},
		{
			name: "tag is case-insensitive",
			text: "```Starlark\nx = 1\n```",
			want: []CodeBlock{{Language: LanguageInterpreted, Tag: "Starlark", Source: "x = 1"}},
		},
		{
			name: "document order across languages",
			text: "first\n```sh\necho a\n```\nthen\n```py\nprint(2)\n```\n",
			want: []CodeBlock{
				{Language: LanguageShell, Tag: "sh", Source: "echo a"},
				{Language: LanguageInterpreted, Tag: "py", Source: "print(2)"},
			},
		},
		{
			name: "unrecognized tag is skipped",
			text: "```json\n{\"a\": 1}\n```\n```bash\necho ok\n```",
			want: []CodeBlock{{Language: LanguageShell, Tag: "bash", Source: "echo ok"}},
		},
		{
			name: "untagged fence is skipped",
			text: "```\nplain\n```",
			want: nil,
		},
		{
			name: "trailing DONE line is stripped",
			text: "```bash\necho hi\nDONE\n```",
			want: []CodeBlock{{Language: LanguageShell, Tag: "bash", Source: "echo hi"}},
		},
		{
			name: "DONE inside a line is kept",
			text: "```bash\necho DONE\n```",
			want: []CodeBlock{{Language: LanguageShell, Tag: "bash", Source: "echo DONE"}},
		},
		{
			name: "empty block is dropped",
			text: "```bash\n   \n```",
			want: nil,
		},
		{
			name: "unterminated fence yields nothing",
			text: "```bash\necho never closed",
			want: nil,
		},
		{
			name: "inline backticks are not fences",
			text: "use ```bash``` please",
			want: nil,
		},
		{
			name: "tag followed by trailing spaces",
			text: "```bash  \r\npwd\r\n```",
			want: []CodeBlock{{Language: LanguageShell, Tag: "bash", Source: "pwd"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseResponse(tt.text)
			assert.Equal(t, tt.want, got.Blocks)
			assert.Equal(t, tt.want, ExtractCodeBlocks(tt.text))
		})
	}
}

func TestParseResponseCompletion(t *testing.T) {
	tests := []struct {
		name string
		text string
		want bool
	}{
		{"bare marker", "DONE", true},
		{"marker with period", "All set. DONE.", true},
		{"lowercase marker", "done", true},
		{"trailing whitespace", "DONE \n\n", true},
		{"marker after code", "```bash\nls\n```\nDONE", true},
		{"marker only inside fence", "```bash\necho hi\nDONE\n```", false},
		{"marker inside unterminated fence", "```bash\necho DONE", false},
		{"marker mid-text", "DONE? not yet, keep going", false},
		{"no marker", "```bash\nls\n```", false},
		{"empty", "", false},
		{"marker inside unknown fence counts", "```text\nDONE", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseResponse(tt.text).Complete)
			assert.Equal(t, tt.want, IsComplete(tt.text))
		})
	}
}

func TestParseResponseCodeAndDone(t *testing.T) {
	got := ParseResponse("```bash\necho hi\n```\n\nDONE")
	require.True(t, got.Complete)
	require.Len(t, got.Blocks, 1)
	assert.Equal(t, "echo hi", got.Blocks[0].Source)
}

func TestParseResponseUnrecognizedFenceClosesItself(t *testing.T) {
	// The closer of the text fence must not be taken as an opener.
	text := "```text\nsample\n```\nbash\n```bash\necho real\n```"
	blocks := ExtractCodeBlocks(text)
	require.Len(t, blocks, 1)
	assert.Equal(t, "echo real", blocks[0].Source)
}

func TestLanguageForTag(t *testing.T) {
	for _, tag := range []string{"bash", "SH", "shell"} {
		lang, ok := LanguageForTag(tag)
		assert.True(t, ok, tag)
		assert.Equal(t, LanguageShell, lang, tag)
	}
	for _, tag := range []string{"python", "Py", "starlark", "star"} {
		lang, ok := LanguageForTag(tag)
		assert.True(t, ok, tag)
		assert.Equal(t, LanguageInterpreted, lang, tag)
	}
	_, ok := LanguageForTag("ruby")
	assert.False(t, ok)
}

package agentloop

import "fmt"

// DefaultMaxFeedbackChars bounds the execution output sent back to the model.
const DefaultMaxFeedbackChars = 8000

// minStreamChars is the least any one stream is cut down to, however many
// streams share the feedback budget.
const minStreamChars = 400

// TruncateOutput shortens output to roughly maxChars characters by dropping
// the middle, leaving a marker that says how much was removed. Both ends
// survive: the command echo at the top and the final error at the bottom.
// A non-positive maxChars disables truncation.
func TruncateOutput(output string, maxChars int) string {
	runes := []rune(output)
	if maxChars <= 0 || len(runes) <= maxChars {
		return output
	}
	removed := len(runes) - maxChars
	half := maxChars / 2
	return string(runes[:half]) +
		fmt.Sprintf("\n\n[output truncated: %d characters removed from the middle]\n\n", removed) +
		string(runes[len(runes)-(maxChars-half):])
}

package agentloop

import "strings"

// NoOutputMarker is the feedback when no block produced output or an error.
const NoOutputMarker = "(no output)"

// FormatFeedback summarizes the results of one response's blocks, in
// order, labelling each non-empty stream. maxChars is shared evenly by the
// stdout and stderr streams, each cut down on its own; error sections are
// always kept whole. A non-positive maxChars disables truncation.
func FormatFeedback(results []*ExecutionResult, maxChars int) string {
	share := 0
	if maxChars > 0 {
		streams := 0
		for _, r := range results {
			if r == nil {
				continue
			}
			if r.Stdout != "" {
				streams++
			}
			if r.Stderr != "" {
				streams++
			}
		}
		if streams > 0 {
			share = max(maxChars/streams, minStreamChars)
		}
	}

	var parts []string
	for _, r := range results {
		if r == nil {
			continue
		}
		if r.Stdout != "" {
			parts = append(parts, "stdout:\n"+TruncateOutput(r.Stdout, share))
		}
		if r.Stderr != "" {
			parts = append(parts, "stderr:\n"+TruncateOutput(r.Stderr, share))
		}
		if r.Error != "" {
			parts = append(parts, "error:\n"+r.Error)
		}
	}
	if len(parts) == 0 {
		return NoOutputMarker
	}
	return strings.Join(parts, "\n")
}

// FeedbackMessage builds the user message that reports execution results
// back to the model.
func FeedbackMessage(feedback, request string, lang Language) string {
	return "Execution result:\n" + feedback + ResultSuffix(request, lang)
}

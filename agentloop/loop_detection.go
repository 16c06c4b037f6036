package agentloop

import (
	"crypto/sha256"
	"fmt"

	"github.com/martinemde/miniagent/unifiedllm"
)

// DefaultLoopWindow is the number of recent code blocks compared.
const DefaultLoopWindow = 6

// blockSignature computes a deterministic signature for a code block
// (language + hash of source).
func blockSignature(b CodeBlock) string {
	h := sha256.Sum256([]byte(b.Source))
	return fmt.Sprintf("%s:%x", b.Language, h[:8])
}

// extractBlockSignatures returns signatures of the last count code blocks
// the model emitted, in chronological order.
func extractBlockSignatures(history []unifiedllm.Message, count int) []string {
	var sigs []string
	for i := len(history) - 1; i >= 0 && len(sigs) < count; i-- {
		if history[i].Role != unifiedllm.RoleAssistant {
			continue
		}
		blocks := ExtractCodeBlocks(history[i].Content)
		for j := len(blocks) - 1; j >= 0 && len(sigs) < count; j-- {
			sigs = append(sigs, blockSignature(blocks[j]))
		}
	}
	// Reverse to chronological order.
	for i, j := 0, len(sigs)-1; i < j; i, j = i+1, j-1 {
		sigs[i], sigs[j] = sigs[j], sigs[i]
	}
	return sigs
}

// DetectLoop checks if the last windowSize code blocks follow a repeating
// pattern of length 1, 2, or 3.
func DetectLoop(history []unifiedllm.Message, windowSize int) bool {
	if windowSize <= 1 {
		return false
	}
	sigs := extractBlockSignatures(history, windowSize)
	if len(sigs) < windowSize {
		return false
	}

	for patternLen := 1; patternLen <= 3; patternLen++ {
		if windowSize%patternLen != 0 || patternLen >= windowSize {
			continue
		}
		pattern := sigs[:patternLen]
		allMatch := true
		for i := patternLen; i < windowSize && allMatch; i += patternLen {
			for j := 0; j < patternLen; j++ {
				if sigs[i+j] != pattern[j] {
					allMatch = false
					break
				}
			}
		}
		if allMatch {
			return true
		}
	}

	return false
}

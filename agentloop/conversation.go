package agentloop

import (
	"slices"
	"sync"

	"github.com/martinemde/miniagent/unifiedllm"
)

// Conversation is the canonical transcript of a session. Element 0 is the
// system message; everything after it is append-only. Truncation never
// modifies the transcript, it only produces views for the model.
type Conversation struct {
	messages []unifiedllm.Message
	mu       sync.RWMutex
}

// NewConversation creates a transcript anchored by systemPrompt.
func NewConversation(systemPrompt string) *Conversation {
	return &Conversation{
		messages: []unifiedllm.Message{unifiedllm.SystemMessage(systemPrompt)},
	}
}

// AppendUser appends a user message.
func (c *Conversation) AppendUser(text string) {
	c.append(unifiedllm.UserMessage(text))
}

// AppendAssistant appends an assistant message.
func (c *Conversation) AppendAssistant(text string) {
	c.append(unifiedllm.AssistantMessage(text))
}

func (c *Conversation) append(msg unifiedllm.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, msg)
}

// Messages returns a copy of the full transcript.
func (c *Conversation) Messages() []unifiedllm.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.messages)
}

// Len returns the number of messages, including the system message.
func (c *Conversation) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.messages)
}

// Last returns the most recent message.
func (c *Conversation) Last() unifiedllm.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.messages[len(c.messages)-1]
}

// Snapshot returns the view of the transcript to send to the model.
func (c *Conversation) Snapshot(maxChars int) []unifiedllm.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return SnapshotForModel(c.messages, maxChars)
}

// SnapshotForModel bounds messages to maxChars characters of content. The
// system message (index 0) is always kept and counted first. The remaining
// messages are taken newest first until the next one would exceed the
// budget, so the result is the system message followed by a contiguous,
// chronologically ordered suffix of the rest. A non-positive maxChars
// disables truncation. The input slice is never modified.
func SnapshotForModel(messages []unifiedllm.Message, maxChars int) []unifiedllm.Message {
	if len(messages) == 0 {
		return nil
	}
	if maxChars <= 0 {
		return slices.Clone(messages)
	}

	total := messages[0].Len()
	first := len(messages)
	for i := len(messages) - 1; i >= 1; i-- {
		size := messages[i].Len()
		if total+size > maxChars {
			break
		}
		total += size
		first = i
	}

	view := make([]unifiedllm.Message, 0, 1+len(messages)-first)
	view = append(view, messages[0])
	return append(view, messages[first:]...)
}

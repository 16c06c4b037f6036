package unifiedllm

import (
	"encoding/json"
	"testing"
)

func TestMessageConstructors(t *testing.T) {
	t.Run("SystemMessage", func(t *testing.T) {
		msg := SystemMessage("You are helpful.")
		if msg.Role != RoleSystem {
			t.Errorf("expected role %q, got %q", RoleSystem, msg.Role)
		}
		if msg.Content != "You are helpful." {
			t.Errorf("expected text %q, got %q", "You are helpful.", msg.Content)
		}
	})

	t.Run("UserMessage", func(t *testing.T) {
		msg := UserMessage("Hello")
		if msg.Role != RoleUser {
			t.Errorf("expected role %q, got %q", RoleUser, msg.Role)
		}
	})

	t.Run("AssistantMessage", func(t *testing.T) {
		msg := AssistantMessage("Hi there")
		if msg.Role != RoleAssistant {
			t.Errorf("expected role %q, got %q", RoleAssistant, msg.Role)
		}
	})
}

func TestMessageLenCountsRunes(t *testing.T) {
	if got := UserMessage("héllo").Len(); got != 5 {
		t.Errorf("expected 5, got %d", got)
	}
	if got := UserMessage("").Len(); got != 0 {
		t.Errorf("expected 0, got %d", got)
	}
}

func TestRoleValid(t *testing.T) {
	for _, r := range []Role{RoleSystem, RoleUser, RoleAssistant} {
		if !r.Valid() {
			t.Errorf("expected %q to be valid", r)
		}
	}
	if Role("tool").Valid() {
		t.Error("expected tool role to be invalid")
	}
}

func TestMessageJSON(t *testing.T) {
	data, err := json.Marshal(AssistantMessage("x = 1"))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `{"role":"assistant","content":"x = 1"}` {
		t.Errorf("unexpected JSON: %s", data)
	}
}

func TestUsageAdd(t *testing.T) {
	a := Usage{InputTokens: 10, OutputTokens: 20, TotalTokens: 30}
	b := Usage{InputTokens: 5, OutputTokens: 15, TotalTokens: 20}
	sum := a.Add(b)
	if sum.InputTokens != 15 || sum.OutputTokens != 35 || sum.TotalTokens != 50 {
		t.Errorf("unexpected sum: %+v", sum)
	}
}

func TestJoinText(t *testing.T) {
	msgs := []Message{
		SystemMessage("a"),
		UserMessage("u"),
		SystemMessage(""),
		SystemMessage("b"),
	}
	if got := joinText(msgs, RoleSystem, "\n"); got != "a\nb" {
		t.Errorf("expected %q, got %q", "a\nb", got)
	}
}

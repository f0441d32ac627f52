package delta_test

import (
	"encoding/json"
	"testing"

	"osaurus/internal/delta"
)

func ptr(s string) *string { return &s }

func textItem(text, d string) delta.ContentItem {
	item := delta.ContentItem{Type: "text"}
	if text != "" || d == "" {
		item.Text = ptr(text)
	}
	if d != "" {
		item.Delta = ptr(d)
	}
	return item
}

func TestCumulativeSnapshotSequence(t *testing.T) {
	var got []string
	var terminated bool
	n := delta.New(delta.Sink{
		OnTextDelta: func(s string) { got = append(got, s) },
		OnTerminal:  func(error) { terminated = true },
	}, nil)

	n.HandleChatPayload(delta.ChatPayload{State: "delta", Message: &delta.ChatMessage{
		Content: []delta.ContentItem{{Type: "text", Text: ptr("Hello")}},
	}})
	n.HandleChatPayload(delta.ChatPayload{State: "delta", Message: &delta.ChatMessage{
		Content: []delta.ContentItem{{Type: "text", Text: ptr("Hello")}},
	}})
	n.HandleChatPayload(delta.ChatPayload{State: "delta", Message: &delta.ChatMessage{
		Content: []delta.ContentItem{{Type: "text", Text: ptr("Hello world")}},
	}})
	n.HandleChatPayload(delta.ChatPayload{State: "final"})

	want := []string{"Hello", " world"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("want %v, got %v", want, got)
	}
	if !terminated {
		t.Error("expected run to terminate")
	}
}

func TestExplicitDeltaMixedWithSnapshot(t *testing.T) {
	var got []string
	n := delta.New(delta.Sink{
		OnTextDelta: func(s string) { got = append(got, s) },
	}, nil)

	n.HandleChatPayload(delta.ChatPayload{State: "delta", Message: &delta.ChatMessage{
		Content: []delta.ContentItem{{Type: "text", Text: ptr("Hello"), Delta: ptr("Hello")}},
	}})
	n.HandleChatPayload(delta.ChatPayload{State: "delta", Message: &delta.ChatMessage{
		Content: []delta.ContentItem{{Type: "text", Text: ptr("Hello there"), Delta: ptr(" there")}},
	}})
	n.HandleChatPayload(delta.ChatPayload{State: "final"})

	want := []string{"Hello", " there"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("want %v, got %v", want, got)
	}
}

func TestNonPrefixRewriteEmitsReplace(t *testing.T) {
	var deltas []string
	var replaces []string
	n := delta.New(delta.Sink{
		OnTextDelta:   func(s string) { deltas = append(deltas, s) },
		OnTextReplace: func(s string) { replaces = append(replaces, s) },
	}, nil)

	n.HandleChatPayload(delta.ChatPayload{State: "delta", Message: &delta.ChatMessage{
		Content: []delta.ContentItem{{Type: "text", Text: ptr("Hello world")}},
	}})
	n.HandleChatPayload(delta.ChatPayload{State: "delta", Message: &delta.ChatMessage{
		Content: []delta.ContentItem{{Type: "text", Text: ptr("Hello there")}},
	}})

	if len(replaces) != 1 || replaces[0] != "Hello there" {
		t.Errorf("want one replace event with 'Hello there', got %v", replaces)
	}
	if len(deltas) != 1 || deltas[0] != "Hello world" {
		t.Errorf("want the initial snapshot emitted as a delta, got %v", deltas)
	}
}

func TestMixedChatFinalThenAgentAssistant(t *testing.T) {
	var got []string
	var terminated bool
	n := delta.New(delta.Sink{
		OnTextDelta: func(s string) { got = append(got, s) },
		OnTerminal:  func(error) { terminated = true },
	}, nil)

	n.HandleAgentPayload(delta.AgentPayload{Stream: "lifecycle", Data: delta.AgentData{Phase: "start"}})
	n.HandleAgentPayload(delta.AgentPayload{Stream: "assistant", Data: delta.AgentData{Text: ptr("I'll research")}})
	n.HandleChatPayload(delta.ChatPayload{State: "final"})
	if terminated {
		t.Fatal("chat final must not terminate once lifecycle:start was observed")
	}
	n.HandleAgentPayload(delta.AgentPayload{Stream: "assistant", Data: delta.AgentData{Text: ptr("I'll research and summarize.")}})
	n.HandleAgentPayload(delta.AgentPayload{Stream: "lifecycle", Data: delta.AgentData{Phase: "end"}})

	if !terminated {
		t.Fatal("expected lifecycle:end to terminate the run")
	}
	full := ""
	for _, s := range got {
		full += s
	}
	if full != "I'll research and summarize." {
		t.Errorf("want final text %q, got %q", "I'll research and summarize.", full)
	}
}

func TestToolCallRequiresToolCallID(t *testing.T) {
	var starts int
	n := delta.New(delta.Sink{
		OnToolStart: func(id, name string, args json.RawMessage) { starts++ },
	}, nil)

	n.HandleAgentPayload(delta.AgentPayload{Stream: "tool", Data: delta.AgentData{Phase: "start", Name: "search"}})
	if starts != 0 {
		t.Error("expected tool frame missing toolCallId to be dropped")
	}

	n.HandleAgentPayload(delta.AgentPayload{Stream: "tool", Data: delta.AgentData{Phase: "start", ToolCallID: "t1", Name: "search"}})
	if starts != 1 {
		t.Error("expected tool start with toolCallId to fire")
	}
}

func TestChatErrorFallsBackToHistory(t *testing.T) {
	var gotErr error
	n := delta.New(delta.Sink{
		OnTerminal: func(err error) { gotErr = err },
	}, func() (string, error) { return "upstream returned HTTP 401", nil })

	n.HandleChatPayload(delta.ChatPayload{State: "error"})
	if gotErr == nil {
		t.Fatal("expected a terminal error")
	}
	if got := gotErr.Error(); !contains(got, "401") {
		t.Errorf("expected history fallback message to surface, got %q", got)
	}
}

func TestFinalFallbackEmitsSingleDeltaWhenNoPriorDelta(t *testing.T) {
	var got []string
	n := delta.New(delta.Sink{
		OnTextDelta: func(s string) { got = append(got, s) },
	}, nil)

	n.HandleChatPayload(delta.ChatPayload{State: "final", Message: &delta.ChatMessage{
		Content: []delta.ContentItem{{Type: "text", Text: ptr("complete answer")}},
	}})

	if len(got) != 1 || got[0] != "complete answer" {
		t.Errorf("want fallback single delta, got %v", got)
	}
}

func contains(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}

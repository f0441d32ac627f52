package chatrun_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	ws "github.com/gorilla/websocket"

	"osaurus/internal/chatrun"
	"osaurus/internal/eventbus"
	"osaurus/internal/frame"
	"osaurus/internal/gwerrors"
	"osaurus/internal/router"
	"osaurus/internal/seqtracker"
	"osaurus/internal/testgateway"
	"osaurus/internal/transport"
)

func connectedSession(t *testing.T) (*chatrun.Session, *testgateway.Gateway, *transport.Transport) {
	t.Helper()
	gw := testgateway.New()
	t.Cleanup(gw.Close)

	bus := eventbus.New()
	seq := seqtracker.New(nil)
	var rtr *router.Router
	tr := transport.New(func(f *frame.Frame) {
		if f.Kind == frame.KindResponse {
			rtr.HandleResponse(f)
			return
		}
		bus.HandleFrame(f)
	})
	rtr = router.New(tr.Send)

	host, port := gw.HostPort()
	if err := tr.Connect(context.Background(), host, port, "tok", nil); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	return chatrun.New(rtr, bus, seq), gw, tr
}

func pushChatEvent(gw *testgateway.Gateway, runID string, seq int64, payload any) {
	body, _ := json.Marshal(payload)
	frame, _ := json.Marshal(map[string]any{
		"event":   "chat",
		"seq":     seq,
		"payload": json.RawMessage(body),
	})
	gw.Broadcast(frame)
	_ = runID
}

func TestStreamChatHappyPath(t *testing.T) {
	s, gw, tr := connectedSession(t)
	defer tr.Close("done")

	var gotRunID string
	gw.SetOnMessage(func(conn *ws.Conn, data []byte) {
		var req struct {
			ID     string `json:"id"`
			Method string `json:"method"`
			Params struct {
				SessionKey string `json:"sessionKey"`
			} `json:"params"`
		}
		_ = json.Unmarshal(data, &req)
		if req.Method != "chat.send" {
			return
		}
		gotRunID = "run-1"
		resp, _ := json.Marshal(map[string]any{
			"id":     req.ID,
			"result": map[string]string{"runId": gotRunID, "status": "accepted"},
		})
		_ = conn.WriteMessage(ws.TextMessage, resp)

		go func() {
			time.Sleep(10 * time.Millisecond)
			pushChatEvent(gw, gotRunID, 1, map[string]any{
				"runId": gotRunID,
				"state": "delta",
				"message": map[string]any{
					"role": "assistant",
					"content": []any{
						map[string]any{"type": "text", "text": "Hello"},
					},
				},
			})
			pushChatEvent(gw, gotRunID, 2, map[string]any{
				"runId": gotRunID,
				"state": "delta",
				"message": map[string]any{
					"role": "assistant",
					"content": []any{
						map[string]any{"type": "text", "text": "Hello world"},
					},
				},
			})
			pushChatEvent(gw, gotRunID, 3, map[string]any{
				"runId": gotRunID,
				"state": "final",
			})
		}()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	text, err := s.StreamChat(ctx, []chatrun.Message{{Role: "user", Content: "hi"}}, chatrun.Parameters{}, "openclaw:s1", nil)
	if err != nil {
		t.Fatalf("StreamChat: %v", err)
	}
	if text != "Hello world" {
		t.Errorf("want %q, got %q", "Hello world", text)
	}
}

func TestStreamChatHonorsNonPrefixRewrite(t *testing.T) {
	s, gw, tr := connectedSession(t)
	defer tr.Close("done")

	gw.SetOnMessage(func(conn *ws.Conn, data []byte) {
		var req struct {
			ID     string `json:"id"`
			Method string `json:"method"`
		}
		_ = json.Unmarshal(data, &req)
		if req.Method != "chat.send" {
			return
		}
		resp, _ := json.Marshal(map[string]any{
			"id":     req.ID,
			"result": map[string]string{"runId": "run-rewrite", "status": "accepted"},
		})
		_ = conn.WriteMessage(ws.TextMessage, resp)

		go func() {
			time.Sleep(10 * time.Millisecond)
			pushChatEvent(gw, "run-rewrite", 1, map[string]any{
				"runId": "run-rewrite",
				"state": "delta",
				"message": map[string]any{
					"role": "assistant",
					"content": []any{
						map[string]any{"type": "text", "text": "Hello world"},
					},
				},
			})
			pushChatEvent(gw, "run-rewrite", 2, map[string]any{
				"runId": "run-rewrite",
				"state": "delta",
				"message": map[string]any{
					"role": "assistant",
					"content": []any{
						map[string]any{"type": "text", "text": "Hello there"},
					},
				},
			})
			pushChatEvent(gw, "run-rewrite", 3, map[string]any{
				"runId": "run-rewrite",
				"state": "final",
			})
		}()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	text, err := s.StreamChat(ctx, []chatrun.Message{{Role: "user", Content: "hi"}}, chatrun.Parameters{}, "openclaw:s1", nil)
	if err != nil {
		t.Fatalf("StreamChat: %v", err)
	}
	if text != "Hello there" {
		t.Errorf("want %q, got %q (a non-prefix rewrite must overwrite, not append)", "Hello there", text)
	}
}

func TestStreamChatRejectsUnsupportedModel(t *testing.T) {
	s, _, tr := connectedSession(t)
	defer tr.Close("done")

	_, err := s.StreamChat(context.Background(), nil, chatrun.Parameters{}, "gpt-4", nil)
	if err != gwerrors.ErrUnsupportedModelIdentifier {
		t.Errorf("want ErrUnsupportedModelIdentifier, got %v", err)
	}
}

func TestStreamRunIntoTurnPropagatesChatError(t *testing.T) {
	s, gw, tr := connectedSession(t)
	defer tr.Close("done")

	gw.SetOnMessage(func(conn *ws.Conn, data []byte) {
		var req struct {
			ID     string `json:"id"`
			Method string `json:"method"`
		}
		_ = json.Unmarshal(data, &req)
		if req.Method != "chat.send" {
			return
		}
		resp, _ := json.Marshal(map[string]any{
			"id":     req.ID,
			"result": map[string]string{"runId": "run-err", "status": "accepted"},
		})
		_ = conn.WriteMessage(ws.TextMessage, resp)

		go func() {
			time.Sleep(10 * time.Millisecond)
			pushChatEvent(gw, "run-err", 1, map[string]any{
				"runId":        "run-err",
				"state":        "error",
				"errorMessage": "upstream returned HTTP 401 unauthorized",
			})
		}()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var terminalErr error
	err := s.StreamRunIntoTurn(ctx, []chatrun.Message{{Role: "user", Content: "hi"}}, "openclaw:s1", chatrun.TurnSink{
		OnTerminal: func(e error) { terminalErr = e },
	})
	if err == nil {
		t.Fatal("expected an error")
	}
	chatErr, ok := terminalErr.(*gwerrors.ChatError)
	if !ok {
		t.Fatalf("want *gwerrors.ChatError, got %#v", terminalErr)
	}
	if chatErr.Hint == "" {
		t.Error("expected a provider hint for the 401 pattern")
	}
}

func TestStreamChatFiltersControlBlocks(t *testing.T) {
	s, gw, tr := connectedSession(t)
	defer tr.Close("done")

	gw.SetOnMessage(func(conn *ws.Conn, data []byte) {
		var req struct {
			ID     string `json:"id"`
			Method string `json:"method"`
		}
		_ = json.Unmarshal(data, &req)
		if req.Method != "chat.send" {
			return
		}
		resp, _ := json.Marshal(map[string]any{
			"id":     req.ID,
			"result": map[string]string{"runId": "run-cb", "status": "accepted"},
		})
		_ = conn.WriteMessage(ws.TextMessage, resp)

		go func() {
			time.Sleep(10 * time.Millisecond)
			pushChatEvent(gw, "run-cb", 1, map[string]any{
				"runId": "run-cb",
				"state": "delta",
				"message": map[string]any{
					"role": "assistant",
					"content": []any{
						map[string]any{"type": "text", "text": "Before\n---COMPLETE_TASK_START---\n{\"summary\":\"done\"}\n---COMPLETE_TASK_END---\nAfter"},
					},
				},
			})
			pushChatEvent(gw, "run-cb", 2, map[string]any{
				"runId": "run-cb",
				"state": "final",
			})
		}()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	text, err := s.StreamChat(ctx, []chatrun.Message{{Role: "user", Content: "hi"}}, chatrun.Parameters{}, "openclaw:s1", nil)
	if err != nil {
		t.Fatalf("StreamChat: %v", err)
	}
	if text != "Before\nAfter" {
		t.Errorf("want %q, got %q", "Before\nAfter", text)
	}
}

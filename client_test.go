package osaurus_test

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"testing"
	"time"

	ws "github.com/gorilla/websocket"

	"osaurus"
	"osaurus/internal/chatrun"
	"osaurus/internal/gwerrors"
	"osaurus/internal/testgateway"
)

type recordingSink struct {
	notes []string
}

func (r *recordingSink) Notify(message, severity string) {
	r.notes = append(r.notes, severity+": "+message)
}

func replyTo(conn *ws.Conn, id string, result any) {
	resp, _ := json.Marshal(map[string]any{"id": id, "result": result})
	_ = conn.WriteMessage(ws.TextMessage, resp)
}

func decodeRequest(data []byte) (id, method string, params json.RawMessage) {
	var req struct {
		ID     string          `json:"id"`
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
	}
	_ = json.Unmarshal(data, &req)
	return req.ID, req.Method, req.Params
}

func connectedClient(t *testing.T) (*osaurus.Client, *testgateway.Gateway) {
	t.Helper()
	gw := testgateway.New()
	t.Cleanup(gw.Close)

	c := osaurus.New(&recordingSink{})
	host, port := gw.HostPort()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Connect(ctx, host+":"+strconv.Itoa(port), "tok", nil); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return c, gw
}

func TestClientConnectAndDisconnect(t *testing.T) {
	c, _ := connectedClient(t)

	if err := c.Disconnect("bye"); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
}

func TestClientFailsPendingRequestsPromptlyOnDisconnect(t *testing.T) {
	c, gw := connectedClient(t)
	gw.SetOnMessage(func(conn *ws.Conn, data []byte) {
		// never reply; the pending call must be failed by the close path,
		// not by its own 30s request timeout.
	})

	errCh := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_, err := c.SessionsList(ctx, 10, false, false, false, false)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	if err := c.Disconnect("bye"); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("expected an error after disconnect")
		}
		var reqErr *gwerrors.RequestError
		if !errors.As(err, &reqErr) || reqErr.Kind != gwerrors.RequestErrorNoChannel {
			t.Errorf("want a NoChannel RequestError, got %#v", err)
		}
	case <-time.After(1 * time.Second):
		t.Fatal("pending request was not failed promptly on an intentional disconnect")
	}
}

func TestClientSessionsListSendsExpectedParams(t *testing.T) {
	c, gw := connectedClient(t)
	defer c.Disconnect("done")

	gw.SetOnMessage(func(conn *ws.Conn, data []byte) {
		id, method, params := decodeRequest(data)
		if method != "sessions.list" {
			return
		}
		var decoded struct {
			Limit                int  `json:"limit"`
			IncludeDerivedTitles bool `json:"includeDerivedTitles"`
		}
		if err := json.Unmarshal(params, &decoded); err != nil {
			t.Errorf("decode params: %v", err)
		}
		if decoded.Limit != 10 || !decoded.IncludeDerivedTitles {
			t.Errorf("unexpected params: %+v", decoded)
		}
		replyTo(conn, id, []map[string]string{{"key": "s1"}})
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	raw, err := c.SessionsList(ctx, 10, true, false, false, false)
	if err != nil {
		t.Fatalf("SessionsList: %v", err)
	}
	var rows []map[string]string
	if err := json.Unmarshal(raw, &rows); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if len(rows) != 1 || rows[0]["key"] != "s1" {
		t.Errorf("unexpected result: %+v", rows)
	}
}

func TestClientConfigGetAndPatch(t *testing.T) {
	c, gw := connectedClient(t)
	defer c.Disconnect("done")

	gw.SetOnMessage(func(conn *ws.Conn, data []byte) {
		id, method, params := decodeRequest(data)
		switch method {
		case "config.get":
			replyTo(conn, id, map[string]any{"config": map[string]any{}, "hash": "h1", "baseHash": "h1"})
		case "config.patch":
			var decoded struct {
				Raw      string `json:"raw"`
				BaseHash string `json:"baseHash"`
			}
			_ = json.Unmarshal(params, &decoded)
			if decoded.BaseHash != "h1" {
				t.Errorf("expected baseHash h1, got %q", decoded.BaseHash)
			}
			replyTo(conn, id, map[string]any{"hash": "h2"})
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := c.ConfigGet(ctx); err != nil {
		t.Fatalf("ConfigGet: %v", err)
	}
	if _, err := c.ConfigPatch(ctx, `{"a":1}`, "h1"); err != nil {
		t.Fatalf("ConfigPatch: %v", err)
	}
}

func TestClientSystemPresenceDedupesAndSorts(t *testing.T) {
	c, gw := connectedClient(t)
	defer c.Disconnect("done")

	gw.SetOnMessage(func(conn *ws.Conn, data []byte) {
		id, method, _ := decodeRequest(data)
		if method != "system-presence" {
			return
		}
		replyTo(conn, id, []map[string]string{
			{"deviceId": "zeta"},
			{"deviceId": "alpha"},
			{"deviceId": "alpha"},
			{"instanceId": "only-instance"},
		})
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	rows, err := c.SystemPresence(ctx)
	if err != nil {
		t.Fatalf("SystemPresence: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected 3 deduped rows, got %d: %+v", len(rows), rows)
	}
	if rows[0].DeviceID != "alpha" || rows[1].InstanceID != "only-instance" || rows[2].DeviceID != "zeta" {
		t.Errorf("unexpected sort order: %+v", rows)
	}
}

func TestClientChatStreamsThroughFacade(t *testing.T) {
	c, gw := connectedClient(t)
	defer c.Disconnect("done")

	gw.SetOnMessage(func(conn *ws.Conn, data []byte) {
		id, method, _ := decodeRequest(data)
		if method != "chat.send" {
			return
		}
		replyTo(conn, id, map[string]string{"runId": "run-1", "status": "accepted"})
		go func() {
			time.Sleep(10 * time.Millisecond)
			frame, _ := json.Marshal(map[string]any{
				"event": "chat",
				"seq":   1,
				"payload": map[string]any{
					"runId": "run-1",
					"state": "final",
					"message": map[string]any{
						"role": "assistant",
						"content": []any{
							map[string]any{"type": "text", "text": "done"},
						},
					},
				},
			})
			gw.Broadcast(frame)
		}()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	session := c.Chat()
	text, err := session.StreamChat(ctx, nil, chatrun.Parameters{}, "openclaw:s1", nil)
	if err != nil {
		t.Fatalf("StreamChat: %v", err)
	}
	if text != "done" {
		t.Errorf("want %q, got %q", "done", text)
	}
}

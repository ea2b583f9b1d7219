package channel

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"genaichat/internal/config"
	"genaichat/internal/domain"
)

func dialChat(t *testing.T, f *webFixture) (*websocket.Conn, *http.Cookie) {
	t.Helper()
	srv := httptest.NewServer(f.web.Handler())
	t.Cleanup(srv.Close)
	cookie := f.openChat(t)

	header := http.Header{}
	header.Set("Cookie", cookie.Name+"="+cookie.Value)
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/chat/ws", header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn, cookie
}

// readUntil reads snapshot frames until match accepts one.
func readUntil(t *testing.T, conn *websocket.Conn, match func(domain.Snapshot) bool) domain.Snapshot {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var msg WSMessage
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read: %v", err)
		}
		if msg.Type == "snapshot" && msg.Snapshot != nil && match(*msg.Snapshot) {
			return *msg.Snapshot
		}
	}
}

func TestWebSocket_SendProducesReply(t *testing.T) {
	f := newWebFixture(t, replying("Hello"), &fakeExtractor{}, config.WebAuth{})
	conn, _ := dialChat(t, f)

	readUntil(t, conn, func(s domain.Snapshot) bool { return len(s.Messages) == 0 })

	if err := conn.WriteJSON(WSMessage{Type: "send", Content: "hi"}); err != nil {
		t.Fatal(err)
	}
	snap := readUntil(t, conn, func(s domain.Snapshot) bool {
		return !s.Loading && len(s.Messages) == 2
	})
	if snap.Messages[0].Content != "hi" || snap.Messages[1].Content != "Hello" {
		t.Errorf("unexpected messages: %+v", snap.Messages)
	}
}

func TestWebSocket_InputThenEnter(t *testing.T) {
	f := newWebFixture(t, replying("Pong"), &fakeExtractor{}, config.WebAuth{})
	conn, _ := dialChat(t, f)

	conn.WriteJSON(WSMessage{Type: "input", Content: "ping"})
	readUntil(t, conn, func(s domain.Snapshot) bool { return s.Input == "ping" })

	conn.WriteJSON(WSMessage{Type: "key", Content: "Escape"})
	conn.WriteJSON(WSMessage{Type: "key", Content: "Enter"})
	snap := readUntil(t, conn, func(s domain.Snapshot) bool {
		return !s.Loading && len(s.Messages) == 2
	})
	if snap.Input != "" || snap.Messages[1].Content != "Pong" {
		t.Errorf("unexpected snapshot: %+v", snap)
	}
}

func TestWebSocket_ClearDocument(t *testing.T) {
	doc := []byte("%PDF-1.4 ws")
	ex := &fakeExtractor{pages: map[string][][]string{string(doc): {{"Alpha"}}}}
	f := newWebFixture(t, replying("ok"), ex, config.WebAuth{})
	conn, cookie := dialChat(t, f)

	c := f.controller(t, cookie)
	c.Upload(doc, "a.pdf", "application/pdf")
	readUntil(t, conn, func(s domain.Snapshot) bool { return s.CanClearDocument })

	conn.WriteJSON(WSMessage{Type: "clear"})
	snap := readUntil(t, conn, func(s domain.Snapshot) bool { return !s.CanClearDocument })
	if len(snap.Messages) != 0 {
		t.Errorf("expected document message removed, got %+v", snap.Messages)
	}
}

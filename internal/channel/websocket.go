package channel

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"genaichat/internal/conversation"
	"genaichat/internal/domain"
	"genaichat/internal/metrics"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
)

// WSMessage is the JSON protocol for /chat/ws.
//
// Inbound types: "input" (replace the input buffer), "key" (a key press, with
// the key name in Content), "send" (submit Content directly) and "clear"
// (drop the document context). Outbound frames carry a snapshot.
type WSMessage struct {
	Type     string           `json:"type"`
	Content  string           `json:"content,omitempty"`
	Snapshot *domain.Snapshot `json:"snapshot,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // served behind the same basic auth as the page
	},
}

// wsConn serializes writes; gorilla allows one concurrent writer.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) send(msg WSMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
}

func (w *Web) handleWebSocket(rw http.ResponseWriter, r *http.Request) {
	key := w.sessionKey(rw, r)
	c, err := w.sessions.GetOrMount(key)
	if err != nil {
		http.Error(rw, "server shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(rw, r, nil)
	if err != nil {
		w.logger.Error("websocket upgrade failed", "err", err)
		return
	}
	client := &wsConn{conn: conn}

	updates, cancel := w.hub.Subscribe(key)
	metrics.StreamConnections.WithLabelValues("ws").Inc()
	w.logger.Info("websocket client connected", "session", key)

	done := make(chan struct{})
	defer func() {
		close(done)
		cancel()
		conn.Close()
		metrics.StreamConnections.WithLabelValues("ws").Dec()
		w.logger.Info("websocket client disconnected", "session", key)
	}()

	snap := c.Snapshot()
	if err := client.send(WSMessage{Type: "snapshot", Snapshot: &snap}); err != nil {
		return
	}

	// Writer: hub snapshots and keep-alive pings.
	go func() {
		ticker := time.NewTicker(wsPingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case s, ok := <-updates:
				if !ok {
					return
				}
				if err := client.send(WSMessage{Type: "snapshot", Snapshot: &s}); err != nil {
					w.logger.Debug("websocket write failed", "err", err)
					return
				}
			case <-ticker.C:
				if err := client.ping(); err != nil {
					return
				}
			}
		}
	}()

	// Read loop.
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				w.logger.Error("websocket read error", "err", err)
			}
			return
		}

		var in WSMessage
		if err := json.Unmarshal(message, &in); err != nil {
			w.logger.Warn("invalid websocket message", "err", err)
			continue
		}
		w.applyWS(c, in)
	}
}

func (w *Web) applyWS(c *conversation.Controller, in WSMessage) {
	switch in.Type {
	case "input":
		c.SetInput(in.Content)
	case "key":
		c.HandleKey(in.Content)
	case "send":
		c.Submit(in.Content)
	case "clear":
		c.ClearDocument()
	default:
		w.logger.Debug("unknown websocket message type", "type", in.Type)
	}
}

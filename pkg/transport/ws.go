package transport

import (
	"bytes"
	"errors"
	"sync"

	"github.com/gorilla/websocket"
)

/*
WebSocket adapts a websocket connection to the Framer interface: one text
message carries exactly one JSON frame, so no newline framing is involved.
*/
type WebSocket struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

/*
NewWebSocket wraps an upgraded connection. maxFrame bounds the size of a
single inbound message; zero selects DefaultMaxFrame.
*/
func NewWebSocket(conn *websocket.Conn, maxFrame int) *WebSocket {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrame
	}

	conn.SetReadLimit(int64(maxFrame))
	return &WebSocket{conn: conn}
}

func (ws *WebSocket) Next() ([]byte, error) {
	for {
		messageType, p, err := ws.conn.ReadMessage()

		if err != nil {
			if errors.Is(err, websocket.ErrReadLimit) {
				return nil, ErrFrameTooBig
			}
			return nil, err
		}

		if messageType != websocket.TextMessage {
			continue
		}

		if p = bytes.TrimSpace(p); len(p) == 0 {
			continue
		}

		return p, nil
	}
}

func (ws *WebSocket) WriteFrame(p []byte) error {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	return ws.conn.WriteMessage(websocket.TextMessage, p)
}

func (ws *WebSocket) Close() error {
	return ws.conn.Close()
}

// RemoteAddr reports the peer address for logging and the client table.
func (ws *WebSocket) RemoteAddr() string {
	return ws.conn.RemoteAddr().String()
}

package feed

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is the subset of the websocket connection the client uses.
// *websocket.Conn satisfies it directly; tests substitute scripted
// connections.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteJSON(v interface{}) error
	Close() error
}

// Dialer establishes a Conn to the given websocket URL.
type Dialer func(ctx context.Context, url string) (Conn, error)

// dialWebsocket is the default Dialer, backed by gorilla/websocket.
func dialWebsocket(ctx context.Context, url string) (Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

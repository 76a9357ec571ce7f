package network

import (
	"context"
	"fmt"
	"net/url"

	"github.com/gorilla/websocket"
)

// Dial opens a WebSocket session connection to address (host:port).
// Failures wrap ErrConnect.
func Dial(ctx context.Context, address string) (Transport, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: DefaultHandshakeTimeout,
	}

	target := url.URL{Scheme: "ws", Host: address, Path: "/"}
	conn, resp, err := dialer.DialContext(ctx, target.String(), nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("%w: dial %q: %w", ErrConnect, target.String(), err)
	}

	return newWSTransport(conn), nil
}

package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"

	"github.com/coder/websocket"
	"github.com/matheus3301/todosync/internal/apperr"
)

// Dialer opens the byte stream STOMP frames travel over.
type Dialer func(ctx context.Context) (io.ReadWriteCloser, error)

// WebsocketURL derives the websocket endpoint from the server's http(s) root.
func WebsocketURL(base *url.URL, path string) string {
	u := *base
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u = *u.JoinPath(path)
	return u.String()
}

// WebsocketDialer dials STOMP over a websocket. hc carries the cookie jar
// shared with the REST client; header supplies per-dial headers such as the
// bearer token.
func WebsocketDialer(wsURL string, hc *http.Client, header func() (http.Header, error)) Dialer {
	return func(ctx context.Context) (io.ReadWriteCloser, error) {
		h, err := header()
		if err != nil {
			return nil, err
		}
		c, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
			HTTPClient:   hc,
			HTTPHeader:   h,
			Subprotocols: []string{"v12.stomp", "v11.stomp"},
		})
		if err != nil {
			if resp != nil && resp.StatusCode == http.StatusUnauthorized {
				return nil, apperr.NewUnauthorized("transport.dial", "websocket handshake rejected")
			}
			return nil, fmt.Errorf("dial %s: %w", wsURL, err)
		}
		c.SetReadLimit(1 << 20)
		// The stream outlives the dial context.
		return websocket.NetConn(context.Background(), c, websocket.MessageText), nil
	}
}

// TCPDialer dials STOMP over plain TCP.
func TCPDialer(addr string) Dialer {
	return func(ctx context.Context) (io.ReadWriteCloser, error) {
		var d net.Dialer
		return d.DialContext(ctx, "tcp", addr)
	}
}

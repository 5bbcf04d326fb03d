package transport

import (
	"context"
	"fmt"
	"net/http"

	"github.com/coder/websocket"
)

// Conn is one established real-time connection carrying text frames.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close(code websocket.StatusCode, reason string) error
}

type Dialer interface {
	Dial(ctx context.Context, url, token string) (Conn, error)
}

// WSDialer dials the authority's websocket endpoint. The bearer token rides on the upgrade request
// as well as in the authenticate frame.
type WSDialer struct {
	HTTPClient *http.Client
	ReadLimit  int64
}

func (d WSDialer) Dial(ctx context.Context, url, token string) (Conn, error) {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	c, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPClient: d.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	if d.ReadLimit > 0 {
		c.SetReadLimit(d.ReadLimit)
	}
	return &wsConn{conn: c}, nil
}

type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (c *wsConn) Write(ctx context.Context, data []byte) error {
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *wsConn) Close(code websocket.StatusCode, reason string) error {
	return c.conn.Close(code, reason)
}

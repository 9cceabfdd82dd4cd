package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"ingestor/internal/protocol"
)

const writeTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  64 << 10,
	WriteBufferSize: 64 << 10,
	CheckOrigin:     func(*http.Request) bool { return true },
}

type wsConn struct {
	ws    *websocket.Conn
	limit int64

	wmu    sync.Mutex
	closed chan struct{}
	once   sync.Once
}

func newWSConn(ws *websocket.Conn, limit int64) *wsConn {
	if limit <= 0 || limit > protocol.MaxPayloadSize {
		limit = protocol.MaxPayloadSize
	}
	ws.SetReadLimit(limit + protocol.HeaderSize)
	return &wsConn{ws: ws, limit: limit, closed: make(chan struct{})}
}

// Upgrade accepts a websocket connection on an HTTP request.
// limit bounds the payload size of inbound frames.
func Upgrade(w http.ResponseWriter, r *http.Request, limit int64) (Conn, error) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return newWSConn(ws, limit), nil
}

// Dial opens a websocket connection to url.
func Dial(ctx context.Context, url string, header http.Header, limit int64) (Conn, error) {
	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (HTTP %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return newWSConn(ws, limit), nil
}

func (c *wsConn) Send(ctx context.Context, m *protocol.Message) error {
	frame, err := protocol.Encode(m)
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	select {
	case <-c.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.ws.SetWriteDeadline(deadline)
	if err := c.ws.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return c.mapErr(err)
	}
	return nil
}

func (c *wsConn) Recv(ctx context.Context) (*protocol.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d, ok := ctx.Deadline(); ok {
		_ = c.ws.SetReadDeadline(d)
	} else {
		_ = c.ws.SetReadDeadline(time.Time{})
	}
	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			return nil, c.mapErr(err)
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		return protocol.Decode(data, c.limit)
	}
}

func (c *wsConn) mapErr(err error) error {
	var ne net.Error
	switch {
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
		return ErrClosed
	case errors.Is(err, websocket.ErrReadLimit):
		return fmt.Errorf("%w: %v", protocol.ErrPayloadTooLarge, err)
	case errors.Is(err, net.ErrClosed):
		return ErrClosed
	case errors.As(err, &ne) && ne.Timeout():
		return context.DeadlineExceeded
	}
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	return err
}

func (c *wsConn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.closed)
		c.wmu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.wmu.Unlock()
		err = c.ws.Close()
	})
	return err
}

func (c *wsConn) RemoteAddr() string {
	return c.ws.RemoteAddr().String()
}

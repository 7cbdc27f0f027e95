package fanout

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var ErrConnClosed = errors.New("connection closed")

// WSOptions tunes websocket subscriber connections.
type WSOptions struct {
	SendBuffer   int
	PingInterval time.Duration
	WriteWait    time.Duration
}

func (o WSOptions) withDefaults() WSOptions {
	if o.SendBuffer <= 0 {
		o.SendBuffer = 64
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 30 * time.Second
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
	return o
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The read API is open (no auth, any origin), so is the push channel.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// WSConn is a Conn backed by a gorilla websocket. A writer goroutine owns
// all writes; Send only enqueues into a bounded buffer.
type WSConn struct {
	id   string
	ws   *websocket.Conn
	opts WSOptions

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// Upgrade upgrades an HTTP request to a websocket subscriber connection and
// starts its writer. The caller must run ReadLoop to detect disconnects.
func Upgrade(w http.ResponseWriter, r *http.Request, opts WSOptions) (*WSConn, error) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	opts = opts.withDefaults()
	c := &WSConn{
		id:   uuid.NewString(),
		ws:   ws,
		opts: opts,
		send: make(chan []byte, opts.SendBuffer),
		done: make(chan struct{}),
	}
	go c.writeLoop()
	return c, nil
}

func (c *WSConn) ID() string { return c.id }

func (c *WSConn) Send(ctx context.Context, msg []byte) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	select {
	case c.send <- msg:
		return nil
	case <-c.done:
		return ErrConnClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close signals the writer, which sends a close frame and tears down the socket.
func (c *WSConn) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

// Done is closed once the connection is closed.
func (c *WSConn) Done() <-chan struct{} { return c.done }

// ReadLoop discards client frames and returns when the peer goes away or the
// connection is closed. Pongs extend the read deadline.
func (c *WSConn) ReadLoop() {
	defer c.Close()
	wait := 2 * c.opts.PingInterval
	c.ws.SetReadLimit(4096)
	_ = c.ws.SetReadDeadline(time.Now().Add(wait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(wait))
	})
	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(wait))
	}
}

func (c *WSConn) writeLoop() {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.Close()
		_ = c.ws.Close()
	}()
	for {
		select {
		case <-c.done:
			_ = c.ws.SetWriteDeadline(time.Now().Add(time.Second))
			_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/cocoon/pkg/log"
	"github.com/cuemby/cocoon/pkg/metrics"
	"github.com/cuemby/cocoon/pkg/protocol"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 16 << 20
)

// ErrClosed is returned by operations on a closed connection
var ErrClosed = errors.New("connection closed")

// ConnOptions tunes a single connection
type ConnOptions struct {
	// PingInterval is how often keepalive pings are written. The peer must
	// answer within twice this interval.
	PingInterval time.Duration

	// SendBuffer bounds the outbound queue
	SendBuffer int
}

func (o *ConnOptions) setDefaults() {
	if o.PingInterval <= 0 {
		o.PingInterval = 30 * time.Second
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 256
	}
}

// Conn is a framed duplex connection over a websocket. One goroutine owns
// writes and one owns reads; Send and Receive are safe for concurrent use.
type Conn struct {
	ws   *websocket.Conn
	opts ConnOptions

	out     chan []byte
	in      chan []byte
	done    chan struct{}
	pending atomic.Int64

	closeOnce sync.Once
	errMu     sync.Mutex
	err       error

	logger zerolog.Logger
}

// Dial opens a websocket connection to url
func Dial(ctx context.Context, url string, handshakeTimeout time.Duration, opts ConnOptions) (*Conn, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: handshakeTimeout,
	}
	ws, resp, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to dial %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("failed to dial %s: %w", url, err)
	}
	return NewConn(ws, opts), nil
}

// NewConn wraps an established websocket and starts its pumps
func NewConn(ws *websocket.Conn, opts ConnOptions) *Conn {
	opts.setDefaults()
	c := &Conn{
		ws:     ws,
		opts:   opts,
		out:    make(chan []byte, opts.SendBuffer),
		in:     make(chan []byte),
		done:   make(chan struct{}),
		logger: log.WithComponent("transport").With().Str("remote", ws.RemoteAddr().String()).Logger(),
	}
	go c.writePump()
	go c.readPump()
	return c
}

// Send encodes a frame and queues it for writing. It blocks while the
// outbound queue is full.
func (c *Conn) Send(ctx context.Context, frame protocol.Frame) error {
	data, err := protocol.Encode(frame)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return c.Err()
	default:
	}

	c.pending.Add(1)
	select {
	case c.out <- data:
	case <-c.done:
		c.pending.Add(-1)
		return c.Err()
	case <-ctx.Done():
		c.pending.Add(-1)
		return ctx.Err()
	}

	// The writer may have exited between the check above and the enqueue
	select {
	case <-c.done:
		c.pending.Add(-1)
		return c.Err()
	default:
	}
	metrics.FramesTotal.WithLabelValues("out", frame.FrameType()).Inc()
	return nil
}

// Receive returns the next inbound frame
func (c *Conn) Receive(ctx context.Context) ([]byte, error) {
	select {
	case data := <-c.in:
		return data, nil
	case <-c.done:
		return nil, c.Err()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Done is closed when the connection has failed or been closed
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns why the connection ended
func (c *Conn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.err == nil {
		return ErrClosed
	}
	return c.err
}

// Close sends a normal closure and tears the connection down
func (c *Conn) Close() error {
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
	c.fail(ErrClosed)
	return nil
}

// Flush waits until every queued frame has been written to the socket
func (c *Conn) Flush(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for c.pending.Load() > 0 {
		select {
		case <-ticker.C:
		case <-c.done:
			return c.Err()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (c *Conn) fail(err error) {
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.err = err
		c.errMu.Unlock()
		close(c.done)
		_ = c.ws.Close()
	})
}

func (c *Conn) readPump() {
	pongWait := 2 * c.opts.PingInterval
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn().Err(err).Msg("Connection read failed")
			}
			c.fail(fmt.Errorf("%w: %v", ErrClosed, err))
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}

		label := "malformed"
		if env, err := protocol.Peek(data); err == nil {
			label = protocol.TypeLabel(env.Type)
		}
		metrics.FramesTotal.WithLabelValues("in", label).Inc()

		select {
		case c.in <- data:
		case <-c.done:
			return
		}
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case data := <-c.out:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			err := c.ws.WriteMessage(websocket.TextMessage, data)
			c.pending.Add(-1)
			if err != nil {
				c.logger.Warn().Err(err).Msg("Connection write failed")
				c.fail(fmt.Errorf("%w: %v", ErrClosed, err))
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.fail(fmt.Errorf("%w: %v", ErrClosed, err))
				return
			}
		case <-c.done:
			return
		}
	}
}

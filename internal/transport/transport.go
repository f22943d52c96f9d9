// Package transport provides the message-framed duplex connection the
// coordination protocol runs over. The orchestrator and robot only depend on
// the Conn interface; the production implementation is a WebSocket, and tests
// use an in-memory pipe.
package transport

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// writeWait bounds a single frame write to the peer.
	writeWait = 10 * time.Second

	// maxMessageSize bounds inbound frames; payloads are metadata, not blobs.
	maxMessageSize = 512 * 1024
)

// ErrClosed is returned once the connection has been closed locally.
var ErrClosed = errors.New("transport: connection closed")

// Conn is an ordered, message-framed, duplex channel. ReadMessage blocks
// until a frame arrives or the connection dies. Implementations must allow
// one concurrent reader and any number of writers.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// WSConn adapts a gorilla WebSocket connection to Conn. WebSocket writes are
// not safe for concurrent use, so all writes funnel through a mutex.
type WSConn struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

// NewWSConn wraps an established WebSocket connection.
func NewWSConn(conn *websocket.Conn) *WSConn {
	conn.SetReadLimit(maxMessageSize)
	return &WSConn{
		conn:   conn,
		closed: make(chan struct{}),
	}
}

// Dial connects to a WebSocket endpoint and wraps the result.
func Dial(url string) (*WSConn, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, err
	}
	return NewWSConn(conn), nil
}

// ReadMessage blocks for the next text frame.
func (c *WSConn) ReadMessage() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		select {
		case <-c.closed:
			return nil, ErrClosed
		default:
		}
		return nil, err
	}
	return data, nil
}

// WriteMessage sends one text frame.
func (c *WSConn) WriteMessage(data []byte) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Close tears down the connection. Safe to call more than once.
func (c *WSConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		c.writeMu.Lock()
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}

// pipeConn is one end of an in-memory Conn pair.
type pipeConn struct {
	in        <-chan []byte
	out       chan<- []byte
	closed    chan struct{}
	peer      func() <-chan struct{}
	closeOnce sync.Once
}

// Pipe returns two connected in-memory Conns. Frames written to one end are
// read from the other in order. Used by tests in place of a WebSocket.
func Pipe() (Conn, Conn) {
	aToB := make(chan []byte, 64)
	bToA := make(chan []byte, 64)

	a := &pipeConn{in: bToA, out: aToB, closed: make(chan struct{})}
	b := &pipeConn{in: aToB, out: bToA, closed: make(chan struct{})}
	a.peer = func() <-chan struct{} { return b.closed }
	b.peer = func() <-chan struct{} { return a.closed }
	return a, b
}

func (c *pipeConn) ReadMessage() ([]byte, error) {
	select {
	case data := <-c.in:
		return data, nil
	case <-c.closed:
		return nil, ErrClosed
	case <-c.peer():
		// Drain anything the peer wrote before closing.
		select {
		case data := <-c.in:
			return data, nil
		default:
			return nil, ErrClosed
		}
	}
}

func (c *pipeConn) WriteMessage(data []byte) error {
	select {
	case <-c.closed:
		return ErrClosed
	case <-c.peer():
		return ErrClosed
	default:
	}

	select {
	case c.out <- data:
		return nil
	case <-c.closed:
		return ErrClosed
	case <-c.peer():
		return ErrClosed
	}
}

func (c *pipeConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
	})
	return nil
}

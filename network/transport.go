package network

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// FrameKind identifies the WebSocket frame carrying a payload.
type FrameKind int

const (
	FrameText FrameKind = iota + 1
	FrameBinary
	FramePing
	FramePong
)

func (k FrameKind) String() string {
	switch k {
	case FrameText:
		return "text"
	case FrameBinary:
		return "binary"
	case FramePing:
		return "ping"
	case FramePong:
		return "pong"
	default:
		return fmt.Sprintf("frame(%d)", int(k))
	}
}

// Frame is one inbound or outbound unit on a session connection.
type Frame struct {
	Kind    FrameKind
	Payload []byte
}

// Transport is a bidirectional frame channel to one peer.
//
// Frames is closed when the connection ends for any reason. Err then reports
// the read failure, or nil for an orderly close.
type Transport interface {
	Frames() <-chan Frame
	WriteFrame(Frame) error
	Close() error
	Err() error
	RemoteAddr() string
}

// wsTransport adapts a gorilla WebSocket connection to Transport. Control
// frames are surfaced to the reader instead of being answered automatically.
type wsTransport struct {
	conn   *websocket.Conn
	remote string

	frames chan Frame

	writeMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}

	errMu   sync.RWMutex
	readErr error
}

func newWSTransport(conn *websocket.Conn) *wsTransport {
	t := &wsTransport{
		conn:   conn,
		remote: conn.RemoteAddr().String(),
		frames: make(chan Frame, 64),
		closed: make(chan struct{}),
	}

	conn.SetReadLimit(MaxMessageSize)
	conn.SetPingHandler(func(appData string) error {
		t.deliver(Frame{Kind: FramePing, Payload: []byte(appData)})
		return nil
	})
	conn.SetPongHandler(func(appData string) error {
		t.deliver(Frame{Kind: FramePong, Payload: []byte(appData)})
		return nil
	})

	go t.readLoop()
	return t
}

func (t *wsTransport) Frames() <-chan Frame {
	return t.frames
}

func (t *wsTransport) RemoteAddr() string {
	return t.remote
}

func (t *wsTransport) Err() error {
	t.errMu.RLock()
	defer t.errMu.RUnlock()
	return t.readErr
}

// Done is closed once Close has been called.
func (t *wsTransport) Done() <-chan struct{} {
	return t.closed
}

func (t *wsTransport) WriteFrame(frame Frame) error {
	select {
	case <-t.closed:
		return ErrSessionClosed
	default:
	}

	deadline := time.Now().Add(DefaultWriteTimeout)

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	var err error
	switch frame.Kind {
	case FrameText:
		_ = t.conn.SetWriteDeadline(deadline)
		err = t.conn.WriteMessage(websocket.TextMessage, frame.Payload)
	case FrameBinary:
		_ = t.conn.SetWriteDeadline(deadline)
		err = t.conn.WriteMessage(websocket.BinaryMessage, frame.Payload)
	case FramePing:
		err = t.conn.WriteControl(websocket.PingMessage, frame.Payload, deadline)
	case FramePong:
		err = t.conn.WriteControl(websocket.PongMessage, frame.Payload, deadline)
	default:
		return fmt.Errorf("write %s: unsupported frame kind", frame.Kind)
	}
	if err != nil {
		return fmt.Errorf("write %s frame: %w", frame.Kind, err)
	}
	return nil
}

// Close sends a normal-closure frame and tears the connection down.
func (t *wsTransport) Close() error {
	var closeErr error
	t.closeOnce.Do(func() {
		close(t.closed)

		t.writeMu.Lock()
		_ = t.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		t.writeMu.Unlock()

		closeErr = t.conn.Close()
	})
	return closeErr
}

func (t *wsTransport) readLoop() {
	defer close(t.frames)

	for {
		kind, payload, err := t.conn.ReadMessage()
		if err != nil {
			select {
			case <-t.closed:
				return
			default:
			}
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				t.setErr(err)
			}
			_ = t.conn.Close()
			return
		}

		switch kind {
		case websocket.TextMessage:
			t.deliver(Frame{Kind: FrameText, Payload: payload})
		case websocket.BinaryMessage:
			t.deliver(Frame{Kind: FrameBinary, Payload: payload})
		}
	}
}

func (t *wsTransport) deliver(frame Frame) {
	select {
	case t.frames <- frame:
	case <-t.closed:
	}
}

func (t *wsTransport) setErr(err error) {
	if errors.Is(err, websocket.ErrCloseSent) {
		return
	}
	t.errMu.Lock()
	t.readErr = err
	t.errMu.Unlock()
}

package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// ErrServerClosed is returned by Accept once the server has been closed.
var ErrServerClosed = errors.New("network: server closed")

// Acceptor yields inbound session connections one at a time.
type Acceptor interface {
	Accept(ctx context.Context) (Transport, error)
	Addr() string
	Close() error
}

// Server accepts inbound WebSocket connections and hands them out sequentially:
// a connection is only offered once the previous one has been closed.
type Server struct {
	listener   net.Listener
	httpServer *http.Server
	upgrader   websocket.Upgrader
	logger     zerolog.Logger

	incoming chan *wsTransport
	// turn is held by the handler whose connection is currently in use.
	turn chan struct{}

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Listen binds address and starts serving WebSocket upgrades.
// Bind failures wrap ErrBind.
func Listen(address string, logger zerolog.Logger) (*Server, error) {
	if address == "" {
		address = ":0"
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("%w: listen on %q: %w", ErrBind, address, err)
	}

	s := &Server{
		listener: listener,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: DefaultHandshakeTimeout,
		},
		logger:   logger.With().Str("component", "ws_server").Logger(),
		incoming: make(chan *wsTransport),
		turn:     make(chan struct{}, 1),
		closed:   make(chan struct{}),
	}
	s.httpServer = &http.Server{
		Handler:           http.HandlerFunc(s.handleUpgrade),
		ReadHeaderTimeout: DefaultHandshakeTimeout,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("serve failed")
		}
	}()

	return s, nil
}

// Addr returns the listening address.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Accept waits for the next upgraded connection.
func (s *Server) Accept(ctx context.Context) (Transport, error) {
	select {
	case t := <-s.incoming:
		return t, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.closed:
		return nil, ErrServerClosed
	}
}

// Close stops accepting. Connections still held by handlers are closed.
func (s *Server) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		close(s.closed)
		closeErr = s.httpServer.Close()
		s.wg.Wait()
	})
	return closeErr
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Str("addr", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	t := newWSTransport(conn)
	s.logger.Debug().Str("addr", t.RemoteAddr()).Msg("connection upgraded")

	select {
	case s.turn <- struct{}{}:
	case <-s.closed:
		_ = t.Close()
		return
	}
	defer func() { <-s.turn }()

	select {
	case s.incoming <- t:
	case <-s.closed:
		_ = t.Close()
		return
	}

	select {
	case <-t.Done():
	case <-s.closed:
		_ = t.Close()
	}
}

package network

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/rs/zerolog"
)

const (
	// DefaultDialAttempts is the number of connects tried before listening.
	DefaultDialAttempts = 5
	// DefaultRetryDelay is the pause between connect attempts.
	DefaultRetryDelay = 2 * time.Second
)

// ServeFunc runs one established connection to completion.
type ServeFunc func(ctx context.Context, conn Transport, role Role) error

type dialFunc func(ctx context.Context, address string) (Transport, error)
type listenFunc func(address string, logger zerolog.Logger) (Acceptor, error)

// Options controls role negotiation.
type Options struct {
	DialAttempts int
	RetryDelay   time.Duration
	// ListenAddr is the fallback server address, e.g. ":9090".
	ListenAddr string

	Logger  zerolog.Logger
	OnEvent EventFunc

	dialFn   dialFunc
	listenFn listenFunc
}

func (o Options) withDefaults() Options {
	out := o
	if out.DialAttempts <= 0 {
		out.DialAttempts = DefaultDialAttempts
	}
	if out.RetryDelay <= 0 {
		out.RetryDelay = DefaultRetryDelay
	}
	if out.ListenAddr == "" {
		out.ListenAddr = fmt.Sprintf(":%d", DefaultSessionPort)
	}
	if out.dialFn == nil {
		out.dialFn = Dial
	}
	if out.listenFn == nil {
		out.listenFn = func(address string, logger zerolog.Logger) (Acceptor, error) {
			return Listen(address, logger)
		}
	}
	return out
}

// negotiationState is either dialAttempt or listening.
type negotiationState interface {
	isNegotiationState()
}

type dialAttempt struct {
	remaining int
}

type listening struct{}

func (dialAttempt) isNegotiationState() {}
func (listening) isNegotiationState()   {}

// Negotiator decides once per run whether this process dials out or listens.
type Negotiator struct {
	opts   Options
	logger zerolog.Logger
}

// NewNegotiator returns a Negotiator with defaults applied.
func NewNegotiator(options Options) *Negotiator {
	opts := options.withDefaults()
	return &Negotiator{
		opts:   opts,
		logger: opts.Logger.With().Str("component", "negotiator").Logger(),
	}
}

// Run dials target up to DialAttempts times. The first success is served as
// client and its result returned. When every attempt fails, or target is
// empty, it listens and serves inbound connections one after another until
// ctx is done.
func (n *Negotiator) Run(ctx context.Context, target string, serve ServeFunc) error {
	var state negotiationState = listening{}
	if target != "" {
		state = dialAttempt{remaining: n.opts.DialAttempts}
	}

	delays := backoff.WithMaxRetries(backoff.NewConstantBackOff(n.opts.RetryDelay), uint64(n.opts.DialAttempts-1))
	delays.Reset()

	for {
		switch st := state.(type) {
		case dialAttempt:
			attempt := n.opts.DialAttempts - st.remaining + 1
			conn, err := n.opts.dialFn(ctx, target)
			if err == nil {
				n.logger.Info().Str("addr", target).Int("attempt", attempt).Msg("connected as client")
				n.opts.OnEvent.emit(Event{Kind: EventEstablished, Role: RoleClient, RemoteAddr: target, Attempt: attempt})
				return serve(ctx, conn, RoleClient)
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}

			n.logger.Warn().
				Err(err).
				Str("addr", target).
				Int("attempt", attempt).
				Int("remaining", st.remaining-1).
				Msg("connect failed")
			n.opts.OnEvent.emit(Event{
				Kind:       EventDialFailed,
				Role:       RoleClient,
				RemoteAddr: target,
				Detail:     err.Error(),
				Attempt:    attempt,
			})

			wait := delays.NextBackOff()
			if wait == backoff.Stop || st.remaining <= 1 {
				n.opts.OnEvent.emit(Event{
					Kind:       EventFallbackListen,
					Role:       RoleServer,
					RemoteAddr: target,
					Detail:     fmt.Sprintf("%d connect attempts failed", attempt),
				})
				state = listening{}
				continue
			}
			if err := sleepContext(ctx, wait); err != nil {
				return err
			}
			state = dialAttempt{remaining: st.remaining - 1}

		case listening:
			return n.listen(ctx, serve)
		}
	}
}

func (n *Negotiator) listen(ctx context.Context, serve ServeFunc) error {
	acceptor, err := n.opts.listenFn(n.opts.ListenAddr, n.opts.Logger)
	if err != nil {
		return err
	}
	defer func() {
		_ = acceptor.Close()
	}()

	n.logger.Info().Str("addr", acceptor.Addr()).Msg("listening for peers")

	for {
		conn, err := acceptor.Accept(ctx)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if errors.Is(err, ErrServerClosed) {
				return err
			}
			n.logger.Warn().Err(err).Msg("accept failed")
			continue
		}

		n.logger.Info().Str("addr", conn.RemoteAddr()).Msg("peer connected")
		n.opts.OnEvent.emit(Event{Kind: EventEstablished, Role: RoleServer, RemoteAddr: conn.RemoteAddr()})

		err = serve(ctx, conn, RoleServer)
		_ = conn.Close()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			n.logger.Warn().Err(err).Str("addr", conn.RemoteAddr()).Msg("session ended")
		}
	}
}

// SessionServer returns a ServeFunc that runs a Session on each connection.
// Role is taken from the negotiation outcome.
func SessionServer(options SessionOptions) ServeFunc {
	return func(ctx context.Context, conn Transport, role Role) error {
		opts := options
		opts.Role = role
		return NewSession(conn, opts).Run(ctx)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

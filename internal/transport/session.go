// Package transport owns the client's real-time connection to the authority.
//
// Everything the connection produces, wire events as well as the local connect, connect_error and
// disconnect notifications, is queued on one ordered delivery channel. The owner drains it on a
// single goroutine and hands each delivery to Dispatch, which runs the registered handler there.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/DoyleJ11/party-room/pkg/types"
)

var (
	ErrConnection     = errors.New("transport: connection failed")
	ErrAuthentication = errors.New("transport: authentication failed")
	ErrNotConnected   = errors.New("transport: not connected")
	errClosedByClient = errors.New("transport: closed by client")
)

// Local notifications. They never travel on the wire.
const (
	EventConnected    = "connect"
	EventConnectError = "connect_error"
	EventDisconnected = "disconnect"
)

type Delivery struct {
	Event string
	Data  json.RawMessage
	Err   error
	gen   uint64
}

type Handler func(Delivery)

type Config struct {
	URL          string
	Token        string
	DialTimeout  time.Duration
	AuthTimeout  time.Duration
	WriteTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = 5 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 3 * time.Second
	}
	return c
}

type connState int

const (
	stateDisconnected connState = iota
	stateConnecting
	stateAuthenticating
	stateAuthenticated
)

func (s connState) String() string {
	switch s {
	case stateConnecting:
		return "connecting"
	case stateAuthenticating:
		return "authenticating"
	case stateAuthenticated:
		return "authenticated"
	default:
		return "disconnected"
	}
}

type Session struct {
	cfg    Config
	dialer Dialer
	logger *zap.Logger

	deliveries chan Delivery
	done       chan struct{}
	closeOnce  sync.Once

	mu        sync.Mutex
	gen       uint64
	state     connState
	cancel    context.CancelFunc
	writeCh   chan []byte
	authTimer *time.Timer
	failErr   error
	handlers  map[string]Handler
}

func NewSession(cfg Config, dialer Dialer, logger *zap.Logger) *Session {
	return &Session{
		cfg:        cfg.withDefaults(),
		dialer:     dialer,
		logger:     logger.Named("transport"),
		deliveries: make(chan Delivery, 256),
		done:       make(chan struct{}),
		handlers:   make(map[string]Handler),
	}
}

// Deliveries is the ordered stream the owner must drain and pass to Dispatch.
func (s *Session) Deliveries() <-chan Delivery { return s.deliveries }

// Dispatch runs the handler registered for the delivery's event. Deliveries from a connection
// that has since been torn down are dropped.
func (s *Session) Dispatch(d Delivery) {
	s.mu.Lock()
	stale := d.gen != s.gen
	h := s.handlers[d.Event]
	s.mu.Unlock()

	if stale {
		s.logger.Debug("dropping stale delivery", zap.String("event", d.Event))
		return
	}
	if h == nil {
		s.logger.Debug("no handler", zap.String("event", d.Event))
		return
	}
	h(d)
}

// On registers the handler for an event name, replacing any previous one.
func (s *Session) On(event string, h Handler) {
	s.mu.Lock()
	s.handlers[event] = h
	s.mu.Unlock()
}

func (s *Session) Off(event string) {
	s.mu.Lock()
	delete(s.handlers, event)
	s.mu.Unlock()
}

// Connect starts establishing the connection and returns immediately. The outcome arrives as a
// connect or connect_error delivery. It is a no-op unless the session is disconnected.
func (s *Session) Connect(ctx context.Context) {
	s.mu.Lock()
	if s.state != stateDisconnected {
		s.mu.Unlock()
		return
	}
	s.gen++
	gen := s.gen
	connCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.state = stateConnecting
	s.failErr = nil
	s.mu.Unlock()

	go s.run(connCtx, cancel, gen)
}

// Authenticate sends the bearer credential and arms the authentication timeout. Connect calls it
// as soon as the connection is up. Callers must not run it concurrently with itself.
func (s *Session) Authenticate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateAuthenticating {
		return ErrNotConnected
	}
	data, err := types.Encode(types.EvtAuthenticate, types.AuthenticatePayload{Token: s.cfg.Token})
	if err != nil {
		return err
	}
	select {
	case s.writeCh <- data:
	default:
		return fmt.Errorf("%w: write queue full", ErrConnection)
	}

	gen := s.gen
	if s.authTimer != nil {
		s.authTimer.Stop()
	}
	s.authTimer = time.AfterFunc(s.cfg.AuthTimeout, func() {
		s.fail(gen, fmt.Errorf("%w: no reply within %s", ErrAuthentication, s.cfg.AuthTimeout))
	})
	return nil
}

// Emit queues an event for sending. It is best-effort: while disconnected, before authentication,
// or when the write queue is full the event is dropped with a warning.
func (s *Session) Emit(event string, payload any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != stateAuthenticated {
		s.logger.Warn("dropping emit", zap.String("event", event), zap.Stringer("state", s.state))
		return
	}
	data, err := types.Encode(event, payload)
	if err != nil {
		s.logger.Warn("dropping emit", zap.String("event", event), zap.Error(err))
		return
	}
	select {
	case s.writeCh <- data:
	default:
		s.logger.Warn("write queue full, dropping emit", zap.String("event", event))
	}
}

// Connected reports whether the session is authenticated and usable for room operations.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == stateAuthenticated
}

// Disconnect tears the connection down. Frames already queued are flushed before the close
// handshake. No disconnect delivery is raised for a disconnect the client asked for.
func (s *Session) Disconnect() {
	s.mu.Lock()
	if s.state == stateDisconnected {
		s.mu.Unlock()
		return
	}
	s.gen++
	cancel, writeCh := s.cancel, s.writeCh
	s.resetLocked()
	s.mu.Unlock()

	if writeCh != nil {
		close(writeCh)
		return
	}
	cancel()
}

// Close disconnects and stops all pending deliveries. The session cannot be reused.
func (s *Session) Close() {
	s.Disconnect()
	s.closeOnce.Do(func() { close(s.done) })
}

func (s *Session) run(ctx context.Context, cancel context.CancelFunc, gen uint64) {
	defer cancel()

	dialCtx, dialCancel := context.WithTimeout(ctx, s.cfg.DialTimeout)
	conn, err := s.dialer.Dial(dialCtx, s.cfg.URL, s.cfg.Token)
	dialCancel()
	if err != nil {
		if _, _, ok := s.teardown(gen); ok {
			s.post(Delivery{Event: EventConnectError, Err: fmt.Errorf("%w: %w", ErrConnection, err), gen: gen})
		}
		return
	}

	writeCh := make(chan []byte, 64)
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
		return
	}
	s.state = stateAuthenticating
	s.writeCh = writeCh
	s.mu.Unlock()

	s.post(Delivery{Event: EventConnected, gen: gen})
	if err := s.Authenticate(); err != nil {
		s.fail(gen, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.readLoop(gctx, gen, conn) })
	g.Go(func() error { return s.writeLoop(gctx, conn, writeCh) })
	err = g.Wait()
	if cerr := conn.Close(websocket.StatusNormalClosure, "bye"); cerr != nil && !errors.Is(err, errClosedByClient) {
		err = multierr.Append(err, fmt.Errorf("close: %w", cerr))
	}

	prev, failErr, ok := s.teardown(gen)
	if !ok {
		return
	}
	if prev == stateAuthenticated {
		s.logger.Info("connection lost", zap.Error(err))
		s.post(Delivery{Event: EventDisconnected, Err: err, gen: gen})
		return
	}
	s.post(Delivery{Event: EventConnectError, Err: connectErr(failErr, err), gen: gen})
}

func (s *Session) readLoop(ctx context.Context, gen uint64, conn Conn) error {
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		env, err := types.Decode(data)
		if err != nil {
			s.logger.Warn("dropping malformed frame", zap.Error(err))
			continue
		}

		if env.Event == types.EvtAuthenticated {
			reply, err := types.DecodeData[types.AuthenticatedPayload](env.Data)
			ok := err == nil && reply.IsSuccess
			s.mu.Lock()
			if gen == s.gen && s.state == stateAuthenticating && ok {
				s.state = stateAuthenticated
				s.stopAuthTimerLocked()
			}
			s.mu.Unlock()

			s.post(Delivery{Event: env.Event, Data: env.Data, gen: gen})
			if !ok {
				return fmt.Errorf("%w: %s %s", ErrAuthentication, reply.Code, reply.Message)
			}
			continue
		}

		s.post(Delivery{Event: env.Event, Data: env.Data, gen: gen})
	}
}

func (s *Session) writeLoop(ctx context.Context, conn Conn, writeCh <-chan []byte) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data, ok := <-writeCh:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "bye")
				return errClosedByClient
			}
			wctx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
			err := conn.Write(wctx, data)
			cancel()
			if err != nil {
				return fmt.Errorf("write: %w", err)
			}
		}
	}
}

// fail aborts the connection attempt of generation gen with err as the reported reason.
func (s *Session) fail(gen uint64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen || s.state == stateAuthenticated || s.state == stateDisconnected {
		return
	}
	s.failErr = err
	s.cancel()
}

func connectErr(failErr, err error) error {
	if failErr != nil {
		return failErr
	}
	if errors.Is(err, ErrAuthentication) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrConnection, err)
}

// teardown resets the session if gen is still the current connection. It reports the state the
// connection was in and the reason recorded by fail, if any.
func (s *Session) teardown(gen uint64) (connState, error, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen || s.state == stateDisconnected {
		return stateDisconnected, nil, false
	}
	prev, failErr := s.state, s.failErr
	s.resetLocked()
	return prev, failErr, true
}

func (s *Session) resetLocked() {
	s.state = stateDisconnected
	s.writeCh = nil
	s.stopAuthTimerLocked()
}

func (s *Session) stopAuthTimerLocked() {
	if s.authTimer != nil {
		s.authTimer.Stop()
		s.authTimer = nil
	}
}

func (s *Session) post(d Delivery) {
	select {
	case s.deliveries <- d:
	case <-s.done:
	}
}

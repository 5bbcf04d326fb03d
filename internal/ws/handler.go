package ws

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/DoyleJ11/party-room/internal/auth"
	"github.com/DoyleJ11/party-room/internal/engine"
	"github.com/DoyleJ11/party-room/internal/hub"
	"github.com/DoyleJ11/party-room/internal/lobby"
	"github.com/DoyleJ11/party-room/pkg/types"
)

const (
	writeTimeout = 3 * time.Second
	pingInterval = 25 * time.Second
	outboxSize   = 32
)

var errNoRoom = errors.New("join a room first")

type Options struct {
	AuthTimeout time.Duration
	Rate        rate.Limit
	Burst       int
	Logger      *zap.Logger
}

func Handler(h *hub.Hub, am *auth.Manager, opts Options) http.HandlerFunc {
	if opts.AuthTimeout <= 0 {
		opts.AuthTimeout = 5 * time.Second
	}
	if opts.Rate <= 0 {
		opts.Rate, opts.Burst = 10, 20
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	log := opts.Logger.Named("ws")

	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			// In dev ONLY, you can loosen origin checks:
			// OriginPatterns: []string{"http://localhost:*", "http://127.0.0.1:*"},
		})
		if err != nil {
			return
		}

		id, ok := authenticate(r.Context(), conn, am, opts.AuthTimeout, log)
		if !ok {
			return
		}

		c := &client{
			conn:    conn,
			hub:     h,
			userID:  id.UserID,
			limiter: rate.NewLimiter(opts.Rate, opts.Burst),
			logger:  log.With(zap.String("user_id", id.UserID)),
		}
		err = c.serve(r.Context())
		switch websocket.CloseStatus(err) {
		case websocket.StatusNormalClosure, websocket.StatusGoingAway:
			err = nil
		}
		if err = multierr.Append(err, c.teardown()); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Debug("connection closed", zap.Error(err))
		}
	}
}

// authenticate waits for the authenticate frame and answers it. The connection is closed when it
// fails.
func authenticate(ctx context.Context, conn *websocket.Conn, am *auth.Manager, within time.Duration, log *zap.Logger) (auth.Identity, bool) {
	authCtx, cancel := context.WithTimeout(ctx, within)
	defer cancel()

	reject := func(code, msg string) (auth.Identity, bool) {
		_ = writeFrame(ctx, conn, types.EvtAuthenticated, types.AuthenticatedPayload{Code: code, Message: msg})
		_ = conn.Close(websocket.StatusPolicyViolation, msg)
		return auth.Identity{}, false
	}

	_, data, err := conn.Read(authCtx)
	if err != nil {
		log.Debug("no authenticate frame", zap.Error(err))
		_ = conn.Close(websocket.StatusPolicyViolation, "authentication timeout")
		return auth.Identity{}, false
	}
	env, err := types.Decode(data)
	if err != nil || env.Event != types.EvtAuthenticate {
		return reject(types.CodeBadRequest, "first frame must be authenticate")
	}
	p, err := types.DecodeData[types.AuthenticatePayload](env.Data)
	if err != nil {
		return reject(types.CodeBadRequest, "malformed authenticate payload")
	}
	id, err := am.Verify(p.Token)
	if err != nil {
		log.Info("socket authentication failed", zap.Error(err))
		return reject(types.CodeUnauthorized, "invalid credential")
	}
	if err := writeFrame(ctx, conn, types.EvtAuthenticated, types.AuthenticatedPayload{IsSuccess: true, UserID: id.UserID}); err != nil {
		return auth.Identity{}, false
	}
	return id, true
}

// client is one authenticated socket. It is bound to at most one room at a time.
type client struct {
	conn    *websocket.Conn
	hub     *hub.Hub
	userID  string
	limiter *rate.Limiter
	logger  *zap.Logger

	mu         sync.Mutex
	lobby      *lobby.Lobby
	roomID     string
	outbox     chan []byte
	stopWriter context.CancelFunc
}

func (c *client) serve(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.readLoop(gctx) })
	g.Go(func() error { return c.pingLoop(gctx) })
	return g.Wait()
}

func (c *client) readLoop(ctx context.Context) error {
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			return err
		}
		if !c.limiter.Allow() {
			c.sendError(ctx, types.CodeRateLimited, "too many messages")
			continue
		}

		env, err := types.Decode(data)
		if err != nil {
			c.sendError(ctx, types.CodeBadRequest, "bad json")
			continue
		}
		if err := c.handle(ctx, env); err != nil {
			c.sendError(ctx, errorCode(err), err.Error())
		}
	}
}

func (c *client) pingLoop(ctx context.Context) error {
	t := time.NewTicker(pingInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			pctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := c.conn.Ping(pctx)
			cancel()
			if err != nil {
				return err
			}
		}
	}
}

func (c *client) handle(ctx context.Context, env types.Envelope) error {
	switch env.Event {
	case types.EvtJoinRoom:
		p, err := types.DecodeData[types.RoomCodePayload](env.Data)
		if err != nil {
			return err
		}
		return c.join(ctx, p.RoomCode)

	case types.EvtLeaveRoom:
		lb, _, out := c.current()
		if lb == nil {
			return nil
		}
		c.unbind(out)
		return lb.Send(ctx, lobby.FromClient{Cmd: engine.Command{Type: engine.CmdLeave, UserID: c.userID}})

	case types.EvtAuthenticate:
		return nil
	}

	cmd, roomID, err := toEngineCommand(c.userID, env)
	if err != nil {
		return err
	}
	lb, current, _ := c.current()
	if lb == nil {
		return errNoRoom
	}
	if roomID != "" && roomID != current {
		return engine.ErrNotMember
	}
	return lb.Send(ctx, lobby.FromClient{Cmd: cmd})
}

func (c *client) join(ctx context.Context, code string) error {
	lb, err := c.hub.Get(ctx, code)
	if err != nil {
		return err
	}
	if lb == nil {
		return lobby.ErrClosed
	}

	if old, _, oldOut := c.current(); old != nil {
		if old == lb {
			return nil
		}
		c.unbind(oldOut)
		_ = old.Send(ctx, lobby.Detach{UserID: c.userID, Outbox: oldOut})
	}

	out := make(chan []byte, outboxSize)
	wctx, stop := context.WithCancel(ctx)
	c.mu.Lock()
	c.lobby, c.outbox, c.stopWriter = lb, out, stop
	c.mu.Unlock()
	go c.writeLoop(wctx, out)

	if err := lb.Attach(ctx, c.userID, out); err != nil {
		c.unbind(out)
		return err
	}
	v, err := lb.View(ctx)
	if err != nil {
		c.unbind(out)
		return err
	}
	c.mu.Lock()
	if c.outbox == out {
		c.roomID = v.State.RoomID
	}
	c.mu.Unlock()
	c.logger.Debug("joined room", zap.String("room_code", code), zap.String("room_id", v.State.RoomID))
	return nil
}

// writeLoop drains one room's outbox. When the room closes the outbox while it is still bound, the
// socket is closed too.
func (c *client) writeLoop(ctx context.Context, out chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-out:
			if !ok {
				if c.unbind(out) {
					_ = c.conn.Close(websocket.StatusGoingAway, "removed from room")
				}
				return
			}
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.conn.Write(wctx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (c *client) current() (*lobby.Lobby, string, chan []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lobby, c.roomID, c.outbox
}

// unbind forgets the room if out is still the bound outbox. It reports whether it was.
func (c *client) unbind(out chan []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.outbox != out || out == nil {
		return false
	}
	c.stopWriter()
	c.lobby, c.roomID, c.outbox, c.stopWriter = nil, "", nil, nil
	return true
}

func (c *client) teardown() error {
	lb, _, out := c.current()
	var err error
	if lb != nil {
		c.unbind(out)
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		err = lb.Send(ctx, lobby.Detach{UserID: c.userID, Outbox: out})
		cancel()
		if errors.Is(err, lobby.ErrClosed) {
			err = nil
		}
	}
	return multierr.Append(err, c.conn.CloseNow())
}

func (c *client) sendError(ctx context.Context, code, msg string) {
	if err := writeFrame(ctx, c.conn, types.EvtError, types.ErrorPayload{Code: code, Message: msg}); err != nil {
		c.logger.Debug("write error frame", zap.Error(err))
	}
}

func writeFrame(ctx context.Context, conn *websocket.Conn, event string, payload any) error {
	frame, err := types.Encode(event, payload)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(wctx, websocket.MessageText, frame)
}

func toEngineCommand(userID string, env types.Envelope) (engine.Command, string, error) {
	switch env.Event {
	case types.EvtToggleReady, types.EvtStartGame:
		p, err := types.DecodeData[types.RoomIDPayload](env.Data)
		if err != nil {
			return engine.Command{}, "", err
		}
		t := engine.CmdToggleReady
		if env.Event == types.EvtStartGame {
			t = engine.CmdStartGame
		}
		return engine.Command{Type: t, UserID: userID}, p.RoomID, nil

	case types.EvtShareImageURL:
		p, err := types.DecodeData[types.ShareImagePayload](env.Data)
		if err != nil {
			return engine.Command{}, "", err
		}
		return engine.Command{Type: engine.CmdShareImage, UserID: userID, ImageURL: p.ImageURL}, p.RoomID, nil

	case types.EvtCompleteGame:
		p, err := types.DecodeData[types.CompleteGamePayload](env.Data)
		if err != nil {
			return engine.Command{}, "", err
		}
		return engine.Command{Type: engine.CmdComplete, UserID: userID, ClearTime: types.FromMillis(p.ClearTimeMs)}, p.RoomID, nil

	default:
		return engine.Command{}, "", engine.ErrUnsupportedCommand
	}
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, errNoRoom):
		return types.CodeNotMember
	case errors.Is(err, hub.ErrStopped):
		return types.CodeInternal
	}
	code := lobby.ErrorCode(err)
	if code == types.CodeInternal {
		// Payload decode failures are the client's fault.
		return types.CodeBadRequest
	}
	return code
}

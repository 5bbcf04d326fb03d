package lobby

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/DoyleJ11/party-room/internal/engine"
	"github.com/DoyleJ11/party-room/pkg/types"
)

var ErrClosed = errors.New("room closed")

type Msg interface{ isLobbyMsg() }

// Register adds a user to the room ahead of their socket, as the REST join does.
type Register struct {
	UserID string
	Name   string
	Reply  chan RegisterResult
}

func (Register) isLobbyMsg() {}

type RegisterResult struct {
	Snapshot types.RoomSnapshot
	Err      error
}

// Attach binds a member's socket to the room. Frames for the member are written to Outbox.
type Attach struct {
	UserID string
	Outbox chan []byte
	Reply  chan error
}

func (Attach) isLobbyMsg() {}

// Detach reports a closed socket. It counts as a disconnect if Outbox is still the member's
// current socket.
type Detach struct {
	UserID string
	Outbox chan []byte
}

func (Detach) isLobbyMsg() {}

type FromClient struct {
	Cmd engine.Command
}

func (FromClient) isLobbyMsg() {}

type Shutdown struct{}

func (Shutdown) isLobbyMsg() {}

type GetState struct {
	Reply chan View
}

func (GetState) isLobbyMsg() {}

type expireReservation struct{ UserID string }

func (expireReservation) isLobbyMsg() {}

type View struct {
	Version    int
	NumClients int
	State      engine.State
}

// Mirror receives every new room version. It is best-effort; failures are only logged.
type Mirror interface {
	Save(ctx context.Context, snap types.RoomSnapshot) error
	Delete(ctx context.Context, joinCode string) error
}

type Options struct {
	// ReserveTimeout is how long a registered member may stay without a socket.
	ReserveTimeout time.Duration
	Mirror         Mirror
	Logger         *zap.Logger
	// OnClose runs on the lobby goroutine once the room has closed. final is the last room state.
	OnClose func(final engine.State)
}

type Lobby struct {
	inbox   chan Msg
	state   engine.State
	version int
	clients map[string]chan []byte
	dropped []string
	opts    Options
	logger  *zap.Logger
	ctx     context.Context
	cancel  context.CancelFunc
}

func NewLobby(parent context.Context, initial engine.State, opts Options) *Lobby {
	ctx, cancel := context.WithCancel(parent)
	if opts.ReserveTimeout <= 0 {
		opts.ReserveTimeout = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	l := &Lobby{
		inbox:   make(chan Msg, 64),
		state:   initial,
		clients: make(map[string]chan []byte),
		opts:    opts,
		logger: opts.Logger.Named("lobby").With(
			zap.String("room_code", initial.JoinCode),
			zap.String("room_id", initial.RoomID)),
		ctx:    ctx,
		cancel: cancel,
	}

	l.mirror()
	for _, m := range initial.Members {
		l.reserve(m.UserID)
	}
	go l.loop()
	return l
}

// Expose the inbox so the hub, REST handlers and sockets can send messages.
func (l *Lobby) Inbox() chan<- Msg { return l.inbox }

// Done is closed once the lobby stops taking messages.
func (l *Lobby) Done() <-chan struct{} { return l.ctx.Done() }

// Send delivers m unless the lobby has stopped or ctx ends first.
func (l *Lobby) Send(ctx context.Context, m Msg) error {
	select {
	case l.inbox <- m:
		return nil
	case <-l.ctx.Done():
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Lobby) Register(ctx context.Context, userID, name string) (types.RoomSnapshot, error) {
	reply := make(chan RegisterResult, 1)
	if err := l.Send(ctx, Register{UserID: userID, Name: name, Reply: reply}); err != nil {
		return types.RoomSnapshot{}, err
	}
	res, err := await(ctx, l, reply)
	if err != nil {
		return types.RoomSnapshot{}, err
	}
	return res.Snapshot, res.Err
}

func (l *Lobby) Attach(ctx context.Context, userID string, outbox chan []byte) error {
	reply := make(chan error, 1)
	if err := l.Send(ctx, Attach{UserID: userID, Outbox: outbox, Reply: reply}); err != nil {
		return err
	}
	res, err := await(ctx, l, reply)
	if err != nil {
		return err
	}
	return res
}

func (l *Lobby) View(ctx context.Context) (View, error) {
	reply := make(chan View, 1)
	if err := l.Send(ctx, GetState{Reply: reply}); err != nil {
		return View{}, err
	}
	return await(ctx, l, reply)
}

func await[T any](ctx context.Context, l *Lobby, reply <-chan T) (T, error) {
	var zero T
	select {
	case v := <-reply:
		return v, nil
	case <-l.ctx.Done():
		return zero, ErrClosed
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func (l *Lobby) loop() {
	for {
		select {
		case <-l.ctx.Done():
			l.shutdown()
			return

		case m := <-l.inbox:
			switch msg := m.(type) {
			case Register:
				events, err := l.apply(engine.Command{Type: engine.CmdJoin, UserID: msg.UserID, Name: msg.Name})
				if err == nil && engine.ContainsEvent(events, engine.EvtMemberJoined) {
					l.reserve(msg.UserID)
				}
				msg.Reply <- RegisterResult{Snapshot: l.state.Snapshot(l.version), Err: err}

			case Attach:
				msg.Reply <- l.attach(msg.UserID, msg.Outbox)

			case Detach:
				if l.clients[msg.UserID] != msg.Outbox {
					break
				}
				delete(l.clients, msg.UserID)
				_, _ = l.apply(engine.Command{Type: engine.CmdDisconnect, UserID: msg.UserID})

			case FromClient:
				if _, err := l.apply(msg.Cmd); err != nil {
					l.logger.Debug("command rejected",
						zap.String("user_id", msg.Cmd.UserID),
						zap.String("command", string(msg.Cmd.Type)),
						zap.Error(err))
					l.sendTo(msg.Cmd.UserID, types.EvtError, types.ErrorPayload{Code: ErrorCode(err), Message: err.Error()})
				}

			case expireReservation:
				if _, attached := l.clients[msg.UserID]; attached || !l.state.IsMember(msg.UserID) {
					break
				}
				l.logger.Info("reservation expired", zap.String("user_id", msg.UserID))
				_, _ = l.apply(engine.Command{Type: engine.CmdDisconnect, UserID: msg.UserID})

			case GetState:
				msg.Reply <- View{
					Version:    l.version,
					NumClients: len(l.clients),
					State:      l.state,
				}

			case Shutdown:
				l.shutdown()
				return
			}

			l.disconnectDropped()
			if l.state.Closed {
				l.shutdown()
				return
			}
		}
	}
}

// apply runs a command through the rules and fans the resulting events out.
func (l *Lobby) apply(cmd engine.Command) ([]engine.Event, error) {
	events, next, err := engine.Apply(l.state, cmd)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, nil
	}
	l.state = next
	l.version++
	l.mirror()
	for _, e := range events {
		l.publish(e)
	}
	return events, nil
}

func (l *Lobby) attach(userID string, outbox chan []byte) error {
	if !l.state.IsMember(userID) {
		return engine.ErrNotMember
	}
	if old, ok := l.clients[userID]; ok && old != outbox {
		close(old)
	}
	l.clients[userID] = outbox
	l.logger.Debug("socket attached", zap.String("user_id", userID))

	l.broadcast(types.EvtRoomUpdated, types.RoomUpdatedPayload{Participants: l.state.Participants()})
	if l.state.ImageURL != "" {
		l.sendTo(userID, types.EvtShareImageURL, types.ShareImagePayload{RoomID: l.state.RoomID, ImageURL: l.state.ImageURL})
	}
	return nil
}

func (l *Lobby) publish(e engine.Event) {
	switch e.Type {
	case engine.EvtMemberJoined:
		p, _ := l.state.Participant(e.UserID)
		l.broadcast(types.EvtUserJoined, types.UserJoinedPayload{Participant: &p, Participants: l.state.Participants()})

	case engine.EvtMemberLeft, engine.EvtMemberDisconnected:
		event := types.EvtUserLeft
		if e.Type == engine.EvtMemberDisconnected {
			event = types.EvtUserDisconnected
		}
		if ch, ok := l.clients[e.UserID]; ok {
			close(ch)
			delete(l.clients, e.UserID)
		}
		l.broadcast(event, types.UserLeftPayload{UserID: e.UserID, IsHost: e.Host})
		if !e.Host {
			l.broadcast(types.EvtRoomUpdated, types.RoomUpdatedPayload{Participants: l.state.Participants()})
		}

	case engine.EvtReadyChanged:
		l.broadcast(types.EvtReadyChanged, types.ReadyChangedPayload{UserID: e.UserID, IsReady: e.Ready})

	case engine.EvtImageShared:
		l.broadcast(types.EvtShareImageURL, types.ShareImagePayload{RoomID: l.state.RoomID, ImageURL: e.ImageURL})

	case engine.EvtGameStarted:
		l.broadcast(types.EvtGameStarted, nil)

	case engine.EvtPlayerFinished:
		l.broadcast(types.EvtGameCompleted, types.GameCompletedPayload{
			Winner: types.Winner{UserID: e.UserID, ClearTimeMs: types.ToMillis(e.ClearTime)},
		})

	case engine.EvtAllFinished:
		w, _ := engine.Winner(l.state)
		l.logger.Info("all players finished", zap.String("winner", w.UserID))

	case engine.EvtRoomClosed:
		l.logger.Info("host left, closing room")
	}
}

func (l *Lobby) broadcast(event string, payload any) {
	frame, err := types.Encode(event, payload)
	if err != nil {
		l.logger.Error("encode frame", zap.String("event", event), zap.Error(err))
		return
	}
	for id, ch := range l.clients {
		select {
		case ch <- frame:
			//ok
		default:
			// Client is slow/full - drop them.
			close(ch)
			delete(l.clients, id)
			l.dropped = append(l.dropped, id)
		}
	}
}

func (l *Lobby) sendTo(userID, event string, payload any) {
	ch, ok := l.clients[userID]
	if !ok {
		return
	}
	frame, err := types.Encode(event, payload)
	if err != nil {
		l.logger.Error("encode frame", zap.String("event", event), zap.Error(err))
		return
	}
	select {
	case ch <- frame:
	default:
		close(ch)
		delete(l.clients, userID)
		l.dropped = append(l.dropped, userID)
	}
}

// disconnectDropped turns sockets dropped for backpressure into disconnects.
func (l *Lobby) disconnectDropped() {
	for len(l.dropped) > 0 && !l.state.Closed {
		id := l.dropped[0]
		l.dropped = l.dropped[1:]
		l.logger.Warn("dropping slow client", zap.String("user_id", id))
		_, _ = l.apply(engine.Command{Type: engine.CmdDisconnect, UserID: id})
	}
	l.dropped = l.dropped[:0]
}

func (l *Lobby) reserve(userID string) {
	time.AfterFunc(l.opts.ReserveTimeout, func() {
		select {
		case l.inbox <- expireReservation{UserID: userID}:
		case <-l.ctx.Done():
		}
	})
}

func (l *Lobby) mirror() {
	if l.opts.Mirror == nil {
		return
	}
	ctx, cancel := context.WithTimeout(l.ctx, time.Second)
	defer cancel()
	if err := l.opts.Mirror.Save(ctx, l.state.Snapshot(l.version)); err != nil {
		l.logger.Warn("mirror save failed", zap.Error(err))
	}
}

func (l *Lobby) shutdown() {
	for id, ch := range l.clients {
		close(ch) // Tell client no more frames
		delete(l.clients, id)
	}
	if l.opts.Mirror != nil {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(l.ctx), time.Second)
		if err := l.opts.Mirror.Delete(ctx, l.state.JoinCode); err != nil {
			l.logger.Warn("mirror delete failed", zap.Error(err))
		}
		cancel()
	}
	if l.opts.OnClose != nil {
		l.opts.OnClose(l.state)
	}
	l.cancel()
}

// ErrorCode maps a rule violation to the code sent to clients.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, engine.ErrRoomFull):
		return types.CodeRoomFull
	case errors.Is(err, engine.ErrAlreadyStarted):
		return types.CodeAlreadyStarted
	case errors.Is(err, engine.ErrNotStarted):
		return types.CodeNotStarted
	case errors.Is(err, engine.ErrNotHost):
		return types.CodeNotHost
	case errors.Is(err, engine.ErrNotMember):
		return types.CodeNotMember
	case errors.Is(err, engine.ErrNotReady):
		return types.CodeNotReady
	case errors.Is(err, engine.ErrNoImage):
		return types.CodeNoImage
	case errors.Is(err, engine.ErrAlreadyCompleted):
		return types.CodeAlreadyCompleted
	case errors.Is(err, engine.ErrRoomClosed), errors.Is(err, ErrClosed):
		return types.CodeRoomNotFound
	case errors.Is(err, engine.ErrBadClearTime), errors.Is(err, engine.ErrUnsupportedCommand):
		return types.CodeBadRequest
	}
	return types.CodeInternal
}

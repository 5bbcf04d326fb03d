package hub

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/DoyleJ11/party-room/internal/engine"
	"github.com/DoyleJ11/party-room/internal/lobby"
)

var ErrStopped = errors.New("hub stopped")

// FinishedRetention is how long the final state of a finished room stays readable after the room
// closes, so the winner can still save after the host has left.
const FinishedRetention = 30 * time.Minute

type HubMsg interface{ isHubMsg() }

// CreateLobby starts a room under Code. Reply gets nil if the code is taken.
type CreateLobby struct {
	Code  string
	State engine.State
	Reply chan *lobby.Lobby
}

type GetLobby struct {
	Code  string
	Reply chan *lobby.Lobby
}

type GetLobbyByID struct {
	RoomID string
	Reply  chan *lobby.Lobby
}

// RemoveLobby unregisters a closed room. Final is kept for FinishedRetention when every player
// had finished.
type RemoveLobby struct {
	Final engine.State
}

// GetFinished looks up the final state of a closed, finished room. Reply gets nil if there is none.
type GetFinished struct {
	RoomID string
	Reply  chan *engine.State
}

type GetStats struct {
	Reply chan Stats
}

type Stats struct {
	Rooms int
}

type ShutdownHub struct{}

func (CreateLobby) isHubMsg()  {}
func (GetLobby) isHubMsg()     {}
func (GetLobbyByID) isHubMsg() {}
func (RemoveLobby) isHubMsg()  {}
func (GetFinished) isHubMsg()  {}
func (GetStats) isHubMsg()     {}
func (ShutdownHub) isHubMsg()  {}

type finishedRoom struct {
	state   engine.State
	expires time.Time
}

type Hub struct {
	inbox   chan HubMsg
	lobbies map[string]*lobby.Lobby
	byID    map[string]string // room id -> join code
	opts    lobby.Options

	finished  map[string]finishedRoom // room id -> final state
	retention time.Duration
	now       func() time.Time

	logger *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc
}

// NewHub starts the room registry. opts is used for every room it creates; OnClose is owned by
// the hub.
func NewHub(parent context.Context, opts lobby.Options) *Hub {
	ctx, cancel := context.WithCancel(parent)
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	h := &Hub{
		inbox:   make(chan HubMsg, 64),
		lobbies: make(map[string]*lobby.Lobby),
		byID:    make(map[string]string),
		logger:  opts.Logger.Named("hub"),
		ctx:     ctx,
		cancel:  cancel,

		finished:  make(map[string]finishedRoom),
		retention: FinishedRetention,
		now:       time.Now,
	}
	opts.OnClose = h.lobbyClosed
	h.opts = opts
	go h.loop()
	return h
}

func (h *Hub) Inbox() chan<- HubMsg { return h.inbox }

func (h *Hub) Done() <-chan struct{} { return h.ctx.Done() }

func (h *Hub) Create(ctx context.Context, code string, state engine.State) (*lobby.Lobby, error) {
	reply := make(chan *lobby.Lobby, 1)
	return h.ask(ctx, CreateLobby{Code: code, State: state, Reply: reply}, reply)
}

func (h *Hub) Get(ctx context.Context, code string) (*lobby.Lobby, error) {
	reply := make(chan *lobby.Lobby, 1)
	return h.ask(ctx, GetLobby{Code: code, Reply: reply}, reply)
}

func (h *Hub) GetByID(ctx context.Context, roomID string) (*lobby.Lobby, error) {
	reply := make(chan *lobby.Lobby, 1)
	return h.ask(ctx, GetLobbyByID{RoomID: roomID, Reply: reply}, reply)
}

// Finished returns the final state of a room that closed after every player had finished.
func (h *Hub) Finished(ctx context.Context, roomID string) (engine.State, bool, error) {
	reply := make(chan *engine.State, 1)
	st, err := ask(h, ctx, GetFinished{RoomID: roomID, Reply: reply}, reply)
	if err != nil || st == nil {
		return engine.State{}, false, err
	}
	return *st, true, nil
}

func (h *Hub) Stats(ctx context.Context) (Stats, error) {
	reply := make(chan Stats, 1)
	return ask(h, ctx, GetStats{Reply: reply}, reply)
}

func (h *Hub) Shutdown() {
	select {
	case h.inbox <- ShutdownHub{}:
	case <-h.ctx.Done():
	}
}

func (h *Hub) ask(ctx context.Context, m HubMsg, reply chan *lobby.Lobby) (*lobby.Lobby, error) {
	return ask(h, ctx, m, reply)
}

func ask[T any](h *Hub, ctx context.Context, m HubMsg, reply <-chan T) (T, error) {
	var zero T
	select {
	case h.inbox <- m:
	case <-h.ctx.Done():
		return zero, ErrStopped
	case <-ctx.Done():
		return zero, ctx.Err()
	}
	select {
	case v := <-reply:
		return v, nil
	case <-h.ctx.Done():
		return zero, ErrStopped
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// lobbyClosed runs on the closing lobby's goroutine.
func (h *Hub) lobbyClosed(final engine.State) {
	select {
	case h.inbox <- RemoveLobby{Final: final}:
	case <-h.ctx.Done():
	}
}

func (h *Hub) loop() {
	for {
		select {
		case <-h.ctx.Done():
			return

		case m := <-h.inbox:
			switch msg := m.(type) {
			case CreateLobby:
				if _, taken := h.lobbies[msg.Code]; taken {
					msg.Reply <- nil
					break
				}
				lb := lobby.NewLobby(h.ctx, msg.State, h.opts)
				h.lobbies[msg.Code] = lb
				h.byID[msg.State.RoomID] = msg.Code
				h.logger.Info("room created",
					zap.String("room_code", msg.Code),
					zap.String("room_id", msg.State.RoomID),
					zap.String("host_id", msg.State.HostID))
				msg.Reply <- lb

			case GetLobby:
				msg.Reply <- h.lobbies[msg.Code] // May be nil

			case GetLobbyByID:
				msg.Reply <- h.lobbies[h.byID[msg.RoomID]]

			case RemoveLobby:
				h.pruneFinished()
				delete(h.lobbies, msg.Final.JoinCode)
				delete(h.byID, msg.Final.RoomID)
				if engine.AllFinished(msg.Final) {
					h.finished[msg.Final.RoomID] = finishedRoom{state: msg.Final, expires: h.now().Add(h.retention)}
				}
				h.logger.Info("room removed", zap.String("room_code", msg.Final.JoinCode))

			case GetFinished:
				h.pruneFinished()
				if f, ok := h.finished[msg.RoomID]; ok {
					st := f.state
					msg.Reply <- &st
					break
				}
				msg.Reply <- nil

			case GetStats:
				msg.Reply <- Stats{Rooms: len(h.lobbies)}

			case ShutdownHub:
				for _, lb := range h.lobbies {
					select {
					case lb.Inbox() <- lobby.Shutdown{}:
					case <-lb.Done():
					}
				}
				clear(h.lobbies)
				clear(h.byID)
				h.cancel()
				return
			}
		}
	}
}

func (h *Hub) pruneFinished() {
	now := h.now()
	for id, f := range h.finished {
		if now.After(f.expires) {
			delete(h.finished, id)
		}
	}
}

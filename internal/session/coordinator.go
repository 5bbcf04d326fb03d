// Package session drives one client through a room's lifecycle.
//
// The Coordinator is an actor. Run is its only goroutine: it handles requests from the inbox and
// dispatches transport deliveries, so the room store and the state machine are never touched
// concurrently. Everything the UI needs is published as notifications or read through the
// snapshot accessors.
package session

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/DoyleJ11/party-room/internal/roomstate"
	"github.com/DoyleJ11/party-room/internal/transport"
	"github.com/DoyleJ11/party-room/pkg/types"
)

type Transport interface {
	Connect(ctx context.Context)
	Disconnect()
	Emit(event string, payload any)
	On(event string, h transport.Handler)
	Off(event string)
	Deliveries() <-chan transport.Delivery
	Dispatch(d transport.Delivery)
}

type RoomAPI interface {
	CreateRoom(ctx context.Context, tags []string) (types.CreateRoomResponse, error)
	JoinRoom(ctx context.Context, joinCode string) (types.JoinRoomResponse, error)
}

type ContentGenerator interface {
	Generate(ctx context.Context, tags []string) (string, error)
}

type Config struct {
	RequestTimeout time.Duration
	ContentTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.ContentTimeout <= 0 {
		c.ContentTimeout = 10 * time.Second
	}
	return c
}

type msg interface{ isSessionMsg() }

type openRoom struct {
	create bool
	tags   []string
	code   string
	reply  chan error
}

type toggleReady struct{ reply chan error }

type startGame struct{ reply chan error }

type reportClear struct {
	clear time.Duration
	reply chan error
}

type leaveRoom struct{ reply chan error }

// roomResult carries the outcome of the create or join call back onto the actor.
type roomResult struct {
	attempt  uint64
	create   bool
	roomID   string
	code     string
	snapshot *types.RoomSnapshot
	err      error
}

type contentResult struct {
	attempt uint64
	url     string
	err     error
}

func (openRoom) isSessionMsg()      {}
func (toggleReady) isSessionMsg()   {}
func (startGame) isSessionMsg()     {}
func (reportClear) isSessionMsg()   {}
func (leaveRoom) isSessionMsg()     {}
func (roomResult) isSessionMsg()    {}
func (contentResult) isSessionMsg() {}

type view struct {
	state    State
	identity Identity
	room     *roomstate.Room
}

type Coordinator struct {
	cfg     Config
	tr      Transport
	api     RoomAPI
	content ContentGenerator
	logger  *zap.Logger

	inbox  chan msg
	notify chan Notification
	done   chan struct{}

	// Owned by Run.
	ctx      context.Context
	state    State
	attempt  uint64
	pending  *openRoom
	identity Identity
	store    *roomstate.Store
	starting bool
	handlers []string

	mu   sync.RWMutex
	view view
}

func NewCoordinator(cfg Config, tr Transport, api RoomAPI, content ContentGenerator, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		cfg:     cfg.withDefaults(),
		tr:      tr,
		api:     api,
		content: content,
		logger:  logger.Named("session"),
		inbox:   make(chan msg, 64),
		notify:  make(chan Notification, 64),
		done:    make(chan struct{}),
		store:   roomstate.NewStore(),
	}
}

// Run is the coordinator's event loop. It must be called exactly once and returns when ctx ends.
func (c *Coordinator) Run(ctx context.Context) error {
	c.ctx = ctx
	defer close(c.done)
	defer c.shutdown()

	deliveries := c.tr.Deliveries()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m := <-c.inbox:
			c.handle(m)
		case d := <-deliveries:
			c.tr.Dispatch(d)
		}
		c.publish()
	}
}

// Notifications streams state and room changes. Slow readers miss notifications; the accessors
// always return the latest state.
func (c *Coordinator) Notifications() <-chan Notification { return c.notify }

func (c *Coordinator) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.view.state
}

func (c *Coordinator) Identity() Identity {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.view.identity
}

// Snapshot returns a copy of the current room, or nil outside a room.
func (c *Coordinator) Snapshot() *roomstate.Room {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.view.room.Clone()
}

// CreateRoom starts an attempt that ends with this client hosting a new room. The outcome is
// reported through notifications.
func (c *Coordinator) CreateRoom(ctx context.Context, tags []string) error {
	reply := make(chan error, 1)
	return c.request(ctx, openRoom{create: true, tags: slices.Clone(tags), reply: reply}, reply)
}

func (c *Coordinator) JoinRoom(ctx context.Context, joinCode string) error {
	if joinCode == "" {
		return ErrEmptyJoinCode
	}
	reply := make(chan error, 1)
	return c.request(ctx, openRoom{code: joinCode, reply: reply}, reply)
}

// ToggleReady asks the authority to flip the local ready flag. The flag changes once the
// authority's confirmation arrives.
func (c *Coordinator) ToggleReady(ctx context.Context) error {
	reply := make(chan error, 1)
	return c.request(ctx, toggleReady{reply: reply}, reply)
}

// StartGame is host only. It decides the shared image, announces it and asks the authority to
// start.
func (c *Coordinator) StartGame(ctx context.Context) error {
	reply := make(chan error, 1)
	return c.request(ctx, startGame{reply: reply}, reply)
}

func (c *Coordinator) ReportClear(ctx context.Context, clear time.Duration) error {
	if clear < 0 {
		return ErrInvalidClearTime
	}
	reply := make(chan error, 1)
	return c.request(ctx, reportClear{clear: clear, reply: reply}, reply)
}

// Leave ends the current attempt or room from any state.
func (c *Coordinator) Leave(ctx context.Context) error {
	reply := make(chan error, 1)
	return c.request(ctx, leaveRoom{reply: reply}, reply)
}

func (c *Coordinator) request(ctx context.Context, m msg, reply <-chan error) error {
	select {
	case c.inbox <- m:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrCoordinatorClosed
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrCoordinatorClosed
	}
}

// post hands a background result back to the actor.
func (c *Coordinator) post(m msg) {
	select {
	case c.inbox <- m:
	case <-c.done:
	}
}

func (c *Coordinator) handle(m msg) {
	switch msg := m.(type) {
	case openRoom:
		msg.reply <- c.open(msg)
	case toggleReady:
		msg.reply <- c.toggleReady()
	case startGame:
		msg.reply <- c.startGame()
	case reportClear:
		msg.reply <- c.reportClear(msg.clear)
	case leaveRoom:
		c.leave()
		msg.reply <- nil
	case roomResult:
		c.onRoomResult(msg)
	case contentResult:
		c.onContentResult(msg)
	}
}

func (c *Coordinator) open(m openRoom) error {
	if c.state != Idle && c.state != Terminated {
		return ErrBusy
	}
	c.attempt++
	c.pending = &m
	c.identity = Identity{}
	c.starting = false
	c.store.Clear()

	c.register(transport.EventConnected, c.onConnected)
	c.register(transport.EventConnectError, c.onConnectError)
	c.register(transport.EventDisconnected, c.onDisconnected)
	c.register(types.EvtAuthenticated, c.onAuthenticated)

	c.setState(Connecting)
	c.tr.Connect(c.ctx)
	return nil
}

func (c *Coordinator) toggleReady() error {
	if c.state != Lobby {
		return ErrWrongState
	}
	c.tr.Emit(types.EvtToggleReady, types.RoomIDPayload{RoomID: c.roomID()})
	return nil
}

func (c *Coordinator) startGame() error {
	if c.state != Lobby {
		return ErrWrongState
	}
	if !c.identity.IsHost() {
		return ErrNotHost
	}
	if c.starting {
		return ErrBusy
	}
	c.starting = true

	room := c.store.Snapshot()
	attempt := c.attempt
	timeout := c.cfg.ContentTimeout
	go func() {
		ctx, cancel := context.WithTimeout(c.ctx, timeout)
		defer cancel()
		url, err := c.content.Generate(ctx, room.Tags)
		c.post(contentResult{attempt: attempt, url: url, err: err})
	}()
	return nil
}

func (c *Coordinator) reportClear(clear time.Duration) error {
	if c.state != InGame {
		return ErrWrongState
	}
	c.tr.Emit(types.EvtCompleteGame, types.CompleteGamePayload{
		RoomID:      c.roomID(),
		ClearTimeMs: types.ToMillis(clear),
	})
	return nil
}

func (c *Coordinator) leave() {
	if c.state == Idle || c.state == Terminated {
		return
	}
	code := ""
	if room := c.store.Snapshot(); room != nil {
		code = room.JoinCode
	}
	c.unregisterAll()
	if code != "" {
		c.tr.Emit(types.EvtLeaveRoom, types.RoomCodePayload{RoomCode: code})
	}
	c.logger.Info("leaving", zap.String("room_code", code), zap.Stringer("state", c.state))
	c.reset()
	c.setState(Terminated)
}

func (c *Coordinator) onConnected(transport.Delivery) {
	if c.state != Connecting {
		return
	}
	c.setState(Authenticating)
}

func (c *Coordinator) onConnectError(d transport.Delivery) {
	c.terminate(d.Err, "")
}

func (c *Coordinator) onDisconnected(d transport.Delivery) {
	reason := d.Err
	if reason == nil {
		reason = fmt.Errorf("%w: connection lost", transport.ErrConnection)
	} else {
		reason = fmt.Errorf("%w: %w", transport.ErrConnection, reason)
	}
	c.terminate(reason, "")
}

func (c *Coordinator) onAuthenticated(d transport.Delivery) {
	if c.state != Authenticating || c.pending == nil {
		return
	}
	p, err := types.DecodeData[types.AuthenticatedPayload](d.Data)
	if err != nil || !p.IsSuccess {
		c.terminate(fmt.Errorf("%w: %s %s", transport.ErrAuthentication, p.Code, p.Message), "")
		return
	}
	c.identity.UserID = p.UserID

	req, attempt, timeout := *c.pending, c.attempt, c.cfg.RequestTimeout
	go func() {
		ctx, cancel := context.WithTimeout(c.ctx, timeout)
		defer cancel()
		res := roomResult{attempt: attempt, create: req.create}
		if req.create {
			resp, err := c.api.CreateRoom(ctx, req.tags)
			res.roomID, res.code, res.err = resp.RoomID, resp.JoinCode, err
		} else {
			resp, err := c.api.JoinRoom(ctx, req.code)
			res.roomID, res.code, res.err = resp.RoomID, resp.JoinCode, err
			if res.code == "" {
				res.code = req.code
			}
			res.snapshot = &resp.Snapshot
		}
		c.post(res)
	}()
}

func (c *Coordinator) onRoomResult(m roomResult) {
	if m.attempt != c.attempt || c.state != Authenticating {
		if m.err == nil && m.code != "" {
			c.logger.Info("room response arrived after the attempt ended, leaving",
				zap.String("room_code", m.code))
			c.tr.Emit(types.EvtLeaveRoom, types.RoomCodePayload{RoomCode: m.code})
		}
		return
	}
	if m.err != nil {
		c.terminate(fmt.Errorf("open room: %w", m.err), "")
		return
	}

	tags, maxPlayers := c.pending.tags, types.MaxPlayers
	hostID := c.identity.UserID
	c.identity.Role = RoleHost
	if !m.create {
		c.identity.Role = RoleGuest
		hostID = m.snapshot.HostID
		tags = m.snapshot.Tags
		if m.snapshot.MaxPlayers > 0 {
			maxPlayers = m.snapshot.MaxPlayers
		}
	}
	c.pending = nil
	c.store.Reset(m.roomID, m.code, hostID, tags, maxPlayers)
	c.registerRoomHandlers()
	c.tr.Emit(types.EvtJoinRoom, types.RoomCodePayload{RoomCode: m.code})

	c.logger.Info("entered room",
		zap.String("room_id", m.roomID),
		zap.String("room_code", m.code),
		zap.Stringer("role", c.identity.Role))
	c.setState(Lobby)

	if m.snapshot != nil && len(m.snapshot.Participants) > 0 {
		c.apply(c.store.ApplyMembership(m.snapshot.Participants))
		if c.state == Lobby && m.snapshot.ImageURL != "" {
			c.apply(c.store.ApplyImageShared(m.snapshot.ImageURL))
		}
	}
}

func (c *Coordinator) onContentResult(m contentResult) {
	if m.attempt != c.attempt || c.state != Lobby {
		return
	}
	if m.err != nil {
		c.starting = false
		c.logger.Warn("content generation failed", zap.Error(m.err))
		c.emitNotification(Notification{Kind: KindActionFailed, Err: fmt.Errorf("generate content: %w", m.err)})
		return
	}
	roomID := c.roomID()
	c.tr.Emit(types.EvtShareImageURL, types.ShareImagePayload{RoomID: roomID, ImageURL: m.url})
	c.tr.Emit(types.EvtStartGame, types.RoomIDPayload{RoomID: roomID})
}

// terminate ends the attempt after a failure or a fault.
func (c *Coordinator) terminate(err error, notice string) {
	if c.state == Terminated || c.state == Idle {
		return
	}
	c.unregisterAll()
	c.logger.Info("session terminated", zap.Stringer("state", c.state), zap.Error(err))
	c.reset()
	c.setStateWith(Terminated, err, notice)
}

// reset disconnects and drops all room state. Results still in flight are ignored once the
// attempt counter moves on.
func (c *Coordinator) reset() {
	c.tr.Disconnect()
	c.store.Clear()
	c.pending = nil
	c.starting = false
	c.attempt++
}

func (c *Coordinator) shutdown() {
	c.unregisterAll()
	c.tr.Disconnect()
	c.store.Clear()
	c.publish()
}

func (c *Coordinator) register(event string, h transport.Handler) {
	c.tr.On(event, h)
	if !slices.Contains(c.handlers, event) {
		c.handlers = append(c.handlers, event)
	}
}

func (c *Coordinator) unregisterAll() {
	for _, event := range c.handlers {
		c.tr.Off(event)
	}
	c.handlers = c.handlers[:0]
}

func (c *Coordinator) setState(s State) { c.setStateWith(s, nil, "") }

func (c *Coordinator) setStateWith(s State, err error, notice string) {
	if c.state == s {
		return
	}
	c.logger.Debug("state change", zap.Stringer("from", c.state), zap.Stringer("to", s))
	c.state = s
	c.emitNotification(Notification{Kind: KindState, State: s, Err: err, Notice: notice})
}

func (c *Coordinator) emitNotification(n Notification) {
	if n.Kind != KindState {
		n.State = c.state
	}
	select {
	case c.notify <- n:
	default:
		c.logger.Warn("notification dropped", zap.String("kind", string(n.Kind)))
	}
}

func (c *Coordinator) publish() {
	c.mu.Lock()
	c.view = view{state: c.state, identity: c.identity, room: c.store.Snapshot()}
	c.mu.Unlock()
}

func (c *Coordinator) roomID() string {
	if room := c.store.Snapshot(); room != nil {
		return room.ID
	}
	return ""
}

package hub

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/DoyleJ11/party-room/internal/engine"
	"github.com/DoyleJ11/party-room/internal/lobby"
)

func newState(roomID, code string) engine.State {
	return engine.NewState(roomID, code, engine.Member{UserID: "host", Name: "Host"}, nil, 4)
}

func newTestHub(t *testing.T) *Hub {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return NewHub(ctx, lobby.Options{})
}

func TestHub_Create_Get_SamePointer(t *testing.T) {
	ctx := context.Background()
	h := newTestHub(t)

	lb1, err := h.Create(ctx, "ZED123", newState("R1", "ZED123"))
	if err != nil || lb1 == nil {
		t.Fatalf("create: %v %v", lb1, err)
	}
	lb2, _ := h.Get(ctx, "ZED123")
	lb3, _ := h.GetByID(ctx, "R1")

	if lb1 != lb2 || lb1 != lb3 {
		t.Fatalf("expected same lobby pointer")
	}
}

func TestHub_CreateCollision(t *testing.T) {
	ctx := context.Background()
	h := newTestHub(t)

	if lb, _ := h.Create(ctx, "ZED123", newState("R1", "ZED123")); lb == nil {
		t.Fatalf("first create failed")
	}
	if lb, _ := h.Create(ctx, "ZED123", newState("R2", "ZED123")); lb != nil {
		t.Fatalf("expected nil on code collision")
	}
	if lb, _ := h.GetByID(ctx, "R2"); lb != nil {
		t.Fatalf("colliding room should not be indexed")
	}
}

func TestHub_ClosedRoomIsRemoved(t *testing.T) {
	ctx := context.Background()
	h := newTestHub(t)

	lb, _ := h.Create(ctx, "ZED123", newState("R1", "ZED123"))
	lb.Inbox() <- lobby.FromClient{Cmd: engine.Command{Type: engine.CmdLeave, UserID: "host"}}

	select {
	case <-lb.Done():
	case <-time.After(time.Second):
		t.Fatalf("lobby did not stop")
	}

	deadline := time.Now().Add(time.Second)
	for {
		got, _ := h.Get(ctx, "ZED123")
		byID, _ := h.GetByID(ctx, "R1")
		if got == nil && byID == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("closed room still registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if lb, _ := h.Create(ctx, "ZED123", newState("R3", "ZED123")); lb == nil {
		t.Fatalf("code should be reusable after close")
	}
}

func TestHub_ShutdownStopsLobbies(t *testing.T) {
	ctx := context.Background()
	h := newTestHub(t)

	lb, _ := h.Create(ctx, "ZED123", newState("R1", "ZED123"))
	h.Shutdown()

	for _, done := range []<-chan struct{}{lb.Done(), h.Done()} {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatalf("shutdown did not stop everything")
		}
	}
	if _, err := h.Get(ctx, "ZED123"); err != ErrStopped {
		t.Fatalf("want ErrStopped, got %v", err)
	}
}

func TestHub_Stats(t *testing.T) {
	ctx := context.Background()
	h := newTestHub(t)
	_, _ = h.Create(ctx, "A", newState("R1", "A"))
	_, _ = h.Create(ctx, "B", newState("R2", "B"))

	st, err := h.Stats(ctx)
	if err != nil || st.Rooms != 2 {
		t.Fatalf("stats = %+v, %v", st, err)
	}
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// playOut runs a two player game to the end. The guest wins.
func playOut(t *testing.T, lb *lobby.Lobby) {
	t.Helper()
	ctx := context.Background()
	if _, err := lb.Register(ctx, "guest", "Guest"); err != nil {
		t.Fatalf("register: %v", err)
	}
	for _, cmd := range []engine.Command{
		{Type: engine.CmdToggleReady, UserID: "guest"},
		{Type: engine.CmdShareImage, UserID: "host", ImageURL: "https://img/1.png"},
		{Type: engine.CmdStartGame, UserID: "host"},
		{Type: engine.CmdComplete, UserID: "guest", ClearTime: 7 * time.Second},
		{Type: engine.CmdComplete, UserID: "host", ClearTime: 9 * time.Second},
	} {
		if err := lb.Send(ctx, lobby.FromClient{Cmd: cmd}); err != nil {
			t.Fatalf("send %v: %v", cmd.Type, err)
		}
	}
}

func waitRemoved(t *testing.T, h *Hub, code string) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for {
		if lb, _ := h.Get(context.Background(), code); lb == nil {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("room %s still registered", code)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHub_FinishedRoomOutlivesHost(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Unix(1000, 0)}
	h := newTestHub(t)
	h.now = clock.Now

	lb, _ := h.Create(ctx, "ZED123", newState("R1", "ZED123"))
	playOut(t, lb)
	lb.Inbox() <- lobby.FromClient{Cmd: engine.Command{Type: engine.CmdLeave, UserID: "host"}}
	waitRemoved(t, h, "ZED123")

	final, ok, err := h.Finished(ctx, "R1")
	if err != nil || !ok {
		t.Fatalf("finished room not kept: %v %v", ok, err)
	}
	if w, _ := engine.Winner(final); w.UserID != "guest" {
		t.Fatalf("winner = %+v", w)
	}
	if final.IsMember("host") {
		t.Fatalf("host should have left the final state")
	}

	clock.Advance(FinishedRetention + time.Second)
	if _, ok, _ := h.Finished(ctx, "R1"); ok {
		t.Fatalf("finished room kept past retention")
	}
}

func TestHub_UnfinishedRoomIsNotKept(t *testing.T) {
	ctx := context.Background()
	h := newTestHub(t)

	lb, _ := h.Create(ctx, "ZED123", newState("R1", "ZED123"))
	lb.Inbox() <- lobby.FromClient{Cmd: engine.Command{Type: engine.CmdLeave, UserID: "host"}}
	waitRemoved(t, h, "ZED123")

	if _, ok, err := h.Finished(ctx, "R1"); ok || err != nil {
		t.Fatalf("unfinished room kept: %v %v", ok, err)
	}
}

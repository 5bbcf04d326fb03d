package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/DoyleJ11/party-room/pkg/types"
)

type fakeConn struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}
	once   sync.Once

	closeErr error
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 16),
		out:    make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-c.in:
		return data, nil
	case <-c.closed:
		return nil, errors.New("conn closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Write(ctx context.Context, data []byte) error {
	select {
	case <-c.closed:
		return errors.New("conn closed")
	default:
	}
	select {
	case c.out <- data:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *fakeConn) Close(websocket.StatusCode, string) error {
	c.once.Do(func() { close(c.closed) })
	return c.closeErr
}

// drop simulates the authority going away.
func (c *fakeConn) drop() { c.once.Do(func() { close(c.closed) }) }

func (c *fakeConn) push(t *testing.T, event string, payload any) {
	t.Helper()
	data, err := types.Encode(event, payload)
	require.NoError(t, err)
	c.in <- data
}

type fakeDialer struct {
	conn  *fakeConn
	err   error
	dials atomic.Int32
}

func (d *fakeDialer) Dial(ctx context.Context, url, token string) (Conn, error) {
	d.dials.Add(1)
	if d.err != nil {
		return nil, d.err
	}
	return d.conn, nil
}

func recvDelivery(t *testing.T, ch <-chan Delivery, within time.Duration) Delivery {
	t.Helper()
	select {
	case d := <-ch:
		return d
	case <-time.After(within):
		t.Fatalf("timed out waiting for delivery")
		return Delivery{}
	}
}

func recvNoDelivery(t *testing.T, ch <-chan Delivery, within time.Duration) {
	t.Helper()
	select {
	case d := <-ch:
		t.Fatalf("expected no delivery within %v, got %q", within, d.Event)
	case <-time.After(within):
	}
}

func recvFrame(t *testing.T, ch <-chan []byte, within time.Duration) types.Envelope {
	t.Helper()
	select {
	case data := <-ch:
		env, err := types.Decode(data)
		require.NoError(t, err)
		return env
	case <-time.After(within):
		t.Fatalf("timed out waiting for frame")
		return types.Envelope{}
	}
}

func newTestSession(t *testing.T, d Dialer, cfg Config) *Session {
	t.Helper()
	if cfg.Token == "" {
		cfg.Token = "tok"
	}
	s := NewSession(cfg, d, zap.NewNop())
	t.Cleanup(s.Close)
	return s
}

// connectAuthenticated runs the happy-path handshake and returns the fake connection.
func connectAuthenticated(t *testing.T, s *Session, conn *fakeConn) {
	t.Helper()
	s.Connect(context.Background())
	require.Equal(t, EventConnected, recvDelivery(t, s.Deliveries(), time.Second).Event)

	auth := recvFrame(t, conn.out, time.Second)
	require.Equal(t, types.EvtAuthenticate, auth.Event)
	p, err := types.DecodeData[types.AuthenticatePayload](auth.Data)
	require.NoError(t, err)
	require.Equal(t, "tok", p.Token)

	conn.push(t, types.EvtAuthenticated, types.AuthenticatedPayload{IsSuccess: true, UserID: "u1"})
	d := recvDelivery(t, s.Deliveries(), time.Second)
	require.Equal(t, types.EvtAuthenticated, d.Event)
	require.True(t, s.Connected())
}

func TestSession_ConnectAuthenticates(t *testing.T) {
	conn := newFakeConn()
	s := newTestSession(t, &fakeDialer{conn: conn}, Config{})
	connectAuthenticated(t, s, conn)

	conn.push(t, types.EvtRoomUpdated, types.RoomUpdatedPayload{})
	assert.Equal(t, types.EvtRoomUpdated, recvDelivery(t, s.Deliveries(), time.Second).Event)
}

func TestSession_ConnectIsIdempotent(t *testing.T) {
	conn := newFakeConn()
	d := &fakeDialer{conn: conn}
	s := newTestSession(t, d, Config{})
	connectAuthenticated(t, s, conn)

	s.Connect(context.Background())
	s.Connect(context.Background())
	recvNoDelivery(t, s.Deliveries(), 50*time.Millisecond)
	assert.Equal(t, int32(1), d.dials.Load())
}

func TestSession_DialFailureRaisesConnectError(t *testing.T) {
	s := newTestSession(t, &fakeDialer{err: errors.New("refused")}, Config{})
	s.Connect(context.Background())

	d := recvDelivery(t, s.Deliveries(), time.Second)
	assert.Equal(t, EventConnectError, d.Event)
	assert.ErrorIs(t, d.Err, ErrConnection)
	assert.False(t, s.Connected())
}

func TestSession_RejectedCredential(t *testing.T) {
	conn := newFakeConn()
	s := newTestSession(t, &fakeDialer{conn: conn}, Config{})
	s.Connect(context.Background())
	require.Equal(t, EventConnected, recvDelivery(t, s.Deliveries(), time.Second).Event)
	recvFrame(t, conn.out, time.Second)

	conn.push(t, types.EvtAuthenticated, types.AuthenticatedPayload{Code: "unauthorized", Message: "expired"})
	assert.Equal(t, types.EvtAuthenticated, recvDelivery(t, s.Deliveries(), time.Second).Event)

	d := recvDelivery(t, s.Deliveries(), time.Second)
	assert.Equal(t, EventConnectError, d.Event)
	assert.ErrorIs(t, d.Err, ErrAuthentication)
	assert.False(t, s.Connected())
}

func TestSession_AuthenticationTimeout(t *testing.T) {
	conn := newFakeConn()
	s := newTestSession(t, &fakeDialer{conn: conn}, Config{AuthTimeout: 50 * time.Millisecond})
	s.Connect(context.Background())
	require.Equal(t, EventConnected, recvDelivery(t, s.Deliveries(), time.Second).Event)

	d := recvDelivery(t, s.Deliveries(), time.Second)
	assert.Equal(t, EventConnectError, d.Event)
	assert.ErrorIs(t, d.Err, ErrAuthentication)
}

func TestSession_EmitWhileDisconnectedIsDropped(t *testing.T) {
	conn := newFakeConn()
	s := newTestSession(t, &fakeDialer{conn: conn}, Config{})
	s.Emit(types.EvtLeaveRoom, types.RoomCodePayload{RoomCode: "AB12"})

	connectAuthenticated(t, s, conn)
	s.Emit(types.EvtToggleReady, types.RoomIDPayload{RoomID: "R1"})
	assert.Equal(t, types.EvtToggleReady, recvFrame(t, conn.out, time.Second).Event)
}

func TestSession_ServerDropRaisesDisconnect(t *testing.T) {
	conn := newFakeConn()
	s := newTestSession(t, &fakeDialer{conn: conn}, Config{})
	connectAuthenticated(t, s, conn)

	conn.drop()
	d := recvDelivery(t, s.Deliveries(), time.Second)
	assert.Equal(t, EventDisconnected, d.Event)
	assert.Error(t, d.Err)
	assert.False(t, s.Connected())
}

func TestSession_DisconnectReportsCloseFailure(t *testing.T) {
	conn := newFakeConn()
	conn.closeErr = errors.New("close handshake failed")
	s := newTestSession(t, &fakeDialer{conn: conn}, Config{})
	connectAuthenticated(t, s, conn)

	conn.drop()
	d := recvDelivery(t, s.Deliveries(), time.Second)
	assert.Equal(t, EventDisconnected, d.Event)
	assert.ErrorIs(t, d.Err, conn.closeErr)
	assert.Len(t, multierr.Errors(d.Err), 2, "read and close errors are both reported")
}

func TestSession_DisconnectFlushesQueuedFrames(t *testing.T) {
	conn := newFakeConn()
	s := newTestSession(t, &fakeDialer{conn: conn}, Config{})
	connectAuthenticated(t, s, conn)

	s.Emit(types.EvtLeaveRoom, types.RoomCodePayload{RoomCode: "AB12"})
	s.Disconnect()
	s.Disconnect()

	assert.Equal(t, types.EvtLeaveRoom, recvFrame(t, conn.out, time.Second).Event)
	select {
	case <-conn.closed:
	case <-time.After(time.Second):
		t.Fatal("connection was not closed")
	}
	recvNoDelivery(t, s.Deliveries(), 100*time.Millisecond)
	assert.False(t, s.Connected())
}

func TestSession_DispatchUsesLatestHandler(t *testing.T) {
	conn := newFakeConn()
	s := newTestSession(t, &fakeDialer{conn: conn}, Config{})
	connectAuthenticated(t, s, conn)

	var first, second int
	s.On(types.EvtGameStarted, func(Delivery) { first++ })
	s.On(types.EvtGameStarted, func(Delivery) { second++ })

	conn.push(t, types.EvtGameStarted, nil)
	s.Dispatch(recvDelivery(t, s.Deliveries(), time.Second))
	assert.Equal(t, 0, first)
	assert.Equal(t, 1, second)

	s.Off(types.EvtGameStarted)
	conn.push(t, types.EvtGameStarted, nil)
	s.Dispatch(recvDelivery(t, s.Deliveries(), time.Second))
	assert.Equal(t, 1, second)
}

func TestSession_StaleDeliveriesAreDropped(t *testing.T) {
	conn := newFakeConn()
	s := newTestSession(t, &fakeDialer{conn: conn}, Config{})
	connectAuthenticated(t, s, conn)

	calls := 0
	s.On(types.EvtRoomUpdated, func(Delivery) { calls++ })
	conn.push(t, types.EvtRoomUpdated, types.RoomUpdatedPayload{})
	old := recvDelivery(t, s.Deliveries(), time.Second)

	s.Disconnect()
	s.Dispatch(old)
	assert.Equal(t, 0, calls)
}

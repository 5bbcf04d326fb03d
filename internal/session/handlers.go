package session

import (
	"go.uber.org/zap"

	"github.com/DoyleJ11/party-room/internal/roomstate"
	"github.com/DoyleJ11/party-room/internal/transport"
	"github.com/DoyleJ11/party-room/pkg/types"
)

const hostLeftNotice = "The host left the room. The session has ended."

// on registers a handler that decodes the delivery payload into T first. Malformed payloads are
// dropped.
func on[T any](c *Coordinator, event string, fn func(T)) {
	c.register(event, func(d transport.Delivery) {
		p, err := types.DecodeData[T](d.Data)
		if err != nil {
			c.logger.Warn("dropping malformed event", zap.String("event", event), zap.Error(err))
			return
		}
		fn(p)
	})
}

func (c *Coordinator) registerRoomHandlers() {
	on(c, types.EvtUserJoined, func(p types.UserJoinedPayload) {
		if p.Participant != nil {
			c.apply(c.store.ApplyJoined(*p.Participant))
			return
		}
		c.apply(c.store.ApplyMembership(p.Participants))
	})
	on(c, types.EvtUserLeft, c.onUserLeft)
	on(c, types.EvtUserDisconnected, c.onUserLeft)
	on(c, types.EvtRoomUpdated, func(p types.RoomUpdatedPayload) {
		c.apply(c.store.ApplyMembership(p.Participants))
	})
	on(c, types.EvtReadyChanged, func(p types.ReadyChangedPayload) {
		c.apply(c.store.ApplyReady(p.UserID, p.IsReady))
	})
	on(c, types.EvtShareImageURL, func(p types.ShareImagePayload) {
		c.apply(c.store.ApplyImageShared(p.ImageURL))
	})
	on(c, types.EvtGameStarted, func(struct{}) {
		c.starting = false
		c.apply(c.store.ApplyGameStarted())
	})
	on(c, types.EvtGameCompleted, func(p types.GameCompletedPayload) {
		if p.Winner.UserID == "" || p.Winner.ClearTimeMs < 0 {
			return
		}
		c.apply(c.store.ApplyFinished(p.Winner.UserID, types.FromMillis(p.Winner.ClearTimeMs)))
	})
	on(c, types.EvtError, func(p types.ErrorPayload) {
		c.starting = false
		c.logger.Warn("action rejected", zap.String("code", p.Code), zap.String("message", p.Message))
		c.emitNotification(Notification{Kind: KindActionFailed, Err: &RejectedError{Code: p.Code, Message: p.Message}})
	})
}

func (c *Coordinator) onUserLeft(p types.UserLeftPayload) {
	if p.UserID != "" && p.UserID == c.identity.UserID {
		c.terminate(ErrRemoved, "")
		return
	}
	c.apply(c.store.ApplyLeft(p.UserID, p.IsHost))
}

// apply publishes each change and runs the state transitions it implies. Losing the host ends the
// session immediately; nothing after it is reported.
func (c *Coordinator) apply(changes []roomstate.Change) {
	if len(changes) == 0 {
		return
	}
	room := c.store.Snapshot()
	for _, ch := range changes {
		if ch == roomstate.HostLeft {
			c.terminate(ErrHostLeft, hostLeftNotice)
			return
		}
		c.emitNotification(Notification{Kind: KindRoom, Change: ch, Room: room.Clone()})
	}
	if c.state == Lobby && room.Started && room.ImageURL != "" {
		c.setState(InGame)
	}
}

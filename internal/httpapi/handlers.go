package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/DoyleJ11/party-room/internal/auth"
	"github.com/DoyleJ11/party-room/internal/engine"
	"github.com/DoyleJ11/party-room/internal/hub"
	"github.com/DoyleJ11/party-room/internal/lobby"
	"github.com/DoyleJ11/party-room/internal/results"
	"github.com/DoyleJ11/party-room/pkg/types"
)

const codeAttempts = 10

// ResultStore persists single-play runs and planet saves.
type ResultStore interface {
	StartRun(ctx context.Context, userID string) (results.SingleRun, error)
	CompleteRun(ctx context.Context, userID, runID string, clearTime time.Duration) (results.SingleRun, error)
	SavePlanet(ctx context.Context, save results.PlanetSave) (results.PlanetSave, error)
}

// HealthCheck reports whether an optional backing service is reachable.
type HealthCheck func(ctx context.Context) error

func GenerateCode() (string, error) {
	const charset = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

	code := make([]byte, 6)
	for i := 0; i < 6; i++ {
		num, err := rand.Int(rand.Reader, big.NewInt(int64(len(charset))))
		if err != nil {
			return "", err
		}
		code[i] = charset[num.Int64()]
	}
	return string(code), nil
}

func GuestLogin(am *auth.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req types.GuestLoginRequest
		if !decodeBody(w, r, &req) {
			return
		}
		id := auth.Identity{UserID: uuid.NewString(), Name: strings.TrimSpace(req.Name)}
		if id.Name == "" {
			id.Name = "Guest-" + id.UserID[:4]
		}
		token, err := am.Generate(id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, types.CodeInternal, "failed to issue token")
			return
		}
		writeJSON(w, http.StatusOK, types.GuestLoginResponse{Token: token, UserID: id.UserID, Name: id.Name})
	}
}

func CreateRoom(h *hub.Hub, maxPlayers int, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, _ := IdentityFrom(r.Context())
		var req types.CreateRoomRequest
		if !decodeBody(w, r, &req) {
			return
		}

		roomID := uuid.NewString()
		for range codeAttempts {
			code, err := GenerateCode()
			if err != nil {
				writeError(w, http.StatusInternalServerError, types.CodeInternal, "failed to generate code")
				return
			}
			state := engine.NewState(roomID, code, engine.Member{UserID: id.UserID, Name: id.Name}, req.Tags, maxPlayers)
			lb, err := h.Create(r.Context(), code, state)
			if err != nil {
				writeError(w, http.StatusServiceUnavailable, types.CodeInternal, "server shutting down")
				return
			}
			if lb == nil {
				log.Debug("collision on code, regenerating", zap.String("room_code", code))
				continue
			}
			writeJSON(w, http.StatusCreated, types.CreateRoomResponse{RoomID: roomID, JoinCode: code})
			return
		}
		writeError(w, http.StatusInternalServerError, types.CodeInternal, "failed to allocate a join code")
	}
}

func JoinRoom(h *hub.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, _ := IdentityFrom(r.Context())
		var req types.JoinRoomRequest
		if !decodeBody(w, r, &req) {
			return
		}
		code := normalizeCode(req.JoinCode)
		if code == "" {
			writeError(w, http.StatusBadRequest, types.CodeBadRequest, "joinCode is required")
			return
		}

		lb, err := h.Get(r.Context(), code)
		if err != nil || lb == nil {
			writeError(w, http.StatusNotFound, types.CodeRoomNotFound, "room not found")
			return
		}
		snap, err := lb.Register(r.Context(), id.UserID, id.Name)
		if err != nil {
			writeLobbyError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, types.JoinRoomResponse{RoomID: snap.RoomID, JoinCode: snap.JoinCode, Snapshot: snap})
	}
}

func GetRoom(h *hub.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, _ := IdentityFrom(r.Context())
		lb, err := h.Get(r.Context(), normalizeCode(chi.URLParam(r, "code")))
		if err != nil || lb == nil {
			writeError(w, http.StatusNotFound, types.CodeRoomNotFound, "room not found")
			return
		}
		v, err := lb.View(r.Context())
		if err != nil {
			writeLobbyError(w, err)
			return
		}
		if !v.State.IsMember(id.UserID) {
			writeError(w, http.StatusForbidden, types.CodeNotMember, "not a member of the room")
			return
		}
		writeJSON(w, http.StatusOK, v.State.Snapshot(v.Version))
	}
}

func StartSingle(store ResultStore, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, _ := IdentityFrom(r.Context())
		run, err := store.StartRun(r.Context(), id.UserID)
		if err != nil {
			log.Error("start run", zap.String("user_id", id.UserID), zap.Error(err))
			writeError(w, http.StatusInternalServerError, types.CodeInternal, "failed to start run")
			return
		}
		writeJSON(w, http.StatusCreated, types.SingleStartResponse{RunID: run.ID})
	}
}

func CompleteSingle(store ResultStore, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, _ := IdentityFrom(r.Context())
		var req types.SingleCompleteRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.RunID == "" || req.ClearTimeMs < 0 {
			writeError(w, http.StatusBadRequest, types.CodeBadRequest, "runId and a non-negative clearTimeMs are required")
			return
		}
		_, err := store.CompleteRun(r.Context(), id.UserID, req.RunID, types.FromMillis(req.ClearTimeMs))
		switch {
		case errors.Is(err, results.ErrRunNotFound):
			writeError(w, http.StatusNotFound, types.CodeBadRequest, "run not found")
		case errors.Is(err, results.ErrRunCompleted):
			writeError(w, http.StatusConflict, types.CodeAlreadyCompleted, "run already completed")
		case err != nil:
			log.Error("complete run", zap.String("user_id", id.UserID), zap.Error(err))
			writeError(w, http.StatusInternalServerError, types.CodeInternal, "failed to complete run")
		default:
			w.WriteHeader(http.StatusNoContent)
		}
	}
}

// SaveToPlanet stores the winning image of a room. Only the winner may save, once every player
// has finished.
func SaveToPlanet(h *hub.Hub, store ResultStore, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, _ := IdentityFrom(r.Context())
		var req types.SaveToPlanetRequest
		if !decodeBody(w, r, &req) {
			return
		}

		state, ok, err := finalState(r.Context(), h, req.RoomID)
		if err != nil {
			writeLobbyError(w, err)
			return
		}
		if !ok {
			writeError(w, http.StatusNotFound, types.CodeRoomNotFound, "room not found")
			return
		}
		if !engine.AllFinished(state) {
			writeError(w, http.StatusConflict, types.CodeNotFinished, "not every player has finished")
			return
		}
		winner, ok := engine.Winner(state)
		if !ok || winner.UserID != id.UserID {
			writeError(w, http.StatusForbidden, types.CodeNotWinner, "only the winner may save")
			return
		}

		image := req.ImageURL
		if image == "" {
			image = state.ImageURL
		}
		saved, err := store.SavePlanet(r.Context(), results.PlanetSave{
			RoomID:      state.RoomID,
			UserID:      id.UserID,
			ImageURL:    image,
			Title:       req.Title,
			ClearTimeMs: types.ToMillis(winner.ClearTime),
		})
		switch {
		case errors.Is(err, results.ErrAlreadySaved):
			writeError(w, http.StatusConflict, types.CodeAlreadySaved, "already saved")
		case err != nil:
			log.Error("save to planet", zap.String("room_id", req.RoomID), zap.Error(err))
			writeError(w, http.StatusInternalServerError, types.CodeInternal, "failed to save")
		default:
			writeJSON(w, http.StatusCreated, types.SaveToPlanetResponse{ID: saved.ID})
		}
	}
}

// finalState reads a live room, or the kept final state of a finished room that has since closed.
func finalState(ctx context.Context, h *hub.Hub, roomID string) (engine.State, bool, error) {
	lb, err := h.GetByID(ctx, roomID)
	if err != nil {
		return engine.State{}, false, err
	}
	if lb != nil {
		v, err := lb.View(ctx)
		if err == nil {
			return v.State, true, nil
		}
		if !errors.Is(err, lobby.ErrClosed) {
			return engine.State{}, false, err
		}
	}
	return h.Finished(ctx, roomID)
}

func Healthz(h *hub.Hub, checks map[string]HealthCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		body := map[string]any{"status": "ok"}
		if st, err := h.Stats(ctx); err == nil {
			body["rooms"] = st.Rooms
		} else {
			status, body["status"] = http.StatusServiceUnavailable, "stopping"
		}
		for name, check := range checks {
			if err := check(ctx); err != nil {
				status, body["status"] = http.StatusServiceUnavailable, "degraded"
				body[name] = err.Error()
			}
		}
		writeJSON(w, status, body)
	}
}

func normalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, types.CodeBadRequest, fmt.Sprintf("invalid body: %v", err))
		return false
	}
	return true
}

func writeLobbyError(w http.ResponseWriter, err error) {
	code := lobby.ErrorCode(err)
	status := http.StatusInternalServerError
	switch code {
	case types.CodeRoomFull, types.CodeAlreadyStarted:
		status = http.StatusConflict
	case types.CodeRoomNotFound:
		status = http.StatusNotFound
	case types.CodeNotMember, types.CodeNotHost:
		status = http.StatusForbidden
	case types.CodeBadRequest:
		status = http.StatusBadRequest
	}
	writeError(w, status, code, err.Error())
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, types.ErrorResponse{Code: code, Message: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

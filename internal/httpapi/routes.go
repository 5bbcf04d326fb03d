package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/DoyleJ11/party-room/internal/auth"
	"github.com/DoyleJ11/party-room/internal/hub"
	"github.com/DoyleJ11/party-room/internal/ws"
)

type Deps struct {
	Hub        *hub.Hub
	Auth       *auth.Manager
	MaxPlayers int
	// Results is optional; the result routes are not mounted without it.
	Results ResultStore
	Checks  map[string]HealthCheck
	Socket  ws.Options
	Logger  *zap.Logger
}

func SetupRoutes(d Deps) http.Handler {
	log := d.Logger
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("http")

	r := chi.NewRouter()

	// Public routes
	r.Post("/auth/guest", GuestLogin(d.Auth))
	r.Get("/healthz", Healthz(d.Hub, d.Checks))
	r.Get("/ws", ws.Handler(d.Hub, d.Auth, d.Socket))

	r.Group(func(r chi.Router) {
		r.Use(RequireAuth(d.Auth))
		r.Post("/rooms/create", CreateRoom(d.Hub, d.MaxPlayers, log))
		r.Post("/rooms/join", JoinRoom(d.Hub))
		r.Get("/rooms/{code}", GetRoom(d.Hub))

		if d.Results != nil {
			r.Post("/games/single/start", StartSingle(d.Results, log))
			r.Post("/games/single/complete", CompleteSingle(d.Results, log))
			r.Post("/games/multiplay/save-to-planet", SaveToPlanet(d.Hub, d.Results, log))
		}
	})
	return r
}

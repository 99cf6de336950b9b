package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/creaturearena/battle-backend/internal/store"
)

type Deps struct {
	Store store.Store
	Log   *zap.Logger
	WS    http.HandlerFunc
}

func SetupRoutes(d Deps) http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", Healthz)
	r.Get("/ws", d.WS)
	// Read-only queries go straight to the store; they never touch the
	// per-session serializer.
	r.Get("/sessions/{id}", GetSession(d))
	r.Get("/participants/{id}/history", GetHistory(d))
	return r
}

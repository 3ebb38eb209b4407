package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"hackhub-backend/internal/handlers"
	"hackhub-backend/internal/middleware"
	"hackhub-backend/internal/websocket"
)

func New(
	jwtAuth *middleware.JWTAuth,
	aiLimiter *middleware.RateLimiter,
	aiHandler *handlers.AIHandler,
	chatHandler *handlers.ChatHandler,
	wsHub *websocket.Hub,
	frontendURL string,
) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS(frontendURL))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})

	r.Route("/api/v1", func(r chi.Router) {

		// ──── AI Routes ────
		r.Route("/ai", func(r chi.Router) {
			r.Use(jwtAuth.Middleware)
			r.Get("/models", aiHandler.Models)

			r.Group(func(r chi.Router) {
				r.Use(aiLimiter.Middleware)
				r.Post("/chat", aiHandler.Chat)
				r.Post("/analyze-idea", aiHandler.AnalyzeIdea)
			})
			// Summarize always answers 200, throttled or not.
			r.With(aiLimiter.Limit(aiHandler.SummarizeRateLimited)).Post("/summarize", aiHandler.Summarize)
		})

		// ──── Session Routes ────
		r.Route("/sessions/{id}", func(r chi.Router) {
			r.With(jwtAuth.Middleware).Get("/messages", chatHandler.ListMessages)

			// WebSocket authenticates through the token query param
			r.Get("/assistant/ws", wsHub.HandleWebSocket)
		})
	})

	return r
}

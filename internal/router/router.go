package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"navyk-backend/internal/handlers"
	"navyk-backend/internal/middleware"
	"navyk-backend/internal/websocket"
)

func New(
	jwtAuth *middleware.JWTAuth,
	chatHandler *handlers.ChatHandler,
	chatFunctionHandler *handlers.ChatFunctionHandler,
	functionLimiter *middleware.RateLimiter,
	wsHub *websocket.Hub,
	frontendURL string,
) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{frontendURL},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"Retry-After", "X-Allowance-Remaining"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})

	r.Route("/api/v1", func(r chi.Router) {

		// ──── Coach Chat Routes ────
		r.Route("/coaches", func(r chi.Router) {
			r.Use(jwtAuth.Middleware)
			r.Get("/", chatHandler.ListCoaches)
			r.Get("/sessions", chatHandler.ListSessions)
			r.Get("/{coachId}/messages", chatHandler.GetMessages)
			r.Post("/{coachId}/messages", chatHandler.SendMessage)
			r.Delete("/{coachId}/messages", chatHandler.ResetMessages)
		})

		// ──── Remote Chat Function ────
		r.Route("/functions", func(r chi.Router) {
			r.Use(jwtAuth.Middleware)
			r.Use(functionLimiter.Middleware)
			r.Post("/coach-chat", chatFunctionHandler.CoachChat)
		})

		// ──── WebSocket ────
		r.Get("/ws", wsHub.HandleWebSocket)
	})

	return r
}

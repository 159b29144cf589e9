package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/zhouzirui/paywatch/backend/internal/handler/console"
	"github.com/zhouzirui/paywatch/backend/internal/handler/socket"
	middlewarePkg "github.com/zhouzirui/paywatch/backend/internal/middleware"
	"github.com/zhouzirui/paywatch/backend/internal/relay"
	"github.com/zhouzirui/paywatch/backend/pkg/utils"
)

// Options 描述路由所需的依赖。
type Options struct {
	Hub            *relay.Hub
	History        console.History
	AllowedOrigins []string
	SinkQueueSize  int
}

// NewRouter wires HTTP routes to the relay hub.
func NewRouter(opts Options) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS(opts.AllowedOrigins))

	// /health only reports that the process is up
	r.Get("/health", handleHealth)

	socket.New(opts.Hub, opts.AllowedOrigins, opts.SinkQueueSize).RegisterRoutes(r)

	consoleHandler := console.New(opts.Hub, opts.History, opts.SinkQueueSize)
	r.Route("/api", func(api chi.Router) {
		consoleHandler.RegisterRoutes(api)
	})

	return r
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	utils.RespondJSON(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

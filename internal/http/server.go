// README: API gateway; builds the gin engine and delegates to module services.
package http

import (
	"log/slog"
	"net/http"
	"time"

	"driveup/internal/http/handlers"
	"driveup/internal/infra"
)

type ServerDeps struct {
	Orders   handlers.OrderService
	Matching handlers.MatchingService
	Verifier infra.TokenVerifier
	Logger   *slog.Logger
	// Location renders passenger-facing timestamps; nil means UTC.
	Location *time.Location
}

type Server struct {
	deps ServerDeps
}

func NewServer(deps ServerDeps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Server{deps: deps}
}

func (s *Server) Routes() http.Handler {
	return newRouter(s.deps)
}

// HTTPServer wraps Routes in an http.Server with conservative timeouts.
func (s *Server) HTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

package api

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/campuscode/coderoom/internal/config"
	"github.com/campuscode/coderoom/internal/server"
	"github.com/campuscode/coderoom/internal/stats"
	"github.com/campuscode/coderoom/internal/store"
	"github.com/gorilla/handlers"
)

type CodeRoomApp struct {
	log            *log.Logger
	store          store.Repository
	mux            *http.Server
	cs             *server.CollabServer
	stats          stats.StatsProvider
	signingKey     []byte
	allowedOrigins []string
}

func NewCodeRoomApp(mux *http.ServeMux, logger *log.Logger, cs *server.CollabServer, repo store.Repository, sp stats.StatsProvider, cfg *config.Config) *CodeRoomApp {
	s := &CodeRoomApp{
		log:            logger,
		store:          repo,
		cs:             cs,
		stats:          sp,
		signingKey:     cfg.SigningKey,
		allowedOrigins: cfg.AllowedOrigins,
	}

	mux.HandleFunc("POST /api/auth/register", s.createAccount)
	mux.HandleFunc("POST /api/auth/login", s.login)
	mux.HandleFunc("GET /api/auth/session", s.authMiddleware(s.session))
	mux.Handle("GET /api/auth/logout", s.authMiddleware(s.logout))
	mux.Handle("POST /api/rooms", s.authMiddleware(s.createRoom))
	mux.Handle("GET /api/rooms", s.authMiddleware(s.getRoom))
	mux.Handle("DELETE /api/rooms", s.authMiddleware(s.deleteRoom))
	mux.Handle("GET /ws", s.authMiddleware(s.serveWs))

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept"}),
		handlers.AllowCredentials(),
	)(mux)

	h = s.errorHandler(h)

	srv := &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: h,
	}

	s.mux = srv
	return s
}

func (s *CodeRoomApp) Start() error {
	s.log.Printf("starting server on %s\n", s.mux.Addr)
	return s.mux.ListenAndServe()
}

func (s *CodeRoomApp) Shutdown(ctx context.Context) error {
	s.log.Println("shutting down HTTP server...")
	if err := s.mux.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}

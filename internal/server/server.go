package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/kioskbox/update-service/internal/config"
	"github.com/kioskbox/update-service/internal/notify"
	"github.com/kioskbox/update-service/internal/release"
	"github.com/kioskbox/update-service/internal/update"
	"github.com/kioskbox/update-service/internal/version"
)

type Server struct {
	router     chi.Router
	log        *logrus.Logger
	config     *config.ServerConfig
	comparator *release.Comparator
	store      *version.Store
	tracker    *update.Tracker
	supervisor *update.Supervisor
	hub        *notify.Hub
	cache      *cache.Cache
	checkSem   *semaphore.Weighted
	startedAt  time.Time
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) notFoundHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSONError(w, r, http.StatusNotFound, "NOT_FOUND", fmt.Errorf("not found"), nil)
}

func (s *Server) methodNotAllowedHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSONError(w, r, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", fmt.Errorf("method not allowed"), nil)
}

func (s *Server) indexHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string]string{
		"service":    "kiosk update service",
		"stage":      s.config.Stage,
		"version":    s.config.Version,
		"appVersion": s.store.Current(),
	})
}

func New(log *logrus.Logger, cfg *config.ServerConfig, comparator *release.Comparator, store *version.Store, tracker *update.Tracker, supervisor *update.Supervisor, hub *notify.Hub) *Server {
	router := chi.NewRouter()
	server := &Server{
		router:     router,
		log:        log,
		config:     cfg,
		comparator: comparator,
		store:      store,
		tracker:    tracker,
		supervisor: supervisor,
		hub:        hub,
		cache:      cache.New(cfg.CheckCacheTTL, 2*cfg.CheckCacheTTL),
		checkSem:   semaphore.NewWeighted(2),
		startedAt:  time.Now(),
	}
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(server.logMiddleware)
	router.Use(server.recoverMiddleware)

	router.NotFound(server.notFoundHandler)
	router.MethodNotAllowed(server.methodNotAllowedHandler)

	router.Get("/", server.indexHandler)
	router.Get("/version", server.getVersion)
	router.Get("/health", server.getHealth)
	router.Get("/ws", server.serveWS)

	router.Route("/update", func(r chi.Router) {
		r.With(server.cacheMiddleware).Get("/check", server.checkForUpdates)
		r.Post("/execute", server.executeUpdate)
		r.Get("/status", server.getUpdateStatus)
	})

	return server
}

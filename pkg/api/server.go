package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/ckoval7/challengectl/pkg/auth"
	"github.com/ckoval7/challengectl/pkg/blobstore"
	"github.com/ckoval7/challengectl/pkg/dispatch"
	"github.com/ckoval7/challengectl/pkg/events"
	"github.com/ckoval7/challengectl/pkg/log"
	"github.com/ckoval7/challengectl/pkg/metrics"
	"github.com/ckoval7/challengectl/pkg/storage"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// ErrForbidden is returned when a valid principal lacks authority for an
// operation.
var ErrForbidden = errors.New("forbidden")

// Config holds API server configuration.
type Config struct {
	Listen          string
	TLSCert         string
	TLSKey          string
	PublicDashboard bool
	SessionTimeout  time.Duration
	EnrollmentTTL   time.Duration
}

// Server is the stateless control-plane request surface. Every handler is
// a thin call into the dispatcher or store after the resolver has
// classified the request principal.
type Server struct {
	cfg        Config
	store      storage.Store
	blobs      *blobstore.Store
	dispatcher *dispatch.Dispatcher
	resolver   *auth.Resolver
	broker     *events.Broker
	logger     zerolog.Logger

	router *chi.Mux
	http   *http.Server
}

// NewServer wires the request surface.
func NewServer(cfg Config, store storage.Store, blobs *blobstore.Store, d *dispatch.Dispatcher, resolver *auth.Resolver, broker *events.Broker) *Server {
	if cfg.EnrollmentTTL <= 0 {
		cfg.EnrollmentTTL = time.Hour
	}
	s := &Server{
		cfg:        cfg,
		store:      store,
		blobs:      blobs,
		dispatcher: d,
		resolver:   resolver,
		broker:     broker,
		logger:     log.WithComponent("api"),
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.principalMiddleware)

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Post("/enrollment/enroll", s.handleEnroll)
	r.Post("/enrollment/tokens", s.handleMintToken)

	r.Route("/agents", func(r chi.Router) {
		r.Post("/register", s.requireRunner(s.handleRegister))
		r.Route("/{id}", func(r chi.Router) {
			r.Use(s.requireSelf)
			r.Post("/heartbeat", s.handleHeartbeat)
			r.Get("/task", s.handlePollTask)
			r.Post("/complete", s.handleComplete)
			r.Post("/signout", s.handleSignout)
		})
	})

	r.Get("/files/{digest}", s.handleFileGet)
	r.Post("/files", s.requireAdminMutation(s.handleFilePut))

	r.Route("/challenges", func(r chi.Router) {
		r.Get("/", s.requireAdmin(s.handleListChallenges))
		r.Post("/reload", s.requireAdminMutation(s.handleReload))
		r.Post("/{id}/trigger", s.requireAdminMutation(s.handleTrigger))
		r.Post("/{id}/enable", s.requireAdminMutation(s.handleEnable))
		r.Post("/{id}/disable", s.requireAdminMutation(s.handleDisable))
	})

	r.Get("/runners", s.requireAdmin(s.handleListRunners))
	r.Post("/system/pause", s.requireAdminMutation(s.handlePause))
	r.Post("/system/resume", s.requireAdminMutation(s.handleResume))

	r.Get("/dashboard", s.handleDashboard)
	r.Get("/events", s.handleEvents)

	return r
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins serving. Blocks until the listener fails or Stop is
// called.
func (s *Server) Start() error {
	s.http = &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info().Str("listen", s.cfg.Listen).Msg("API server starting")
	var err error
	if s.cfg.TLSCert != "" {
		err = s.http.ListenAndServeTLS(s.cfg.TLSCert, s.cfg.TLSKey)
	} else {
		err = s.http.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop drains in-flight requests and closes the listener.
func (s *Server) Stop(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// Principal plumbing

type ctxKey int

const principalKey ctxKey = 0

func (s *Server) principalMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := s.resolver.Resolve(r)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey, p)))
	})
}

func principal(r *http.Request) *auth.Principal {
	p, _ := r.Context().Value(principalKey).(*auth.Principal)
	if p == nil {
		return &auth.Principal{Kind: auth.KindAnonymous}
	}
	return p
}

func (s *Server) requireRunner(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if principal(r).Kind != auth.KindRunner {
			s.writeError(w, r, auth.ErrAuthFailed)
			return
		}
		next(w, r)
	}
}

// requireSelf enforces that the authenticated runner matches the {id}
// path element.
func (s *Server) requireSelf(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := principal(r)
		if p.Kind != auth.KindRunner {
			s.writeError(w, r, auth.ErrAuthFailed)
			return
		}
		if chi.URLParam(r, "id") != p.RunnerID {
			s.writeError(w, r, ErrForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if principal(r).Kind != auth.KindAdmin {
			s.writeError(w, r, auth.ErrAuthFailed)
			return
		}
		next(w, r)
	}
}

// requireAdminMutation additionally checks the CSRF header against the
// session.
func (s *Server) requireAdminMutation(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p := principal(r)
		if p.Kind != auth.KindAdmin {
			s.writeError(w, r, auth.ErrAuthFailed)
			return
		}
		if !auth.CheckCSRF(p, r) {
			s.writeError(w, r, ErrForbidden)
			return
		}
		next(w, r)
	}
}

// JSON and error helpers

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		if err := json.NewEncoder(w).Encode(v); err != nil {
			s.logger.Error().Err(err).Msg("Failed to encode response")
		}
	}
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// writeError maps internal sentinels onto the wire taxonomy.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind, status := "internal", http.StatusInternalServerError
	switch {
	case errors.Is(err, auth.ErrAuthFailed):
		kind, status = "auth-failed", http.StatusUnauthorized
	case errors.Is(err, ErrForbidden), errors.Is(err, dispatch.ErrRunnerUnavailable):
		kind, status = "forbidden", http.StatusForbidden
	case errors.Is(err, dispatch.ErrStaleAssignment):
		kind, status = "stale-assignment", http.StatusConflict
	case errors.Is(err, dispatch.ErrTokenUsed), errors.Is(err, dispatch.ErrTokenExpired):
		kind, status = "conflict", http.StatusConflict
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, blobstore.ErrNotFound):
		kind, status = "not-found", http.StatusNotFound
	case errors.Is(err, errBadRequest):
		kind, status = "bad-request", http.StatusBadRequest
	case errors.Is(err, blobstore.ErrCorrupt):
		// Storage corruption must never be papered over.
		s.logger.Error().Err(err).Msg("FATAL: blob storage corruption detected")
		kind, status = "transient-io", http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		kind, status = "capacity", http.StatusServiceUnavailable
	}

	if status >= 500 {
		s.logger.Error().Err(err).Str("path", r.URL.Path).Msg("Request failed")
	} else {
		s.logger.Debug().Err(err).Str("path", r.URL.Path).Str("kind", kind).Msg("Request rejected")
	}
	s.writeJSON(w, status, errorBody{Error: kind, Message: err.Error()})
}

var errBadRequest = errors.New("bad request")

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.Join(errBadRequest, err)
	}
	return nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ent0n29/elderwatch/internal/config"
	"github.com/ent0n29/elderwatch/internal/ingest"
	"github.com/ent0n29/elderwatch/internal/observability"
	"github.com/ent0n29/elderwatch/internal/store"
)

type Server struct {
	cfg      config.Config
	repo     *store.Repository
	ingest   *ingest.Service
	metrics  *observability.Metrics
	logger   zerolog.Logger
	upgrader websocket.Upgrader
}

func New(cfg config.Config, repo *store.Repository, svc *ingest.Service, metrics *observability.Metrics, logger zerolog.Logger) *Server {
	return &Server{
		cfg:     cfg,
		repo:    repo,
		ingest:  svc,
		metrics: metrics,
		logger:  logger.With().Str("component", "httpapi").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)
	r.Use(s.cors)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Get("/people", s.handleListPeople)
	r.Post("/people", s.handleCreatePerson)
	r.Get("/person/{person}", s.handleGetPerson)
	r.Patch("/person/{person}", s.handleUpdatePersonByID)
	r.Patch("/person/by-name/{name}", s.handleUpdatePersonByName)

	r.Get("/conversations", s.handleListConversations)
	r.Get("/conversations/{name}", s.handleConversationsForPerson)
	r.Get("/conversation/{id}", s.handleGetConversation)
	r.Post("/conversation/{id}/relink", s.handleRelink)
	r.Get("/flags/{name}", s.handleCountFlags)

	r.Get("/new-audio", s.handleNewAudio)
	r.Post("/v1/ingest", s.handleIngest)
	r.Post("/v1/ingest/audio", s.handleIngestAudio)
	r.Get("/v1/events", s.handleRecentEvents)
	r.Get("/v1/events/ws", s.handleEventsWS)
	r.Get("/v1/perf/pipeline", s.handlePerfPipeline)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"store_driver": s.storeDriver(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := s.repo.Ping(r.Context()); err != nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":       "unavailable",
			"store_driver": s.storeDriver(),
			"error":        err.Error(),
		})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":       "ready",
		"store_driver": s.storeDriver(),
	})
}

func (s *Server) storeDriver() string {
	return store.Options{
		Driver:      s.cfg.StoreDriver,
		DatabaseURL: s.cfg.DatabaseURL,
		MongoURI:    s.cfg.MongoURI,
		RedisURL:    s.cfg.RedisURL,
	}.ResolveDriver()
}

// logRequests logs one line per request and counts it by route pattern.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		started := time.Now()
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		if s.metrics != nil {
			s.metrics.HTTPRequests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		}
		evt := s.logger.Info()
		if status >= http.StatusInternalServerError {
			evt = s.logger.Warn()
		}
		evt.Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", time.Since(started)).
			Msg("http request")
	})
}

func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AllowAnyOrigin {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", "*")
			h.Set("Access-Control-Allow-Methods", "GET, POST, PATCH, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type, X-Request-Id")
			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

type linkErrorResponse struct {
	Error          string   `json:"error"`
	Code           string   `json:"code"`
	ConversationID string   `json:"conversation_id"`
	Unlinked       []string `json:"unlinked"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

// respondFailure maps domain errors onto status codes. what names the entity
// for not-found messages.
func (s *Server) respondFailure(w http.ResponseWriter, r *http.Request, what string, err error) {
	var linkErr *ingest.LinkError
	switch {
	case errors.Is(err, store.ErrNotFound):
		respondError(w, http.StatusNotFound, "not_found", what+" not found")
	case errors.Is(err, ingest.ErrUnmappedSpeaker):
		respondError(w, http.StatusUnprocessableEntity, "unmapped_speaker", err.Error())
	case errors.As(err, &linkErr):
		respondJSON(w, http.StatusInternalServerError, linkErrorResponse{
			Error:          err.Error(),
			Code:           "link_failed",
			ConversationID: linkErr.ConversationID,
			Unlinked:       linkErr.PersonIDs(),
		})
	case errors.Is(err, store.ErrWriteRejected):
		respondError(w, http.StatusConflict, "write_rejected", err.Error())
	default:
		s.logger.Error().Err(err).Str("request_id", middleware.GetReqID(r.Context())).Msg("request failed")
		respondError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}

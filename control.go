package offlinecache

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/always-cache/offline-cache/bgsync"
	"github.com/always-cache/offline-cache/drain"
	"github.com/always-cache/offline-cache/pkg/metrics"
	"github.com/always-cache/offline-cache/queue"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/hlog"
)

var validate = validator.New()

type entryRequest struct {
	Title string `json:"title" validate:"required"`
	Notes string `json:"notes"`
}

type connectivityRequest struct {
	Online *bool `json:"online" validate:"required"`
}

type syncResponse struct {
	drain.Result
	Error string `json:"error,omitempty"`
}

type statusResponse struct {
	State         State       `json:"state"`
	Version       string      `json:"version"`
	Online        bool        `json:"online"`
	Drain         drain.State `json:"drain"`
	Pending       int         `json:"pending"`
	Registrations []string    `json:"registrations"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Handler serves the control endpoints under the configured prefix and hands
// every other request to the engine.
func (s *Service) Handler() http.Handler {
	r := chi.NewRouter()
	r.Route(s.config.ControlPrefix, func(r chi.Router) {
		r.Use(hlog.NewHandler(s.log))
		r.Use(hlog.RequestIDHandler("reqId", "Request-Id"))
		r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
			hlog.FromRequest(r).Debug().
				Str("method", r.Method).
				Stringer("url", r.URL).
				Int("status", status).
				Int("size", size).
				Dur("duration", duration).
				Msg("Control request")
		}))
		r.Get("/entries", s.listEntries)
		r.Post("/entries", s.addEntry)
		r.Delete("/entries", s.clearEntries)
		r.Post("/messages", s.postMessage)
		r.Post("/connectivity", s.postConnectivity)
		r.Post("/sync", s.postSync)
		r.Get("/status", s.getStatus)
		if s.config.Metrics {
			r.Handle("/metrics", promhttp.Handler())
		}
	})
	r.NotFound(s.Engine.ServeHTTP)
	r.MethodNotAllowed(s.Engine.ServeHTTP)
	return r
}

func (s *Service) listEntries(w http.ResponseWriter, r *http.Request) {
	records, err := s.Queue.ListAll(r.Context())
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Service) addEntry(w http.ResponseWriter, r *http.Request) {
	var req entryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	req.Title = strings.TrimSpace(req.Title)
	if err := validate.Struct(req); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	id, err := s.Queue.Append(r.Context(), queue.Draft{Title: req.Title, Notes: req.Notes})
	if errors.Is(err, queue.ErrEmptyTitle) {
		writeError(w, r, http.StatusBadRequest, err)
		return
	} else if err != nil {
		writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	s.refreshPending(r)
	if err := s.Sync.Register(r.Context(), bgsync.TagSyncEntries); err != nil {
		hlog.FromRequest(r).Warn().Err(err).Msg("Could not register sync")
	}
	writeJSON(w, http.StatusCreated, map[string]int64{"id": id})
}

func (s *Service) clearEntries(w http.ResponseWriter, r *http.Request) {
	if err := s.Queue.Clear(r.Context()); err != nil {
		writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	s.refreshPending(r)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) postMessage(w http.ResponseWriter, r *http.Request) {
	var msg Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	if err := validate.Struct(msg); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	// activation outlives the request
	if err := s.Engine.HandleMessage(context.WithoutCancel(r.Context()), msg); errors.Is(err, ErrUnknownMessage) {
		writeError(w, r, http.StatusBadRequest, err)
		return
	} else if err != nil {
		writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Service) postConnectivity(w http.ResponseWriter, r *http.Request) {
	var req connectivityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	if err := validate.Struct(req); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	ctx := context.WithoutCancel(r.Context())
	if *req.Online {
		if n, err := s.Queue.Count(ctx); err != nil {
			hlog.FromRequest(r).Warn().Err(err).Msg("Could not count queued records")
		} else if n > 0 {
			if err := s.Sync.Register(ctx, bgsync.TagSyncEntries); err != nil {
				hlog.FromRequest(r).Warn().Err(err).Msg("Could not register sync")
			}
		}
	}
	s.Sync.SetOnline(ctx, *req.Online)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) postSync(w http.ResponseWriter, r *http.Request) {
	result, err := s.Drainer.Drain(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, syncResponse{Result: result, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, syncResponse{Result: result})
}

func (s *Service) getStatus(w http.ResponseWriter, r *http.Request) {
	n, err := s.Queue.Count(r.Context())
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{
		State:         s.Engine.State(),
		Version:       s.Engine.Version(),
		Online:        s.Sync.Online(),
		Drain:         s.Drainer.State(),
		Pending:       n,
		Registrations: s.Sync.Pending(),
	})
}

func (s *Service) refreshPending(r *http.Request) {
	if n, err := s.Queue.Count(r.Context()); err == nil {
		metrics.QueuePending.Set(float64(n))
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, err error) {
	if status >= http.StatusInternalServerError {
		hlog.FromRequest(r).Error().Err(err).Msg("Control request failed")
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

// Package statusapi exposes the live session state over HTTP for local
// dashboards and debugging.
package statusapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/vango-go/vai-voice/pkg/voice/session"
)

const defaultPingInterval = 15 * time.Second

// Source is the part of *session.Session the status API reads.
type Source interface {
	Snapshot(ctx context.Context) (session.Snapshot, error)
	Subscribe() (<-chan session.Snapshot, func())
}

type Options struct {
	Logger       *slog.Logger
	PingInterval time.Duration
}

type handler struct {
	src          Source
	logger       *slog.Logger
	pingInterval time.Duration
}

func NewRouter(src Source, opts Options) http.Handler {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaultPingInterval
	}
	h := &handler{src: src, logger: opts.Logger, pingInterval: opts.PingInterval}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(accessLog(opts.Logger))
	r.Use(recoverer(opts.Logger))

	r.Get("/healthz", h.health)
	r.Route("/v1", func(v1 chi.Router) {
		v1.Get("/snapshot", h.snapshot)
		v1.Get("/events", h.events)
	})
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "no route for "+r.URL.Path)
	})
	return r
}

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

func (h *handler) snapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := h.src.Snapshot(r.Context())
	if err != nil {
		if errors.Is(err, session.ErrSessionClosed) {
			writeError(w, http.StatusServiceUnavailable, "session_closed", "session is not running")
			return
		}
		writeError(w, http.StatusInternalServerError, "snapshot_failed", err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(snap)
}

// events streams every published snapshot as `event: snapshot`. A slow
// client skips intermediate snapshots and always receives the latest.
func (h *handler) events(w http.ResponseWriter, r *http.Request) {
	sw, err := newSSEWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "streaming_unsupported", err.Error())
		return
	}

	updates, unsubscribe := h.src.Subscribe()
	defer unsubscribe()

	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case snap, ok := <-updates:
			if !ok {
				_ = sw.send("closed", map[string]string{"reason": "session ended"})
				return
			}
			if err := sw.send("snapshot", snap); err != nil {
				h.logger.Debug("sse client gone", "error", err)
				return
			}
		case <-ticker.C:
			if err := sw.ping(); err != nil {
				return
			}
		}
	}
}

type errorBody struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

func writeError(w http.ResponseWriter, status int, typ, message string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorEnvelope{Error: errorBody{Type: typ, Message: message}})
}

// Serve runs the status API on addr until ctx is cancelled, then shuts the
// server down within grace.
func Serve(ctx context.Context, addr string, h http.Handler, grace time.Duration, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}

	listenErrCh := make(chan error, 1)
	go func() {
		err := srv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErrCh <- err
			return
		}
		listenErrCh <- nil
	}()
	logger.Info("status api listening", "addr", addr)

	select {
	case err := <-listenErrCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		// Open SSE streams do not end on Shutdown.
		_ = srv.Close()
	}
	return <-listenErrCh
}

// Command streamengine runs the adaptive-streaming engine as a
// standalone HTTP service: one owner_id per caller, JSON control
// endpoints for open/pause/resume/seek/quality/close, and a
// Prometheus scrape endpoint.
//
// Wiring mirrors the teacher's main.go: a graceful-shutdown context,
// a cron-driven background job (here delegated to registry.Open's
// checkpoint schedule rather than rebuilt locally), and a flat set of
// mux.HandleFunc routes, with settings taken from
// config.NewDefaultConfig's environment overrides.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"stream-engine/appendqueue"
	"stream-engine/config"
	"stream-engine/httpproxy"
	"stream-engine/logger"
	"stream-engine/metrics"
	"stream-engine/ownerapi"
	"stream-engine/registry"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// discardSink is the default consumer wired to owners that connect
// without a real player/transmuxer attached; it only exists so the
// HTTP demo surface has something to hand ownerapi.Open.
type discardSink struct {
	mu    sync.Mutex
	bytes int64
}

func (s *discardSink) StartPlayback() {}
func (s *discardSink) EndOfStream()   {}
func (s *discardSink) Append(kind appendqueue.Kind, data []byte) error {
	s.mu.Lock()
	s.bytes += int64(len(data))
	s.mu.Unlock()
	return nil
}
func (s *discardSink) Evict(kind appendqueue.Kind, from, to float64) error { return nil }
func (s *discardSink) BufferedRange(kind appendqueue.Kind) (float64, float64) {
	return 0, 0
}
func (s *discardSink) CurrentTime() float64 { return 0 }

// sseEventSink fans events out to metrics, matching the teacher's
// habit of keeping the HTTP layer thin and pushing observability into
// package-level collectors rather than per-request state.
type sseEventSink struct{}

func (sseEventSink) Publish(e ownerapi.Event) {
	switch e.Type {
	case ownerapi.EventStateChanged:
		metrics.SessionStateTransitionsTotal.WithLabelValues("", e.Payload.(string)).Inc()
	case ownerapi.EventStats:
		if p, ok := e.Payload.(ownerapi.StatsPayload); ok {
			metrics.ABRVariantIndex.WithLabelValues(e.SessionID).Set(float64(p.CurrentVariant))
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutdown signal received")
		cancel()
	}()

	cfg := config.NewDefaultConfig()
	if err := os.MkdirAll(cfg.SegstoreDir, 0o755); err != nil {
		log.Fatalf("create segstore dir: %v", err)
	}

	reg, err := registry.Open(cfg.SqlitePath, cfg.CheckpointInterval, logger.Default)
	if err != nil {
		log.Fatalf("open registry: %v", err)
	}
	defer reg.Close()

	metrics.Register(prometheus.DefaultRegisterer)

	proxy := httpproxy.New()
	api := ownerapi.New(reg, proxy, cfg, sseEventSink{}, logger.Default)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/session/open", func(w http.ResponseWriter, r *http.Request) {
		ownerID := r.URL.Query().Get("owner_id")
		manifestURL := r.URL.Query().Get("manifest_url")
		if ownerID == "" || manifestURL == "" {
			writeErr(w, http.StatusBadRequest, errMissingParam)
			return
		}
		sess, err := api.Open(ctx, ownerID, manifestURL, &discardSink{})
		if err != nil {
			writeErr(w, http.StatusConflict, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"session_id": sess.ID, "state": sess.State().String()})
	})

	mux.HandleFunc("/session/pause", func(w http.ResponseWriter, r *http.Request) {
		ownerID := r.URL.Query().Get("owner_id")
		if err := api.Pause(ownerID); err != nil {
			writeErr(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
	})

	mux.HandleFunc("/session/resume", func(w http.ResponseWriter, r *http.Request) {
		ownerID := r.URL.Query().Get("owner_id")
		if err := api.Resume(ownerID); err != nil {
			writeErr(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
	})

	mux.HandleFunc("/session/seek", func(w http.ResponseWriter, r *http.Request) {
		ownerID := r.URL.Query().Get("owner_id")
		tSeconds, err := strconv.ParseFloat(r.URL.Query().Get("t"), 64)
		if err != nil {
			writeErr(w, http.StatusBadRequest, err)
			return
		}
		if err := api.Seek(ownerID, tSeconds); err != nil {
			writeErr(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "seeking"})
	})

	mux.HandleFunc("/session/quality", func(w http.ResponseWriter, r *http.Request) {
		ownerID := r.URL.Query().Get("owner_id")
		raw := r.URL.Query().Get("variant_ix")
		if raw == "" {
			if err := api.ClearQuality(ownerID); err != nil {
				writeErr(w, statusFor(err), err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]string{"status": "auto"})
			return
		}
		ix, err := strconv.Atoi(raw)
		if err != nil {
			writeErr(w, http.StatusBadRequest, err)
			return
		}
		if err := api.SetQuality(r.Context(), ownerID, ix); err != nil {
			writeErr(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "locked"})
	})

	mux.HandleFunc("/session/close", func(w http.ResponseWriter, r *http.Request) {
		ownerID := r.URL.Query().Get("owner_id")
		api.Close(ownerID)
		writeJSON(w, http.StatusOK, map[string]string{"status": "closed"})
	})

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Printf("stream-engine listening on %s", cfg.HTTPAddr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("http server error: %v", err)
	}
}

func statusFor(err error) int {
	if err == ownerapi.ErrNoActiveSession {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

var errMissingParam = errors.New("owner_id and manifest_url are required")

// Package admin serves metrics, health and a read-only view of the
// translation table.
package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/matst80/natrelay/internal/nat"
	"github.com/matst80/natrelay/internal/obs"
	"github.com/matst80/natrelay/internal/proxy"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"goji.io"
	"goji.io/pat"
)

// Source is what the admin endpoints report on.
type Source interface {
	Ready() bool
	Stats() proxy.Stats
	Snapshot() []nat.Mapping
}

// Stats is the /api/stats body.
type Stats struct {
	proxy.Stats
	NATEntries int    `json:"nat_entries"`
	Now        string `json:"now"`
}

func collectStats(src Source, entries int) Stats {
	return Stats{Stats: src.Stats(), NATEntries: entries, Now: time.Now().UTC().Format(time.RFC3339)}
}

func NewHandler(src Source) http.Handler {
	mux := goji.NewMux()
	mux.Handle(pat.Get("/metrics"), promhttp.Handler())
	mux.HandleFunc(pat.Get("/healthz"), func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc(pat.Get("/readyz"), func(w http.ResponseWriter, r *http.Request) {
		if !src.Ready() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	mux.HandleFunc(pat.Get("/api/nat"), func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, src.Snapshot())
	})
	mux.HandleFunc(pat.Get("/api/stats"), func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, collectStats(src, len(src.Snapshot())))
	})
	return mux
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		obs.Error("admin.encode", obs.Fields{"err": err.Error()})
	}
}

// ListenAndServe runs the admin server on addr until ctx is done.
func ListenAndServe(ctx context.Context, addr string, src Source) error {
	srv := &http.Server{Addr: addr, Handler: NewHandler(src), ReadHeaderTimeout: 5 * time.Second}
	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	})
	defer stop()
	obs.Info("admin.listen", obs.Fields{"addr": addr})
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		obs.Error("admin.server", obs.Fields{"err": err.Error(), "addr": addr})
		return errors.Wrap(err, "admin server")
	}
	return nil
}

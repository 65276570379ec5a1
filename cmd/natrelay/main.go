package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/matst80/natrelay/internal/admin"
	"github.com/matst80/natrelay/internal/config"
	"github.com/matst80/natrelay/internal/nat"
	"github.com/matst80/natrelay/internal/natstore"
	"github.com/matst80/natrelay/internal/obs"
	"github.com/matst80/natrelay/internal/proxy"
	"github.com/matst80/natrelay/internal/ratelimit"
	"golang.org/x/sync/errgroup"
)

const (
	limiterCleanupInterval = time.Minute
	mirrorDrainTimeout     = 5 * time.Second
)

func main() {
	os.Exit(run(os.Args[0], os.Args[1:]))
}

// run returns the process exit code so deferred cleanup always happens.
func run(name string, args []string) int {
	cfg, err := config.Parse(name, args, os.Stderr)
	if err != nil {
		obs.Error("config", obs.Fields{"err": err.Error()})
		return 2
	}
	obs.Configure(cfg.Logging.Level, cfg.Logging.Format)
	obs.Info("natrelay.start", obs.Fields{"listen": cfg.Listen, "upstream": cfg.Upstream, "metrics": cfg.Metrics})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	recorder, closeRecorder, err := newRecorder(ctx, cfg.Redis)
	if err != nil {
		obs.Error("natstore.connect", obs.Fields{"err": err.Error(), "addr": cfg.Redis.Addr})
		return 1
	}
	defer closeRecorder()

	var limiter *ratelimit.Limiter
	if cfg.RateLimit.Global > 0 || cfg.RateLimit.PerHost > 0 {
		limiter = ratelimit.NewLimiter(cfg.RateLimit.Global, cfg.RateLimit.PerHost, cfg.RateLimit.Burst)
	}

	srv := proxy.NewServer(proxy.Options{
		Listen:     cfg.Listen,
		Upstream:   cfg.Upstream,
		BufferSize: cfg.BufferSize,
		Table:      nat.NewTable(),
		Recorder:   recorder,
		Limiter:    limiter,
	})
	defer func() {
		drainCtx, cancel := context.WithTimeout(context.Background(), mirrorDrainTimeout)
		defer cancel()
		if err := srv.Close(drainCtx); err != nil {
			obs.Warn("natstore.drain", obs.Fields{"err": err.Error()})
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Serve(gctx) })
	if cfg.Metrics != "" {
		g.Go(func() error { return admin.ListenAndServe(gctx, cfg.Metrics, srv) })
	}
	if limiter.Enabled() {
		g.Go(func() error {
			runLimiterCleanup(gctx, limiter)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		obs.Error("natrelay.fatal", obs.Fields{"err": err.Error()})
		return 1
	}
	obs.Info("natrelay.shutdown", obs.Fields{"active_sessions": srv.Stats().Active})
	return 0
}

func newRecorder(ctx context.Context, rc config.RedisConfig) (natstore.Recorder, func(), error) {
	if rc.Addr == "" {
		obs.Info("natstore.backend", obs.Fields{"type": "none"})
		return natstore.Nop{}, func() {}, nil
	}
	r, err := natstore.NewRedis(ctx, natstore.RedisOptions{
		Addr:     rc.Addr,
		Password: rc.Password,
		DB:       rc.DB,
		Prefix:   rc.Prefix,
		TTL:      rc.TTL,
	})
	if err != nil {
		return nil, nil, err
	}
	obs.Info("natstore.backend", obs.Fields{"type": "redis", "addr": rc.Addr})
	return r, func() { _ = r.Close() }, nil
}

func runLimiterCleanup(ctx context.Context, l *ratelimit.Limiter) {
	t := time.NewTicker(limiterCleanupInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := l.CleanupIdle(limiterCleanupInterval); n > 0 {
				obs.Debug("ratelimit.cleanup", obs.Fields{"dropped": n})
			}
		}
	}
}

// Command admission-gateway runs the gateway in front of a demo chat API.
//
// It verifies bearer tokens, applies the admission limiter and the stream
// guard, serves a demo SSE route, and exposes Prometheus metrics plus
// operator endpoints on a separate listener.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	gateway "github.com/ggoodman/admission-gateway"
	"github.com/ggoodman/admission-gateway/auth"
	"github.com/ggoodman/admission-gateway/config"
	"github.com/ggoodman/admission-gateway/internal/logctx"
	"github.com/ggoodman/admission-gateway/metrics"
	"github.com/ggoodman/admission-gateway/ratelimit"
	rlredis "github.com/ggoodman/admission-gateway/ratelimit/redis"
	"github.com/ggoodman/admission-gateway/streamguard"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := logctx.Wrap(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.Level()})))
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	authn, err := cfg.Security().NewAuthenticator(ctx, auth.WithLogger(log), auth.WithMetrics(m))
	if err != nil {
		return fmt.Errorf("authenticator: %w", err)
	}
	sec := authn.SecurityConfig()
	log.InfoContext(ctx, "auth.ready",
		slog.String("issuer", sec.Issuer),
		slog.Any("algs", sec.AllowedAlgs),
		slog.Duration("leeway", sec.Leeway),
		slog.Int("keys", authn.KeyCount()),
	)

	limiterOpts := []ratelimit.Option{ratelimit.WithLogger(log), ratelimit.WithMetrics(m)}
	if rc, ok := cfg.RedisWindows(); ok {
		store, err := rlredis.New(ctx, rc, rlredis.WithLogger(log))
		if err != nil {
			return fmt.Errorf("rate limit store: %w", err)
		}
		defer store.Close()
		limiterOpts = append(limiterOpts, ratelimit.WithWindowStore(store))
		log.InfoContext(ctx, "ratelimit.redis.enabled", slog.String("addr", rc.RedisAddr))
	}
	limiter := ratelimit.New(cfg.Limiter(), limiterOpts...)
	guard := streamguard.New(cfg.StreamGuard(), streamguard.WithLogger(log), streamguard.WithMetrics(m))

	gw, err := gateway.New(authn, limiter, guard,
		gateway.WithLogger(log),
		gateway.WithTraceHeader(cfg.TraceHeader),
		gateway.WithAnonymousEnabled(cfg.AnonEnabled),
		gateway.WithTrustedProxies(cfg.TrustedProxies...),
	)
	if err != nil {
		return err
	}

	metricsHandler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

	api := http.NewServeMux()
	api.HandleFunc("GET /api/v1/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	api.Handle("GET /api/v1/metrics", metricsHandler)
	api.Handle("GET /api/v1/messages/{message_id}/events", gw.Stream(http.HandlerFunc(demoEvents)))
	api.HandleFunc("GET /api/v1/me", func(w http.ResponseWriter, r *http.Request) {
		id, ok := gateway.IdentityFromContext(r.Context())
		if !ok {
			fmt.Fprintln(w, "anonymous")
			return
		}
		fmt.Fprintf(w, "%s anonymous=%t\n", id.Subject, id.IsAnonymous)
	})

	admin := http.NewServeMux()
	admin.Handle("GET /stats", gw.StatsHandler())
	admin.Handle("POST /streams/{user_id}/disconnect", gw.DisconnectUserHandler())
	admin.Handle("GET /metrics", metricsHandler)

	servers := []*http.Server{
		{Addr: cfg.ListenAddr, Handler: gw.Middleware(api), ReadHeaderTimeout: 10 * time.Second},
		{Addr: cfg.AdminAddr, Handler: admin, ReadHeaderTimeout: 10 * time.Second},
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := authn.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("key watch: %w", err)
		}
		return nil
	})
	g.Go(func() error { limiter.Run(ctx); return nil })
	g.Go(func() error { guard.Run(ctx); return nil })
	for _, srv := range servers {
		g.Go(func() error {
			log.InfoContext(ctx, "http.listen", slog.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		for _, srv := range servers {
			_ = srv.Shutdown(shutdownCtx)
		}
		return nil
	})

	err = g.Wait()
	log.Info("http.shutdown", slog.Int("keys", authn.KeyCount()))
	return err
}

// demoEvents streams a few ticks to an admitted client.
func demoEvents(w http.ResponseWriter, r *http.Request) {
	ew, err := gateway.NewEventWriter(w, r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	msgID := r.PathValue("message_id")
	t := time.NewTicker(time.Second)
	defer t.Stop()
	for i := 1; i <= 5; i++ {
		select {
		case <-r.Context().Done():
			return
		case <-t.C:
			payload := fmt.Sprintf(`{"message_id":%q,"seq":%d}`, msgID, i)
			if err := ew.Send(fmt.Sprint(i), "delta", []byte(payload)); err != nil {
				return
			}
		}
	}
	_ = ew.Send("", "done", []byte(`{}`))
}

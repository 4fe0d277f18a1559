package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"go-tunnel/internal/logging"
	"go-tunnel/server"
	"go-tunnel/transport"
)

// ConnLog is written once per tunnel connection when request_log is on.
type ConnLog struct {
	ID         string
	Subject    string
	RemoteAddr string
	UserAgent  string
	Duration   time.Duration
	Err        error
}

func (c ConnLog) fields() []zap.Field {
	return []zap.Field{
		zap.String("id", c.ID),
		zap.String("subject", c.Subject),
		zap.String("remote_addr", c.RemoteAddr),
		zap.String("user_agent", c.UserAgent),
		zap.Float64("duration_ms", float64(c.Duration.Milliseconds())),
		zap.Error(c.Err),
	}
}

// app holds everything the HTTP handlers need.
type app struct {
	cfg      *TunnelConfig
	log      *logging.Logger
	srv      *server.Server
	pool     *server.FetcherPool
	registry *prometheus.Registry
	secret   []byte
	upgrader websocket.Upgrader
}

func newApp(cfg *TunnelConfig, log *logging.Logger, secret []byte) (*app, error) {
	timeout := time.Duration(cfg.FetchTimeoutMs) * time.Millisecond
	fetchers := make([]server.Fetcher, 0, cfg.Fetchers)
	for i := 0; i < cfg.Fetchers; i++ {
		fetchers = append(fetchers, server.NewHTTPFetcher(timeout))
	}
	pool, err := server.NewFetcherPool(fetchers...)
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	d := server.NewDispatcher(pool,
		server.WithLogger(log.Named("dispatch")),
		server.WithMetrics(server.NewMetrics(registry)),
	)

	return &app{
		cfg:      cfg,
		log:      log,
		srv:      server.NewServer(d),
		pool:     pool,
		registry: registry,
		secret:   secret,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 32 * 1024,
			CheckOrigin: func(r *http.Request) bool {
				// tunnel clients are not browsers bound to one origin
				return true
			},
		},
	}, nil
}

// applyConfig re-applies the settings that can change without a restart.
func (a *app) applyConfig(cfg *TunnelConfig) {
	if err := a.log.SetLevel(cfg.LogLevel); err != nil {
		a.log.Warn("log level not applied", zap.Error(err))
	}

	timeout := time.Duration(cfg.FetchTimeoutMs) * time.Millisecond
	a.pool.Each(func(f server.Fetcher) {
		if hf, ok := f.(*server.HTTPFetcher); ok {
			hf.SetTimeout(timeout)
		}
	})

	a.log.Info("config applied",
		zap.String("log_level", cfg.LogLevel),
		zap.Duration("fetch_timeout", timeout),
	)
}

func (a *app) routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc(a.cfg.WSPath, a.handleTunnel)

	// Health summary: sessions, in-flight requests, fetcher pool
	mux.HandleFunc("/__tunnel/health", func(w http.ResponseWriter, r *http.Request) {
		summary := a.srv.Health()
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(summary); err != nil {
			http.Error(w, "failed to encode health summary", http.StatusInternalServerError)
			return
		}
	})

	// Force recycle: close every session and cancel its requests
	mux.HandleFunc("/__tunnel/recycle", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		n := a.srv.CloseSessions()
		a.log.Info("sessions recycled", zap.Int("closed", n))

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status": "ok",
			"closed": n,
		})
	})

	mux.Handle("/__tunnel/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))

	return mux
}

func (a *app) handleTunnel(w http.ResponseWriter, r *http.Request) {
	entry := ConnLog{
		ID:         uuid.NewString(),
		RemoteAddr: r.RemoteAddr,
		UserAgent:  r.UserAgent(),
	}

	if a.cfg.RequireAuth {
		subject, err := authenticate(r, a.secret)
		if err != nil {
			a.log.Debug("tunnel auth failed", zap.String("remote_addr", r.RemoteAddr), zap.Error(err))
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		entry.Subject = subject
	}

	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response
		a.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	start := time.Now()
	entry.Err = a.srv.Serve(transport.NewWebSocket(conn))
	entry.Duration = time.Since(start)

	if a.cfg.RequestLog {
		a.log.Info("tunnel closed", entry.fields()...)
	}
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "tunnel-server: %+v\n", err)
		os.Exit(1)
	}
}

func run() error {
	boot, err := logging.New(logging.Options{Level: "info"})
	if err != nil {
		return err
	}
	path := configPath()
	cfg := loadConfig(path, boot.Logger)
	_ = boot.Sync()

	log, err := logging.New(logging.Options{Level: cfg.LogLevel, File: cfg.LogFile})
	if err != nil {
		return errors.Wrap(err, "build logger")
	}
	defer log.Close()

	secret := []byte(os.Getenv("TUNNEL_JWT_SECRET"))
	if cfg.RequireAuth && len(secret) == 0 {
		return errors.New("require_auth is set but TUNNEL_JWT_SECRET is empty")
	}

	a, err := newApp(cfg, log, secret)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := watchConfig(ctx, path, log.Named("config"), a.applyConfig); err != nil {
		log.Warn("config hot reload disabled", zap.Error(err))
	} else {
		log.Info("config hot reload enabled", zap.String("path", path))
	}

	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           a.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		<-ctx.Done()
		log.Info("signal received, shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		// Shutdown does not track hijacked websocket connections
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			log.Warn("http server shutdown error", zap.Error(err))
		}
		n := a.srv.CloseSessions()
		log.Info("http server shut down", zap.Int("sessions_closed", n))
	}()

	log.Info("tunnel server listening",
		zap.String("addr", cfg.ListenAddr),
		zap.String("ws_path", cfg.WSPath),
		zap.Int("fetchers", cfg.Fetchers),
		zap.Int("fetch_timeout_ms", cfg.FetchTimeoutMs),
		zap.Bool("require_auth", cfg.RequireAuth),
	)

	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "listen")
	}
	<-shutdownDone
	return nil
}

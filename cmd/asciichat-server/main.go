package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/zfogg/ascii-chat-sub007/internal/config"
	"github.com/zfogg/ascii-chat-sub007/internal/metrics"
	"github.com/zfogg/ascii-chat-sub007/internal/server"
)

func main() {
	cfg, err := config.LoadServer(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(config.ExitConfigError)
	}

	logSink, err := cfg.OpenLogSink()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(config.ExitConfigError)
	}
	defer logSink.Close()
	logger := slog.New(cfg.SlogHandler(logSink))

	hostPriv, hostPub, err := config.LoadOrGenerateHostKey(cfg.KeyPath)
	if err != nil {
		logger.Error("failed to load host key", "error", err)
		os.Exit(config.ExitCryptoInitError)
	}

	allowlist, err := config.LoadClientKeyAllowlist(cfg.ClientKeys)
	if err != nil {
		logger.Error("failed to load client key allowlist", "error", err)
		os.Exit(config.ExitConfigError)
	}

	srv := server.New(server.Options{
		HostPriv:           hostPriv,
		HostPub:            hostPub,
		Password:           cfg.Password,
		RequireClientAuth:  allowlist != nil,
		ClientKeyAllowlist: allowlist,
		NoEncrypt:          cfg.NoEncrypt,
		MaxClients:         cfg.MaxClients,
		AcceptRate:         rate.Limit(cfg.AcceptRatePerSecond),
		AcceptBurst:        cfg.AcceptBurst,
		Logger:             logger,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", cfg.Address, cfg.Port))
	if err != nil {
		logger.Error("failed to bind listener", "error", err, "address", cfg.Address, "port", cfg.Port)
		os.Exit(config.ExitBindFailure)
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("tcp listener active", "address", ln.Addr().String())
		if err := srv.ServeTCP(ctx, ln); err != nil {
			errCh <- fmt.Errorf("tcp accept loop: %w", err)
		}
	}()

	var httpSrv *http.Server
	if cfg.MetricsPort != 0 {
		collector := metrics.NewCollector(srv.Registry, srv, srv.Participants, time.Now())
		reg := prometheus.NewRegistry()
		reg.MustRegister(collector)

		r := chi.NewRouter()
		r.Use(middleware.RequestID)
		r.Use(middleware.RealIP)
		r.Use(middleware.Recoverer)
		r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			fmt.Fprint(w, `{"status":"ok"}`)
		})
		r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		r.Get("/ws", srv.WebSocketHandler(ctx))

		httpSrv = &http.Server{
			Addr:         fmt.Sprintf("%s:%d", cfg.Address, cfg.MetricsPort),
			Handler:      r,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
		go func() {
			logger.Info("admin http server listening", "addr", httpSrv.Addr)
			if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("admin http server: %w", err)
			}
		}()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		logger.Error("server error", "error", err)
	}

	cancel()
	_ = ln.Close()

	if httpSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("admin http server shutdown error", "error", err)
		}
	}

	logger.Info("asciichat-server stopped")
}

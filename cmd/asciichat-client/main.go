package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/zfogg/ascii-chat-sub007/internal/client"
	"github.com/zfogg/ascii-chat-sub007/internal/config"
	"github.com/zfogg/ascii-chat-sub007/internal/handshake"
	"github.com/zfogg/ascii-chat-sub007/internal/knownhosts"
	"github.com/zfogg/ascii-chat-sub007/internal/transport"
	"github.com/zfogg/ascii-chat-sub007/internal/wire"
)

func main() {
	cfg, err := config.LoadClient(os.Args[1:])
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
	// ClientConfig carries no LogFormat field, unlike ServerConfig: the
	// terminal client always logs as text, since stderr here is rarely
	// piped into a log aggregator the way the server's is.
	logger := slog.New(slog.NewTextHandler(logSink, &slog.HandlerOptions{Level: cfg.SlogLevel()}))

	hosts, err := knownhosts.Load(cfg.KnownHostsPath)
	if err != nil {
		logger.Error("failed to load known_hosts", "error", err)
		os.Exit(config.ExitConfigError)
	}

	authPriv, authPub, err := config.LoadClientKey(cfg.KeyPath)
	if err != nil {
		logger.Error("failed to load client key", "error", err)
		os.Exit(config.ExitConfigError)
	}

	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		logger.Error("failed to connect", "error", err, "address", addr)
		os.Exit(config.ExitConnectFailure)
	}
	tr := transport.NewTCP(conn)

	remoteIP := cfg.Host
	if tcpAddr, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		remoteIP = tcpAddr.IP.String()
	}

	hsCtx, err := handshake.RunClient(tr, handshake.ClientOptions{
		Hostname:        cfg.Host,
		IP:              remoteIP,
		Port:            cfg.Port,
		Password:        cfg.Password,
		AuthPriv:        authPriv,
		AuthPub:         authPub,
		HostVerifier:    hosts,
		ExpectedHostKey: cfg.ExpectedHostKey,
		Logger:          logger,
	})
	if err != nil {
		logger.Error("handshake failed", "error", err)
		_ = tr.Close()
		os.Exit(config.ExitHandshakeFailed)
	}
	if !cfg.NoEncrypt {
		tr.InstallCrypto(hsCtx)
	}
	if err := hosts.WriteAtomic(); err != nil {
		logger.Warn("failed to persist known_hosts", "error", err)
	}

	fd := int(os.Stdout.Fd())
	caps := client.DetectCapabilities(fd, true, true, true, wire.ClientCapabilities{})

	cl, err := client.New(client.Options{
		Transport:    tr,
		Crypto:       hsCtx,
		NoEncrypt:    cfg.NoEncrypt,
		DisplayName:  cfg.DisplayName,
		Capabilities: caps,
		Video:        client.NopVideoSource{},
		Audio:        client.NopAudioSource{},
		Display:      client.StdoutDisplay{W: os.Stdout},
		Playback:     client.NopAudioSink{},
		Logger:       logger,
	})
	if err != nil {
		logger.Error("failed to construct client", "error", err)
		os.Exit(config.ExitConfigError)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-quit
		logger.Info("received shutdown signal", "signal", sig.String())
		cancel()
	}()

	if err := cl.Run(ctx); err != nil {
		logger.Error("client run failed", "error", err)
		_ = tr.Close()
		os.Exit(config.ExitConnectFailure)
	}
	_ = tr.Close()
	logger.Info("asciichat-client stopped")
}

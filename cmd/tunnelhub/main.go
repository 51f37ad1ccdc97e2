package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/dgnsrekt/tunnelhub/internal/api"
	"github.com/dgnsrekt/tunnelhub/internal/config"
	"github.com/dgnsrekt/tunnelhub/internal/controller"
	"github.com/dgnsrekt/tunnelhub/internal/mirror"
	"github.com/dgnsrekt/tunnelhub/internal/netutil"
	"github.com/dgnsrekt/tunnelhub/internal/notify"
	"github.com/dgnsrekt/tunnelhub/internal/persist"
)

func main() {
	flags, err := config.ParseFlags(os.Args[0], os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		os.Exit(2)
	}
	cfg, err := config.Load(flags.EnvFile)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	flags.Apply(cfg)

	if err := setupLogger(cfg.LogLevel, cfg.LogFile); err != nil {
		_, _ = io.WriteString(os.Stderr, "logger setup failed: "+err.Error()+"\n")
		os.Exit(1)
	}

	slog.Info("tunnelhub config loaded",
		"bind_addr", cfg.BindAddr,
		"port_auto_fallback", cfg.PortAutoFallback,
		"port_candidates", cfg.PortCandidates,
		"stream_split", cfg.StreamSplit,
		"stream_bind_addr", cfg.StreamBindAddr,
		"endpoints_file", cfg.EndpointsFile,
		"event_store", cfg.EventStore,
		"mirror_store", cfg.MirrorStore,
		"counter_policy", cfg.CounterPolicy,
		"max_retries", cfg.MaxRetries,
		"stale_after_ms", cfg.StaleAfterMS,
		"log_level", cfg.LogLevel,
		"log_file", cfg.LogFile,
	)

	ctx := context.Background()
	backing, err := openGateway(ctx, cfg)
	if err != nil {
		slog.Error("failed to open persistence", "event_store", cfg.EventStore, "mirror_store", cfg.MirrorStore, "error", err)
		os.Exit(1)
	}
	queue := persist.NewQueue(backing, cfg.PersistQueue, cfg.PersistTimeout())

	svc := controller.NewService(config.FileSource{Path: cfg.EndpointsFile}, queue, controller.Options{
		Client:           &http.Client{},
		Policy:           cfg.UpstreamPolicy(),
		CounterPolicy:    mirror.ParseCounterPolicy(cfg.CounterPolicy),
		SubscriberBuffer: cfg.SubscriberBuffer,
		ProbeTimeout:     cfg.ProbeTimeout(),
	})

	var alerts *notify.Notifier
	if cfg.NtfyURL != "" {
		alerts = notify.New(cfg.NtfyURL, &http.Client{})
		svc.SubscribeToAllTunnelEvents(alerts.Handlers())
		slog.Info("tunnel alerts enabled", "ntfy_url", cfg.NtfyURL)
	}

	ln, err := netutil.Listen(cfg.BindAddr, cfg.PortCandidates, cfg.PortAutoFallback)
	if err != nil {
		slog.Error("failed to select bind address", "preferred", cfg.BindAddr, "error", err)
		os.Exit(1)
	}
	opts := api.Options{KeepAlive: cfg.KeepAlive(), DetachStreams: cfg.StreamSplit}
	servers := []*http.Server{newServer(api.NewServer(svc, opts))}
	listeners := []net.Listener{ln}
	if cfg.StreamSplit {
		sln, err := netutil.Listen(cfg.StreamBindAddr, nil, false)
		if err != nil {
			slog.Error("failed to bind stream listener", "addr", cfg.StreamBindAddr, "error", err)
			os.Exit(1)
		}
		servers = append(servers, newServer(api.NewStreamServer(svc, opts)))
		listeners = append(listeners, sln)
	}

	for i, srv := range servers {
		srv.Addr = listeners[i].Addr().String()
		go serve(srv, listeners[i], i == 0)
	}

	started, err := svc.Start(ctx)
	if err != nil {
		slog.Error("failed to start endpoint supervisor", "error", err)
	} else {
		slog.Info("tunnelhub started", "connectors", started)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	// Closing the hub ends every open stream so Shutdown does not wait on them.
	if err := svc.Close(); err != nil {
		slog.Error("tunnelhub close failed", "error", err)
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("tunnelhub shutdown failed", "addr", srv.Addr, "error", err)
		}
	}
	if err := persist.Close(backing); err != nil {
		slog.Error("persistence close failed", "error", err)
	}
	if alerts != nil {
		alerts.Close()
	}
}

func newServer(h http.Handler) *http.Server {
	return &http.Server{Handler: h, ReadHeaderTimeout: 10 * time.Second}
}

func serve(srv *http.Server, ln net.Listener, primary bool) {
	addr := srv.Addr
	if primary {
		slog.Info("tunnelhub listening", "addr", addr, "docs", "http://"+addr+"/docs")
	} else {
		slog.Info("tunnelhub streams listening", "addr", addr)
	}
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("tunnelhub server failed", "addr", addr, "error", err)
		os.Exit(1)
	}
}

func setupLogger(level, filename string) error {
	if err := os.MkdirAll(filepath.Dir(filename), 0o755); err != nil {
		return err
	}

	logWriter := &lumberjack.Logger{
		Filename:   filename,
		MaxSize:    25,
		MaxBackups: 10,
		MaxAge:     14,
		Compress:   true,
	}

	var slogLevel slog.Level
	switch level {
	case "debug":
		slogLevel = slog.LevelDebug
	case "warn":
		slogLevel = slog.LevelWarn
	case "error":
		slogLevel = slog.LevelError
	default:
		slogLevel = slog.LevelInfo
	}

	h := slog.NewTextHandler(io.MultiWriter(os.Stdout, logWriter), &slog.HandlerOptions{Level: slogLevel})
	slog.SetDefault(slog.New(h))
	return nil
}

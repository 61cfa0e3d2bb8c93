package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/peerstream/peerstream/internal/config"
	"github.com/peerstream/peerstream/internal/httpserver"
	"github.com/peerstream/peerstream/internal/logging"
	"github.com/peerstream/peerstream/internal/metrics"
	"github.com/peerstream/peerstream/internal/playback"
	"github.com/peerstream/peerstream/internal/signaling"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	configPath := flag.String("config", "", "path to config file (optional)")
	flag.Parse()

	cfg, err := config.LoadServer(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger := logging.New(cfg.Log)

	logger.Info().
		Str("listen_addr", cfg.ListenAddr).
		Str("playback_base_url", cfg.Playback.BaseURL).
		Dur("ws_ping_interval", cfg.WebSocket.PingInterval).
		Dur("ws_pong_wait", cfg.WebSocket.PongWait).
		Msg("starting peerstream-server")

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error().Err(err).Msg("failed to listen")
		os.Exit(1)
	}

	commit, built := resolveBuildInfo(buildCommit, buildTime)
	srv := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: built})

	m := metrics.New()
	sig := signaling.NewServer(cfg.WebSocket, logger, m)
	sig.RegisterRoutes(srv.Mux())

	srv.Mux().Handle("GET /metrics", m.Handler())

	// Playback addressing for the directory: room name in, playlist URL out.
	srv.Mux().HandleFunc("GET /playback/{room}", func(w http.ResponseWriter, r *http.Request) {
		room := r.PathValue("room")
		httpserver.WriteJSON(w, http.StatusOK, map[string]string{
			"room": room,
			"url":  playback.URL(cfg.Playback.BaseURL, room),
		})
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		sig.Close()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("http server exited")
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http server shutdown failed")
	}
	sig.Close()

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).Msg("http server exited after shutdown")
		os.Exit(1)
	}
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values but fall back to Go build info, which
	// covers go run / dev builds.
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}
	return commit, buildTime
}

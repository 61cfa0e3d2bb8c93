package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pion/webrtc/v4"

	"github.com/peerstream/peerstream/internal/client"
	"github.com/peerstream/peerstream/internal/config"
	"github.com/peerstream/peerstream/internal/logging"
	"github.com/peerstream/peerstream/internal/media"
	"github.com/peerstream/peerstream/internal/peer"
	"github.com/peerstream/peerstream/internal/playback"
)

func main() {
	configPath := flag.String("config", "", "path to config file (optional)")
	roleFlag := flag.String("role", "viewer", "streamer or viewer")
	roomFlag := flag.String("room", "", "room to join (overrides config)")
	playbackBase := flag.String("playback-base", "http://127.0.0.1:8000", "base URL for HLS playback links")
	flag.Parse()

	cfg, err := config.LoadClient(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if *roomFlag != "" {
		cfg.Room = *roomFlag
	}

	var role client.Role
	switch *roleFlag {
	case "streamer":
		role = client.RoleStreamer
	case "viewer":
		role = client.RoleViewer
	default:
		fmt.Fprintf(os.Stderr, "unknown role %q\n", *roleFlag)
		os.Exit(2)
	}

	logger := logging.New(cfg.Log)

	var source media.Source
	if role == client.RoleStreamer {
		source, err = media.AcquireWithFallback(cameraSource, screenSource, logger)
		if err != nil {
			logger.Error().Err(err).Msg("no usable media source")
			os.Exit(1)
		}
	}

	factory := peer.NewPionFactory(peer.PionConfig{
		ICEServers:    cfg.PionICEServers(),
		LoggerFactory: &logging.PionFactory{Logger: logger},
		LocalTracks:   localTracks(source),
		Log:           logger,
	})

	c := client.New(client.Options{
		ServerURL:    cfg.ServerURL,
		Room:         cfg.Room,
		Role:         role,
		Factory:      factory,
		Source:       source,
		RestartGrace: cfg.RestartGrace,
		JoinTimeout:  cfg.JoinTimeout,
		Log:          logger,
		OnStatus: func(s client.Status) {
			logger.Info().Str("status", string(s)).Msg("status")
		},
		OnDirectory: func(rooms []string) {
			for _, room := range rooms {
				logger.Info().Str("room", room).Str("hls", playback.URL(*playbackBase, room)).Msg("live stream")
			}
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := c.Dial(ctx); err != nil {
		logger.Error().Err(err).Msg("signaling connection failed")
		os.Exit(1)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- c.Run() }()

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
		c.Close()
		<-errCh
	case err := <-errCh:
		c.Close()
		if err != nil {
			logger.Warn().Err(err).Msg("signaling connection lost")
			os.Exit(1)
		}
	}
}

// cameraSource builds the primary capture: a video and an audio track fed by
// an external encoder writing samples into them.
func cameraSource() (media.Source, error) {
	video, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "peerstream")
	if err != nil {
		return nil, err
	}
	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "peerstream")
	if err != nil {
		return nil, err
	}
	return media.NewStaticSource([]webrtc.TrackLocal{video, audio}, nil), nil
}

// screenSource is the video-only fallback used when full capture is denied.
func screenSource() (media.Source, error) {
	video, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "screen", "peerstream")
	if err != nil {
		return nil, err
	}
	return media.NewStaticSource([]webrtc.TrackLocal{video}, nil), nil
}

func localTracks(source media.Source) func() []webrtc.TrackLocal {
	if source == nil {
		return nil
	}
	return source.Tracks
}

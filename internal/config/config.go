// Package config loads server and client configuration through viper with
// env-var overrides, so deployments can run on defaults and tune per
// environment.
package config

import (
	"fmt"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/spf13/viper"

	"github.com/peerstream/peerstream/internal/logging"
)

// ICEServer is one STUN/TURN entry for peer connections.
type ICEServer struct {
	URLs       []string `mapstructure:"urls"`
	Username   string   `mapstructure:"username"`
	Credential string   `mapstructure:"credential"`
}

// Server holds signaling-server configuration.
type Server struct {
	ListenAddr      string        `mapstructure:"listen_addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	WebSocket WebSocket      `mapstructure:"websocket"`
	Playback  Playback       `mapstructure:"playback"`
	Log       logging.Config `mapstructure:"log"`
}

// WebSocket bounds the per-connection message channel.
type WebSocket struct {
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	PongWait       time.Duration `mapstructure:"pong_wait"`
	WriteWait      time.Duration `mapstructure:"write_wait"`
	MaxMessageSize int64         `mapstructure:"max_message_size"`
	SendBuffer     int           `mapstructure:"send_buffer"`

	// MaxMessagesPerSecond budgets inbound events per connection.
	// Zero disables the limit.
	MaxMessagesPerSecond int `mapstructure:"max_messages_per_second"`

	// AllowedOrigins overrides the default same-host browser origin policy.
	// Entries are normalized origins or "*".
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// Playback names where the media-processing service publishes HLS output.
// The signaling core never calls it; the base URL is handed to clients as an
// addressing convention only.
type Playback struct {
	BaseURL string `mapstructure:"base_url"`
}

// Client holds streamer/viewer client configuration.
type Client struct {
	ServerURL string `mapstructure:"server_url"`
	Room      string `mapstructure:"room"`

	ICEServers []ICEServer `mapstructure:"ice_servers"`

	// RestartGrace is how long a failed transport gets to recover after an
	// ICE restart before the session is torn down.
	RestartGrace time.Duration `mapstructure:"restart_grace"`
	// JoinTimeout is the viewer-facing deadline for receiving remote media.
	JoinTimeout time.Duration `mapstructure:"join_timeout"`

	Log logging.Config `mapstructure:"log"`
}

// LoadServer reads server config from the given file (optional) plus env.
func LoadServer(path string) (Server, error) {
	v, err := newViper(path)
	if err != nil {
		return Server{}, err
	}

	v.SetDefault("listen_addr", ":3001")
	v.SetDefault("shutdown_timeout", "10s")
	v.SetDefault("websocket.ping_interval", "54s")
	v.SetDefault("websocket.pong_wait", "60s")
	v.SetDefault("websocket.write_wait", "10s")
	v.SetDefault("websocket.max_message_size", 65536)
	v.SetDefault("websocket.send_buffer", 256)
	v.SetDefault("websocket.max_messages_per_second", 50)
	v.SetDefault("playback.base_url", "http://127.0.0.1:8000")
	v.SetDefault("log.level", "info")

	v.BindEnv("listen_addr", "PEERSTREAM_LISTEN_ADDR")
	v.BindEnv("playback.base_url", "PEERSTREAM_PLAYBACK_BASE_URL")
	v.BindEnv("log.level", "PEERSTREAM_LOG_LEVEL")

	var cfg Server
	if err := v.Unmarshal(&cfg); err != nil {
		return Server{}, fmt.Errorf("unmarshal server config: %w", err)
	}
	cfg.ShutdownTimeout = parseDuration(v, "shutdown_timeout", 10*time.Second)
	cfg.WebSocket.PingInterval = parseDuration(v, "websocket.ping_interval", 54*time.Second)
	cfg.WebSocket.PongWait = parseDuration(v, "websocket.pong_wait", 60*time.Second)
	cfg.WebSocket.WriteWait = parseDuration(v, "websocket.write_wait", 10*time.Second)

	if cfg.WebSocket.PingInterval >= cfg.WebSocket.PongWait {
		return Server{}, fmt.Errorf("websocket.ping_interval must be shorter than websocket.pong_wait")
	}
	return cfg, nil
}

// LoadClient reads client config from the given file (optional) plus env.
func LoadClient(path string) (Client, error) {
	v, err := newViper(path)
	if err != nil {
		return Client{}, err
	}

	v.SetDefault("server_url", "ws://127.0.0.1:3001/ws")
	v.SetDefault("room", "default-room")
	v.SetDefault("restart_grace", "10s")
	v.SetDefault("join_timeout", "15s")
	v.SetDefault("log.level", "info")

	v.BindEnv("server_url", "PEERSTREAM_SERVER_URL")
	v.BindEnv("room", "PEERSTREAM_ROOM")
	v.BindEnv("log.level", "PEERSTREAM_LOG_LEVEL")

	var cfg Client
	if err := v.Unmarshal(&cfg); err != nil {
		return Client{}, fmt.Errorf("unmarshal client config: %w", err)
	}
	cfg.RestartGrace = parseDuration(v, "restart_grace", 10*time.Second)
	cfg.JoinTimeout = parseDuration(v, "join_timeout", 15*time.Second)

	if len(cfg.ICEServers) == 0 {
		cfg.ICEServers = DefaultICEServers()
	}
	for i, s := range cfg.ICEServers {
		if len(s.URLs) == 0 {
			return Client{}, fmt.Errorf("ice_servers[%d]: missing urls", i)
		}
	}
	return cfg, nil
}

// DefaultICEServers is the public STUN set used when none is configured.
func DefaultICEServers() []ICEServer {
	return []ICEServer{
		{URLs: []string{
			"stun:stun.l.google.com:19302",
			"stun:stun1.l.google.com:19302",
			"stun:stun2.l.google.com:19302",
		}},
	}
}

// PionICEServers converts the configured entries into pion's type.
func (c Client) PionICEServers() []webrtc.ICEServer {
	servers := make([]webrtc.ICEServer, 0, len(c.ICEServers))
	for _, s := range c.ICEServers {
		servers = append(servers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	return servers
}

// newViper prepares a viper instance. An empty path means env + defaults; a
// path that was given but cannot be read is an error, not a silent fallback.
func newViper(path string) (*viper.Viper, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	return v, nil
}

func parseDuration(v *viper.Viper, key string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(v.GetString(key))
	if err != nil {
		return fallback
	}
	return d
}

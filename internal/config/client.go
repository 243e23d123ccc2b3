package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/weiawesome/wes-io-canvas/internal/transport"
	pkglog "github.com/weiawesome/wes-io-canvas/pkg/log"
)

// Startup modes of the canvas client.
const (
	ModeNone = ""
	ModeHost = "host"
	ModeJoin = "join"
)

// BrokerMemory selects the in-process identity namespace instead of a
// rendezvous broker.
const BrokerMemory = "memory"

// ClientConfig configures one canvas peer.
type ClientConfig struct {
	Room     string
	Mode     string
	Autodraw bool

	Broker       string
	Direct       bool
	JoinTimeout  time.Duration `mapstructure:"join_timeout"`
	DrawInterval time.Duration `mapstructure:"draw_interval"`
	StatusEvery  time.Duration `mapstructure:"status_every"`

	WebSocket WebSocketConfig
	ICE       ICEConfig
	Log       pkglog.Config
}

// ClientDefaults registers client defaults on v. Flags bound later take
// precedence.
func ClientDefaults(v *viper.Viper) {
	v.SetDefault("room", "")
	v.SetDefault("mode", ModeNone)
	v.SetDefault("autodraw", false)
	v.SetDefault("broker", BrokerMemory)
	v.SetDefault("direct", false)
	v.SetDefault("join_timeout", "10s")
	v.SetDefault("draw_interval", "50ms")
	v.SetDefault("status_every", "5s")
	v.SetDefault("websocket.ping_interval", "30s")
	v.SetDefault("websocket.pong_wait", "60s")
	v.SetDefault("websocket.write_wait", "10s")
	v.SetDefault("websocket.max_message_size", 65536)
	v.SetDefault("websocket.send_buffer", 256)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", true)
	v.SetDefault("log.service_name", "canvas")
}

// LoadClient decodes and validates the client configuration held by v.
func LoadClient(v *viper.Viper) (*ClientConfig, error) {
	var cfg ClientConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode client config: %w", err)
	}

	cfg.Mode = strings.ToLower(strings.TrimSpace(cfg.Mode))
	switch cfg.Mode {
	case ModeNone, ModeHost, ModeJoin:
	default:
		return nil, fmt.Errorf("invalid mode %q: want host or join", cfg.Mode)
	}
	if cfg.Mode == ModeJoin && cfg.Room == "" {
		return nil, fmt.Errorf("mode join needs a room")
	}

	cfg.JoinTimeout = parseDuration(v, "join_timeout", 10*time.Second)
	cfg.DrawInterval = parseDuration(v, "draw_interval", 50*time.Millisecond)
	cfg.StatusEvery = parseDuration(v, "status_every", 5*time.Second)
	cfg.WebSocket.PingInterval = parseDuration(v, "websocket.ping_interval", 30*time.Second)
	cfg.WebSocket.PongWait = parseDuration(v, "websocket.pong_wait", 60*time.Second)
	cfg.WebSocket.WriteWait = parseDuration(v, "websocket.write_wait", 10*time.Second)

	return &cfg, nil
}

// ICEServers returns the configured servers or a public STUN default.
func (c *ClientConfig) ICEServers() []transport.ICEServer {
	if len(c.ICE.Servers) > 0 {
		return c.ICE.Servers
	}
	return []transport.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
}

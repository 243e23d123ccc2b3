package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
	"github.com/weiawesome/wes-io-canvas/internal/peerid"
	"github.com/weiawesome/wes-io-canvas/internal/transport"
	pkgconfig "github.com/weiawesome/wes-io-canvas/pkg/config"
	pkglog "github.com/weiawesome/wes-io-canvas/pkg/log"
	"github.com/weiawesome/wes-io-canvas/pkg/pubsub"
)

// BrokerConfig configures the rendezvous broker.
type BrokerConfig struct {
	Server    ServerConfig
	WebSocket WebSocketConfig
	Node      NodeConfig
	Registry  RegistryConfig
	PubSub    pubsub.Config
	Kafka     KafkaConfig
	ICE       ICEConfig
	PeerID    peerid.Config `mapstructure:"peer_id"`
	Log       pkglog.Config
}

type ServerConfig struct {
	Host string
	Port int
}

func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type WebSocketConfig struct {
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	PongWait       time.Duration `mapstructure:"pong_wait"`
	WriteWait      time.Duration `mapstructure:"write_wait"`
	MaxMessageSize int64         `mapstructure:"max_message_size"`
	SendBuffer     int           `mapstructure:"send_buffer"`
}

// NodeConfig identifies this broker inside a cluster.
type NodeConfig struct {
	ID string
}

type RegistryConfig struct {
	Driver string // "memory" or "redis"
	Redis  RedisConfig
}

type RedisConfig struct {
	Address           string
	Password          string
	DB                int
	Prefix            string        `mapstructure:"prefix"`
	KeyTTL            time.Duration `mapstructure:"key_ttl"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
}

// KafkaConfig configures the peer lifecycle event producer. Empty Brokers
// disables it.
type KafkaConfig struct {
	Brokers    string
	Topic      string
	Partitions int
}

// ICEConfig lists STUN/TURN servers. With a TURN key set, the broker also
// hands out short-lived Cloudflare TURN credentials.
type ICEConfig struct {
	Servers   []transport.ICEServer
	TurnKeyID string        `mapstructure:"turn_key_id"`
	TurnKey   string        `mapstructure:"turn_key"`
	TurnTTL   time.Duration `mapstructure:"turn_ttl"`
}

// DefaultWebSocket holds the socket limits shared by broker and client.
func DefaultWebSocket() WebSocketConfig {
	return WebSocketConfig{
		PingInterval:   30 * time.Second,
		PongWait:       60 * time.Second,
		WriteWait:      10 * time.Second,
		MaxMessageSize: 65536,
		SendBuffer:     256,
	}
}

// LoadBroker reads the broker configuration from file (optional) and env.
func LoadBroker(file string) (*BrokerConfig, error) {
	v, err := pkgconfig.Load(pkgconfig.Options{Name: "broker", File: file})
	if err != nil {
		return nil, err
	}

	// Set defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 9000)
	v.SetDefault("websocket.ping_interval", "30s")
	v.SetDefault("websocket.pong_wait", "60s")
	v.SetDefault("websocket.write_wait", "10s")
	v.SetDefault("websocket.max_message_size", 65536)
	v.SetDefault("websocket.send_buffer", 256)
	v.SetDefault("node.id", "")
	v.SetDefault("registry.driver", "memory")
	v.SetDefault("registry.redis.address", "localhost:6379")
	v.SetDefault("registry.redis.password", "")
	v.SetDefault("registry.redis.db", 0)
	v.SetDefault("registry.redis.prefix", "canvas")
	v.SetDefault("registry.redis.key_ttl", "30s")
	v.SetDefault("registry.redis.heartbeat_interval", "10s")
	v.SetDefault("pubsub.driver", "memory")
	v.SetDefault("pubsub.redis.address", "localhost:6379")
	v.SetDefault("pubsub.redis.password", "")
	v.SetDefault("pubsub.redis.db", 0)
	v.SetDefault("pubsub.kafka.brokers", "localhost:9092")
	v.SetDefault("pubsub.kafka.group_id", "canvas-broker")
	v.SetDefault("pubsub.kafka.partitions", 4)
	v.SetDefault("kafka.brokers", "")
	v.SetDefault("kafka.topic", "peer-events")
	v.SetDefault("kafka.partitions", 4)
	v.SetDefault("ice.turn_ttl", "24h")
	v.SetDefault("peer_id.default", string(peerid.KindUUID))
	v.SetDefault("peer_id.nanoid_size", peerid.DefaultNanoIDSize)
	v.SetDefault("peer_id.nanoid_alphabet", peerid.DefaultNanoIDAlphabet)
	v.SetDefault("peer_id.cuid2_length", peerid.DefaultCUID2Length)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.service_name", "canvas-broker")

	// Override from environment
	v.BindEnv("server.port", "PORT")
	v.BindEnv("node.id", "NODE_ID")
	v.BindEnv("registry.driver", "REGISTRY_DRIVER")
	v.BindEnv("registry.redis.address", "REDIS_ADDRESS")
	v.BindEnv("registry.redis.password", "REDIS_PASSWORD")
	v.BindEnv("pubsub.driver", "PUBSUB_DRIVER")
	v.BindEnv("pubsub.redis.address", "REDIS_ADDRESS")
	v.BindEnv("pubsub.redis.password", "REDIS_PASSWORD")
	v.BindEnv("pubsub.kafka.brokers", "KAFKA_BROKERS")
	v.BindEnv("pubsub.kafka.group_id", "KAFKA_PUBSUB_GROUP_ID")
	v.BindEnv("kafka.brokers", "KAFKA_PEER_EVENTS_BROKERS")
	v.BindEnv("kafka.topic", "KAFKA_PEER_EVENTS_TOPIC")
	v.BindEnv("ice.turn_key_id", "CF_TURN_ID")
	v.BindEnv("ice.turn_key", "CF_TURN_KEY")
	v.BindEnv("peer_id.default", "PEER_ID_KIND")
	v.BindEnv("log.level", "LOG_LEVEL")

	var cfg BrokerConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode broker config: %w", err)
	}

	// Parse durations
	cfg.WebSocket.PingInterval = parseDuration(v, "websocket.ping_interval", 30*time.Second)
	cfg.WebSocket.PongWait = parseDuration(v, "websocket.pong_wait", 60*time.Second)
	cfg.WebSocket.WriteWait = parseDuration(v, "websocket.write_wait", 10*time.Second)
	cfg.Registry.Redis.KeyTTL = parseDuration(v, "registry.redis.key_ttl", 30*time.Second)
	cfg.Registry.Redis.HeartbeatInterval = parseDuration(v, "registry.redis.heartbeat_interval", 10*time.Second)
	cfg.ICE.TurnTTL = parseDuration(v, "ice.turn_ttl", 24*time.Hour)

	return &cfg, nil
}

func parseDuration(v *viper.Viper, key string, defaultVal time.Duration) time.Duration {
	str := v.GetString(key)
	d, err := time.ParseDuration(str)
	if err != nil {
		return defaultVal
	}
	return d
}

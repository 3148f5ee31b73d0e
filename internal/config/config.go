package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Relay transports accepted by chat.relay_transport.
const (
	RelayNone  = "none"
	RelayRedis = "redis"
	RelayNATS  = "nats"
)

// Config holds runtime configuration values for the API service.
type Config struct {
	AppName     string
	AppEnv      string
	AppPort     string
	LogLevel    string
	CORSOrigins string
	// RateLimitPerMinute caps authenticated REST calls per user; zero disables it.
	RateLimitPerMinute int
	DatabaseURL        string
	RedisURL           string
	NATSURL            string
	JWTSecret          string
	Chat               ChatConfig
}

// ChatConfig groups the conversation and live transport settings.
type ChatConfig struct {
	// MessageKeys is the comma separated list of base64 keys; a key's version is its position starting at 1.
	MessageKeys    string
	UnsendWindow   time.Duration
	TypingTTL      time.Duration
	SendBuffer     int
	PageSize       int
	ChannelBase    string
	BlockCacheTTL  time.Duration
	FrameRate      float64
	FrameBurst     int
	PingInterval   time.Duration
	ExpiryCron     string
	RelayTransport string
}

// HTTPAddress returns the address the HTTP server should listen on.
func (c Config) HTTPAddress() string {
	if strings.HasPrefix(c.AppPort, ":") {
		return c.AppPort
	}

	return fmt.Sprintf(":%s", c.AppPort)
}

// Load reads configuration values from environment variables and optional .env file.
func Load() (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("THREADLINE")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	setDefaults(v)

	return fromViper(v)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "Threadline API")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.port", "8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("cors.origins", "*")
	v.SetDefault("http.rate_limit_per_minute", 600)
	v.SetDefault("chat.unsend_window", "5m")
	v.SetDefault("chat.typing_ttl", "5s")
	v.SetDefault("chat.send_buffer", 32)
	v.SetDefault("chat.page_size", 50)
	v.SetDefault("chat.channel_base", "threadline")
	v.SetDefault("chat.block_cache_ttl", "1m")
	v.SetDefault("chat.frame_rate", 10)
	v.SetDefault("chat.frame_burst", 20)
	v.SetDefault("chat.ping_interval", "30s")
	v.SetDefault("chat.expiry_cron", "* * * * *")
	v.SetDefault("chat.relay_transport", RelayNone)
}

func fromViper(v *viper.Viper) (Config, error) {
	durations := map[string]time.Duration{}
	for _, key := range []string{"chat.unsend_window", "chat.typing_ttl", "chat.block_cache_ttl", "chat.ping_interval"} {
		parsed, err := time.ParseDuration(v.GetString(key))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", key, err)
		}
		if parsed < 0 {
			return Config{}, fmt.Errorf("%s must not be negative", key)
		}
		durations[key] = parsed
	}

	cfg := Config{
		AppName:            v.GetString("app.name"),
		AppEnv:             v.GetString("app.env"),
		AppPort:            v.GetString("app.port"),
		LogLevel:           strings.ToLower(v.GetString("log.level")),
		CORSOrigins:        v.GetString("cors.origins"),
		RateLimitPerMinute: v.GetInt("http.rate_limit_per_minute"),
		DatabaseURL:        v.GetString("database.url"),
		RedisURL:           v.GetString("redis.url"),
		NATSURL:            v.GetString("nats.url"),
		JWTSecret:          v.GetString("jwt.secret"),
		Chat: ChatConfig{
			MessageKeys:    v.GetString("chat.message_keys"),
			UnsendWindow:   durations["chat.unsend_window"],
			TypingTTL:      durations["chat.typing_ttl"],
			SendBuffer:     v.GetInt("chat.send_buffer"),
			PageSize:       v.GetInt("chat.page_size"),
			ChannelBase:    v.GetString("chat.channel_base"),
			BlockCacheTTL:  durations["chat.block_cache_ttl"],
			FrameRate:      v.GetFloat64("chat.frame_rate"),
			FrameBurst:     v.GetInt("chat.frame_burst"),
			PingInterval:   durations["chat.ping_interval"],
			ExpiryCron:     v.GetString("chat.expiry_cron"),
			RelayTransport: strings.ToLower(strings.TrimSpace(v.GetString("chat.relay_transport"))),
		},
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("jwt secret must be provided")
	}
	if strings.TrimSpace(c.Chat.MessageKeys) == "" {
		return fmt.Errorf("at least one chat message key must be provided")
	}
	if c.Chat.SendBuffer <= 0 {
		return fmt.Errorf("chat send buffer must be positive")
	}
	if c.Chat.PageSize <= 0 {
		return fmt.Errorf("chat page size must be positive")
	}

	switch c.Chat.RelayTransport {
	case RelayNone, "":
	case RelayRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("redis relay requires redis url")
		}
	case RelayNATS:
		if c.NATSURL == "" {
			return fmt.Errorf("nats relay requires nats url")
		}
	default:
		return fmt.Errorf("unknown chat relay transport %q", c.Chat.RelayTransport)
	}
	return nil
}

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dkeye/Studio/internal/recording"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type RateLimit struct {
	Window      time.Duration `mapstructure:"window"`
	MaxMessages int           `mapstructure:"max_messages"`
}

type Redis struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type S3 struct {
	Enabled   bool   `mapstructure:"enabled"`
	Endpoint  string `mapstructure:"endpoint"`
	Bucket    string `mapstructure:"bucket"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl"`
	Region    string `mapstructure:"region"`
}

type Upload struct {
	Endpoint  string `mapstructure:"endpoint"`
	ChunkSize int    `mapstructure:"chunk_size"`
}

type Config struct {
	Mode       string `mapstructure:"mode"`
	Port       int    `mapstructure:"port"`
	LogLevel   string `mapstructure:"log_level"`
	StaticPath string `mapstructure:"static_path"`
	Secret     string `mapstructure:"secret"`
	JWTSecret  string `mapstructure:"jwt_secret"`
	StudioURL  string `mapstructure:"studio_url"`

	ReadLimit      int64         `mapstructure:"read_limit"`
	MaxMessageSize int           `mapstructure:"max_message_size"`
	PingPeriod     time.Duration `mapstructure:"ping_period"`
	StaleAfter     time.Duration `mapstructure:"stale_after"`
	CleanupPeriod  time.Duration `mapstructure:"cleanup_period"`
	RateLimit      RateLimit     `mapstructure:"rate_limit"`

	MaxParticipants int           `mapstructure:"max_participants"`
	InviteTTL       time.Duration `mapstructure:"invite_ttl"`
	ICEServers      []string      `mapstructure:"ice_servers"`

	Redis     Redis                       `mapstructure:"redis"`
	S3        S3                          `mapstructure:"s3"`
	Upload    Upload                      `mapstructure:"upload"`
	Recording recording.CoordinatorConfig `mapstructure:"recording"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("log_level", "info")
	v.SetDefault("static_path", "./web")
	v.SetDefault("secret", "studio-dev-secret")
	v.SetDefault("jwt_secret", "studio-dev-jwt-secret")
	v.SetDefault("studio_url", "http://localhost:3001")

	v.SetDefault("read_limit", 65536)
	v.SetDefault("max_message_size", 10240)
	v.SetDefault("ping_period", "10s")
	v.SetDefault("stale_after", "30s")
	v.SetDefault("cleanup_period", "30s")
	v.SetDefault("rate_limit.window", "1s")
	v.SetDefault("rate_limit.max_messages", 50)

	v.SetDefault("max_participants", 10)
	v.SetDefault("invite_ttl", "6h")
	v.SetDefault("ice_servers", []string{"stun:stun.l.google.com:19302"})

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)

	v.SetDefault("s3.enabled", false)
	v.SetDefault("s3.endpoint", "localhost:9000")
	v.SetDefault("s3.bucket", "recordings")
	v.SetDefault("s3.region", "us-east-1")

	v.SetDefault("upload.endpoint", "http://localhost:4001")
	v.SetDefault("upload.chunk_size", 5*1024*1024)

	v.SetDefault("recording.quality", "medium")
	v.SetDefault("recording.timeslice", "1s")
	v.SetDefault("recording.stop_timeout", "4s")
}

// Load reads config/config.<CONFIG_ENV>.yaml, then STUDIO_* environment overrides.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvPrefix("studio")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).Str("static", cfg.StaticPath).Msg("config ready")
	return &cfg, nil
}

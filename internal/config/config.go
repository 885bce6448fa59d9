package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port        string   `mapstructure:"PORT"`
	Env         string   `mapstructure:"ENV"`
	DatabaseURL string   `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32    `mapstructure:"DB_MIN_CONNS"`
	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`

	AuthSigningKey string `mapstructure:"AUTH_SIGNING_KEY"`
	AuthIssuer     string `mapstructure:"AUTH_ISSUER"`
	AuthAudience   string `mapstructure:"AUTH_AUDIENCE"`

	NotifyBackend string `mapstructure:"NOTIFY_BACKEND"`
	NotifyChannel string `mapstructure:"NOTIFY_CHANNEL"`
	RedisURL      string `mapstructure:"REDIS_URL"`

	VideoProvider         string        `mapstructure:"VIDEO_PROVIDER"`
	DailyAPIKey           string        `mapstructure:"DAILY_API_KEY"`
	DailyAPIURL           string        `mapstructure:"DAILY_API_URL"`
	TwilioAccountSID      string        `mapstructure:"TWILIO_ACCOUNT_SID"`
	TwilioAPIKey          string        `mapstructure:"TWILIO_API_KEY"`
	TwilioAPISecret       string        `mapstructure:"TWILIO_API_SECRET"`
	TwilioJoinURL         string        `mapstructure:"TWILIO_JOIN_URL"`
	RoomTTL               time.Duration `mapstructure:"ROOM_TTL"`
	TokenTTL              time.Duration `mapstructure:"TOKEN_TTL"`
	RoomRecording         bool          `mapstructure:"ROOM_RECORDING"`
	RoomEnableChat        bool          `mapstructure:"ROOM_ENABLE_CHAT"`
	RoomEnableScreenshare bool          `mapstructure:"ROOM_ENABLE_SCREENSHARE"`

	BlobBackend string `mapstructure:"BLOB_BACKEND"`
	S3Bucket    string `mapstructure:"S3_BUCKET"`
	S3Prefix    string `mapstructure:"S3_PREFIX"`
	AWSRegion   string `mapstructure:"AWS_REGION"`

	ChatRequireAttachmentCaption bool          `mapstructure:"CHAT_REQUIRE_ATTACHMENT_CAPTION"`
	ReconcileInterval            time.Duration `mapstructure:"RECONCILE_INTERVAL"`
}

var keys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "CORS_ORIGINS",
	"AUTH_SIGNING_KEY", "AUTH_ISSUER", "AUTH_AUDIENCE",
	"NOTIFY_BACKEND", "NOTIFY_CHANNEL", "REDIS_URL",
	"VIDEO_PROVIDER", "DAILY_API_KEY", "DAILY_API_URL",
	"TWILIO_ACCOUNT_SID", "TWILIO_API_KEY", "TWILIO_API_SECRET", "TWILIO_JOIN_URL",
	"ROOM_TTL", "TOKEN_TTL", "ROOM_RECORDING", "ROOM_ENABLE_CHAT", "ROOM_ENABLE_SCREENSHARE",
	"BLOB_BACKEND", "S3_BUCKET", "S3_PREFIX", "AWS_REGION",
	"CHAT_REQUIRE_ATTACHMENT_CAPTION", "RECONCILE_INTERVAL",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("AUTH_ISSUER", "consult")
	v.SetDefault("NOTIFY_BACKEND", "postgres")
	v.SetDefault("NOTIFY_CHANNEL", "consult_events")
	v.SetDefault("VIDEO_PROVIDER", "fake")
	v.SetDefault("DAILY_API_URL", "https://api.daily.co/v1")
	v.SetDefault("TWILIO_JOIN_URL", "https://video.example.com/rooms")
	v.SetDefault("ROOM_TTL", "2h")
	v.SetDefault("TOKEN_TTL", "1h")
	v.SetDefault("ROOM_RECORDING", true)
	v.SetDefault("ROOM_ENABLE_CHAT", false)
	v.SetDefault("ROOM_ENABLE_SCREENSHARE", true)
	v.SetDefault("BLOB_BACKEND", "memory")
	v.SetDefault("S3_PREFIX", "attachments")
	v.SetDefault("AWS_REGION", "us-east-1")
	v.SetDefault("CHAT_REQUIRE_ATTACHMENT_CAPTION", false)
	v.SetDefault("RECONCILE_INTERVAL", "1m")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() && cfg.AuthSigningKey == "" {
		log.Println("WARNING: ENV=development without AUTH_SIGNING_KEY: callers are identified by X-User-ID / X-User-Role headers.")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is internally consistent. Provider
// credentials are checked by the provider constructors themselves.
func (c *Config) Validate() error {
	if !c.IsDev() && c.AuthSigningKey == "" {
		return fmt.Errorf("AUTH_SIGNING_KEY is required when ENV=%q", c.Env)
	}

	switch c.NotifyBackend {
	case "postgres", "local":
	case "redis":
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when NOTIFY_BACKEND is \"redis\"")
		}
	default:
		return fmt.Errorf("NOTIFY_BACKEND must be \"postgres\", \"redis\", or \"local\", got %q", c.NotifyBackend)
	}

	switch c.VideoProvider {
	case "daily", "twilio":
	case "fake":
		if c.IsProduction() {
			return fmt.Errorf("VIDEO_PROVIDER \"fake\" is not allowed in production")
		}
	default:
		return fmt.Errorf("VIDEO_PROVIDER must be \"daily\", \"twilio\", or \"fake\", got %q", c.VideoProvider)
	}

	switch c.BlobBackend {
	case "memory":
	case "s3":
		if c.S3Bucket == "" {
			return fmt.Errorf("S3_BUCKET is required when BLOB_BACKEND is \"s3\"")
		}
	default:
		return fmt.Errorf("BLOB_BACKEND must be \"memory\" or \"s3\", got %q", c.BlobBackend)
	}

	if c.RoomTTL <= 0 {
		return fmt.Errorf("ROOM_TTL must be positive, got %s", c.RoomTTL)
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("TOKEN_TTL must be positive, got %s", c.TokenTTL)
	}
	if c.ReconcileInterval < 0 {
		return fmt.Errorf("RECONCILE_INTERVAL must not be negative, got %s", c.ReconcileInterval)
	}

	return nil
}

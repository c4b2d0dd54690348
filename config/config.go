package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"
)

type (
	Config struct {
		Port         string `env:"PORT" envDefault:"8080"`
		LogMode      string `env:"LOG_MODE" envDefault:"dev"`
		UserID       string `env:"USER_ID"`
		UserEmail    string `env:"USER_EMAIL"`
		UserName     string `env:"USER_NAME"`
		UploadDir    string `env:"UPLOAD_DIR" envDefault:"user_images"`
		APIJWTSecret string `env:"API_JWT_SECRET"`

		Supabase    SupabaseConfig    `envPrefix:"SUPABASE_"`
		Storage     StorageConfig     `envPrefix:"STORAGE_"`
		Upload      UploadConfig      `envPrefix:"UPLOAD_"`
		Inference   InferenceConfig   `envPrefix:"INFERENCE_"`
		Gemini      GeminiConfig      `envPrefix:"GEMINI_"`
		Persistence PersistenceConfig `envPrefix:"PERSISTENCE_"`
		Ledger      LedgerConfig      `envPrefix:"LEDGER_"`
		SendGrid    SendGridConfig    `envPrefix:"SENDGRID_"`
		Assets      AssetsConfig      `envPrefix:"ASSETS_"`
	}

	SupabaseConfig struct {
		URL          string `env:"URL"`
		AnonKey      string `env:"ANON_KEY"`
		AccessToken  string `env:"ACCESS_TOKEN"`
		RefreshToken string `env:"REFRESH_TOKEN"`
	}

	StorageConfig struct {
		Backend        string `env:"BACKEND" envDefault:"supabase"` // supabase | s3 | minio
		ProfileBucket  string `env:"BUCKET_PROFILES" envDefault:"profile-photos"`
		GarmentBucket  string `env:"BUCKET_GARMENTS" envDefault:"garments"`
		ResultBucket   string `env:"BUCKET_RESULTS" envDefault:"tryon-results"`
		PublicBaseURL  string `env:"PUBLIC_BASE_URL"`
		Presign        bool   `env:"PRESIGN" envDefault:"false"`
		S3Region       string `env:"S3_REGION" envDefault:"us-east-1"`
		S3Endpoint     string `env:"S3_ENDPOINT"`
		S3AccessKey    string `env:"S3_ACCESS_KEY"`
		S3SecretKey    string `env:"S3_SECRET_KEY"`
		MinioEndpoint  string `env:"MINIO_ENDPOINT" envDefault:"localhost:9000"`
		MinioAccessKey string `env:"MINIO_ACCESS_KEY"`
		MinioSecretKey string `env:"MINIO_SECRET_KEY"`
		MinioUseSSL    bool   `env:"MINIO_USE_SSL" envDefault:"false"`
	}

	UploadConfig struct {
		MaxRetries     int           `env:"MAX_RETRIES" envDefault:"4"`
		InitialBackoff time.Duration `env:"INITIAL_BACKOFF" envDefault:"500ms"`
		MaxBackoff     time.Duration `env:"MAX_BACKOFF" envDefault:"10s"`
		Timeout        time.Duration `env:"TIMEOUT" envDefault:"60s"`
	}

	InferenceConfig struct {
		Backend              string        `env:"BACKEND" envDefault:"http"` // http | gemini
		URL                  string        `env:"URL"`
		APIKey               string        `env:"API_KEY"`
		PollInterval         time.Duration `env:"POLL_INTERVAL" envDefault:"3s"`
		MaxConsecutiveErrors int           `env:"MAX_CONSECUTIVE_ERRORS" envDefault:"5"`
		SubmitTimeout        time.Duration `env:"SUBMIT_TIMEOUT" envDefault:"5m"`
	}

	GeminiConfig struct {
		APIKey string `env:"API_KEY"`
		Model  string `env:"MODEL" envDefault:"gemini-3-pro-image-preview"`
	}

	PersistenceConfig struct {
		Backend   string `env:"BACKEND" envDefault:"memory"` // memory | mongo | redis
		MongoURI  string `env:"MONGO_URI" envDefault:"mongodb://localhost:27017/"`
		MongoDB   string `env:"MONGO_DB" envDefault:"fitly"`
		RedisAddr string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
		RedisDB   int    `env:"REDIS_DB" envDefault:"0"`
	}

	LedgerConfig struct {
		ReconcileSchedule string `env:"RECONCILE_SCHEDULE" envDefault:"@every 15m"`
		EntitlementURL    string `env:"ENTITLEMENT_URL"`
	}

	SendGridConfig struct {
		APIKey    string `env:"API_KEY"`
		FromEmail string `env:"FROM" envDefault:"no-reply@tryonfusion.com"`
	}

	AssetsConfig struct {
		BaseURL string `env:"BASE_URL"`
	}
)

// Load reads .env (if any) and the process environment into a Config.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using default values or system environment variables")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg.Supabase.URL = strings.TrimRight(cfg.Supabase.URL, "/")
	if cfg.Storage.PublicBaseURL == "" {
		cfg.Storage.PublicBaseURL = cfg.Supabase.URL
	}
	cfg.Storage.PublicBaseURL = strings.TrimRight(cfg.Storage.PublicBaseURL, "/")
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks settings that depend on each other.
func (c *Config) Validate() error {
	if c.UserID == "" {
		return fmt.Errorf("USER_ID is required")
	}
	switch c.Storage.Backend {
	case "supabase":
		if c.Supabase.URL == "" {
			return fmt.Errorf("SUPABASE_URL is required for the supabase storage backend")
		}
	case "s3", "minio":
	default:
		return fmt.Errorf("unknown STORAGE_BACKEND %q", c.Storage.Backend)
	}
	switch c.Inference.Backend {
	case "http":
		if c.Inference.URL == "" {
			return fmt.Errorf("INFERENCE_URL is required for the http inference backend")
		}
	case "gemini":
		if c.Gemini.APIKey == "" {
			return fmt.Errorf("GEMINI_API_KEY is not set")
		}
	default:
		return fmt.Errorf("unknown INFERENCE_BACKEND %q", c.Inference.Backend)
	}
	switch c.Persistence.Backend {
	case "memory", "mongo", "redis":
	default:
		return fmt.Errorf("unknown PERSISTENCE_BACKEND %q", c.Persistence.Backend)
	}
	if c.Inference.PollInterval <= 0 {
		return fmt.Errorf("INFERENCE_POLL_INTERVAL must be positive")
	}
	if c.Inference.MaxConsecutiveErrors <= 0 {
		return fmt.Errorf("INFERENCE_MAX_CONSECUTIVE_ERRORS must be positive")
	}
	return nil
}

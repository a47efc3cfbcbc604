package config

import (
	"os"
	"strings"

	"github.com/spf13/viper"
)

// readSecret reads a Docker secret from a file path specified by an env var
// with _FILE suffix. If FOO is already set directly, the file is skipped.
// If FOO_FILE is set, reads the file content and sets FOO.
func readSecret(envKey string) {
	if os.Getenv(envKey) != "" {
		return
	}
	fileKey := envKey + "_FILE"
	filePath := os.Getenv(fileKey)
	if filePath == "" {
		return
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return
	}
	val := strings.TrimSpace(string(data))
	os.Setenv(envKey, val)
}

type Config struct {
	Server    ServerConfig
	Redis     RedisConfig
	JWT       JWTConfig
	RateLimit RateLimitConfig
	YouTube   YouTubeConfig
	Upload    UploadConfig
	R2        R2Config
	OIDC      OIDCConfig
	Gateway   GatewayConfig
}

type ServerConfig struct {
	Port      string
	Env       string
	LogLevel  string
	ApiDomain string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type JWTConfig struct {
	Secret     string
	Expiration int // hours
}

type RateLimitConfig struct {
	UploadPerHour int
	StatusPerMin  int
}

// YouTubeConfig drives the Data API v3 resumable-upload client and the
// daily quota ledger.
type YouTubeConfig struct {
	UploadBaseURL string
	AccessToken   string // supplied by the external OAuth component
	QuotaLimit    int64  // daily API units
	UploadCost    int64  // units charged per videos.insert
	ChunkSizeMiB  int
	MaxAttempts   int // per-chunk attempts on transient errors
	Timezone      string
}

type UploadConfig struct {
	TempDir       string
	MaxFileSizeMB int
}

type R2Config struct {
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	PublicURL       string
}

type OIDCConfig struct {
	Domain   string
	ClientID string
	Issuer   string
}

type GatewayConfig struct {
	Enabled bool
}

func Load() (*Config, error) {
	// Read Docker Swarm secrets from _FILE env vars before Viper binds
	readSecret("REDIS_PASSWORD")
	readSecret("JWT_SECRET")
	readSecret("YOUTUBE_ACCESS_TOKEN")
	readSecret("R2_ACCOUNT_ID")
	readSecret("R2_ACCESS_KEY_ID")
	readSecret("R2_SECRET_ACCESS_KEY")
	readSecret("OIDC_CLIENT_ID")

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	// Environment variables
	viper.AutomaticEnv()

	// Bind environment variables with underscores to nested config keys
	_ = viper.BindEnv("server.port", "SERVER_PORT")
	_ = viper.BindEnv("server.env", "SERVER_ENV")
	_ = viper.BindEnv("server.log_level", "LOG_LEVEL")
	_ = viper.BindEnv("server.api_domain", "API_DOMAIN")
	_ = viper.BindEnv("redis.addr", "REDIS_ADDR")
	_ = viper.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = viper.BindEnv("redis.db", "REDIS_DB")
	_ = viper.BindEnv("jwt.secret", "JWT_SECRET")
	_ = viper.BindEnv("jwt.expiration", "JWT_EXPIRATION")
	_ = viper.BindEnv("ratelimit.upload_per_hour", "RATELIMIT_UPLOAD_PER_HOUR")
	_ = viper.BindEnv("ratelimit.status_per_min", "RATELIMIT_STATUS_PER_MIN")
	_ = viper.BindEnv("youtube.upload_base_url", "YOUTUBE_UPLOAD_BASE_URL")
	_ = viper.BindEnv("youtube.access_token", "YOUTUBE_ACCESS_TOKEN")
	_ = viper.BindEnv("youtube.quota_limit", "YOUTUBE_QUOTA_LIMIT")
	_ = viper.BindEnv("youtube.upload_cost", "YOUTUBE_UPLOAD_COST")
	_ = viper.BindEnv("youtube.chunk_size_mib", "YOUTUBE_CHUNK_SIZE_MIB")
	_ = viper.BindEnv("youtube.max_attempts", "YOUTUBE_MAX_ATTEMPTS")
	_ = viper.BindEnv("youtube.timezone", "YOUTUBE_QUOTA_TIMEZONE")
	_ = viper.BindEnv("upload.temp_dir", "UPLOAD_TEMP_DIR")
	_ = viper.BindEnv("upload.max_file_size_mb", "UPLOAD_MAX_FILE_SIZE_MB")
	_ = viper.BindEnv("r2.account_id", "R2_ACCOUNT_ID")
	_ = viper.BindEnv("r2.access_key_id", "R2_ACCESS_KEY_ID")
	_ = viper.BindEnv("r2.secret_access_key", "R2_SECRET_ACCESS_KEY")
	_ = viper.BindEnv("r2.bucket_name", "R2_BUCKET_NAME")
	_ = viper.BindEnv("r2.public_url", "R2_PUBLIC_URL")
	_ = viper.BindEnv("oidc.domain", "OIDC_DOMAIN")
	_ = viper.BindEnv("oidc.client_id", "OIDC_CLIENT_ID")
	_ = viper.BindEnv("oidc.issuer", "OIDC_ISSUER")
	_ = viper.BindEnv("gateway.enabled", "GATEWAY_ENABLED")

	// Defaults
	viper.SetDefault("server.port", "8000")
	viper.SetDefault("server.env", "development")
	viper.SetDefault("server.log_level", "info")
	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("jwt.secret", "change-me-in-production")
	viper.SetDefault("jwt.expiration", 24)
	viper.SetDefault("ratelimit.upload_per_hour", 50)
	viper.SetDefault("ratelimit.status_per_min", 120)

	// YouTube defaults — videos.insert costs 1600 of the 10k daily units
	viper.SetDefault("youtube.upload_base_url", "https://www.googleapis.com/upload/youtube/v3")
	viper.SetDefault("youtube.quota_limit", 10000)
	viper.SetDefault("youtube.upload_cost", 1600)
	viper.SetDefault("youtube.chunk_size_mib", 1)
	viper.SetDefault("youtube.max_attempts", 3)
	viper.SetDefault("youtube.timezone", "Local")

	// Upload defaults
	viper.SetDefault("upload.temp_dir", os.TempDir())
	viper.SetDefault("upload.max_file_size_mb", 512)

	// Gateway defaults
	viper.SetDefault("gateway.enabled", false)

	// Try to read config file (optional)
	_ = viper.ReadInConfig()

	cfg := &Config{
		Server: ServerConfig{
			Port:      viper.GetString("server.port"),
			Env:       viper.GetString("server.env"),
			LogLevel:  viper.GetString("server.log_level"),
			ApiDomain: viper.GetString("server.api_domain"),
		},
		Redis: RedisConfig{
			Addr:     viper.GetString("redis.addr"),
			Password: viper.GetString("redis.password"),
			DB:       viper.GetInt("redis.db"),
		},
		JWT: JWTConfig{
			Secret:     viper.GetString("jwt.secret"),
			Expiration: viper.GetInt("jwt.expiration"),
		},
		RateLimit: RateLimitConfig{
			UploadPerHour: viper.GetInt("ratelimit.upload_per_hour"),
			StatusPerMin:  viper.GetInt("ratelimit.status_per_min"),
		},
		YouTube: YouTubeConfig{
			UploadBaseURL: viper.GetString("youtube.upload_base_url"),
			AccessToken:   viper.GetString("youtube.access_token"),
			QuotaLimit:    viper.GetInt64("youtube.quota_limit"),
			UploadCost:    viper.GetInt64("youtube.upload_cost"),
			ChunkSizeMiB:  viper.GetInt("youtube.chunk_size_mib"),
			MaxAttempts:   viper.GetInt("youtube.max_attempts"),
			Timezone:      viper.GetString("youtube.timezone"),
		},
		Upload: UploadConfig{
			TempDir:       viper.GetString("upload.temp_dir"),
			MaxFileSizeMB: viper.GetInt("upload.max_file_size_mb"),
		},
		R2: R2Config{
			AccountID:       viper.GetString("r2.account_id"),
			AccessKeyID:     viper.GetString("r2.access_key_id"),
			SecretAccessKey: viper.GetString("r2.secret_access_key"),
			BucketName:      viper.GetString("r2.bucket_name"),
			PublicURL:       viper.GetString("r2.public_url"),
		},
		OIDC: OIDCConfig{
			Domain:   viper.GetString("oidc.domain"),
			ClientID: viper.GetString("oidc.client_id"),
			Issuer:   viper.GetString("oidc.issuer"),
		},
		Gateway: GatewayConfig{
			Enabled: viper.GetBool("gateway.enabled"),
		},
	}

	return cfg, nil
}

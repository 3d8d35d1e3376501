package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default location of the service config.
const ConfigPath = "config.yaml"

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port           string `yaml:"port"`
	LogLevel       string `yaml:"logLevel"`
	DatabaseDriver string `yaml:"databaseDriver"`
	DatabaseURL    string `yaml:"databaseURL"`
	RedisAddr      string `yaml:"redisAddr"`
	RedisPassword  string `yaml:"redisPassword"`

	AuthJWKSURL string `yaml:"authJwksURL"`
	JWTIssuer   string `yaml:"jwtIssuer"`
	JWTAudience string `yaml:"jwtAudience"`
	JWTLeeway   string `yaml:"jwtLeeway"`

	GenerationProvider     string            `yaml:"generationProvider"`
	GenerationBaseURL      string            `yaml:"generationBaseURL"`
	GenerationAPIKey       string            `yaml:"generationAPIKey"`
	GenerationModel        string            `yaml:"generationModel"`
	ProviderTimeoutSeconds int               `yaml:"providerTimeoutSeconds"`
	MaxTokens              int               `yaml:"maxTokens"`
	ModelAliases           map[string]string `yaml:"modelAliases"`

	StorageDriver  string `yaml:"storageDriver"`
	StoragePath    string `yaml:"storagePath"`
	MinioEndpoint  string `yaml:"minioEndpoint"`
	MinioAccessKey string `yaml:"minioAccessKey"`
	MinioSecretKey string `yaml:"minioSecretKey"`
	MinioBucket    string `yaml:"minioBucket"`
	MinioUseSSL    bool   `yaml:"minioUseSSL"`

	MaxUploadBytes    int64    `yaml:"maxUploadBytes"`
	AllowedExtensions []string `yaml:"allowedExtensions"`

	QueueDriver      string `yaml:"queueDriver"`
	AMQPURL          string `yaml:"amqpURL"`
	QueueName        string `yaml:"queueName"`
	QueueGroup       string `yaml:"queueGroup"`
	QueueConcurrency int    `yaml:"queueConcurrency"`
	QueueMaxRetries  int    `yaml:"queueMaxRetries"`

	MessagesPerMinute        int      `yaml:"messagesPerMinute"`
	IdempotencyWindowSeconds int      `yaml:"idempotencyWindowSeconds"`
	RetrievalExcerptRunes    int      `yaml:"retrievalExcerptRunes"`
	AnalysisMaxRunes         int      `yaml:"analysisMaxRunes"`
	CORSAllowedOrigins       []string `yaml:"corsAllowedOrigins"`
	TrustedProxies           []string `yaml:"trustedProxies"`
}

// Load reads config from path (defaults to config.yaml). A missing file is
// allowed so the service can run from environment variables alone.
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return cfg, fmt.Errorf("read config: %w", err)
	}
	applyEnv(&cfg)
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *FileConfig) {
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	setString("PORT", &cfg.Port)
	setString("LOG_LEVEL", &cfg.LogLevel)
	setString("DATABASE_DRIVER", &cfg.DatabaseDriver)
	setString("DATABASE_URL", &cfg.DatabaseURL)
	setString("REDIS_ADDR", &cfg.RedisAddr)
	setString("REDIS_PASSWORD", &cfg.RedisPassword)
	setString("AUTH_JWKS_URL", &cfg.AuthJWKSURL)
	setString("JWT_ISSUER", &cfg.JWTIssuer)
	setString("JWT_AUDIENCE", &cfg.JWTAudience)
	setString("JWT_LEEWAY", &cfg.JWTLeeway)
	setString("GENERATION_PROVIDER", &cfg.GenerationProvider)
	setString("GENERATION_BASE_URL", &cfg.GenerationBaseURL)
	setString("GENERATION_API_KEY", &cfg.GenerationAPIKey)
	setString("GENERATION_MODEL", &cfg.GenerationModel)
	setInt("PROVIDER_TIMEOUT_SECONDS", &cfg.ProviderTimeoutSeconds)
	setInt("GENERATION_MAX_TOKENS", &cfg.MaxTokens)
	setString("STORAGE_DRIVER", &cfg.StorageDriver)
	setString("STORAGE_PATH", &cfg.StoragePath)
	setString("MINIO_ENDPOINT", &cfg.MinioEndpoint)
	setString("MINIO_ACCESS_KEY", &cfg.MinioAccessKey)
	setString("MINIO_SECRET_KEY", &cfg.MinioSecretKey)
	setString("MINIO_BUCKET", &cfg.MinioBucket)
	if v := os.Getenv("MINIO_USE_SSL"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.MinioUseSSL = b
		}
	}
	if v := os.Getenv("MAX_UPLOAD_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.MaxUploadBytes = n
		}
	}
	if v := os.Getenv("ALLOWED_EXTENSIONS"); v != "" {
		cfg.AllowedExtensions = splitList(v)
	}
	setString("QUEUE_DRIVER", &cfg.QueueDriver)
	setString("AMQP_URL", &cfg.AMQPURL)
	setString("QUEUE_NAME", &cfg.QueueName)
	setString("QUEUE_GROUP", &cfg.QueueGroup)
	setInt("QUEUE_CONCURRENCY", &cfg.QueueConcurrency)
	setInt("QUEUE_MAX_RETRIES", &cfg.QueueMaxRetries)
	setInt("MESSAGES_PER_MINUTE", &cfg.MessagesPerMinute)
	setInt("IDEMPOTENCY_WINDOW_SECONDS", &cfg.IdempotencyWindowSeconds)
	setInt("RETRIEVAL_EXCERPT_RUNES", &cfg.RetrievalExcerptRunes)
	setInt("ANALYSIS_MAX_RUNES", &cfg.AnalysisMaxRunes)
	if v := os.Getenv("CORS_ALLOWED_ORIGINS"); v != "" {
		cfg.CORSAllowedOrigins = splitList(v)
	}
	if v := os.Getenv("TRUSTED_PROXIES"); v != "" {
		cfg.TrustedProxies = splitList(v)
	}
}

func applyDefaults(cfg *FileConfig) {
	if cfg.Port == "" {
		cfg.Port = "8080"
	}
	if cfg.DatabaseDriver == "" {
		cfg.DatabaseDriver = "postgres"
	}
	if cfg.StorageDriver == "" {
		cfg.StorageDriver = "local"
	}
	if cfg.QueueDriver == "" {
		cfg.QueueDriver = "inline"
	}
	if cfg.ProviderTimeoutSeconds <= 0 {
		cfg.ProviderTimeoutSeconds = 60
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 10 << 20
	}
	if len(cfg.AllowedExtensions) == 0 {
		cfg.AllowedExtensions = []string{".pdf", ".docx", ".doc", ".txt", ".rtf", ".md", ".csv", ".json"}
	}
	if cfg.QueueName == "" {
		cfg.QueueName = "lexassist:extract"
	}
	if cfg.QueueGroup == "" {
		cfg.QueueGroup = "extractors"
	}
	if cfg.QueueConcurrency <= 0 {
		cfg.QueueConcurrency = 2
	}
	if cfg.QueueMaxRetries <= 0 {
		cfg.QueueMaxRetries = 3
	}
	if cfg.MessagesPerMinute <= 0 {
		cfg.MessagesPerMinute = 20
	}
	if cfg.IdempotencyWindowSeconds <= 0 {
		cfg.IdempotencyWindowSeconds = 600
	}
}

func validateConfig(cfg FileConfig) error {
	switch cfg.DatabaseDriver {
	case "postgres", "sqlite":
		if cfg.DatabaseURL == "" {
			return errors.New("config: databaseURL is required (set in config.yaml or DATABASE_URL)")
		}
	case "memory":
	default:
		return fmt.Errorf("config: databaseDriver must be postgres, sqlite or memory (got %q)", cfg.DatabaseDriver)
	}
	if cfg.AuthJWKSURL == "" {
		return errors.New("config: authJwksURL is required (set in config.yaml or AUTH_JWKS_URL)")
	}
	if _, err := ParseJWTLeeway(cfg.JWTLeeway); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if cfg.GenerationProvider == "" {
		return errors.New("config: generationProvider is required (set in config.yaml or GENERATION_PROVIDER)")
	}
	if cfg.GenerationModel == "" {
		return errors.New("config: generationModel is required (set in config.yaml or GENERATION_MODEL)")
	}
	switch cfg.StorageDriver {
	case "local":
		if cfg.StoragePath == "" {
			return errors.New("config: storagePath is required when storageDriver=local")
		}
	case "minio":
		if cfg.MinioEndpoint == "" || cfg.MinioBucket == "" {
			return errors.New("config: minioEndpoint and minioBucket are required when storageDriver=minio")
		}
	default:
		return fmt.Errorf("config: storageDriver must be local or minio (got %q)", cfg.StorageDriver)
	}
	switch cfg.QueueDriver {
	case "inline":
	case "redis":
		if cfg.RedisAddr == "" {
			return errors.New("config: redisAddr is required when queueDriver=redis")
		}
	case "amqp":
		if cfg.AMQPURL == "" {
			return errors.New("config: amqpURL is required when queueDriver=amqp")
		}
	default:
		return fmt.Errorf("config: queueDriver must be inline, redis or amqp (got %q)", cfg.QueueDriver)
	}
	for _, ext := range cfg.AllowedExtensions {
		if !strings.HasPrefix(strings.TrimSpace(ext), ".") {
			return fmt.Errorf("config: allowedExtensions entries must start with a dot (got %q)", ext)
		}
	}
	return nil
}

// ProviderTimeout returns the generation call deadline.
func (c FileConfig) ProviderTimeout() time.Duration {
	return time.Duration(c.ProviderTimeoutSeconds) * time.Second
}

// IdempotencyWindow returns how long create keys are remembered.
func (c FileConfig) IdempotencyWindow() time.Duration {
	return time.Duration(c.IdempotencyWindowSeconds) * time.Second
}

// ParseJWTLeeway parses optional JWT leeway duration string.
func ParseJWTLeeway(leewayStr string) (time.Duration, error) {
	if leewayStr == "" {
		return 0, nil
	}
	dur, err := time.ParseDuration(leewayStr)
	if err != nil {
		return 0, fmt.Errorf("invalid jwtLeeway duration: %w", err)
	}
	return dur, nil
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}

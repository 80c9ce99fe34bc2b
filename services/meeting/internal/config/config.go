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

// ConfigPath is the default config file location.
const ConfigPath = "config.yaml"

// Provider names accepted for transcription and generation.
const (
	ProviderOpenAI = "openai"
	ProviderOllama = "ollama"
	ProviderGemini = "gemini"
)

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port     string `yaml:"port"`
	LogLevel string `yaml:"logLevel"`
	LogsDir  string `yaml:"logsDir"`

	DatabaseURL    string `yaml:"databaseURL"`
	MinioEndpoint  string `yaml:"minioEndpoint"`
	MinioAccessKey string `yaml:"minioAccessKey"`
	MinioSecretKey string `yaml:"minioSecretKey"`
	MinioBucket    string `yaml:"minioBucket"`
	MinioUseSSL    bool   `yaml:"minioUseSSL"`
	PresignExpiry  string `yaml:"presignExpiry"`

	RedisAddr        string `yaml:"redisAddr"`
	RedisPassword    string `yaml:"redisPassword"`
	ScratchMaxBytes  int64  `yaml:"scratchMaxBytes"`
	ScratchTTL       string `yaml:"scratchTTL"`
	QueueEnabled     bool   `yaml:"queueEnabled"`
	QueueStream      string `yaml:"queueStream"`
	QueueConcurrency int    `yaml:"queueConcurrency"`

	TranscriptionProvider string `yaml:"transcriptionProvider"`
	TranscriptionModel    string `yaml:"transcriptionModel"`
	TranscriptionLanguage string `yaml:"transcriptionLanguage"`
	GenerationProvider    string `yaml:"generationProvider"`
	GenerationModel       string `yaml:"generationModel"`
	OpenAIBaseURL         string `yaml:"openaiBaseURL"`
	OpenAIAPIKey          string `yaml:"openaiAPIKey"`
	OllamaURL             string `yaml:"ollamaURL"`
	GeminiAPIKey          string `yaml:"geminiAPIKey"`
	GeminiBaseURL         string `yaml:"geminiBaseURL"`

	AuthJWKSURL string `yaml:"authJwksURL"`
	JWTSecret   string `yaml:"jwtSecret"`
	JWTIssuer   string `yaml:"jwtIssuer"`
	JWTAudience string `yaml:"jwtAudience"`
	JWTLeeway   string `yaml:"jwtLeeway"`

	CORSOrigins    []string `yaml:"corsOrigins"`
	TrustedProxies []string `yaml:"trustedProxies"`
	SliceDuration  string   `yaml:"sliceDuration"`
	MaxChunkBytes  int64    `yaml:"maxChunkBytes"`

	ChunkRateLimitPerMinute   int `yaml:"chunkRateLimitPerMinute"`
	UploadRateLimitPerMinute  int `yaml:"uploadRateLimitPerMinute"`
	ProcessRateLimitPerMinute int `yaml:"processRateLimitPerMinute"`
}

// Load reads config from path (defaults to config.yaml).
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	applyEnv(&cfg)
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Override with environment variables
func applyEnv(cfg *FileConfig) {
	if v := os.Getenv("MEETING_PORT"); v != "" {
		cfg.Port = v
	}
	if v := os.Getenv("MEETING_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("MINIO_ENDPOINT"); v != "" {
		cfg.MinioEndpoint = v
	}
	if v := os.Getenv("MINIO_ACCESS_KEY"); v != "" {
		cfg.MinioAccessKey = v
	}
	if v := os.Getenv("MINIO_SECRET_KEY"); v != "" {
		cfg.MinioSecretKey = v
	}
	if v := os.Getenv("MINIO_BUCKET"); v != "" {
		cfg.MinioBucket = v
	}
	if v := os.Getenv("MINIO_USE_SSL"); v == "true" {
		cfg.MinioUseSSL = true
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("MEETING_QUEUE_ENABLED"); v != "" {
		cfg.QueueEnabled = v == "true"
	}
	if v := os.Getenv("MEETING_QUEUE_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.QueueConcurrency = n
		}
	}
	if v := os.Getenv("MEETING_SCRATCH_MAX_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.ScratchMaxBytes = n
		}
	}
	if v := os.Getenv("OPENAI_BASE_URL"); v != "" {
		cfg.OpenAIBaseURL = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.OpenAIAPIKey = v
	}
	if v := os.Getenv("OLLAMA_URL"); v != "" {
		cfg.OllamaURL = v
	}
	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		cfg.GeminiAPIKey = v
	}
	if v := os.Getenv("MEETING_TRANSCRIPTION_MODEL"); v != "" {
		cfg.TranscriptionModel = v
	}
	if v := os.Getenv("MEETING_GENERATION_MODEL"); v != "" {
		cfg.GenerationModel = v
	}
	if v := os.Getenv("MEETING_JWT_SECRET"); v != "" {
		cfg.JWTSecret = v
	}
	if v := os.Getenv("MEETING_AUTH_JWKS_URL"); v != "" {
		cfg.AuthJWKSURL = v
	}
	if v := os.Getenv("MEETING_CORS_ORIGINS"); v != "" {
		cfg.CORSOrigins = splitCSV(v)
	}
	if v := os.Getenv("MEETING_TRUSTED_PROXIES"); v != "" {
		cfg.TrustedProxies = splitCSV(v)
	}
}

func applyDefaults(cfg *FileConfig) {
	if cfg.TranscriptionProvider == "" {
		cfg.TranscriptionProvider = ProviderOpenAI
	}
	if cfg.GenerationProvider == "" {
		cfg.GenerationProvider = ProviderOpenAI
	}
	if cfg.QueueConcurrency == 0 {
		cfg.QueueConcurrency = 2
	}
	cfg.TranscriptionProvider = strings.ToLower(strings.TrimSpace(cfg.TranscriptionProvider))
	cfg.GenerationProvider = strings.ToLower(strings.TrimSpace(cfg.GenerationProvider))
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	if cfg.MinioEndpoint != "" {
		if cfg.MinioAccessKey == "" {
			return errors.New("config: minioAccessKey is required when minioEndpoint is set")
		}
		if cfg.MinioSecretKey == "" {
			return errors.New("config: minioSecretKey is required when minioEndpoint is set")
		}
		if cfg.MinioBucket == "" {
			return errors.New("config: minioBucket is required when minioEndpoint is set")
		}
	}
	if cfg.QueueEnabled && cfg.RedisAddr == "" {
		return errors.New("config: redisAddr is required when queueEnabled is true")
	}
	if cfg.QueueConcurrency < 0 {
		return errors.New("config: queueConcurrency must be >= 0")
	}
	if cfg.ScratchMaxBytes < 0 || cfg.MaxChunkBytes < 0 {
		return errors.New("config: scratchMaxBytes and maxChunkBytes must be >= 0")
	}
	if cfg.ChunkRateLimitPerMinute < 0 || cfg.UploadRateLimitPerMinute < 0 || cfg.ProcessRateLimitPerMinute < 0 {
		return errors.New("config: rate limits must be >= 0")
	}
	if rateLimited(cfg) && cfg.RedisAddr == "" {
		return errors.New("config: redisAddr is required when a rate limit is set")
	}

	switch cfg.TranscriptionProvider {
	case ProviderOpenAI:
		if cfg.OpenAIAPIKey == "" {
			return errors.New("config: openaiAPIKey is required (set in config.yaml or OPENAI_API_KEY)")
		}
	case ProviderGemini:
		if cfg.GeminiAPIKey == "" {
			return errors.New("config: geminiAPIKey is required (set in config.yaml or GEMINI_API_KEY)")
		}
	default:
		return fmt.Errorf("config: transcriptionProvider %q is not supported (openai, gemini)", cfg.TranscriptionProvider)
	}
	switch cfg.GenerationProvider {
	case ProviderOpenAI:
		if cfg.OpenAIAPIKey == "" {
			return errors.New("config: openaiAPIKey is required (set in config.yaml or OPENAI_API_KEY)")
		}
	case ProviderOllama:
		if cfg.OllamaURL == "" {
			return errors.New("config: ollamaURL is required when generationProvider is ollama")
		}
	case ProviderGemini:
		if cfg.GeminiAPIKey == "" {
			return errors.New("config: geminiAPIKey is required (set in config.yaml or GEMINI_API_KEY)")
		}
	default:
		return fmt.Errorf("config: generationProvider %q is not supported (openai, ollama, gemini)", cfg.GenerationProvider)
	}
	if cfg.TranscriptionModel == "" {
		return errors.New("config: transcriptionModel is required (set in config.yaml)")
	}
	if cfg.GenerationModel == "" {
		return errors.New("config: generationModel is required (set in config.yaml)")
	}

	if (cfg.AuthJWKSURL == "") == (cfg.JWTSecret == "") {
		return errors.New("config: exactly one of authJwksURL or jwtSecret is required")
	}
	for name, value := range map[string]string{
		"jwtLeeway":     cfg.JWTLeeway,
		"presignExpiry": cfg.PresignExpiry,
		"scratchTTL":    cfg.ScratchTTL,
		"sliceDuration": cfg.SliceDuration,
	} {
		if _, err := ParseDuration(name, value); err != nil {
			return fmt.Errorf("config: %w", err)
		}
	}
	return nil
}

func rateLimited(cfg FileConfig) bool {
	return cfg.ChunkRateLimitPerMinute > 0 || cfg.UploadRateLimitPerMinute > 0 || cfg.ProcessRateLimitPerMinute > 0
}

// ParseJWTLeeway parses optional JWT leeway duration string.
func ParseJWTLeeway(leewayStr string) (time.Duration, error) {
	return ParseDuration("jwtLeeway", leewayStr)
}

// ParseDuration parses an optional duration field. Empty means zero.
func ParseDuration(name, value string) (time.Duration, error) {
	if strings.TrimSpace(value) == "" {
		return 0, nil
	}
	dur, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("invalid %s duration: %w", name, err)
	}
	if dur < 0 {
		return 0, fmt.Errorf("invalid %s duration: must not be negative", name)
	}
	return dur, nil
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
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

package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
)

// Config 聚合整个服务的配置项。
type Config struct {
	Server ServerConfig
	Relay  RelayConfig
	Audit  AuditConfig
	Review ReviewConfig
}

// Load 从环境变量加载配置。
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	relay, err := loadRelayConfig()
	if err != nil {
		return nil, err
	}

	audit, err := loadAuditConfig()
	if err != nil {
		return nil, err
	}

	review, err := loadReviewConfig()
	if err != nil {
		return nil, err
	}

	return &Config{Server: server, Relay: relay, Audit: audit, Review: review}, nil
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Addr           string
	AllowedOrigins []string
}

// loadServerConfig 解析服务器监听地址与允许的跨域来源。
func loadServerConfig() (ServerConfig, error) {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8080"
	}

	var addr string
	switch {
	case strings.Contains(port, ":"):
		// 允许用户直接传入 ":8080" 或 "127.0.0.1:8080"。
		addr = port
	case strings.Contains(port, " "):
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	default:
		addr = ":" + port
	}

	return ServerConfig{
		Addr:           addr,
		AllowedOrigins: parseListEnv("ALLOWED_ORIGINS"),
	}, nil
}

// RelayConfig 描述在线状态与交易状态机的计时参数。
type RelayConfig struct {
	PresenceTTL          time.Duration
	SweepInterval        time.Duration
	DecisionTimeout      time.Duration
	TransactionRetention time.Duration
	SinkQueueSize        int
}

func loadRelayConfig() (RelayConfig, error) {
	ttl, err := parseDurationEnv("PRESENCE_TTL", 60*time.Second)
	if err != nil {
		return RelayConfig{}, err
	}
	sweep, err := parseDurationEnv("PRESENCE_SWEEP_INTERVAL", 30*time.Second)
	if err != nil {
		return RelayConfig{}, err
	}
	// 0 关闭超时
	timeout, err := parseDurationEnv("DECISION_TIMEOUT", 5*time.Minute)
	if err != nil {
		return RelayConfig{}, err
	}
	retention, err := parseDurationEnv("TRANSACTION_RETENTION", 10*time.Minute)
	if err != nil {
		return RelayConfig{}, err
	}

	queueSize := 64
	if override, err := parseOptionalIntEnv("SINK_QUEUE_SIZE"); err != nil {
		return RelayConfig{}, err
	} else if override != nil {
		if *override < 1 {
			return RelayConfig{}, fmt.Errorf("invalid SINK_QUEUE_SIZE value %d: must be positive", *override)
		}
		queueSize = *override
	}

	if ttl <= 0 || sweep <= 0 {
		return RelayConfig{}, fmt.Errorf("PRESENCE_TTL and PRESENCE_SWEEP_INTERVAL must be positive")
	}

	return RelayConfig{
		PresenceTTL:          ttl,
		SweepInterval:        sweep,
		DecisionTimeout:      timeout,
		TransactionRetention: retention,
		SinkQueueSize:        queueSize,
	}, nil
}

// AuditConfig 描述交易历史的存储位置。RedisAddr 为空时使用内存。
type AuditConfig struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	HistoryLimit  int
	TTL           time.Duration
}

// UseRedis 表示是否配置了 Redis。
func (c AuditConfig) UseRedis() bool {
	return c.RedisAddr != ""
}

func loadAuditConfig() (AuditConfig, error) {
	db := 0
	if override, err := parseOptionalIntEnv("REDIS_DB"); err != nil {
		return AuditConfig{}, err
	} else if override != nil {
		db = *override
	}

	limit := 50
	if override, err := parseOptionalIntEnv("AUDIT_HISTORY_LIMIT"); err != nil {
		return AuditConfig{}, err
	} else if override != nil {
		if *override < 1 {
			limit = 1
		} else {
			limit = *override
		}
	}

	ttl, err := parseDurationEnv("AUDIT_TTL", 7*24*time.Hour)
	if err != nil {
		return AuditConfig{}, err
	}

	return AuditConfig{
		RedisAddr:     strings.TrimSpace(os.Getenv("REDIS_ADDR")),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       db,
		HistoryLimit:  limit,
		TTL:           ttl,
	}, nil
}

// ReviewConfig 描述操作台审核备注所用的大模型配置。
type ReviewConfig struct {
	LLMEnabled  bool
	APIKey      string
	AccessKey   string
	SecretKey   string
	Model       string
	BaseURL     string
	Region      string
	Temperature *float64
	MaxTokens   *int
}

// Enabled 表示是否提供了必需的密钥。
func (c ReviewConfig) Enabled() bool {
	return c.Model != "" && (c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != ""))
}

// NewChatModel 使用配置创建一个模型实例。
func (c ReviewConfig) NewChatModel(ctx context.Context) (model.ChatModel, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("Ark 凭证或模型配置缺失，至少提供 ARK_API_KEY + Model 或 AK/SK 组合")
	}

	var temperature *float32
	if c.Temperature != nil {
		val := float32(*c.Temperature)
		temperature = &val
	}

	cfg := &ark.ChatModelConfig{
		BaseURL:     c.BaseURL,
		Region:      c.Region,
		APIKey:      c.APIKey,
		AccessKey:   c.AccessKey,
		SecretKey:   c.SecretKey,
		Model:       c.Model,
		MaxTokens:   c.MaxTokens,
		Temperature: temperature,
	}

	return ark.NewChatModel(ctx, cfg)
}

func loadReviewConfig() (ReviewConfig, error) {
	enabled, err := parseBoolEnv("REVIEW_LLM_ENABLED", false)
	if err != nil {
		return ReviewConfig{}, err
	}

	temperature, err := parseOptionalFloatEnv("ARK_TEMPERATURE")
	if err != nil {
		return ReviewConfig{}, err
	}

	maxTokens, err := parseOptionalIntEnv("ARK_MAX_TOKENS")
	if err != nil {
		return ReviewConfig{}, err
	}

	return ReviewConfig{
		LLMEnabled:  enabled,
		APIKey:      strings.TrimSpace(os.Getenv("ARK_API_KEY")),
		AccessKey:   strings.TrimSpace(os.Getenv("ARK_ACCESS_KEY")),
		SecretKey:   strings.TrimSpace(os.Getenv("ARK_SECRET_KEY")),
		Model:       strings.TrimSpace(os.Getenv("Model")),
		BaseURL:     getEnvOrDefault("ARK_BASE_URL", "https://ark.cn-beijing.volces.com/api/v3"),
		Region:      getEnvOrDefault("ARK_REGION", "cn-beijing"),
		Temperature: temperature,
		MaxTokens:   maxTokens,
	}, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseBoolEnv(key string, defaultValue bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

// parseDurationEnv accepts Go durations ("90s") or bare seconds ("90").
func parseDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	if secs, err := strconv.Atoi(raw); err == nil {
		if secs < 0 {
			return 0, fmt.Errorf("invalid %s value %q: must not be negative", key, raw)
		}
		return time.Duration(secs) * time.Second, nil
	}

	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	if val < 0 {
		return 0, fmt.Errorf("invalid %s value %q: must not be negative", key, raw)
	}
	return val, nil
}

func parseListEnv(key string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}

	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseOptionalFloatEnv(key string) (*float64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

// 未匹配 webhook 事件的处理策略
const (
	UnmatchedPolicyAck    = "ack"
	UnmatchedPolicyReject = "reject"
)

// 支付提供方
const (
	ProviderStripe = "stripe"
	ProviderFake   = "fake"
)

// Config 应用配置结构
type Config struct {
	// 环境配置
	Environment    string
	Port           string
	RequestTimeout time.Duration

	// 数据库配置
	UseLocalDB   bool
	LocalDataDir string
	PostgresDSN  string
	SupabaseURL  string
	SupabaseKey  string

	// 认证服务签发令牌的校验密钥
	SupabaseJWTSecret string

	// 支付配置
	PaymentProvider     string
	StripeSecretKey     string
	StripeWebhookSecret string
	BaseURL             string // 基础URL，用于构建结账回跳地址

	// Webhook 配置
	RedisURL               string
	DeferredEventTTL       time.Duration
	WebhookUnmatchedPolicy string

	// CORS配置
	AllowedOrigins []string

	// 日志与调试配置
	LogLevel string
	Debug    bool
}

// LoadConfig 加载配置（支持本地和Vercel环境）
func LoadConfig() *Config {
	// 根据环境加载对应的 .env 文件；已存在的环境变量不会被覆盖
	env := os.Getenv("ENVIRONMENT")
	if env == "" {
		env = "development"
	}
	switch env {
	case "production":
		loadEnvFiles(".env.production")
	default:
		loadEnvFiles(".env.local", ".env")
	}

	config := &Config{
		Environment:    getEnvWithDefault("ENVIRONMENT", "development"),
		Port:           getEnvWithDefault("PORT", "3000"),
		RequestTimeout: getEnvDuration("REQUEST_TIMEOUT", 25*time.Second),
		UseLocalDB:     getEnvBool("USE_LOCAL_DB", false),
		LocalDataDir:   strings.TrimSpace(os.Getenv("LOCAL_DATA_DIR")),
		LogLevel:       getEnvWithDefault("LOG_LEVEL", "info"),
		Debug:          getEnvBool("DEBUG", false),
	}

	// 数据库配置
	// Trim whitespace to avoid trailing spaces/newlines from env sources
	config.PostgresDSN = strings.TrimSpace(os.Getenv("POSTGRES_DSN"))
	config.SupabaseURL = strings.TrimSpace(os.Getenv("SUPABASE_URL"))
	config.SupabaseKey = strings.TrimSpace(os.Getenv("SUPABASE_SERVICE_KEY"))
	config.SupabaseJWTSecret = strings.TrimSpace(os.Getenv("SUPABASE_JWT_SECRET"))

	// 支付配置
	config.StripeSecretKey = strings.TrimSpace(os.Getenv("STRIPE_SECRET_KEY"))
	config.StripeWebhookSecret = strings.TrimSpace(os.Getenv("STRIPE_WEBHOOK_SECRET"))
	config.BaseURL = strings.TrimRight(strings.TrimSpace(os.Getenv("BASE_URL")), "/")
	config.PaymentProvider = strings.ToLower(getEnvWithDefault("PAYMENT_PROVIDER", ProviderStripe))

	// Webhook 配置
	config.RedisURL = strings.TrimSpace(os.Getenv("REDIS_URL"))
	config.DeferredEventTTL = getEnvDuration("DEFERRED_EVENT_TTL", 72*time.Hour)
	config.WebhookUnmatchedPolicy = strings.ToLower(getEnvWithDefault("WEBHOOK_UNMATCHED_POLICY", UnmatchedPolicyAck))

	// CORS配置
	allowedOrigins := getEnvWithDefault("ALLOWED_ORIGINS", "*")
	if allowedOrigins == "*" {
		config.AllowedOrigins = []string{"*"}
	} else {
		for _, origin := range strings.Split(allowedOrigins, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				config.AllowedOrigins = append(config.AllowedOrigins, origin)
			}
		}
	}

	// 生产环境关闭调试与本地存储
	if config.IsProduction() {
		config.Debug = false
		config.UseLocalDB = false
	}

	return config
}

// Cached config (initialized once per cold start)
var (
	cachedConfig *Config
	configOnce   sync.Once
)

// GetCached returns the process-wide cached Config.
// On serverless (Vercel), it initializes once per cold start and
// reuses it across warm invocations, avoiding per-request parsing.
func GetCached() *Config {
	configOnce.Do(func() {
		cachedConfig = LoadConfig()
	})
	return cachedConfig
}

// Validate 验证配置
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT is required")
	}

	// 验证数据库配置
	if c.PostgresDSN == "" && (c.SupabaseURL == "" || c.SupabaseKey == "") && !c.UseLocalDB {
		return fmt.Errorf("数据库配置不完整：请配置 POSTGRES_DSN 或 SUPABASE_URL+SUPABASE_SERVICE_KEY")
	}

	if c.SupabaseJWTSecret == "" {
		return fmt.Errorf("SUPABASE_JWT_SECRET is required to verify user tokens")
	}

	switch c.PaymentProvider {
	case ProviderStripe:
		if c.StripeSecretKey == "" {
			return fmt.Errorf("STRIPE_SECRET_KEY is required")
		}
	case ProviderFake:
		if c.IsProduction() {
			return fmt.Errorf("PAYMENT_PROVIDER=fake is not allowed in production")
		}
	default:
		return fmt.Errorf("unknown PAYMENT_PROVIDER %q", c.PaymentProvider)
	}

	if c.StripeWebhookSecret == "" {
		return fmt.Errorf("STRIPE_WEBHOOK_SECRET is required")
	}

	if c.BaseURL == "" {
		return fmt.Errorf("BASE_URL is required to build checkout redirect URLs")
	}

	if c.WebhookUnmatchedPolicy != UnmatchedPolicyAck && c.WebhookUnmatchedPolicy != UnmatchedPolicyReject {
		return fmt.Errorf("WEBHOOK_UNMATCHED_POLICY must be %q or %q", UnmatchedPolicyAck, UnmatchedPolicyReject)
	}

	if c.IsProduction() && c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL is required in production for the deferred webhook buffer")
	}

	return nil
}

// IsProduction 检查是否为生产环境
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// IsDevelopment 检查是否为开发环境
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// CheckoutSuccessURL 结账成功回跳地址，{CHECKOUT_SESSION_ID} 由支付方替换
func (c *Config) CheckoutSuccessURL() string {
	return c.BaseURL + "/billing/success?session_id={CHECKOUT_SESSION_ID}"
}

// CheckoutCancelURL 结账取消回跳地址
func (c *Config) CheckoutCancelURL() string {
	return c.BaseURL + "/pricing?canceled=true"
}

// 辅助函数

// getEnvWithDefault 获取环境变量，如果不存在则使用默认值
func getEnvWithDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool 获取布尔类型的环境变量
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getEnvDuration 获取时长类型的环境变量（如 "25s"、"72h"）
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil && parsed > 0 {
			return parsed
		}
	}
	return defaultValue
}

// loadEnvFiles 加载存在的 .env 文件；godotenv.Load 不覆盖已设置的变量
func loadEnvFiles(filenames ...string) {
	for _, filename := range filenames {
		if _, err := os.Stat(filename); err != nil {
			continue
		}
		_ = godotenv.Load(filename)
	}
}

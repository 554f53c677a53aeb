package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// CreditPackage is one purchasable bundle of credits.
type CreditPackage struct {
	Price   decimal.Decimal
	Credits int
}

// Config aggregates runtime configuration for the bot and supporting services.
type Config struct {
	BotToken string
	LogLevel string

	LedgerDriver    string
	MySQLDSN        string
	PostgresDSN     string
	FreeGenerations int

	GatewayBaseURL string
	GatewayShopID  string
	GatewaySecret  string
	GatewayTimeout time.Duration
	GatewayRPS     float64

	PaymentCurrency    string
	CreditPackages     []CreditPackage
	PollInterval       time.Duration
	PollRetryInterval  time.Duration
	PaymentReviewAfter time.Duration
	SupportContact     string

	KIEAPIKey      string
	KIEBaseURL     string
	RequestTimeout time.Duration

	Flux2Cost           int
	Flux2Timeout        time.Duration
	NanoBananaCost      int
	NanoBananaTimeout   time.Duration
	MaxBatchSize        int
	MaxConcurrentUnits  int
	DefaultAspectRatio  string
	DefaultResolution   string
	DefaultOutputFormat string
	NotificationTimeout time.Duration

	HTTPListenAddr string
	AdminUsername  string
	AdminPassword  string

	S3Endpoint      string
	S3Region        string
	S3AccessKey     string
	S3SecretKey     string
	S3Bucket        string
	S3PublicBaseURL string
	S3UsePathStyle  bool
	S3Prefix        string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

// MirrorEnabled reports whether generated results should be copied into S3.
func (c Config) MirrorEnabled() bool {
	return c.S3Bucket != "" && c.S3Region != "" && c.S3AccessKey != "" && c.S3SecretKey != "" && c.S3PublicBaseURL != ""
}

// Load reads configuration from environment variables, applying sane defaults.
func Load() (Config, error) {
	if err := loadEnvFile(); err != nil {
		return Config{}, err
	}

	const defaultKIEBaseURL = "https://api.kie.ai"

	packages, err := parseCreditPackages(getEnv("CREDIT_PACKAGES", "299.00:50,499.00:100,999.00:250"))
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		LogLevel:            getEnv("LOG_LEVEL", "info"),
		LedgerDriver:        strings.ToLower(getEnv("LEDGER_DRIVER", "mysql")),
		FreeGenerations:     getInt("FREE_GENERATIONS", 3),
		GatewayBaseURL:      strings.TrimRight(getEnv("GATEWAY_BASE_URL", ""), "/"),
		GatewayTimeout:      time.Second * time.Duration(getInt("GATEWAY_TIMEOUT_SECONDS", 5)),
		GatewayRPS:          getFloat("GATEWAY_RPS", 5),
		PaymentCurrency:     strings.ToUpper(getEnv("PAYMENT_CURRENCY", "RUB")),
		CreditPackages:      packages,
		PollInterval:        time.Second * time.Duration(getInt("POLL_INTERVAL_SECONDS", 45)),
		PollRetryInterval:   time.Second * time.Duration(getInt("POLL_RETRY_INTERVAL_SECONDS", 15)),
		PaymentReviewAfter:  time.Hour * time.Duration(getInt("PAYMENT_REVIEW_AFTER_HOURS", 24)),
		SupportContact:      getEnv("SUPPORT_CONTACT", "@support"),
		KIEBaseURL:          normalizeKIEBaseURL(getEnv("KIE_BASE_URL", defaultKIEBaseURL), defaultKIEBaseURL),
		RequestTimeout:      time.Second * time.Duration(getInt("HTTP_TIMEOUT_SECONDS", 60)),
		Flux2Cost:           getInt("MODEL_COST_FLUX2", 5),
		Flux2Timeout:        time.Second * time.Duration(getInt("MODEL_TIMEOUT_SECONDS_FLUX2", 120)),
		NanoBananaCost:      getInt("MODEL_COST_NANO_BANANA", 5),
		NanoBananaTimeout:   time.Second * time.Duration(getInt("MODEL_TIMEOUT_SECONDS_NANO_BANANA", 180)),
		MaxBatchSize:        getInt("MAX_BATCH_SIZE", 4),
		MaxConcurrentUnits:  getInt("MAX_CONCURRENT_UNITS", 4),
		DefaultAspectRatio:  getEnv("DEFAULT_ASPECT_RATIO", "1:1"),
		DefaultResolution:   getEnv("DEFAULT_RESOLUTION", "1K"),
		DefaultOutputFormat: getEnv("DEFAULT_OUTPUT_FORMAT", "png"),
		NotificationTimeout: time.Second * time.Duration(getInt("NOTIFICATION_TIMEOUT_SECONDS", 10)),
		HTTPListenAddr:      getEnv("HTTP_LISTEN_ADDR", ":8080"),
		AdminUsername:       getEnv("ADMIN_USERNAME", "admin"),
		AdminPassword:       getEnv("ADMIN_PASSWORD", "change-me"),
		S3Endpoint:          getEnv("S3_ENDPOINT", ""),
		S3Region:            os.Getenv("S3_REGION"),
		S3AccessKey:         os.Getenv("S3_ACCESS_KEY"),
		S3SecretKey:         os.Getenv("S3_SECRET_KEY"),
		S3Bucket:            os.Getenv("S3_BUCKET"),
		S3PublicBaseURL:     os.Getenv("S3_PUBLIC_BASE_URL"),
		S3UsePathStyle:      getBool("S3_USE_PATH_STYLE", false),
		S3Prefix:            getEnv("S3_PREFIX", "results"),
		RedisAddr:           os.Getenv("REDIS_ADDR"),
		RedisPassword:       os.Getenv("REDIS_PASSWORD"),
		RedisDB:             getInt("REDIS_DB", 0),
	}

	cfg.BotToken = os.Getenv("TELEGRAM_BOT_TOKEN")
	cfg.MySQLDSN = os.Getenv("MYSQL_DSN")
	cfg.PostgresDSN = os.Getenv("POSTGRES_DSN")
	cfg.GatewayShopID = os.Getenv("GATEWAY_SHOP_ID")
	cfg.GatewaySecret = os.Getenv("GATEWAY_SECRET")
	cfg.KIEAPIKey = os.Getenv("KIE_API_KEY")

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	var missing []string
	if c.BotToken == "" {
		missing = append(missing, "TELEGRAM_BOT_TOKEN")
	}
	switch c.LedgerDriver {
	case "mysql":
		if c.MySQLDSN == "" {
			missing = append(missing, "MYSQL_DSN")
		}
	case "postgres":
		if c.PostgresDSN == "" {
			missing = append(missing, "POSTGRES_DSN")
		}
	case "memory":
	default:
		return fmt.Errorf("unsupported LEDGER_DRIVER: %s", c.LedgerDriver)
	}
	if c.GatewayBaseURL == "" {
		missing = append(missing, "GATEWAY_BASE_URL")
	}
	if c.GatewayShopID == "" {
		missing = append(missing, "GATEWAY_SHOP_ID")
	}
	if c.GatewaySecret == "" {
		missing = append(missing, "GATEWAY_SECRET")
	}
	if c.KIEAPIKey == "" {
		missing = append(missing, "KIE_API_KEY")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %v", missing)
	}

	if c.MaxBatchSize <= 0 {
		return fmt.Errorf("MAX_BATCH_SIZE must be positive")
	}
	if c.MaxConcurrentUnits <= 0 {
		return fmt.Errorf("MAX_CONCURRENT_UNITS must be positive")
	}
	if c.FreeGenerations < 0 {
		return fmt.Errorf("FREE_GENERATIONS cannot be negative")
	}
	return nil
}

// parseCreditPackages reads "price:credits" pairs separated by commas, e.g. "299.00:50,499.00:100".
func parseCreditPackages(raw string) ([]CreditPackage, error) {
	var packages []CreditPackage
	for _, item := range strings.Split(raw, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		priceRaw, creditsRaw, ok := strings.Cut(item, ":")
		if !ok {
			return nil, fmt.Errorf("credit package %q: expected price:credits", item)
		}
		price, err := decimal.NewFromString(strings.TrimSpace(priceRaw))
		if err != nil {
			return nil, fmt.Errorf("credit package %q: parse price: %w", item, err)
		}
		if !price.IsPositive() {
			return nil, fmt.Errorf("credit package %q: price must be positive", item)
		}
		credits, err := strconv.Atoi(strings.TrimSpace(creditsRaw))
		if err != nil {
			return nil, fmt.Errorf("credit package %q: parse credits: %w", item, err)
		}
		if credits <= 0 {
			return nil, fmt.Errorf("credit package %q: credits must be positive", item)
		}
		packages = append(packages, CreditPackage{Price: price, Credits: credits})
	}
	if len(packages) == 0 {
		return nil, fmt.Errorf("no credit packages configured")
	}
	return packages, nil
}

// normalizeKIEBaseURL ensures we always hit the documented API host. Some docs and UI pages
// use the root kie.ai domain, which returns HTML instead of JSON and causes 404s.
func normalizeKIEBaseURL(raw string, fallback string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		return fallback
	}

	if parsed.Scheme == "" {
		parsed.Scheme = "https"
	}
	if parsed.Host == "" {
		parsed.Host = parsed.Path
		parsed.Path = ""
	}

	if parsed.Host == "kie.ai" {
		parsed.Host = "api.kie.ai"
	}

	return parsed.String()
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func getFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func getBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

// loadEnvFile overloads the environment from the first env file found. A missing file is
// only an error when CONFIG_ENV_PATH points at it explicitly.
func loadEnvFile() error {
	if custom, ok := os.LookupEnv("CONFIG_ENV_PATH"); ok && custom != "" {
		if err := godotenv.Overload(custom); err != nil {
			return fmt.Errorf("load env file %s: %w", custom, err)
		}
		return nil
	}

	candidates := []string{
		filepath.Join("configs", ".env"),
		".env",
	}
	for _, path := range candidates {
		info, err := os.Stat(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return fmt.Errorf("access env file %s: %w", path, err)
		}
		if info.IsDir() {
			continue
		}
		if err := godotenv.Overload(path); err != nil {
			return fmt.Errorf("load env file %s: %w", path, err)
		}
		return nil
	}
	return nil
}

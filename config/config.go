package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents runtime configuration for the rewards service. Values
// come from an optional TOML file with environment variables layered on top.
type Config struct {
	Port        string `toml:"Port"`
	DatabaseURL string `toml:"DatabaseURL"`
	Env         string `toml:"Env"`
	LogFile     string `toml:"LogFile"`

	JWTSecret string `toml:"JWTSecret"`
	JWTIssuer string `toml:"JWTIssuer"`
	DevAuth   bool   `toml:"DevAuth"`

	OTPTTLSeconds         int     `toml:"OTPTTLSeconds"`
	QRTTLSeconds          int     `toml:"QRTTLSeconds"`
	DefaultCheckInRadiusM float64 `toml:"DefaultCheckInRadiusM"`
	VerifyRatePerMinute   int     `toml:"VerifyRatePerMinute"`
	VerifyRateBurst       int     `toml:"VerifyRateBurst"`

	WalletBaseURL        string `toml:"WalletBaseURL"`
	WalletAPIKey         string `toml:"WalletAPIKey"`
	WalletTimeoutSeconds int    `toml:"WalletTimeoutSeconds"`

	ReconRunHour   int `toml:"ReconRunHour"`
	ReconRunMinute int `toml:"ReconRunMinute"`
}

// OTPTTL returns the one-time code lifetime.
func (c *Config) OTPTTL() time.Duration {
	return time.Duration(c.OTPTTLSeconds) * time.Second
}

// QRTTL returns the QR token lifetime. Zero means tokens do not expire.
func (c *Config) QRTTL() time.Duration {
	return time.Duration(c.QRTTLSeconds) * time.Second
}

// WalletTimeout returns the wallet client request timeout.
func (c *Config) WalletTimeout() time.Duration {
	return time.Duration(c.WalletTimeoutSeconds) * time.Second
}

// Load reads configuration from the file at REZ_CONFIG (when set) and then
// applies environment overrides.
func Load() (*Config, error) {
	cfg := defaults()
	if path := strings.TrimSpace(os.Getenv("REZ_CONFIG")); path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}
	applyEnv(cfg)
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Port:                 "8080",
		Env:                  "development",
		JWTIssuer:            "rezrewards",
		OTPTTLSeconds:        600,
		VerifyRatePerMinute:  30,
		VerifyRateBurst:      10,
		WalletTimeoutSeconds: 10,
		ReconRunHour:         3,
	}
}

func applyEnv(cfg *Config) {
	cfg.Port = normalizePort(getEnvDefault("REZ_PORT", cfg.Port))
	cfg.DatabaseURL = getEnvDefault("REZ_DB_URL", cfg.DatabaseURL)
	cfg.Env = getEnvDefault("REZ_ENV", cfg.Env)
	cfg.LogFile = getEnvDefault("REZ_LOG_FILE", cfg.LogFile)

	cfg.JWTSecret = getEnvDefault("REZ_JWT_SECRET", cfg.JWTSecret)
	cfg.JWTIssuer = getEnvDefault("REZ_JWT_ISSUER", cfg.JWTIssuer)
	cfg.DevAuth = parseBoolEnv("REZ_DEV_AUTH", cfg.DevAuth || cfg.Env == "development")

	cfg.OTPTTLSeconds = parseIntEnv("REZ_OTP_TTL_SECONDS", cfg.OTPTTLSeconds)
	cfg.QRTTLSeconds = parseIntEnv("REZ_QR_TTL_SECONDS", cfg.QRTTLSeconds)
	cfg.DefaultCheckInRadiusM = parseFloatEnv("REZ_CHECKIN_RADIUS_M", cfg.DefaultCheckInRadiusM)
	cfg.VerifyRatePerMinute = parseIntEnv("REZ_VERIFY_RATE_PER_MINUTE", cfg.VerifyRatePerMinute)
	cfg.VerifyRateBurst = parseIntEnv("REZ_VERIFY_RATE_BURST", cfg.VerifyRateBurst)

	cfg.WalletBaseURL = getEnvDefault("REZ_WALLET_BASE_URL", cfg.WalletBaseURL)
	cfg.WalletAPIKey = getEnvDefault("REZ_WALLET_API_KEY", cfg.WalletAPIKey)
	cfg.WalletTimeoutSeconds = parseIntEnv("REZ_WALLET_TIMEOUT_SECONDS", cfg.WalletTimeoutSeconds)

	cfg.ReconRunHour = parseIntEnv("REZ_RECON_RUN_HOUR", cfg.ReconRunHour)
	cfg.ReconRunMinute = parseIntEnv("REZ_RECON_RUN_MINUTE", cfg.ReconRunMinute)
}

func validate(cfg *Config) error {
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		return fmt.Errorf("REZ_DB_URL is required")
	}
	if strings.TrimSpace(cfg.JWTSecret) == "" && !cfg.DevAuth {
		return fmt.Errorf("REZ_JWT_SECRET is required outside dev auth mode")
	}
	if cfg.OTPTTLSeconds <= 0 {
		return fmt.Errorf("REZ_OTP_TTL_SECONDS must be positive")
	}
	if cfg.ReconRunHour < 0 || cfg.ReconRunHour > 23 {
		return fmt.Errorf("REZ_RECON_RUN_HOUR must be between 0 and 23")
	}
	if cfg.ReconRunMinute < 0 || cfg.ReconRunMinute > 59 {
		return fmt.Errorf("REZ_RECON_RUN_MINUTE must be between 0 and 59")
	}
	return nil
}

func getEnvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func normalizePort(port string) string {
	if port == "" {
		return "8080"
	}
	if _, err := strconv.Atoi(port); err == nil {
		return port
	}
	return strings.TrimPrefix(port, ":")
}

func parseIntEnv(key string, def int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return def
}

func parseFloatEnv(key string, def float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return def
}

func parseBoolEnv(key string, def bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return def
}

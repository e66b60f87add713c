// Package config loads service configuration from an optional YAML file,
// a .env file and the process environment, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/Tephh/tephh-s-digital-vault-8a7fb077/internal/khqr"
)

// Config is the full service configuration
type Config struct {
	Service  ServiceConfig  `mapstructure:"service"`
	Merchant MerchantConfig `mapstructure:"merchant"`
	Payment  PaymentConfig  `mapstructure:"payment"`
	Store    StoreConfig    `mapstructure:"store"`
	Bakong   BakongConfig   `mapstructure:"bakong"`
	Telegram TelegramConfig `mapstructure:"telegram"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Webhook  WebhookConfig  `mapstructure:"webhook"`
	Admin    AdminConfig    `mapstructure:"admin"`
}

// ServiceConfig holds HTTP and logging settings
type ServiceConfig struct {
	Port     string `mapstructure:"port"`
	LogLevel string `mapstructure:"log_level"`
}

// MerchantConfig is the receiving identity embedded in every payment code
type MerchantConfig struct {
	AccountID     string `mapstructure:"account_id"`
	Name          string `mapstructure:"name"`
	City          string `mapstructure:"city"`
	ProviderID    string `mapstructure:"provider_id"`
	CategoryCode  string `mapstructure:"category_code"`
	CountryCode   string `mapstructure:"country_code"`
	TerminalLabel string `mapstructure:"terminal_label"`
	Currency      string `mapstructure:"currency"`
}

// PaymentConfig holds checkout and reconciliation tuning
type PaymentConfig struct {
	CodeTTL         time.Duration `mapstructure:"code_ttl"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	PollMaxDuration time.Duration `mapstructure:"poll_max_duration"`
	AmountTolerance string        `mapstructure:"amount_tolerance"`
}

// StoreConfig selects the order store backend
type StoreConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

// BakongConfig configures the pull-check lookup API
type BakongConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Token   string        `mapstructure:"token"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// TelegramConfig configures operator notifications
type TelegramConfig struct {
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// NATSConfig configures broker ingress and event publishing
type NATSConfig struct {
	URL             string `mapstructure:"url"`
	CallbackSubject string `mapstructure:"callback_subject"`
	QueueGroup      string `mapstructure:"queue_group"`
	EventPrefix     string `mapstructure:"event_prefix"`
}

// WebhookConfig guards the push ingress
type WebhookConfig struct {
	// Secret, when set, must match the X-Webhook-Secret header.
	Secret string `mapstructure:"secret"`
}

// AdminConfig guards the manual status endpoints
type AdminConfig struct {
	Token string `mapstructure:"token"`
}

var defaults = map[string]any{
	"service.port":              "8082",
	"service.log_level":         "info",
	"merchant.account_id":       "",
	"merchant.name":             "Digital Vault",
	"merchant.city":             "Phnom Penh",
	"merchant.provider_id":      khqr.DefaultProviderID,
	"merchant.category_code":    khqr.DefaultCategoryCode,
	"merchant.country_code":     khqr.DefaultCountryCode,
	"merchant.terminal_label":   "",
	"merchant.currency":         string(khqr.USD),
	"payment.code_ttl":          "15m",
	"payment.poll_interval":     "5s",
	"payment.poll_max_duration": "15m",
	"payment.amount_tolerance":  "0.01",
	"store.driver":              "sqlite3",
	"store.dsn":                 "data/orders.db",
	"bakong.base_url":           "https://api-bakong.nbc.gov.kh",
	"bakong.token":              "",
	"bakong.timeout":            "10s",
	"telegram.bot_token":        "",
	"telegram.chat_id":          "",
	"telegram.api_base":         "https://api.telegram.org",
	"nats.url":                  "",
	"nats.callback_subject":     "bakong.callback",
	"nats.queue_group":          "reconcilers",
	"nats.event_prefix":         "order",
	"webhook.secret":            "",
	"admin.token":               "",
}

// Load reads configuration. path may be empty. A missing .env file is not
// an error.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.WithError(err).Warn("Failed to read .env file")
	}

	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Validate checks the settings the service cannot run without.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Merchant.AccountID) == "" {
		return errors.New("merchant.account_id (MERCHANT_ACCOUNT_ID) is required")
	}
	if _, err := khqr.ParseCurrency(c.Merchant.Currency); err != nil {
		return fmt.Errorf("merchant.currency: %w", err)
	}
	if _, err := c.Payment.Tolerance(); err != nil {
		return err
	}
	if c.Payment.PollInterval <= 0 {
		return errors.New("payment.poll_interval must be positive")
	}
	return nil
}

// Tolerance parses the absolute amount tolerance.
func (p PaymentConfig) Tolerance() (decimal.Decimal, error) {
	d, err := decimal.NewFromString(p.AmountTolerance)
	if err != nil || d.IsNegative() {
		return decimal.Zero, fmt.Errorf("payment.amount_tolerance: invalid value %q", p.AmountTolerance)
	}
	return d, nil
}

// KHQRMerchant converts the merchant section for the generator.
func (m MerchantConfig) KHQRMerchant() khqr.Merchant {
	return khqr.Merchant{
		AccountID:     m.AccountID,
		Name:          m.Name,
		City:          m.City,
		ProviderID:    m.ProviderID,
		CategoryCode:  m.CategoryCode,
		CountryCode:   m.CountryCode,
		TerminalLabel: m.TerminalLabel,
	}
}

// SetupLogging switches logrus to JSON output at level.
func SetupLogging(level string) {
	log.SetFormatter(&log.JSONFormatter{})
	lvl, err := log.ParseLevel(level)
	if err != nil {
		lvl = log.InfoLevel
	}
	log.SetLevel(lvl)
}

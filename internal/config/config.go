package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix           = "KARMALINK"
	defaultHTTPAddress  = "0.0.0.0:8080"
	defaultDatabasePath = "karmalink.db"
	defaultLogLevel     = "info"
	defaultPriceBytes   = 3000
	defaultStateTTL     = 15 * time.Minute
	defaultRetryPeriod  = 10 * time.Second
)

// RewardTier maps a karma threshold to a USD reward. A tier applies when the
// account karma strictly exceeds the threshold.
type RewardTier struct {
	ThresholdKarma int64   `mapstructure:"threshold_karma"`
	RewardUSD      float64 `mapstructure:"reward_usd"`
}

// OAuthConfig holds the identity-provider application settings.
type OAuthConfig struct {
	AuthorizeURL string
	TokenURL     string
	ProfileURL   string
	ClientID     string
	ClientSecret string
	CallbackURL  string
	PublicURL    string
}

// SMTPConfig holds optional mail relay settings for operator notifications.
type SMTPConfig struct {
	Host     string
	User     string
	Password string
	From     string
}

// AppConfig captures runtime configuration for the attestation bot. It is
// loaded once at startup and passed to components by value.
type AppConfig struct {
	HTTPAddress        string
	DatabasePath       string
	LogLevel           string
	PriceBytes         int64
	RewardTiers        []RewardTier
	OAuth              OAuthConfig
	StateSigningSecret string
	StateTTL           time.Duration
	OperatorEmail      string
	RetryPeriod        time.Duration
	WalletRPCURL       string
	RatesURL           string
	SMTP               SMTPConfig
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("attestation.price_bytes", defaultPriceBytes)
	configViper.SetDefault("state.ttl_minutes", int(defaultStateTTL.Minutes()))
	configViper.SetDefault("retry.period_seconds", int(defaultRetryPeriod.Seconds()))
	configViper.SetDefault("rewards.tiers", []map[string]interface{}{
		{"threshold_karma": 100_000, "reward_usd": 0.2},
		{"threshold_karma": 1_000_000, "reward_usd": 3},
		{"threshold_karma": 10_000_000, "reward_usd": 40},
		{"threshold_karma": 100_000_000, "reward_usd": 150},
	})
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:        configViper.GetString("http.address"),
		DatabasePath:       configViper.GetString("database.path"),
		LogLevel:           configViper.GetString("log.level"),
		PriceBytes:         configViper.GetInt64("attestation.price_bytes"),
		StateSigningSecret: configViper.GetString("state.signing_secret"),
		StateTTL:           time.Duration(configViper.GetInt("state.ttl_minutes")) * time.Minute,
		OperatorEmail:      configViper.GetString("operator.email"),
		RetryPeriod:        time.Duration(configViper.GetInt("retry.period_seconds")) * time.Second,
		WalletRPCURL:       configViper.GetString("wallet.rpc_url"),
		RatesURL:           configViper.GetString("rates.url"),
		SMTP: SMTPConfig{
			Host:     configViper.GetString("smtp.host"),
			User:     configViper.GetString("smtp.user"),
			Password: configViper.GetString("smtp.password"),
			From:     configViper.GetString("smtp.from"),
		},
		OAuth: OAuthConfig{
			AuthorizeURL: configViper.GetString("oauth.authorize_url"),
			TokenURL:     configViper.GetString("oauth.token_url"),
			ProfileURL:   configViper.GetString("oauth.profile_url"),
			ClientID:     configViper.GetString("oauth.client_id"),
			ClientSecret: configViper.GetString("oauth.client_secret"),
			CallbackURL:  configViper.GetString("oauth.callback_url"),
			PublicURL:    configViper.GetString("oauth.public_url"),
		},
	}

	if err := configViper.UnmarshalKey("rewards.tiers", &cfg.RewardTiers); err != nil {
		return AppConfig{}, fmt.Errorf("rewards.tiers is malformed: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.PriceBytes <= 0 {
		return fmt.Errorf("attestation.price_bytes must be positive")
	}
	if len(c.RewardTiers) == 0 {
		return fmt.Errorf("rewards.tiers must not be empty")
	}
	for _, tier := range c.RewardTiers {
		if tier.ThresholdKarma < 0 || tier.RewardUSD < 0 {
			return fmt.Errorf("rewards.tiers entries must be non-negative")
		}
	}
	if strings.TrimSpace(c.StateSigningSecret) == "" {
		return fmt.Errorf("state.signing_secret is required")
	}
	if strings.TrimSpace(c.OperatorEmail) == "" {
		return fmt.Errorf("operator.email is required")
	}
	if strings.TrimSpace(c.OAuth.ClientID) == "" || strings.TrimSpace(c.OAuth.ClientSecret) == "" {
		return fmt.Errorf("oauth.client_id and oauth.client_secret are required")
	}
	if strings.TrimSpace(c.OAuth.AuthorizeURL) == "" || strings.TrimSpace(c.OAuth.CallbackURL) == "" {
		return fmt.Errorf("oauth.authorize_url and oauth.callback_url are required")
	}
	if strings.TrimSpace(c.OAuth.TokenURL) == "" || strings.TrimSpace(c.OAuth.ProfileURL) == "" {
		return fmt.Errorf("oauth.token_url and oauth.profile_url are required")
	}
	if strings.TrimSpace(c.WalletRPCURL) == "" {
		return fmt.Errorf("wallet.rpc_url is required")
	}
	if strings.TrimSpace(c.RatesURL) == "" {
		return fmt.Errorf("rates.url is required")
	}
	if c.SMTP.Host != "" && (c.SMTP.From == "" || c.SMTP.User == "") {
		return fmt.Errorf("smtp.from and smtp.user are required when smtp.host is set")
	}
	return nil
}

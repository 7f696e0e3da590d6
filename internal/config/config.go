package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/shopspring/decimal"
)

// Config holds all configuration for the coordinator
type Config struct {
	Server       ServerConfig       `toml:"server"`
	Database     DatabaseConfig     `toml:"database"`
	Verification VerificationConfig `toml:"verification"`
	Fitness      FitnessConfig      `toml:"fitness"`
	Challenges   ChallengesConfig   `toml:"challenges"`
	Auth         AuthConfig         `toml:"auth"`
	P2P          P2PConfig          `toml:"p2p"`
	Log          LogConfig          `toml:"log"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host           string   `toml:"host"`
	Port           int      `toml:"port"`
	ReadTimeout    int      `toml:"read_timeout"`
	WriteTimeout   int      `toml:"write_timeout"`
	AllowedOrigins []string `toml:"allowed_origins"`
}

// DatabaseConfig selects and configures the persistence backend
type DatabaseConfig struct {
	Driver         string `toml:"driver"`
	Host           string `toml:"host"`
	Port           int    `toml:"port"`
	User           string `toml:"user"`
	Password       string `toml:"password"`
	Database       string `toml:"database"`
	SSLMode        string `toml:"ssl_mode"`
	URL            string `toml:"url"`
	SQLitePath     string `toml:"sqlite_path"`
	ValkeyURL      string `toml:"valkey_url"`
	MigrationsPath string `toml:"migrations_path"`
}

// VerificationConfig holds the verification-hash settings
type VerificationConfig struct {
	Secret string `toml:"secret"`
}

// FitnessConfig holds the fitness-provider client settings
type FitnessConfig struct {
	ClientID       string `toml:"client_id"`
	ClientSecret   string `toml:"client_secret"`
	BaseURL        string `toml:"base_url"`
	TokenURL       string `toml:"token_url"`
	FetchTimeout   int    `toml:"fetch_timeout"`
	RefreshTimeout int    `toml:"refresh_timeout"`
}

// ChallengesConfig holds challenge rules
type ChallengesConfig struct {
	MaxParticipants      int    `toml:"max_participants"`
	MaxEntryFee          string `toml:"max_entry_fee"`
	MaxTitleLength       int    `toml:"max_title_length"`
	MaxDescriptionLength int    `toml:"max_description_length"`
	TieBreak             string `toml:"tie_break"`
	BatchConcurrency     int    `toml:"batch_concurrency"`
}

// AuthConfig holds caller authentication settings
type AuthConfig struct {
	JWTSecret        string            `toml:"jwt_secret"`
	TokenTTLHours    int               `toml:"token_ttl_hours"`
	ServiceKeyHashes map[string]string `toml:"service_key_hashes"`
}

// P2PConfig holds libp2p configuration
type P2PConfig struct {
	Enabled         bool     `toml:"enabled"`
	ListenAddresses []string `toml:"listen_addresses"`
	BootstrapPeers  []string `toml:"bootstrap_peers"`
	RelayPeers      []string `toml:"relay_peers"`
	EnableQUIC      bool     `toml:"enable_quic"`
	EnableTCP       bool     `toml:"enable_tcp"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MinJWTSecretLength is the shortest accepted HS256 signing key in bytes
const MinJWTSecretLength = 32

const (
	TieBreakRandom        = "random"
	TieBreakLexicographic = "lexicographic"
)

// Load loads configuration from TOML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := toml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.SetDefaults()
	config.ApplyEnv()

	return &config, nil
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.SetDefaults()
	cfg.ApplyEnv()
	return cfg
}

// ApplyEnv overrides secrets from the environment
func (c *Config) ApplyEnv() {
	if v := os.Getenv("JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}
	if v := os.Getenv("VERIFICATION_SECRET"); v != "" {
		c.Verification.Secret = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Database.URL = v
	}
	if v := os.Getenv("FITNESS_CLIENT_SECRET"); v != "" {
		c.Fitness.ClientSecret = v
	}
	if v := os.Getenv("MIGRATIONS_PATH"); v != "" {
		c.Database.MigrationsPath = v
	}
}

// Validate checks settings that have no safe default
func (c *Config) Validate() error {
	if c.Verification.Secret == "" {
		return errors.New("verification secret is not configured")
	}
	if c.Auth.JWTSecret == "" {
		return errors.New("jwt secret is not configured")
	}
	if len(c.Auth.JWTSecret) < MinJWTSecretLength {
		return fmt.Errorf("jwt secret must be at least %d bytes", MinJWTSecretLength)
	}
	switch c.Database.Driver {
	case "memory", "postgres", "sqlite", "valkey":
	default:
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}
	switch c.Challenges.TieBreak {
	case TieBreakRandom, TieBreakLexicographic:
	default:
		return fmt.Errorf("unknown tie_break policy %q", c.Challenges.TieBreak)
	}
	if _, err := decimal.NewFromString(c.Challenges.MaxEntryFee); err != nil {
		return fmt.Errorf("invalid max_entry_fee: %w", err)
	}
	return nil
}

// DatabaseURL returns the PostgreSQL connection URL
func (c *DatabaseConfig) DatabaseURL() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode)
}

// MaxEntryFeeDecimal returns the configured entry fee ceiling
func (c *ChallengesConfig) MaxEntryFeeDecimal() decimal.Decimal {
	d, err := decimal.NewFromString(c.MaxEntryFee)
	if err != nil {
		return decimal.NewFromInt(100)
	}
	return d
}

// FetchTimeoutDuration returns the provider fetch timeout
func (c *FitnessConfig) FetchTimeoutDuration() time.Duration {
	return time.Duration(c.FetchTimeout) * time.Second
}

// RefreshTimeoutDuration returns the credential refresh timeout
func (c *FitnessConfig) RefreshTimeoutDuration() time.Duration {
	return time.Duration(c.RefreshTimeout) * time.Second
}

// TokenTTL returns the lifetime of issued caller tokens
func (c *AuthConfig) TokenTTL() time.Duration {
	return time.Duration(c.TokenTTLHours) * time.Hour
}

// SetDefaults sets default values for config
func (c *Config) SetDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 30
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 30
	}
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{"*"}
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "memory"
	}
	if c.Database.Host == "" {
		c.Database.Host = "localhost"
	}
	if c.Database.Port == 0 {
		c.Database.Port = 5432
	}
	if c.Database.User == "" {
		c.Database.User = "postgres"
	}
	if c.Database.Database == "" {
		c.Database.Database = "fitwager"
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = "disable"
	}
	if c.Database.SQLitePath == "" {
		c.Database.SQLitePath = "data/fitwager.db"
	}
	if c.Fitness.BaseURL == "" {
		c.Fitness.BaseURL = "https://www.googleapis.com/fitness/v1"
	}
	if c.Fitness.TokenURL == "" {
		c.Fitness.TokenURL = "https://oauth2.googleapis.com/token"
	}
	if c.Fitness.FetchTimeout == 0 {
		c.Fitness.FetchTimeout = 15
	}
	if c.Fitness.RefreshTimeout == 0 {
		c.Fitness.RefreshTimeout = 10
	}
	if c.Challenges.MaxParticipants == 0 {
		c.Challenges.MaxParticipants = 100
	}
	if c.Challenges.MaxEntryFee == "" {
		c.Challenges.MaxEntryFee = "100"
	}
	if c.Challenges.MaxTitleLength == 0 {
		c.Challenges.MaxTitleLength = 50
	}
	if c.Challenges.MaxDescriptionLength == 0 {
		c.Challenges.MaxDescriptionLength = 200
	}
	if c.Challenges.TieBreak == "" {
		c.Challenges.TieBreak = TieBreakRandom
	}
	if c.Challenges.BatchConcurrency == 0 {
		c.Challenges.BatchConcurrency = 4
	}
	if c.Auth.TokenTTLHours == 0 {
		c.Auth.TokenTTLHours = 24
	}
	if !c.P2P.EnableTCP && !c.P2P.EnableQUIC {
		c.P2P.EnableTCP = true
		c.P2P.EnableQUIC = true
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
}

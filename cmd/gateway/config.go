package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"go.yaml.in/yaml/v4"

	configtypes "github.com/aliveevie/fennac-markets/internal/config"
)

const (
	envPrivateKey    = "POLY_PRIVATE_KEY"
	envFunderAddress = "POLY_FUNDER_ADDRESS"
	envSignatureType = "POLY_SIGNATURE_TYPE"
)

type config struct {
	LogLevel string `yaml:"log_level"` // debug, info, warn, error
	HTTP     struct {
		Addr           string   `yaml:"addr"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"http"`
	Polymarket struct {
		GammaURL       string                      `yaml:"gamma_url"`
		ClobURL        string                      `yaml:"clob_url"`
		WebsocketURL   string                      `yaml:"ws_url"`
		ChainID        int64                       `yaml:"chain_id"`
		FunderAddress  configtypes.Address         `yaml:"funder_address"`
		SignatureType  int                         `yaml:"signature_type"`
		PrivateKey     configtypes.ECDSAPrivateKey `yaml:"private_key"`
		RequestTimeout configtypes.Duration        `yaml:"request_timeout"`
	} `yaml:"polymarket"`
	Quotes struct {
		Enabled        bool                 `yaml:"enabled"`
		ReconnectDelay configtypes.Duration `yaml:"reconnect_delay"`
	} `yaml:"quotes"`
}

func (c *config) requestTimeout() time.Duration {
	return c.Polymarket.RequestTimeout.Or(15 * time.Second)
}

func readConfig(configPath, envPath *string) (*config, error) {
	rawConfig, err := os.ReadFile(*configPath)
	if err != nil {
		return nil, fmt.Errorf("couldn't read file %s: %w", *configPath, err)
	}

	cfg := &config{}
	if err = yaml.Unmarshal(rawConfig, cfg); err != nil {
		return nil, fmt.Errorf("couldn't parse config: %w", err)
	}

	if err = applyEnv(cfg, *envPath); err != nil {
		return nil, fmt.Errorf("couldn't apply environment: %w", err)
	}

	err = validateConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("couldn't validate config: %w", err)
	}

	return cfg, nil
}

// applyEnv loads envPath when it exists and lets the signing secrets in the
// environment override the file.
func applyEnv(cfg *config, envPath string) error {
	if envPath != "" {
		if err := godotenv.Load(envPath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("couldn't load %s: %w", envPath, err)
		}
	}

	if v := os.Getenv(envPrivateKey); v != "" {
		if err := cfg.Polymarket.PrivateKey.Set(v); err != nil {
			return fmt.Errorf("%s: %w", envPrivateKey, err)
		}
	}
	if v := os.Getenv(envFunderAddress); v != "" {
		if err := cfg.Polymarket.FunderAddress.Set(v); err != nil {
			return fmt.Errorf("%s: %w", envFunderAddress, err)
		}
	}
	if v := os.Getenv(envSignatureType); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", envSignatureType, err)
		}
		cfg.Polymarket.SignatureType = n
	}
	return nil
}

func validateConfig(cfg *config) error {
	switch cfg.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be one of debug, info, warn, error")
	}

	// HTTP
	if cfg.HTTP.Addr == "" {
		return fmt.Errorf("http.addr is required")
	}
	if len(cfg.HTTP.AllowedOrigins) == 0 {
		return fmt.Errorf("http.allowed_origins is required")
	}

	// Polymarket
	if cfg.Polymarket.GammaURL == "" {
		return fmt.Errorf("polymarket.gamma_url is required")
	}
	if cfg.Polymarket.ClobURL == "" {
		return fmt.Errorf("polymarket.clob_url is required")
	}
	if cfg.Polymarket.ChainID <= 0 {
		return fmt.Errorf("polymarket.chain_id must be greater than 0")
	}
	if cfg.Polymarket.SignatureType < 0 || cfg.Polymarket.SignatureType > 2 {
		return fmt.Errorf("polymarket.signature_type must be 0, 1 or 2")
	}

	// Quotes
	if cfg.Quotes.Enabled && cfg.Polymarket.WebsocketURL == "" {
		return fmt.Errorf("polymarket.ws_url is required when quotes are enabled")
	}

	return nil
}

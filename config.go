package main

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Config is the process environment contract. Required fields fail
// boot when absent.
type Config struct {
	WorldDir  string `env:"WORLD_DIR,notEmpty"`
	Port      int    `env:"PORT" envDefault:"8080"`
	JWTSecret string `env:"JWT_SECRET,notEmpty"`

	// SaveInterval is the dirty-set flush period in seconds.
	SaveInterval  int   `env:"SAVE_INTERVAL" envDefault:"30"`
	MaxUploadSize int64 `env:"MAX_UPLOAD_SIZE" envDefault:"52428800"`

	WSURL    string `env:"WS_URL"`
	APIURL   string `env:"API_URL"`
	AdminURL string `env:"ADMIN_URL"`

	// Assets selects the asset store backend. "fs" is the only
	// implemented backend; unknown selectors abort boot.
	Assets    string `env:"ASSETS" envDefault:"fs"`
	AssetsURL string `env:"ASSETS_URL" envDefault:"/assets"`
	S3URI     string `env:"S3_URI"`

	// AdminCode guards /admin and the slash command; empty disables
	// the operator surface.
	AdminCode string `env:"ADMIN_CODE"`

	RegistryURL     string `env:"REGISTRY_URL"`
	RegistryEnabled bool   `env:"REGISTRY_ENABLED" envDefault:"false"`
}

// LoadConfig reads and validates the environment.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, err
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return Config{}, fmt.Errorf("config: invalid PORT %d", cfg.Port)
	}
	if cfg.SaveInterval <= 0 {
		return Config{}, fmt.Errorf("config: SAVE_INTERVAL must be positive")
	}
	if cfg.MaxUploadSize <= 0 {
		return Config{}, fmt.Errorf("config: MAX_UPLOAD_SIZE must be positive")
	}
	switch cfg.Assets {
	case "fs":
	case "s3":
		return Config{}, fmt.Errorf("config: s3 asset store is not available in this build")
	default:
		return Config{}, fmt.Errorf("config: unknown asset store %q", cfg.Assets)
	}
	return cfg, nil
}

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/kiliankoe/callfold/internal/auction"
)

const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
)

type Config struct {
	Port        string   `env:"PORT" envDefault:"8080"`
	CORSOrigins []string `env:"CORS_ORIGINS" envSeparator:"," envDefault:"*"`
	Debug       bool     `env:"DEBUG" envDefault:"false"`

	StoreBackend string `env:"STORE_BACKEND" envDefault:"memory"`

	Redis struct {
		Addr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
		Password string `env:"REDIS_PASSWORD"`
		DB       int    `env:"REDIS_DB" envDefault:"0"`
		Key      string `env:"REDIS_KEY" envDefault:"callfold:doc"`
	}

	// Empty disables event publishing.
	NATSURL string `env:"NATS_URL"`

	AdminIDs      []string          `env:"ADMIN_IDS" envSeparator:","`
	AdminAccounts map[string]string `env:"ADMIN_ACCOUNTS" envSeparator:"," envKeyValSeparator:"="`
	SessionTTL    time.Duration     `env:"SESSION_TTL" envDefault:"12h"`

	Cloudinary struct {
		CloudName    string `env:"CLOUDINARY_CLOUD_NAME"`
		UploadPreset string `env:"CLOUDINARY_UPLOAD_PRESET"`
		BaseURL      string `env:"CLOUDINARY_BASE_URL"`
	}

	// PolicyFile is a YAML file whose keys override the policy env vars.
	PolicyFile string `env:"POLICY_FILE"`
	Policy     auction.Policy
}

// FromEnv reads .env if present, then the environment, then the policy
// file.
func FromEnv() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	c := Config{}
	if err := env.Parse(&c); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if c.PolicyFile != "" {
		if err := loadPolicy(c.PolicyFile, &c.Policy); err != nil {
			return Config{}, err
		}
	}
	c.Policy = c.Policy.WithDefaults()
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c Config) Validate() error {
	switch c.StoreBackend {
	case StoreMemory, StoreRedis:
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend)
	}
	if err := c.Policy.Validate(); err != nil {
		return err
	}
	return nil
}

// UploadsEnabled reports whether Cloudinary is configured.
func (c Config) UploadsEnabled() bool {
	return c.Cloudinary.CloudName != "" && c.Cloudinary.UploadPreset != ""
}

func loadPolicy(path string, p *auction.Policy) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read policy file: %w", err)
	}
	if err := yaml.Unmarshal(data, p); err != nil {
		return fmt.Errorf("parse policy file %s: %w", path, err)
	}
	return nil
}

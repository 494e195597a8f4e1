package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix namespaces environment overrides, e.g. SKINMETRICS_SERVER_ADDR.
const EnvPrefix = "SKINMETRICS"

type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Models        ModelsConfig        `mapstructure:"models"`
	Labels        LabelsConfig        `mapstructure:"labels"`
	Staging       StagingConfig       `mapstructure:"staging"`
	Tone          ToneConfig          `mapstructure:"tone"`
	Collaborators CollaboratorsConfig `mapstructure:"collaborators"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Database      DatabaseConfig      `mapstructure:"database"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	Mode            string        `mapstructure:"mode"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes"`
	MaxImagePixels  int64         `mapstructure:"max_image_pixels"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
}

type ModelsConfig struct {
	SkinPath       string `mapstructure:"skin_path"`
	AcnePath       string `mapstructure:"acne_path"`
	RuntimeLibrary string `mapstructure:"runtime_library"`
	IntraOpThreads int    `mapstructure:"intra_op_threads"`
}

type LabelsConfig struct {
	SkinType []string `mapstructure:"skin_type"`
	Acne     []string `mapstructure:"acne"`
}

type StagingConfig struct {
	Dir      string `mapstructure:"dir"`
	Filename string `mapstructure:"filename"`
	Mode     string `mapstructure:"mode"`
	Cleanup  bool   `mapstructure:"cleanup"`
}

type ToneConfig struct {
	DatasetPath string `mapstructure:"dataset_path"`
}

type CollaboratorsConfig struct {
	Addr        string        `mapstructure:"addr"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

// RedisConfig enables the diagnosis cache when Addr is set.
type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// DatabaseConfig enables the inference audit log when DSN is set.
type DatabaseConfig struct {
	DSN string `mapstructure:"dsn"`
}

// Load reads .env (if present), then configPath (optional when empty or missing), then
// SKINMETRICS_* environment overrides on top of the defaults.
func Load(configPath string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the service cannot start with.
func (c *Config) Validate() error {
	switch {
	case c.Models.SkinPath == "" || c.Models.AcnePath == "":
		return errors.New("config: models.skin_path and models.acne_path are required")
	case len(c.Labels.SkinType) == 0 || len(c.Labels.Acne) == 0:
		return errors.New("config: labels.skin_type and labels.acne must not be empty")
	case c.Staging.Mode != "unique" && c.Staging.Mode != "shared":
		return fmt.Errorf("config: staging.mode must be unique or shared, got %q", c.Staging.Mode)
	case c.Server.MaxImagePixels < 0:
		return fmt.Errorf("config: server.max_image_pixels must not be negative, got %d", c.Server.MaxImagePixels)
	case c.Collaborators.Addr == "":
		return errors.New("config: collaborators.addr is required")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.mode", "debug")
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("server.max_body_bytes", 10*1024*1024)
	v.SetDefault("server.max_image_pixels", 25_000_000)
	v.SetDefault("server.allowed_origins", []string{"*"})

	v.SetDefault("models.skin_path", "models/skin_model.onnx")
	v.SetDefault("models.acne_path", "models/acne_model.onnx")
	v.SetDefault("models.runtime_library", "")
	v.SetDefault("models.intra_op_threads", 0)

	v.SetDefault("labels.skin_type", []string{"Dry_skin", "Normal_skin", "Oily_skin"})
	v.SetDefault("labels.acne", []string{"Low", "Moderate", "Severe"})

	v.SetDefault("staging.dir", "./static")
	v.SetDefault("staging.filename", "image.png")
	v.SetDefault("staging.mode", "unique")
	v.SetDefault("staging.cleanup", true)

	v.SetDefault("tone.dataset_path", "models/skin_tone/skin_tone_dataset.csv")

	v.SetDefault("collaborators.addr", "localhost:50051")
	v.SetDefault("collaborators.dial_timeout", 5*time.Second)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.ttl", 10*time.Minute)

	v.SetDefault("database.dsn", "")
}

package config

import (
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/savegress/spendguard/internal/detection"
	"github.com/savegress/spendguard/pkg/models"
)

// Config holds all configuration for SpendGuard
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Detection DetectionConfig `yaml:"detection"`
	Workers   WorkersConfig   `yaml:"workers"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port        int    `yaml:"port"`
	Environment string `yaml:"environment"`
}

// StorageConfig holds storage configuration
type StorageConfig struct {
	Driver   string `yaml:"driver"` // sqlite | memory
	DataPath string `yaml:"data_path"`
}

// DetectionConfig seeds the detection settings singleton and serves as the
// fallback when the settings store is unreachable.
type DetectionConfig struct {
	Enabled            bool    `yaml:"enabled"`
	DuplicateThreshold float64 `yaml:"duplicate_threshold"`
	AmountTolerancePct float64 `yaml:"amount_tolerance_pct"`
	TimeWindowHours    float64 `yaml:"time_window_hours"`
	LocationRadiusKm   float64 `yaml:"location_radius_km"`
	AutoFlagSuspicious bool    `yaml:"auto_flag_suspicious"`
	RequireApproval    bool    `yaml:"require_approval"`
}

// WorkersConfig bounds bulk-check parallelism
type WorkersConfig struct {
	BulkWorkers int `yaml:"bulk_workers"`
}

// Settings converts the detection section into the domain settings type.
func (c DetectionConfig) Settings() models.DetectionSettings {
	return models.DetectionSettings{
		Enabled:            c.Enabled,
		DuplicateThreshold: c.DuplicateThreshold,
		AmountTolerancePct: c.AmountTolerancePct,
		TimeWindowHours:    c.TimeWindowHours,
		LocationRadiusKm:   c.LocationRadiusKm,
		AutoFlagSuspicious: c.AutoFlagSuspicious,
		RequireApproval:    c.RequireApproval,
	}
}

// Load loads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := LoadFromEnv()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables
func LoadFromEnv() *Config {
	defaults := detection.DefaultSettings()

	return &Config{
		Server: ServerConfig{
			Port:        getEnvInt("PORT", 3007),
			Environment: getEnv("ENVIRONMENT", "development"),
		},
		Storage: StorageConfig{
			Driver:   getEnv("STORAGE_DRIVER", "sqlite"),
			DataPath: getEnv("STORAGE_PATH", "/var/lib/spendguard"),
		},
		Detection: DetectionConfig{
			Enabled:            getEnvBool("DETECTION_ENABLED", defaults.Enabled),
			DuplicateThreshold: getEnvFloat("DETECTION_DUPLICATE_THRESHOLD", defaults.DuplicateThreshold),
			AmountTolerancePct: getEnvFloat("DETECTION_AMOUNT_TOLERANCE", defaults.AmountTolerancePct),
			TimeWindowHours:    getEnvFloat("DETECTION_TIME_WINDOW_HOURS", defaults.TimeWindowHours),
			LocationRadiusKm:   getEnvFloat("DETECTION_LOCATION_RADIUS_KM", defaults.LocationRadiusKm),
			AutoFlagSuspicious: getEnvBool("DETECTION_AUTO_FLAG", defaults.AutoFlagSuspicious),
			RequireApproval:    getEnvBool("DETECTION_REQUIRE_APPROVAL", defaults.RequireApproval),
		},
		Workers: WorkersConfig{
			BulkWorkers: getEnvInt("BULK_WORKERS", 4),
		},
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

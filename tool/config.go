package tool

import (
	"fmt"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"gopkg.in/yaml.v3"

	"github.com/moyoez/batchsend/policy"
	"github.com/moyoez/batchsend/types"
)

var (
	ConfigPath    = "config.yaml" // be aware that it can be changed, default to ./config.yaml
	CurrentConfig types.AppConfig
	// flagOverrides holds CLI flag overrides (set by main after flags are parsed).
	flagOverrides *types.Config
)

const (
	DefaultPort          = 53318
	DefaultMaxConcurrent = 3
	DefaultReceiptTTL    = 60 * time.Minute
)

// SetFlagOverrides stores the current CLI flag config.
func SetFlagOverrides(c *types.Config) {
	flagOverrides = c
}

// GetFlagOverrides returns a copy of flag overrides, or the zero value if not set.
func GetFlagOverrides() types.Config {
	if flagOverrides == nil {
		return types.Config{}
	}
	return *flagOverrides
}

func defaultConfig() types.AppConfig {
	return types.AppConfig{
		Endpoint:         "http://127.0.0.1:8080/api/v1/ingest", // placeholder, point it at your ingestion boundary.
		AuthURL:          "",
		Port:             DefaultPort,
		MaxConcurrent:    DefaultMaxConcurrent,
		MaxBytes:         policy.DefaultMaxBytes,
		AllowedTypes:     append([]string(nil), policy.DefaultAllowedTypes...),
		ProgressInterval: 100 * time.Millisecond,
		RequestTimeout:   0,
		NotifyWS:         true,
		ReceiptTTL:       DefaultReceiptTTL,
	}
}

// LoadConfig reads path (default ConfigPath), writing a default file when it
// does not exist yet. BATCHSEND_* environment variables win over the file.
func LoadConfig(path string) (types.AppConfig, error) {
	if path == "" {
		path = ConfigPath
	}
	ConfigPath = path

	cfg := defaultConfig()

	info, err := os.Stat(path)
	switch {
	case err != nil && os.IsNotExist(err):
		if writeErr := writeDefaultConfig(path, cfg); writeErr != nil {
			return cfg, fmt.Errorf("config file not found, and failed to generate default config: %v", writeErr)
		}
		DefaultLogger.Infof("Created new config file: %s", path)
	case err != nil:
		return cfg, fmt.Errorf("failed to read config file: %v", err)
	case info.IsDir():
		return cfg, fmt.Errorf("config file path is a directory: %s", path)
	default:
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config file: %v", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %v", err)
		}
	}

	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return cfg, fmt.Errorf("failed to read environment: %v", err)
	}
	normalizeConfig(&cfg)

	CurrentConfig = cfg
	return cfg, nil
}

// normalizeConfig replaces values that would make the engine unusable.
func normalizeConfig(cfg *types.AppConfig) {
	if cfg.Port <= 0 {
		cfg.Port = DefaultPort
	}
	if cfg.MaxConcurrent <= 0 {
		DefaultLogger.Warnf("maxConcurrent %d is not positive, using %d", cfg.MaxConcurrent, DefaultMaxConcurrent)
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = policy.DefaultMaxBytes
	}
	if len(cfg.AllowedTypes) == 0 {
		cfg.AllowedTypes = append([]string(nil), policy.DefaultAllowedTypes...)
	}
	if cfg.ProgressInterval < 0 {
		cfg.ProgressInterval = 0
	}
	if cfg.RequestTimeout < 0 {
		cfg.RequestTimeout = 0
	}
	if cfg.ReceiptTTL <= 0 {
		cfg.ReceiptTTL = DefaultReceiptTTL
	}
}

// ApplyFlagOverrides merges non-zero CLI flags into cfg.
func ApplyFlagOverrides(cfg *types.AppConfig, flags types.Config) {
	if flags.UseEndpoint != "" {
		cfg.Endpoint = flags.UseEndpoint
	}
	if flags.UsePort > 0 {
		cfg.Port = flags.UsePort
	}
	if flags.UseMaxConcurrent > 0 {
		cfg.MaxConcurrent = flags.UseMaxConcurrent
	}
	if flags.UseMaxBytes > 0 {
		cfg.MaxBytes = flags.UseMaxBytes
	}
	if len(flags.UseAllowedTypes) > 0 {
		cfg.AllowedTypes = append([]string(nil), flags.UseAllowedTypes...)
	}
	CurrentConfig = *cfg
}

func writeDefaultConfig(path string, cfg types.AppConfig) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func GetCurrentConfig() *types.AppConfig {
	return &CurrentConfig
}

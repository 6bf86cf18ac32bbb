package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config is the settlement service configuration.
type Config struct {
	ListenAddress string `toml:"ListenAddress"`
	DataDir       string `toml:"DataDir"`
	Environment   string `toml:"Environment"`

	LedgerURL            string `toml:"LedgerURL"`
	LedgerAuthToken      string `toml:"LedgerAuthToken"`
	LedgerTimeoutSeconds int    `toml:"LedgerTimeoutSeconds"`
	RetryAttempts        int    `toml:"RetryAttempts"`
	RetryBackoffMillis   int    `toml:"RetryBackoffMillis"`

	RateLimitPerMinute float64 `toml:"RateLimitPerMinute"`
	RateLimitBurst     int     `toml:"RateLimitBurst"`
	AuthTimestampSkew  int     `toml:"AuthTimestampSkewSeconds"`

	// APIKeys maps key identifiers to shared HMAC secrets.
	APIKeys map[string]string `toml:"APIKeys"`

	// PausedModules lists engines refusing mutations ("escrow", "auction").
	PausedModules []string `toml:"PausedModules"`
}

// Load loads the configuration from the given path, creating a default file
// when none exists. Unknown keys are rejected so typos fail loudly instead of
// silently running with defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			keys = append(keys, key.String())
		}
		return nil, fmt.Errorf("config file %s contains unknown keys: %s", path, strings.Join(keys, ", "))
	}

	applyDefaults(cfg)
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.ListenAddress) == "" {
		cfg.ListenAddress = ":8650"
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "./data"
	}
	if strings.TrimSpace(cfg.Environment) == "" {
		cfg.Environment = "local"
	}
	if cfg.LedgerTimeoutSeconds <= 0 {
		cfg.LedgerTimeoutSeconds = 15
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	if cfg.RetryBackoffMillis <= 0 {
		cfg.RetryBackoffMillis = 200
	}
	if cfg.RateLimitPerMinute <= 0 {
		cfg.RateLimitPerMinute = 600
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 20
	}
	if cfg.AuthTimestampSkew <= 0 {
		cfg.AuthTimestampSkew = 120
	}
	if cfg.APIKeys == nil {
		cfg.APIKeys = map[string]string{}
	}
	if cfg.PausedModules == nil {
		cfg.PausedModules = []string{}
	}
}

func validate(cfg *Config) error {
	if strings.TrimSpace(cfg.LedgerURL) == "" {
		return fmt.Errorf("LedgerURL is required")
	}
	for _, module := range cfg.PausedModules {
		switch strings.ToLower(strings.TrimSpace(module)) {
		case "escrow", "auction":
		default:
			return fmt.Errorf("unknown module %q in PausedModules", module)
		}
	}
	return nil
}

func createDefault(path string) (*Config, error) {
	cfg := &Config{
		LedgerURL: "http://127.0.0.1:8645",
	}
	applyDefaults(cfg)

	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

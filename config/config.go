package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

type Config struct {
	ListenAddress   string `toml:"ListenAddress"`
	DataDir         string `toml:"DataDir"`
	Environment     string `toml:"Environment"`
	ContractAccount string `toml:"ContractAccount"`
	RootAccount     string `toml:"RootAccount"`
	// NewAccountDeposit is the base-unit amount attached to account creation.
	NewAccountDeposit string `toml:"NewAccountDeposit"`
	// WaitTimeoutSeconds bounds gateway requests that wait for settlement.
	WaitTimeoutSeconds int `toml:"WaitTimeoutSeconds"`

	Executor  Executor  `toml:"Executor"`
	Gas       Gas       `toml:"Gas"`
	RateLimit RateLimit `toml:"RateLimit"`
	Telemetry Telemetry `toml:"Telemetry"`
	Journal   Journal   `toml:"Journal"`
	Logging   Logging   `toml:"Logging"`
	Scheduler Scheduler `toml:"Scheduler"`
	Webhook   Webhook   `toml:"Webhook"`
	Auth      Auth      `toml:"Auth"`
	Stream    Stream    `toml:"Stream"`
	CORS      CORS      `toml:"CORS"`
}

// Default returns the configuration written on first start.
func Default() *Config {
	return &Config{
		ListenAddress:      ":8080",
		DataDir:            "./keydrop-data",
		Environment:        "local",
		ContractAccount:    "keypom.testnet",
		RootAccount:        "testnet",
		NewAccountDeposit:  "0",
		WaitTimeoutSeconds: 30,
		Executor: Executor{
			Endpoint:       "http://127.0.0.1:3030",
			TimeoutSeconds: 10,
			Retries:        0,
		},
		RateLimit: RateLimit{RequestsPerSecond: 10, Burst: 20},
		Telemetry: Telemetry{Endpoint: "localhost:4318", Insecure: true, Metrics: true, Traces: true, SampleRatio: 1},
		Logging:   Logging{Level: "info", MaxSizeMB: 100, MaxBackups: 5, MaxAgeDays: 28},
		Scheduler: Scheduler{MaxParallelBranches: 8, DrainSeconds: 30},
		Stream:    Stream{Enabled: true},
	}
}

// Load loads the configuration from the given path, writing the defaults
// there first when the file does not exist.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	defaults := Default()
	if strings.TrimSpace(cfg.ListenAddress) == "" {
		cfg.ListenAddress = defaults.ListenAddress
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = defaults.DataDir
	}
	if strings.TrimSpace(cfg.NewAccountDeposit) == "" {
		cfg.NewAccountDeposit = "0"
	}
	if cfg.WaitTimeoutSeconds <= 0 {
		cfg.WaitTimeoutSeconds = defaults.WaitTimeoutSeconds
	}
	if cfg.Executor.TimeoutSeconds <= 0 {
		cfg.Executor.TimeoutSeconds = defaults.Executor.TimeoutSeconds
	}
	if cfg.Scheduler.MaxParallelBranches <= 0 {
		cfg.Scheduler.MaxParallelBranches = defaults.Scheduler.MaxParallelBranches
	}
	if cfg.Scheduler.DrainSeconds <= 0 {
		cfg.Scheduler.DrainSeconds = defaults.Scheduler.DrainSeconds
	}
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := Default()
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

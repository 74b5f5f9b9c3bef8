package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/tonimelisma/panupload/internal/pan"
	"github.com/tonimelisma/panupload/internal/source"
)

// Load reads and parses a TOML config file, validates it, and returns the
// resulting Config. Unknown keys are fatal, with "did you mean?"
// suggestions.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if err := checkUnknownKeys(&md); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault reads a TOML config file if it exists, otherwise returns
// a Config populated with all default values.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		return DefaultConfig(), nil
	}

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}

	return Load(path)
}

// Resolved is the fully merged configuration with every string setting
// parsed into the type its consumer needs.
type Resolved struct {
	Config

	ConfigPath string
	Password   string // from the environment only; never read from the file

	TokenPath        string
	LedgerPath       string
	SpoolDir         string
	SpoolMemoryLimit int64
	BandwidthLimit   int64 // bytes per second, 0 = unlimited
	Duplicate        pan.DuplicatePolicy
	Platform         source.Platform
	ConnectTimeout   time.Duration
	DataTimeout      time.Duration
}

// Resolve loads configuration and applies the override chain:
// defaults -> config file -> environment variables -> CLI flags.
func Resolve(env EnvOverrides, cli CLIOverrides) (*Resolved, error) {
	cfgPath := DefaultConfigPath()
	if env.ConfigPath != "" {
		cfgPath = env.ConfigPath
	}

	if cli.ConfigPath != "" {
		cfgPath = cli.ConfigPath
	}

	cfg, err := LoadOrDefault(cfgPath)
	if err != nil {
		return nil, err
	}

	applyEnv(cfg, env)
	applyCLI(cfg, cli)

	// Overrides bypassed Load's validation.
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return resolve(cfg, cfgPath, env.Password)
}

func applyEnv(cfg *Config, env EnvOverrides) {
	if env.TokenFile != "" {
		cfg.Account.TokenFile = env.TokenFile
	}

	if env.S3AccessKey != "" {
		cfg.S3.AccessKey = env.S3AccessKey
	}

	if env.S3SecretKey != "" {
		cfg.S3.SecretKey = env.S3SecretKey
	}
}

func applyCLI(cfg *Config, cli CLIOverrides) {
	if cli.TokenFile != "" {
		cfg.Account.TokenFile = cli.TokenFile
	}

	if cli.LogLevel != "" {
		cfg.Logging.LogLevel = cli.LogLevel
	}

	if cli.Duplicate != nil {
		cfg.Upload.Duplicate = *cli.Duplicate
	}

	if cli.FolderID != nil {
		cfg.Upload.DefaultFolderID = *cli.FolderID
	}

	if cli.Bandwidth != nil {
		cfg.Upload.BandwidthLimit = *cli.Bandwidth
	}
}

// resolve parses the validated string settings. Errors here mean Validate
// and resolve disagree.
func resolve(cfg *Config, cfgPath, password string) (*Resolved, error) {
	r := &Resolved{
		Config:     *cfg,
		ConfigPath: cfgPath,
		Password:   password,
		TokenPath:  absPath(cfg.Account.TokenFile, DefaultTokenPath()),
		LedgerPath: absPath(cfg.Ledger.Path, DefaultLedgerPath()),
		SpoolDir:   absPath(cfg.Upload.TempDir, DefaultSpoolDir()),
	}

	var errs []error

	var err error

	if r.SpoolMemoryLimit, err = ParseSize(cfg.Upload.SpoolMemoryLimit); err != nil {
		errs = append(errs, err)
	}

	if r.BandwidthLimit, err = ParseRate(cfg.Upload.BandwidthLimit); err != nil {
		errs = append(errs, err)
	}

	if r.Duplicate, err = pan.ParseDuplicatePolicy(cfg.Upload.Duplicate); err != nil {
		errs = append(errs, err)
	}

	if r.Platform, err = source.ParsePlatform(cfg.Upload.Platform); err != nil {
		errs = append(errs, err)
	}

	if r.ConnectTimeout, err = time.ParseDuration(cfg.Network.ConnectTimeout); err != nil {
		errs = append(errs, err)
	}

	if r.DataTimeout, err = time.ParseDuration(cfg.Network.DataTimeout); err != nil {
		errs = append(errs, err)
	}

	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	return r, nil
}

// absPath expands "~/" and makes p absolute; "" selects def.
func absPath(p, def string) string {
	p = expandTilde(p)
	if p == "" {
		return def
	}

	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}

	return p
}

package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/tonimelisma/panupload/internal/pan"
	"github.com/tonimelisma/panupload/internal/source"
)

// Validation range constants.
const (
	minBatchSize      = 1
	maxBatchSize      = 100
	minAsyncWorkers   = 1
	maxAsyncWorkers   = 64
	maxAPIQPS         = 100
	minSpoolMemory    = 64 * kibibyte
	minConnectTimeout = 1 * time.Second
	minDataTimeout    = 5 * time.Second
)

// Validate checks all configuration values and returns all errors found,
// so users can fix every issue in one pass.
func Validate(cfg *Config) error {
	var errs []error

	errs = append(errs, validateAccount(&cfg.Account)...)
	errs = append(errs, validateUpload(&cfg.Upload)...)
	errs = append(errs, validateNetwork(&cfg.Network)...)
	errs = append(errs, validateLogging(&cfg.Logging)...)

	return errors.Join(errs...)
}

func validateAccount(a *AccountConfig) []error {
	var errs []error

	for name, raw := range map[string]string{"base_url": a.BaseURL, "login_url": a.LoginURL} {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("account.%s: must be an absolute URL, got %q", name, raw))
		}
	}

	return errs
}

func validateUpload(u *UploadConfig) []error {
	var errs []error

	if u.DefaultFolderID < 0 {
		errs = append(errs, fmt.Errorf("upload.default_folder_id: must be non-negative, got %d", u.DefaultFolderID))
	}

	if _, err := pan.ParseDuplicatePolicy(u.Duplicate); err != nil {
		errs = append(errs, fmt.Errorf("upload.duplicate: %w", err))
	}

	if _, err := source.ParsePlatform(u.Platform); err != nil {
		errs = append(errs, fmt.Errorf("upload.platform: %w", err))
	}

	if n, err := ParseSize(u.SpoolMemoryLimit); err != nil {
		errs = append(errs, fmt.Errorf("upload.spool_memory_limit: %w", err))
	} else if n < minSpoolMemory {
		errs = append(errs, fmt.Errorf("upload.spool_memory_limit: must be at least 64KiB, got %s", u.SpoolMemoryLimit))
	}

	if _, err := ParseRate(u.BandwidthLimit); err != nil {
		errs = append(errs, fmt.Errorf("upload.bandwidth_limit: %w", err))
	}

	if u.BatchSize < minBatchSize || u.BatchSize > maxBatchSize {
		errs = append(errs, fmt.Errorf("upload.batch_size: must be between %d and %d, got %d",
			minBatchSize, maxBatchSize, u.BatchSize))
	}

	if u.AsyncWorkers < minAsyncWorkers || u.AsyncWorkers > maxAsyncWorkers {
		errs = append(errs, fmt.Errorf("upload.async_workers: must be between %d and %d, got %d",
			minAsyncWorkers, maxAsyncWorkers, u.AsyncWorkers))
	}

	if u.APIQPS < 0 || u.APIQPS > maxAPIQPS {
		errs = append(errs, fmt.Errorf("upload.api_qps: must be between 0 and %d, got %g", maxAPIQPS, u.APIQPS))
	}

	return errs
}

func validateNetwork(n *NetworkConfig) []error {
	var errs []error

	errs = append(errs, validateDurationMin("network.connect_timeout", n.ConnectTimeout, minConnectTimeout)...)
	errs = append(errs, validateDurationMin("network.data_timeout", n.DataTimeout, minDataTimeout)...)

	return errs
}

func validateDurationMin(field, value string, minimum time.Duration) []error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return []error{fmt.Errorf("%s: invalid duration %q: %w", field, value, err)}
	}

	if d < minimum {
		return []error{fmt.Errorf("%s: must be at least %s, got %s", field, minimum, value)}
	}

	return nil
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validLogFormats = map[string]bool{
	"auto": true,
	"text": true,
	"json": true,
}

func validateLogging(l *LoggingConfig) []error {
	var errs []error

	if !validLogLevels[l.LogLevel] {
		errs = append(errs, fmt.Errorf("logging.log_level: must be one of debug, info, warn, error; got %q", l.LogLevel))
	}

	if !validLogFormats[l.LogFormat] {
		errs = append(errs, fmt.Errorf("logging.log_format: must be one of auto, text, json; got %q", l.LogFormat))
	}

	return errs
}

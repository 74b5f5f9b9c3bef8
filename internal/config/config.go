// Package config implements TOML configuration loading, validation, and
// platform-specific path resolution for panupload. Values resolve through a
// four-layer override chain: defaults -> config file -> environment -> CLI
// flags.
package config

// Config is the top-level configuration structure parsed from a TOML file.
type Config struct {
	Account AccountConfig `toml:"account"`
	Upload  UploadConfig  `toml:"upload"`
	Network NetworkConfig `toml:"network"`
	Logging LoggingConfig `toml:"logging"`
	S3      S3Config      `toml:"s3"`
	Ledger  LedgerConfig  `toml:"ledger"`
}

// AccountConfig locates the service and the saved login.
type AccountConfig struct {
	BaseURL   string `toml:"base_url"`
	LoginURL  string `toml:"login_url"`
	TokenFile string `toml:"token_file"`
	Passport  string `toml:"passport"`
}

// UploadConfig controls the upload pipeline.
type UploadConfig struct {
	DefaultFolderID  int64   `toml:"default_folder_id"`
	Duplicate        string  `toml:"duplicate"`
	Platform         string  `toml:"platform"`
	SpoolMemoryLimit string  `toml:"spool_memory_limit"`
	TempDir          string  `toml:"temp_dir"`
	BatchSize        int     `toml:"batch_size"`
	BandwidthLimit   string  `toml:"bandwidth_limit"`
	APIQPS           float64 `toml:"api_qps"`
	AsyncWorkers     int     `toml:"async_workers"`
}

// NetworkConfig controls HTTP client behavior.
type NetworkConfig struct {
	ConnectTimeout string `toml:"connect_timeout"`
	DataTimeout    string `toml:"data_timeout"`
	UserAgent      string `toml:"user_agent"`
}

// LoggingConfig controls log output: level and format.
type LoggingConfig struct {
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`
}

// S3Config holds credentials for s3:// sources.
type S3Config struct {
	Endpoint  string `toml:"endpoint"`
	Region    string `toml:"region"`
	AccessKey string `toml:"access_key"`
	SecretKey string `toml:"secret_key"`
	UseSSL    bool   `toml:"use_ssl"`
}

// LedgerConfig controls the local digest cache and upload history.
type LedgerConfig struct {
	Path    string `toml:"path"`
	Enabled bool   `toml:"enabled"`
}

// CLIOverrides holds values from CLI flags that override config file and
// environment settings. Pointer fields distinguish "not specified" (nil)
// from "explicitly set to zero value".
type CLIOverrides struct {
	ConfigPath string  // --config flag (empty = use default)
	TokenFile  string  // --token-file flag
	LogLevel   string  // from --verbose/--debug/--quiet
	Duplicate  *string // --duplicate flag
	FolderID   *int64  // --folder flag
	Bandwidth  *string // --bwlimit flag
}

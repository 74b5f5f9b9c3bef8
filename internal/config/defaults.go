package config

import "github.com/tonimelisma/panupload/internal/pan"

// Default values for configuration options: layer 0 of the override chain.
const (
	defaultDuplicate        = "keep"
	defaultPlatform         = "auto"
	defaultSpoolMemoryLimit = "16MiB"
	defaultBatchSize        = 5
	defaultBandwidthLimit   = "0"
	defaultAPIQPS           = 2.0
	defaultAsyncWorkers     = 4
	defaultConnectTimeout   = "10s"
	defaultDataTimeout      = "60s"
	defaultLogLevel         = "info"
	defaultLogFormat        = "auto"
	defaultS3Region         = "us-east-1"
)

// DefaultConfig returns a Config populated with all default values. It is
// the starting point for TOML decoding, so unset fields keep defaults.
func DefaultConfig() *Config {
	return &Config{
		Account: AccountConfig{
			BaseURL:  pan.DefaultBaseURL,
			LoginURL: pan.DefaultLoginURL,
		},
		Upload: UploadConfig{
			Duplicate:        defaultDuplicate,
			Platform:         defaultPlatform,
			SpoolMemoryLimit: defaultSpoolMemoryLimit,
			BatchSize:        defaultBatchSize,
			BandwidthLimit:   defaultBandwidthLimit,
			APIQPS:           defaultAPIQPS,
			AsyncWorkers:     defaultAsyncWorkers,
		},
		Network: NetworkConfig{
			ConnectTimeout: defaultConnectTimeout,
			DataTimeout:    defaultDataTimeout,
		},
		Logging: LoggingConfig{
			LogLevel:  defaultLogLevel,
			LogFormat: defaultLogFormat,
		},
		S3: S3Config{
			Region: defaultS3Region,
			UseSSL: true,
		},
		Ledger: LedgerConfig{
			Enabled: true,
		},
	}
}

package config

import "os"

// Environment variable names for overrides.
const (
	EnvConfig      = "PANUPLOAD_CONFIG"
	EnvTokenFile   = "PANUPLOAD_TOKEN_FILE"
	EnvPassword    = "PANUPLOAD_PASSWORD" //nolint:gosec // G101: variable name, not a credential
	EnvS3AccessKey = "PANUPLOAD_S3_ACCESS_KEY"
	EnvS3SecretKey = "PANUPLOAD_S3_SECRET_KEY" //nolint:gosec // G101: variable name, not a credential
)

// EnvOverrides holds values derived from environment variables.
type EnvOverrides struct {
	ConfigPath  string // PANUPLOAD_CONFIG: override config file path
	TokenFile   string // PANUPLOAD_TOKEN_FILE: token file path
	Password    string // PANUPLOAD_PASSWORD: lets the client sign in again on expiry
	S3AccessKey string
	S3SecretKey string
}

// ReadEnvOverrides reads environment variables and returns any overrides found.
func ReadEnvOverrides() EnvOverrides {
	return EnvOverrides{
		ConfigPath:  os.Getenv(EnvConfig),
		TokenFile:   os.Getenv(EnvTokenFile),
		Password:    os.Getenv(EnvPassword),
		S3AccessKey: os.Getenv(EnvS3AccessKey),
		S3SecretKey: os.Getenv(EnvS3SecretKey),
	}
}

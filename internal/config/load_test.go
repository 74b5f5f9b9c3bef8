package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/panupload/internal/pan"
	"github.com/tonimelisma/panupload/internal/source"
)

func writeTestConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestLoad_ValidFullConfig(t *testing.T) {
	path := writeTestConfig(t, `
[account]
base_url = "https://pan.example/b/api"
login_url = "https://login.example/api/user/sign_in"
token_file = "/var/lib/panupload/token.json"
passport = "13800000000"

[upload]
default_folder_id = 42
duplicate = "overwrite"
platform = "windows"
spool_memory_limit = "32MiB"
temp_dir = "/tmp/spool"
batch_size = 8
bandwidth_limit = "5MB/s"
api_qps = 1.5
async_workers = 2

[network]
connect_timeout = "5s"
data_timeout = "2m"
user_agent = "panupload-test"

[logging]
log_level = "debug"
log_format = "json"

[s3]
endpoint = "minio.local:9000"
region = "eu-west-1"
access_key = "AK"
secret_key = "SK"
use_ssl = false

[ledger]
path = "/var/lib/panupload/ledger.db"
enabled = false
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "https://pan.example/b/api", cfg.Account.BaseURL)
	assert.Equal(t, "13800000000", cfg.Account.Passport)
	assert.Equal(t, int64(42), cfg.Upload.DefaultFolderID)
	assert.Equal(t, "overwrite", cfg.Upload.Duplicate)
	assert.Equal(t, 8, cfg.Upload.BatchSize)
	assert.InDelta(t, 1.5, cfg.Upload.APIQPS, 0.001)
	assert.Equal(t, "panupload-test", cfg.Network.UserAgent)
	assert.Equal(t, "json", cfg.Logging.LogFormat)
	assert.Equal(t, "minio.local:9000", cfg.S3.Endpoint)
	assert.False(t, cfg.S3.UseSSL)
	assert.False(t, cfg.Ledger.Enabled)
}

func TestLoad_PartialKeepsDefaults(t *testing.T) {
	path := writeTestConfig(t, "[upload]\nbatch_size = 3\n")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Upload.BatchSize)
	assert.Equal(t, defaultDuplicate, cfg.Upload.Duplicate)
	assert.Equal(t, pan.DefaultBaseURL, cfg.Account.BaseURL)
	assert.True(t, cfg.Ledger.Enabled)
	assert.True(t, cfg.S3.UseSSL)
}

func TestLoad_InvalidTOML(t *testing.T) {
	_, err := Load(writeTestConfig(t, "[upload\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing config file")
}

func TestLoad_ValidationErrors(t *testing.T) {
	_, err := Load(writeTestConfig(t, "[upload]\nbatch_size = 0\nduplicate = \"merge\"\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upload.batch_size")
	assert.Contains(t, err.Error(), "upload.duplicate")
}

func TestLoadOrDefault_MissingFile(t *testing.T) {
	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestResolve_Defaults(t *testing.T) {
	r, err := Resolve(EnvOverrides{}, CLIOverrides{ConfigPath: filepath.Join(t.TempDir(), "none.toml")})
	require.NoError(t, err)

	assert.Equal(t, pan.DuplicateKeep, r.Duplicate)
	assert.Equal(t, source.HostPlatform(), r.Platform)
	assert.Equal(t, int64(16<<20), r.SpoolMemoryLimit)
	assert.Zero(t, r.BandwidthLimit)
	assert.Equal(t, 10*time.Second, r.ConnectTimeout)
	assert.Equal(t, 60*time.Second, r.DataTimeout)
	assert.Equal(t, DefaultTokenPath(), r.TokenPath)
	assert.Equal(t, DefaultLedgerPath(), r.LedgerPath)
	assert.Equal(t, DefaultSpoolDir(), r.SpoolDir)
}

func TestResolve_Precedence(t *testing.T) {
	path := writeTestConfig(t, `
[account]
token_file = "/from/file.json"

[upload]
duplicate = "ask"
default_folder_id = 1
bandwidth_limit = "1MB/s"

[s3]
access_key = "file-key"
`)

	env := EnvOverrides{
		ConfigPath:  "/ignored/because/cli/wins.toml",
		TokenFile:   "/from/env.json",
		Password:    "secret",
		S3AccessKey: "env-key",
	}

	overwrite := "overwrite"
	folder := int64(99)

	r, err := Resolve(env, CLIOverrides{
		ConfigPath: path,
		LogLevel:   "debug",
		Duplicate:  &overwrite,
		FolderID:   &folder,
	})
	require.NoError(t, err)

	assert.Equal(t, path, r.ConfigPath)
	assert.Equal(t, "/from/env.json", r.TokenPath, "env beats file")
	assert.Equal(t, "secret", r.Password)
	assert.Equal(t, "env-key", r.S3.AccessKey)
	assert.Equal(t, pan.DuplicateOverwrite, r.Duplicate, "cli beats file")
	assert.Equal(t, int64(99), r.Upload.DefaultFolderID)
	assert.Equal(t, "debug", r.Logging.LogLevel)
	assert.Equal(t, int64(1_000_000), r.BandwidthLimit)
}

func TestResolve_CLITokenFileBeatsEnv(t *testing.T) {
	r, err := Resolve(
		EnvOverrides{ConfigPath: filepath.Join(t.TempDir(), "none.toml"), TokenFile: "/env.json"},
		CLIOverrides{TokenFile: "/cli.json"},
	)
	require.NoError(t, err)
	assert.Equal(t, "/cli.json", r.TokenPath)
}

func TestResolve_InvalidOverride(t *testing.T) {
	bad := "sideways"

	_, err := Resolve(EnvOverrides{}, CLIOverrides{
		ConfigPath: filepath.Join(t.TempDir(), "none.toml"),
		Duplicate:  &bad,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upload.duplicate")
}

func TestResolve_RelativePathsMadeAbsolute(t *testing.T) {
	path := writeTestConfig(t, "[ledger]\npath = \"rel/ledger.db\"\n")

	r, err := Resolve(EnvOverrides{}, CLIOverrides{ConfigPath: path})
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(r.LedgerPath))
	assert.Equal(t, "ledger.db", filepath.Base(r.LedgerPath))
}

func TestReadEnvOverrides(t *testing.T) {
	t.Setenv(EnvConfig, "/c.toml")
	t.Setenv(EnvTokenFile, "/t.json")
	t.Setenv(EnvPassword, "pw")
	t.Setenv(EnvS3AccessKey, "ak")
	t.Setenv(EnvS3SecretKey, "sk")

	assert.Equal(t, EnvOverrides{
		ConfigPath:  "/c.toml",
		TokenFile:   "/t.json",
		Password:    "pw",
		S3AccessKey: "ak",
		S3SecretKey: "sk",
	}, ReadEnvOverrides())
}

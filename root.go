package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/tonimelisma/panupload/internal/config"
)

// version is set at build time via ldflags.
var version = "dev"

// Global persistent flags, bound in newRootCmd().
var (
	flagConfigPath string
	flagTokenFile  string
	flagJSON       bool
	flagVerbose    bool
	flagDebug      bool
	flagQuiet      bool
)

// resolvedCfg holds the effective configuration loaded by PersistentPreRunE.
var resolvedCfg *config.Resolved

// newHTTPClients builds the metadata client (whole-request timeout) and the
// transfer client used for part PUTs. Part bodies can take arbitrarily long,
// so the transfer client only bounds connecting and waiting for headers.
func newHTTPClients(cfg *config.Resolved) (meta, transfer *http.Client) {
	dialer := &net.Dialer{Timeout: cfg.ConnectTimeout}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = dialer.DialContext
	transport.TLSHandshakeTimeout = cfg.ConnectTimeout
	transport.ResponseHeaderTimeout = cfg.DataTimeout

	meta = &http.Client{Transport: transport, Timeout: cfg.ConnectTimeout + cfg.DataTimeout}
	transfer = &http.Client{Transport: transport}

	return meta, transfer
}

// skipConfigCommands lists commands that work without a resolved config.
// Keyed by CommandPath() so a future "history prune" sibling does not match
// by accident.
var skipConfigCommands = map[string]bool{
	"panupload":         true,
	"panupload version": true,
}

// CLIContext carries what every command needs after the pre-run phase.
type CLIContext struct {
	Cfg    *config.Resolved
	Logger *slog.Logger
	Flags  CLIFlags
	Status io.Writer // progress and failure lines; nil means stderr
}

// CLIFlags are the persistent output flags.
type CLIFlags struct {
	JSON  bool
	Quiet bool
}

type cliContextKey struct{}

func withCLIContext(ctx context.Context, cc *CLIContext) context.Context {
	return context.WithValue(ctx, cliContextKey{}, cc)
}

// mustCLIContext returns the CLIContext stored by the root pre-run. Panics
// when called from a command that skipped config loading.
func mustCLIContext(ctx context.Context) *CLIContext {
	cc, ok := ctx.Value(cliContextKey{}).(*CLIContext)
	if !ok {
		panic("panupload: CLIContext missing; command skipped config loading")
	}

	return cc
}

// newRootCmd builds and returns the fully-assembled root command with all
// subcommands registered. Called once from main().
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "panupload",
		Short: "Upload files to 123pan",
		Long: `Upload local files, stdin, HTTP(S) URLs and S3 objects to 123pan.

Content already stored by the service is deduplicated without transfer.
Larger payloads are sent in parts using batches of presigned URLs.`,
		Version: version,
		// Silence Cobra's default error/usage printing; main handles it.
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if skipConfigCommands[cmd.CommandPath()] {
				return nil
			}

			return loadConfig(cmd)
		},
	}

	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "config file path")
	cmd.PersistentFlags().StringVar(&flagTokenFile, "token-file", "", "token file path")
	cmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "output in JSON format")
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable info logging")
	cmd.PersistentFlags().BoolVar(&flagDebug, "debug", false, "enable debug logging")
	cmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "suppress informational output")
	cmd.MarkFlagsMutuallyExclusive("verbose", "debug", "quiet")

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newLoginCmd())
	cmd.AddCommand(newLogoutCmd())
	cmd.AddCommand(newWhoamiCmd())
	cmd.AddCommand(newPutCmd())
	cmd.AddCommand(newWatchCmd())
	cmd.AddCommand(newHistoryCmd())

	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "panupload", version)
		},
	}
}

// loadConfig resolves the effective configuration from the four-layer override
// chain and stores the result in resolvedCfg and the command context.
func loadConfig(cmd *cobra.Command) error {
	cli := config.CLIOverrides{
		ConfigPath: flagConfigPath,
		TokenFile:  flagTokenFile,
	}

	if err := applyUploadFlags(cmd, &cli); err != nil {
		return err
	}

	env := config.ReadEnvOverrides()

	bootstrapLogger().Debug("resolving config",
		slog.String("cli_config", cli.ConfigPath),
		slog.String("env_config", env.ConfigPath),
	)

	resolved, err := config.Resolve(env, cli)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	resolvedCfg = resolved

	logger := buildLogger()
	logger.Debug("config resolved",
		slog.String("config_path", resolved.ConfigPath),
		slog.String("token_path", resolved.TokenPath),
	)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	cmd.SetContext(withCLIContext(ctx, &CLIContext{
		Cfg:    resolved,
		Logger: logger,
		Flags:  CLIFlags{JSON: flagJSON, Quiet: flagQuiet},
		Status: cmd.ErrOrStderr(),
	}))

	return nil
}

// applyUploadFlags passes --duplicate, --folder and --bwlimit to the resolver
// when the command has them and the user set them, so they are validated
// with the rest of the config.
func applyUploadFlags(cmd *cobra.Command, cli *config.CLIOverrides) error {
	if f := cmd.Flags().Lookup("duplicate"); f != nil && f.Changed {
		v := f.Value.String()
		cli.Duplicate = &v
	}

	if f := cmd.Flags().Lookup("bwlimit"); f != nil && f.Changed {
		v := f.Value.String()
		cli.Bandwidth = &v
	}

	if f := cmd.Flags().Lookup("folder"); f != nil && f.Changed {
		id, err := strconv.ParseInt(f.Value.String(), 10, 64)
		if err != nil {
			return fmt.Errorf("invalid --folder %q: %w", f.Value.String(), err)
		}

		cli.FolderID = &id
	}

	return nil
}

// bootstrapLogger is used before config is loaded: Warn by default, lowered
// by --verbose/--debug and raised by --quiet.
func bootstrapLogger() *slog.Logger {
	level := slog.LevelWarn

	switch {
	case flagDebug:
		level = slog.LevelDebug
	case flagVerbose:
		level = slog.LevelInfo
	case flagQuiet:
		level = slog.LevelError
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// buildLogger creates an slog.Logger configured by the resolved config and
// CLI flags. Config-file log level provides the baseline; --verbose, --debug
// and --quiet override it because CLI flags always win.
func buildLogger() *slog.Logger {
	level := slog.LevelWarn
	format := "auto"

	if resolvedCfg != nil {
		level = parseLevel(resolvedCfg.Logging.LogLevel)
		format = resolvedCfg.Logging.LogFormat
	}

	switch {
	case flagDebug:
		level = slog.LevelDebug
	case flagVerbose:
		level = slog.LevelInfo
	case flagQuiet:
		level = slog.LevelError
	}

	return slog.New(newLogHandler(os.Stderr, format, level))
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "error":
		return slog.LevelError
	default:
		return slog.LevelWarn
	}
}

// newLogHandler picks text or JSON output. "auto" means text on a terminal
// and JSON otherwise.
func newLogHandler(w io.Writer, format string, level slog.Level) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}

	if format == "auto" {
		format = "json"

		if f, ok := w.(*os.File); ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())) {
			format = "text"
		}
	}

	if format == "json" {
		return slog.NewJSONHandler(w, opts)
	}

	return slog.NewTextHandler(w, opts)
}

// exitOnError prints a user-friendly error message to stderr and exits with
// exitCode(err).
func exitOnError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(exitCode(err))
}

// exitCode is 130 when a shutdown signal stopped the command and 1 otherwise.
func exitCode(err error) int {
	var ie *interruptedError
	if errors.As(err, &ie) {
		return exitInterrupted
	}

	return 1
}

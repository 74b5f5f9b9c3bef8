package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/panupload/internal/config"
	"github.com/tonimelisma/panupload/internal/pan"
	"github.com/tonimelisma/panupload/internal/tokenfile"
)

func newLoginCmd() *cobra.Command {
	var (
		passport      string
		passwordStdin bool
	)

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in with a 123pan passport and password",
		Long: `Sign in and save the token file.

The password comes from ` + config.EnvPassword + ` or, with --password-stdin,
from the first line of standard input.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runLogin(cmd, passport, passwordStdin)
		},
	}

	cmd.Flags().StringVar(&passport, "passport", "", "phone number or email (default: account.passport)")
	cmd.Flags().BoolVar(&passwordStdin, "password-stdin", false, "read the password from stdin")

	return cmd
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Remove saved authentication token",
		Args:  cobra.NoArgs,
		RunE:  runLogout,
	}
}

func newWhoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Display the signed-in passport and token expiry",
		Args:  cobra.NoArgs,
		RunE:  runWhoami,
	}
}

// readPassword returns the first line of r without its line ending.
func readPassword(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("reading password: %w", err)
	}

	return strings.TrimRight(line, "\r\n"), nil
}

func runLogin(cmd *cobra.Command, passport string, passwordStdin bool) error {
	cc := mustCLIContext(cmd.Context())

	creds := pan.Credentials{
		Passport: cc.Cfg.Account.Passport,
		Password: cc.Cfg.Password,
	}

	if passport != "" {
		creds.Passport = passport
	}

	if passwordStdin {
		pw, err := readPassword(cmd.InOrStdin())
		if err != nil {
			return err
		}

		creds.Password = pw
	}

	if creds.Passport == "" {
		return errors.New("no passport: pass --passport or set account.passport")
	}

	if creds.Password == "" {
		return fmt.Errorf("no password: set %s or use --password-stdin", config.EnvPassword)
	}

	cc.Logger.Info("login started", "passport", creds.Passport)

	metaHTTP, _ := newHTTPClients(cc.Cfg)
	auth := pan.NewAuthenticator(cc.Cfg.Account.LoginURL, metaHTTP, cc.Logger)

	sess, err := auth.Login(cmd.Context(), cc.Cfg.TokenPath, creds)
	if err != nil {
		return err
	}

	cc.Statusf("Logged in as %s (token valid until %s).\n", sess.Passport(), sess.Expiry().Format(time.DateTime))

	return nil
}

func runLogout(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())

	if err := pan.Logout(cc.Cfg.TokenPath, cc.Logger); err != nil {
		return err
	}

	cc.Statusf("Logged out.\n")

	return nil
}

// whoamiOutput is the JSON schema for `whoami --json`.
type whoamiOutput struct {
	Passport  string    `json:"passport"`
	Expiry    time.Time `json:"expiry"`
	Expired   bool      `json:"expired"`
	TokenFile string    `json:"token_file"`
}

func runWhoami(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())

	metaHTTP, _ := newHTTPClients(cc.Cfg)
	auth := pan.NewAuthenticator(cc.Cfg.Account.LoginURL, metaHTTP, cc.Logger)

	// No credentials: whoami never signs in.
	sess, err := auth.Resume(cmd.Context(), cc.Cfg.TokenPath, nil)
	if err != nil {
		if errors.Is(err, pan.ErrNotLoggedIn) {
			return fmt.Errorf("not logged in: run 'panupload login' first")
		}

		// The token is unusable but the file may still name its account.
		if meta, metaErr := tokenfile.ReadMeta(cc.Cfg.TokenPath); metaErr == nil && meta[tokenfile.MetaPassport] != "" {
			return fmt.Errorf("saved login for %s is unusable, run 'panupload login' again: %w",
				meta[tokenfile.MetaPassport], err)
		}

		return err
	}

	out := whoamiOutput{
		Passport:  sess.Passport(),
		Expiry:    sess.Expiry(),
		Expired:   !sess.Expiry().IsZero() && sess.Expiry().Before(time.Now()),
		TokenFile: cc.Cfg.TokenPath,
	}

	if cc.Flags.JSON {
		return printJSON(cmd.OutOrStdout(), out)
	}

	passport := out.Passport
	if passport == "" {
		passport = "(unknown)"
	}

	state := "valid"
	if out.Expired {
		state = "expired"
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Passport:   %s\n", passport)
	fmt.Fprintf(cmd.OutOrStdout(), "Token:      %s until %s\n", state, out.Expiry.Format(time.DateTime))
	fmt.Fprintf(cmd.OutOrStdout(), "Token file: %s\n", out.TokenFile)

	return nil
}

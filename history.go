package main

import (
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/panupload/internal/ledger"
)

func newHistoryCmd() *cobra.Command {
	var (
		limit  int
		digest string
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List completed uploads",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runHistory(cmd, limit, digest)
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of entries to show (0 = all)")
	cmd.Flags().StringVar(&digest, "md5", "", "only show uploads of this content")

	cmd.AddCommand(newHistoryPruneCmd())
	cmd.AddCommand(newHistoryForgetCmd())

	return cmd
}

func newHistoryPruneCmd() *cobra.Command {
	var olderThan string

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete history entries older than a given age",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runHistoryPrune(cmd, olderThan)
		},
	}

	cmd.Flags().StringVar(&olderThan, "older-than", "90d", "age cutoff (e.g. 90d, 12h)")

	return cmd
}

func newHistoryForgetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "forget <path>...",
		Short: "Drop cached digests so the files are hashed again",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runHistoryForget,
	}
}

// openLedger opens the ledger named by the resolved config.
func openLedger(cmd *cobra.Command) (*ledger.Store, *CLIContext, error) {
	cc := mustCLIContext(cmd.Context())

	if !cc.Cfg.Ledger.Enabled {
		return nil, nil, errors.New("the ledger is disabled (ledger.enabled = false)")
	}

	store, err := ledger.Open(cmd.Context(), cc.Cfg.LedgerPath, cc.Logger)
	if err != nil {
		return nil, nil, err
	}

	return store, cc, nil
}

// historyJSON is the JSON schema for `history --json`.
type historyJSON struct {
	ID          int64     `json:"id"`
	FileID      int64     `json:"file_id"`
	Name        string    `json:"name"`
	Size        int64     `json:"size"`
	MD5         string    `json:"md5"`
	ContentType string    `json:"content_type,omitempty"`
	FolderID    int64     `json:"folder_id"`
	Origin      string    `json:"origin,omitempty"`
	Reused      bool      `json:"reused"`
	Multipart   bool      `json:"multipart"`
	Parts       int       `json:"parts"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
}

func runHistory(cmd *cobra.Command, limit int, digest string) error {
	store, cc, err := openLedger(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	var entries []ledger.Entry

	if digest != "" {
		entries, err = store.FindByDigest(cmd.Context(), strings.ToLower(digest))
	} else {
		entries, err = store.List(cmd.Context(), limit)
	}

	if err != nil {
		return err
	}

	if cc.Flags.JSON {
		out := make([]historyJSON, 0, len(entries))
		for i := range entries {
			e := &entries[i]
			out = append(out, historyJSON{
				ID:          e.ID,
				FileID:      e.FileID,
				Name:        e.FileName,
				Size:        e.Size,
				MD5:         e.Digest,
				ContentType: e.ContentType,
				FolderID:    e.FolderID,
				Origin:      e.Origin,
				Reused:      e.Reused,
				Multipart:   e.Multipart,
				Parts:       e.Parts,
				StartedAt:   e.StartedAt,
				CompletedAt: e.CompletedAt,
			})
		}

		return printJSON(cmd.OutOrStdout(), out)
	}

	if len(entries) == 0 {
		cc.Statusf("No uploads recorded.\n")
		return nil
	}

	headers := []string{"COMPLETED", "FILE ID", "NAME", "SIZE", "MODE", "ORIGIN"}
	rows := make([][]string, 0, len(entries))

	for i := range entries {
		e := &entries[i]

		rows = append(rows, []string{
			formatTime(e.CompletedAt),
			strconv.FormatInt(e.FileID, 10),
			e.FileName,
			formatSize(e.Size),
			uploadMode(e.Reused, e.Multipart, e.Parts),
			e.Origin,
		})
	}

	printTable(cmd.OutOrStdout(), headers, rows)

	return nil
}

// parseAge parses a Go duration or a whole number of days ("90d").
func parseAge(s string) (time.Duration, error) {
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("invalid age %q", s)
		}

		return time.Duration(n) * 24 * time.Hour, nil
	}

	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("invalid age %q", s)
	}

	return d, nil
}

func runHistoryPrune(cmd *cobra.Command, olderThan string) error {
	age, err := parseAge(olderThan)
	if err != nil {
		return err
	}

	store, cc, err := openLedger(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	n, err := store.Prune(cmd.Context(), time.Now().Add(-age))
	if err != nil {
		return err
	}

	cc.Statusf("Pruned %d entries older than %s.\n", n, olderThan)

	return nil
}

func runHistoryForget(cmd *cobra.Command, args []string) error {
	store, cc, err := openLedger(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	for _, p := range args {
		abs, absErr := filepath.Abs(p)
		if absErr != nil {
			return fmt.Errorf("resolving %s: %w", p, absErr)
		}

		if err := store.ForgetDigest(cmd.Context(), abs); err != nil {
			return err
		}

		cc.Logger.Debug("forgot cached digest", "path", abs)
	}

	cc.Statusf("Forgot %d cached digests.\n", len(args))

	return nil
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/tonimelisma/panupload/internal/config"
	"github.com/tonimelisma/panupload/internal/ledger"
	"github.com/tonimelisma/panupload/internal/pan"
	"github.com/tonimelisma/panupload/internal/source"
	"github.com/tonimelisma/panupload/internal/upload"
)

// UploadSession holds the authenticated client and the upload pipeline wired
// from resolved config. Close releases the ledger.
type UploadSession struct {
	Client   *pan.Client
	Session  *pan.Session
	Uploader *upload.Uploader
	Ledger   *ledger.Store // nil when the ledger is disabled
}

// credentials returns sign-in credentials when both the passport and the
// password are configured; nil means the saved token is used as is.
func credentials(cfg *config.Resolved) *pan.Credentials {
	if cfg.Account.Passport == "" || cfg.Password == "" {
		return nil
	}

	return &pan.Credentials{Passport: cfg.Account.Passport, Password: cfg.Password}
}

// NewUploadSession loads the saved token, opens the ledger and assembles the
// normalizer and uploader. ctx must outlive the session: token renewal uses
// it.
func NewUploadSession(ctx context.Context, cfg *config.Resolved, logger *slog.Logger) (*UploadSession, error) {
	metaHTTP, transferHTTP := newHTTPClients(cfg)

	auth := pan.NewAuthenticator(cfg.Account.LoginURL, metaHTTP, logger)

	sess, err := auth.Resume(ctx, cfg.TokenPath, credentials(cfg))
	if err != nil {
		if errors.Is(err, pan.ErrNotLoggedIn) {
			return nil, fmt.Errorf("not logged in: run 'panupload login' first")
		}

		return nil, err
	}

	client := pan.NewClient(cfg.Account.BaseURL, metaHTTP, sess, logger, cfg.Network.UserAgent)
	client.SetTransferClient(transferHTTP)
	client.SetRateLimit(cfg.Upload.APIQPS)

	us := &UploadSession{Client: client, Session: sess}

	openers := map[string]source.Opener{
		"http":  &source.HTTPOpener{Client: transferHTTP, UserAgent: cfg.Network.UserAgent},
		"https": &source.HTTPOpener{Client: transferHTTP, UserAgent: cfg.Network.UserAgent},
	}

	if cfg.S3.Endpoint != "" {
		s3, s3Err := source.NewS3Opener(source.S3Config{
			Endpoint:  cfg.S3.Endpoint,
			Region:    cfg.S3.Region,
			AccessKey: cfg.S3.AccessKey,
			SecretKey: cfg.S3.SecretKey,
			UseSSL:    cfg.S3.UseSSL,
		})
		if s3Err != nil {
			return nil, s3Err
		}

		openers["s3"] = s3
	}

	if err := os.MkdirAll(cfg.SpoolDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating spool directory: %w", err)
	}

	normOpts := source.Options{
		Platform:         cfg.Platform,
		SpoolMemoryLimit: cfg.SpoolMemoryLimit,
		TempDir:          cfg.SpoolDir,
		Openers:          openers,
	}

	upOpts := upload.Options{
		BatchSize: cfg.Upload.BatchSize,
		Limiter:   upload.NewBandwidthLimiter(cfg.BandwidthLimit, logger),
	}

	if cfg.Ledger.Enabled {
		store, ledgerErr := ledger.Open(ctx, cfg.LedgerPath, logger)
		if ledgerErr != nil {
			return nil, fmt.Errorf("opening ledger: %w", ledgerErr)
		}

		us.Ledger = store
		normOpts.Cache = store
		upOpts.History = store
	}

	us.Uploader = upload.NewUploader(client, source.NewNormalizer(normOpts, logger), upOpts, logger)

	logger.Debug("upload session ready",
		slog.String("base_url", cfg.Account.BaseURL),
		slog.String("passport", sess.Passport()),
		slog.Bool("ledger", us.Ledger != nil),
		slog.Bool("s3", cfg.S3.Endpoint != ""),
	)

	return us, nil
}

// Close releases the ledger, if open.
func (s *UploadSession) Close() error {
	if s.Ledger == nil {
		return nil
	}

	return s.Ledger.Close()
}

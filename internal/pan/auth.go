package pan

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/tonimelisma/panupload/internal/tokenfile"
)

// DefaultLoginURL is the passport sign-in endpoint.
const DefaultLoginURL = "https://login.123pan.com/api/user/sign_in"

// defaultTokenLifetime applies when the sign-in response omits or garbles
// the expiry.
const defaultTokenLifetime = 24 * time.Hour

const metaPassport = tokenfile.MetaPassport

// Credentials are the passport (phone number or email) and password used to
// sign in.
type Credentials struct {
	Passport string
	Password string
}

// Authenticator signs in against the passport endpoint and hands out
// Sessions backed by a token file.
type Authenticator struct {
	loginURL   string
	httpClient *http.Client
	logger     *slog.Logger
	nowFunc    func() time.Time
}

// NewAuthenticator creates an Authenticator. Empty loginURL selects
// DefaultLoginURL.
func NewAuthenticator(loginURL string, httpClient *http.Client, logger *slog.Logger) *Authenticator {
	if loginURL == "" {
		loginURL = DefaultLoginURL
	}

	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Authenticator{
		loginURL:   loginURL,
		httpClient: httpClient,
		logger:     logger,
		nowFunc:    time.Now,
	}
}

type signInBody struct {
	Passport string `json:"passport"`
	Password string `json:"password"`
	Remember bool   `json:"remember"`
}

type signInData struct {
	Token  string `json:"token"`
	Expire string `json:"expire"`
}

// Login signs in with creds, saves the token at tokenPath and returns a
// Session that can re-login on its own when the token expires.
func (a *Authenticator) Login(ctx context.Context, tokenPath string, creds Credentials) (*Session, error) {
	a.logger.Info("signing in",
		slog.String("passport", creds.Passport),
		slog.String("path", tokenPath),
	)

	tok, err := a.signIn(ctx, creds)
	if err != nil {
		return nil, err
	}

	meta := map[string]string{metaPassport: creds.Passport}

	if saveErr := tokenfile.Save(tokenPath, tok, meta); saveErr != nil {
		return nil, fmt.Errorf("pan: saving token: %w", saveErr)
	}

	a.logger.Info("login successful",
		slog.String("path", tokenPath),
		slog.Time("expiry", tok.Expiry),
	)

	return a.newSession(ctx, tokenPath, tok, meta, &creds), nil
}

// Resume loads the token saved at tokenPath. creds may be nil; without them
// an expired token yields ErrNotLoggedIn instead of a silent re-login.
// Returns ErrNotLoggedIn when there is no token file and no creds.
//
// ctx is kept for re-login calls made from Token and must outlive the
// Session.
func (a *Authenticator) Resume(ctx context.Context, tokenPath string, creds *Credentials) (*Session, error) {
	tok, meta, err := tokenfile.Load(tokenPath)
	if err != nil {
		return nil, err
	}

	if tok == nil && creds == nil {
		return nil, ErrNotLoggedIn
	}

	if tok != nil {
		a.logger.Info("loaded saved token",
			slog.String("path", tokenPath),
			slog.Time("expiry", tok.Expiry),
			slog.Bool("expired", !tok.Expiry.IsZero() && tok.Expiry.Before(a.nowFunc())),
		)
	}

	return a.newSession(ctx, tokenPath, tok, meta, creds), nil
}

func (a *Authenticator) newSession(
	ctx context.Context, tokenPath string, tok *oauth2.Token, meta map[string]string, creds *Credentials,
) *Session {
	return &Session{
		ctx:   ctx,
		auth:  a,
		path:  tokenPath,
		tok:   tok,
		meta:  meta,
		creds: creds,
	}
}

// signIn performs one passport sign-in.
func (a *Authenticator) signIn(ctx context.Context, creds Credentials) (*oauth2.Token, error) {
	if creds.Passport == "" || creds.Password == "" {
		return nil, fmt.Errorf("pan: passport and password are required: %w", ErrNotLoggedIn)
	}

	payload, err := json.Marshal(signInBody{
		Passport: creds.Passport,
		Password: creds.Password,
		Remember: true,
	})
	if err != nil {
		return nil, fmt.Errorf("pan: encoding sign-in request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.loginURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("pan: creating sign-in request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Platform", platformHeader)
	req.Header.Set("App-Version", appVersionHeader)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("pan: sign-in request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("pan: reading sign-in response: %w", err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, &APIError{
			HTTPStatus: resp.StatusCode,
			Message:    string(raw),
			Err:        classifyStatus(resp.StatusCode),
		}
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("pan: decoding sign-in envelope: %w", err)
	}

	if !isSuccessCode(env.Code) {
		return nil, &APIError{
			HTTPStatus: resp.StatusCode,
			Code:       env.Code,
			Message:    env.Message,
			Err:        ErrUnauthorized,
		}
	}

	var data signInData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, fmt.Errorf("pan: decoding sign-in data: %w", err)
	}

	if data.Token == "" {
		return nil, fmt.Errorf("pan: sign-in returned no token: %w", ErrUnauthorized)
	}

	expiry, perr := time.Parse(time.RFC3339, data.Expire)
	if perr != nil {
		expiry = a.nowFunc().Add(defaultTokenLifetime)
	}

	return &oauth2.Token{
		AccessToken: data.Token,
		TokenType:   "Bearer",
		Expiry:      expiry,
	}, nil
}

// Session is a TokenSource backed by a token file. It implements Invalidator
// so the client can force one re-login after the server rejects the token.
// Safe for concurrent use.
type Session struct {
	ctx   context.Context
	auth  *Authenticator
	path  string
	creds *Credentials

	mu   sync.Mutex
	tok  *oauth2.Token
	meta map[string]string
}

// Token returns a valid access token, signing in again when the cached one
// has expired or was invalidated and credentials are available.
func (s *Session) Token() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tok != nil && s.tok.Valid() {
		return s.tok.AccessToken, nil
	}

	if s.creds == nil {
		s.auth.logger.Warn("token expired and no credentials to renew it",
			slog.String("path", s.path),
		)

		return "", fmt.Errorf("pan: token expired, run login again: %w", ErrNotLoggedIn)
	}

	s.auth.logger.Info("renewing token", slog.String("path", s.path))

	tok, err := s.auth.signIn(s.ctx, *s.creds)
	if err != nil {
		return "", err
	}

	if s.meta == nil {
		s.meta = make(map[string]string, 1)
	}

	s.meta[metaPassport] = s.creds.Passport

	if err := tokenfile.Save(s.path, tok, s.meta); err != nil {
		s.auth.logger.Warn("failed to persist renewed token",
			slog.String("path", s.path),
			slog.String("error", err.Error()),
		)
	}

	s.tok = tok

	return tok.AccessToken, nil
}

// Invalidate drops the cached token so the next Token call signs in again.
func (s *Session) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tok = nil
}

// Passport returns the account name recorded at login, if any.
func (s *Session) Passport() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.meta[metaPassport]
}

// Expiry returns the cached token's expiry, zero when there is none.
func (s *Session) Expiry() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tok == nil {
		return time.Time{}
	}

	return s.tok.Expiry
}

// StaticToken is a TokenSource that always returns the same token.
type StaticToken string

func (t StaticToken) Token() (string, error) {
	if t == "" {
		return "", ErrNotLoggedIn
	}

	return string(t), nil
}

// Logout removes the saved token file at the given path.
// Returns nil if the token file does not exist (already logged out).
func Logout(tokenPath string, logger *slog.Logger) error {
	err := os.Remove(tokenPath)
	if errors.Is(err, fs.ErrNotExist) {
		logger.Info("logout: no token file to remove (already logged out)",
			slog.String("path", tokenPath),
		)

		return nil
	}

	if err != nil {
		return err
	}

	logger.Info("logout: removed token file",
		slog.String("path", tokenPath),
	)

	return nil
}

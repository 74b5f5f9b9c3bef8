package pan

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"golang.org/x/time/rate"
)

// DefaultBaseURL is the 123pan web API root.
const DefaultBaseURL = "https://www.123pan.com/b/api"

const (
	defaultUserAgent = "panupload/0.1"
	platformHeader   = "web"
	appVersionHeader = "3"
)

// TokenSource provides bearer tokens. Defined at the consumer (pan package)
// per Go convention "accept interfaces, return structs".
type TokenSource interface {
	Token() (string, error)
}

// Invalidator is implemented by token sources that can drop a cached token
// and obtain a fresh one on the next Token call. The client uses it for a
// single re-authentication attempt after a 401.
type Invalidator interface {
	Invalidate()
}

// envelope is the JSON wrapper around every API response.
type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// Client is an HTTP client for the 123pan web API. JSON calls go through
// call (auth header, pacing, envelope decoding, one re-login on 401); part
// PUTs go to presigned URLs on a separate transfer client with no auth.
type Client struct {
	baseURL    string
	httpClient *http.Client
	transfer   *http.Client
	token      TokenSource
	logger     *slog.Logger
	userAgent  string

	// limiter paces JSON API calls. nil = unpaced.
	limiter *rate.Limiter
}

// NewClient creates an API client. httpClient is used for JSON calls and,
// until SetTransferClient is called, for part uploads too.
func NewClient(baseURL string, httpClient *http.Client, token TokenSource, logger *slog.Logger, userAgent string) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	if userAgent == "" {
		userAgent = defaultUserAgent
	}

	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		transfer:   httpClient,
		token:      token,
		logger:     logger,
		userAgent:  userAgent,
	}
}

// SetTransferClient sets the HTTP client used for presigned part PUTs.
// Part bodies can take minutes, so callers usually pass a client without an
// overall timeout here.
func (c *Client) SetTransferClient(hc *http.Client) {
	if hc != nil {
		c.transfer = hc
	}
}

// SetRateLimit paces JSON API calls to qps requests per second with a burst
// of one. qps <= 0 disables pacing.
func (c *Client) SetRateLimit(qps float64) {
	if qps <= 0 {
		c.limiter = nil
		return
	}

	c.limiter = rate.NewLimiter(rate.Limit(qps), 1)
}

// call POSTs (or GETs when reqBody is nil and method is GET) a JSON request,
// decodes the envelope and unmarshals its data into out. A 401 (HTTP status
// or envelope code) is retried exactly once when the token source can be
// invalidated; no other failure is retried.
func (c *Client) call(ctx context.Context, method, path string, reqBody, out any) error {
	var payload []byte

	if reqBody != nil {
		var err error

		payload, err = json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("pan: marshaling %s request: %w", path, err)
		}
	}

	env, err := c.doJSON(ctx, method, path, payload)
	if errors.Is(err, ErrUnauthorized) {
		inv, ok := c.token.(Invalidator)
		if !ok {
			return err
		}

		c.logger.Info("token rejected, re-authenticating",
			slog.String("path", path),
		)

		inv.Invalidate()

		env, err = c.doJSON(ctx, method, path, payload)
	}

	if err != nil {
		return err
	}

	if out == nil || len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}

	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("pan: decoding %s response: %w", path, err)
	}

	return nil
}

// doJSON performs one paced request and returns the decoded envelope when
// both the HTTP status and the envelope code are in the accepted set.
func (c *Client) doJSON(ctx context.Context, method, path string, payload []byte) (*envelope, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("pan: request canceled: %w", err)
		}
	}

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("pan: creating request: %w", err)
	}

	tok, err := c.token.Token()
	if err != nil {
		return nil, fmt.Errorf("pan: obtaining token: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Platform", platformHeader)
	req.Header.Set("App-Version", appVersionHeader)

	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("pan: request canceled: %w", ctx.Err())
		}

		return nil, fmt.Errorf("pan: %s %s failed: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("pan: reading %s response: %w", path, err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		c.logger.Warn("request failed",
			slog.String("method", method),
			slog.String("path", path),
			slog.Int("status", resp.StatusCode),
		)

		return nil, &APIError{
			HTTPStatus: resp.StatusCode,
			Message:    string(raw),
			Err:        classifyStatus(resp.StatusCode),
		}
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("pan: decoding %s envelope: %w", path, err)
	}

	if !isSuccessCode(env.Code) {
		c.logger.Warn("request rejected",
			slog.String("path", path),
			slog.Int("code", env.Code),
			slog.String("message", env.Message),
		)

		return nil, &APIError{
			HTTPStatus: resp.StatusCode,
			Code:       env.Code,
			Message:    env.Message,
			Err:        classifyCode(env.Code),
		}
	}

	c.logger.Debug("request succeeded",
		slog.String("method", method),
		slog.String("path", path),
		slog.Int("code", env.Code),
	)

	return &env, nil
}

package source

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"regexp"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Remote is an opened remote object.
type Remote struct {
	Body        io.ReadCloser // may also implement io.Seeker
	Size        int64         // UnknownSize when the server did not say
	Digest      string        // lowercase hex MD5 when the server published one
	Name        string
	ContentType string
}

// Opener opens remote URLs of one scheme.
type Opener interface {
	Open(ctx context.Context, u *url.URL) (*Remote, error)
}

// HTTPOpener opens http and https URLs with a plain GET.
type HTTPOpener struct {
	Client    *http.Client
	UserAgent string
}

// Open issues the GET. Non-2xx answers are ErrSourceUnavailable.
func (o *HTTPOpener) Open(ctx context.Context, u *url.URL) (*Remote, error) {
	hc := o.Client
	if hc == nil {
		hc = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrSourceUnavailable, u.Redacted(), err)
	}

	if o.UserAgent != "" {
		req.Header.Set("User-Agent", o.UserAgent)
	}

	resp, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: GET %s: %w", ErrSourceUnavailable, u.Redacted(), err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: GET %s: HTTP %d", ErrSourceUnavailable, u.Redacted(), resp.StatusCode)
	}

	size := resp.ContentLength
	if size < 0 {
		size = UnknownSize
	}

	return &Remote{
		Body:        resp.Body,
		Size:        size,
		Digest:      contentMD5(resp.Header.Get("Content-MD5")),
		Name:        remoteName(resp.Header.Get("Content-Disposition"), u.Path),
		ContentType: resp.Header.Get("Content-Type"),
	}, nil
}

// contentMD5 decodes a base64 Content-MD5 header into lowercase hex.
func contentMD5(h string) string {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(h))
	if err != nil || len(raw) != 16 {
		return ""
	}

	return hex.EncodeToString(raw)
}

// remoteName prefers the Content-Disposition filename over the last path
// segment.
func remoteName(disposition, urlPath string) string {
	if disposition != "" {
		if _, params, err := mime.ParseMediaType(disposition); err == nil && params["filename"] != "" {
			return params["filename"]
		}
	}

	base := path.Base(urlPath)
	if base == "/" || base == "." {
		return ""
	}

	if unescaped, err := url.PathUnescape(base); err == nil {
		return unescaped
	}

	return base
}

// S3Config configures the S3 opener.
type S3Config struct {
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

// S3Opener opens s3://bucket/key URLs through any S3-compatible endpoint.
// Objects are seekable, so they are fingerprinted in place rather than
// spooled.
type S3Opener struct {
	client *minio.Client
}

// NewS3Opener connects an S3Opener to cfg.Endpoint.
func NewS3Opener(cfg S3Config) (*S3Opener, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("source: creating s3 client for %s: %w", cfg.Endpoint, err)
	}

	return &S3Opener{client: client}, nil
}

// Open fetches the object and its metadata. A plain (non-multipart) ETag is
// the object's MD5 and is used as the digest.
func (o *S3Opener) Open(ctx context.Context, u *url.URL) (*Remote, error) {
	bucket := u.Host
	key := strings.TrimPrefix(u.Path, "/")

	if bucket == "" || key == "" {
		return nil, fmt.Errorf("%w: %s: want s3://bucket/key", ErrSourceUnavailable, u.Redacted())
	}

	obj, err := o.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("%w: s3://%s/%s: %w", ErrSourceUnavailable, bucket, key, err)
	}

	info, err := obj.Stat()
	if err != nil {
		obj.Close()
		return nil, fmt.Errorf("%w: s3://%s/%s: %w", ErrSourceUnavailable, bucket, key, err)
	}

	return &Remote{
		Body:        obj,
		Size:        info.Size,
		Digest:      etagDigest(info.ETag),
		Name:        path.Base(key),
		ContentType: info.ContentType,
	}, nil
}

var md5Hex = regexp.MustCompile(`^[0-9a-f]{32}$`)

// etagDigest returns the ETag as an MD5 digest when it is one. Multipart
// ETags ("<hex>-<parts>") are not content digests.
func etagDigest(etag string) string {
	etag = strings.ToLower(strings.Trim(etag, `"`))
	if md5Hex.MatchString(etag) {
		return etag
	}

	return ""
}

package source

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/panupload/internal/fingerprint"
)

// newFakeS3 serves one object at /bucket/key with a plain MD5 ETag.
func newFakeS3(t *testing.T, bucketKey string, body []byte) *httptest.Server {
	t.Helper()

	modTime := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/"+bucketKey {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`<?xml version="1.0" encoding="UTF-8"?><Error><Code>NoSuchKey</Code><Message>missing</Message></Error>`))

			return
		}

		w.Header().Set("ETag", `"`+fingerprint.Sum(body)+`"`)
		w.Header().Set("Content-Type", "application/octet-stream")
		http.ServeContent(w, r, "", modTime, bytes.NewReader(body))
	}))
	t.Cleanup(srv.Close)

	return srv
}

func newTestS3Opener(t *testing.T, srv *httptest.Server) *S3Opener {
	t.Helper()

	o, err := NewS3Opener(S3Config{
		Endpoint:  strings.TrimPrefix(srv.URL, "http://"),
		Region:    "us-east-1",
		AccessKey: "ak",
		SecretKey: "sk",
	})
	require.NoError(t, err)

	return o
}

func TestS3Opener_Open(t *testing.T) {
	body := []byte("object bytes from s3")
	srv := newFakeS3(t, "media/dir/clip.bin", body)

	u, err := url.Parse("s3://media/dir/clip.bin")
	require.NoError(t, err)

	rem, err := newTestS3Opener(t, srv).Open(context.Background(), u)
	require.NoError(t, err)
	defer rem.Body.Close()

	assert.Equal(t, int64(len(body)), rem.Size)
	assert.Equal(t, fingerprint.Sum(body), rem.Digest)
	assert.Equal(t, "clip.bin", rem.Name)

	got, err := io.ReadAll(rem.Body)
	require.NoError(t, err)
	assert.Equal(t, body, got)
}

func TestS3Opener_ThroughNormalizer(t *testing.T) {
	body := bytes.Repeat([]byte("s3"), 64)
	srv := newFakeS3(t, "bkt/k.dat", body)

	n := newTestNormalizer(t, Options{Openers: map[string]Opener{"s3": newTestS3Opener(t, srv)}})
	src := openResolved(t, n, FromURL("s3://bkt/k.dat"), NoHints())

	assert.False(t, src.Spooled, "s3 objects are seekable")
	assert.Equal(t, fingerprint.Sum(body), src.Digest)
	assert.Equal(t, body, readRest(t, src))
}

func TestS3Opener_MissingKey(t *testing.T) {
	srv := newFakeS3(t, "bkt/present", []byte("x"))

	u, err := url.Parse("s3://bkt/absent")
	require.NoError(t, err)

	_, err = newTestS3Opener(t, srv).Open(context.Background(), u)
	require.ErrorIs(t, err, ErrSourceUnavailable)
}

func TestS3Opener_BadURL(t *testing.T) {
	o, err := NewS3Opener(S3Config{Endpoint: "localhost:9000"})
	require.NoError(t, err)

	u, err := url.Parse("s3://only-bucket")
	require.NoError(t, err)

	_, err = o.Open(context.Background(), u)
	require.ErrorIs(t, err, ErrSourceUnavailable)
}

func TestEtagDigest(t *testing.T) {
	assert.Equal(t, "5eb63bbbe01eeed093cb22bb8f5acdc3", etagDigest(`"5EB63BBBE01EEED093CB22BB8F5ACDC3"`))
	assert.Empty(t, etagDigest(`"5eb63bbbe01eeed093cb22bb8f5acdc3-4"`))
	assert.Empty(t, etagDigest(""))
}

func TestContentMD5(t *testing.T) {
	// base64 of md5("hello world")
	assert.Equal(t, "5eb63bbbe01eeed093cb22bb8f5acdc3", contentMD5("XrY7u+Ae7tCTyyK7j1rNww=="))
	assert.Empty(t, contentMD5("not base64!"))
	assert.Empty(t, contentMD5("YWJj"))
}

func TestRemoteName(t *testing.T) {
	assert.Equal(t, "from-header.zip", remoteName(`attachment; filename="from-header.zip"`, "/x/y"))
	assert.Equal(t, "y", remoteName("", "/x/y"))
	assert.Empty(t, remoteName("", "/"))
	assert.Empty(t, remoteName("", ""))
}

func TestHTTPOpener_ContentMD5(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "panupload-test", r.Header.Get("User-Agent"))
		w.Header().Set("Content-MD5", "XrY7u+Ae7tCTyyK7j1rNww==")
		_, _ = w.Write([]byte("hello world"))
	}))
	defer srv.Close()

	u, err := url.Parse(srv.URL + "/hw")
	require.NoError(t, err)

	rem, err := (&HTTPOpener{UserAgent: "panupload-test"}).Open(context.Background(), u)
	require.NoError(t, err)
	defer rem.Body.Close()

	assert.Equal(t, int64(11), rem.Size)
	assert.Equal(t, "5eb63bbbe01eeed093cb22bb8f5acdc3", rem.Digest)
	assert.Equal(t, "hw", rem.Name)
}

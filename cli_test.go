package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/tonimelisma/panupload/internal/config"
	"github.com/tonimelisma/panupload/internal/tokenfile"
)

// fakePan is an httptest stand-in for the 123pan upload API, its presigned
// part URLs and the sign-in endpoint.
type fakePan struct {
	srv *httptest.Server

	mu       sync.Mutex
	partSize int64
	reuse    bool
	password string
	requests []map[string]any
	parts    map[string]map[int][]byte // upload id -> part -> body
	nextID   int
	names    map[string]string // upload id -> file name
}

func newFakePan(t *testing.T, partSize int64) *fakePan {
	t.Helper()

	f := &fakePan{
		partSize: partSize,
		password: "pw",
		parts:    make(map[string]map[int][]byte),
		names:    make(map[string]string),
	}

	f.srv = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.srv.Close)

	return f
}

func (f *fakePan) envelope(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"code": code, "message": "ok", "data": data})
}

func (f *fakePan) serve(w http.ResponseWriter, r *http.Request) {
	if strings.HasPrefix(r.URL.Path, "/part/") {
		f.servePart(w, r)
		return
	}

	var body map[string]any
	_ = json.NewDecoder(r.Body).Decode(&body)

	f.mu.Lock()
	defer f.mu.Unlock()

	switch r.URL.Path {
	case "/signin":
		if body["password"] != f.password {
			f.envelope(w, 5113, nil)
			return
		}

		f.envelope(w, 200, map[string]any{"token": "jwt-1", "expire": "2099-01-01T00:00:00Z"})

	case "/file/upload_request":
		f.requests = append(f.requests, body)

		name, _ := body["fileName"].(string)

		if f.reuse {
			f.envelope(w, 0, map[string]any{
				"Reuse": true,
				"Info":  map[string]any{"FileId": 500, "FileName": name, "Size": body["size"], "Etag": body["etag"]},
			})

			return
		}

		f.nextID++
		id := "up-" + strconv.Itoa(f.nextID)
		f.parts[id] = make(map[int][]byte)
		f.names[id] = name

		f.envelope(w, 0, map[string]any{
			"Reuse":       false,
			"Key":         "obj/" + id,
			"Bucket":      "bkt",
			"StorageNode": "node",
			"UploadId":    id,
			"FileId":      100 + f.nextID,
			"SliceSize":   strconv.FormatInt(f.partSize, 10),
		})

	case "/file/s3_repare_upload_parts_batch", "/file/s3_upload_object/auth":
		id, _ := body["uploadId"].(string)
		first := int(body["partNumberStart"].(float64))
		end := int(body["partNumberEnd"].(float64))

		urls := make(map[string]string)
		for n := first; n < end; n++ {
			urls[strconv.Itoa(n)] = fmt.Sprintf("%s/part/%s/%d", f.srv.URL, id, n)
		}

		f.envelope(w, 0, map[string]any{"presignedUrls": urls})

	case "/file/upload_complete/v2":
		id, _ := body["uploadId"].(string)
		f.envelope(w, 0, map[string]any{"file_info": map[string]any{
			"FileId":   body["fileId"],
			"FileName": f.names[id],
			"Size":     body["fileSize"],
		}})

	default:
		http.NotFound(w, r)
	}
}

func (f *fakePan) servePart(w http.ResponseWriter, r *http.Request) {
	segs := strings.Split(strings.TrimPrefix(r.URL.Path, "/part/"), "/")
	if r.Method != http.MethodPut || len(segs) != 2 {
		http.Error(w, "bad part url", http.StatusBadRequest)
		return
	}

	n, err := strconv.Atoi(segs[1])
	if err != nil {
		http.Error(w, "bad part number", http.StatusBadRequest)
		return
	}

	data, _ := io.ReadAll(r.Body)

	f.mu.Lock()
	if f.parts[segs[0]] == nil {
		f.parts[segs[0]] = make(map[int][]byte)
	}

	f.parts[segs[0]][n] = data
	f.mu.Unlock()

	w.WriteHeader(http.StatusOK)
}

// stored returns the reassembled payload of the upload named name.
func (f *fakePan) stored(name string) (string, int) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for id, n := range f.names {
		if n != name {
			continue
		}

		var buf bytes.Buffer
		for i := 1; i <= len(f.parts[id]); i++ {
			buf.Write(f.parts[id][i])
		}

		return buf.String(), len(f.parts[id])
	}

	return "", 0
}

func (f *fakePan) requestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.requests)
}

func (f *fakePan) lastRequest() map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.requests) == 0 {
		return nil
	}

	return f.requests[len(f.requests)-1]
}

// cliEnv is an isolated configuration for running the root command.
type cliEnv struct {
	dir       string
	cfgPath   string
	tokenPath string
}

// newCLIEnv writes a config pointing at baseURL and isolates the XDG
// directories and PANUPLOAD_* variables. extra is appended to the config.
func newCLIEnv(t *testing.T, baseURL, extra string) *cliEnv {
	t.Helper()

	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "xdg-config"))
	t.Setenv("XDG_DATA_HOME", filepath.Join(dir, "xdg-data"))
	t.Setenv("XDG_CACHE_HOME", filepath.Join(dir, "xdg-cache"))
	t.Setenv(config.EnvConfig, "")
	t.Setenv(config.EnvTokenFile, "")
	t.Setenv(config.EnvPassword, "")

	env := &cliEnv{
		dir:       dir,
		cfgPath:   filepath.Join(dir, "config.toml"),
		tokenPath: filepath.Join(dir, "token.json"),
	}

	cfg := fmt.Sprintf(`[account]
base_url = %q
login_url = %q
token_file = %q
passport = "13800000000"

[upload]
temp_dir = %q

[ledger]
path = %q

[logging]
log_level = "error"
log_format = "text"
`, baseURL, baseURL+"/signin", env.tokenPath, filepath.Join(dir, "spool"), filepath.Join(dir, "ledger.db"))

	require.NoError(t, os.WriteFile(env.cfgPath, []byte(cfg+extra), 0o600))

	return env
}

// login saves a valid token without going through the sign-in endpoint.
func (e *cliEnv) login(t *testing.T) {
	t.Helper()

	require.NoError(t, tokenfile.Save(e.tokenPath, &oauth2.Token{
		AccessToken: "saved-token",
		Expiry:      time.Now().Add(time.Hour),
	}, map[string]string{"passport": "13800000000"}))
}

func (e *cliEnv) writeFile(t *testing.T, name, content string) string {
	t.Helper()

	p := filepath.Join(e.dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))

	return p
}

// run executes the root command with --config prepended and returns stdout.
func (e *cliEnv) run(t *testing.T, stdin io.Reader, args ...string) (string, error) {
	t.Helper()

	var out bytes.Buffer

	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)

	if stdin != nil {
		cmd.SetIn(stdin)
	}

	cmd.SetArgs(append([]string{"--config", e.cfgPath, "--quiet"}, args...))

	err := cmd.ExecuteContext(context.Background())

	return out.String(), err
}

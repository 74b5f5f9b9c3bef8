package pan

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
)

// API paths, relative to the base URL.
const (
	pathUploadRequest = "/file/upload_request"
	pathPartURLs      = "/file/s3_repare_upload_parts_batch"
	pathSingleAuth    = "/file/s3_upload_object/auth"
	pathComplete      = "/file/upload_complete/v2"
)

// DuplicatePolicy tells the server what to do when the destination folder
// already holds a file with the same name.
type DuplicatePolicy int

const (
	DuplicateAsk       DuplicatePolicy = 0 // reject with a conflict
	DuplicateKeep      DuplicatePolicy = 1 // keep both, server renames the new file
	DuplicateOverwrite DuplicatePolicy = 2 // replace the existing file
)

func (p DuplicatePolicy) String() string {
	switch p {
	case DuplicateAsk:
		return "ask"
	case DuplicateKeep:
		return "keep"
	case DuplicateOverwrite:
		return "overwrite"
	default:
		return "duplicate(" + strconv.Itoa(int(p)) + ")"
	}
}

// ParseDuplicatePolicy parses "ask", "keep" or "overwrite".
func ParseDuplicatePolicy(s string) (DuplicatePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "ask":
		return DuplicateAsk, nil
	case "keep", "":
		return DuplicateKeep, nil
	case "overwrite", "replace":
		return DuplicateOverwrite, nil
	default:
		return 0, fmt.Errorf("invalid duplicate policy %q: must be ask, keep, or overwrite", s)
	}
}

// UploadRequest is the metadata sent when negotiating an upload.
type UploadRequest struct {
	Digest    string // lowercase hex MD5
	Name      string
	Size      int64
	ParentID  int64
	Duplicate DuplicatePolicy
}

// UploadToken identifies a server-side upload session. It is opaque to
// callers and echoed back on every credential and completion call.
type UploadToken struct {
	Bucket      string
	Key         string
	UploadID    string
	StorageNode string
	FileID      int64
}

// UploadTicket is the outcome of RequestUpload.
type UploadTicket struct {
	Reuse    bool  // content already stored server-side; nothing to transfer
	PartSize int64 // fixed chunk size for this session
	Token    UploadToken
	Info     *FileInfo // set when Reuse is true
}

// FileInfo describes a file as the service reports it.
type FileInfo struct {
	FileID       int64  `json:"FileId"`
	FileName     string `json:"FileName"`
	Size         int64  `json:"Size"`
	Etag         string `json:"Etag"`
	ParentFileID int64  `json:"ParentFileId"`
	ContentType  string `json:"ContentType"`
	CreateAt     string `json:"CreateAt"`
}

// flexInt64 decodes a JSON number or a quoted number. SliceSize arrives as
// a string on some storage nodes.
type flexInt64 int64

func (f *flexInt64) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}

	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("pan: invalid integer %s: %w", string(b), err)
	}

	*f = flexInt64(n)

	return nil
}

type uploadRequestBody struct {
	DriveID      int    `json:"driveId"`
	Etag         string `json:"etag"`
	FileName     string `json:"fileName"`
	ParentFileID int64  `json:"parentFileId"`
	Size         int64  `json:"size"`
	Type         int    `json:"type"`
	Duplicate    int    `json:"duplicate"`
}

type uploadRequestData struct {
	Reuse       bool      `json:"Reuse"`
	Info        *FileInfo `json:"Info"`
	Key         string    `json:"Key"`
	Bucket      string    `json:"Bucket"`
	StorageNode string    `json:"StorageNode"`
	UploadID    string    `json:"UploadId"`
	FileID      flexInt64 `json:"FileId"`
	SliceSize   flexInt64 `json:"SliceSize"`
}

type partURLsBody struct {
	Bucket          string `json:"bucket"`
	Key             string `json:"key"`
	UploadID        string `json:"uploadId"`
	StorageNode     string `json:"storageNode"`
	PartNumberStart int    `json:"partNumberStart"`
	PartNumberEnd   int    `json:"partNumberEnd"` // exclusive
}

type partURLsData struct {
	PresignedURLs map[string]string `json:"presignedUrls"`
}

type completeBody struct {
	FileID      int64  `json:"fileId"`
	Bucket      string `json:"bucket"`
	Key         string `json:"key"`
	UploadID    string `json:"uploadId"`
	StorageNode string `json:"storageNode"`
	IsMultipart bool   `json:"isMultipart"`
	FileSize    int64  `json:"fileSize"`
}

type completeData struct {
	FileInfo *FileInfo `json:"file_info"`
}

// RequestUpload negotiates an upload. When the service already stores
// content with this digest and size, the ticket has Reuse set and the file is
// created without any data transfer.
func (c *Client) RequestUpload(ctx context.Context, req UploadRequest) (*UploadTicket, error) {
	c.logger.Info("requesting upload",
		slog.String("name", req.Name),
		slog.Int64("size", req.Size),
		slog.String("etag", req.Digest),
		slog.Int64("parent_id", req.ParentID),
		slog.String("duplicate", req.Duplicate.String()),
	)

	body := uploadRequestBody{
		Etag:         req.Digest,
		FileName:     req.Name,
		ParentFileID: req.ParentID,
		Size:         req.Size,
		Duplicate:    int(req.Duplicate),
	}

	var data uploadRequestData
	if err := c.call(ctx, http.MethodPost, pathUploadRequest, body, &data); err != nil {
		return nil, err
	}

	ticket := &UploadTicket{
		Reuse:    data.Reuse,
		PartSize: int64(data.SliceSize),
		Token: UploadToken{
			Bucket:      data.Bucket,
			Key:         data.Key,
			UploadID:    data.UploadID,
			StorageNode: data.StorageNode,
			FileID:      int64(data.FileID),
		},
		Info: data.Info,
	}

	c.logger.Debug("upload negotiated",
		slog.Bool("reuse", ticket.Reuse),
		slog.Int64("slice_size", ticket.PartSize),
		slog.Int64("file_id", ticket.Token.FileID),
	)

	return ticket, nil
}

// RequestPartURLs issues presigned PUT URLs for parts first..last
// (1-based, inclusive). Every returned URL is valid for a fixed window from
// issuance.
func (c *Client) RequestPartURLs(ctx context.Context, tok UploadToken, first, last int) (map[int]string, error) {
	if first < 1 || last < first {
		return nil, fmt.Errorf("pan: invalid part range %d..%d", first, last)
	}

	c.logger.Debug("requesting part urls",
		slog.Int("first", first),
		slog.Int("last", last),
	)

	return c.presign(ctx, pathPartURLs, tok, first, last)
}

// AuthorizeSingle issues the presigned URL for a single-shot upload.
func (c *Client) AuthorizeSingle(ctx context.Context, tok UploadToken) (string, error) {
	c.logger.Debug("authorizing single upload",
		slog.Int64("file_id", tok.FileID),
	)

	urls, err := c.presign(ctx, pathSingleAuth, tok, 1, 1)
	if err != nil {
		return "", err
	}

	return urls[1], nil
}

// presign calls one of the credential endpoints and checks that every
// requested part came back with a URL.
func (c *Client) presign(ctx context.Context, path string, tok UploadToken, first, last int) (map[int]string, error) {
	body := partURLsBody{
		Bucket:          tok.Bucket,
		Key:             tok.Key,
		UploadID:        tok.UploadID,
		StorageNode:     tok.StorageNode,
		PartNumberStart: first,
		PartNumberEnd:   last + 1,
	}

	var data partURLsData
	if err := c.call(ctx, http.MethodPost, path, body, &data); err != nil {
		return nil, err
	}

	urls := make(map[int]string, len(data.PresignedURLs))

	for k, v := range data.PresignedURLs {
		n, err := strconv.Atoi(k)
		if err != nil {
			return nil, fmt.Errorf("pan: invalid part number %q in presigned urls: %w", k, err)
		}

		urls[n] = v
	}

	for part := first; part <= last; part++ {
		if urls[part] == "" {
			return nil, fmt.Errorf("pan: no presigned url for part %d", part)
		}
	}

	return urls, nil
}

// PutPart uploads one part (or the single-shot payload) to a presigned URL.
// The URL carries its own authorization, so no bearer token is sent. There
// is no retry: body is consumed by the attempt.
func (c *Client) PutPart(ctx context.Context, url string, body io.Reader, size int64) error {
	if size == 0 || body == nil {
		body = http.NoBody
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, body)
	if err != nil {
		return fmt.Errorf("pan: creating part upload request: %w", err)
	}

	req.ContentLength = size
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.transfer.Do(req)
	if err != nil {
		c.logger.Error("part upload request failed",
			slog.String("error", err.Error()),
		)

		return fmt.Errorf("pan: part upload request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		msg, _ := io.ReadAll(resp.Body) //nolint:errcheck // best-effort read for error message

		c.logger.Error("part upload failed",
			slog.Int("status", resp.StatusCode),
		)

		return &APIError{
			HTTPStatus: resp.StatusCode,
			Message:    string(msg),
			Err:        classifyStatus(resp.StatusCode),
		}
	}

	// Drain body to reuse connection.
	if _, drainErr := io.Copy(io.Discard, resp.Body); drainErr != nil {
		return fmt.Errorf("pan: draining part response body: %w", drainErr)
	}

	c.logger.Debug("part uploaded", slog.Int64("size", size))

	return nil
}

// CompleteUpload finalizes the server-side session. Until this succeeds the
// file is not visible.
func (c *Client) CompleteUpload(ctx context.Context, tok UploadToken, multipart bool, size int64) (*FileInfo, error) {
	c.logger.Info("completing upload",
		slog.Int64("file_id", tok.FileID),
		slog.Bool("multipart", multipart),
		slog.Int64("size", size),
	)

	body := completeBody{
		FileID:      tok.FileID,
		Bucket:      tok.Bucket,
		Key:         tok.Key,
		UploadID:    tok.UploadID,
		StorageNode: tok.StorageNode,
		IsMultipart: multipart,
		FileSize:    size,
	}

	var data completeData
	if err := c.call(ctx, http.MethodPost, pathComplete, body, &data); err != nil {
		return nil, err
	}

	if data.FileInfo == nil {
		return &FileInfo{FileID: tok.FileID, Size: size}, nil
	}

	return data.FileInfo, nil
}

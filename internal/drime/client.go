// Package drime is a minimal client for the Drime Cloud file API: bearer
// authentication, workspace-scoped folders, opaque numeric file ids, and
// streaming content transfer. It exposes exactly the operations the
// storage bridge needs.
package drime

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	// DefaultBaseURL is the production API endpoint.
	DefaultBaseURL = "https://app.drime.cloud/api/v1"

	connectTimeout = 10 * time.Second
	requestTimeout = 300 * time.Second
)

// Error is a non-2xx API response.
type Error struct {
	Status  int
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("drime: %s (%s, HTTP %d)", e.Message, e.Code, e.Status)
}

// IsNotFound reports whether err is a 404 API response.
func IsNotFound(err error) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

// IsConflict reports whether err is a 409 API response, such as creating
// a folder that already exists.
func IsConflict(err error) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusConflict
}

// IsTransient reports whether err is worth retrying: a 5xx response, a 429
// Too Many Requests response, or a network-level failure.
func IsTransient(err error) bool {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Status >= 500 || apiErr.Status == http.StatusTooManyRequests
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// Folder is a directory node within a workspace.
type Folder struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	ParentID int64  `json:"parent_id"`
}

// File is a content node. Hash is the backend's native content hash, not
// an MD5.
type File struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	FolderID  int64     `json:"folder_id"`
	Size      int64     `json:"size"`
	Hash      string    `json:"hash"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Entries is one page of a folder listing.
type Entries struct {
	Folders       []Folder `json:"folders"`
	Files         []File   `json:"files"`
	NextPageToken string   `json:"next_page_token"`
}

// Client talks to one workspace of the Drime API.
type Client struct {
	baseURL     string
	apiKey      string
	workspaceID int64
	httpClient  *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL points the client at a different endpoint, such as a test
// server.
func WithBaseURL(baseURL string) Option {
	return func(c *Client) { c.baseURL = baseURL }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient returns a Client bound to one workspace.
func NewClient(apiKey string, workspaceID int64, opts ...Option) *Client {
	c := &Client{
		baseURL:     DefaultBaseURL,
		apiKey:      apiKey,
		workspaceID: workspaceID,
		httpClient: &http.Client{
			Timeout: requestTimeout,
			Transport: &http.Transport{
				DialContext:         (&net.Dialer{Timeout: connectTimeout}).DialContext,
				TLSHandshakeTimeout: connectTimeout,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// WorkspaceID returns the workspace the client is bound to.
func (c *Client) WorkspaceID() int64 {
	return c.workspaceID
}

func (c *Client) workspaceURL(parts ...string) string {
	u := fmt.Sprintf("%s/workspaces/%d", c.baseURL, c.workspaceID)
	for _, p := range parts {
		u += "/" + p
	}
	return u
}

// do performs one request and decodes a JSON response into out when out
// is non-nil.
func (c *Client) do(ctx context.Context, method, rawURL string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// doRetry wraps do with exponential backoff for transient failures. Only
// used for idempotent operations.
func (c *Client) doRetry(ctx context.Context, method, rawURL string, out any) error {
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	return backoff.Retry(func() error {
		err := c.do(ctx, method, rawURL, nil, out)
		if err != nil && !IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
}

func decodeError(resp *http.Response) error {
	apiErr := &Error{Status: resp.StatusCode}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(apiErr); err != nil || apiErr.Message == "" {
		apiErr.Code = "unknown"
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	return apiErr
}

// CreateFolder creates name under parentID (zero means the workspace
// root). A conflict returns the existing folder.
func (c *Client) CreateFolder(ctx context.Context, parentID int64, name string) (Folder, error) {
	payload, err := json.Marshal(map[string]any{"name": name, "parent_id": parentID})
	if err != nil {
		return Folder{}, fmt.Errorf("marshal folder request: %w", err)
	}

	var folder Folder
	err = c.do(ctx, http.MethodPost, c.workspaceURL("folders"), bytes.NewReader(payload), &folder)
	if IsConflict(err) {
		return c.FindFolder(ctx, parentID, name)
	}
	if err != nil {
		return Folder{}, err
	}
	return folder, nil
}

// FindFolder resolves name under parentID.
func (c *Client) FindFolder(ctx context.Context, parentID int64, name string) (Folder, error) {
	rawURL := c.workspaceURL("folders") + "?" + url.Values{
		"parent_id": {strconv.FormatInt(parentID, 10)},
		"name":      {name},
	}.Encode()

	var result struct {
		Folders []Folder `json:"folders"`
	}
	if err := c.doRetry(ctx, http.MethodGet, rawURL, &result); err != nil {
		return Folder{}, err
	}
	if len(result.Folders) == 0 {
		return Folder{}, &Error{Status: http.StatusNotFound, Code: "not_found", Message: "folder not found"}
	}
	return result.Folders[0], nil
}

// DeleteFolder removes a folder and everything below it.
func (c *Client) DeleteFolder(ctx context.Context, folderID int64) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("%s/folders/%d", c.baseURL, folderID), nil, nil)
}

// ListEntries pages through the direct children of folderID.
func (c *Client) ListEntries(ctx context.Context, folderID int64, pageToken string) (Entries, error) {
	values := url.Values{}
	if pageToken != "" {
		values.Set("page_token", pageToken)
	}
	rawURL := fmt.Sprintf("%s/folders/%d/entries", c.baseURL, folderID)
	if len(values) > 0 {
		rawURL += "?" + values.Encode()
	}

	var entries Entries
	if err := c.doRetry(ctx, http.MethodGet, rawURL, &entries); err != nil {
		return Entries{}, err
	}
	return entries, nil
}

// FindFile resolves name within folderID.
func (c *Client) FindFile(ctx context.Context, folderID int64, name string) (File, error) {
	rawURL := fmt.Sprintf("%s/folders/%d/entries?%s", c.baseURL, folderID,
		url.Values{"name": {name}}.Encode())

	var entries Entries
	if err := c.doRetry(ctx, http.MethodGet, rawURL, &entries); err != nil {
		return File{}, err
	}
	for _, f := range entries.Files {
		if f.Name == name {
			return f, nil
		}
	}
	return File{}, &Error{Status: http.StatusNotFound, Code: "not_found", Message: "file not found"}
}

// Upload streams body as a new file named name within folderID,
// replacing any existing file of that name.
func (c *Client) Upload(ctx context.Context, folderID int64, name string, body io.Reader) (File, error) {
	rawURL := c.workspaceURL("files") + "?" + url.Values{
		"folder_id": {strconv.FormatInt(folderID, 10)},
		"name":      {name},
	}.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, body)
	if err != nil {
		return File{}, fmt.Errorf("build upload request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return File{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return File{}, decodeError(resp)
	}
	var file File
	if err := json.NewDecoder(resp.Body).Decode(&file); err != nil {
		return File{}, fmt.Errorf("decode upload response: %w", err)
	}
	return file, nil
}

// Download opens a streaming read of the file content. The caller must
// close the returned body.
func (c *Client) Download(ctx context.Context, fileID int64) (io.ReadCloser, error) {
	rawURL := fmt.Sprintf("%s/files/%d/content", c.baseURL, fileID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build download request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, decodeError(resp)
	}
	return resp.Body, nil
}

// DeleteFile removes one file.
func (c *Client) DeleteFile(ctx context.Context, fileID int64) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("%s/files/%d", c.baseURL, fileID), nil, nil)
}

// Copy performs a server-side copy of fileID into folderID under name.
func (c *Client) Copy(ctx context.Context, fileID, folderID int64, name string) (File, error) {
	payload, err := json.Marshal(map[string]any{"folder_id": folderID, "name": name})
	if err != nil {
		return File{}, fmt.Errorf("marshal copy request: %w", err)
	}

	var file File
	rawURL := fmt.Sprintf("%s/files/%d/copy", c.baseURL, fileID)
	if err := c.do(ctx, http.MethodPost, rawURL, bytes.NewReader(payload), &file); err != nil {
		return File{}, err
	}
	return file, nil
}

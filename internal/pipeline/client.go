// Package pipeline is the client for the remote document-processing service.
// The service runs the actual split/OCR/embedding work; this package only
// submits documents, checks for existing copies, tails the processing log and
// consumes the push event stream.
package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"
)

// BackendError is a structured non-2xx response from the processing service.
// The raw body is kept verbatim so the UI can surface it.
type BackendError struct {
	StatusCode int
	Body       string
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("pipeline backend: status %d: %s", e.StatusCode, e.Body)
}

type Client struct {
	baseURL string
	wsURL   string
	client  *http.Client
}

// NewClient builds a pipeline client. The HTTP timeout is generous because a
// check_only request for a URL source makes the backend download the resource
// before it can answer.
func NewClient(baseURL, wsURL string) *Client {
	return &Client{
		baseURL: baseURL,
		wsURL:   wsURL,
		client:  &http.Client{Timeout: 5 * time.Minute},
	}
}

// ProcessRequest is one multipart POST /process call. Exactly one of
// FilePath or URL must be set.
type ProcessRequest struct {
	FilePath string
	FileName string
	URL      string

	CheckOnly bool
	Overwrite bool
	Split     bool // p1
	OCR       bool // p2
	Embed     bool // p3
	Clean     bool
}

type CheckStats struct {
	Size  int64 `json:"size"`
	Pages int   `json:"pages"`
}

type CheckResult struct {
	Filename    string     `json:"filename"`
	DisplayName string     `json:"display_name"`
	Exists      bool       `json:"exists"`
	Count       int        `json:"count"`
	Stats       CheckStats `json:"stats"`
}

// Check runs POST /process in check_only mode and returns the backend's view
// of the document: normalized filename, display name, existence and stats.
// A response without results means the backend has no opinion; callers treat
// that as "does not exist".
func (c *Client) Check(ctx context.Context, req ProcessRequest) (*CheckResult, error) {
	req.CheckOnly = true
	body, err := c.process(ctx, req)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Results []CheckResult `json:"results"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decode check response: %w", err)
	}
	if len(parsed.Results) == 0 {
		return nil, nil
	}
	return &parsed.Results[0], nil
}

// Process submits the document for actual processing. A nil error only means
// the backend accepted the job; progress arrives asynchronously over the
// event stream or the status log.
func (c *Client) Process(ctx context.Context, req ProcessRequest) error {
	req.CheckOnly = false
	_, err := c.process(ctx, req)
	return err
}

func (c *Client) process(ctx context.Context, req ProcessRequest) ([]byte, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	if req.FilePath != "" {
		f, err := os.Open(req.FilePath)
		if err != nil {
			return nil, fmt.Errorf("open upload: %w", err)
		}
		defer f.Close()

		name := req.FileName
		if name == "" {
			name = f.Name()
		}
		part, err := w.CreateFormFile("file", name)
		if err != nil {
			return nil, err
		}
		if _, err := io.Copy(part, f); err != nil {
			return nil, fmt.Errorf("copy upload: %w", err)
		}
	} else if req.URL != "" {
		if err := w.WriteField("url", req.URL); err != nil {
			return nil, err
		}
	} else {
		return nil, fmt.Errorf("process request needs a file or a url")
	}

	fields := map[string]bool{
		"check_only": req.CheckOnly,
		"overwrite":  req.Overwrite,
		"p1":         req.Split,
		"p2":         req.OCR,
		"p3":         req.Embed,
		"clean":      req.Clean,
	}
	for k, v := range fields {
		if err := w.WriteField(k, strconv.FormatBool(v)); err != nil {
			return nil, err
		}
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/process", &buf)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &BackendError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	return body, nil
}

// TailLogs fetches the most recent limit lines of the pipeline status log,
// newest last.
func (c *Client) TailLogs(ctx context.Context, limit int) ([]string, error) {
	u := fmt.Sprintf("%s/status?limit=%d", c.baseURL, limit)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, &BackendError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var parsed struct {
		Logs []string `json:"logs"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode status response: %w", err)
	}
	return parsed.Logs, nil
}

// DeleteRawFile removes an uploaded-but-unprocessed artifact from the
// backend's raw directory. Used when a user abandons a job before dispatch.
func (c *Client) DeleteRawFile(ctx context.Context, name string) error {
	return c.delete(ctx, fmt.Sprintf("%s/files/%s", c.baseURL, url.PathEscape(name)))
}

// DeleteLibraryDocument removes a fully indexed document from the searchable
// library.
func (c *Client) DeleteLibraryDocument(ctx context.Context, docID string) error {
	return c.delete(ctx, fmt.Sprintf("%s/library/%s", c.baseURL, url.PathEscape(docID)))
}

func (c *Client) delete(ctx context.Context, u string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, u, nil)
	if err != nil {
		return err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(resp.Body)
		return &BackendError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	return nil
}

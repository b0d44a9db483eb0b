// Package api is the HTTP client for the persistence/report service.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/proctorlink/proctorlink/internal/core"
	"github.com/proctorlink/proctorlink/internal/domain"
)

// Client implements core.SessionLog against the relay's REST surface.
type Client struct {
	base string
	http *http.Client
}

var _ core.SessionLog = (*Client)(nil)

func NewClient(base string) *Client {
	return &Client{
		base: base,
		http: &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Client) StartSession(ctx context.Context, sid domain.SessionID, name string) error {
	body := map[string]any{"sessionId": sid, "name": name}
	return c.postJSON(ctx, "/start-session", body)
}

func (c *Client) LogEvent(ctx context.Context, ev domain.IntegrityEvent) error {
	return c.postJSON(ctx, "/log", ev)
}

// UploadVideo sends the recording as a multipart form with session metadata.
func (c *Client) UploadVideo(ctx context.Context, sid domain.SessionID, name string, blob []byte) error {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := w.WriteField("sessionId", string(sid)); err != nil {
		return fmt.Errorf("write sessionId field: %w", err)
	}
	if err := w.WriteField("name", name); err != nil {
		return fmt.Errorf("write name field: %w", err)
	}
	part, err := w.CreateFormFile("video", "recording.webm")
	if err != nil {
		return fmt.Errorf("create video part: %w", err)
	}
	if _, err := part.Write(blob); err != nil {
		return fmt.Errorf("write video blob: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finish multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/upload-video", &buf)
	if err != nil {
		return fmt.Errorf("create upload request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	return c.do(req)
}

func (c *Client) FetchReport(ctx context.Context, sid domain.SessionID) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/report/"+string(sid), nil)
	if err != nil {
		return nil, fmt.Errorf("create report request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch report: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("report http %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func (c *Client) postJSON(ctx context.Context, path string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal %s body: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

func (c *Client) do(req *http.Request) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("http %d: %s", resp.StatusCode, string(msg))
	}
	return nil
}

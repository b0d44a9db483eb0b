// Package detect provides HTTP adapters for the inference backends. The
// models themselves are black boxes: frame in, detections out.
package detect

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/proctorlink/proctorlink/internal/core"
	"github.com/proctorlink/proctorlink/internal/domain"
)

type client struct {
	url  string
	http *http.Client
}

func newClient(url string) client {
	return client{url: url, http: &http.Client{Timeout: 15 * time.Second}}
}

type frameRequest struct {
	Image string `json:"image"` // data URI
}

// DataURI encodes a JPEG frame the way the detector endpoints and the
// snapshot fallback expect it.
func DataURI(frame []byte) string {
	return "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(frame)
}

func (c client) post(ctx context.Context, frame []byte, out any) error {
	body, err := json.Marshal(frameRequest{Image: DataURI(frame)})
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create inference request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("inference request: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read inference response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("inference http %d: %s", resp.StatusCode, string(raw))
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("unmarshal inference response: %w", err)
	}
	return nil
}

// ObjectClient calls an object-detector endpoint.
type ObjectClient struct{ client }

var _ core.ObjectDetector = (*ObjectClient)(nil)

func NewObjectClient(url string) *ObjectClient {
	return &ObjectClient{newClient(url)}
}

func (c *ObjectClient) DetectObjects(ctx context.Context, frame []byte) ([]domain.Detection, error) {
	var resp struct {
		Detections []domain.Detection `json:"detections"`
	}
	if err := c.post(ctx, frame, &resp); err != nil {
		return nil, err
	}
	return resp.Detections, nil
}

// FaceClient calls a face-detector endpoint returning one entry per face with
// eye and nose landmarks.
type FaceClient struct{ client }

var _ core.FaceDetector = (*FaceClient)(nil)

func NewFaceClient(url string) *FaceClient {
	return &FaceClient{newClient(url)}
}

func (c *FaceClient) DetectFaces(ctx context.Context, frame []byte) ([]domain.Face, error) {
	var resp struct {
		Faces []domain.Face `json:"faces"`
	}
	if err := c.post(ctx, frame, &resp); err != nil {
		return nil, err
	}
	return resp.Faces, nil
}

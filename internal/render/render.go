// Package render is the boundary to the out-of-process rendering
// capability. The renderer itself (headless-browser 3D rendering, frame
// encoding, waveform extraction) lives in a separate service; each
// processor here forwards the job's subject to one render endpoint and
// returns the produced image bytes.
package render

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Papyszoo/Modelibr-sub007/internal/domain"
	"github.com/Papyszoo/Modelibr-sub007/internal/registry"
)

// Client talks to the render service.
type Client struct {
	baseURL string
	hc      *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Client{
		baseURL: baseURL,
		hc:      &http.Client{Timeout: timeout},
	}
}

type renderRequest struct {
	SubjectType        string `json:"subjectType"`
	SubjectID          int64  `json:"subjectId"`
	ContentFingerprint string `json:"contentFingerprint"`
}

func (c *Client) render(ctx context.Context, path string, job *domain.ThumbnailJob) (registry.Result, error) {
	body, err := json.Marshal(renderRequest{
		SubjectType:        string(job.SubjectType),
		SubjectID:          job.SubjectID,
		ContentFingerprint: job.ContentFingerprint,
	})
	if err != nil {
		return registry.Result{}, fmt.Errorf("marshal render request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return registry.Result{}, fmt.Errorf("build render request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return registry.Result{}, fmt.Errorf("render service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return registry.Result{}, fmt.Errorf("render service returned %d: %s", resp.StatusCode, msg)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return registry.Result{}, fmt.Errorf("read render response: %w", err)
	}
	if len(data) == 0 {
		return registry.Result{}, fmt.Errorf("render service returned empty artifact")
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return registry.Result{Data: data, ContentType: contentType}, nil
}

// OrbitProcessor renders an orbit-animation thumbnail for a 3D model.
func (c *Client) OrbitProcessor() registry.Processor {
	return registry.ProcessorFunc(func(ctx context.Context, job *domain.ThumbnailJob) (registry.Result, error) {
		return c.render(ctx, "/render/orbit", job)
	})
}

// WaveformProcessor renders a waveform image for a sound.
func (c *Client) WaveformProcessor() registry.Processor {
	return registry.ProcessorFunc(func(ctx context.Context, job *domain.ThumbnailJob) (registry.Result, error) {
		return c.render(ctx, "/render/waveform", job)
	})
}

// SphereProcessor renders a sphere preview for a texture set.
func (c *Client) SphereProcessor() registry.Processor {
	return registry.ProcessorFunc(func(ctx context.Context, job *domain.ThumbnailJob) (registry.Result, error) {
		return c.render(ctx, "/render/sphere", job)
	})
}

// RegisterAll wires the three subject types to their render endpoints.
func RegisterAll(reg *registry.Registry, c *Client) {
	reg.Register(domain.SubjectModel, c.OrbitProcessor())
	reg.Register(domain.SubjectSound, c.WaveformProcessor())
	reg.Register(domain.SubjectTextureSet, c.SphereProcessor())
}

package vision

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"robotcore/internal/domain"
	"robotcore/internal/ports"
)

// Config points at the face model service.
type Config struct {
	BaseURL string
	Timeout time.Duration
	Client  *http.Client
}

// Client talks to an HTTP face service exposing /detect and /embed.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{baseURL: strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"), http: client}
}

type detectResponse struct {
	Faces []struct {
		Confidence float64 `json:"confidence"`
		Crop       []byte  `json:"crop"`
	} `json:"faces"`
}

type embedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// Detect returns the most confident face in the frame, or nil when none was found.
func (c *Client) Detect(ctx context.Context, frame ports.Frame) (*domain.FaceCrop, error) {
	var resp detectResponse
	if err := c.post(ctx, "/detect", frame.JPEG, &resp); err != nil {
		return nil, err
	}

	var best *domain.FaceCrop
	for _, face := range resp.Faces {
		if len(face.Crop) == 0 {
			continue
		}
		if best == nil || face.Confidence > best.Confidence {
			best = &domain.FaceCrop{JPEG: face.Crop, Confidence: face.Confidence}
		}
	}
	return best, nil
}

func (c *Client) Embed(ctx context.Context, crop domain.FaceCrop) ([]float32, error) {
	var resp embedResponse
	if err := c.post(ctx, "/embed", crop.JPEG, &resp); err != nil {
		return nil, err
	}
	if len(resp.Embedding) == 0 {
		return nil, errors.New("face service returned an empty embedding")
	}
	return resp.Embedding, nil
}

func (c *Client) post(ctx context.Context, path string, jpeg []byte, out any) error {
	if c.baseURL == "" {
		return errors.New("face service url is not configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(jpeg))
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "image/jpeg")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("face service %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("face service %s returned %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}

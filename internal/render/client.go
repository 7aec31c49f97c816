// Package render fetches kill images from an external render service.
package render

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/zifox666/xiaobawang/internal/config"
	"github.com/zifox666/xiaobawang/internal/domain"
)

// maxImageBytes caps a rendered image; larger bodies are rejected
const maxImageBytes = 8 << 20

// Client posts an event to the render service and returns the image it
// answers with. A 204 means the service chose not to render the kill.
type Client struct {
	url       string
	client    *http.Client
	userAgent string
	log       *zap.Logger
}

func NewClient(cfg config.Delivery, userAgent string, log *zap.Logger) *Client {
	return &Client{
		url:       cfg.RenderURL,
		client:    &http.Client{Timeout: cfg.RenderTimeout},
		userAgent: userAgent,
		log:       log,
	}
}

func (c *Client) Render(ctx context.Context, ev *domain.Event) ([]byte, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event %d: %w", ev.ID, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "image/*")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call render service: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNoContent:
		return nil, nil
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("render service returned HTTP %d: %s", resp.StatusCode, body)
	}

	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "image/") {
		return nil, fmt.Errorf("render service returned content type %q", ct)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read rendered image: %w", err)
	}
	if len(data) > maxImageBytes {
		return nil, fmt.Errorf("rendered image exceeds %d bytes", maxImageBytes)
	}

	c.log.Debug("Killmail rendered", zap.Int64("kill_id", ev.ID), zap.Int("bytes", len(data)))
	return data, nil
}

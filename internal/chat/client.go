// Package chat asks a remote inference endpoint for replies and has the
// model speak them.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Faultbox/l2dview/internal/logger"
	"github.com/Faultbox/l2dview/internal/metrics"
)

// ErrRemoteRequestFailed is returned for any failed round trip to the
// inference endpoint.
var ErrRemoteRequestFailed = errors.New("remote request failed")

const maxBody = 1 << 20

// Client queries the inference endpoint with GET endpoint?prompt=...
type Client struct {
	endpoint *url.URL
	http     *http.Client
	metrics  *metrics.Metrics
	log      *zap.Logger
}

type reply struct {
	Response struct {
		Content string `json:"content"`
	} `json:"response"`
}

// NewClient validates endpoint and returns a client. m may be nil.
func NewClient(endpoint string, timeout time.Duration, m *metrics.Metrics) (*Client, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse chat endpoint: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("chat endpoint %q: unsupported scheme", endpoint)
	}
	return &Client{
		endpoint: u,
		http:     &http.Client{Timeout: timeout},
		metrics:  m,
		log:      logger.Named("chat"),
	}, nil
}

// Ask sends prompt and returns the reply content.
func (c *Client) Ask(ctx context.Context, prompt string) (string, error) {
	content, err := c.ask(ctx, prompt)
	c.metrics.ChatRequest(err == nil)
	if err != nil {
		c.log.Warn("chat request failed", zap.Error(err))
		return "", fmt.Errorf("%w: %w", ErrRemoteRequestFailed, err)
	}
	return content, nil
}

func (c *Client) ask(ctx context.Context, prompt string) (string, error) {
	u := *c.endpoint
	q := u.Query()
	q.Set("prompt", prompt)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxBody))
		return "", fmt.Errorf("status %s", resp.Status)
	}

	var r reply
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBody)).Decode(&r); err != nil {
		return "", fmt.Errorf("decode reply: %w", err)
	}
	content := strings.TrimSpace(r.Response.Content)
	if content == "" {
		return "", errors.New("empty reply")
	}
	return content, nil
}

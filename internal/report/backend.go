package report

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// BackendClient posts violations to the platform backend. Delivery is
// best-effort: the local store is authoritative and a dead backend must not
// block detection, so failures are logged once and then suppressed.
type BackendClient struct {
	endpoint string
	client   *http.Client
	logger   *logrus.Logger

	mu     sync.Mutex
	failed bool
}

// NewBackendClient creates a client for the given endpoint. An empty
// endpoint returns nil, meaning local-only operation.
func NewBackendClient(endpoint string, logger *logrus.Logger) *BackendClient {
	if endpoint == "" {
		return nil
	}
	return &BackendClient{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 5 * time.Second},
		logger:   logger,
	}
}

type outboundReport struct {
	Type      string `json:"type"`
	Details   string `json:"details"`
	Timestamp string `json:"timestamp"`
	URL       string `json:"url"`
}

// Deliver posts one violation. Errors never propagate to the caller.
func (c *BackendClient) Deliver(ctx context.Context, v Violation) {
	body, err := json.Marshal(outboundReport{
		Type:      v.Type,
		Details:   v.Details,
		Timestamp: v.Timestamp.UTC().Format(time.RFC3339),
		URL:       v.URL,
	})
	if err != nil {
		c.logFailure(fmt.Errorf("marshal report: %w", err))
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		c.logFailure(err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		c.logFailure(err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		c.logFailure(fmt.Errorf("backend returned %s", resp.Status))
	}
}

// logFailure logs the first delivery failure and suppresses repeats so a
// sustained outage does not flood the log.
func (c *BackendClient) logFailure(err error) {
	c.mu.Lock()
	first := !c.failed
	c.failed = true
	c.mu.Unlock()
	if first && c.logger != nil {
		c.logger.WithError(err).Warn("violation backend unreachable, continuing local-only")
	}
}

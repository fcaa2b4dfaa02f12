package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/pairdb/region-server/internal/model"
)

// MasterClient handles communication with the cluster master. The split
// report is synchronous: a split is not considered finished until the
// master has acknowledged it, because only the master can assign the
// daughter regions to servers.
type MasterClient struct {
	baseURL string
	http    *http.Client
	logger  *zap.Logger
}

// SplitReport is the payload sent to the master when a region splits.
type SplitReport struct {
	ServerName string                  `json:"server_name"`
	Parent     *model.RegionDescriptor `json:"parent"`
	DaughterA  *model.RegionDescriptor `json:"daughter_a"`
	DaughterB  *model.RegionDescriptor `json:"daughter_b"`
}

// RegisterRequest announces a region server to the master.
type RegisterRequest struct {
	ServerName string `json:"server_name"`
	Host       string `json:"host"`
	Port       int    `json:"port"`
	StartCode  int64  `json:"start_code"`
}

type masterResponse struct {
	Success      bool   `json:"success"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// NewMasterClient creates a new master client
func NewMasterClient(host string, port int, logger *zap.Logger) *MasterClient {
	return &MasterClient{
		baseURL: fmt.Sprintf("http://%s:%d", host, port),
		http:    &http.Client{Timeout: 30 * time.Second},
		logger:  logger,
	}
}

// RegisterServer registers this region server with the master.
func (c *MasterClient) RegisterServer(ctx context.Context, req *RegisterRequest) error {
	c.logger.Info("Registering region server with master",
		zap.String("server_name", req.ServerName),
		zap.String("host", req.Host),
		zap.Int("port", req.Port),
		zap.String("master", c.baseURL))

	if err := c.post(ctx, "/master/servers/register", req); err != nil {
		return fmt.Errorf("failed to register server: %w", err)
	}

	c.logger.Info("Successfully registered with master",
		zap.String("server_name", req.ServerName))
	return nil
}

// RegisterWithRetry attempts registration with a fixed retry interval,
// giving the master time to come up during a cluster-wide restart.
func (c *MasterClient) RegisterWithRetry(ctx context.Context, req *RegisterRequest, maxRetries int, retryInterval time.Duration) error {
	var lastErr error

	for attempt := 1; attempt <= maxRetries; attempt++ {
		err := c.RegisterServer(ctx, req)
		if err == nil {
			return nil
		}

		lastErr = err
		c.logger.Warn("Failed to register with master, retrying...",
			zap.Int("attempt", attempt),
			zap.Int("max_retries", maxRetries),
			zap.Error(err))

		if attempt < maxRetries {
			select {
			case <-ctx.Done():
				return fmt.Errorf("context cancelled during registration: %w", ctx.Err())
			case <-time.After(retryInterval):
			}
		}
	}

	return fmt.Errorf("failed to register after %d attempts: %w", maxRetries, lastErr)
}

// ReportSplit tells the master a region split completed. The caller
// blocks until the master acknowledges.
func (c *MasterClient) ReportSplit(ctx context.Context, report *SplitReport) error {
	c.logger.Info("Reporting region split to master",
		zap.String("parent", report.Parent.RegionName),
		zap.String("daughter_a", report.DaughterA.RegionName),
		zap.String("daughter_b", report.DaughterB.RegionName))

	if err := c.post(ctx, "/master/regions/split", report); err != nil {
		return fmt.Errorf("failed to report split of %s: %w", report.Parent.RegionName, err)
	}
	return nil
}

func (c *MasterClient) post(ctx context.Context, path string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("master returned status %d: %s", resp.StatusCode, bytes.TrimSpace(data))
	}

	var mr masterResponse
	if err := json.Unmarshal(data, &mr); err != nil {
		return fmt.Errorf("failed to decode master response: %w", err)
	}
	if !mr.Success {
		return fmt.Errorf("master rejected request: %s", mr.ErrorMessage)
	}

	return nil
}

// Close releases idle connections.
func (c *MasterClient) Close() error {
	c.http.CloseIdleConnections()
	return nil
}

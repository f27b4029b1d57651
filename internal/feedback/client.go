// Package feedback delivers job telemetry to the controller.
package feedback

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"jobagent/internal/pagelog"
	"jobagent/pkg/api"

	"github.com/zeebo/blake3"
)

// Client handles API calls to the controller.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

// NewClient creates a new client with the given base URL and token.
func NewClient(baseURL, token string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// APIError represents an error response from the API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

// AcquireJob claims the next job in poolID. It returns nil when no job is available.
func (c *Client) AcquireJob(ctx context.Context, poolID int64, workerName string) (*api.JobMessage, error) {
	endpoint := fmt.Sprintf("%s/internal/pools/%d/jobs/acquire", c.BaseURL, poolID)
	resp, err := c.doJSON(ctx, http.MethodPost, endpoint, api.AcquireJobRequest{WorkerName: workerName}, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, readAPIError(resp)
	}

	var msg api.JobMessage
	if err := json.NewDecoder(resp.Body).Decode(&msg); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return &msg, nil
}

// RenewLease extends the lock on a job request and returns the new expiry.
func (c *Client) RenewLease(ctx context.Context, poolID, requestID int64, lockToken string) (time.Time, error) {
	endpoint := fmt.Sprintf("%s/internal/pools/%d/requests/%d/renew", c.BaseURL, poolID, requestID)
	resp, err := c.doJSON(ctx, http.MethodPost, endpoint, api.RenewLeaseRequest{RequestID: requestID, LockToken: lockToken}, nil)
	if err != nil {
		return time.Time{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return time.Time{}, readAPIError(resp)
	}

	var result api.RenewLeaseResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return time.Time{}, fmt.Errorf("failed to parse response: %w", err)
	}
	return result.LockedUntil, nil
}

// UpdateJobRequest reports the final result of a job request.
func (c *Client) UpdateJobRequest(ctx context.Context, poolID int64, lockToken string, update api.JobRequestUpdate) error {
	endpoint := fmt.Sprintf("%s/internal/pools/%d/requests/%d/finish", c.BaseURL, poolID, update.RequestID)
	header := http.Header{}
	header.Set(api.HeaderLockToken, lockToken)
	return c.expect(c.doJSON(ctx, http.MethodPost, endpoint, update, header))
}

// AppendConsole sends live console lines for a job.
func (c *Client) AppendConsole(ctx context.Context, jobID string, lines []string) error {
	endpoint := fmt.Sprintf("%s/internal/jobs/%s/console", c.BaseURL, jobID)
	return c.expect(c.doJSON(ctx, http.MethodPost, endpoint, api.AppendConsoleRequest{Lines: lines}, nil))
}

// UpdateRecords sends a batch of timeline record updates for a job.
func (c *Client) UpdateRecords(ctx context.Context, jobID string, updates []api.TimelineRecordUpdate) error {
	endpoint := fmt.Sprintf("%s/internal/jobs/%s/timeline", c.BaseURL, jobID)
	return c.expect(c.doJSON(ctx, http.MethodPost, endpoint, api.UpdateRecordsRequest{Records: updates}, nil))
}

// UploadPage sends one closed log page, zstd compressed.
func (c *Client) UploadPage(ctx context.Context, page pagelog.PageInfo) error {
	data, err := os.ReadFile(page.Path)
	if err != nil {
		return fmt.Errorf("failed to read page %d: %w", page.Sequence, err)
	}
	digest := blake3.Sum256(data)

	endpoint := fmt.Sprintf("%s/internal/jobs/%s/logs/%s/pages/%d",
		c.BaseURL, page.Metadata.JobID, page.Metadata.StreamID, page.Sequence)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, bytes.NewReader(CompressPage(data)))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	req.Header.Set("Content-Encoding", "zstd")
	req.Header.Set(api.HeaderStreamID, page.Metadata.StreamID)
	req.Header.Set(api.HeaderRecordID, page.Metadata.RecordID)
	req.Header.Set(api.HeaderPageSequence, strconv.Itoa(page.Sequence))
	req.Header.Set(api.HeaderContentBlake3, hex.EncodeToString(digest[:]))
	c.authorize(req)

	return c.expect(c.HTTPClient.Do(req))
}

func (c *Client) doJSON(ctx context.Context, method, endpoint string, body any, header http.Header) (*http.Response, error) {
	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	return resp, nil
}

func (c *Client) authorize(req *http.Request) {
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
}

// expect accepts any 2xx response.
func (c *Client) expect(resp *http.Response, err error) error {
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return readAPIError(resp)
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

func readAPIError(resp *http.Response) error {
	respBody, _ := io.ReadAll(resp.Body)
	var apiErr api.ErrorResponse
	if err := json.Unmarshal(respBody, &apiErr); err == nil && apiErr.Error != "" {
		return &APIError{StatusCode: resp.StatusCode, Message: apiErr.Error}
	}
	return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(respBody))}
}

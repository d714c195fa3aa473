package statuspoll

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
)

var ErrNotFound = errors.New("transaction_not_found")

// Client reads transaction status from the payment API.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
	}
}

func (c *Client) Status(ctx context.Context, token string) (Status, error) {
	endpoint := fmt.Sprintf("%s/api/payments/transactions/%s/status", c.baseURL, url.PathEscape(token))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Status{}, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return Status{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return Status{}, ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return Status{}, fmt.Errorf("status endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var status Status
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return Status{}, fmt.Errorf("decode status: %w", err)
	}
	return status, nil
}

// Fetcher adapts Status for Poller.Poll.
func (c *Client) Fetcher(token string) FetchFunc {
	return func(ctx context.Context) (Status, error) {
		return c.Status(ctx, token)
	}
}

// SuccessURL is where a completed checkout sends the buyer.
func SuccessURL(appBaseURL string, badgeType string) string {
	target := strings.TrimRight(appBaseURL, "/") + "/dashboard?payment=success"
	if badgeType != "" {
		target += "&badge=" + url.QueryEscape(badgeType)
	}
	return target
}

package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Troubleshooting accompanies error responses and failed update states.
type Troubleshooting struct {
	CanRetry         bool     `json:"canRetry"`
	SuggestedActions []string `json:"suggestedActions"`
}

// ErrorResponse is the structured error body every endpoint returns on
// failure.
type ErrorResponse struct {
	StatusCode      int              `json:"-"`
	ErrorCode       string           `json:"error"`
	Message         string           `json:"message"`
	Troubleshooting *Troubleshooting `json:"troubleshooting,omitempty"`
}

func (e *ErrorResponse) Error() string {
	return fmt.Sprintf("unexpected status code: %d, error: %s (%s)", e.StatusCode, e.ErrorCode, e.Message)
}

type VersionFileInfo struct {
	Available bool   `json:"available"`
	Path      string `json:"path"`
}

type VersionInfo struct {
	Success     bool            `json:"success"`
	Version     string          `json:"version"`
	VersionFile VersionFileInfo `json:"versionFile"`
	Timestamp   time.Time       `json:"timestamp"`
}

type RemoteInfo struct {
	Version     string    `json:"version"`
	Name        string    `json:"name"`
	PublishedAt time.Time `json:"publishedAt"`
	URL         string    `json:"url"`
}

type RateLimitInfo struct {
	Remaining int       `json:"remaining"`
	ResetTime time.Time `json:"resetTime"`
}

type UpdateInfo struct {
	ComparisonMethod string     `json:"comparisonMethod"`
	RepositoryURL    string     `json:"repositoryUrl"`
	LastChecked      time.Time  `json:"lastChecked"`
	RemoteInfo       RemoteInfo `json:"remoteInfo"`
}

type CheckResult struct {
	Success         bool          `json:"success"`
	UpdateAvailable bool          `json:"updateAvailable"`
	CurrentVersion  string        `json:"currentVersion"`
	LatestVersion   string        `json:"latestVersion"`
	UpdateInfo      UpdateInfo    `json:"updateInfo"`
	RateLimitInfo   RateLimitInfo `json:"rateLimitInfo"`
}

type ExecuteResult struct {
	Success        bool       `json:"success"`
	Message        string     `json:"message"`
	CurrentVersion string     `json:"currentVersion"`
	LatestVersion  string     `json:"latestVersion"`
	UpdateInfo     UpdateInfo `json:"updateInfo"`
}

type UpdateStatus struct {
	Success         bool             `json:"success"`
	Status          string           `json:"status"`
	Message         string           `json:"message"`
	Progress        int              `json:"progress"`
	Timestamp       time.Time        `json:"timestamp"`
	Error           string           `json:"error,omitempty"`
	Troubleshooting *Troubleshooting `json:"troubleshooting,omitempty"`
}

type HealthPerformance struct {
	Uptime float64 `json:"uptime"`
	Memory uint64  `json:"memory"`
}

type HealthStatus struct {
	Status      string            `json:"status"`
	Message     string            `json:"message"`
	Performance HealthPerformance `json:"performance"`
	Timestamp   time.Time         `json:"timestamp"`
}

// Client talks to the kiosk update service REST surface.
type Client struct {
	serviceURL string
	httpClient *http.Client
}

func New(serviceURL string) *Client {
	return &Client{
		serviceURL: serviceURL,
		httpClient: &http.Client{
			Timeout: time.Minute,
		},
	}
}

// ServiceURL returns the configured base URL.
func (c *Client) ServiceURL() string {
	return c.serviceURL
}

func (c *Client) sendRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Response, error) {
	apiEndpoint, err := url.JoinPath(c.serviceURL, endpoint)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, apiEndpoint, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json; charset=utf-8")
	return c.httpClient.Do(req)
}

func (c *Client) decodeResponse(resp *http.Response, v any) error {
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		errResp := ErrorResponse{StatusCode: resp.StatusCode}
		if err := json.NewDecoder(resp.Body).Decode(&errResp); err != nil {
			return fmt.Errorf("unexpected status code %d", resp.StatusCode)
		}
		return &errResp
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func (c *Client) Version(ctx context.Context) (*VersionInfo, error) {
	resp, err := c.sendRequest(ctx, http.MethodGet, "version", nil)
	if err != nil {
		return nil, err
	}
	var res VersionInfo
	if err := c.decodeResponse(resp, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) CheckForUpdates(ctx context.Context) (*CheckResult, error) {
	resp, err := c.sendRequest(ctx, http.MethodGet, "update/check", nil)
	if err != nil {
		return nil, err
	}
	var res CheckResult
	if err := c.decodeResponse(resp, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) ExecuteUpdate(ctx context.Context) (*ExecuteResult, error) {
	resp, err := c.sendRequest(ctx, http.MethodPost, "update/execute", nil)
	if err != nil {
		return nil, err
	}
	var res ExecuteResult
	if err := c.decodeResponse(resp, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) UpdateStatus(ctx context.Context) (*UpdateStatus, error) {
	resp, err := c.sendRequest(ctx, http.MethodGet, "update/status", nil)
	if err != nil {
		return nil, err
	}
	var res UpdateStatus
	if err := c.decodeResponse(resp, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) Health(ctx context.Context) (*HealthStatus, error) {
	resp, err := c.sendRequest(ctx, http.MethodGet, "health", nil)
	if err != nil {
		return nil, err
	}
	var res HealthStatus
	if err := c.decodeResponse(resp, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

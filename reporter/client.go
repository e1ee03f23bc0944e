// Package reporter talks to the collector's monitor API.
package reporter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jaewooli/connwatch/capturer"
)

const (
	registerPath    = "/api/monitor/register"
	connectionsPath = "/api/monitor/connections"
	statusPath      = "/api/monitor/status"

	DefaultReportTimeout   = 5 * time.Second
	DefaultRegisterTimeout = 15 * time.Second
)

var (
	ErrUnreachable = errors.New("collector unreachable")
	ErrRejected    = errors.New("collector rejected request")
)

// Registration is the device the collector created or refreshed.
type Registration struct {
	ID         string `json:"id"`
	DeviceName string `json:"deviceName,omitempty"`
}

type Client struct {
	BaseURL    string
	Token      string
	DeviceName string

	ReportTimeout   time.Duration
	RegisterTimeout time.Duration

	HTTP *http.Client
}

func New(baseURL, token, deviceName string) *Client {
	return &Client{
		BaseURL:         baseURL,
		Token:           token,
		DeviceName:      deviceName,
		ReportTimeout:   DefaultReportTimeout,
		RegisterTimeout: DefaultRegisterTimeout,
		HTTP:            &http.Client{},
	}
}

type registerRequest struct {
	Token      string `json:"token"`
	DeviceName string `json:"deviceName"`
}

type connectionRequest struct {
	Token string `json:"token"`
	capturer.ConnRecord
}

type statusRequest struct {
	Token      string `json:"token"`
	DeviceName string `json:"deviceName"`
	Status     string `json:"status"`
}

type apiResponse struct {
	Success bool            `json:"success"`
	Error   string          `json:"error"`
	Data    json.RawMessage `json:"data"`
}

// Register announces the device. It succeeds only on HTTP 200 with
// "success": true.
func (c *Client) Register(ctx context.Context) (Registration, error) {
	resp, body, err := c.post(ctx, registerPath, c.timeout(c.RegisterTimeout, DefaultRegisterTimeout), registerRequest{
		Token:      c.Token,
		DeviceName: c.DeviceName,
	})
	if err != nil {
		return Registration{}, err
	}

	var ar apiResponse
	decodeErr := json.Unmarshal(body, &ar)
	if resp.StatusCode != http.StatusOK || decodeErr != nil || !ar.Success {
		return Registration{}, fmt.Errorf("register: %w: %s", ErrRejected, failureMessage(resp.StatusCode, body, ar))
	}

	var reg Registration
	if len(ar.Data) > 0 {
		var raw map[string]any
		dec := json.NewDecoder(bytes.NewReader(ar.Data))
		dec.UseNumber()
		if err := dec.Decode(&raw); err == nil {
			reg.ID = stringify(raw["id"])
			reg.DeviceName = stringify(raw["deviceName"])
		}
	}
	return reg, nil
}

// Report sends one connection. Only HTTP 200 counts as delivered; there is no retry.
func (c *Client) Report(ctx context.Context, rec capturer.ConnRecord) error {
	resp, body, err := c.post(ctx, connectionsPath, c.timeout(c.ReportTimeout, DefaultReportTimeout), connectionRequest{
		Token:      c.Token,
		ConnRecord: rec,
	})
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		var ar apiResponse
		_ = json.Unmarshal(body, &ar)
		return fmt.Errorf("report %s: %w: %s", rec, ErrRejected, failureMessage(resp.StatusCode, body, ar))
	}
	return nil
}

// SetStatus marks the device online or offline.
func (c *Client) SetStatus(ctx context.Context, status string) error {
	resp, body, err := c.post(ctx, statusPath, c.timeout(c.ReportTimeout, DefaultReportTimeout), statusRequest{
		Token:      c.Token,
		DeviceName: c.DeviceName,
		Status:     status,
	})
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		var ar apiResponse
		_ = json.Unmarshal(body, &ar)
		return fmt.Errorf("status %s: %w: %s", status, ErrRejected, failureMessage(resp.StatusCode, body, ar))
	}
	return nil
}

// post sends one JSON request. The call runs to completion or timeout even if
// ctx is cancelled while it is in flight.
func (c *Client) post(ctx context.Context, path string, timeout time.Duration, payload any) (*http.Response, []byte, error) {
	endpoint, err := c.endpoint(path)
	if err != nil {
		return nil, nil, err
	}
	buf, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, fmt.Errorf("encode %s: %w", path, err)
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(buf))
	if err != nil {
		return nil, nil, fmt.Errorf("build request %s: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")

	hc := c.HTTP
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("%w at %s: %w", ErrUnreachable, c.BaseURL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: read %s response: %w", ErrUnreachable, path, err)
	}
	return resp, body, nil
}

func (c *Client) endpoint(path string) (string, error) {
	base, err := url.Parse(c.BaseURL)
	if err != nil {
		return "", fmt.Errorf("server url %q: %w", c.BaseURL, err)
	}
	ref, _ := url.Parse(path)
	return base.ResolveReference(ref).String(), nil
}

func (c *Client) timeout(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

func failureMessage(code int, body []byte, ar apiResponse) string {
	if ar.Error != "" {
		return ar.Error
	}
	if text := strings.TrimSpace(string(body)); text != "" && code != http.StatusOK {
		return text
	}
	if code == http.StatusOK {
		return "success=false"
	}
	return fmt.Sprintf("HTTP %d", code)
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		return fmt.Sprint(t)
	}
}

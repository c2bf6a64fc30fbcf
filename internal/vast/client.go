// Package vast is a client for the vast.ai marketplace API: GPU offer
// search, instance rental, and teardown.
package vast

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const defaultAPIBase = "https://console.vast.ai/api/v0"

// Client calls the vast.ai REST API.
type Client struct {
	apiBase string
	apiKey  string
	httpc   *RetryableHTTPClient
}

// NewClient creates a client with the given API key.
func NewClient(apiKey string) *Client {
	return &Client{
		apiBase: defaultAPIBase,
		apiKey:  apiKey,
		httpc:   NewRetryableHTTPClient(30*time.Second, 2.0),
	}
}

// Offer is one rentable GPU listing.
type Offer struct {
	ID          int64   `json:"id"`
	GPUName     string  `json:"gpu_name"`
	GPURAM      float64 `json:"gpu_ram"`
	NumGPUs     int     `json:"num_gpus"`
	DPH         float64 `json:"dph"`
	DPHTotal    float64 `json:"dph_total"`
	InetDown    float64 `json:"inet_down"`
	InetUp      float64 `json:"inet_up"`
	DiskSpace   float64 `json:"disk_space"`
	Geolocation string  `json:"geolocation"`
	Verified    bool    `json:"verified"`
	Rentable    bool    `json:"rentable"`
}

// Instance is a rented machine.
type Instance struct {
	ID         int64   `json:"id"`
	Label      string  `json:"label"`
	GPUName    string  `json:"gpu_name"`
	Status     string  `json:"actual_status"`
	SSHHost    string  `json:"ssh_host"`
	SSHPort    int     `json:"ssh_port"`
	PublicIP   string  `json:"public_ipaddr"`
	DPHTotal   float64 `json:"dph_total"`
	ImageLabel string  `json:"image_uuid"`
}

// SearchOffers runs an offer query. The query is the API's field->op->value
// shape, e.g. {"gpu_name": {"eq": "RTX 4090"}}.
func (c *Client) SearchOffers(ctx context.Context, query map[string]any) ([]Offer, error) {
	body := map[string]any{"q": query}
	var resp struct {
		Offers []Offer `json:"offers"`
	}
	if err := c.doJSON(ctx, http.MethodPut, "/bundles/", body, &resp); err != nil {
		return nil, fmt.Errorf("search offers: %w", err)
	}
	return resp.Offers, nil
}

// CreateRequest describes the rental to create from an offer.
type CreateRequest struct {
	Label   string
	Image   string  // docker image
	DiskGB  float64 // disk allocation
	Onstart string  // provisioning script run at boot
}

// CreateInstance rents the given offer and returns the new instance id.
func (c *Client) CreateInstance(ctx context.Context, offerID int64, req CreateRequest) (int64, error) {
	body := map[string]any{
		"client_id": "me",
		"image":     req.Image,
		"disk":      req.DiskGB,
		"label":     req.Label,
		"onstart":   req.Onstart,
		"runtype":   "ssh",
	}
	var resp struct {
		Success     bool  `json:"success"`
		NewContract int64 `json:"new_contract"`
	}
	if err := c.doJSON(ctx, http.MethodPut, fmt.Sprintf("/asks/%d/", offerID), body, &resp); err != nil {
		return 0, fmt.Errorf("create instance: %w", err)
	}
	if !resp.Success {
		return 0, fmt.Errorf("create instance: offer %d not accepted", offerID)
	}
	return resp.NewContract, nil
}

// ListInstances returns the account's rented instances.
func (c *Client) ListInstances(ctx context.Context) ([]Instance, error) {
	var resp struct {
		Instances []Instance `json:"instances"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/instances/", nil, &resp); err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	return resp.Instances, nil
}

// DestroyInstance tears down a rented instance.
func (c *Client) DestroyInstance(ctx context.Context, id int64) error {
	if err := c.doJSON(ctx, http.MethodDelete, fmt.Sprintf("/instances/%d/", id), nil, nil); err != nil {
		return fmt.Errorf("destroy instance %d: %w", id, err)
	}
	return nil
}

// WaitForInstance polls until the instance reports running and has an SSH
// endpoint, or the deadline passes.
func (c *Client) WaitForInstance(ctx context.Context, id int64, timeout time.Duration) (*Instance, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			if time.Now().After(deadline) {
				return nil, fmt.Errorf("instance %d not ready within %s", id, timeout)
			}
			instances, err := c.ListInstances(ctx)
			if err != nil {
				continue
			}
			for i := range instances {
				inst := &instances[i]
				if inst.ID == id && inst.Status == "running" && inst.SSHHost != "" {
					return inst, nil
				}
			}
		}
	}
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	if c.apiKey == "" {
		return fmt.Errorf("vast api key missing; set vast.api_key or VAST_API_KEY")
	}
	url := c.apiBase + path
	var req *http.Request
	var err error
	if body != nil {
		buf, e := json.Marshal(body)
		if e != nil {
			return fmt.Errorf("marshal request: %w", e)
		}
		req, err = http.NewRequestWithContext(ctx, method, url, bytes.NewReader(buf))
		if err == nil {
			req.Header.Set("Content-Type", "application/json")
			req.GetBody = func() (io.ReadCloser, error) {
				return io.NopCloser(bytes.NewReader(buf)), nil
			}
		}
	} else {
		req, err = http.NewRequestWithContext(ctx, method, url, nil)
	}
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	resp, err := c.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("vast api status %d: %s", resp.StatusCode, string(errBody))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

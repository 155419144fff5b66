// Package worker is the client side of the pool: an HTTP client for the lease
// endpoints and a Runner that wraps a task in acquire, heartbeat and release.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/ILLUVRSE/account-pool/internal/httpserver"
	"github.com/ILLUVRSE/account-pool/internal/models"
)

var (
	ErrNoCapacity = errors.New("no capacity")
	ErrContention = errors.New("lease contention")
	// ErrLeaseLost means the lease is gone or belongs to someone else, usually
	// because it was reclaimed.
	ErrLeaseLost = errors.New("lease lost")
)

type Client struct {
	baseURL string
	client  *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 5 * time.Second},
	}
}

type holderPayload struct {
	Holder string `json:"holder"`
}

type errorPayload struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func (c *Client) do(ctx context.Context, method, path string, payload interface{}) (*http.Response, error) {
	var body *bytes.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(raw)
	} else {
		body = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.client.Do(req)
}

func (c *Client) Acquire(ctx context.Context, holder string) (models.Resource, error) {
	resp, err := c.do(ctx, http.MethodPost, "/leases", holderPayload{Holder: holder})
	if err != nil {
		return models.Resource{}, err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusCreated:
		var res models.Resource
		if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
			return models.Resource{}, err
		}
		return res, nil
	case http.StatusNotFound:
		return models.Resource{}, ErrNoCapacity
	case http.StatusConflict:
		return models.Resource{}, ErrContention
	default:
		return models.Resource{}, statusError(resp)
	}
}

func (c *Client) Release(ctx context.Context, id, holder string) error {
	path := fmt.Sprintf("/leases/%s?holder=%s", url.PathEscape(id), url.QueryEscape(holder))
	resp, err := c.do(ctx, http.MethodDelete, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrLeaseLost, statusError(resp))
	case http.StatusConflict:
		return conflictError(resp)
	default:
		return statusError(resp)
	}
}

func (c *Client) Renew(ctx context.Context, id, holder string) error {
	resp, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/leases/%s/renew", url.PathEscape(id)), holderPayload{Holder: holder})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrLeaseLost, statusError(resp))
	case http.StatusConflict:
		return conflictError(resp)
	default:
		return statusError(resp)
	}
}

// conflictError tells retryable contention apart from a lease that now belongs to
// someone else.
func conflictError(resp *http.Response) error {
	var payload errorPayload
	_ = json.NewDecoder(resp.Body).Decode(&payload)
	if payload.Error == "" {
		payload.Error = resp.Status
	}
	if payload.Code == httpserver.CodeContention {
		return fmt.Errorf("%w: %s", ErrContention, payload.Error)
	}
	return fmt.Errorf("%w: %s", ErrLeaseLost, payload.Error)
}

func statusError(resp *http.Response) error {
	var payload errorPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err == nil && payload.Error != "" {
		return fmt.Errorf("pool returned %s: %s", resp.Status, payload.Error)
	}
	return fmt.Errorf("pool returned %s", resp.Status)
}

// Package crm is a thin HTTP client for the customer-record service.
// The agent's customer tools are its only consumers.
package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// ErrNotFound indicates no customer record matches the lookup.
var ErrNotFound = errors.New("crm: customer not found")

// ErrUnavailable indicates the customer-record service could not be reached
// or answered with a server error.
var ErrUnavailable = errors.New("crm: service unavailable")

// Customer is a customer record as served by the API.
type Customer struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	PhoneNumber string `json:"phone_number"`
	Email       string `json:"email,omitempty"`
	Notes       string `json:"notes,omitempty"`
}

const defaultTimeout = 10 * time.Second

// Client calls the customer-record HTTP API.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// Config configures the client.
type Config struct {
	// BaseURL is the service root, e.g. "https://crm.internal.example".
	BaseURL string

	// APIKey is sent as a bearer token when set.
	APIKey string

	// HTTPClient overrides the default client (10s timeout).
	HTTPClient *http.Client
}

// New creates a customer-record client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: defaultTimeout}
	}
	return &Client{baseURL: cfg.BaseURL, apiKey: cfg.APIKey, http: hc}, nil
}

// CustomerByPhone looks up the customer record for a phone number.
// Returns ErrNotFound when no record matches.
func (c *Client) CustomerByPhone(ctx context.Context, phone string) (*Customer, error) {
	if phone == "" {
		return nil, fmt.Errorf("phone number is required")
	}

	endpoint := c.baseURL + "/api/customers?" + url.Values{"phone": {phone}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("building lookup request: %w", err)
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNotFound
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("customer lookup: unexpected status %d", resp.StatusCode)
	}

	var customer Customer
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&customer); err != nil {
		return nil, fmt.Errorf("decoding customer: %w", err)
	}
	return &customer, nil
}

// UpdateNotes replaces the notes field on the customer record for a phone
// number. Returns ErrNotFound when no record matches.
func (c *Client) UpdateNotes(ctx context.Context, phone, notes string) error {
	if phone == "" {
		return fmt.Errorf("phone number is required")
	}

	body, err := json.Marshal(map[string]string{
		"phone_number": phone,
		"notes":        notes,
	})
	if err != nil {
		return fmt.Errorf("encoding notes update: %w", err)
	}

	endpoint := c.baseURL + "/api/customers/notes"
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building notes request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	case resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent:
		return fmt.Errorf("notes update: unexpected status %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) authorize(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

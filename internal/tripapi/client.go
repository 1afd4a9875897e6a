// Package tripapi is the client for the trip backend's create endpoint.
package tripapi

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

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	DefaultTimeout  = 15 * time.Second
	maxResponseBody = 1 << 20
)

// Auth is the caller's authentication context for one request. It is passed
// explicitly; the client keeps no token state.
type Auth struct {
	Token string
}

// AuthProvider yields the current credentials. It returns ErrNoCredentials
// when the user is logged out.
type AuthProvider interface {
	Auth(ctx context.Context) (Auth, error)
}

type StaticAuth Auth

func (a StaticAuth) Auth(context.Context) (Auth, error) {
	if strings.TrimSpace(a.Token) == "" {
		return Auth{}, ErrNoCredentials
	}
	return Auth(a), nil
}

type Client struct {
	BaseURL   string
	HTTP      *http.Client
	UserAgent string
}

// NewClient builds a client with the default timeout. When traced is true
// the transport is wrapped with OpenTelemetry instrumentation.
func NewClient(baseURL string, timeout time.Duration, traced bool) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("empty api base url")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	transport := http.DefaultTransport
	if traced {
		transport = otelhttp.NewTransport(transport)
	}
	return &Client{
		BaseURL:   baseURL,
		HTTP:      &http.Client{Timeout: timeout, Transport: transport},
		UserAgent: "tidelog",
	}, nil
}

// CreateTrip posts a trip-creation payload. A nil *Trip with a nil error
// means the backend accepted the trip but the response carried no
// recognizable trip object.
func (c *Client) CreateTrip(ctx context.Context, auth Auth, payload json.RawMessage) (*Trip, error) {
	if !json.Valid(payload) {
		return nil, ErrInvalidPayload
	}
	if strings.TrimSpace(auth.Token) == "" {
		return nil, ErrNoCredentials
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/trips", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+auth.Token)
	if c.UserAgent != "" {
		req.Header.Set("User-Agent", c.UserAgent)
	}

	client := c.HTTP
	if client == nil {
		client = &http.Client{Timeout: DefaultTimeout}
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("trip api: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			// Created; only the echo is unreadable.
			return nil, nil
		}
		return nil, fmt.Errorf("trip api: read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, decodeAPIError(resp.StatusCode, body)
	}
	trip, _ := DecodeCreated(body)
	return trip, nil
}

package tripapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		name string
		in   error
		want bool
	}{
		{name: "nil", in: nil, want: false},
		{name: "network error", in: errors.New("dial tcp: connection refused"), want: true},
		{name: "timeout", in: fmt.Errorf("trip api: %w", context.DeadlineExceeded), want: true},
		{name: "no credentials", in: ErrNoCredentials, want: true},
		{name: "invalid payload", in: ErrInvalidPayload, want: false},
		{name: "request timeout", in: &APIError{StatusCode: http.StatusRequestTimeout}, want: true},
		{name: "too many requests", in: &APIError{StatusCode: http.StatusTooManyRequests}, want: true},
		{name: "bad gateway", in: &APIError{StatusCode: http.StatusBadGateway}, want: true},
		{name: "unprocessable", in: &APIError{StatusCode: http.StatusUnprocessableEntity}, want: false},
		{name: "unauthorized", in: &APIError{StatusCode: http.StatusUnauthorized}, want: false},
		{name: "wrapped client error", in: fmt.Errorf("flush: %w", &APIError{StatusCode: http.StatusBadRequest}), want: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsRetryable(tc.in); got != tc.want {
				t.Fatalf("IsRetryable()=%v, want %v", got, tc.want)
			}
		})
	}
}

func TestDecodeCreated(t *testing.T) {
	cases := []struct {
		name   string
		body   string
		ok     bool
		id     string
		tripID string
	}{
		{name: "trip envelope", body: `{"success":true,"message":"ok","trip":{"id":42,"trip_id":"TRP-1"}}`, ok: true, id: "42", tripID: "TRP-1"},
		{name: "data envelope", body: `{"data":{"id":"abc","status":"pending"}}`, ok: true, id: "abc"},
		{name: "top level", body: `{"id":7,"trip_id":"TRP-7"}`, ok: true, id: "7", tripID: "TRP-7"},
		{name: "top level without trip_id", body: `{"id":7}`, ok: false},
		{name: "envelope without id falls through", body: `{"trip":{"name":"x"},"id":9,"trip_id":"TRP-9"}`, ok: true, id: "9", tripID: "TRP-9"},
		{name: "empty object", body: `{}`, ok: false},
		{name: "not json", body: `created`, ok: false},
		{name: "array", body: `[{"id":1}]`, ok: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			trip, ok := DecodeCreated([]byte(tc.body))
			if ok != tc.ok {
				t.Fatalf("ok=%v, want %v", ok, tc.ok)
			}
			if !ok {
				if trip != nil {
					t.Fatalf("trip=%+v, want nil", trip)
				}
				return
			}
			if trip.ID != tc.id || trip.TripID != tc.tripID {
				t.Fatalf("trip=%+v, want id=%q trip_id=%q", trip, tc.id, tc.tripID)
			}
		})
	}
}

func TestClient_CreateTrip(t *testing.T) {
	var gotAuth, gotPath, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"success":true,"trip":{"id":11,"trip_id":"TRP-11"}}`))
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL+"/api/", time.Second, false)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	trip, err := c.CreateTrip(context.Background(), Auth{Token: "tok"}, json.RawMessage(`{"trip_name":"x"}`))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if trip == nil || trip.ID != "11" || trip.TripID != "TRP-11" {
		t.Fatalf("trip=%+v", trip)
	}
	if gotAuth != "Bearer tok" {
		t.Fatalf("authorization=%q", gotAuth)
	}
	if gotPath != "/api/trips" {
		t.Fatalf("path=%q", gotPath)
	}
	if gotBody != `{"trip_name":"x"}` {
		t.Fatalf("body=%q", gotBody)
	}
}

func TestClient_CreateTripUnrecognizedBodyIsSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c, _ := NewClient(srv.URL, time.Second, false)
	trip, err := c.CreateTrip(context.Background(), Auth{Token: "tok"}, json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if trip != nil {
		t.Fatalf("trip=%+v, want nil", trip)
	}
}

func TestClient_CreateTripValidationError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"message":"The crew count field is required.","errors":{"crew_count":["required"]}}`))
	}))
	defer srv.Close()

	c, _ := NewClient(srv.URL, time.Second, false)
	_, err := c.CreateTrip(context.Background(), Auth{Token: "tok"}, json.RawMessage(`{}`))
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err=%v, want *APIError", err)
	}
	if apiErr.StatusCode != http.StatusUnprocessableEntity || apiErr.Message != "The crew count field is required." {
		t.Fatalf("api error=%+v", apiErr)
	}
	if got := apiErr.Fields["crew_count"]; len(got) != 1 || got[0] != "required" {
		t.Fatalf("fields=%v", apiErr.Fields)
	}
	if IsRetryable(err) {
		t.Fatalf("422 must not be retryable")
	}
}

func TestClient_CreateTripServerErrorRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c, _ := NewClient(srv.URL, time.Second, false)
	_, err := c.CreateTrip(context.Background(), Auth{Token: "tok"}, json.RawMessage(`{}`))
	if err == nil || !IsRetryable(err) {
		t.Fatalf("err=%v, want retryable", err)
	}
}

func TestClient_CreateTripTimeoutRetryable(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c, _ := NewClient(srv.URL, 30*time.Millisecond, false)
	_, err := c.CreateTrip(context.Background(), Auth{Token: "tok"}, json.RawMessage(`{}`))
	if err == nil || !IsRetryable(err) {
		t.Fatalf("err=%v, want retryable timeout", err)
	}
}

func TestClient_CreateTripLocalRejections(t *testing.T) {
	c, _ := NewClient("https://example.invalid", time.Second, false)
	if _, err := c.CreateTrip(context.Background(), Auth{}, json.RawMessage(`{}`)); !errors.Is(err, ErrNoCredentials) {
		t.Fatalf("err=%v, want ErrNoCredentials", err)
	}
	if _, err := c.CreateTrip(context.Background(), Auth{Token: "t"}, json.RawMessage(`{`)); !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("err=%v, want ErrInvalidPayload", err)
	}
}

func TestNewClient_EmptyBaseURL(t *testing.T) {
	if _, err := NewClient(" ", 0, false); err == nil {
		t.Fatalf("expected error")
	}
}

// Package httpclient holds generic helpers for calling JSON REST endpoints.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"slices"
)

// StatusError is returned when the response status is not one of the accepted ones.
type StatusError struct {
	StatusCode int
	Body       []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, bytes.TrimSpace(e.Body))
}

// RequestOption mutates an outgoing request before it is sent.
type RequestOption func(*http.Request)

// WithHeaders sets the given headers on the request.
func WithHeaders(headers map[string]string) RequestOption {
	return func(req *http.Request) {
		for k, v := range headers {
			req.Header.Set(k, v)
		}
	}
}

// GetResource performs a GET on baseURL+endpoint and decodes the JSON body into T.
func GetResource[T any](ctx context.Context, client *http.Client, baseURL, endpoint string, okStatuses []int, opts ...RequestOption) (T, error) {
	var zero T
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+endpoint, nil)
	if err != nil {
		return zero, fmt.Errorf("build request: %w", err)
	}
	return do[T](client, req, okStatuses, opts)
}

// PostResource performs a POST of a JSON body on baseURL+endpoint and decodes the JSON response into T.
func PostResource[T any](ctx context.Context, client *http.Client, baseURL, endpoint string, body []byte, okStatuses []int, opts ...RequestOption) (T, error) {
	var zero T
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+endpoint, bytes.NewReader(body))
	if err != nil {
		return zero, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return do[T](client, req, okStatuses, opts)
}

func do[T any](client *http.Client, req *http.Request, okStatuses []int, opts []RequestOption) (T, error) {
	var resource T
	for _, opt := range opts {
		opt(req)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return resource, fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resource, fmt.Errorf("read body: %w", err)
	}

	if !slices.Contains(okStatuses, resp.StatusCode) {
		return resource, &StatusError{StatusCode: resp.StatusCode, Body: body}
	}

	if err := json.Unmarshal(body, &resource); err != nil {
		return resource, fmt.Errorf("decode %s response: %w", req.URL.Path, err)
	}
	return resource, nil
}

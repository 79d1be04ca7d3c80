package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"extractd/internal/api"
)

// client talks to the extractd HTTP API.
type client struct {
	baseURL string
	token   string
	http    *http.Client
}

func newClient(baseURL, token string) *client {
	return &client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *client) Status(ctx context.Context) (*api.DaemonStatus, error) {
	var out api.DaemonStatus
	if err := c.do(ctx, http.MethodGet, "/api/status", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *client) ListJobs(ctx context.Context, states []string) ([]api.JobView, error) {
	path := "/api/jobs"
	if len(states) > 0 {
		values := url.Values{}
		for _, state := range states {
			values.Add("state", state)
		}
		path += "?" + values.Encode()
	}
	var out api.JobListResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Jobs, nil
}

func (c *client) GetJob(ctx context.Context, id string) (*api.JobView, error) {
	var out api.JobResponse
	if err := c.do(ctx, http.MethodGet, "/api/jobs/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out.Job, nil
}

func (c *client) SubmitJob(ctx context.Context, req api.SubmitJobRequest) (*api.JobView, error) {
	var out api.JobResponse
	if err := c.do(ctx, http.MethodPost, "/api/jobs", req, &out); err != nil {
		return nil, err
	}
	return &out.Job, nil
}

func (c *client) ListHandlers(ctx context.Context) ([]string, error) {
	var out api.HandlerListResponse
	if err := c.do(ctx, http.MethodGet, "/api/handlers", nil, &out); err != nil {
		return nil, err
	}
	return out.Handlers, nil
}

func (c *client) ListVersions(ctx context.Context, handlerID string) ([]api.VersionView, error) {
	var out api.VersionListResponse
	if err := c.do(ctx, http.MethodGet, "/api/handlers/"+url.PathEscape(handlerID)+"/versions", nil, &out); err != nil {
		return nil, err
	}
	return out.Versions, nil
}

func (c *client) RegisterVersion(ctx context.Context, handlerID string, req api.RegisterVersionRequest) (*api.VersionView, error) {
	var out api.VersionView
	if err := c.do(ctx, http.MethodPost, "/api/handlers/"+url.PathEscape(handlerID)+"/versions", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *client) Deprecate(ctx context.Context, handlerID, version string, req api.DeprecateRequest) error {
	path := "/api/handlers/" + url.PathEscape(handlerID) + "/versions/" + url.PathEscape(version) + "/deprecate"
	return c.do(ctx, http.MethodPost, path, req, nil)
}

func (c *client) SetWeights(ctx context.Context, handlerID string, weights map[string]int) error {
	path := "/api/handlers/" + url.PathEscape(handlerID) + "/weights"
	return c.do(ctx, http.MethodPut, path, api.SetWeightsRequest{Weights: weights}, nil)
}

func (c *client) Rollback(ctx context.Context, handlerID, toVersion string) error {
	path := "/api/handlers/" + url.PathEscape(handlerID) + "/rollback"
	return c.do(ctx, http.MethodPost, path, api.RollbackRequest{ToVersion: toVersion}, nil)
}

func (c *client) SetOverride(ctx context.Context, handlerID, tenantID, version string) error {
	path := "/api/handlers/" + url.PathEscape(handlerID) + "/overrides"
	return c.do(ctx, http.MethodPut, path, api.OverrideRequest{TenantID: tenantID, Version: version}, nil)
}

func (c *client) RemoveOverride(ctx context.Context, handlerID, tenantID string) error {
	path := "/api/handlers/" + url.PathEscape(handlerID) + "/overrides?tenant=" + url.QueryEscape(tenantID)
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

func (c *client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("is extractd running? %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr api.ErrorResponse
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s", apiErr.Error)
		}
		return fmt.Errorf("server returned %s", resp.Status)
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

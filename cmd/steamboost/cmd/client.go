package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/Dicklesworthstone/steamboost/internal/api"
	"github.com/Dicklesworthstone/steamboost/internal/db"
	"github.com/Dicklesworthstone/steamboost/internal/fleet"
	"github.com/Dicklesworthstone/steamboost/internal/status"
)

// apiClient talks to a running daemon.
type apiClient struct {
	base     *url.URL
	http     *http.Client
	user     string
	password string
}

// newAPIClient builds a client for rawURL. Basic auth credentials come from
// STEAMBOOST_USER and STEAMBOOST_PASSWORD.
func newAPIClient(rawURL string) (*apiClient, error) {
	u, err := url.Parse(strings.TrimRight(rawURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("server url %q must be http or https", rawURL)
	}
	return &apiClient{
		base:     u,
		http:     &http.Client{Timeout: 30 * time.Second},
		user:     os.Getenv("STEAMBOOST_USER"),
		password: os.Getenv("STEAMBOOST_PASSWORD"),
	}, nil
}

// apiError is a non-2xx reply.
type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned %d %s", e.Status, http.StatusText(e.Status))
	}
	return e.Message
}

func (c *apiClient) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	ref, err := url.Parse(path)
	if err != nil {
		return fmt.Errorf("parse path: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base.ResolveReference(ref).String(), body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.password != "" {
		req.SetBasicAuth(c.user, c.password)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("contact daemon at %s: %w", c.base, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		var res fleet.Result
		_ = json.Unmarshal(data, &res)
		return &apiError{Status: resp.StatusCode, Message: res.Error}
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func (c *apiClient) Status(ctx context.Context) (status.Snapshot, error) {
	var snap status.Snapshot
	err := c.do(ctx, http.MethodGet, "/api/status", nil, &snap)
	return snap, err
}

func (c *apiClient) Start(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/api/start/"+url.PathEscape(id), nil, nil)
}

func (c *apiClient) Stop(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/api/stop/"+url.PathEscape(id), nil, nil)
}

func (c *apiClient) StartAll(ctx context.Context) (api.BatchResult, error) {
	var res api.BatchResult
	err := c.do(ctx, http.MethodPost, "/api/start-all", nil, &res)
	return res, err
}

func (c *apiClient) StopAll(ctx context.Context) (api.BatchResult, error) {
	var res api.BatchResult
	err := c.do(ctx, http.MethodPost, "/api/stop-all", nil, &res)
	return res, err
}

func (c *apiClient) SubmitCode(ctx context.Context, id, code string) error {
	return c.do(ctx, http.MethodPost, "/api/guard/"+url.PathEscape(id), api.GuardRequest{Code: code}, nil)
}

func (c *apiClient) AddAccount(ctx context.Context, in fleet.NewAccount) (string, error) {
	var res api.AddAccountResponse
	if err := c.do(ctx, http.MethodPost, "/api/accounts", in, &res); err != nil {
		return "", err
	}
	return res.ID, nil
}

func (c *apiClient) RemoveAccount(ctx context.Context, id string, purge bool) error {
	path := "/api/accounts/" + url.PathEscape(id)
	if purge {
		path += "?purge=true"
	}
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

func (c *apiClient) History(ctx context.Context, id string, limit int) ([]db.Event, error) {
	var res api.HistoryResponse
	path := fmt.Sprintf("/api/accounts/%s/history?limit=%d", url.PathEscape(id), limit)
	if err := c.do(ctx, http.MethodGet, path, nil, &res); err != nil {
		return nil, err
	}
	return res.Events, nil
}

func (c *apiClient) Stats(ctx context.Context, id string) (*db.AccountStats, error) {
	var res api.StatsResponse
	if err := c.do(ctx, http.MethodGet, "/api/accounts/"+url.PathEscape(id)+"/stats", nil, &res); err != nil {
		return nil, err
	}
	return res.Stats, nil
}

// Package cli is the HTTP client and table output behind scriptctl.
package cli

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/metorial/sentinel-runner/internal/models"
)

// APIError is a failure envelope returned by the controller.
type APIError struct {
	Code    int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Code, e.Message)
}

func (e *APIError) Unwrap() error {
	if e.Code == 404 {
		return models.ErrNotFound
	}
	return nil
}

type envelope[T any] struct {
	OK    bool              `json:"ok"`
	Data  T                 `json:"data"`
	Error *models.ErrorBody `json:"error"`
}

type Catalog struct {
	Catalog *models.Catalog       `json:"catalog"`
	Groups  []models.SnippetGroup `json:"groups"`
}

type Client struct {
	http *resty.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		http: resty.New().
			SetBaseURL(baseURL).
			SetHeader("Content-Type", "application/json").
			SetTimeout(30 * time.Second),
	}
}

func (c *Client) Health(ctx context.Context) (map[string]string, error) {
	var out map[string]string
	err := do(c.http.R().SetContext(ctx), "GET", "/api/v1/health", &out)
	return out, err
}

func (c *Client) Submit(ctx context.Context, req models.ExecutionRequest) (string, error) {
	var out struct {
		RequestID string `json:"requestId"`
	}
	err := do(c.http.R().SetContext(ctx).SetBody(req), "POST", "/api/v1/executions", &out)
	return out.RequestID, err
}

func (c *Client) Poll(ctx context.Context, requestID string) (models.ExecutionResult, error) {
	var out models.ExecutionResult
	err := do(c.http.R().SetContext(ctx).SetPathParam("id", requestID), "GET", "/api/v1/executions/{id}", &out)
	return out, err
}

func (c *Client) Cancel(ctx context.Context, requestID string) (models.ExecutionResult, error) {
	var out models.ExecutionResult
	err := do(c.http.R().SetContext(ctx).SetPathParam("id", requestID), "POST", "/api/v1/executions/{id}/cancel", &out)
	return out, err
}

// Wait polls every interval until the execution reaches a terminal status.
func (c *Client) Wait(ctx context.Context, requestID string, interval time.Duration) (models.ExecutionResult, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		res, err := c.Poll(ctx, requestID)
		if err != nil || res.Status.Terminal() {
			return res, err
		}

		select {
		case <-ctx.Done():
			return res, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) History(ctx context.Context, portalID string, limit int) ([]models.ExecutionResult, error) {
	var out struct {
		Executions []models.ExecutionResult `json:"executions"`
	}
	req := c.http.R().SetContext(ctx)
	if portalID != "" {
		req.SetQueryParam("portalId", portalID)
	}
	if limit > 0 {
		req.SetQueryParam("limit", strconv.Itoa(limit))
	}
	err := do(req, "GET", "/api/v1/executions", &out)
	return out.Executions, err
}

func (c *Client) Catalog(ctx context.Context) (Catalog, error) {
	var out Catalog
	err := do(c.http.R().SetContext(ctx), "GET", "/api/v1/snippets", &out)
	return out, err
}

func (c *Client) RefreshCatalog(ctx context.Context, portalID, collectorID string, prefetch bool) (Catalog, error) {
	body := map[string]interface{}{
		"portalId":    portalID,
		"collectorId": collectorID,
		"prefetch":    prefetch,
	}
	var out Catalog
	err := do(c.http.R().SetContext(ctx).SetBody(body), "POST", "/api/v1/snippets/refresh", &out)
	return out, err
}

// Source returns a cached snippet body. With a portal and collector the controller fetches
// it on a miss.
func (c *Client) Source(ctx context.Context, name, version, portalID, collectorID string) (models.SnippetSource, error) {
	req := c.http.R().SetContext(ctx).SetPathParams(map[string]string{
		"name":    name,
		"version": version,
	})
	if portalID != "" && collectorID != "" {
		req.SetQueryParams(map[string]string{"portalId": portalID, "collectorId": collectorID})
	}

	var out models.SnippetSource
	err := do(req, "GET", "/api/v1/snippets/{name}/{version}", &out)
	return out, err
}

func (c *Client) ClearSnippets(ctx context.Context) error {
	var out map[string]bool
	return do(c.http.R().SetContext(ctx), "DELETE", "/api/v1/snippets", &out)
}

func do[T any](req *resty.Request, method, path string, out *T) error {
	var env envelope[T]
	resp, err := req.SetResult(&env).SetError(&env).Execute(method, path)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}

	if env.Error != nil {
		return &APIError{Code: env.Error.Code, Message: env.Error.Message}
	}
	if resp.IsError() || !env.OK {
		return &APIError{Code: resp.StatusCode(), Message: resp.String()}
	}

	*out = env.Data
	return nil
}

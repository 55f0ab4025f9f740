// Package upstream implements the client for the ERP-facing extract API.
// It authenticates with OAuth2 client credentials and fetches entity pages
// with optional rowversion filtering for incremental syncs.
package upstream

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/planhub/erpbridge/pkg/clients"
	"github.com/planhub/erpbridge/pkg/config"
	"github.com/planhub/erpbridge/pkg/errors"
	"github.com/planhub/erpbridge/pkg/logger"
	"github.com/planhub/erpbridge/pkg/models"
)

// Fetcher is the read surface the pipeline depends on. The fake client in
// testutil implements the same interface.
type Fetcher interface {
	FetchPage(ctx context.Context, req PageRequest) (*Page, error)
	Count(ctx context.Context, slug string, rowversionAfter string) (int64, error)
}

// PageRequest describes one page fetch against the extract API.
type PageRequest struct {
	// Slug is the entity's API path segment
	Slug string
	// PageSize caps the number of records returned
	PageSize int
	// PageToken resumes from a previous page; empty fetches the first page
	PageToken string
	// RowversionAfter filters to records changed after the watermark;
	// empty fetches everything
	RowversionAfter string
	// Offset skips rows for paced background syncs resuming mid-table
	Offset int64
}

// Page is one page of raw records from the extract API.
type Page struct {
	Records       []models.Record `json:"items"`
	NextPageToken string          `json:"next_page_token"`
	Total         int64           `json:"total"`
}

// Client talks to the extract API through the shared HTTP client.
type Client struct {
	cfg    *config.UpstreamConfig
	http   *clients.HTTPClient
	logger *zap.Logger

	ccfg *clientcredentials.Config

	mu     sync.Mutex
	source oauth2.TokenSource
}

// NewClient creates an extract API client. Token acquisition goes through
// its own plain HTTP client so breaker trips on the data path never block
// re-authentication.
func NewClient(cfg *config.UpstreamConfig, httpClient *clients.HTTPClient, log *zap.Logger) *Client {
	c := &Client{
		cfg:    cfg,
		http:   httpClient,
		logger: log.With(logger.Component("upstream_client")),
		ccfg: &clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
			Scopes:       cfg.Scopes,
		},
	}
	c.source = c.newTokenSource()
	return c
}

func (c *Client) newTokenSource() oauth2.TokenSource {
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, &http.Client{
		Timeout: c.cfg.RequestTimeout,
	})
	return c.ccfg.TokenSource(ctx)
}

// token returns a valid bearer token, refreshing through the cached
// source when expired.
func (c *Client) token() (string, error) {
	c.mu.Lock()
	src := c.source
	c.mu.Unlock()

	tok, err := src.Token()
	if err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeAuthentication, "token acquisition failed")
	}
	return tok.AccessToken, nil
}

// invalidateToken drops the cached token source so the next request
// re-authenticates. Called after a 401.
func (c *Client) invalidateToken() {
	c.mu.Lock()
	c.source = c.newTokenSource()
	c.mu.Unlock()
}

// FetchPage fetches one page of records for an entity. Transient failures
// and auth expiry are retried here; anything that survives the retries is
// returned for the batch retry layer to handle.
func (c *Client) FetchPage(ctx context.Context, req PageRequest) (*Page, error) {
	u, err := c.pageURL(req)
	if err != nil {
		return nil, err
	}

	var page Page
	if err := c.getJSON(ctx, u, &page); err != nil {
		return nil, err
	}

	c.logger.Debug("fetched page",
		zap.String("slug", req.Slug),
		zap.Int("records", len(page.Records)),
		zap.Bool("has_more", page.NextPageToken != ""))

	return &page, nil
}

// Count returns the number of records matching the filter without
// fetching them. The scheduler uses this to size paced transfers.
func (c *Client) Count(ctx context.Context, slug string, rowversionAfter string) (int64, error) {
	base, err := url.Parse(c.cfg.BaseURL)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeConfig, "invalid base URL")
	}
	base = base.JoinPath("entities", slug, "count")

	q := base.Query()
	if rowversionAfter != "" {
		q.Set("rowversion_after", rowversionAfter)
	}
	base.RawQuery = q.Encode()

	var out struct {
		Count int64 `json:"count"`
	}
	if err := c.getJSON(ctx, base.String(), &out); err != nil {
		return 0, err
	}
	return out.Count, nil
}

func (c *Client) pageURL(req PageRequest) (string, error) {
	base, err := url.Parse(c.cfg.BaseURL)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeConfig, "invalid base URL")
	}
	base = base.JoinPath("entities", req.Slug)

	q := base.Query()
	if req.PageSize > 0 {
		q.Set("page_size", strconv.Itoa(req.PageSize))
	}
	if req.PageToken != "" {
		q.Set("page_token", req.PageToken)
	}
	if req.RowversionAfter != "" {
		q.Set("rowversion_after", req.RowversionAfter)
	}
	if req.Offset > 0 {
		q.Set("offset", strconv.FormatInt(req.Offset, 10))
	}
	base.RawQuery = q.Encode()
	return base.String(), nil
}

// getJSON performs an authenticated GET with transient retries and a
// single re-authentication attempt on 401.
func (c *Client) getJSON(ctx context.Context, u string, out any) error {
	var lastErr error

	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := c.cfg.RetryDelay * time.Duration(1<<(attempt-1))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return errors.Wrap(ctx.Err(), errors.ErrorTypeCancelled, "fetch cancelled")
			}
		}

		tok, err := c.token()
		if err != nil {
			lastErr = err
			continue
		}

		resp, err := c.http.Get(ctx, u, map[string]string{
			"Authorization": "Bearer " + tok,
			"Accept":        "application/json",
		})
		if err != nil {
			if ctx.Err() != nil {
				return errors.Wrap(ctx.Err(), errors.ErrorTypeCancelled, "fetch cancelled")
			}
			lastErr = err
			c.logger.Warn("fetch attempt failed",
				zap.Error(err),
				zap.Int("attempt", attempt+1))
			continue
		}

		switch {
		case resp.StatusCode == http.StatusOK:
			err = json.NewDecoder(resp.Body).Decode(out)
			_ = resp.Body.Close()
			if err != nil {
				return errors.Wrap(err, errors.ErrorTypeData, "failed to decode response")
			}
			return nil

		case resp.StatusCode == http.StatusUnauthorized:
			_ = resp.Body.Close()
			c.invalidateToken()
			lastErr = errors.New(errors.ErrorTypeAuthentication, "token rejected")
			c.logger.Warn("token rejected, re-authenticating", zap.Int("attempt", attempt+1))

		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError:
			_ = resp.Body.Close()
			lastErr = errors.New(errors.ErrorTypeConnection,
				fmt.Sprintf("extract API returned status %d", resp.StatusCode))
			c.logger.Warn("retryable status from extract API",
				zap.Int("status", resp.StatusCode),
				zap.Int("attempt", attempt+1))

		default:
			_ = resp.Body.Close()
			return errors.New(errors.ErrorTypeData,
				fmt.Sprintf("extract API returned status %d", resp.StatusCode))
		}
	}

	return lastErr
}

// Package downstream implements the client for the planning store's bulk
// ingestion API: identity lookups by key hash and batched insert, update,
// and delete calls with per-row outcomes.
package downstream

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/planhub/erpbridge/pkg/clients"
	"github.com/planhub/erpbridge/pkg/config"
	"github.com/planhub/erpbridge/pkg/errors"
	"github.com/planhub/erpbridge/pkg/logger"
	"github.com/planhub/erpbridge/pkg/models"
)

// API is the planning-store surface the pipeline depends on. testutil
// provides an in-memory fake.
type API interface {
	// LookupByKeyHashes returns the stored identity for every key hash
	// that exists downstream. Missing hashes are simply absent.
	LookupByKeyHashes(ctx context.Context, entity string, keyHashes []string) (map[string]models.StoredIdentity, error)
	// ListIdentities returns every stored identity for the entity. Needed
	// by delete detection after a full-table pass.
	ListIdentities(ctx context.Context, entity string) (map[string]models.StoredIdentity, error)
	BatchInsert(ctx context.Context, entity string, rows []Row) ([]RowResult, error)
	BatchUpdate(ctx context.Context, entity string, rows []Row) ([]RowResult, error)
	BatchDelete(ctx context.Context, entity string, uids []string) ([]RowResult, error)
}

// Row is one record going into the planning store, carrying its identity
// alongside the mapped fields.
type Row struct {
	UID        string        `json:"uid,omitempty"`
	KeyHash    string        `json:"key_hash"`
	DataHash   string        `json:"data_hash"`
	Rowversion string        `json:"rowversion,omitempty"`
	Fields     models.Record `json:"fields"`
}

// RowResult is the store's verdict on one row.
type RowResult struct {
	UID     string `json:"uid,omitempty"`
	KeyHash string `json:"key_hash"`
	OK      bool   `json:"ok"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// ErrorClass maps the store's rejection code onto the dead-letter
// taxonomy.
func (r RowResult) ErrorClass() models.ErrorClass {
	switch r.Code {
	case "duplicate_key":
		return models.ErrClassDuplicateKey
	case "missing_parent":
		return models.ErrClassMissingParent
	case "validation":
		return models.ErrClassValidation
	default:
		return models.ErrClassDownstream
	}
}

// Client talks to the planning store through the shared HTTP client.
type Client struct {
	cfg    *config.DownstreamConfig
	http   *clients.HTTPClient
	logger *zap.Logger
}

// NewClient creates a planning-store client.
func NewClient(cfg *config.DownstreamConfig, httpClient *clients.HTTPClient, log *zap.Logger) *Client {
	return &Client{
		cfg:    cfg,
		http:   httpClient,
		logger: log.With(logger.Component("downstream_client")),
	}
}

// LookupByKeyHashes resolves stored identities in chunks so a full-table
// delta pass never builds one oversized request.
func (c *Client) LookupByKeyHashes(ctx context.Context, entity string, keyHashes []string) (map[string]models.StoredIdentity, error) {
	out := make(map[string]models.StoredIdentity, len(keyHashes))

	chunk := c.cfg.LookupChunkSize
	if chunk <= 0 {
		chunk = 500
	}

	for start := 0; start < len(keyHashes); start += chunk {
		end := start + chunk
		if end > len(keyHashes) {
			end = len(keyHashes)
		}

		var resp struct {
			Identities []models.StoredIdentity `json:"identities"`
		}
		body := map[string]any{"key_hashes": keyHashes[start:end]}
		if err := c.postJSON(ctx, c.endpoint(entity, "lookup"), body, &resp); err != nil {
			return nil, err
		}
		for _, id := range resp.Identities {
			out[id.KeyHash] = id
		}
	}

	return out, nil
}

// ListIdentities pages through the store's identity index for an entity.
func (c *Client) ListIdentities(ctx context.Context, entity string) (map[string]models.StoredIdentity, error) {
	out := make(map[string]models.StoredIdentity)

	chunk := c.cfg.LookupChunkSize
	if chunk <= 0 {
		chunk = 500
	}

	cursor := ""
	for {
		var resp struct {
			Identities []models.StoredIdentity `json:"identities"`
			NextCursor string                  `json:"next_cursor,omitempty"`
		}
		body := map[string]any{"limit": chunk, "cursor": cursor}
		if err := c.postJSON(ctx, c.endpoint(entity, "identities"), body, &resp); err != nil {
			return nil, err
		}
		for _, id := range resp.Identities {
			out[id.KeyHash] = id
		}
		if resp.NextCursor == "" {
			return out, nil
		}
		cursor = resp.NextCursor
	}
}

// BatchInsert writes new rows and returns per-row outcomes.
func (c *Client) BatchInsert(ctx context.Context, entity string, rows []Row) ([]RowResult, error) {
	return c.batchCall(ctx, http.MethodPost, c.endpoint(entity, "records"), map[string]any{"rows": rows})
}

// BatchUpdate rewrites existing rows by UID and returns per-row outcomes.
func (c *Client) BatchUpdate(ctx context.Context, entity string, rows []Row) ([]RowResult, error) {
	return c.batchCall(ctx, http.MethodPut, c.endpoint(entity, "records"), map[string]any{"rows": rows})
}

// BatchDelete removes rows by UID and returns per-row outcomes.
func (c *Client) BatchDelete(ctx context.Context, entity string, uids []string) ([]RowResult, error) {
	return c.batchCall(ctx, http.MethodDelete, c.endpoint(entity, "records"), map[string]any{"uids": uids})
}

func (c *Client) endpoint(entity, suffix string) string {
	u, _ := url.Parse(c.cfg.BaseURL)
	return u.JoinPath("entities", entity, suffix).String()
}

func (c *Client) headers() map[string]string {
	return map[string]string{
		"Authorization": "Bearer " + c.cfg.APIKey,
		"Content-Type":  "application/json",
		"Accept":        "application/json",
	}
}

func (c *Client) batchCall(ctx context.Context, method, u string, body any) ([]RowResult, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "failed to encode batch request")
	}

	var resp *http.Response
	switch method {
	case http.MethodPost:
		resp, err = c.http.Post(ctx, u, bytes.NewReader(payload), c.headers())
	case http.MethodPut:
		resp, err = c.http.Put(ctx, u, bytes.NewReader(payload), c.headers())
	case http.MethodDelete:
		resp, err = c.http.Delete(ctx, u, bytes.NewReader(payload), c.headers())
	default:
		return nil, errors.New(errors.ErrorTypeInternal, "unsupported batch method "+method)
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	// 200 means the batch was processed; individual rows may still have
	// failed and carry their own code.
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusMultiStatus {
		return nil, c.statusError(resp.StatusCode)
	}

	var out struct {
		Results []RowResult `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "failed to decode batch response")
	}
	return out.Results, nil
}

func (c *Client) postJSON(ctx context.Context, u string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeData, "failed to encode request")
	}

	resp, err := c.http.Post(ctx, u, bytes.NewReader(payload), c.headers())
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return c.statusError(resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrap(err, errors.ErrorTypeData, "failed to decode response")
	}
	return nil
}

func (c *Client) statusError(status int) error {
	msg := fmt.Sprintf("planning store returned status %d", status)
	if status == http.StatusTooManyRequests || status >= http.StatusInternalServerError {
		return errors.New(errors.ErrorTypeConnection, msg)
	}
	return errors.New(errors.ErrorTypeDownstream, msg)
}

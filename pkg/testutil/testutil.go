// Package testutil provides in-memory fakes for the extract API and the
// planning store, plus small record builders, so pipeline tests run
// without network.
package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/planhub/erpbridge/pkg/config"
	"github.com/planhub/erpbridge/pkg/downstream"
	"github.com/planhub/erpbridge/pkg/errors"
	"github.com/planhub/erpbridge/pkg/models"
	"github.com/planhub/erpbridge/pkg/upstream"
)

// FakeFetcher serves canned pages per entity slug.
type FakeFetcher struct {
	mu sync.Mutex

	// Records holds the full source table per slug.
	Records map[string][]models.Record
	// FailFetches makes the next N fetches return a connection error.
	FailFetches int
	// Fetches counts FetchPage calls.
	Fetches int
}

func NewFakeFetcher() *FakeFetcher {
	return &FakeFetcher{Records: make(map[string][]models.Record)}
}

// Load replaces the source table for a slug.
func (f *FakeFetcher) Load(slug string, records ...models.Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Records[slug] = records
}

func (f *FakeFetcher) FetchPage(ctx context.Context, req upstream.PageRequest) (*upstream.Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeCancelled, "fetch cancelled")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Fetches++
	if f.FailFetches > 0 {
		f.FailFetches--
		return nil, errors.New(errors.ErrorTypeConnection, "source unavailable")
	}

	all := f.Records[req.Slug]

	start := int(req.Offset)
	if req.PageToken != "" {
		fmt.Sscanf(req.PageToken, "%d", &start)
	}
	if start >= len(all) {
		return &upstream.Page{Total: int64(len(all))}, nil
	}

	size := req.PageSize
	if size <= 0 {
		size = 100
	}
	end := start + size
	if end > len(all) {
		end = len(all)
	}

	page := &upstream.Page{
		Records: cloneRecords(all[start:end]),
		Total:   int64(len(all)),
	}
	if end < len(all) {
		page.NextPageToken = fmt.Sprintf("%d", end)
	}
	return page, nil
}

func (f *FakeFetcher) Count(ctx context.Context, slug string, rowversionAfter string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.Records[slug])), nil
}

func cloneRecords(in []models.Record) []models.Record {
	out := make([]models.Record, len(in))
	for i, r := range in {
		out[i] = r.Clone()
	}
	return out
}

// FakeStore is an in-memory planning store. Inserts upsert by key hash the
// way the real store does; updates address rows by UID.
type FakeStore struct {
	mu sync.Mutex

	// rows maps entity -> key hash -> stored row.
	rows map[string]map[string]*storedRow
	// RejectKeyHashes forces per-row rejections with the given code.
	RejectKeyHashes map[string]string
	// Inserts, Updates, Deletes count accepted rows.
	Inserts, Updates, Deletes int

	nextUID int
}

type storedRow struct {
	identity models.StoredIdentity
	fields   models.Record
}

func NewFakeStore() *FakeStore {
	return &FakeStore{
		rows:            make(map[string]map[string]*storedRow),
		RejectKeyHashes: make(map[string]string),
	}
}

// Seed places a row downstream without going through the write path.
func (s *FakeStore) Seed(entity string, id models.StoredIdentity, fields models.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id.UID == "" {
		s.nextUID++
		id.UID = fmt.Sprintf("uid-%d", s.nextUID)
	}
	s.table(entity)[id.KeyHash] = &storedRow{identity: id, fields: fields}
}

// Row returns the stored row for a key hash, or nil.
func (s *FakeStore) Row(entity, keyHash string) *models.StoredIdentity {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.table(entity)[keyHash]; ok {
		id := r.identity
		return &id
	}
	return nil
}

func (s *FakeStore) table(entity string) map[string]*storedRow {
	if s.rows[entity] == nil {
		s.rows[entity] = make(map[string]*storedRow)
	}
	return s.rows[entity]
}

func (s *FakeStore) LookupByKeyHashes(ctx context.Context, entity string, keyHashes []string) (map[string]models.StoredIdentity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]models.StoredIdentity)
	table := s.table(entity)
	for _, h := range keyHashes {
		if row, ok := table[h]; ok {
			out[h] = row.identity
		}
	}
	return out, nil
}

func (s *FakeStore) ListIdentities(ctx context.Context, entity string) (map[string]models.StoredIdentity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]models.StoredIdentity)
	for h, row := range s.table(entity) {
		out[h] = row.identity
	}
	return out, nil
}

func (s *FakeStore) BatchInsert(ctx context.Context, entity string, rows []downstream.Row) ([]downstream.RowResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	table := s.table(entity)
	results := make([]downstream.RowResult, 0, len(rows))
	for _, row := range rows {
		if code, bad := s.RejectKeyHashes[row.KeyHash]; bad {
			results = append(results, downstream.RowResult{
				KeyHash: row.KeyHash, OK: false, Code: code,
				Message: "rejected by test store",
			})
			continue
		}
		uid := row.UID
		if existing, ok := table[row.KeyHash]; ok {
			uid = existing.identity.UID
		} else if uid == "" {
			s.nextUID++
			uid = fmt.Sprintf("uid-%d", s.nextUID)
		}
		table[row.KeyHash] = &storedRow{
			identity: models.StoredIdentity{
				UID:        uid,
				KeyHash:    row.KeyHash,
				DataHash:   row.DataHash,
				Rowversion: row.Rowversion,
			},
			fields: row.Fields,
		}
		s.Inserts++
		results = append(results, downstream.RowResult{UID: uid, KeyHash: row.KeyHash, OK: true})
	}
	return results, nil
}

func (s *FakeStore) BatchUpdate(ctx context.Context, entity string, rows []downstream.Row) ([]downstream.RowResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	table := s.table(entity)
	results := make([]downstream.RowResult, 0, len(rows))
	for _, row := range rows {
		if code, bad := s.RejectKeyHashes[row.KeyHash]; bad {
			results = append(results, downstream.RowResult{
				KeyHash: row.KeyHash, OK: false, Code: code,
				Message: "rejected by test store",
			})
			continue
		}
		existing, ok := table[row.KeyHash]
		if !ok {
			results = append(results, downstream.RowResult{
				KeyHash: row.KeyHash, OK: false, Code: "validation",
				Message: "no such row",
			})
			continue
		}
		existing.identity.DataHash = row.DataHash
		existing.identity.Rowversion = row.Rowversion
		existing.fields = row.Fields
		s.Updates++
		results = append(results, downstream.RowResult{UID: existing.identity.UID, KeyHash: row.KeyHash, OK: true})
	}
	return results, nil
}

func (s *FakeStore) BatchDelete(ctx context.Context, entity string, uids []string) ([]downstream.RowResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	table := s.table(entity)
	byUID := make(map[string]string, len(table))
	for h, row := range table {
		byUID[row.identity.UID] = h
	}
	results := make([]downstream.RowResult, 0, len(uids))
	for _, uid := range uids {
		h, ok := byUID[uid]
		if !ok {
			results = append(results, downstream.RowResult{
				UID: uid, OK: false, Code: "validation", Message: "no such row",
			})
			continue
		}
		delete(table, h)
		s.Deletes++
		results = append(results, downstream.RowResult{UID: uid, KeyHash: h, OK: true})
	}
	return results, nil
}

var (
	_ upstream.Fetcher = (*FakeFetcher)(nil)
	_ downstream.API   = (*FakeStore)(nil)
)

// SimpleEntity builds a minimal enabled entity config with a single
// business key named "code".
func SimpleEntity(name string) *config.EntityConfig {
	return &config.EntityConfig{
		Name:         name,
		SourceSystem: "erp-test",
		APISlug:      name,
		BusinessKeys: []string{"code"},
		Strategy:     config.DeltaHash,
		Enabled:      true,
	}
}

// Rec builds a record from alternating key/value pairs.
func Rec(kv ...any) models.Record {
	r := make(models.Record, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		r[kv[i].(string)] = kv[i+1]
	}
	return r
}

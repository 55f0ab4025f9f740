package store

import (
	"context"
	"time"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/planhub/erpbridge/pkg/config"
	"github.com/planhub/erpbridge/pkg/errors"
	"github.com/planhub/erpbridge/pkg/logger"
	"github.com/planhub/erpbridge/pkg/models"
)

// PostgresStore persists metadata in PostgreSQL through a pgx pool.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresStore connects the pool and ensures the schema exists.
func NewPostgresStore(ctx context.Context, cfg *config.DatabaseConfig, log *zap.Logger) (*PostgresStore, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to parse database DSN")
	}

	poolConfig.MaxConns = cfg.MaxConns
	if poolConfig.MaxConns <= 0 {
		poolConfig.MaxConns = 10
	}
	poolConfig.MinConns = poolConfig.MaxConns / 4
	if poolConfig.MinConns < 1 {
		poolConfig.MinConns = 1
	}
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to create connection pool")
	}

	s := &PostgresStore{
		pool:   pool,
		logger: log.With(logger.Component("store")),
	}

	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	s.logger.Info("connected to metadata database",
		zap.Int32("max_connections", poolConfig.MaxConns))
	return s, nil
}

// Close releases the pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS sync_batches (
	id             TEXT PRIMARY KEY,
	entity         TEXT NOT NULL,
	mode           TEXT NOT NULL,
	status         TEXT NOT NULL,
	counts         JSONB NOT NULL DEFAULT '{}',
	error_summary  TEXT NOT NULL DEFAULT '',
	started_at     TIMESTAMPTZ NOT NULL,
	finished_at    TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_sync_batches_entity ON sync_batches (entity, started_at DESC);

CREATE TABLE IF NOT EXISTS sync_state (
	entity          TEXT NOT NULL,
	source_system   TEXT NOT NULL,
	last_rowversion TEXT NOT NULL DEFAULT '',
	last_batch_id   TEXT NOT NULL DEFAULT '',
	total_synced    BIGINT NOT NULL DEFAULT 0,
	updated_at      TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (entity, source_system)
);

CREATE TABLE IF NOT EXISTS failed_records (
	id                 TEXT PRIMARY KEY,
	batch_id           TEXT NOT NULL,
	entity             TEXT NOT NULL,
	stage              TEXT NOT NULL,
	class              TEXT NOT NULL,
	message            TEXT NOT NULL,
	raw_payload        JSONB,
	normalized_payload JSONB,
	mapped_payload     JSONB,
	retry_count        INT NOT NULL DEFAULT 0,
	max_retries        INT NOT NULL,
	next_retry_at      TIMESTAMPTZ NOT NULL,
	resolved           BOOLEAN NOT NULL DEFAULT FALSE,
	resolved_at        TIMESTAMPTZ,
	created_at         TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_failed_records_retry
	ON failed_records (next_retry_at) WHERE NOT resolved;
CREATE INDEX IF NOT EXISTS idx_failed_records_entity ON failed_records (entity, created_at DESC);

CREATE TABLE IF NOT EXISTS pending_children (
	id              TEXT PRIMARY KEY,
	batch_id        TEXT NOT NULL,
	entity          TEXT NOT NULL,
	child_key_hash  TEXT NOT NULL,
	payload         JSONB NOT NULL,
	identity        JSONB NOT NULL,
	parent_entity   TEXT NOT NULL,
	parent_key_hash TEXT NOT NULL,
	missing_parents JSONB NOT NULL DEFAULT '{}',
	state           TEXT NOT NULL,
	retry_count     INT NOT NULL DEFAULT 0,
	max_retries     INT NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL,
	last_attempt_at TIMESTAMPTZ,
	next_retry_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_pending_children_due
	ON pending_children (next_retry_at) WHERE state IN ('queued', 'retrying');
CREATE INDEX IF NOT EXISTS idx_pending_children_entity ON pending_children (entity, state);

CREATE TABLE IF NOT EXISTS schedule_state (
	entity              TEXT PRIMARY KEY,
	enabled             BOOLEAN NOT NULL DEFAULT FALSE,
	window_start        TEXT NOT NULL DEFAULT '',
	window_end          TEXT NOT NULL DEFAULT '',
	days_to_complete    INT NOT NULL DEFAULT 0,
	rows_per_day        BIGINT NOT NULL DEFAULT 0,
	total_rows_estimate BIGINT NOT NULL DEFAULT 0,
	current_offset      BIGINT NOT NULL DEFAULT 0,
	rows_this_window    BIGINT NOT NULL DEFAULT 0,
	window_date         TEXT NOT NULL DEFAULT '',
	next_run_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at          TIMESTAMPTZ NOT NULL
);
`

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaDDL); err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to ensure schema")
	}
	return nil
}

// --- batches ---

func (s *PostgresStore) CreateBatch(ctx context.Context, batch *models.SyncBatch) error {
	counts, err := json.Marshal(batch.Counts)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeData, "failed to encode batch counts")
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO sync_batches (id, entity, mode, status, counts, error_summary, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		batch.ID, batch.Entity, batch.Mode, batch.Status, counts, batch.ErrorSummary,
		batch.StartedAt, batch.FinishedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to create batch")
	}
	return nil
}

func (s *PostgresStore) UpdateBatch(ctx context.Context, batch *models.SyncBatch) error {
	counts, err := json.Marshal(batch.Counts)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeData, "failed to encode batch counts")
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE sync_batches
		SET status = $2, counts = $3, error_summary = $4, finished_at = $5
		WHERE id = $1`,
		batch.ID, batch.Status, counts, batch.ErrorSummary, batch.FinishedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to update batch")
	}
	return nil
}

func (s *PostgresStore) GetBatch(ctx context.Context, id string) (*models.SyncBatch, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, entity, mode, status, counts, error_summary, started_at, finished_at
		FROM sync_batches WHERE id = $1`, id)
	return scanBatch(row)
}

func (s *PostgresStore) ListBatches(ctx context.Context, entity string, limit int) ([]*models.SyncBatch, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, entity, mode, status, counts, error_summary, started_at, finished_at
		FROM sync_batches
		WHERE ($1 = '' OR entity = $1)
		ORDER BY started_at DESC
		LIMIT $2`, entity, limit)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to list batches")
	}
	defer rows.Close()

	var out []*models.SyncBatch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DeleteBatchesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM sync_batches
		WHERE started_at < $1 AND status <> 'running' AND status <> 'pending'`, cutoff)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeConnection, "failed to delete old batches")
	}
	return tag.RowsAffected(), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBatch(row rowScanner) (*models.SyncBatch, error) {
	var b models.SyncBatch
	var counts []byte
	err := row.Scan(&b.ID, &b.Entity, &b.Mode, &b.Status, &counts, &b.ErrorSummary,
		&b.StartedAt, &b.FinishedAt)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to scan batch")
	}
	if err := json.Unmarshal(counts, &b.Counts); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "failed to decode batch counts")
	}
	return &b, nil
}

// --- sync state ---

func (s *PostgresStore) GetSyncState(ctx context.Context, entity, sourceSystem string) (*models.SyncState, error) {
	var st models.SyncState
	err := s.pool.QueryRow(ctx, `
		SELECT entity, source_system, last_rowversion, last_batch_id, total_synced, updated_at
		FROM sync_state WHERE entity = $1 AND source_system = $2`,
		entity, sourceSystem).
		Scan(&st.Entity, &st.SourceSystem, &st.LastRowversion, &st.LastBatchID,
			&st.TotalSynced, &st.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to get sync state")
	}
	return &st, nil
}

func (s *PostgresStore) UpsertSyncState(ctx context.Context, state *models.SyncState) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sync_state (entity, source_system, last_rowversion, last_batch_id, total_synced, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (entity, source_system) DO UPDATE SET
			last_rowversion = EXCLUDED.last_rowversion,
			last_batch_id   = EXCLUDED.last_batch_id,
			total_synced    = EXCLUDED.total_synced,
			updated_at      = EXCLUDED.updated_at`,
		state.Entity, state.SourceSystem, state.LastRowversion, state.LastBatchID,
		state.TotalSynced, state.UpdatedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to upsert sync state")
	}
	return nil
}

// --- failed records ---

func (s *PostgresStore) CreateFailedRecord(ctx context.Context, fr *models.FailedRecord) error {
	raw, normalized, mapped, err := encodePayloads(fr)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO failed_records
			(id, batch_id, entity, stage, class, message,
			 raw_payload, normalized_payload, mapped_payload,
			 retry_count, max_retries, next_retry_at, resolved, resolved_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		fr.ID, fr.BatchID, fr.Entity, fr.Stage, fr.Class, fr.Message,
		raw, normalized, mapped,
		fr.RetryCount, fr.MaxRetries, fr.NextRetryAt, fr.Resolved, fr.ResolvedAt, fr.CreatedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to create failed record")
	}
	return nil
}

func (s *PostgresStore) UpdateFailedRecord(ctx context.Context, fr *models.FailedRecord) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE failed_records
		SET retry_count = $2, next_retry_at = $3, resolved = $4, resolved_at = $5, message = $6
		WHERE id = $1`,
		fr.ID, fr.RetryCount, fr.NextRetryAt, fr.Resolved, fr.ResolvedAt, fr.Message)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to update failed record")
	}
	return nil
}

func (s *PostgresStore) GetFailedRecord(ctx context.Context, id string) (*models.FailedRecord, error) {
	row := s.pool.QueryRow(ctx, failedRecordSelect+` WHERE id = $1`, id)
	return scanFailedRecord(row)
}

func (s *PostgresStore) ListFailedRecords(ctx context.Context, entity string, unresolvedOnly bool, limit int) ([]*models.FailedRecord, error) {
	rows, err := s.pool.Query(ctx, failedRecordSelect+`
		WHERE ($1 = '' OR entity = $1) AND (NOT $2 OR NOT resolved)
		ORDER BY created_at DESC
		LIMIT $3`, entity, unresolvedOnly, limit)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to list failed records")
	}
	defer rows.Close()
	return collectFailedRecords(rows)
}

func (s *PostgresStore) ListRetryableFailedRecords(ctx context.Context, now time.Time, limit int) ([]*models.FailedRecord, error) {
	rows, err := s.pool.Query(ctx, failedRecordSelect+`
		WHERE NOT resolved AND retry_count < max_retries AND next_retry_at <= $1
		ORDER BY next_retry_at
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to list retryable records")
	}
	defer rows.Close()
	return collectFailedRecords(rows)
}

const failedRecordSelect = `
	SELECT id, batch_id, entity, stage, class, message,
	       raw_payload, normalized_payload, mapped_payload,
	       retry_count, max_retries, next_retry_at, resolved, resolved_at, created_at
	FROM failed_records`

func scanFailedRecord(row rowScanner) (*models.FailedRecord, error) {
	var fr models.FailedRecord
	var raw, normalized, mapped []byte
	err := row.Scan(&fr.ID, &fr.BatchID, &fr.Entity, &fr.Stage, &fr.Class, &fr.Message,
		&raw, &normalized, &mapped,
		&fr.RetryCount, &fr.MaxRetries, &fr.NextRetryAt, &fr.Resolved, &fr.ResolvedAt, &fr.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to scan failed record")
	}
	if err := decodePayloads(&fr, raw, normalized, mapped); err != nil {
		return nil, err
	}
	return &fr, nil
}

func collectFailedRecords(rows pgx.Rows) ([]*models.FailedRecord, error) {
	var out []*models.FailedRecord
	for rows.Next() {
		fr, err := scanFailedRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, fr)
	}
	return out, rows.Err()
}

func encodePayloads(fr *models.FailedRecord) (raw, normalized, mapped []byte, err error) {
	encode := func(r models.Record) ([]byte, error) {
		if r == nil {
			return nil, nil
		}
		return json.Marshal(r)
	}
	if raw, err = encode(fr.RawPayload); err == nil {
		if normalized, err = encode(fr.Normalized); err == nil {
			mapped, err = encode(fr.Mapped)
		}
	}
	if err != nil {
		err = errors.Wrap(err, errors.ErrorTypeData, "failed to encode payload snapshot")
	}
	return raw, normalized, mapped, err
}

func decodePayloads(fr *models.FailedRecord, raw, normalized, mapped []byte) error {
	decode := func(b []byte, dst *models.Record) error {
		if len(b) == 0 {
			return nil
		}
		return json.Unmarshal(b, dst)
	}
	if err := decode(raw, &fr.RawPayload); err != nil {
		return errors.Wrap(err, errors.ErrorTypeData, "failed to decode payload snapshot")
	}
	if err := decode(normalized, &fr.Normalized); err != nil {
		return errors.Wrap(err, errors.ErrorTypeData, "failed to decode payload snapshot")
	}
	if err := decode(mapped, &fr.Mapped); err != nil {
		return errors.Wrap(err, errors.ErrorTypeData, "failed to decode payload snapshot")
	}
	return nil
}

// --- pending children ---

func (s *PostgresStore) CreatePendingChild(ctx context.Context, pc *models.PendingChild) error {
	payload, identityJSON, missing, err := encodeChild(pc)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO pending_children
			(id, batch_id, entity, child_key_hash, payload, identity,
			 parent_entity, parent_key_hash, missing_parents, state,
			 retry_count, max_retries, created_at, last_attempt_at, next_retry_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		pc.ID, pc.BatchID, pc.Entity, pc.ChildKeyHash, payload, identityJSON,
		pc.ParentEntity, pc.ParentKeyHash, missing, pc.State,
		pc.RetryCount, pc.MaxRetries, pc.CreatedAt, pc.LastAttemptAt, pc.NextRetryAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to create pending child")
	}
	return nil
}

func (s *PostgresStore) UpdatePendingChild(ctx context.Context, pc *models.PendingChild) error {
	_, _, missing, err := encodeChild(pc)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE pending_children
		SET state = $2, retry_count = $3, missing_parents = $4,
		    last_attempt_at = $5, next_retry_at = $6
		WHERE id = $1`,
		pc.ID, pc.State, pc.RetryCount, missing, pc.LastAttemptAt, pc.NextRetryAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to update pending child")
	}
	return nil
}

func (s *PostgresStore) DeletePendingChild(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM pending_children WHERE id = $1`, id)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to delete pending child")
	}
	return nil
}

const pendingChildSelect = `
	SELECT id, batch_id, entity, child_key_hash, payload, identity,
	       parent_entity, parent_key_hash, missing_parents, state,
	       retry_count, max_retries, created_at, last_attempt_at, next_retry_at
	FROM pending_children`

func (s *PostgresStore) ListDuePendingChildren(ctx context.Context, now time.Time, limit int) ([]*models.PendingChild, error) {
	rows, err := s.pool.Query(ctx, pendingChildSelect+`
		WHERE state IN ('queued', 'retrying') AND next_retry_at <= $1
		ORDER BY next_retry_at
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to list due children")
	}
	defer rows.Close()
	return collectPendingChildren(rows)
}

func (s *PostgresStore) ListPendingChildren(ctx context.Context, entity string, states []models.PendingChildState, limit int) ([]*models.PendingChild, error) {
	stateStrs := make([]string, len(states))
	for i, st := range states {
		stateStrs[i] = string(st)
	}
	rows, err := s.pool.Query(ctx, pendingChildSelect+`
		WHERE ($1 = '' OR entity = $1)
		  AND (cardinality($2::text[]) = 0 OR state = ANY($2))
		ORDER BY created_at DESC
		LIMIT $3`, entity, stateStrs, limit)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to list pending children")
	}
	defer rows.Close()
	return collectPendingChildren(rows)
}

func (s *PostgresStore) CountPendingChildren(ctx context.Context, entity string) (map[models.PendingChildState]int64, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT state, count(*) FROM pending_children
		WHERE ($1 = '' OR entity = $1)
		GROUP BY state`, entity)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to count pending children")
	}
	defer rows.Close()

	out := make(map[models.PendingChildState]int64)
	for rows.Next() {
		var state string
		var count int64
		if err := rows.Scan(&state, &count); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to scan count")
		}
		out[models.PendingChildState(state)] = count
	}
	return out, rows.Err()
}

func encodeChild(pc *models.PendingChild) (payload, identityJSON, missing []byte, err error) {
	if payload, err = json.Marshal(pc.Payload); err == nil {
		if identityJSON, err = json.Marshal(pc.Identity); err == nil {
			missing, err = json.Marshal(pc.MissingParents)
		}
	}
	if err != nil {
		err = errors.Wrap(err, errors.ErrorTypeData, "failed to encode pending child")
	}
	return payload, identityJSON, missing, err
}

func scanPendingChild(row rowScanner) (*models.PendingChild, error) {
	var pc models.PendingChild
	var payload, identityJSON, missing []byte
	err := row.Scan(&pc.ID, &pc.BatchID, &pc.Entity, &pc.ChildKeyHash, &payload, &identityJSON,
		&pc.ParentEntity, &pc.ParentKeyHash, &missing, &pc.State,
		&pc.RetryCount, &pc.MaxRetries, &pc.CreatedAt, &pc.LastAttemptAt, &pc.NextRetryAt)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to scan pending child")
	}
	if err := json.Unmarshal(payload, &pc.Payload); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "failed to decode child payload")
	}
	if err := json.Unmarshal(identityJSON, &pc.Identity); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "failed to decode child identity")
	}
	if len(missing) > 0 {
		if err := json.Unmarshal(missing, &pc.MissingParents); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeData, "failed to decode missing parents")
		}
	}
	return &pc, nil
}

func collectPendingChildren(rows pgx.Rows) ([]*models.PendingChild, error) {
	var out []*models.PendingChild
	for rows.Next() {
		pc, err := scanPendingChild(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pc)
	}
	return out, rows.Err()
}

// --- schedule state ---

func (s *PostgresStore) GetScheduleState(ctx context.Context, entity string) (*models.ScheduleState, error) {
	row := s.pool.QueryRow(ctx, scheduleSelect+` WHERE entity = $1`, entity)
	return scanSchedule(row)
}

func (s *PostgresStore) ListScheduleStates(ctx context.Context) ([]*models.ScheduleState, error) {
	rows, err := s.pool.Query(ctx, scheduleSelect+` ORDER BY entity`)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to list schedules")
	}
	defer rows.Close()

	var out []*models.ScheduleState
	for rows.Next() {
		st, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpsertScheduleState(ctx context.Context, state *models.ScheduleState) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO schedule_state
			(entity, enabled, window_start, window_end, days_to_complete,
			 rows_per_day, total_rows_estimate, current_offset, rows_this_window,
			 window_date, next_run_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (entity) DO UPDATE SET
			enabled = EXCLUDED.enabled,
			window_start = EXCLUDED.window_start,
			window_end = EXCLUDED.window_end,
			days_to_complete = EXCLUDED.days_to_complete,
			rows_per_day = EXCLUDED.rows_per_day,
			total_rows_estimate = EXCLUDED.total_rows_estimate,
			current_offset = EXCLUDED.current_offset,
			rows_this_window = EXCLUDED.rows_this_window,
			window_date = EXCLUDED.window_date,
			next_run_at = EXCLUDED.next_run_at,
			updated_at = EXCLUDED.updated_at`,
		state.Entity, state.Enabled, state.WindowStart, state.WindowEnd, state.DaysToComplete,
		state.RowsPerDay, state.TotalRowsEstimate, state.CurrentOffset, state.RowsThisWindow,
		state.WindowDate, state.NextRunAt, state.UpdatedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to upsert schedule state")
	}
	return nil
}

const scheduleSelect = `
	SELECT entity, enabled, window_start, window_end, days_to_complete,
	       rows_per_day, total_rows_estimate, current_offset, rows_this_window,
	       window_date, next_run_at, updated_at
	FROM schedule_state`

func scanSchedule(row rowScanner) (*models.ScheduleState, error) {
	var st models.ScheduleState
	err := row.Scan(&st.Entity, &st.Enabled, &st.WindowStart, &st.WindowEnd, &st.DaysToComplete,
		&st.RowsPerDay, &st.TotalRowsEstimate, &st.CurrentOffset, &st.RowsThisWindow,
		&st.WindowDate, &st.NextRunAt, &st.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to scan schedule state")
	}
	return &st, nil
}

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rudderlabs/rudder-go-kit/jsonrs"

	"github.com/sfsync/sfsync/model"
)

// ErrNotFound is returned when a requested object or batch does not exist.
var ErrNotFound = errors.New("storage: not found")

// EnsureMetadataTables creates the engine's own bookkeeping tables.
func (s *Store) EnsureMetadataTables(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS sync_objects (
			api varchar(255) PRIMARY KEY,
			label varchar(255),
			fields jsonb NOT NULL DEFAULT '[]',
			batch_field varchar(255),
			blob_field varchar(255),
			protocol varchar(8) NOT NULL DEFAULT 'v2',
			is_partitioned boolean NOT NULL DEFAULT false,
			total_rows bigint NOT NULL DEFAULT 0,
			last_sync_date timestamptz,
			first_sync_time timestamptz,
			first_pull_num bigint NOT NULL DEFAULT 0,
			updated_at timestamptz NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS sync_batches (
			id varchar(36) PRIMARY KEY,
			api varchar(255) NOT NULL,
			label varchar(255),
			sync_type varchar(16) NOT NULL,
			date_field varchar(255) NOT NULL,
			sync_start timestamptz NOT NULL,
			sync_end timestamptz NOT NULL,
			projected_count bigint NOT NULL DEFAULT 0,
			pull_num bigint NOT NULL DEFAULT 0,
			db_num bigint NOT NULL DEFAULT 0,
			rows_pulled bigint NOT NULL DEFAULT 0,
			rows_persisted bigint NOT NULL DEFAULT 0,
			first_sync_time timestamptz,
			last_sync_time timestamptz,
			status varchar(16) NOT NULL DEFAULT 'PENDING',
			fail_reason text,
			created_at timestamptz NOT NULL DEFAULT now(),
			updated_at timestamptz NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_batches_api_status ON sync_batches (api, status)`,
		`CREATE TABLE IF NOT EXISTS sync_batch_history (
			id varchar(36) PRIMARY KEY,
			batch_id varchar(36) NOT NULL,
			started_at timestamptz NOT NULL,
			duration_ms bigint NOT NULL DEFAULT 0,
			rows_pulled bigint NOT NULL DEFAULT 0,
			rows_inserted bigint NOT NULL DEFAULT 0,
			rows_updated bigint NOT NULL DEFAULT 0,
			success boolean NOT NULL DEFAULT false,
			error_message text
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_batch_history_batch ON sync_batch_history (batch_id)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("creating metadata tables: %w", err)
		}
	}
	return nil
}

// UpsertObject saves the descriptor, overwriting everything except the
// first-sync stamp, which is written exactly once by StampFirstSync.
func (s *Store) UpsertObject(ctx context.Context, obj *model.ObjectDescriptor) error {
	fields, err := jsonrs.Marshal(obj.Fields)
	if err != nil {
		return fmt.Errorf("encoding fields of %s: %w", obj.API, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sync_objects
			(api, label, fields, batch_field, blob_field, protocol, is_partitioned, total_rows, last_sync_date, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())
		ON CONFLICT (api) DO UPDATE SET
			label = EXCLUDED.label,
			fields = EXCLUDED.fields,
			batch_field = EXCLUDED.batch_field,
			blob_field = EXCLUDED.blob_field,
			protocol = EXCLUDED.protocol,
			is_partitioned = EXCLUDED.is_partitioned,
			total_rows = EXCLUDED.total_rows,
			last_sync_date = EXCLUDED.last_sync_date,
			updated_at = now()`,
		obj.API, obj.Label, fields, obj.BatchField, obj.BlobField,
		string(obj.Protocol), obj.IsPartitioned, obj.TotalRows, obj.LastSyncDate)
	if err != nil {
		return fmt.Errorf("upserting object %s: %w", obj.API, err)
	}
	return nil
}

func (s *Store) GetObject(ctx context.Context, api string) (*model.ObjectDescriptor, error) {
	var (
		obj       model.ObjectDescriptor
		fieldsRaw []byte
		protocol  string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT api, label, fields, batch_field, blob_field, protocol, is_partitioned,
			total_rows, last_sync_date, first_sync_time, first_pull_num
		FROM sync_objects WHERE api = $1`, api).
		Scan(&obj.API, &obj.Label, &fieldsRaw, &obj.BatchField, &obj.BlobField, &protocol,
			&obj.IsPartitioned, &obj.TotalRows, &obj.LastSyncDate, &obj.FirstSyncTime, &obj.FirstPullNum)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: object %s", ErrNotFound, api)
	}
	if err != nil {
		return nil, fmt.Errorf("loading object %s: %w", api, err)
	}
	if err := jsonrs.Unmarshal(fieldsRaw, &obj.Fields); err != nil {
		return nil, fmt.Errorf("decoding fields of %s: %w", api, err)
	}
	obj.Protocol = model.ProtocolVersion(protocol)
	return &obj, nil
}

// StampFirstSync records when an object was first synced and at which pull
// number. The WHERE clause makes it a write-once stamp: later calls are
// no-ops.
func (s *Store) StampFirstSync(ctx context.Context, api string, at time.Time, pullNum int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sync_objects
		SET first_sync_time = $2, first_pull_num = $3, updated_at = now()
		WHERE api = $1 AND first_sync_time IS NULL`,
		api, at, pullNum)
	if err != nil {
		return fmt.Errorf("stamping first sync of %s: %w", api, err)
	}
	return nil
}

// UpdateLastSyncDate advances the object's incremental watermark.
func (s *Store) UpdateLastSyncDate(ctx context.Context, api string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sync_objects SET last_sync_date = $2, updated_at = now() WHERE api = $1`,
		api, at)
	if err != nil {
		return fmt.Errorf("updating last sync date of %s: %w", api, err)
	}
	return nil
}

// SaveBatches persists a freshly planned set of batches.
func (s *Store) SaveBatches(ctx context.Context, batches []model.Batch) error {
	if len(batches) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning batch save tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO sync_batches
			(id, api, label, sync_type, date_field, sync_start, sync_end, projected_count, pull_num, db_num, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`)
	if err != nil {
		return fmt.Errorf("preparing batch insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, b := range batches {
		if _, err := stmt.ExecContext(ctx, b.ID, b.API, b.Label, string(b.SyncType), b.DateField,
			b.SyncStart, b.SyncEnd, b.ProjectedCount, b.PullNum, b.DBNum, string(b.Status)); err != nil {
			return fmt.Errorf("saving batch %s: %w", b.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing batch save tx: %w", err)
	}
	return nil
}

// UpdateBatch writes back a batch's execution outcome.
func (s *Store) UpdateBatch(ctx context.Context, b model.Batch) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sync_batches
		SET status = $2, fail_reason = $3, rows_pulled = $4, rows_persisted = $5,
			first_sync_time = $6, last_sync_time = $7, updated_at = now()
		WHERE id = $1`,
		b.ID, string(b.Status), nullable(b.FailReason), b.RowsPulled, b.RowsPersisted,
		b.FirstSyncTime, b.LastSyncTime)
	if err != nil {
		return fmt.Errorf("updating batch %s: %w", b.ID, err)
	}
	return nil
}

func (s *Store) GetBatch(ctx context.Context, id string) (*model.Batch, error) {
	var (
		b        model.Batch
		syncType string
		status   string
		reason   sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, api, label, sync_type, date_field, sync_start, sync_end, projected_count,
			pull_num, db_num, rows_pulled, rows_persisted, first_sync_time, last_sync_time, status, fail_reason
		FROM sync_batches WHERE id = $1`, id).
		Scan(&b.ID, &b.API, &b.Label, &syncType, &b.DateField, &b.SyncStart, &b.SyncEnd,
			&b.ProjectedCount, &b.PullNum, &b.DBNum, &b.RowsPulled, &b.RowsPersisted,
			&b.FirstSyncTime, &b.LastSyncTime, &status, &reason)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: batch %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("loading batch %s: %w", id, err)
	}
	b.SyncType = model.SyncType(syncType)
	b.Status = model.BatchStatus(status)
	b.FailReason = reason.String
	return &b, nil
}

// PendingBatches lists an object's unfinished batches in pull order, so an
// interrupted sync can resume where it stopped.
func (s *Store) PendingBatches(ctx context.Context, api string) ([]model.Batch, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, api, label, sync_type, date_field, sync_start, sync_end, projected_count,
			pull_num, db_num, rows_pulled, rows_persisted, first_sync_time, last_sync_time, status, fail_reason
		FROM sync_batches WHERE api = $1 AND status = $2 ORDER BY pull_num, id`,
		api, string(model.BatchStatusPending))
	if err != nil {
		return nil, fmt.Errorf("listing pending batches of %s: %w", api, err)
	}
	defer func() { _ = rows.Close() }()

	var batches []model.Batch
	for rows.Next() {
		var (
			b        model.Batch
			syncType string
			status   string
			reason   sql.NullString
		)
		if err := rows.Scan(&b.ID, &b.API, &b.Label, &syncType, &b.DateField, &b.SyncStart, &b.SyncEnd,
			&b.ProjectedCount, &b.PullNum, &b.DBNum, &b.RowsPulled, &b.RowsPersisted,
			&b.FirstSyncTime, &b.LastSyncTime, &status, &reason); err != nil {
			return nil, err
		}
		b.SyncType = model.SyncType(syncType)
		b.Status = model.BatchStatus(status)
		b.FailReason = reason.String
		batches = append(batches, b)
	}
	return batches, rows.Err()
}

// AddHistory appends one immutable execution record.
func (s *Store) AddHistory(ctx context.Context, h model.BatchHistory) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_batch_history
			(id, batch_id, started_at, duration_ms, rows_pulled, rows_inserted, rows_updated, success, error_message)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		h.ID, h.BatchID, h.StartedAt, h.Duration.Milliseconds(),
		h.RowsPulled, h.RowsInserted, h.RowsUpdated, h.Success, nullable(h.ErrorMessage))
	if err != nil {
		return fmt.Errorf("recording history of batch %s: %w", h.BatchID, err)
	}
	return nil
}

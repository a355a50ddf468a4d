// Package storage is the local relational side of the sync engine: one
// Postgres table per replicated object, flat or range-partitioned by year,
// plus the metadata tables tracking objects, batches and batch history.
// Row writes are idempotent upserts keyed on the source row id, so re-running
// a batch converges instead of duplicating.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/stats"

	"github.com/sfsync/sfsync/model"
)

type Store struct {
	db                 *sql.DB
	partitionThreshold int64
	firstPartitionYear int
	upsertChunkSize    int
	log                logger.Logger
	stats              stats.Stats
	now                func() time.Time

	mu         sync.Mutex
	partitions map[string]bool
}

type Option func(*Store)

// WithClock overrides the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func New(conf *config.Config, log logger.Logger, statsFactory stats.Stats, db *sql.DB, opts ...Option) *Store {
	s := &Store{
		db:                 db,
		partitionThreshold: conf.GetInt64("Storage.partitionThreshold", 1000000),
		firstPartitionYear: conf.GetInt("Storage.firstPartitionYear", 2000),
		upsertChunkSize:    conf.GetInt("Storage.upsertChunkSize", 500),
		log:                log.Child("storage"),
		stats:              statsFactory,
		now:                time.Now,
		partitions:         map[string]bool{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// UpsertResult reports what one batch write did.
type UpsertResult struct {
	Inserted int64
	Updated  int64
}

// UpsertRows writes one page of rows into the object's table. Existing rows
// (same source id) are overwritten and flagged is_update; new rows are
// inserted with is_update false. Writes go out in chunks inside a single
// transaction so a page either lands fully or not at all.
func (s *Store) UpsertRows(ctx context.Context, obj *model.ObjectDescriptor, batch model.Batch, rows []model.Row) (UpsertResult, error) {
	if len(rows) == 0 {
		return UpsertResult{}, nil
	}
	table := TableName(obj.API)
	if obj.IsPartitioned {
		if err := s.EnsurePartitionsForRange(ctx, table, batch.SyncStart, batch.SyncEnd); err != nil {
			return UpsertResult{}, err
		}
	}

	plan := buildUpsertPlan(obj, table)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return UpsertResult{}, fmt.Errorf("beginning upsert tx for %s: %w", table, err)
	}
	defer func() { _ = tx.Rollback() }()

	var result UpsertResult
	for start := 0; start < len(rows); start += s.upsertChunkSize {
		chunk := rows[start:min(start+s.upsertChunkSize, len(rows))]
		res, err := s.upsertChunk(ctx, tx, plan, chunk)
		if err != nil {
			return UpsertResult{}, err
		}
		result.Inserted += res.Inserted
		result.Updated += res.Updated
	}
	if err := tx.Commit(); err != nil {
		return UpsertResult{}, fmt.Errorf("committing upsert tx for %s: %w", table, err)
	}

	s.count("storage_rows_inserted", obj.API, result.Inserted)
	s.count("storage_rows_updated", obj.API, result.Updated)
	s.log.Debugn("upserted rows",
		logger.NewStringField("table", table),
		logger.NewIntField("inserted", result.Inserted),
		logger.NewIntField("updated", result.Updated))
	return result, nil
}

// upsertPlan precomputes the column list and conflict target for one object
// so that per-chunk work is only value binding.
type upsertPlan struct {
	table          string
	fieldNames     []string
	columns        []string
	conflictTarget string
	updateSet      string
}

func buildUpsertPlan(obj *model.ObjectDescriptor, table string) upsertPlan {
	fieldNames := obj.FieldNames()
	columns := make([]string, 0, len(fieldNames)+1)
	for _, f := range fieldNames {
		columns = append(columns, ColumnName(f))
	}
	columns = append(columns, colIsUpdate)

	conflict := pq.QuoteIdentifier("id")
	if obj.IsPartitioned {
		conflict += ", " + pq.QuoteIdentifier(ColumnName(obj.UpdateMarkerField()))
	}

	sets := make([]string, 0, len(columns))
	for _, c := range columns {
		// id never changes and is_update gets an explicit assignment
		if c == "id" || c == colIsUpdate {
			continue
		}
		q := pq.QuoteIdentifier(c)
		sets = append(sets, q+" = EXCLUDED."+q)
	}
	return upsertPlan{
		table:          table,
		fieldNames:     fieldNames,
		columns:        columns,
		conflictTarget: conflict,
		updateSet:      strings.Join(sets, ", "),
	}
}

// upsertChunk executes one multi-row INSERT ... ON CONFLICT DO UPDATE.
// Whether a row was an insert or an update is read back from xmax: rows
// created by this statement have xmax 0.
func (s *Store) upsertChunk(ctx context.Context, tx *sql.Tx, plan upsertPlan, rows []model.Row) (UpsertResult, error) {
	quoted := make([]string, len(plan.columns))
	for i, c := range plan.columns {
		quoted[i] = pq.QuoteIdentifier(c)
	}

	width := len(plan.columns)
	placeholders := make([]string, 0, len(rows))
	args := make([]any, 0, len(rows)*width)
	for i, row := range rows {
		marks := make([]string, width)
		for j := range marks {
			marks[j] = fmt.Sprintf("$%d", i*width+j+1)
		}
		placeholders = append(placeholders, "("+strings.Join(marks, ", ")+")")
		for _, f := range plan.fieldNames {
			args = append(args, nullable(row[f]))
		}
		args = append(args, false) // is_update, flipped by the conflict clause
	}

	query := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES %s ON CONFLICT (%s) DO UPDATE SET %s, %s = true RETURNING (xmax = 0)",
		pq.QuoteIdentifier(plan.table),
		strings.Join(quoted, ", "),
		strings.Join(placeholders, ", "),
		plan.conflictTarget,
		plan.updateSet,
		pq.QuoteIdentifier(colIsUpdate),
	)
	dbRows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return UpsertResult{}, fmt.Errorf("upserting into %s: %w", plan.table, err)
	}
	defer func() { _ = dbRows.Close() }()

	var result UpsertResult
	for dbRows.Next() {
		var inserted bool
		if err := dbRows.Scan(&inserted); err != nil {
			return UpsertResult{}, err
		}
		if inserted {
			result.Inserted++
		} else {
			result.Updated++
		}
	}
	return result, dbRows.Err()
}

// nullable maps the platform's empty string to SQL NULL.
func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func (s *Store) count(name, object string, n int64) {
	if s.stats == nil || n == 0 {
		return
	}
	s.stats.NewTaggedStat(name, stats.CountType, stats.Tags{"object": object}).Count(int(n))
}

package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/iancoleman/strcase"
	"github.com/lib/pq"

	"github.com/sfsync/sfsync/model"
)

// Bookkeeping columns added to every replicated table, alongside the source
// fields.
const (
	colNewID      = "new_id"
	colIsUpdate   = "is_update"
	colFailReason = "fail_reason"
)

// Companion column suffixes. Large-binary fields are not stored inline; they
// get a download marker and a local file path instead. Polymorphic reference
// fields record which object type the reference points at.
const (
	colFilePath       = "file_path"
	colIsDownload     = "is_download"
	colIsUpload       = "is_upload"
	refTypeSuffix     = "_type"
	defaultVarcharLen = 255
)

// TableName maps an object API name to its local table.
func TableName(api string) string {
	return strcase.ToSnake(api)
}

// ColumnName maps a source field name to its local column.
func ColumnName(field string) string {
	return strcase.ToSnake(field)
}

// columnType maps a source field type to a Postgres type.
func columnType(f model.Field) string {
	switch f.Type {
	case "id", "reference":
		return "varchar(18)"
	case "boolean":
		return "boolean"
	case "int":
		return "bigint"
	case "double", "currency", "percent":
		if f.Length > 0 {
			return fmt.Sprintf("numeric(%d,%d)", f.Length, f.Scale)
		}
		return "double precision"
	case "date":
		return "date"
	case "datetime":
		return "timestamptz"
	case "textarea", "base64", "address", "location":
		return "text"
	case "string", "picklist", "multipicklist", "phone", "url", "email", "encryptedstring", "combobox":
		length := f.Length
		if length <= 0 {
			length = defaultVarcharLen
		}
		if length > 4000 {
			return "text"
		}
		return fmt.Sprintf("varchar(%d)", length)
	default:
		return "text"
	}
}

type column struct {
	name string
	typ  string
}

// tableColumns derives the full local column list for an object: one column
// per source field, companion columns where the field type calls for them,
// and the bookkeeping columns last.
func tableColumns(obj *model.ObjectDescriptor) []column {
	cols := make([]column, 0, len(obj.Fields)+8)
	for _, f := range obj.Fields {
		name := ColumnName(f.Name)
		cols = append(cols, column{name: name, typ: columnType(f)})
		if f.Type == "base64" {
			cols = append(cols,
				column{name: name + "_" + colFilePath, typ: "text"},
				column{name: name + "_" + colIsDownload, typ: "boolean"},
				column{name: name + "_" + colIsUpload, typ: "boolean"},
			)
		}
		if f.Type == "reference" && f.Polymorphic {
			cols = append(cols, column{name: name + refTypeSuffix, typ: fmt.Sprintf("varchar(%d)", defaultVarcharLen)})
		}
	}
	cols = append(cols,
		column{name: colNewID, typ: "varchar(18)"},
		column{name: colIsUpdate, typ: "boolean"},
		column{name: colFailReason, typ: "text"},
	)
	return cols
}

// indexedFields are the source fields that get a secondary index when the
// object carries them. They are the fields every planner range and catch-up
// query filters on.
var indexedFields = []string{"SystemModstamp", "LastModifiedDate", "CreatedDate", "IsDeleted"}

// EnsureObjectTable creates the object's table if it does not exist yet.
// Objects over the partition threshold are created range-partitioned by year
// on the object's date marker; everything else is a flat table. The layout
// decision is made once at creation and recorded on the descriptor, existing
// tables are left as they are.
func (s *Store) EnsureObjectTable(ctx context.Context, obj *model.ObjectDescriptor) error {
	table := TableName(obj.API)
	exists, err := s.tableExists(ctx, table)
	if err != nil {
		return err
	}
	if exists {
		partitioned, err := s.isPartitioned(ctx, table)
		if err != nil {
			return err
		}
		obj.IsPartitioned = partitioned
		return nil
	}

	partitioned := obj.TotalRows > s.partitionThreshold && obj.UpdateMarkerField() != ""
	if err := s.createObjectTable(ctx, obj, table, partitioned); err != nil {
		return err
	}
	obj.IsPartitioned = partitioned
	if partitioned {
		if err := s.ensureYearPartitions(ctx, table, s.initialPartitionYears()); err != nil {
			return err
		}
	}
	return s.createIndexes(ctx, obj, table)
}

func (s *Store) createObjectTable(ctx context.Context, obj *model.ObjectDescriptor, table string, partitioned bool) error {
	cols := tableColumns(obj)
	defs := make([]string, 0, len(cols)+1)
	for _, c := range cols {
		defs = append(defs, pq.QuoteIdentifier(c.name)+" "+c.typ)
	}

	var tail string
	if partitioned {
		dateCol := ColumnName(obj.UpdateMarkerField())
		// the partition key must be part of the primary key
		defs = append(defs, fmt.Sprintf("PRIMARY KEY (%s, %s)", pq.QuoteIdentifier("id"), pq.QuoteIdentifier(dateCol)))
		tail = fmt.Sprintf(" PARTITION BY RANGE (%s)", pq.QuoteIdentifier(dateCol))
	} else {
		defs = append(defs, fmt.Sprintf("PRIMARY KEY (%s)", pq.QuoteIdentifier("id")))
	}

	query := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)%s",
		pq.QuoteIdentifier(table), strings.Join(defs, ", "), tail)
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("creating table %s: %w", table, err)
	}
	return nil
}

func (s *Store) createIndexes(ctx context.Context, obj *model.ObjectDescriptor, table string) error {
	for _, field := range indexedFields {
		if !obj.HasField(field) {
			continue
		}
		col := ColumnName(field)
		query := fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)",
			pq.QuoteIdentifier("idx_"+table+"_"+col),
			pq.QuoteIdentifier(table),
			pq.QuoteIdentifier(col))
		if _, err := s.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("creating index on %s.%s: %w", table, col, err)
		}
	}
	return nil
}

// initialPartitionYears spans from the configured history start to next
// year, so freshly created partitioned tables accept both backfill and
// current writes.
func (s *Store) initialPartitionYears() []int {
	current := s.now().UTC().Year()
	first := s.firstPartitionYear
	if first > current {
		first = current
	}
	years := make([]int, 0, current-first+2)
	for y := first; y <= current+1; y++ {
		years = append(years, y)
	}
	return years
}

// EnsurePartitionsForRange creates the yearly partitions covering the
// half-open interval [start, end) of a partitioned table.
func (s *Store) EnsurePartitionsForRange(ctx context.Context, table string, start, end time.Time) error {
	last := end.Add(-time.Nanosecond).UTC().Year()
	years := make([]int, 0, 2)
	for y := start.UTC().Year(); y <= last; y++ {
		years = append(years, y)
	}
	return s.ensureYearPartitions(ctx, table, years)
}

// ensureYearPartitions creates any missing yearly partitions, remembering
// created ones so that steady-state writes skip the round trip.
func (s *Store) ensureYearPartitions(ctx context.Context, table string, years []int) error {
	for _, year := range years {
		key := fmt.Sprintf("%s_y%d", table, year)
		s.mu.Lock()
		known := s.partitions[key]
		s.mu.Unlock()
		if known {
			continue
		}
		query := fmt.Sprintf(
			"CREATE TABLE IF NOT EXISTS %s PARTITION OF %s FOR VALUES FROM ('%d-01-01') TO ('%d-01-01')",
			pq.QuoteIdentifier(key), pq.QuoteIdentifier(table), year, year+1)
		if _, err := s.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("creating partition %s: %w", key, err)
		}
		s.mu.Lock()
		s.partitions[key] = true
		s.mu.Unlock()
	}
	return nil
}

func (s *Store) tableExists(ctx context.Context, table string) (bool, error) {
	var regclass sql.NullString
	err := s.db.QueryRowContext(ctx, "SELECT to_regclass($1)", table).Scan(&regclass)
	if err != nil {
		return false, fmt.Errorf("checking table %s: %w", table, err)
	}
	return regclass.Valid, nil
}

func (s *Store) isPartitioned(ctx context.Context, table string) (bool, error) {
	var partitioned bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM pg_partitioned_table pt
			JOIN pg_class c ON c.oid = pt.partrelid
			WHERE c.relname = $1
		)`, table).Scan(&partitioned)
	if err != nil {
		return false, fmt.Errorf("checking partitioning of %s: %w", table, err)
	}
	return partitioned, nil
}

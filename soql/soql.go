// Package soql builds the platform query strings used by the sync engine:
// the export query a bulk job executes and the cheap COUNT() probe the
// planner uses to size batches.
package soql

import (
	"fmt"
	"strings"
	"time"
)

// TimeFormat is the timestamp literal format the remote platform accepts in
// query filters.
const TimeFormat = "2006-01-02T15:04:05.000Z"

// Query builds the export query for one batch: all listed fields of the
// object, filtered to the half-open interval [start, end) on dateField.
func Query(api string, fields []string, dateField string, start, end time.Time) string {
	var sb strings.Builder
	sb.WriteString("SELECT ")
	sb.WriteString(strings.Join(fields, ", "))
	sb.WriteString(" FROM ")
	sb.WriteString(api)
	writeRange(&sb, dateField, start, end)
	sb.WriteString(" ORDER BY Id")
	return sb.String()
}

// Count builds the probe query returning the record count of the half-open
// interval [start, end) on dateField.
func Count(api, dateField string, start, end time.Time) string {
	var sb strings.Builder
	sb.WriteString("SELECT COUNT(Id) num FROM ")
	sb.WriteString(api)
	writeRange(&sb, dateField, start, end)
	return sb.String()
}

func writeRange(sb *strings.Builder, dateField string, start, end time.Time) {
	if start.IsZero() && end.IsZero() {
		return
	}
	sb.WriteString(" WHERE ")
	if !start.IsZero() {
		fmt.Fprintf(sb, "%s >= %s", dateField, start.UTC().Format(TimeFormat))
	}
	if !end.IsZero() {
		if !start.IsZero() {
			sb.WriteString(" AND ")
		}
		fmt.Fprintf(sb, "%s < %s", dateField, end.UTC().Format(TimeFormat))
	}
}

package model

import (
	"time"
)

// SyncType distinguishes a full historical load from an incremental catch-up.
type SyncType string

const (
	SyncTypeFull        SyncType = "FULL"
	SyncTypeIncremental SyncType = "INCREMENTAL"
)

// BatchStatus is the overall outcome recorded on a Batch.
type BatchStatus string

const (
	BatchStatusPending BatchStatus = "PENDING"
	BatchStatusSuccess BatchStatus = "SUCCESS"
	BatchStatusFailed  BatchStatus = "FAILED"
)

// ProtocolVersion selects which bulk protocol adapter drives an object's jobs.
type ProtocolVersion string

const (
	ProtocolV1 ProtocolVersion = "v1"
	ProtocolV2 ProtocolVersion = "v2"
)

// Field is one column of a remote object, as reported by the platform's
// describe call. Capability flags are carried verbatim so downstream layers
// can pick marker fields and derive companion columns without re-describing.
type Field struct {
	Name           string
	Label          string
	Type           string
	Length         int
	Scale          int
	Createable     bool
	Filterable     bool
	Nillable       bool
	Unique         bool
	ExternalID     bool
	Custom         bool
	Polymorphic    bool
	ReferenceTo    string
	PicklistValues []PicklistValue
}

type PicklistValue struct {
	Label        string
	Value        string
	Active       bool
	DefaultValue bool
}

// ObjectDescriptor identifies one remote object and carries everything the
// planner and storage layer learn about it over time. Created on first
// metadata discovery, mutated as row counts and sync recency are observed.
type ObjectDescriptor struct {
	API           string
	Label         string
	Fields        []Field
	BatchField    string // date field used for full loads
	BlobField     string // large-binary field, if any
	Protocol      ProtocolVersion
	IsPartitioned bool
	TotalRows     int64
	LastSyncDate  *time.Time
	FirstSyncTime *time.Time
	FirstPullNum  int64
}

// Batch is one unit of sync work: a half-open time interval [SyncStart,
// SyncEnd) of one object, filtered on DateField. Retained indefinitely as an
// audit trail; the engine never deletes them.
type Batch struct {
	ID             string
	API            string
	Label          string
	SyncType       SyncType
	DateField      string
	SyncStart      time.Time
	SyncEnd        time.Time
	ProjectedCount int64
	PullNum        int64
	DBNum          int64
	RowsPulled     int64
	RowsPersisted  int64
	FirstSyncTime  *time.Time
	LastSyncTime   *time.Time
	Status         BatchStatus
	FailReason     string
}

// BatchHistory is one immutable record per execution attempt of a Batch.
type BatchHistory struct {
	ID           string
	BatchID      string
	StartedAt    time.Time
	Duration     time.Duration
	RowsPulled   int64
	RowsInserted int64
	RowsUpdated  int64
	Success      bool
	ErrorMessage string
}

// Row is one record as decoded from a result page. Keys are the source field
// names as returned by the platform.
type Row map[string]string

// ID returns the source's immutable row identifier, the upsert key.
func (r Row) ID() string {
	if v, ok := r["Id"]; ok {
		return v
	}
	return r["id"]
}

// updateFieldPreference is the order in which incremental marker fields are
// chosen when an object carries more than one system audit field.
var updateFieldPreference = []string{"SystemModstamp", "LastModifiedDate"}

const createdField = "CreatedDate"

// UpdateMarkerField returns the field used to filter incremental syncs, or
// "" when the object carries no usable audit field.
func (o *ObjectDescriptor) UpdateMarkerField() string {
	for _, name := range updateFieldPreference {
		if o.HasField(name) {
			return name
		}
	}
	if o.HasField(createdField) {
		return createdField
	}
	return ""
}

// FullLoadField returns the field used to filter full loads: the descriptor's
// designated batch field when set, otherwise the creation marker.
func (o *ObjectDescriptor) FullLoadField() string {
	if o.BatchField != "" {
		return o.BatchField
	}
	if o.HasField(createdField) {
		return createdField
	}
	return ""
}

func (o *ObjectDescriptor) HasField(name string) bool {
	for i := range o.Fields {
		if o.Fields[i].Name == name {
			return true
		}
	}
	return false
}

// FieldNames returns the API names of all fields, in describe order.
func (o *ObjectDescriptor) FieldNames() []string {
	names := make([]string, 0, len(o.Fields))
	for i := range o.Fields {
		names = append(names, o.Fields[i].Name)
	}
	return names
}

// Package lattice is an embedded, reactive, schema-defined object
// database over a single SQLite file: declared tables persist typed
// rows, queries compose predicates with spatial, vector, and full-text
// proximity, every mutation lands in a durable audit log, and
// observers see per-row, per-table, and collection changes after each
// commit.
//
// This file exports the schema and query vocabulary; the Store itself
// lives in store.go.
package lattice

import (
	"github.com/latticedb/lattice/internal/audit"
	"github.com/latticedb/lattice/internal/bus"
	"github.com/latticedb/lattice/internal/config"
	"github.com/latticedb/lattice/internal/geo"
	"github.com/latticedb/lattice/internal/migrate"
	"github.com/latticedb/lattice/internal/object"
	"github.com/latticedb/lattice/internal/query"
	"github.com/latticedb/lattice/internal/types"
)

// Schema vocabulary.
type (
	// Kind is the declared type of a column.
	Kind = types.Kind
	// VectorMetric selects the distance function for vector queries.
	VectorMetric = types.VectorMetric
	// ColumnDescriptor declares one column.
	ColumnDescriptor = types.ColumnDescriptor
	// ConstraintDescriptor declares a unique constraint.
	ConstraintDescriptor = types.ConstraintDescriptor
	// TableDescriptor declares one table.
	TableDescriptor = types.TableDescriptor
	// Config is the open-configuration record.
	Config = config.Config
)

const (
	KindInt    = types.KindInt
	KindReal   = types.KindReal
	KindText   = types.KindText
	KindBlob   = types.KindBlob
	KindLink   = types.KindLink
	KindList   = types.KindList
	KindGeo    = types.KindGeo
	KindVector = types.KindVector

	MetricL2     = types.MetricL2
	MetricCosine = types.MetricCosine
	MetricL1     = types.MetricL1
)

// Rows and results.
type (
	// Row is a dynamic row, unmanaged until inserted.
	Row = object.Row
	// Field is one (name, kind, value) triple from Row.Fields.
	Field = object.Field
	// Match is one query result with its proximity distances.
	Match = query.Match
	// VirtualMatch is one virtual-query result with its concrete table.
	VirtualMatch = query.VirtualMatch
	// Results is a live collection over a query.
	Results = query.Results
	// AuditEntry is one durable mutation record.
	AuditEntry = audit.Entry
	// RemoteEntry is the wire shape of one incoming sync entry.
	RemoteEntry = audit.RemoteEntry
	// Token cancels an observation.
	Token = bus.Token
	// SendableRef carries (table, primaryKey) across execution contexts.
	SendableRef = bus.SendableRef
)

// Geospatial vocabulary.
type (
	// GeoPoint is one coordinate in degrees.
	GeoPoint = geo.Point
	// GeoBBox is an inclusive bounding box in degrees.
	GeoBBox = geo.BBox
)

// Predicates.
type Predicate = query.Predicate

var (
	Eq         = query.Eq
	Ne         = query.Ne
	Lt         = query.Lt
	Le         = query.Le
	Gt         = query.Gt
	Ge         = query.Ge
	In         = query.In
	Contains   = query.Contains
	StartsWith = query.StartsWith
	Between    = query.Between
	PAnd       = query.And
	POr        = query.Or
	PNot       = query.Not
)

// Text query combinators.
type TextQuery = query.TextQuery

var (
	AllOf  = query.AllOf
	AnyOf  = query.AnyOf
	Phrase = query.Phrase
	Prefix = query.Prefix
	Near   = query.Near
	RawText = query.Raw
)

// Migration plan vocabulary.
type (
	// MigrationPlan carries per-table transforms, renames, and
	// delete-all directives for a schema migration.
	MigrationPlan = migrate.Plan
	// MigrationTransform is one table's row-level migration hook.
	MigrationTransform = migrate.Transform
)

// Observation execution contexts.
type (
	// ObserverContext is where a subscriber's callback runs.
	ObserverContext = bus.Context
	// Immediate runs callbacks synchronously on the publishing goroutine.
	Immediate = bus.Immediate
	// Dispatch is a serial context backed by one draining goroutine.
	Dispatch = bus.Dispatch
)

// NewDispatch starts a serial observer context with the given queue
// depth.
func NewDispatch(bufferSize int) *Dispatch { return bus.NewDispatch(bufferSize) }

// CollectionEvent is the kind of change a collection observer sees.
type CollectionEvent = bus.CollectionEvent

const (
	EventInsert = bus.EventInsert
	EventDelete = bus.EventDelete
)

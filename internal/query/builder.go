package query

import (
	"github.com/latticedb/lattice/internal/geo"
	"github.com/latticedb/lattice/internal/kernel"
	"github.com/latticedb/lattice/internal/types"
)

type orderTerm struct {
	column     string
	descending bool
}

type geoProx struct {
	column         string
	center         geo.Point
	radiusMeters   float64
	limit          int
	sortByDistance bool
}

type vecProx struct {
	column string
	query  []float32
	k      int
	metric types.VectorMetric
}

type textProx struct {
	column string
	tq     TextQuery
	limit  int
}

type bboxFilter struct {
	column string
	box    geo.BBox
}

// Query is one builder node. Every node is immutable; chained
// operations return new nodes, so a half-built query can be shared and
// extended from multiple call sites safely.
type Query struct {
	k      *kernel.Kernel
	schema *types.Schema
	desc   *types.TableDescriptor

	pred    *Predicate
	order   []orderTerm
	groupBy string
	limit   int
	offset  int

	bboxes   []bboxFilter
	geo      *geoProx
	vec      *vecProx
	text     *textProx
	distSort string // column whose bucket distance drives ordering
}

// All starts an unfiltered query over table.
func All(k *kernel.Kernel, schema *types.Schema, table string) (*Query, error) {
	desc, ok := schema.Tables[table]
	if !ok {
		return nil, types.New(types.KindQueryInvalid, "unknown table").WithTable(table)
	}
	return &Query{k: k, schema: schema, desc: desc, limit: -1, offset: 0}, nil
}

func (q *Query) clone() *Query {
	c := *q
	c.order = append([]orderTerm(nil), q.order...)
	c.bboxes = append([]bboxFilter(nil), q.bboxes...)
	return &c
}

// Where AND-composes p with any existing predicate.
func (q *Query) Where(p *Predicate) *Query {
	c := q.clone()
	c.pred = And(c.pred, p)
	return c
}

// OrderBy appends a sort term. Ties across equal keys always break on
// primary key ascending.
func (q *Query) OrderBy(column string, descending bool) *Query {
	c := q.clone()
	c.order = append(c.order, orderTerm{column: column, descending: descending})
	return c
}

// Group emits one representative row per distinct value of column. With
// an OrderBy, the ordering is applied within each group and the first
// row is emitted; without one, the representative is the row with the
// smallest primary key in the group.
func (q *Query) Group(column string) *Query {
	c := q.clone()
	c.groupBy = column
	return c
}

// Limit bounds the result window.
func (q *Query) Limit(n int) *Query {
	c := q.clone()
	c.limit = n
	return c
}

// Offset skips the first k rows of the result window.
func (q *Query) Offset(k int) *Query {
	c := q.clone()
	c.offset = k
	return c
}

// WithinBounds restricts rows to those whose geo column falls inside
// box, via the column's R-tree sidecar. Intersects with every other
// predicate.
func (q *Query) WithinBounds(column string, box geo.BBox) *Query {
	c := q.clone()
	c.bboxes = append(c.bboxes, bboxFilter{column: column, box: box})
	return c
}

// NearestGeo restricts rows to those within radiusMeters of center,
// bounded at limit candidates (0 means unbounded), R-tree pre-filter
// then exact haversine. sortByDistance makes this bucket's distance
// drive result ordering.
func (q *Query) NearestGeo(column string, center geo.Point, radiusMeters float64, limit int, sortByDistance bool) *Query {
	c := q.clone()
	c.geo = &geoProx{column: column, center: center, radiusMeters: radiusMeters, limit: limit, sortByDistance: sortByDistance}
	if sortByDistance && c.distSort == "" {
		c.distSort = column
	}
	return c
}

// NearestVector restricts rows to the k nearest neighbours of query
// under metric, via the column's ANN sidecar.
func (q *Query) NearestVector(column string, queryVec []float32, k int, metric types.VectorMetric) *Query {
	c := q.clone()
	c.vec = &vecProx{column: column, query: queryVec, k: k, metric: metric}
	return c
}

// Matching restricts rows to full-text matches of tq on column, bounded
// at limit candidates.
func (q *Query) Matching(column string, tq TextQuery, limit int) *Query {
	c := q.clone()
	c.text = &textProx{column: column, tq: tq, limit: limit}
	return c
}

// OrderByDistance chooses which proximity bucket's distance drives the
// result ordering when more than one is chained (combined nearest).
func (q *Query) OrderByDistance(column string) *Query {
	c := q.clone()
	c.distSort = column
	return c
}

// hasProximity reports whether any nearest-match bucket is chained.
func (q *Query) hasProximity() bool {
	return q.geo != nil || q.vec != nil || q.text != nil
}

// Table returns the descriptor this query is rooted at.
func (q *Query) Table() *types.TableDescriptor { return q.desc }

// proximityColumn validates one proximity constraint's target column:
// it must be declared, of the expected kind, and indexed.
func (q *Query) proximityColumn(name string, want types.Kind) (types.ColumnDescriptor, error) {
	col, ok := q.desc.Column(name)
	if !ok {
		return col, types.New(types.KindQueryInvalid, "unknown column in proximity query").
			WithTable(q.desc.Name).WithColumn(name)
	}
	if col.Kind != want {
		return col, types.New(types.KindQueryInvalid, "proximity query against a column of the wrong kind").
			WithTable(q.desc.Name).WithColumn(name)
	}
	if !col.Indexed {
		return col, types.New(types.KindQueryInvalid, "proximity query against a non-indexed column").
			WithTable(q.desc.Name).WithColumn(name)
	}
	return col, nil
}

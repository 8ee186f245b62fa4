package query

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/agnivade/levenshtein"
	"github.com/lithammer/fuzzysearch/fuzzy"

	"github.com/latticedb/lattice/internal/geo"
	"github.com/latticedb/lattice/internal/kernel"
	"github.com/latticedb/lattice/internal/object"
	"github.com/latticedb/lattice/internal/types"
	"github.com/latticedb/lattice/internal/vector"
)

// Match is one result row: a managed handle plus the distance each
// chained proximity bucket computed for it, keyed by column name.
type Match struct {
	Row       *object.Row
	Distances map[string]float64
}

// Run materializes the query's full result window, honoring its Limit
// and Offset.
func (q *Query) Run(ctx context.Context) ([]Match, error) {
	return q.window(ctx, q.limit, q.offset)
}

// Count re-executes the query against the current store state and
// returns the number of rows it would yield, ignoring Limit/Offset.
func (q *Query) Count(ctx context.Context) (int64, error) {
	if q.hasProximity() {
		matches, err := q.window(ctx, -1, 0)
		if err != nil {
			return 0, err
		}
		return int64(len(matches)), nil
	}

	conds, args, err := q.flatConds()
	if err != nil {
		return 0, err
	}
	var sel string
	if q.groupBy != "" {
		if _, ok := q.desc.Column(q.groupBy); !ok {
			return 0, types.New(types.KindQueryInvalid, "unknown group column").
				WithTable(q.desc.Name).WithColumn(q.groupBy)
		}
		sel = fmt.Sprintf("SELECT COUNT(DISTINCT b.%s) FROM %s b", quoteIdent(q.groupBy), quoteIdent(q.desc.Name))
	} else {
		sel = fmt.Sprintf("SELECT COUNT(*) FROM %s b", quoteIdent(q.desc.Name))
	}
	if len(conds) > 0 {
		sel += " WHERE " + strings.Join(conds, " AND ")
	}
	rows, err := q.k.Query(ctx, sel, args...)
	if err != nil {
		return 0, err
	}
	defer rows.Close()
	var n int64
	if rows.Next() {
		if err := rows.Scan(&n); err != nil {
			return 0, types.Wrap(types.KindIOError, "scan count", err)
		}
	}
	return n, rows.Err()
}

// window is the single execution path behind Run, Count-with-proximity,
// and Results pagination: one kernel select over the flat predicate and
// bounding-box pre-filters, intersected with the proximity buckets'
// candidate sets, ordered, and materialized.
func (q *Query) window(ctx context.Context, limit, offset int) ([]Match, error) {
	conds, args, err := q.flatConds()
	if err != nil {
		return nil, err
	}

	distances := make(map[int64]map[string]float64)
	var allowed map[int64]bool
	constrained := false

	intersect := func(bucket map[int64]float64, column string) {
		for id, d := range bucket {
			if distances[id] == nil {
				distances[id] = make(map[string]float64)
			}
			distances[id][column] = d
		}
		if !constrained {
			allowed = make(map[int64]bool, len(bucket))
			for id := range bucket {
				allowed[id] = true
			}
			constrained = true
			return
		}
		for id := range allowed {
			if _, ok := bucket[id]; !ok {
				delete(allowed, id)
			}
		}
	}

	if q.geo != nil {
		bucket, err := q.geoBucket(ctx)
		if err != nil {
			return nil, err
		}
		intersect(bucket, q.geo.column)
	}
	if q.vec != nil {
		bucket, err := q.vecBucket(ctx)
		if err != nil {
			return nil, err
		}
		intersect(bucket, q.vec.column)
	}
	if q.text != nil {
		bucket, err := q.textBucket(ctx)
		if err != nil {
			return nil, err
		}
		intersect(bucket, q.text.column)
	}

	if constrained {
		if len(allowed) == 0 {
			return nil, nil
		}
		ids := make([]int64, 0, len(allowed))
		for id := range allowed {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		var b strings.Builder
		for i, id := range ids {
			if i > 0 {
				b.WriteByte(',')
			}
			fmt.Fprintf(&b, "%d", id)
		}
		conds = append(conds, fmt.Sprintf("b.id IN (%s)", b.String()))
	}

	goSort := q.distSort != ""
	if goSort {
		if !constrained {
			return nil, types.New(types.KindQueryInvalid, "distance sort without a proximity constraint").
				WithTable(q.desc.Name).WithColumn(q.distSort)
		}
	}

	sqlLimit, sqlOffset := limit, offset
	if goSort {
		// Ordering happens after distances are attached; fetch the whole
		// candidate set and window in memory.
		sqlLimit, sqlOffset = -1, 0
	}

	sel, err := q.selectSQL(conds, sqlLimit, sqlOffset)
	if err != nil {
		return nil, err
	}
	rows, err := q.k.Query(ctx, sel, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Match
	for rows.Next() {
		var id int64
		var globalID string
		if err := rows.Scan(&id, &globalID); err != nil {
			return nil, types.Wrap(types.KindIOError, "scan result row", err)
		}
		out = append(out, Match{
			Row:       object.Managed(q.k, q.desc, id, globalID),
			Distances: distances[id],
		})
	}
	if err := rows.Err(); err != nil {
		return nil, types.Wrap(types.KindIOError, "iterate result rows", err)
	}

	if goSort {
		col := q.distSort
		sort.SliceStable(out, func(i, j int) bool {
			di, dj := out[i].Distances[col], out[j].Distances[col]
			if di != dj {
				return di < dj
			}
			return out[i].Row.PrimaryKey() < out[j].Row.PrimaryKey()
		})
		if offset > 0 {
			if offset >= len(out) {
				return nil, nil
			}
			out = out[offset:]
		}
		if limit >= 0 && limit < len(out) {
			out = out[:limit]
		}
	}
	return out, nil
}

// flatConds lowers the flat predicate plus every bounding-box
// pre-filter into WHERE conditions against alias "b".
func (q *Query) flatConds() ([]string, []any, error) {
	var conds []string
	whereSQL, args, err := q.pred.lower(q.schema, q.desc, "b")
	if err != nil {
		return nil, nil, err
	}
	if whereSQL != "" {
		conds = append(conds, whereSQL)
	}
	for _, bb := range q.bboxes {
		if _, err := q.proximityColumn(bb.column, types.KindGeo); err != nil {
			return nil, nil, err
		}
		conds = append(conds, fmt.Sprintf(
			"b.id IN (SELECT id FROM %s WHERE minX >= ? AND maxX <= ? AND minY >= ? AND maxY <= ?)",
			quoteIdent(kernel.RtreeTableName(q.desc.Name, bb.column)),
		))
		args = append(args, bb.box.MinLon, bb.box.MaxLon, bb.box.MinLat, bb.box.MaxLat)
	}
	return conds, args, nil
}

// selectSQL assembles the final kernel select: id and globalId only
// (managed rows forward every field read back through the kernel), with
// grouping lowered to a one-row-per-partition window.
func (q *Query) selectSQL(conds []string, limit, offset int) (string, error) {
	orderInner, orderOuter, orderAliases, err := q.orderSQL()
	if err != nil {
		return "", err
	}

	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var sel string
	if q.groupBy != "" {
		gcol, ok := q.desc.Column(q.groupBy)
		if !ok || gcol.Kind == types.KindLink || gcol.Kind == types.KindList {
			return "", types.New(types.KindQueryInvalid, "unknown group column").
				WithTable(q.desc.Name).WithColumn(q.groupBy)
		}
		sel = fmt.Sprintf(
			"SELECT id, globalId FROM (SELECT b.id AS id, b.globalId AS globalId%s, ROW_NUMBER() OVER (PARTITION BY b.%s ORDER BY %s) AS rn FROM %s b%s) WHERE rn = 1 ORDER BY %s",
			orderAliases, quoteIdent(q.groupBy), orderInner, quoteIdent(q.desc.Name), where, orderOuter,
		)
	} else {
		sel = fmt.Sprintf("SELECT b.id, b.globalId FROM %s b%s ORDER BY %s",
			quoteIdent(q.desc.Name), where, orderInner)
	}

	if limit >= 0 {
		sel += fmt.Sprintf(" LIMIT %d", limit)
	} else if offset > 0 {
		sel += " LIMIT -1"
	}
	if offset > 0 {
		sel += fmt.Sprintf(" OFFSET %d", offset)
	}
	return sel, nil
}

// orderSQL validates the order terms and renders three forms: the inner
// ORDER BY over base columns, the outer ORDER BY over projected
// aliases (for the grouped form), and the aliased projections
// themselves. Ties always break on primary key ascending.
func (q *Query) orderSQL() (inner, outer, aliases string, err error) {
	var innerParts, outerParts, aliasParts []string
	for i, o := range q.order {
		col, ok := q.desc.Column(o.column)
		if !ok || col.Kind == types.KindLink || col.Kind == types.KindList {
			return "", "", "", types.New(types.KindQueryInvalid, "unknown order column").
				WithTable(q.desc.Name).WithColumn(o.column)
		}
		dir := "ASC"
		if o.descending {
			dir = "DESC"
		}
		alias := fmt.Sprintf("_o%d", i)
		innerParts = append(innerParts, fmt.Sprintf("b.%s %s", quoteIdent(o.column), dir))
		outerParts = append(outerParts, fmt.Sprintf("%s %s", alias, dir))
		aliasParts = append(aliasParts, fmt.Sprintf(", b.%s AS %s", quoteIdent(o.column), alias))
	}
	innerParts = append(innerParts, "b.id ASC")
	outerParts = append(outerParts, "id ASC")
	return strings.Join(innerParts, ", "), strings.Join(outerParts, ", "), strings.Join(aliasParts, ""), nil
}

// geoBucket computes the geo proximity candidate set: R-tree bounding
// box pre-filter in SQL, exact haversine filter over the pre-filtered
// points.
func (q *Query) geoBucket(ctx context.Context) (map[int64]float64, error) {
	if _, err := q.proximityColumn(q.geo.column, types.KindGeo); err != nil {
		return nil, err
	}
	box := geo.RadiusBBox(q.geo.center, q.geo.radiusMeters)
	sel := fmt.Sprintf(
		"SELECT r.id, b.%s FROM %s r JOIN %s b ON b.id = r.id WHERE r.minX >= ? AND r.maxX <= ? AND r.minY >= ? AND r.maxY <= ?",
		quoteIdent(q.geo.column),
		quoteIdent(kernel.RtreeTableName(q.desc.Name, q.geo.column)),
		quoteIdent(q.desc.Name),
	)
	rows, err := q.k.Query(ctx, sel, box.MinLon, box.MaxLon, box.MinLat, box.MaxLat)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	type cand struct {
		id   int64
		dist float64
	}
	var cands []cand
	for rows.Next() {
		var id int64
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, types.Wrap(types.KindIOError, "scan geo candidate", err)
		}
		p, ok := geo.Decode(blob)
		if !ok {
			continue
		}
		d := geo.Distance(q.geo.center, p)
		if d <= q.geo.radiusMeters {
			cands = append(cands, cand{id, d})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, types.Wrap(types.KindIOError, "iterate geo candidates", err)
	}

	if q.geo.limit > 0 && len(cands) > q.geo.limit {
		sort.Slice(cands, func(i, j int) bool {
			if cands[i].dist != cands[j].dist {
				return cands[i].dist < cands[j].dist
			}
			return cands[i].id < cands[j].id
		})
		cands = cands[:q.geo.limit]
	}

	out := make(map[int64]float64, len(cands))
	for _, c := range cands {
		out[c.id] = c.dist
	}
	return out, nil
}

// vecBucket computes the vector proximity candidate set: a scan of the
// ANN sidecar keeping the k best under the requested metric. The
// sidecar is exact today, so the top-k is exact; an approximate index
// can replace the scan without changing this contract's shape.
func (q *Query) vecBucket(ctx context.Context) (map[int64]float64, error) {
	col, err := q.proximityColumn(q.vec.column, types.KindVector)
	if err != nil {
		return nil, err
	}
	if col.VectorDims > 0 && len(q.vec.query) != col.VectorDims {
		return nil, types.New(types.KindQueryInvalid,
			fmt.Sprintf("query vector has %d dims, column declares %d", len(q.vec.query), col.VectorDims)).
			WithTable(q.desc.Name).WithColumn(q.vec.column)
	}

	metric := q.vec.metric
	if metric == "" {
		metric = col.VectorMetric
	}
	if metric == "" {
		metric = types.MetricL2
	}

	sel := fmt.Sprintf("SELECT id, vector FROM %s", quoteIdent(kernel.ANNTableName(q.desc.Name, q.vec.column)))
	rows, err := q.k.Query(ctx, sel)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	topk := vector.NewTopK(q.vec.k)
	for rows.Next() {
		var id int64
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, types.Wrap(types.KindIOError, "scan vector candidate", err)
		}
		v, ok := vector.Decode(blob)
		if !ok {
			continue
		}
		topk.Push(vector.Candidate{RowID: id, Distance: vector.Distance(metric, q.vec.query, v)})
	}
	if err := rows.Err(); err != nil {
		return nil, types.Wrap(types.KindIOError, "iterate vector candidates", err)
	}

	out := make(map[int64]float64, q.vec.k)
	for _, c := range topk.Sorted() {
		out[c.RowID] = c.Distance
	}
	return out, nil
}

// textBucket computes the full-text candidate set: FTS5 MATCH ranked by
// bm25, with a fuzzy fallback pass over the base column when the index
// under-matches a short query (hybrid FTS-then-fuzzy, ranked by edit
// distance).
func (q *Query) textBucket(ctx context.Context) (map[int64]float64, error) {
	if _, err := q.proximityColumn(q.text.column, types.KindText); err != nil {
		return nil, err
	}
	if q.text.tq.IsZero() {
		return nil, types.New(types.KindQueryInvalid, "empty text query").
			WithTable(q.desc.Name).WithColumn(q.text.column)
	}

	ftsName := kernel.FTSTableName(q.desc.Name, q.text.column)
	sel := fmt.Sprintf("SELECT rowid, bm25(%s) FROM %s WHERE %s MATCH ? ORDER BY bm25(%s)",
		quoteIdent(ftsName), quoteIdent(ftsName), quoteIdent(ftsName), quoteIdent(ftsName))
	if q.text.limit > 0 {
		sel += fmt.Sprintf(" LIMIT %d", q.text.limit)
	}
	rows, err := q.k.Query(ctx, sel, q.text.tq.Match())
	if err != nil {
		return nil, err
	}
	out := make(map[int64]float64)
	for rows.Next() {
		var id int64
		var rank float64
		if err := rows.Scan(&id, &rank); err != nil {
			rows.Close()
			return nil, types.Wrap(types.KindIOError, "scan text candidate", err)
		}
		out[id] = rank
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, types.Wrap(types.KindIOError, "iterate text candidates", err)
	}

	if q.text.limit > 0 && len(out) < q.text.limit {
		if err := q.textFuzzyFallback(ctx, out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// textFuzzyFallback widens an under-matched text query by fuzzy-ranking
// the base column directly. Only plain single-term queries widen; FTS
// operator syntax passes through unexpanded.
func (q *Query) textFuzzyFallback(ctx context.Context, out map[int64]float64) error {
	term := strings.Trim(q.text.tq.Match(), `"*`)
	if term == "" || strings.ContainsAny(term, ` "*:()`) {
		return nil
	}

	sel := fmt.Sprintf("SELECT id, %s FROM %s", quoteIdent(q.text.column), quoteIdent(q.desc.Name))
	rows, err := q.k.Query(ctx, sel)
	if err != nil {
		return err
	}
	defer rows.Close()

	remaining := q.text.limit - len(out)
	type cand struct {
		id   int64
		dist int
	}
	var cands []cand
	for rows.Next() {
		var id int64
		var text string
		if err := rows.Scan(&id, &text); err != nil {
			return types.Wrap(types.KindIOError, "scan fuzzy candidate", err)
		}
		if _, already := out[id]; already {
			continue
		}
		if !fuzzy.MatchNormalizedFold(term, text) {
			continue
		}
		cands = append(cands, cand{id: id, dist: levenshtein.ComputeDistance(term, text)})
	}
	if err := rows.Err(); err != nil {
		return types.Wrap(types.KindIOError, "iterate fuzzy candidates", err)
	}

	sort.Slice(cands, func(i, j int) bool {
		if cands[i].dist != cands[j].dist {
			return cands[i].dist < cands[j].dist
		}
		return cands[i].id < cands[j].id
	})
	if remaining < len(cands) {
		cands = cands[:remaining]
	}
	for _, c := range cands {
		// Fallback matches rank after every true index hit.
		out[c.id] = float64(c.dist)
	}
	return nil
}

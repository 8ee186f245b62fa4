package query

import (
	"context"
	"fmt"
	"strings"

	"github.com/latticedb/lattice/internal/kernel"
	"github.com/latticedb/lattice/internal/object"
	"github.com/latticedb/lattice/internal/types"
)

// VirtualQuery maps one row interface onto multiple participating
// tables: it compiles to a UNION ALL across the branches, preserving
// per-row table identity so materialization returns a managed handle of
// the correct concrete table. Predicates and ordering are pushed to
// every branch, so every referenced column must exist in all of them.
type VirtualQuery struct {
	k      *kernel.Kernel
	schema *types.Schema
	tables []*types.TableDescriptor

	pred   *Predicate
	order  []orderTerm
	limit  int
	offset int
}

// Virtual starts a query over the given participating tables.
func Virtual(k *kernel.Kernel, schema *types.Schema, tables ...string) (*VirtualQuery, error) {
	if len(tables) == 0 {
		return nil, types.New(types.KindQueryInvalid, "virtual query needs at least one table")
	}
	v := &VirtualQuery{k: k, schema: schema, limit: -1}
	for _, name := range tables {
		desc, ok := schema.Tables[name]
		if !ok {
			return nil, types.New(types.KindQueryInvalid, "unknown table in virtual query").WithTable(name)
		}
		v.tables = append(v.tables, desc)
	}
	return v, nil
}

func (v *VirtualQuery) clone() *VirtualQuery {
	c := *v
	c.order = append([]orderTerm(nil), v.order...)
	return &c
}

// Where AND-composes p with any existing predicate on every branch.
func (v *VirtualQuery) Where(p *Predicate) *VirtualQuery {
	c := v.clone()
	c.pred = And(c.pred, p)
	return c
}

// OrderBy appends a sort term applied across the union.
func (v *VirtualQuery) OrderBy(column string, descending bool) *VirtualQuery {
	c := v.clone()
	c.order = append(c.order, orderTerm{column: column, descending: descending})
	return c
}

// Limit bounds the unioned result window.
func (v *VirtualQuery) Limit(n int) *VirtualQuery {
	c := v.clone()
	c.limit = n
	return c
}

// Offset skips the first k rows of the unioned window.
func (v *VirtualQuery) Offset(k int) *VirtualQuery {
	c := v.clone()
	c.offset = k
	return c
}

// VirtualMatch is one unioned result row with its concrete table.
type VirtualMatch struct {
	Table string
	Row   *object.Row
}

// Run executes the union. Ordering across branches is by the declared
// sort terms, tie-broken by (table name, primary key) so the result
// order is total and stable.
func (v *VirtualQuery) Run(ctx context.Context) ([]VirtualMatch, error) {
	var branches []string
	var args []any
	var orderCols []string
	for i, o := range v.order {
		orderCols = append(orderCols, fmt.Sprintf("_o%d", i))
		for _, t := range v.tables {
			col, ok := t.Column(o.column)
			if !ok || col.Kind == types.KindLink || col.Kind == types.KindList {
				return nil, types.New(types.KindQueryInvalid, "order column missing from a virtual branch").
					WithTable(t.Name).WithColumn(o.column)
			}
		}
	}

	for _, t := range v.tables {
		whereSQL, a, err := v.pred.lower(v.schema, t, "b")
		if err != nil {
			return nil, err
		}
		var proj strings.Builder
		fmt.Fprintf(&proj, "SELECT '%s' AS _tbl, b.id AS id, b.globalId AS globalId", strings.ReplaceAll(t.Name, "'", "''"))
		for i, o := range v.order {
			fmt.Fprintf(&proj, ", b.%s AS _o%d", quoteIdent(o.column), i)
		}
		fmt.Fprintf(&proj, " FROM %s b", quoteIdent(t.Name))
		if whereSQL != "" {
			proj.WriteString(" WHERE " + whereSQL)
		}
		branches = append(branches, proj.String())
		args = append(args, a...)
	}

	var orderParts []string
	for i, o := range v.order {
		dir := "ASC"
		if o.descending {
			dir = "DESC"
		}
		orderParts = append(orderParts, fmt.Sprintf("%s %s", orderCols[i], dir))
	}
	orderParts = append(orderParts, "_tbl ASC", "id ASC")

	sel := strings.Join(branches, " UNION ALL ") + " ORDER BY " + strings.Join(orderParts, ", ")
	if v.limit >= 0 {
		sel += fmt.Sprintf(" LIMIT %d", v.limit)
	} else if v.offset > 0 {
		sel += " LIMIT -1"
	}
	if v.offset > 0 {
		sel += fmt.Sprintf(" OFFSET %d", v.offset)
	}

	rows, err := v.k.Query(ctx, sel, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byName := make(map[string]*types.TableDescriptor, len(v.tables))
	for _, t := range v.tables {
		byName[t.Name] = t
	}

	var out []VirtualMatch
	for rows.Next() {
		var table, globalID string
		var id int64
		dest := []any{&table, &id, &globalID}
		for range v.order {
			var discard any
			dest = append(dest, &discard)
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, types.Wrap(types.KindIOError, "scan virtual result row", err)
		}
		out = append(out, VirtualMatch{
			Table: table,
			Row:   object.Managed(v.k, byName[table], id, globalID),
		})
	}
	return out, rows.Err()
}

// Count returns the union's current size.
func (v *VirtualQuery) Count(ctx context.Context) (int64, error) {
	var total int64
	for _, t := range v.tables {
		whereSQL, args, err := v.pred.lower(v.schema, t, "b")
		if err != nil {
			return 0, err
		}
		sel := fmt.Sprintf("SELECT COUNT(*) FROM %s b", quoteIdent(t.Name))
		if whereSQL != "" {
			sel += " WHERE " + whereSQL
		}
		rows, err := v.k.Query(ctx, sel, args...)
		if err != nil {
			return 0, err
		}
		if rows.Next() {
			var n int64
			if err := rows.Scan(&n); err != nil {
				rows.Close()
				return 0, types.Wrap(types.KindIOError, "scan virtual count", err)
			}
			total += n
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return 0, types.Wrap(types.KindIOError, "iterate virtual count", err)
		}
	}
	return total, nil
}

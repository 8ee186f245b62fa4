// Package query is the Query Engine: a composable, typed builder over
// predicates, ordering, grouping, pagination, and the three proximity
// specializations (geo nearest, vector k-NN, full-text matching),
// lowered to the Storage Kernel for execution.
package query

import (
	"fmt"
	"strings"

	"github.com/latticedb/lattice/internal/types"
)

// Predicate is an immutable node in a predicate tree. Leaves compare a
// column (or a link-traversal path "link.field") against a value;
// interior nodes combine children with and/or/not.
type Predicate struct {
	op       string // "=", "!=", "<", "<=", ">", ">=", "in", "contains", "startsWith", "between", "and", "or", "not"
	column   string
	values   []any
	children []*Predicate
}

func leaf(op, column string, values ...any) *Predicate {
	return &Predicate{op: op, column: column, values: values}
}

// Eq compares column = value.
func Eq(column string, value any) *Predicate { return leaf("=", column, value) }

// Ne compares column != value.
func Ne(column string, value any) *Predicate { return leaf("!=", column, value) }

// Lt compares column < value.
func Lt(column string, value any) *Predicate { return leaf("<", column, value) }

// Le compares column <= value.
func Le(column string, value any) *Predicate { return leaf("<=", column, value) }

// Gt compares column > value.
func Gt(column string, value any) *Predicate { return leaf(">", column, value) }

// Ge compares column >= value.
func Ge(column string, value any) *Predicate { return leaf(">=", column, value) }

// In matches rows whose column equals any of values.
func In(column string, values ...any) *Predicate { return leaf("in", column, values...) }

// Contains matches text columns containing substr.
func Contains(column, substr string) *Predicate { return leaf("contains", column, substr) }

// StartsWith matches text columns beginning with prefix.
func StartsWith(column, prefix string) *Predicate { return leaf("startsWith", column, prefix) }

// Between matches lo <= column <= hi.
func Between(column string, lo, hi any) *Predicate { return leaf("between", column, lo, hi) }

// And combines predicates conjunctively. Nil children are skipped; a
// single child collapses to itself.
func And(ps ...*Predicate) *Predicate { return combine("and", ps) }

// Or combines predicates disjunctively.
func Or(ps ...*Predicate) *Predicate { return combine("or", ps) }

func combine(op string, ps []*Predicate) *Predicate {
	var kept []*Predicate
	for _, p := range ps {
		if p != nil {
			kept = append(kept, p)
		}
	}
	if len(kept) == 0 {
		return nil
	}
	if len(kept) == 1 {
		return kept[0]
	}
	return &Predicate{op: op, children: kept}
}

// Not negates a predicate.
func Not(p *Predicate) *Predicate {
	if p == nil {
		return nil
	}
	return &Predicate{op: "not", children: []*Predicate{p}}
}

// lower turns p into SQL against base table desc (aliased "b"),
// validating every column reference against the schema. Link-traversal
// paths lower to an EXISTS against the link table joined to the target.
func (p *Predicate) lower(schema *types.Schema, desc *types.TableDescriptor, alias string) (string, []any, error) {
	if p == nil {
		return "", nil, nil
	}
	switch p.op {
	case "and", "or":
		join := " AND "
		if p.op == "or" {
			join = " OR "
		}
		var parts []string
		var args []any
		for _, c := range p.children {
			sql, a, err := c.lower(schema, desc, alias)
			if err != nil {
				return "", nil, err
			}
			parts = append(parts, "("+sql+")")
			args = append(args, a...)
		}
		return strings.Join(parts, join), args, nil
	case "not":
		sql, args, err := p.children[0].lower(schema, desc, alias)
		if err != nil {
			return "", nil, err
		}
		return "NOT (" + sql + ")", args, nil
	}

	if link, field, ok := strings.Cut(p.column, "."); ok {
		return p.lowerTraversal(schema, desc, alias, link, field)
	}
	col, ok := desc.Column(p.column)
	if !ok {
		return "", nil, types.New(types.KindQueryInvalid, "unknown column in predicate").
			WithTable(desc.Name).WithColumn(p.column)
	}
	if col.Kind == types.KindLink || col.Kind == types.KindList {
		return "", nil, types.New(types.KindQueryInvalid, "link column compared without a field path").
			WithTable(desc.Name).WithColumn(p.column)
	}
	return p.lowerLeaf(alias + "." + quoteIdent(p.column))
}

// lowerTraversal lowers "link.field" to an EXISTS subquery through the
// link table, rooted at the target table the same way row predicates
// are rooted at theirs.
func (p *Predicate) lowerTraversal(schema *types.Schema, desc *types.TableDescriptor, alias, link, field string) (string, []any, error) {
	col, ok := desc.Column(link)
	if !ok || (col.Kind != types.KindLink && col.Kind != types.KindList) {
		return "", nil, types.New(types.KindQueryInvalid, "predicate path does not start at a link column").
			WithTable(desc.Name).WithColumn(link)
	}
	target, ok := schema.Tables[col.TargetTable]
	if !ok {
		return "", nil, types.New(types.KindQueryInvalid, "link target table is not declared").
			WithTable(desc.Name).WithColumn(link)
	}
	if _, ok := target.Column(field); !ok {
		return "", nil, types.New(types.KindQueryInvalid, "unknown column in link traversal").
			WithTable(target.Name).WithColumn(field)
	}

	inner, args, err := p.lowerLeaf("lt." + quoteIdent(field))
	if err != nil {
		return "", nil, err
	}
	linkTable := quoteIdent(fmt.Sprintf("_%s_%s_%s", desc.Name, col.TargetTable, link))
	sql := fmt.Sprintf(
		"EXISTS (SELECT 1 FROM %s l JOIN %s lt ON lt.globalId = l.rhs WHERE l.lhs = %s.globalId AND (%s))",
		linkTable, quoteIdent(target.Name), alias, inner,
	)
	return sql, args, nil
}

func (p *Predicate) lowerLeaf(ref string) (string, []any, error) {
	switch p.op {
	case "=", "!=", "<", "<=", ">", ">=":
		return fmt.Sprintf("%s %s ?", ref, p.op), []any{p.values[0]}, nil
	case "in":
		if len(p.values) == 0 {
			return "0 = 1", nil, nil
		}
		marks := strings.Repeat("?,", len(p.values))
		return fmt.Sprintf("%s IN (%s)", ref, marks[:len(marks)-1]), p.values, nil
	case "contains":
		return fmt.Sprintf("%s LIKE ? ESCAPE '\\'", ref), []any{"%" + escapeLike(fmt.Sprint(p.values[0])) + "%"}, nil
	case "startsWith":
		return fmt.Sprintf("%s LIKE ? ESCAPE '\\'", ref), []any{escapeLike(fmt.Sprint(p.values[0])) + "%"}, nil
	case "between":
		return fmt.Sprintf("%s BETWEEN ? AND ?", ref), []any{p.values[0], p.values[1]}, nil
	}
	return "", nil, types.New(types.KindQueryInvalid, fmt.Sprintf("unsupported comparison %q", p.op))
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "%", `\%`)
	s = strings.ReplaceAll(s, "_", `\_`)
	return s
}

// Eval evaluates p against an in-memory field map, used by collection
// observers to test predicates at insert/pre-delete time without a
// round-trip to the store. Link traversal paths always evaluate false
// here; collection predicates over links should filter in the callback.
func (p *Predicate) Eval(fields map[string]any) bool {
	if p == nil {
		return true
	}
	switch p.op {
	case "and":
		for _, c := range p.children {
			if !c.Eval(fields) {
				return false
			}
		}
		return true
	case "or":
		for _, c := range p.children {
			if c.Eval(fields) {
				return true
			}
		}
		return false
	case "not":
		return !p.children[0].Eval(fields)
	}
	if strings.Contains(p.column, ".") {
		return false
	}
	v := fields[p.column]
	switch p.op {
	case "=":
		return compare(v, p.values[0]) == 0
	case "!=":
		return compare(v, p.values[0]) != 0
	case "<":
		return compare(v, p.values[0]) < 0
	case "<=":
		return compare(v, p.values[0]) <= 0
	case ">":
		return compare(v, p.values[0]) > 0
	case ">=":
		return compare(v, p.values[0]) >= 0
	case "in":
		for _, w := range p.values {
			if compare(v, w) == 0 {
				return true
			}
		}
		return false
	case "contains":
		return strings.Contains(fmt.Sprint(v), fmt.Sprint(p.values[0]))
	case "startsWith":
		return strings.HasPrefix(fmt.Sprint(v), fmt.Sprint(p.values[0]))
	case "between":
		return compare(v, p.values[0]) >= 0 && compare(v, p.values[1]) <= 0
	}
	return false
}

// compare orders two scalar values numerically when both are numbers,
// lexically otherwise, mirroring SQLite's comparison of INTEGER/REAL
// and TEXT affinities.
func compare(a, b any) int {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case float64:
		return x, true
	case float32:
		return float64(x), true
	}
	return 0, false
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// LowerForLinkTarget lowers p rooted at the target table (aliased "t"),
// the shape kernel.FindLinkIndicesWhere expects.
func (p *Predicate) LowerForLinkTarget(schema *types.Schema, target *types.TableDescriptor) (string, []any, error) {
	return p.lower(schema, target, "t")
}

// Lower lowers p rooted at desc with references qualified by the table
// name itself, for statements that carry no alias (deleteWhere's
// candidate scan).
func (p *Predicate) Lower(schema *types.Schema, desc *types.TableDescriptor) (string, []any, error) {
	return p.lower(schema, desc, quoteIdent(desc.Name))
}

package kernel

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/latticedb/lattice/internal/types"
)

// Every declared table carries two reserved physical columns in
// addition to its declared ones: an autoincrement local primary key
// and a uniquely indexed global id. The Schema Registry's DDL synthesis
// emits these for every CREATE TABLE it generates.
const (
	colID       = "id"
	colGlobalID = "globalId"
)

// InsertRow allocates a primary key and global id (generating the
// global id if fields does not already carry one), writes the declared
// columns, and emits a RowEvent on tx. If a unique constraint with
// AllowsUpsert collides, the conflicting row is updated in place instead
// and the emitted event records op=update; otherwise a collision fails
// with ConstraintViolation.
func InsertRow(ctx context.Context, tx *Tx, desc *types.TableDescriptor, fields map[string]any) (int64, string, error) {
	if err := tx.k.checkReentrant(); err != nil {
		return 0, "", err
	}

	for _, c := range desc.UpsertConstraints() {
		rowID, existed, err := findByConstraint(ctx, tx, desc, c, fields)
		if err != nil {
			return 0, "", err
		}
		if existed {
			before, err := readRow(ctx, tx, desc, rowID)
			if err != nil {
				return 0, "", err
			}
			if err := setColumnsTx(ctx, tx, desc, rowID, fields); err != nil {
				return 0, "", err
			}
			after, err := readRow(ctx, tx, desc, rowID)
			if err != nil {
				return 0, "", err
			}
			if err := syncSidecars(ctx, tx, desc, rowID, before, after); err != nil {
				return 0, "", err
			}
			tx.emit(RowEvent{
				Op:           types.OpUpdate,
				Table:        desc.Name,
				RowID:        rowID,
				GlobalRowID:  fmt.Sprint(before[colGlobalID]),
				Before:       before,
				After:        after,
				ChangedNames: changedNames(desc, before, after),
			})
			return rowID, fmt.Sprint(after[colGlobalID]), nil
		}
	}

	for _, c := range desc.Constraints {
		if c.AllowsUpsert {
			continue
		}
		_, existed, err := findByConstraint(ctx, tx, desc, c, fields)
		if err != nil {
			return 0, "", err
		}
		if existed {
			return 0, "", types.New(types.KindConstraintViolation,
				fmt.Sprintf("unique constraint on %s violated", strings.Join(c.Columns, ","))).WithTable(desc.Name)
		}
	}

	globalID, ok := fields[colGlobalID].(string)
	if !ok || globalID == "" {
		globalID = uuid.NewString()
	}

	cols := []string{colGlobalID}
	vals := []any{globalID}
	for _, c := range desc.Columns {
		if c.Kind == types.KindLink || c.Kind == types.KindList {
			continue
		}
		v, present := fields[c.Name]
		if !present {
			continue
		}
		cols = append(cols, c.Name)
		vals = append(vals, v)
	}

	placeholders := make([]string, len(cols))
	for i := range placeholders {
		placeholders[i] = "?"
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		quoteIdent(desc.Name), strings.Join(quoteIdents(cols), ","), strings.Join(placeholders, ","))

	res, err := tx.sqlTx.ExecContext(ctx, query, vals...)
	if err != nil {
		return 0, "", types.Wrap(types.KindIOError, "insert row", err)
	}
	rowID, err := res.LastInsertId()
	if err != nil {
		return 0, "", types.Wrap(types.KindIOError, "read inserted row id", err)
	}

	after, err := readRow(ctx, tx, desc, rowID)
	if err != nil {
		return 0, "", err
	}
	if err := syncSidecars(ctx, tx, desc, rowID, nil, after); err != nil {
		return 0, "", err
	}
	tx.emit(RowEvent{
		Op:           types.OpInsert,
		Table:        desc.Name,
		RowID:        rowID,
		GlobalRowID:  globalID,
		After:        after,
		ChangedNames: changedFromDefault(desc, after),
	})
	return rowID, globalID, nil
}

// changedFromDefault returns the declared scalar columns whose value in
// after differs from that column's zero/default value, used to build
// an insert's changedFields per the audit completeness invariant.
func changedFromDefault(desc *types.TableDescriptor, after map[string]any) []string {
	var names []string
	for _, c := range desc.Columns {
		if c.Kind == types.KindLink || c.Kind == types.KindList {
			continue
		}
		if !valuesEqual(after[c.Name], columnDefault(c)) {
			names = append(names, c.Name)
		}
	}
	return names
}

// changedNames returns the declared scalar columns whose value differs
// between before and after, used to build an update's changedFields.
func changedNames(desc *types.TableDescriptor, before, after map[string]any) []string {
	var names []string
	for _, c := range desc.Columns {
		if c.Kind == types.KindLink || c.Kind == types.KindList {
			continue
		}
		if !valuesEqual(before[c.Name], after[c.Name]) {
			names = append(names, c.Name)
		}
	}
	return names
}

func columnDefault(c types.ColumnDescriptor) any {
	if c.Nullable {
		return nil
	}
	switch c.Kind {
	case types.KindInt:
		return int64(0)
	case types.KindReal:
		return float64(0)
	case types.KindText:
		return ""
	default:
		return nil
	}
}

func valuesEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

// GetColumn reads one typed value. Outside the caller's own open
// transaction it reads through the read replica (or the shared
// connection for in-memory stores), so WAL snapshot reads never block
// the writer.
func (k *Kernel) GetColumn(ctx context.Context, table, column string, rowID int64) (any, error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s = ?", quoteIdent(column), quoteIdent(table), colID)
	var v any
	if err := k.querier().QueryRowContext(ctx, query, rowID).Scan(&v); err != nil {
		if err == sql.ErrNoRows {
			return nil, types.New(types.KindNotFound, "row not found").WithTable(table).WithRow(rowID)
		}
		return nil, types.Wrap(types.KindIOError, "getColumn", err)
	}
	return v, nil
}

// SetColumn writes one typed value and emits a RowEvent on tx.
func (k *Kernel) SetColumn(ctx context.Context, tx *Tx, desc *types.TableDescriptor, rowID int64, column string, value any) error {
	if err := k.checkReentrant(); err != nil {
		return err
	}
	before, err := readRow(ctx, tx, desc, rowID)
	if err != nil {
		return err
	}
	if err := setColumnsTx(ctx, tx, desc, rowID, map[string]any{column: value}); err != nil {
		return err
	}
	after, err := readRow(ctx, tx, desc, rowID)
	if err != nil {
		return err
	}
	if err := syncSidecars(ctx, tx, desc, rowID, before, after); err != nil {
		return err
	}
	tx.emit(RowEvent{
		Op:           types.OpUpdate,
		Table:        desc.Name,
		RowID:        rowID,
		GlobalRowID:  fmt.Sprint(after[colGlobalID]),
		Before:       before,
		After:        after,
		ChangedNames: changedNames(desc, before, after),
	})
	return nil
}

func setColumnsTx(ctx context.Context, tx *Tx, desc *types.TableDescriptor, rowID int64, fields map[string]any) error {
	var sets []string
	var vals []any
	for name, v := range fields {
		if name == colID || name == colGlobalID {
			continue
		}
		if _, ok := desc.Column(name); !ok {
			continue
		}
		sets = append(sets, quoteIdent(name)+" = ?")
		vals = append(vals, v)
	}
	if len(sets) == 0 {
		return nil
	}
	vals = append(vals, rowID)
	query := fmt.Sprintf("UPDATE %s SET %s WHERE %s = ?", quoteIdent(desc.Name), strings.Join(sets, ", "), colID)
	if _, err := tx.sqlTx.ExecContext(ctx, query, vals...); err != nil {
		return types.Wrap(types.KindIOError, "update row", err)
	}
	return nil
}

// DeleteRow removes one row and emits a delete RowEvent (changedFields
// empty; the global id alone identifies the victim).
func DeleteRow(ctx context.Context, tx *Tx, desc *types.TableDescriptor, rowID int64) (bool, error) {
	if err := tx.k.checkReentrant(); err != nil {
		return false, err
	}
	before, err := readRow(ctx, tx, desc, rowID)
	if err != nil {
		if le, ok := err.(*types.LatticeError); ok && le.Kind == types.KindNotFound {
			return false, nil
		}
		return false, err
	}
	query := fmt.Sprintf("DELETE FROM %s WHERE %s = ?", quoteIdent(desc.Name), colID)
	res, err := tx.sqlTx.ExecContext(ctx, query, rowID)
	if err != nil {
		return false, types.Wrap(types.KindIOError, "delete row", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, types.Wrap(types.KindIOError, "read rows affected", err)
	}
	if n == 0 {
		return false, nil
	}

	if err := syncSidecars(ctx, tx, desc, rowID, before, nil); err != nil {
		return false, err
	}

	ownerGlobalID := fmt.Sprint(before[colGlobalID])
	for _, colName := range desc.LinkColumns() {
		col, _ := desc.Column(colName)
		if err := ClearLinks(ctx, tx, desc.Name, col.TargetTable, col.Name, ownerGlobalID); err != nil {
			return false, err
		}
	}

	tx.emit(RowEvent{
		Op:          types.OpDelete,
		Table:       desc.Name,
		RowID:       rowID,
		GlobalRowID: ownerGlobalID,
		Before:      before,
	})
	return true, nil
}

// DeleteWhere deletes every row matching whereSQL/args and emits one
// RowEvent per deleted row, in primary-key order, so observers still see
// a deterministic per-row delete sequence.
func DeleteWhere(ctx context.Context, tx *Tx, desc *types.TableDescriptor, whereSQL string, args []any) (int64, error) {
	if err := tx.k.checkReentrant(); err != nil {
		return 0, err
	}
	selectQuery := fmt.Sprintf("SELECT %s FROM %s", colID, quoteIdent(desc.Name))
	if whereSQL != "" {
		selectQuery += " WHERE " + whereSQL
	}
	selectQuery += " ORDER BY " + colID
	rows, err := tx.sqlTx.QueryContext(ctx, selectQuery, args...)
	if err != nil {
		return 0, types.Wrap(types.KindQueryInvalid, "evaluate deleteWhere predicate", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, types.Wrap(types.KindIOError, "scan deleteWhere candidate", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, types.Wrap(types.KindIOError, "iterate deleteWhere candidates", err)
	}

	var n int64
	for _, id := range ids {
		deleted, err := DeleteRow(ctx, tx, desc, id)
		if err != nil {
			return n, err
		}
		if deleted {
			n++
		}
	}
	return n, nil
}

// Count runs a read-only count against whereSQL/args. It never takes
// the writer lock: counts observe the current WAL snapshot.
func (k *Kernel) Count(ctx context.Context, table, whereSQL string, args []any) (int64, error) {
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s", quoteIdent(table))
	if whereSQL != "" {
		query += " WHERE " + whereSQL
	}
	var n int64
	if err := k.querier().QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, types.Wrap(types.KindQueryInvalid, "count", err)
	}
	return n, nil
}

// Query runs an arbitrary SELECT synthesized by the Query Engine's
// lowering step and returns the raw *sql.Rows for the caller to scan.
// The kernel does not interpret query shape beyond caching its prepared
// statement; predicate/column validation is the Query Engine's job.
func (k *Kernel) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	if k.inOwnTx() {
		rows, err := k.querier().QueryContext(ctx, query, args...)
		if err != nil {
			return nil, types.Wrap(types.KindQueryInvalid, "execute query", err)
		}
		return rows, nil
	}
	stmt, err := k.preparedStmt(ctx, nil, query)
	if err != nil {
		return nil, types.Wrap(types.KindQueryInvalid, "prepare query", err)
	}
	rows, err := stmt.QueryContext(ctx, args...)
	if err != nil {
		return nil, types.Wrap(types.KindQueryInvalid, "execute query", err)
	}
	return rows, nil
}

func readRow(ctx context.Context, tx *Tx, desc *types.TableDescriptor, rowID int64) (map[string]any, error) {
	cols := []string{colID, colGlobalID}
	for _, c := range desc.Columns {
		if c.Kind == types.KindLink || c.Kind == types.KindList {
			continue
		}
		cols = append(cols, c.Name)
	}
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s = ?", strings.Join(quoteIdents(cols), ","), quoteIdent(desc.Name), colID)
	row := tx.sqlTx.QueryRowContext(ctx, query, rowID)

	dest := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range dest {
		ptrs[i] = &dest[i]
	}
	if err := row.Scan(ptrs...); err != nil {
		if err == sql.ErrNoRows {
			return nil, types.New(types.KindNotFound, "row not found").WithTable(desc.Name).WithRow(rowID)
		}
		return nil, types.Wrap(types.KindIOError, "read row", err)
	}

	out := make(map[string]any, len(cols))
	for i, c := range cols {
		out[c] = dest[i]
	}
	return out, nil
}

func findByConstraint(ctx context.Context, tx *Tx, desc *types.TableDescriptor, c types.ConstraintDescriptor, fields map[string]any) (int64, bool, error) {
	var conds []string
	var vals []any
	for _, col := range c.Columns {
		v, present := fields[col]
		if !present {
			return 0, false, nil
		}
		conds = append(conds, quoteIdent(col)+" = ?")
		vals = append(vals, v)
	}
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s", colID, quoteIdent(desc.Name), strings.Join(conds, " AND "))
	var id int64
	err := tx.sqlTx.QueryRowContext(ctx, query, vals...).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, types.Wrap(types.KindIOError, "evaluate unique constraint", err)
	}
	return id, true, nil
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func quoteIdents(names []string) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = quoteIdent(n)
	}
	return out
}

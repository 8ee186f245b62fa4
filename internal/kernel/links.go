package kernel

import (
	"context"
	"fmt"

	"github.com/latticedb/lattice/internal/types"
)

// linkTableName is the physical table backing one link/list column,
// named `_<owner>_<target>_<column>` and keyed by parent/child global
// ids so link rows survive a migration that reassigns local primary
// keys.
func linkTableName(owner, target, column string) string {
	return fmt.Sprintf("_%s_%s_%s", owner, target, column)
}

// LinkTableDDL returns the CREATE TABLE text for a link/list column's
// backing table, called by the Schema Registry's DDL synthesis for
// every declared link column.
func LinkTableDDL(owner, target, column string) string {
	name := linkTableName(owner, target, column)
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	lhs TEXT NOT NULL,
	rhs TEXT NOT NULL,
	"order" INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_%s_lhs ON %s(lhs, "order");
`, quoteIdent(name), name, quoteIdent(name))
}

// AppendLink adds targetGlobalID to the end of ownerGlobalID's ordered
// link list on column.
func AppendLink(ctx context.Context, tx *Tx, owner, target, column, ownerGlobalID, targetGlobalID string) error {
	if err := tx.k.checkReentrant(); err != nil {
		return err
	}
	table := linkTableName(owner, target, column)
	var next int64
	err := tx.sqlTx.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT COALESCE(MAX("order"), -1) + 1 FROM %s WHERE lhs = ?`, quoteIdent(table)),
		ownerGlobalID,
	).Scan(&next)
	if err != nil {
		return types.Wrap(types.KindIOError, "compute link order", err)
	}
	_, err = tx.sqlTx.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (lhs, rhs, "order") VALUES (?, ?, ?)`, quoteIdent(table)),
		ownerGlobalID, targetGlobalID, next,
	)
	if err != nil {
		return types.Wrap(types.KindIOError, "append link", err)
	}
	return nil
}

// RemoveLinkAt removes the link at the given ordinal position, then
// compacts subsequent positions down by one so ordering stays dense.
func RemoveLinkAt(ctx context.Context, tx *Tx, owner, target, column, ownerGlobalID string, index int) error {
	if err := tx.k.checkReentrant(); err != nil {
		return err
	}
	table := linkTableName(owner, target, column)
	res, err := tx.sqlTx.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE lhs = ? AND "order" = ?`, quoteIdent(table)),
		ownerGlobalID, index,
	)
	if err != nil {
		return types.Wrap(types.KindIOError, "remove link", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return types.Wrap(types.KindIOError, "read rows affected", err)
	}
	if n == 0 {
		return types.New(types.KindNotFound, "no link at index").WithColumn(column)
	}
	_, err = tx.sqlTx.ExecContext(ctx,
		fmt.Sprintf(`UPDATE %s SET "order" = "order" - 1 WHERE lhs = ? AND "order" > ?`, quoteIdent(table)),
		ownerGlobalID, index,
	)
	if err != nil {
		return types.Wrap(types.KindIOError, "compact link order", err)
	}
	return nil
}

// LinkAt returns the target global id at the given ordinal position.
func (k *Kernel) LinkAt(ctx context.Context, owner, target, column, ownerGlobalID string, index int) (string, error) {
	table := linkTableName(owner, target, column)
	var rhs string
	err := k.querier().QueryRowContext(ctx,
		fmt.Sprintf(`SELECT rhs FROM %s WHERE lhs = ? AND "order" = ?`, quoteIdent(table)),
		ownerGlobalID, index,
	).Scan(&rhs)
	if err != nil {
		return "", types.New(types.KindNotFound, "no link at index").WithColumn(column)
	}
	return rhs, nil
}

// LinkCount returns the number of targets in ownerGlobalID's link list.
func (k *Kernel) LinkCount(ctx context.Context, owner, target, column, ownerGlobalID string) (int, error) {
	table := linkTableName(owner, target, column)
	var n int
	err := k.querier().QueryRowContext(ctx,
		fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE lhs = ?`, quoteIdent(table)),
		ownerGlobalID,
	).Scan(&n)
	if err != nil {
		return 0, types.Wrap(types.KindIOError, "count links", err)
	}
	return n, nil
}

// FindLinkIndex returns the ordinal position of targetGlobalID within
// ownerGlobalID's link list, or -1 if absent.
func (k *Kernel) FindLinkIndex(ctx context.Context, owner, target, column, ownerGlobalID, targetGlobalID string) (int, error) {
	table := linkTableName(owner, target, column)
	var idx int
	err := k.querier().QueryRowContext(ctx,
		fmt.Sprintf(`SELECT "order" FROM %s WHERE lhs = ? AND rhs = ?`, quoteIdent(table)),
		ownerGlobalID, targetGlobalID,
	).Scan(&idx)
	if err != nil {
		return -1, nil
	}
	return idx, nil
}

// FindLinkIndicesWhere returns the ordinal positions of every target
// satisfying whereSQL/args, evaluated against the target table joined
// through the link table. whereSQL is expressed in terms of the target
// table's columns (aliased "t") and is supplied pre-lowered by the
// Query Engine.
func (k *Kernel) FindLinkIndicesWhere(ctx context.Context, owner, target, column, ownerGlobalID, whereSQL string, args []any) ([]int, error) {
	table := linkTableName(owner, target, column)
	query := fmt.Sprintf(
		`SELECT l."order" FROM %s l JOIN %s t ON t.%s = l.rhs WHERE l.lhs = ?`,
		quoteIdent(table), quoteIdent(target), colGlobalID,
	)
	allArgs := append([]any{ownerGlobalID}, args...)
	if whereSQL != "" {
		query += " AND (" + whereSQL + ")"
	}
	query += ` ORDER BY l."order"`
	rows, err := k.querier().QueryContext(ctx, query, allArgs...)
	if err != nil {
		return nil, types.Wrap(types.KindQueryInvalid, "evaluate link predicate", err)
	}
	defer rows.Close()
	var out []int
	for rows.Next() {
		var idx int
		if err := rows.Scan(&idx); err != nil {
			return nil, types.Wrap(types.KindIOError, "scan link index", err)
		}
		out = append(out, idx)
	}
	return out, rows.Err()
}

// ClearLinks removes every link row owned by ownerGlobalID on column,
// used when the owning row is deleted.
func ClearLinks(ctx context.Context, tx *Tx, owner, target, column, ownerGlobalID string) error {
	table := linkTableName(owner, target, column)
	if _, err := tx.sqlTx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE lhs = ?`, quoteIdent(table)), ownerGlobalID); err != nil {
		return types.Wrap(types.KindIOError, "clear links", err)
	}
	return nil
}

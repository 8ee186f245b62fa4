package kernel

import (
	"context"
	"fmt"

	"github.com/latticedb/lattice/internal/geo"
	"github.com/latticedb/lattice/internal/types"
)

// Sidecar index naming. One physical sidecar per indexed proximity
// column: an R-tree virtual table for geo, an FTS5 virtual table for
// text, a plain blob table for vectors. The Schema Registry's DDL
// synthesis creates them; the mutation paths below keep them in step
// with the base table inside the same transaction.

// RtreeTableName names the R-tree sidecar for one geo column.
func RtreeTableName(table, column string) string {
	return fmt.Sprintf("_%s_%s_rtree", table, column)
}

// FTSTableName names the FTS5 sidecar for one text column.
func FTSTableName(table, column string) string {
	return fmt.Sprintf("_%s_%s_fts", table, column)
}

// ANNTableName names the vector sidecar for one vector column.
func ANNTableName(table, column string) string {
	return fmt.Sprintf("_%s_%s_ann", table, column)
}

// syncSidecars brings every indexed proximity column's sidecar in step
// with one row mutation. before/after are the readRow maps surrounding
// the mutation; either may be nil (insert has no before, delete no
// after). Runs inside the mutating transaction so sidecar durability
// equals data durability.
func syncSidecars(ctx context.Context, tx *Tx, desc *types.TableDescriptor, rowID int64, before, after map[string]any) error {
	for _, c := range desc.Columns {
		if !c.Indexed {
			continue
		}
		switch c.Kind {
		case types.KindGeo:
			if err := syncRtree(ctx, tx, desc.Name, c.Name, rowID, after); err != nil {
				return err
			}
		case types.KindText:
			if err := syncFTS(ctx, tx, desc.Name, c.Name, rowID, before, after); err != nil {
				return err
			}
		case types.KindVector:
			if err := syncANN(ctx, tx, desc.Name, c.Name, rowID, after); err != nil {
				return err
			}
		}
	}
	return nil
}

func syncRtree(ctx context.Context, tx *Tx, table, column string, rowID int64, after map[string]any) error {
	name := quoteIdent(RtreeTableName(table, column))
	if after == nil {
		_, err := tx.sqlTx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = ?", name), rowID)
		if err != nil {
			return types.Wrap(types.KindIOError, "remove rtree cell", err)
		}
		return nil
	}
	blob, _ := after[column].([]byte)
	p, ok := geo.Decode(blob)
	if !ok {
		// Null or unset point: drop any stale cell, index nothing.
		_, err := tx.sqlTx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = ?", name), rowID)
		if err != nil {
			return types.Wrap(types.KindIOError, "remove rtree cell", err)
		}
		return nil
	}
	_, err := tx.sqlTx.ExecContext(ctx,
		fmt.Sprintf("INSERT OR REPLACE INTO %s (id, minX, maxX, minY, maxY) VALUES (?, ?, ?, ?, ?)", name),
		rowID, p.Lon, p.Lon, p.Lat, p.Lat,
	)
	if err != nil {
		return types.Wrap(types.KindIOError, "update rtree cell", err)
	}
	return nil
}

// syncFTS maintains an external-content FTS5 table. External content
// means the sidecar stores only the index; deletes and updates must
// replay the old text through the special 'delete' command before the
// new text is indexed.
func syncFTS(ctx context.Context, tx *Tx, table, column string, rowID int64, before, after map[string]any) error {
	name := quoteIdent(FTSTableName(table, column))
	if before != nil {
		old, _ := before[column].(string)
		_, err := tx.sqlTx.ExecContext(ctx,
			fmt.Sprintf("INSERT INTO %s(%s, rowid, %s) VALUES ('delete', ?, ?)", name, name, quoteIdent(column)),
			rowID, old,
		)
		if err != nil {
			return types.Wrap(types.KindIOError, "remove fts entry", err)
		}
	}
	if after != nil {
		text, _ := after[column].(string)
		_, err := tx.sqlTx.ExecContext(ctx,
			fmt.Sprintf("INSERT INTO %s(rowid, %s) VALUES (?, ?)", name, quoteIdent(column)),
			rowID, text,
		)
		if err != nil {
			return types.Wrap(types.KindIOError, "add fts entry", err)
		}
	}
	return nil
}

func syncANN(ctx context.Context, tx *Tx, table, column string, rowID int64, after map[string]any) error {
	name := quoteIdent(ANNTableName(table, column))
	if after == nil {
		_, err := tx.sqlTx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = ?", name), rowID)
		if err != nil {
			return types.Wrap(types.KindIOError, "remove ann entry", err)
		}
		return nil
	}
	blob, _ := after[column].([]byte)
	if len(blob) == 0 {
		_, err := tx.sqlTx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = ?", name), rowID)
		if err != nil {
			return types.Wrap(types.KindIOError, "remove ann entry", err)
		}
		return nil
	}
	_, err := tx.sqlTx.ExecContext(ctx,
		fmt.Sprintf("INSERT OR REPLACE INTO %s (id, vector) VALUES (?, ?)", name),
		rowID, blob,
	)
	if err != nil {
		return types.Wrap(types.KindIOError, "update ann entry", err)
	}
	return nil
}

// RebuildSidecars drops and repopulates every proximity sidecar for
// desc from the base table's current contents, used by the Migration
// Engine after a shadow-table rewrite.
func RebuildSidecars(ctx context.Context, tx *Tx, desc *types.TableDescriptor) error {
	for _, c := range desc.Columns {
		if !c.Indexed {
			continue
		}
		switch c.Kind {
		case types.KindGeo, types.KindText, types.KindVector:
		default:
			continue
		}

		cols := fmt.Sprintf("SELECT %s, %s FROM %s", colID, quoteIdent(c.Name), quoteIdent(desc.Name))
		rows, err := tx.sqlTx.QueryContext(ctx, cols)
		if err != nil {
			return types.Wrap(types.KindMigrationFailed, "scan table for sidecar rebuild", err)
		}
		type cell struct {
			id int64
			v  any
		}
		var cells []cell
		for rows.Next() {
			var id int64
			var v any
			if err := rows.Scan(&id, &v); err != nil {
				rows.Close()
				return types.Wrap(types.KindMigrationFailed, "scan sidecar rebuild row", err)
			}
			cells = append(cells, cell{id, v})
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return types.Wrap(types.KindMigrationFailed, "iterate sidecar rebuild rows", err)
		}

		for _, cl := range cells {
			after := map[string]any{c.Name: cl.v}
			var err error
			switch c.Kind {
			case types.KindGeo:
				err = syncRtree(ctx, tx, desc.Name, c.Name, cl.id, after)
			case types.KindText:
				err = syncFTS(ctx, tx, desc.Name, c.Name, cl.id, nil, after)
			case types.KindVector:
				err = syncANN(ctx, tx, desc.Name, c.Name, cl.id, after)
			}
			if err != nil {
				return err
			}
		}
	}
	return nil
}

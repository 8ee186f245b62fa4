package kernel

import "github.com/latticedb/lattice/internal/types"

// reservedSchema creates the metadata tables every Lattice store
// carries regardless of the application's declared schema. Raw SQL,
// `IF NOT EXISTS` throughout.
const reservedSchema = `
CREATE TABLE IF NOT EXISTS _lattice_schema (
	"table" TEXT PRIMARY KEY,
	descriptor BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS _lattice_audit (
	sequenceId INTEGER PRIMARY KEY AUTOINCREMENT,
	globalId TEXT UNIQUE NOT NULL,
	"table" TEXT NOT NULL,
	op TEXT NOT NULL,
	rowId INTEGER NOT NULL,
	globalRowId TEXT NOT NULL,
	changedFields TEXT NOT NULL DEFAULT '{}',
	changedFieldsNames TEXT NOT NULL DEFAULT '[]',
	timestamp INTEGER NOT NULL,
	isFromRemote INTEGER NOT NULL DEFAULT 0,
	isSynchronized INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_lattice_audit_table ON _lattice_audit("table", sequenceId);
CREATE INDEX IF NOT EXISTS idx_lattice_audit_row ON _lattice_audit("table", rowId);
`

func (k *Kernel) applyReservedSchema() error {
	if _, err := k.db.Exec(reservedSchema); err != nil {
		return types.Wrap(types.KindOpenFailed, "apply reserved schema", err)
	}
	return nil
}

// ApplyDDL executes DDL text synthesized by the Schema Registry. The
// registry decides what DDL to run; the kernel runs it.
func (k *Kernel) ApplyDDL(ddl string) error {
	if _, err := k.db.Exec(ddl); err != nil {
		return types.Wrap(types.KindSchemaConflict, "apply DDL", err)
	}
	return nil
}

// ApplyDDLTx is the same as ApplyDDL but runs within an existing
// transaction, used by the Migration Engine's shadow-table rewrite.
func (k *Kernel) ApplyDDLTx(tx *Tx, ddl string) error {
	if _, err := tx.sqlTx.Exec(ddl); err != nil {
		return types.Wrap(types.KindMigrationFailed, "apply DDL in migration transaction", err)
	}
	return nil
}

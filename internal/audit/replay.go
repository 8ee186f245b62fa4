package audit

import (
	"context"
	"database/sql"
	"strings"

	"github.com/latticedb/lattice/internal/kernel"
	"github.com/latticedb/lattice/internal/registry"
	"github.com/latticedb/lattice/internal/types"
)

// RemoteEntry is the wire shape of one entry inside an
// `{kind:"auditLog", entries:[...]}` applyRemote payload.
type RemoteEntry struct {
	GlobalID      string                 `json:"globalId"`
	Table         string                 `json:"table"`
	Op            types.Op               `json:"op"`
	RowID         int64                  `json:"rowId"`
	GlobalRowID   string                 `json:"globalRowId"`
	ChangedFields map[string]TaggedValue `json:"changedFields"`
	Timestamp     int64                  `json:"timestamp"`
}

// Publisher receives each applied remote entry's row events and the
// audit entries durably written for them, after that entry's commit.
// The Store wires the Observation Bus here so remote mutations fan out
// to observers exactly like local ones.
type Publisher func(events []kernel.RowEvent, entries []Entry)

// ApplyRemote applies a batch of remote audit entries, used by the
// sync collaborator. Each entry is wrapped in its own kernel
// transaction with isFromRemote=true. Conflicts are resolved by
// lastWriteWins on timestamp, tie-broken on globalId (lexicographic).
// ApplyRemote is idempotent: an entry whose globalId already exists in
// _lattice_audit is a no-op. Returns the globalIds of entries it
// actually applied, acknowledged back to the sync server.
func (l *Log) ApplyRemote(ctx context.Context, reg *registry.Registry, entries []RemoteEntry, publish Publisher) ([]string, error) {
	var acked []string
	for _, re := range entries {
		applied, err := l.applyOne(ctx, reg, re, publish)
		if err != nil {
			return acked, err
		}
		if applied {
			acked = append(acked, re.GlobalID)
		}
	}
	return acked, nil
}

func (l *Log) applyOne(ctx context.Context, reg *registry.Registry, re RemoteEntry, publish Publisher) (bool, error) {
	var exists int
	err := l.k.DB().QueryRowContext(ctx, `SELECT 1 FROM _lattice_audit WHERE globalId = ?`, re.GlobalID).Scan(&exists)
	if err == nil {
		return false, nil // already applied; idempotent no-op
	}
	if err != sql.ErrNoRows {
		return false, types.Wrap(types.KindIOError, "check remote entry idempotence", err)
	}

	desc, ok := reg.Table(re.Table)
	if !ok {
		return false, types.New(types.KindQueryInvalid, "unknown table in remote entry").WithTable(re.Table)
	}

	// Resolve the local row and its last-write timestamp before taking
	// the writer slot: on an in-memory store these shared-connection
	// reads cannot run while a transaction holds the only connection.
	rowID, lookErr := l.localRowID(ctx, desc.Name, re.GlobalRowID)
	var localTS tsAndID
	var haveLocalTS bool
	if lookErr == nil && re.Op != types.OpDelete {
		ts, tsErr := l.lastTimestamp(ctx, desc.Name, rowID)
		if tsErr == nil {
			localTS = ts
			haveLocalTS = true
		}
	}

	tx, err := l.k.BeginTransaction(ctx)
	if err != nil {
		return false, err
	}
	tx.MarkRemote()

	switch re.Op {
	case types.OpDelete:
		if lookErr == nil {
			if _, err := kernel.DeleteRow(ctx, tx, desc, rowID); err != nil {
				_ = tx.Rollback()
				return false, err
			}
		}
	default: // insert or update: last-write-wins against the local row's current state
		fields := map[string]any{"globalId": re.GlobalRowID}
		for name, tv := range re.ChangedFields {
			fields[name] = untag(tv)
		}
		if lookErr != nil {
			if _, _, err := kernel.InsertRow(ctx, tx, desc, fields); err != nil {
				_ = tx.Rollback()
				return false, err
			}
		} else {
			if haveLocalTS && !remoteWins(re.Timestamp, re.GlobalID, localTS.ts, localTS.id) {
				_ = tx.Rollback()
				return false, nil
			}
			for name, v := range fields {
				if name == "globalId" {
					continue
				}
				if err := l.k.SetColumn(ctx, tx, desc, rowID, name, v); err != nil {
					_ = tx.Rollback()
					return false, err
				}
			}
		}
	}

	events, err := tx.Commit(ctx)
	if err != nil {
		return false, err
	}
	if publish != nil {
		written, _ := tx.SinkResult().([]Entry)
		publish(events, written)
	}
	return true, nil
}

func untag(tv TaggedValue) any {
	switch tv.Kind {
	case "null":
		return nil
	default:
		return tv.Value
	}
}

type tsAndID struct {
	ts int64
	id string
}

func (l *Log) lastTimestamp(ctx context.Context, table string, rowID int64) (tsAndID, error) {
	var ts int64
	var id string
	err := l.k.DB().QueryRowContext(ctx,
		`SELECT timestamp, globalId FROM _lattice_audit WHERE "table" = ? AND rowId = ? ORDER BY sequenceId DESC LIMIT 1`,
		table, rowID,
	).Scan(&ts, &id)
	if err != nil {
		return tsAndID{}, err
	}
	return tsAndID{ts: ts, id: id}, nil
}

func (l *Log) localRowID(ctx context.Context, table, globalRowID string) (int64, error) {
	var id int64
	err := l.k.DB().QueryRowContext(ctx, `SELECT id FROM `+quoteIdent(table)+` WHERE globalId = ?`, globalRowID).Scan(&id)
	return id, err
}

// remoteWins implements lastWriteWins on timestamp with a
// lexicographic tie-break on globalId.
func remoteWins(remoteTS int64, remoteID string, localTS int64, localID string) bool {
	if remoteTS != localTS {
		return remoteTS > localTS
	}
	return remoteID > localID
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

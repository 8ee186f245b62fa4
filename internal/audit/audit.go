// Package audit is the Change Log & Audit Stream: it turns the Storage
// Kernel's per-commit row events into durable, replayable AuditEntry
// records and implements the applyRemote/eventsAfter sync boundary.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/latticedb/lattice/internal/kernel"
	"github.com/latticedb/lattice/internal/types"
)

// Entry is the in-memory shape of one audit record, mirroring the
// on-disk _lattice_audit row and its JSON wire format.
type Entry struct {
	SequenceID         int64                  `json:"sequenceId"`
	GlobalID           string                 `json:"globalId"`
	Table              string                 `json:"table"`
	Op                 types.Op               `json:"op"`
	RowID              int64                  `json:"rowId"`
	GlobalRowID        string                 `json:"globalRowId"`
	ChangedFields      map[string]TaggedValue `json:"changedFields"`
	ChangedFieldsNames []string               `json:"changedFieldsNames"`
	Timestamp          int64                  `json:"timestamp"`
	IsFromRemote       bool                   `json:"isFromRemote"`
	IsSynchronized     bool                   `json:"isSynchronized"`
}

// TaggedValue is a changedFields value, carried on the wire as the
// tagged union `{kind: "int"|"string"|"date"|"null", value: ...}`.
type TaggedValue struct {
	Kind  string `json:"kind"`
	Value any    `json:"value"`
}

func tag(v any) TaggedValue {
	switch x := v.(type) {
	case nil:
		return TaggedValue{Kind: "null"}
	case int64, int, float64:
		return TaggedValue{Kind: "int", Value: x}
	case time.Time:
		return TaggedValue{Kind: "date", Value: x.UTC().Format(time.RFC3339Nano)}
	case string:
		return TaggedValue{Kind: "string", Value: x}
	default:
		return TaggedValue{Kind: "string", Value: fmt.Sprint(x)}
	}
}

// Log is the Change Log: it durably appends every committed mutation's
// audit entries inside the same transaction as the data they describe,
// via the kernel.Sink hook, and answers replay/sync queries afterward.
type Log struct {
	k *kernel.Kernel
}

// New installs l as the kernel's sink. Call once per open store.
func New(k *kernel.Kernel) *Log {
	l := &Log{k: k}
	k.SetSink(l)
	return l
}

// Collect implements kernel.Sink. It normalizes each RowEvent into one
// AuditEntry, appends it to _lattice_audit within tx (so audit
// durability equals data durability), and returns the sequenced
// entries for the caller to publish to the Observation Bus once the
// surrounding commit has returned.
func (l *Log) Collect(ctx context.Context, tx *kernel.Tx, events []kernel.RowEvent) (any, error) {
	now := time.Now().UTC().UnixMilli()
	entries := make([]Entry, 0, len(events))
	for _, ev := range events {
		changed := make(map[string]TaggedValue, len(ev.ChangedNames))
		for _, name := range ev.ChangedNames {
			changed[name] = tag(ev.After[name])
		}
		changedJSON, err := json.Marshal(changed)
		if err != nil {
			return nil, types.Wrap(types.KindIOError, "encode changedFields", err)
		}
		namesJSON, err := json.Marshal(ev.ChangedNames)
		if err != nil {
			return nil, types.Wrap(types.KindIOError, "encode changedFieldsNames", err)
		}

		globalID := uuid.NewString()
		res, err := tx.Exec(ctx, `INSERT INTO _lattice_audit
			(globalId, "table", op, rowId, globalRowId, changedFields, changedFieldsNames, timestamp, isFromRemote, isSynchronized)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`,
			globalID, ev.Table, string(ev.Op), ev.RowID, ev.GlobalRowID, string(changedJSON), string(namesJSON), now, boolToInt(ev.IsFromRemote),
		)
		if err != nil {
			return nil, types.Wrap(types.KindIOError, "append audit entry", err)
		}
		seq, err := res.LastInsertId()
		if err != nil {
			return nil, types.Wrap(types.KindIOError, "read audit sequence id", err)
		}

		entries = append(entries, Entry{
			SequenceID:         seq,
			GlobalID:           globalID,
			Table:              ev.Table,
			Op:                 ev.Op,
			RowID:              ev.RowID,
			GlobalRowID:        ev.GlobalRowID,
			ChangedFields:      changed,
			ChangedFieldsNames: ev.ChangedNames,
			Timestamp:          now,
			IsFromRemote:       ev.IsFromRemote,
		})
	}
	return entries, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// EventsAfter returns entries strictly after globalID's sequence id, or
// every entry if globalID is empty. It is the sync collaborator's
// resume entry point.
func (l *Log) EventsAfter(ctx context.Context, globalID string) ([]Entry, error) {
	var afterSeq int64
	if globalID != "" {
		err := l.k.DB().QueryRowContext(ctx, `SELECT sequenceId FROM _lattice_audit WHERE globalId = ?`, globalID).Scan(&afterSeq)
		if err == sql.ErrNoRows {
			return nil, types.New(types.KindNotFound, "audit entry not found").WithColumn("globalId")
		}
		if err != nil {
			return nil, types.Wrap(types.KindIOError, "look up audit entry", err)
		}
	}

	rows, err := l.k.DB().QueryContext(ctx, `SELECT sequenceId, globalId, "table", op, rowId, globalRowId,
		changedFields, changedFieldsNames, timestamp, isFromRemote, isSynchronized
		FROM _lattice_audit WHERE sequenceId > ? ORDER BY sequenceId`, afterSeq)
	if err != nil {
		return nil, types.Wrap(types.KindIOError, "query audit log", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanEntry(rows *sql.Rows) (Entry, error) {
	var e Entry
	var op string
	var changedJSON, namesJSON string
	var isFromRemote, isSynchronized int
	if err := rows.Scan(&e.SequenceID, &e.GlobalID, &e.Table, &op, &e.RowID, &e.GlobalRowID,
		&changedJSON, &namesJSON, &e.Timestamp, &isFromRemote, &isSynchronized); err != nil {
		return e, types.Wrap(types.KindIOError, "scan audit entry", err)
	}
	e.Op = types.Op(op)
	e.IsFromRemote = isFromRemote != 0
	e.IsSynchronized = isSynchronized != 0
	if err := json.Unmarshal([]byte(changedJSON), &e.ChangedFields); err != nil {
		return e, types.Wrap(types.KindIOError, "decode changedFields", err)
	}
	if err := json.Unmarshal([]byte(namesJSON), &e.ChangedFieldsNames); err != nil {
		return e, types.Wrap(types.KindIOError, "decode changedFieldsNames", err)
	}
	return e, nil
}

// MarkSynchronized flips isSynchronized=true for the given audit
// globalIds, the `{kind:"ack", ids:[...]}` branch of applyRemote.
func (l *Log) MarkSynchronized(ctx context.Context, globalIDs []string) error {
	for _, id := range globalIDs {
		if _, err := l.k.DB().ExecContext(ctx, `UPDATE _lattice_audit SET isSynchronized = 1 WHERE globalId = ?`, id); err != nil {
			return types.Wrap(types.KindIOError, "mark audit entry synchronized", err)
		}
	}
	return nil
}

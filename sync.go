package lattice

import (
	"context"
	"encoding/json"

	"github.com/latticedb/lattice/internal/audit"
	"github.com/latticedb/lattice/internal/kernel"
	"github.com/latticedb/lattice/internal/types"
)

// remotePayload is the server-sent sync envelope: either a batch of
// audit entries to apply or a batch of acknowledgement ids to mark
// synchronized.
type remotePayload struct {
	Kind    string              `json:"kind"`
	Entries []audit.RemoteEntry `json:"entries,omitempty"`
	IDs     []string            `json:"ids,omitempty"`
}

// ApplyRemote decodes one server-sent payload and applies it:
// `{kind:"auditLog", entries:[...]}` replays the entries (idempotently,
// last-write-wins), `{kind:"ack", ids:[...]}` marks those audit rows
// synchronized. Returns the globalIds acknowledged back to the caller.
// Applied entries fan out to observers exactly like local commits.
func (s *Store) ApplyRemote(ctx context.Context, payload []byte) ([]string, error) {
	var p remotePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, types.Wrap(types.KindIOError, "decode remote payload", err)
	}
	switch p.Kind {
	case "auditLog":
		return s.log.ApplyRemote(ctx, s.reg, p.Entries, func(events []kernel.RowEvent, entries []audit.Entry) {
			s.publish(events, entries)
		})
	case "ack":
		if err := s.log.MarkSynchronized(ctx, p.IDs); err != nil {
			return nil, err
		}
		return p.IDs, nil
	default:
		return nil, types.New(types.KindIOError, "unknown remote payload kind")
	}
}

// ApplyRemoteEntries applies a pre-decoded batch of audit entries, the
// typed form of ApplyRemote's auditLog branch.
func (s *Store) ApplyRemoteEntries(ctx context.Context, entries []RemoteEntry) ([]string, error) {
	return s.log.ApplyRemote(ctx, s.reg, entries, func(events []kernel.RowEvent, written []audit.Entry) {
		s.publish(events, written)
	})
}

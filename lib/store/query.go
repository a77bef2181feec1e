// Copyright 2026 The Weave Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"fmt"
	"strings"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/weave-foundation/weave/lib/codec"
	"github.com/weave-foundation/weave/lib/hash"
	"github.com/weave-foundation/weave/lib/op"
	"github.com/weave-foundation/weave/lib/record"
)

// HeadInfo describes the tip of a chain held in this store.
type HeadInfo struct {
	Hash      hash.Hash
	Seq       uint32
	Timestamp int64
}

// Link is one live edge in the link index.
type Link struct {
	CreateAction hash.Hash
	Base         hash.Hash
	Target       hash.Hash
	ZomeIndex    uint8
	LinkType     uint8
	Tag          []byte
	Timestamp    int64
}

// StoredOp is an op row with its bookkeeping.
type StoredOp struct {
	Hash            hash.Hash
	Op              op.Op
	Basis           hash.Hash
	Stage           op.Stage
	Attempts        int
	LastError       string
	AuthoredTS      int64
	IntegratedTS    int64
	WithholdPublish bool
	RetryAfter      int64
}

// ScheduleKind selects how a scheduled function computes its next
// due time.
type ScheduleKind string

const (
	ScheduleInterval ScheduleKind = "interval"
	ScheduleCron     ScheduleKind = "cron"
)

// ScheduledFn is one persisted schedule row.
type ScheduledFn struct {
	Zome   string
	Fn     string
	Kind   ScheduleKind
	Expr   string
	NextAt int64
}

// Lock is a countersigning chain lock.
type Lock struct {
	Session   hash.Hash
	ExpiresAt int64
}

// ChainFilter narrows a chain query. Zero values mean "no bound".
type ChainFilter struct {
	// FromSeq and ToSeq bound the sequence range, inclusive. ToSeq
	// zero means unbounded when FromSeq is also zero or the range is
	// open-ended; use ToSeqSet to bound at zero explicitly.
	FromSeq  uint32
	ToSeq    uint32
	ToSeqSet bool

	// Types restricts to the named action types.
	Types []record.ActionType

	// EntryHash restricts to actions declaring the given entry.
	EntryHash hash.Hash
}

func columnBytes(stmt *sqlite.Stmt, col int) []byte {
	n := stmt.ColumnLen(col)
	if n == 0 {
		return nil
	}
	buf := make([]byte, n)
	stmt.ColumnBytes(col, buf)
	return buf
}

func columnHash(stmt *sqlite.Stmt, col int) (hash.Hash, error) {
	return hash.FromBytes(columnBytes(stmt, col))
}

func decodeSignedAction(blob []byte) (record.SignedAction, error) {
	var signed record.SignedAction
	if err := codec.Unmarshal(blob, &signed); err != nil {
		return record.SignedAction{}, fmt.Errorf("store: decoding signed action: %w", err)
	}
	return signed, nil
}

func decodeEntry(blob []byte) (*record.Entry, error) {
	var entry record.Entry
	if err := codec.Unmarshal(blob, &entry); err != nil {
		return nil, fmt.Errorf("store: decoding entry: %w", err)
	}
	return &entry, nil
}

// Head returns the highest-sequence action for the author held here.
func (s *Store) Head(ctx context.Context, author hash.Hash) (HeadInfo, bool, error) {
	var head HeadInfo
	found := false
	err := s.read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `
			SELECT hash, seq, timestamp FROM action
			WHERE author = ? ORDER BY seq DESC LIMIT 1`,
			&sqlitex.ExecOptions{
				Args: []any{hashArg(author)},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					h, err := columnHash(stmt, 0)
					if err != nil {
						return err
					}
					head = HeadInfo{Hash: h, Seq: uint32(stmt.ColumnInt64(1)), Timestamp: stmt.ColumnInt64(2)}
					found = true
					return nil
				},
			})
	})
	if err != nil {
		return HeadInfo{}, false, fmt.Errorf("store: reading head: %w", err)
	}
	return head, found, nil
}

// Action returns the signed action stored under the hash.
func (s *Store) Action(ctx context.Context, actionHash hash.Hash) (record.SignedAction, bool, error) {
	var signed record.SignedAction
	found := false
	err := s.read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `SELECT blob FROM action WHERE hash = ?`,
			&sqlitex.ExecOptions{
				Args: []any{hashArg(actionHash)},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					decoded, err := decodeSignedAction(columnBytes(stmt, 0))
					if err != nil {
						return err
					}
					signed = decoded
					found = true
					return nil
				},
			})
	})
	if err != nil {
		return record.SignedAction{}, false, err
	}
	return signed, found, nil
}

// Entry returns the entry stored under the hash.
func (s *Store) Entry(ctx context.Context, entryHash hash.Hash) (*record.Entry, bool, error) {
	var entry *record.Entry
	err := s.read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `SELECT blob FROM entry WHERE hash = ?`,
			&sqlitex.ExecOptions{
				Args: []any{hashArg(entryHash)},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					decoded, err := decodeEntry(columnBytes(stmt, 0))
					if err != nil {
						return err
					}
					entry = decoded
					return nil
				},
			})
	})
	if err != nil {
		return nil, false, err
	}
	return entry, entry != nil, nil
}

// EntryVisibility returns the stored visibility of an entry without
// decoding its blob.
func (s *Store) EntryVisibility(ctx context.Context, entryHash hash.Hash) (record.Visibility, bool, error) {
	var visibility record.Visibility
	found := false
	err := s.read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `SELECT visibility FROM entry WHERE hash = ?`,
			&sqlitex.ExecOptions{
				Args: []any{hashArg(entryHash)},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					visibility = record.Visibility(stmt.ColumnText(0))
					found = true
					return nil
				},
			})
	})
	if err != nil {
		return "", false, err
	}
	return visibility, found, nil
}

// Record returns the record stored under the action hash, joining its
// entry when one is held.
func (s *Store) Record(ctx context.Context, actionHash hash.Hash) (record.Record, bool, error) {
	var rec record.Record
	found := false
	err := s.read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `
			SELECT a.blob, e.blob FROM action a
			LEFT JOIN entry e ON e.hash = a.entry_hash
			WHERE a.hash = ?`,
			&sqlitex.ExecOptions{
				Args: []any{hashArg(actionHash)},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					signed, err := decodeSignedAction(columnBytes(stmt, 0))
					if err != nil {
						return err
					}
					rec = record.Record{SignedAction: signed}
					if blob := columnBytes(stmt, 1); blob != nil {
						entry, err := decodeEntry(blob)
						if err != nil {
							return err
						}
						rec.Entry = entry
					}
					found = true
					return nil
				},
			})
	})
	if err != nil {
		return record.Record{}, false, err
	}
	return rec, found, nil
}

// RecordsByEntry returns every record held here whose action declares
// the given entry (the creates and updates that produced it).
func (s *Store) RecordsByEntry(ctx context.Context, entryHash hash.Hash) ([]record.Record, error) {
	var records []record.Record
	err := s.read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `
			SELECT a.blob, e.blob FROM action a
			LEFT JOIN entry e ON e.hash = a.entry_hash
			WHERE a.entry_hash = ? ORDER BY a.timestamp`,
			&sqlitex.ExecOptions{
				Args: []any{hashArg(entryHash)},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					signed, err := decodeSignedAction(columnBytes(stmt, 0))
					if err != nil {
						return err
					}
					rec := record.Record{SignedAction: signed}
					if blob := columnBytes(stmt, 1); blob != nil {
						entry, err := decodeEntry(blob)
						if err != nil {
							return err
						}
						rec.Entry = entry
					}
					records = append(records, rec)
					return nil
				},
			})
	})
	return records, err
}

// QueryChain returns the author's records matching the filter, in
// sequence order.
func (s *Store) QueryChain(ctx context.Context, author hash.Hash, filter ChainFilter) ([]record.Record, error) {
	var sb strings.Builder
	sb.WriteString(`
		SELECT a.blob, e.blob FROM action a
		LEFT JOIN entry e ON e.hash = a.entry_hash
		WHERE a.author = ?`)
	args := []any{hashArg(author)}

	if filter.FromSeq > 0 {
		sb.WriteString(" AND a.seq >= ?")
		args = append(args, int64(filter.FromSeq))
	}
	if filter.ToSeqSet {
		sb.WriteString(" AND a.seq <= ?")
		args = append(args, int64(filter.ToSeq))
	}
	if len(filter.Types) > 0 {
		sb.WriteString(" AND a.type IN (")
		for i, t := range filter.Types {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString("?")
			args = append(args, string(t))
		}
		sb.WriteString(")")
	}
	if !filter.EntryHash.IsZero() {
		sb.WriteString(" AND a.entry_hash = ?")
		args = append(args, hashArg(filter.EntryHash))
	}
	sb.WriteString(" ORDER BY a.seq")

	var records []record.Record
	err := s.read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, sb.String(), &sqlitex.ExecOptions{
			Args: args,
			ResultFunc: func(stmt *sqlite.Stmt) error {
				signed, err := decodeSignedAction(columnBytes(stmt, 0))
				if err != nil {
					return err
				}
				rec := record.Record{SignedAction: signed}
				if blob := columnBytes(stmt, 1); blob != nil {
					entry, err := decodeEntry(blob)
					if err != nil {
						return err
					}
					rec.Entry = entry
				}
				records = append(records, rec)
				return nil
			},
		})
	})
	return records, err
}

// RecordsWithoutOps returns records whose actions have no projected
// ops yet. The produce-ops workflow drains this set after every
// journal commit.
func (s *Store) RecordsWithoutOps(ctx context.Context, limit int) ([]record.Record, error) {
	var records []record.Record
	err := s.read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `
			SELECT a.blob, e.blob FROM action a
			LEFT JOIN entry e ON e.hash = a.entry_hash
			WHERE NOT EXISTS (SELECT 1 FROM dht_op WHERE dht_op.action_hash = a.hash)
			ORDER BY a.seq LIMIT ?`,
			&sqlitex.ExecOptions{
				Args: []any{limit},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					signed, err := decodeSignedAction(columnBytes(stmt, 0))
					if err != nil {
						return err
					}
					rec := record.Record{SignedAction: signed}
					if blob := columnBytes(stmt, 1); blob != nil {
						entry, err := decodeEntry(blob)
						if err != nil {
							return err
						}
						rec.Entry = entry
					}
					records = append(records, rec)
					return nil
				},
			})
	})
	return records, err
}

// Links returns the live links at a base: link rows without a
// tombstone referencing their create action.
func (s *Store) Links(ctx context.Context, base hash.Hash) ([]Link, error) {
	var links []Link
	err := s.read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `
			SELECT create_action, base, target, zome_index, link_type, tag, timestamp
			FROM link
			WHERE base = ? AND NOT EXISTS (
				SELECT 1 FROM link_delete WHERE link_delete.create_action = link.create_action)
			ORDER BY timestamp`,
			&sqlitex.ExecOptions{
				Args: []any{hashArg(base)},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					createAction, err := columnHash(stmt, 0)
					if err != nil {
						return err
					}
					linkBase, err := columnHash(stmt, 1)
					if err != nil {
						return err
					}
					target, err := columnHash(stmt, 2)
					if err != nil {
						return err
					}
					links = append(links, Link{
						CreateAction: createAction,
						Base:         linkBase,
						Target:       target,
						ZomeIndex:    uint8(stmt.ColumnInt64(3)),
						LinkType:     uint8(stmt.ColumnInt64(4)),
						Tag:          columnBytes(stmt, 5),
						Timestamp:    stmt.ColumnInt64(6),
					})
					return nil
				},
			})
	})
	return links, err
}

// UpdatesOn returns the update actions integrated against a basis
// (an original entry or action hash).
func (s *Store) UpdatesOn(ctx context.Context, basis hash.Hash) ([]hash.Hash, error) {
	return s.markerColumn(ctx, `SELECT update_action FROM update_marker WHERE basis = ?`, basis)
}

// DeletesOn returns the delete actions integrated against a basis.
func (s *Store) DeletesOn(ctx context.Context, basis hash.Hash) ([]hash.Hash, error) {
	return s.markerColumn(ctx, `SELECT delete_action FROM delete_marker WHERE basis = ?`, basis)
}

func (s *Store) markerColumn(ctx context.Context, query string, basis hash.Hash) ([]hash.Hash, error) {
	var hashes []hash.Hash
	err := s.read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
			Args: []any{hashArg(basis)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				h, err := columnHash(stmt, 0)
				if err != nil {
					return err
				}
				hashes = append(hashes, h)
				return nil
			},
		})
	})
	return hashes, err
}

func scanStoredOp(stmt *sqlite.Stmt) (StoredOp, error) {
	opHash, err := columnHash(stmt, 0)
	if err != nil {
		return StoredOp{}, err
	}
	basis, err := columnHash(stmt, 1)
	if err != nil {
		return StoredOp{}, err
	}
	var decoded op.Op
	if err := codec.Unmarshal(columnBytes(stmt, 7), &decoded); err != nil {
		return StoredOp{}, fmt.Errorf("store: decoding op: %w", err)
	}
	return StoredOp{
		Hash:            opHash,
		Basis:           basis,
		Stage:           op.Stage(stmt.ColumnText(2)),
		Attempts:        int(stmt.ColumnInt64(3)),
		LastError:       stmt.ColumnText(4),
		AuthoredTS:      stmt.ColumnInt64(5),
		IntegratedTS:    stmt.ColumnInt64(6),
		Op:              decoded,
		WithholdPublish: stmt.ColumnInt64(8) != 0,
		RetryAfter:      stmt.ColumnInt64(9),
	}, nil
}

const storedOpColumns = `hash, basis, stage, attempts, last_error, authored_ts,
	COALESCE(integrated_ts, 0), blob, withhold_publish, retry_after`

// OpsInStage returns up to limit ops at the given stage whose retry
// horizon has passed as of the given time, oldest authored first.
func (s *Store) OpsInStage(ctx context.Context, stage op.Stage, asOf int64, limit int) ([]StoredOp, error) {
	var ops []StoredOp
	err := s.read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `
			SELECT `+storedOpColumns+` FROM dht_op
			WHERE stage = ? AND retry_after <= ? ORDER BY authored_ts LIMIT ?`,
			&sqlitex.ExecOptions{
				Args: []any{string(stage), asOf, limit},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					stored, err := scanStoredOp(stmt)
					if err != nil {
						return err
					}
					ops = append(ops, stored)
					return nil
				},
			})
	})
	return ops, err
}

// Op returns the stored op row for a hash.
func (s *Store) Op(ctx context.Context, opHash hash.Hash) (StoredOp, bool, error) {
	var stored StoredOp
	found := false
	err := s.read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `
			SELECT `+storedOpColumns+` FROM dht_op WHERE hash = ?`,
			&sqlitex.ExecOptions{
				Args: []any{hashArg(opHash)},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					var err error
					stored, err = scanStoredOp(stmt)
					found = err == nil
					return err
				},
			})
	})
	if err != nil {
		return StoredOp{}, false, err
	}
	return stored, found, nil
}

// IntegratedOpsByBasis returns the integrated ops this agent serves
// for a basis address.
func (s *Store) IntegratedOpsByBasis(ctx context.Context, basis hash.Hash) ([]StoredOp, error) {
	var ops []StoredOp
	err := s.read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `
			SELECT `+storedOpColumns+` FROM dht_op
			WHERE basis = ? AND stage = ? ORDER BY authored_ts`,
			&sqlitex.ExecOptions{
				Args: []any{hashArg(basis), string(op.Integrated)},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					stored, err := scanStoredOp(stmt)
					if err != nil {
						return err
					}
					ops = append(ops, stored)
					return nil
				},
			})
	})
	return ops, err
}

// OpsNeedingPublish returns authored ops that are clear to publish
// and still short of the receipt coverage target.
func (s *Store) OpsNeedingPublish(ctx context.Context, receiptTarget, limit int) ([]StoredOp, error) {
	var ops []StoredOp
	err := s.read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `
			SELECT `+storedOpColumns+` FROM dht_op
			WHERE withhold_publish = 0
			  AND (SELECT COUNT(*) FROM validation_receipt r WHERE r.op_hash = dht_op.hash) < ?
			ORDER BY authored_ts LIMIT ?`,
			&sqlitex.ExecOptions{
				Args: []any{receiptTarget, limit},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					stored, err := scanStoredOp(stmt)
					if err != nil {
						return err
					}
					ops = append(ops, stored)
					return nil
				},
			})
	})
	return ops, err
}

// OpsNeedingReceipt returns ops this validator has driven to a
// terminal stage without yet sending the author a receipt.
func (s *Store) OpsNeedingReceipt(ctx context.Context, limit int) ([]StoredOp, error) {
	var ops []StoredOp
	err := s.read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `
			SELECT `+storedOpColumns+` FROM dht_op
			WHERE receipt_sent = 0 AND stage IN (?, ?, ?)
			ORDER BY authored_ts LIMIT ?`,
			&sqlitex.ExecOptions{
				Args: []any{string(op.Integrated), string(op.Rejected), string(op.Abandoned), limit},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					stored, err := scanStoredOp(stmt)
					if err != nil {
						return err
					}
					ops = append(ops, stored)
					return nil
				},
			})
	})
	return ops, err
}

// Receipts returns the validation receipts recorded for an op.
func (s *Store) Receipts(ctx context.Context, opHash hash.Hash) ([]op.Receipt, error) {
	var receipts []op.Receipt
	err := s.read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `
			SELECT validator, status, signature, received_ts
			FROM validation_receipt WHERE op_hash = ?`,
			&sqlitex.ExecOptions{
				Args: []any{hashArg(opHash)},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					validator, err := columnHash(stmt, 0)
					if err != nil {
						return err
					}
					receipts = append(receipts, op.Receipt{
						OpHash:    opHash,
						Validator: validator,
						Status:    op.Status(stmt.ColumnText(1)),
						Signature: columnBytes(stmt, 2),
						Timestamp: stmt.ColumnInt64(3),
					})
					return nil
				},
			})
	})
	return receipts, err
}

// WarrantsAgainst returns the stored warrants naming the accused.
func (s *Store) WarrantsAgainst(ctx context.Context, accused hash.Hash) ([]op.Warrant, error) {
	var warrants []op.Warrant
	err := s.read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `
			SELECT blob FROM warrant WHERE accused = ? ORDER BY received_ts`,
			&sqlitex.ExecOptions{
				Args: []any{hashArg(accused)},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					var w op.Warrant
					if err := codec.Unmarshal(columnBytes(stmt, 0), &w); err != nil {
						return fmt.Errorf("store: decoding warrant: %w", err)
					}
					warrants = append(warrants, w)
					return nil
				},
			})
	})
	return warrants, err
}

// ChainLock returns the countersigning lock for an author, if one is
// recorded.
func (s *Store) ChainLock(ctx context.Context, author hash.Hash) (Lock, bool, error) {
	var lock Lock
	found := false
	err := s.read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `
			SELECT session, expires_at FROM chain_lock WHERE author = ?`,
			&sqlitex.ExecOptions{
				Args: []any{hashArg(author)},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					session, err := columnHash(stmt, 0)
					if err != nil {
						return err
					}
					lock = Lock{Session: session, ExpiresAt: stmt.ColumnInt64(1)}
					found = true
					return nil
				},
			})
	})
	if err != nil {
		return Lock{}, false, err
	}
	return lock, found, nil
}

// DueScheduledFns returns schedules with next_at at or before now.
func (s *Store) DueScheduledFns(ctx context.Context, now int64) ([]ScheduledFn, error) {
	var due []ScheduledFn
	err := s.read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `
			SELECT zome, fn, kind, expr, next_at FROM scheduled_fn
			WHERE next_at <= ? ORDER BY next_at`,
			&sqlitex.ExecOptions{
				Args: []any{now},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					due = append(due, ScheduledFn{
						Zome:   stmt.ColumnText(0),
						Fn:     stmt.ColumnText(1),
						Kind:   ScheduleKind(stmt.ColumnText(2)),
						Expr:   stmt.ColumnText(3),
						NextAt: stmt.ColumnInt64(4),
					})
					return nil
				},
			})
	})
	return due, err
}

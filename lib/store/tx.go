// Copyright 2026 The Weave Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/weave-foundation/weave/lib/codec"
	"github.com/weave-foundation/weave/lib/hash"
	"github.com/weave-foundation/weave/lib/op"
	"github.com/weave-foundation/weave/lib/record"
)

// hashArg converts a hash for a BLOB parameter. Zero hashes become
// NULL via nilIfZero where the column allows it.
func hashArg(h hash.Hash) []byte { return h[:] }

func nilIfZero(h hash.Hash) any {
	if h.IsZero() {
		return nil
	}
	return h[:]
}

// Head returns the chain tip as seen by this transaction's
// connection, so an append can check the head and write new actions
// atomically.
func (tx *Tx) Head(author hash.Hash) (HeadInfo, bool, error) {
	var head HeadInfo
	found := false
	err := sqlitex.Execute(tx.conn, `
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
	if err != nil {
		return HeadInfo{}, false, fmt.Errorf("store: reading head: %w", err)
	}
	return head, found, nil
}

// ChainLock returns the countersigning lock as seen by this
// transaction's connection.
func (tx *Tx) ChainLock(author hash.Hash) (Lock, bool, error) {
	var lock Lock
	found := false
	err := sqlitex.Execute(tx.conn, `
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
	if err != nil {
		return Lock{}, false, fmt.Errorf("store: reading chain lock: %w", err)
	}
	return lock, found, nil
}

// PutRecord writes an action row and, when the record carries one,
// its entry. Re-inserting the same action is a no-op, so replaying a
// batch is safe.
func (tx *Tx) PutRecord(r record.Record) error {
	action := &r.SignedAction.Action
	actionHash, err := action.Hash()
	if err != nil {
		return err
	}
	blob, err := codec.Marshal(&r.SignedAction)
	if err != nil {
		return fmt.Errorf("store: marshaling signed action: %w", err)
	}

	var entryHash any
	if ref, ok := action.EntryRef(); ok {
		entryHash = hashArg(ref.EntryHash)
	}

	err = sqlitex.Execute(tx.conn, `
		INSERT OR IGNORE INTO action (hash, author, prev, seq, timestamp, type, entry_hash, blob)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{
			hashArg(actionHash), hashArg(action.Author), nilIfZero(action.Prev),
			int64(action.Seq), action.Timestamp, string(action.Type), entryHash, blob,
		}})
	if err != nil {
		return fmt.Errorf("store: inserting action: %w", err)
	}
	tx.note(ChangeActions)

	if r.Entry != nil {
		if err := tx.PutEntry(r.Entry); err != nil {
			return err
		}
	}
	return nil
}

// PutEntry writes an entry row keyed by its content address.
func (tx *Tx) PutEntry(entry *record.Entry) error {
	entryHash, err := entry.Hash()
	if err != nil {
		return err
	}
	blob, err := codec.Marshal(entry)
	if err != nil {
		return fmt.Errorf("store: marshaling entry: %w", err)
	}
	err = sqlitex.Execute(tx.conn, `
		INSERT OR IGNORE INTO entry (hash, visibility, blob) VALUES (?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{
			hashArg(entryHash), string(entry.Visibility()), blob,
		}})
	if err != nil {
		return fmt.Errorf("store: inserting entry: %w", err)
	}
	return nil
}

// PutOps inserts a batch of ops at the given initial stage. The batch
// is ordered by integration priority before insertion so rows land in
// dependency order. WithholdPublish marks ops that must not be pushed
// to peers (countersigning pre-commit state).
func (tx *Tx) PutOps(ops []op.Op, stage op.Stage, withholdPublish bool) error {
	sorted := append([]op.Op(nil), ops...)
	op.SortForIntegration(sorted)

	for i := range sorted {
		o := &sorted[i]
		opHash, err := o.Hash()
		if err != nil {
			return err
		}
		basis, err := o.Basis()
		if err != nil {
			return err
		}
		actionHash, err := o.SignedAction.Action.Hash()
		if err != nil {
			return err
		}
		blob, err := codec.Marshal(o)
		if err != nil {
			return fmt.Errorf("store: marshaling op: %w", err)
		}
		withhold := 0
		if withholdPublish {
			withhold = 1
		}
		err = sqlitex.Execute(tx.conn, `
			INSERT OR IGNORE INTO dht_op
			(hash, type, basis, action_hash, storage_center_loc, authored_ts, stage, withhold_publish, blob)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			&sqlitex.ExecOptions{Args: []any{
				hashArg(opHash), string(o.Type), hashArg(basis), hashArg(actionHash),
				int64(basis.Location()), o.SignedAction.Action.Timestamp,
				string(stage), withhold, blob,
			}})
		if err != nil {
			return fmt.Errorf("store: inserting op: %w", err)
		}
	}
	tx.note(ChangeOps)
	return nil
}

// SetOpStage moves an op to a new lifecycle stage, recording the
// failure text when there is one.
func (tx *Tx) SetOpStage(opHash hash.Hash, stage op.Stage, lastError string) error {
	var errArg any
	if lastError != "" {
		errArg = lastError
	}
	err := sqlitex.Execute(tx.conn, `
		UPDATE dht_op SET stage = ?, last_error = ? WHERE hash = ?`,
		&sqlitex.ExecOptions{Args: []any{string(stage), errArg, hashArg(opHash)}})
	if err != nil {
		return fmt.Errorf("store: updating op stage: %w", err)
	}
	tx.note(ChangeOps)
	return nil
}

// BumpOpAttempts increments an op's retry counter and returns the new
// count.
func (tx *Tx) BumpOpAttempts(opHash hash.Hash) (int, error) {
	err := sqlitex.Execute(tx.conn, `
		UPDATE dht_op SET attempts = attempts + 1 WHERE hash = ?`,
		&sqlitex.ExecOptions{Args: []any{hashArg(opHash)}})
	if err != nil {
		return 0, fmt.Errorf("store: bumping op attempts: %w", err)
	}
	var attempts int
	err = sqlitex.Execute(tx.conn, `SELECT attempts FROM dht_op WHERE hash = ?`,
		&sqlitex.ExecOptions{
			Args: []any{hashArg(opHash)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				attempts = int(stmt.ColumnInt64(0))
				return nil
			},
		})
	if err != nil {
		return 0, fmt.Errorf("store: reading op attempts: %w", err)
	}
	return attempts, nil
}

// ParkOp moves an op to a waiting stage and sets the backoff horizon
// before which validation passes will not reload it.
func (tx *Tx) ParkOp(opHash hash.Hash, stage op.Stage, retryAfter int64) error {
	err := sqlitex.Execute(tx.conn, `
		UPDATE dht_op SET stage = ?, last_error = NULL, retry_after = ? WHERE hash = ?`,
		&sqlitex.ExecOptions{Args: []any{string(stage), retryAfter, hashArg(opHash)}})
	if err != nil {
		return fmt.Errorf("store: parking op: %w", err)
	}
	tx.note(ChangeOps)
	return nil
}

// ReleasePublish clears the withhold flag on every op projected from
// the given action (countersigning completion).
func (tx *Tx) ReleasePublish(actionHash hash.Hash) error {
	err := sqlitex.Execute(tx.conn, `
		UPDATE dht_op SET withhold_publish = 0 WHERE action_hash = ?`,
		&sqlitex.ExecOptions{Args: []any{hashArg(actionHash)}})
	if err != nil {
		return fmt.Errorf("store: releasing publish: %w", err)
	}
	tx.note(ChangeOps)
	return nil
}

// MarkReceiptSent records that this validator's receipt for the op
// has been handed to the transport.
func (tx *Tx) MarkReceiptSent(opHash hash.Hash) error {
	err := sqlitex.Execute(tx.conn, `
		UPDATE dht_op SET receipt_sent = 1 WHERE hash = ?`,
		&sqlitex.ExecOptions{Args: []any{hashArg(opHash)}})
	if err != nil {
		return fmt.Errorf("store: marking receipt sent: %w", err)
	}
	return nil
}

// IntegrateOp marks an op integrated and materializes its side
// effects: link rows, link tombstones, update and delete markers.
// Integration is idempotent; re-integrating is a no-op.
func (tx *Tx) IntegrateOp(o *op.Op, now int64) error {
	opHash, err := o.Hash()
	if err != nil {
		return err
	}
	err = sqlitex.Execute(tx.conn, `
		UPDATE dht_op SET stage = ?, integrated_ts = ?
		WHERE hash = ? AND stage != ?`,
		&sqlitex.ExecOptions{Args: []any{
			string(op.Integrated), now, hashArg(opHash), string(op.Integrated),
		}})
	if err != nil {
		return fmt.Errorf("store: integrating op: %w", err)
	}

	action := &o.SignedAction.Action
	actionHash, err := action.Hash()
	if err != nil {
		return err
	}
	basis, err := o.Basis()
	if err != nil {
		return err
	}

	switch o.Type {
	case op.RegisterAddLink:
		link := action.CreateLink
		err = sqlitex.Execute(tx.conn, `
			INSERT OR IGNORE INTO link (create_action, base, target, zome_index, link_type, tag, timestamp)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			&sqlitex.ExecOptions{Args: []any{
				hashArg(actionHash), hashArg(link.Base), hashArg(link.Target),
				int64(link.ZomeIndex), int64(link.LinkType), link.Tag, action.Timestamp,
			}})
		if err != nil {
			return fmt.Errorf("store: inserting link: %w", err)
		}
		tx.note(ChangeLinks)
	case op.RegisterRemoveLink:
		remove := action.DeleteLink
		err = sqlitex.Execute(tx.conn, `
			INSERT OR IGNORE INTO link_delete (delete_action, create_action, base, timestamp)
			VALUES (?, ?, ?, ?)`,
			&sqlitex.ExecOptions{Args: []any{
				hashArg(actionHash), hashArg(remove.LinkAction), hashArg(remove.Base), action.Timestamp,
			}})
		if err != nil {
			return fmt.Errorf("store: inserting link tombstone: %w", err)
		}
		tx.note(ChangeLinks)
	case op.RegisterUpdatedContent, op.RegisterUpdatedRecord:
		err = sqlitex.Execute(tx.conn, `
			INSERT OR IGNORE INTO update_marker (basis, update_action) VALUES (?, ?)`,
			&sqlitex.ExecOptions{Args: []any{hashArg(basis), hashArg(actionHash)}})
		if err != nil {
			return fmt.Errorf("store: inserting update marker: %w", err)
		}
	case op.RegisterDeletedBy, op.RegisterDeletedEntryAction:
		err = sqlitex.Execute(tx.conn, `
			INSERT OR IGNORE INTO delete_marker (basis, delete_action) VALUES (?, ?)`,
			&sqlitex.ExecOptions{Args: []any{hashArg(basis), hashArg(actionHash)}})
		if err != nil {
			return fmt.Errorf("store: inserting delete marker: %w", err)
		}
	}

	tx.note(ChangeOps)
	return nil
}

// PutReceipt records a validation receipt. One receipt per (op,
// validator) pair; duplicates are ignored.
func (tx *Tx) PutReceipt(receipt *op.Receipt) error {
	err := sqlitex.Execute(tx.conn, `
		INSERT OR IGNORE INTO validation_receipt (op_hash, validator, status, signature, received_ts)
		VALUES (?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{
			hashArg(receipt.OpHash), hashArg(receipt.Validator),
			string(receipt.Status), receipt.Signature, receipt.Timestamp,
		}})
	if err != nil {
		return fmt.Errorf("store: inserting receipt: %w", err)
	}
	tx.note(ChangeReceipts)
	return nil
}

// PutWarrant records a warrant as evidence against its accused agent.
func (tx *Tx) PutWarrant(warrant *op.Warrant, now int64) error {
	warrantHash, err := warrant.Hash()
	if err != nil {
		return err
	}
	blob, err := codec.Marshal(warrant)
	if err != nil {
		return fmt.Errorf("store: marshaling warrant: %w", err)
	}
	err = sqlitex.Execute(tx.conn, `
		INSERT OR IGNORE INTO warrant (hash, accused, blob, received_ts) VALUES (?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{
			hashArg(warrantHash), hashArg(warrant.Accused), blob, now,
		}})
	if err != nil {
		return fmt.Errorf("store: inserting warrant: %w", err)
	}
	return nil
}

// LockChain records a countersigning lock for the author. Fails if a
// different session already holds the lock.
func (tx *Tx) LockChain(author, session hash.Hash, expiresAt int64) error {
	var existing []byte
	err := sqlitex.Execute(tx.conn, `SELECT session FROM chain_lock WHERE author = ?`,
		&sqlitex.ExecOptions{
			Args: []any{hashArg(author)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				existing = columnBytes(stmt, 0)
				return nil
			},
		})
	if err != nil {
		return fmt.Errorf("store: reading chain lock: %w", err)
	}
	if existing != nil && string(existing) != string(session[:]) {
		return fmt.Errorf("store: chain already locked by another session")
	}
	err = sqlitex.Execute(tx.conn, `
		INSERT INTO chain_lock (author, session, expires_at) VALUES (?, ?, ?)
		ON CONFLICT (author) DO UPDATE SET session = excluded.session, expires_at = excluded.expires_at`,
		&sqlitex.ExecOptions{Args: []any{hashArg(author), hashArg(session), expiresAt}})
	if err != nil {
		return fmt.Errorf("store: writing chain lock: %w", err)
	}
	return nil
}

// UnlockChain clears the countersigning lock for the author.
func (tx *Tx) UnlockChain(author hash.Hash) error {
	err := sqlitex.Execute(tx.conn, `DELETE FROM chain_lock WHERE author = ?`,
		&sqlitex.ExecOptions{Args: []any{hashArg(author)}})
	if err != nil {
		return fmt.Errorf("store: clearing chain lock: %w", err)
	}
	return nil
}

// PutScheduledFn registers or replaces a scheduled function.
func (tx *Tx) PutScheduledFn(fn ScheduledFn) error {
	err := sqlitex.Execute(tx.conn, `
		INSERT INTO scheduled_fn (zome, fn, kind, expr, next_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (zome, fn) DO UPDATE SET kind = excluded.kind, expr = excluded.expr, next_at = excluded.next_at`,
		&sqlitex.ExecOptions{Args: []any{
			fn.Zome, fn.Fn, string(fn.Kind), fn.Expr, fn.NextAt,
		}})
	if err != nil {
		return fmt.Errorf("store: writing scheduled fn: %w", err)
	}
	tx.note(ChangeScheduled)
	return nil
}

// SetScheduledNext advances a schedule's next-due time.
func (tx *Tx) SetScheduledNext(zome, fn string, nextAt int64) error {
	err := sqlitex.Execute(tx.conn, `
		UPDATE scheduled_fn SET next_at = ? WHERE zome = ? AND fn = ?`,
		&sqlitex.ExecOptions{Args: []any{nextAt, zome, fn}})
	if err != nil {
		return fmt.Errorf("store: advancing scheduled fn: %w", err)
	}
	tx.note(ChangeScheduled)
	return nil
}

// DeleteScheduledFn removes a schedule.
func (tx *Tx) DeleteScheduledFn(zome, fn string) error {
	err := sqlitex.Execute(tx.conn, `
		DELETE FROM scheduled_fn WHERE zome = ? AND fn = ?`,
		&sqlitex.ExecOptions{Args: []any{zome, fn}})
	if err != nil {
		return fmt.Errorf("store: deleting scheduled fn: %w", err)
	}
	tx.note(ChangeScheduled)
	return nil
}

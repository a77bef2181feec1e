// Copyright 2026 The Weave Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/weave-foundation/weave/lib/hash"
)

// App is one row of the conductor store's app registry: an installed
// application identity bound to the agent that runs it.
type App struct {
	ID             string
	DnaHash        hash.Hash
	Agent          hash.Hash
	Enabled        bool
	InstalledTS    int64
	DisabledReason string
}

// InstallApp registers an app. Installing an already-present app ID
// is an error; uninstall first.
func (tx *Tx) InstallApp(app App) error {
	enabled := 0
	if app.Enabled {
		enabled = 1
	}
	err := sqlitex.Execute(tx.conn, `
		INSERT INTO app (app_id, dna_hash, agent, enabled, installed_ts)
		VALUES (?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{
			app.ID, hashArg(app.DnaHash), hashArg(app.Agent), enabled, app.InstalledTS,
		}})
	if err != nil {
		return fmt.Errorf("store: installing app %q: %w", app.ID, err)
	}
	tx.note(ChangeApps)
	return nil
}

// SetAppEnabled flips an app's enabled flag. A reason is recorded on
// disable and cleared on enable.
func (tx *Tx) SetAppEnabled(appID string, enabled bool, reason string) error {
	flag := 0
	var reasonArg any
	if enabled {
		flag = 1
	} else if reason != "" {
		reasonArg = reason
	}
	err := sqlitex.Execute(tx.conn, `
		UPDATE app SET enabled = ?, disabled_reason = ? WHERE app_id = ?`,
		&sqlitex.ExecOptions{Args: []any{flag, reasonArg, appID}})
	if err != nil {
		return fmt.Errorf("store: updating app %q: %w", appID, err)
	}
	tx.note(ChangeApps)
	return nil
}

// UninstallApp removes an app from the registry. Its state
// directories are the conductor's to clean up.
func (tx *Tx) UninstallApp(appID string) error {
	err := sqlitex.Execute(tx.conn, `DELETE FROM app WHERE app_id = ?`,
		&sqlitex.ExecOptions{Args: []any{appID}})
	if err != nil {
		return fmt.Errorf("store: uninstalling app %q: %w", appID, err)
	}
	tx.note(ChangeApps)
	return nil
}

func scanApp(stmt *sqlite.Stmt) (App, error) {
	dna, err := columnHash(stmt, 1)
	if err != nil {
		return App{}, err
	}
	agent, err := columnHash(stmt, 2)
	if err != nil {
		return App{}, err
	}
	return App{
		ID:             stmt.ColumnText(0),
		DnaHash:        dna,
		Agent:          agent,
		Enabled:        stmt.ColumnInt64(3) != 0,
		InstalledTS:    stmt.ColumnInt64(4),
		DisabledReason: stmt.ColumnText(5),
	}, nil
}

const appColumns = `app_id, dna_hash, agent, enabled, installed_ts, COALESCE(disabled_reason, '')`

// Apps returns the full registry, install order first.
func (s *Store) Apps(ctx context.Context) ([]App, error) {
	var apps []App
	err := s.read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `SELECT `+appColumns+` FROM app ORDER BY installed_ts`,
			&sqlitex.ExecOptions{
				ResultFunc: func(stmt *sqlite.Stmt) error {
					app, err := scanApp(stmt)
					if err != nil {
						return err
					}
					apps = append(apps, app)
					return nil
				},
			})
	})
	return apps, err
}

// App returns one registry row.
func (s *Store) App(ctx context.Context, appID string) (App, bool, error) {
	var app App
	found := false
	err := s.read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `SELECT `+appColumns+` FROM app WHERE app_id = ?`,
			&sqlitex.ExecOptions{
				Args: []any{appID},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					var err error
					app, err = scanApp(stmt)
					found = err == nil
					return err
				},
			})
	})
	if err != nil {
		return App{}, false, err
	}
	return app, found, nil
}

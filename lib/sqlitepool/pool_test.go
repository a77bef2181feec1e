// Copyright 2026 The Weave Authors
// SPDX-License-Identifier: Apache-2.0

package sqlitepool

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open(Config{}); err == nil {
		t.Fatal("empty Path accepted")
	}
}

func TestTakePutRoundTrip(t *testing.T) {
	pool, err := Open(Config{Path: filepath.Join(t.TempDir(), "test.sqlite3")})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer pool.Close()

	ctx := context.Background()
	conn, err := pool.Take(ctx)
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	if err := sqlitex.ExecuteTransient(conn, "CREATE TABLE t (v INTEGER)", nil); err != nil {
		t.Fatalf("create table: %v", err)
	}
	if err := sqlitex.ExecuteTransient(conn, "INSERT INTO t VALUES (42)", nil); err != nil {
		t.Fatalf("insert: %v", err)
	}
	pool.Put(conn)

	conn, err = pool.Take(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Put(conn)
	var got int64
	err = sqlitex.Execute(conn, "SELECT v FROM t", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			got = stmt.ColumnInt64(0)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if got != 42 {
		t.Fatalf("read %d, want 42", got)
	}
}

func TestOnConnectRunsPerConnection(t *testing.T) {
	var mu sync.Mutex
	calls := 0

	pool, err := Open(Config{
		Path:     filepath.Join(t.TempDir(), "test.sqlite3"),
		PoolSize: 2,
		OnConnect: func(conn *sqlite.Conn) error {
			mu.Lock()
			calls++
			mu.Unlock()
			return sqlitex.ExecuteTransient(conn, "CREATE TABLE IF NOT EXISTS s (v)", nil)
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Close()

	ctx := context.Background()
	first, err := pool.Take(ctx)
	if err != nil {
		t.Fatal(err)
	}
	second, err := pool.Take(ctx)
	if err != nil {
		t.Fatal(err)
	}
	pool.Put(first)
	pool.Put(second)

	mu.Lock()
	defer mu.Unlock()
	if calls != 2 {
		t.Fatalf("OnConnect ran %d times for 2 connections", calls)
	}
}

func TestWALMode(t *testing.T) {
	pool, err := Open(Config{Path: filepath.Join(t.TempDir(), "test.sqlite3"), PoolSize: 1})
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Close()

	conn, err := pool.Take(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Put(conn)

	var mode string
	err = sqlitex.ExecuteTransient(conn, "PRAGMA journal_mode", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			mode = stmt.ColumnText(0)
			return nil
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if mode != "wal" {
		t.Fatalf("journal_mode = %q, want wal", mode)
	}
}

func TestTakeHonorsContext(t *testing.T) {
	pool, err := Open(Config{Path: filepath.Join(t.TempDir(), "test.sqlite3"), PoolSize: 1})
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Close()

	ctx := context.Background()
	held, err := pool.Take(ctx)
	if err != nil {
		t.Fatal(err)
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := pool.Take(cancelled); err == nil {
		t.Fatal("Take with cancelled context and exhausted pool succeeded")
	}

	pool.Put(held)
}

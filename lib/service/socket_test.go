// Copyright 2026 The Weave Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/weave-foundation/weave/lib/codec"
)

type taggedError struct {
	kind    string
	message string
}

func (e *taggedError) Error() string     { return e.message }
func (e *taggedError) ErrorKind() string { return e.kind }

// startServer runs a socket server for the duration of the test and
// waits until the socket accepts connections.
func startServer(t *testing.T, configure func(*SocketServer)) *Client {
	t.Helper()
	path := filepath.Join(t.TempDir(), "weave.sock")
	server := NewSocketServer(path, nil)
	configure(server)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("serve: %v", err)
		}
	})

	client := NewClient(path)
	deadline := time.Now().Add(5 * time.Second)
	for {
		err := client.Call(context.Background(), "ping", nil, nil)
		var callErr *CallError
		if err == nil || errors.As(err, &callErr) {
			return client
		}
		if time.Now().After(deadline) {
			t.Fatalf("server never came up: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestCallRoundTrip(t *testing.T) {
	client := startServer(t, func(server *SocketServer) {
		server.Handle("echo", func(ctx context.Context, raw []byte) (any, error) {
			var request struct {
				Text string `cbor:"text"`
			}
			if err := codec.Unmarshal(raw, &request); err != nil {
				return nil, err
			}
			return map[string]string{"echo": request.Text}, nil
		})
	})

	var result struct {
		Echo string `cbor:"echo"`
	}
	err := client.Call(context.Background(), "echo", map[string]any{"text": "hello"}, &result)
	if err != nil {
		t.Fatal(err)
	}
	if result.Echo != "hello" {
		t.Fatalf("echo = %q", result.Echo)
	}
}

func TestErrorKindPropagates(t *testing.T) {
	client := startServer(t, func(server *SocketServer) {
		server.Handle("deny", func(ctx context.Context, raw []byte) (any, error) {
			return nil, &taggedError{kind: "policy", message: "capability denied"}
		})
	})

	err := client.Call(context.Background(), "deny", nil, nil)
	var callErr *CallError
	if !errors.As(err, &callErr) {
		t.Fatalf("error type = %T", err)
	}
	if callErr.Kind != "policy" || callErr.Message != "capability denied" {
		t.Fatalf("call error = %+v", callErr)
	}
}

func TestUnknownActionRefused(t *testing.T) {
	client := startServer(t, func(server *SocketServer) {})

	err := client.Call(context.Background(), "no_such_action", nil, nil)
	var callErr *CallError
	if !errors.As(err, &callErr) {
		t.Fatalf("error = %v, want *CallError", err)
	}
}

func TestStreamDeliversValues(t *testing.T) {
	client := startServer(t, func(server *SocketServer) {
		server.HandleStream("count", func(ctx context.Context, raw []byte, send func(any) error) error {
			for i := 0; i < 3; i++ {
				if err := send(map[string]int{"n": i}); err != nil {
					return err
				}
			}
			return nil
		})
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var got []int
	err := client.Stream(ctx, "count", nil, func(raw codec.RawMessage) error {
		var value struct {
			N int `cbor:"n"`
		}
		if err := codec.Unmarshal(raw, &value); err != nil {
			return err
		}
		got = append(got, value.N)
		if len(got) == 3 {
			return fmt.Errorf("done")
		}
		return nil
	})
	if err == nil || err.Error() != "done" {
		t.Fatalf("stream ended with %v", err)
	}
	if len(got) != 3 || got[0] != 0 || got[2] != 2 {
		t.Fatalf("received %v", got)
	}
}

// Copyright 2026 The Weave Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/weave-foundation/weave/lib/codec"
)

// ActionFunc processes one request. The raw parameter is the full
// CBOR request (including the "action" field); the handler decodes
// its own fields from it. A nil result produces {ok: true}; a non-nil
// result is marshaled into the response's "data" field.
type ActionFunc func(ctx context.Context, raw []byte) (any, error)

// StreamFunc serves a long-lived subscription. After the initial
// {ok: true} acknowledgement the handler writes successive CBOR
// values through send until the context is cancelled or the client
// hangs up (send returns an error).
type StreamFunc func(ctx context.Context, raw []byte, send func(any) error) error

// Response is the wire envelope for every reply. Kind carries the
// error taxonomy tag (transient, structural, policy, fatal) when the
// handler classified its failure.
type Response struct {
	OK    bool             `cbor:"ok"`
	Error string           `cbor:"error,omitempty"`
	Kind  string           `cbor:"kind,omitempty"`
	Data  codec.RawMessage `cbor:"data,omitempty"`
}

// Classified is implemented by errors that carry a taxonomy tag; the
// server copies the tag into the response envelope.
type Classified interface {
	error
	ErrorKind() string
}

// SocketServer serves the CBOR protocol on a unix socket. Each
// connection handles one request: the client writes a CBOR value, the
// server replies and closes — except for stream actions, where the
// connection stays open and carries server-initiated values.
type SocketServer struct {
	socketPath string
	handlers   map[string]ActionFunc
	streams    map[string]StreamFunc
	logger     *slog.Logger

	// Serve waits for in-flight handlers before returning.
	activeConnections sync.WaitGroup
}

// NewSocketServer creates a server for socketPath. Register actions
// with Handle and HandleStream before calling Serve.
func NewSocketServer(socketPath string, logger *slog.Logger) *SocketServer {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &SocketServer{
		socketPath: socketPath,
		handlers:   make(map[string]ActionFunc),
		streams:    make(map[string]StreamFunc),
		logger:     logger,
	}
}

// Handle registers a request-reply action. Panics on a duplicate
// name; registration is a startup-time programming act.
func (s *SocketServer) Handle(action string, handler ActionFunc) {
	if _, exists := s.handlers[action]; exists {
		panic(fmt.Sprintf("service.SocketServer: duplicate handler for action %q", action))
	}
	if _, exists := s.streams[action]; exists {
		panic(fmt.Sprintf("service.SocketServer: action %q already registered as a stream", action))
	}
	s.handlers[action] = handler
}

// HandleStream registers a subscription action.
func (s *SocketServer) HandleStream(action string, handler StreamFunc) {
	if _, exists := s.streams[action]; exists {
		panic(fmt.Sprintf("service.SocketServer: duplicate stream handler for action %q", action))
	}
	if _, exists := s.handlers[action]; exists {
		panic(fmt.Sprintf("service.SocketServer: action %q already registered as request-reply", action))
	}
	s.streams[action] = handler
}

// Serve accepts connections until ctx is cancelled, then waits for
// active handlers. A stale socket file at the path is removed before
// listening; the socket file is removed on return.
func (s *SocketServer) Serve(ctx context.Context) error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("service: removing stale socket %s: %w", s.socketPath, err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("service: listening on %s: %w", s.socketPath, err)
	}
	defer func() {
		listener.Close()
		os.Remove(s.socketPath)
	}()

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	s.logger.Info("socket server listening", "path", s.socketPath)

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger.Error("accept failed", "error", err)
			continue
		}

		s.activeConnections.Add(1)
		go func() {
			defer s.activeConnections.Done()
			s.handleConnection(ctx, conn)
		}()
	}

	s.activeConnections.Wait()
	return nil
}

const readTimeout = 30 * time.Second
const writeTimeout = 10 * time.Second

// maxRequestSize bounds one CBOR request. Generous for any admin or
// call payload.
const maxRequestSize = 16 * 1024 * 1024

func (s *SocketServer) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(readTimeout))

	// CBOR is self-delimiting, so no framing beyond the value itself.
	var raw codec.RawMessage
	if err := codec.NewDecoder(io.LimitReader(conn, maxRequestSize)).Decode(&raw); err != nil {
		if errors.Is(err, io.EOF) {
			return
		}
		s.writeError(conn, fmt.Errorf("invalid request: %v", err))
		return
	}

	var header struct {
		Action string `cbor:"action"`
	}
	if err := codec.Unmarshal(raw, &header); err != nil {
		s.writeError(conn, fmt.Errorf("invalid request: %v", err))
		return
	}
	if header.Action == "" {
		s.writeError(conn, errors.New("missing required field: action"))
		return
	}

	if stream, exists := s.streams[header.Action]; exists {
		s.handleStream(ctx, conn, header.Action, stream, []byte(raw))
		return
	}

	handler, exists := s.handlers[header.Action]
	if !exists {
		s.writeError(conn, fmt.Errorf("unknown action %q", header.Action))
		return
	}

	result, err := handler(ctx, []byte(raw))
	if err != nil {
		s.logger.Debug("action failed", "action", header.Action, "error", err)
		s.writeError(conn, err)
		return
	}
	s.writeSuccess(conn, result)
}

// handleStream acknowledges the subscription, then relays values the
// handler sends until either side gives up. The read deadline is
// cleared: the connection lives as long as the subscription.
func (s *SocketServer) handleStream(ctx context.Context, conn net.Conn, action string, handler StreamFunc, raw []byte) {
	conn.SetReadDeadline(time.Time{})
	s.writeSuccess(conn, nil)

	encoder := codec.NewEncoder(conn)
	send := func(value any) error {
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		return encoder.Encode(value)
	}
	if err := handler(ctx, raw, send); err != nil && ctx.Err() == nil {
		s.logger.Debug("stream ended", "action", action, "error", err)
	}
}

func (s *SocketServer) writeError(conn net.Conn, failure error) {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	response := Response{OK: false, Error: failure.Error()}
	var classified Classified
	if errors.As(failure, &classified) {
		response.Kind = classified.ErrorKind()
	}
	if err := codec.NewEncoder(conn).Encode(response); err != nil {
		s.logger.Debug("failed to write error response", "error", err)
	}
}

func (s *SocketServer) writeSuccess(conn net.Conn, result any) {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))

	response := Response{OK: true}
	if result != nil {
		data, err := codec.Marshal(result)
		if err != nil {
			s.writeError(conn, fmt.Errorf("internal: marshaling response: %v", err))
			return
		}
		response.Data = data
	}
	if err := codec.NewEncoder(conn).Encode(response); err != nil {
		s.logger.Debug("failed to write success response", "error", err)
	}
}

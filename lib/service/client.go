// Copyright 2026 The Weave Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/weave-foundation/weave/lib/codec"
)

// dialTimeout covers the connect phase only.
const dialTimeout = 5 * time.Second

// responseReadTimeout is how long the client waits for a reply after
// writing its request, sized for handler execution on top of the
// server's own timeouts.
const responseReadTimeout = 45 * time.Second

// CallError is returned by Call when the server responds ok=false. It
// carries the server's message and taxonomy kind tag.
type CallError struct {
	Action  string
	Kind    string
	Message string
}

func (e *CallError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("service error on %q (%s): %s", e.Action, e.Kind, e.Message)
	}
	return fmt.Sprintf("service error on %q: %s", e.Action, e.Message)
}

// Client sends CBOR requests to a conductor socket. Each Call opens a
// fresh connection, matching the server's one-request-per-connection
// model.
type Client struct {
	socketPath string
}

// NewClient returns a client for the socket path.
func NewClient(socketPath string) *Client {
	return &Client{socketPath: socketPath}
}

// Call sends one request and decodes the reply. The fields map holds
// handler-specific request fields; the client adds "action". On
// ok=false the reply surfaces as a *CallError; on ok=true and a
// non-nil result, the reply's data is decoded into it.
func (c *Client) Call(ctx context.Context, action string, fields map[string]any, result any) error {
	conn, _, response, err := c.send(ctx, action, fields)
	if err != nil {
		return fmt.Errorf("service: calling %q on %s: %w", action, c.socketPath, err)
	}
	defer conn.Close()

	if !response.OK {
		return &CallError{Action: action, Kind: response.Kind, Message: response.Error}
	}
	if result != nil && len(response.Data) > 0 {
		if err := codec.Unmarshal(response.Data, result); err != nil {
			return fmt.Errorf("service: decoding response for %q: %w", action, err)
		}
	}
	return nil
}

// Stream opens a subscription and delivers each server-sent value to
// receive until the context is cancelled or the server closes the
// connection. The receive callback decodes into a fresh value of its
// own choosing via the raw bytes.
func (c *Client) Stream(ctx context.Context, action string, fields map[string]any, receive func(raw codec.RawMessage) error) error {
	conn, decoder, response, err := c.send(ctx, action, fields)
	if err != nil {
		return fmt.Errorf("service: opening stream %q on %s: %w", action, c.socketPath, err)
	}
	defer conn.Close()

	if !response.OK {
		return &CallError{Action: action, Kind: response.Kind, Message: response.Error}
	}

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		var raw codec.RawMessage
		if err := decoder.Decode(&raw); err != nil {
			if ctx.Err() != nil || err == io.EOF {
				return ctx.Err()
			}
			return fmt.Errorf("service: reading stream %q: %w", action, err)
		}
		if err := receive(raw); err != nil {
			return err
		}
	}
}

// send connects, writes the request, and reads the envelope. The
// caller owns the returned connection; the returned decoder must be
// used for any further reads, since it may have buffered past the
// envelope.
func (c *Client) send(ctx context.Context, action string, fields map[string]any) (net.Conn, *codec.Decoder, Response, error) {
	request := make(map[string]any, len(fields)+1)
	for key, value := range fields {
		request[key] = value
	}
	request["action"] = action

	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return nil, nil, Response{}, err
	}

	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := codec.NewEncoder(conn).Encode(request); err != nil {
		conn.Close()
		return nil, nil, Response{}, fmt.Errorf("writing request: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(responseReadTimeout))
	decoder := codec.NewDecoder(conn)
	var response Response
	if err := decoder.Decode(&response); err != nil {
		conn.Close()
		return nil, nil, Response{}, fmt.Errorf("reading response: %w", err)
	}
	conn.SetReadDeadline(time.Time{})
	return conn, decoder, response, nil
}

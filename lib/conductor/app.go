// Copyright 2026 The Weave Authors
// SPDX-License-Identifier: Apache-2.0

package conductor

import (
	"context"
	"errors"

	"github.com/weave-foundation/weave/lib/codec"
	"github.com/weave-foundation/weave/lib/dispatch"
	"github.com/weave-foundation/weave/lib/hash"
	"github.com/weave-foundation/weave/lib/service"
)

// Call statuses on the app interface. Errors a client can act on are
// statuses, not transport failures.
const (
	StatusOK            = "ok"
	StatusUnauthorized  = "unauthorized"
	StatusNetworkError  = "network_error"
	StatusSessionActive = "countersigning_session_active"
)

type callZomeRequest struct {
	Action     string `cbor:"action"`
	AppID      string `cbor:"app_id"`
	Zome       string `cbor:"zome"`
	Function   string `cbor:"function"`
	Payload    []byte `cbor:"payload,omitempty"`
	Provenance string `cbor:"provenance,omitempty"`
	Secret     []byte `cbor:"secret,omitempty"`
}

type callZomeResponse struct {
	Status string `cbor:"status"`
	Data   []byte `cbor:"data,omitempty"`
}

type appInfoResponse struct {
	AppID   string `cbor:"app_id"`
	Dna     string `cbor:"dna"`
	Agent   string `cbor:"agent"`
	Enabled bool   `cbor:"enabled"`
}

// AppServer exposes the application interface over a unix socket:
// zome calls, app info, and the signal stream.
//
// The socket is the trust boundary. Provenance on a zome call is a
// claim, not a proof: a client that can open the socket may name the
// cell's own agent and call without a capability, exactly as a local
// process speaking for its owner. Remote callers never reach this
// surface; they come in through the op exchange and are checked
// against grants on the chain. Restrict the socket with filesystem
// permissions.
func (c *Conductor) AppServer(socketPath string) *service.SocketServer {
	server := service.NewSocketServer(socketPath, c.logger.With("interface", "app"))

	server.Handle("call_zome", func(ctx context.Context, raw []byte) (any, error) {
		var req callZomeRequest
		if err := codec.Unmarshal(raw, &req); err != nil {
			return nil, classifiedf(KindStructural, "decoding call_zome request: %v", err)
		}
		var provenance hash.Hash
		if req.Provenance != "" {
			var err error
			if provenance, err = hash.Parse(req.Provenance); err != nil {
				return nil, classifiedf(KindStructural, "parsing provenance: %v", err)
			}
		}
		data, err := c.CallZome(ctx, req.AppID, dispatch.Call{
			Provenance: provenance,
			Secret:     req.Secret,
			Zome:       req.Zome,
			Function:   req.Function,
			Payload:    req.Payload,
		})
		switch {
		case err == nil:
			return callZomeResponse{Status: StatusOK, Data: data}, nil
		case errors.Is(err, dispatch.ErrUnauthorized):
			return callZomeResponse{Status: StatusUnauthorized}, nil
		case errors.Is(err, dispatch.ErrSessionActive):
			return callZomeResponse{Status: StatusSessionActive}, nil
		case errors.Is(err, context.DeadlineExceeded):
			return callZomeResponse{Status: StatusNetworkError}, nil
		default:
			return nil, classify(err)
		}
	})

	server.Handle("app_info", func(ctx context.Context, raw []byte) (any, error) {
		var req appIDRequest
		if err := codec.Unmarshal(raw, &req); err != nil {
			return nil, classifiedf(KindStructural, "decoding app_info request: %v", err)
		}
		app, found, err := c.registry.App(ctx, req.AppID)
		if err != nil {
			return nil, classify(err)
		}
		if !found {
			return nil, classifiedf(KindStructural, "no app %q installed", req.AppID)
		}
		return appInfoResponse{
			AppID:   app.ID,
			Dna:     app.DnaHash.String(),
			Agent:   app.Agent.String(),
			Enabled: app.Enabled,
		}, nil
	})

	server.HandleStream("signals", func(ctx context.Context, raw []byte, send func(any) error) error {
		var req agentInfoRequest
		if err := codec.Unmarshal(raw, &req); err != nil {
			return classifiedf(KindStructural, "decoding signals request: %v", err)
		}
		ch, cancel := c.signals.subscribe()
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-c.shutdownCh:
				return nil
			case signal, ok := <-ch:
				if !ok {
					return nil
				}
				if req.AppID != "" && signal.App != req.AppID {
					continue
				}
				if err := send(signal); err != nil {
					return err
				}
			}
		}
	})

	return server
}

// AttachAppInterface starts serving the application interface on a
// new socket. The server runs until the conductor shuts down.
func (c *Conductor) AttachAppInterface(socketPath string) error {
	if socketPath == "" {
		return classifiedf(KindStructural, "socket path is empty")
	}
	server := c.AppServer(socketPath)

	c.mu.Lock()
	runCtx := c.runCtx
	c.mu.Unlock()
	if runCtx == nil {
		runCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(runCtx)
	go func() {
		<-c.shutdownCh
		cancel()
	}()
	go func() {
		if err := server.Serve(ctx); err != nil && ctx.Err() == nil {
			c.logger.Error("app interface failed", "socket", socketPath, "error", err)
		}
	}()
	return nil
}

// Copyright 2026 The Weave Authors
// SPDX-License-Identifier: Apache-2.0

package conductor

import (
	"context"

	"github.com/weave-foundation/weave/lib/codec"
	"github.com/weave-foundation/weave/lib/hash"
	"github.com/weave-foundation/weave/lib/record"
	"github.com/weave-foundation/weave/lib/service"
)

// Admin request/response shapes. Hashes travel as their text form so
// callers can be scripted without a codec library on hand.

type addAppRequest struct {
	Action        string `cbor:"action"`
	AppID         string `cbor:"app_id"`
	Module        string `cbor:"module"`
	Agent         string `cbor:"agent,omitempty"`
	MembraneProof []byte `cbor:"membrane_proof,omitempty"`
}

type addAppResponse struct {
	AppID string `cbor:"app_id"`
	Dna   string `cbor:"dna"`
	Agent string `cbor:"agent"`
}

type appIDRequest struct {
	Action string `cbor:"action"`
	AppID  string `cbor:"app_id"`
	Reason string `cbor:"reason,omitempty"`
}

type appStatus struct {
	AppID          string `cbor:"app_id"`
	Dna            string `cbor:"dna"`
	Agent          string `cbor:"agent"`
	Enabled        bool   `cbor:"enabled"`
	DisabledReason string `cbor:"disabled_reason,omitempty"`
}

type grantCapabilityRequest struct {
	Action       string   `cbor:"action"`
	AppID        string   `cbor:"app_id"`
	Tag          string   `cbor:"tag"`
	Functions    []string `cbor:"functions"`
	Assignees    []string `cbor:"assignees,omitempty"`
	Secret       []byte   `cbor:"secret,omitempty"`
	Transferable bool     `cbor:"transferable,omitempty"`
	Unrestricted bool     `cbor:"unrestricted,omitempty"`
}

type agentInfoRequest struct {
	Action string `cbor:"action"`
	AppID  string `cbor:"app_id,omitempty"`
}

type agentInfoResponse struct {
	Cells []cellStatus `cbor:"cells"`
}

type cellStatus struct {
	App   string `cbor:"app"`
	Agent string `cbor:"agent"`
	Dna   string `cbor:"dna"`
	Head  string `cbor:"head"`
	Seq   uint32 `cbor:"seq"`
}

// AdminServer exposes node administration over a unix socket.
func (c *Conductor) AdminServer(socketPath string) *service.SocketServer {
	server := service.NewSocketServer(socketPath, c.logger.With("interface", "admin"))

	server.Handle("add_app", func(ctx context.Context, raw []byte) (any, error) {
		var req addAppRequest
		if err := codec.Unmarshal(raw, &req); err != nil {
			return nil, classifiedf(KindStructural, "decoding add_app request: %v", err)
		}
		var agent hash.Hash
		if req.Agent != "" {
			var err error
			if agent, err = hash.Parse(req.Agent); err != nil {
				return nil, classifiedf(KindStructural, "parsing agent: %v", err)
			}
		}
		app, err := c.AddApp(ctx, req.AppID, req.Module, agent, req.MembraneProof)
		if err != nil {
			return nil, classify(err)
		}
		return addAppResponse{AppID: app.ID, Dna: app.DnaHash.String(), Agent: app.Agent.String()}, nil
	})

	server.Handle("enable_app", func(ctx context.Context, raw []byte) (any, error) {
		var req appIDRequest
		if err := codec.Unmarshal(raw, &req); err != nil {
			return nil, classifiedf(KindStructural, "decoding enable_app request: %v", err)
		}
		if err := c.EnableApp(ctx, req.AppID); err != nil {
			return nil, classify(err)
		}
		return struct{}{}, nil
	})

	server.Handle("disable_app", func(ctx context.Context, raw []byte) (any, error) {
		var req appIDRequest
		if err := codec.Unmarshal(raw, &req); err != nil {
			return nil, classifiedf(KindStructural, "decoding disable_app request: %v", err)
		}
		reason := req.Reason
		if reason == "" {
			reason = "disabled by operator"
		}
		if err := c.DisableApp(ctx, req.AppID, reason); err != nil {
			return nil, classify(err)
		}
		return struct{}{}, nil
	})

	server.Handle("list_apps", func(ctx context.Context, raw []byte) (any, error) {
		apps, err := c.Apps(ctx)
		if err != nil {
			return nil, classify(err)
		}
		statuses := make([]appStatus, 0, len(apps))
		for _, app := range apps {
			statuses = append(statuses, appStatus{
				AppID:          app.ID,
				Dna:            app.DnaHash.String(),
				Agent:          app.Agent.String(),
				Enabled:        app.Enabled,
				DisabledReason: app.DisabledReason,
			})
		}
		return struct {
			Apps []appStatus `cbor:"apps"`
		}{statuses}, nil
	})

	server.Handle("list_agents", func(ctx context.Context, raw []byte) (any, error) {
		agents := c.Agents()
		out := make([]string, 0, len(agents))
		for _, agent := range agents {
			out = append(out, agent.String())
		}
		return struct {
			Agents []string `cbor:"agents"`
		}{out}, nil
	})

	server.Handle("generate_agent_key", func(ctx context.Context, raw []byte) (any, error) {
		agent, err := c.GenerateAgent(ctx)
		if err != nil {
			return nil, classify(err)
		}
		return struct {
			Agent string `cbor:"agent"`
		}{agent.String()}, nil
	})

	server.Handle("attach_app_interface", func(ctx context.Context, raw []byte) (any, error) {
		var req struct {
			Action     string `cbor:"action"`
			SocketPath string `cbor:"socket_path"`
		}
		if err := codec.Unmarshal(raw, &req); err != nil {
			return nil, classifiedf(KindStructural, "decoding attach_app_interface request: %v", err)
		}
		if err := c.AttachAppInterface(req.SocketPath); err != nil {
			return nil, classify(err)
		}
		return struct {
			SocketPath string `cbor:"socket_path"`
		}{req.SocketPath}, nil
	})

	server.Handle("grant_zome_call_capability", func(ctx context.Context, raw []byte) (any, error) {
		var req grantCapabilityRequest
		if err := codec.Unmarshal(raw, &req); err != nil {
			return nil, classifiedf(KindStructural, "decoding grant request: %v", err)
		}
		payload, err := grantPayload(req)
		if err != nil {
			return nil, err
		}
		grantHash, err := c.GrantCapability(ctx, req.AppID, payload)
		if err != nil {
			return nil, classify(err)
		}
		return struct {
			Grant string `cbor:"grant"`
		}{grantHash.String()}, nil
	})

	server.Handle("request_agent_info", func(ctx context.Context, raw []byte) (any, error) {
		var req agentInfoRequest
		if err := codec.Unmarshal(raw, &req); err != nil {
			return nil, classifiedf(KindStructural, "decoding agent info request: %v", err)
		}
		infos, err := c.AgentInfo(ctx, req.AppID)
		if err != nil {
			return nil, classify(err)
		}
		cells := make([]cellStatus, 0, len(infos))
		for _, info := range infos {
			cells = append(cells, cellStatus{
				App:   info.App,
				Agent: info.Agent.String(),
				Dna:   info.Dna.String(),
				Head:  info.Head.String(),
				Seq:   info.Seq,
			})
		}
		return agentInfoResponse{Cells: cells}, nil
	})

	server.Handle("shutdown", func(ctx context.Context, raw []byte) (any, error) {
		// Respond before the listener goes away.
		go c.Shutdown()
		return struct{}{}, nil
	})

	return server
}

// grantPayload translates the wire grant request into a chain entry
// payload, parsing assignee addresses.
func grantPayload(req grantCapabilityRequest) (record.CapGrantPayload, error) {
	if req.Tag == "" {
		return record.CapGrantPayload{}, classifiedf(KindStructural, "grant tag is empty")
	}
	if len(req.Functions) == 0 {
		return record.CapGrantPayload{}, classifiedf(KindStructural, "grant names no functions")
	}
	functions := make([]record.FunctionRef, 0, len(req.Functions))
	for _, fn := range req.Functions {
		zomeName, fnName, err := splitFunction(fn)
		if err != nil {
			return record.CapGrantPayload{}, err
		}
		functions = append(functions, record.FunctionRef{Zome: zomeName, Function: fnName})
	}
	payload := record.CapGrantPayload{
		Tag:       req.Tag,
		Functions: functions,
	}
	switch {
	case req.Unrestricted:
		payload.Access.Mode = record.AccessUnrestricted
	case len(req.Assignees) > 0:
		if len(req.Secret) == 0 {
			return record.CapGrantPayload{}, classifiedf(KindStructural, "assigned grant requires a secret")
		}
		payload.Access.Mode = record.AccessAssigned
		payload.Access.Secret = req.Secret
		for _, a := range req.Assignees {
			agent, err := hash.Parse(a)
			if err != nil {
				return record.CapGrantPayload{}, classifiedf(KindStructural, "parsing assignee: %v", err)
			}
			payload.Access.Assignees = append(payload.Access.Assignees, agent)
		}
	case len(req.Secret) > 0:
		payload.Access.Mode = record.AccessTransferable
		payload.Access.Secret = req.Secret
	default:
		return record.CapGrantPayload{}, classifiedf(KindStructural, "grant needs a secret, assignees, or the unrestricted flag")
	}
	return payload, nil
}

func splitFunction(s string) (zomeName, fnName string, err error) {
	for i := 0; i < len(s); i++ {
		if s[i] == '/' {
			if i == 0 || i == len(s)-1 {
				break
			}
			return s[:i], s[i+1:], nil
		}
	}
	return "", "", classifiedf(KindStructural, "function %q is not zome/function", s)
}

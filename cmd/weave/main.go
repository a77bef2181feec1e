// Copyright 2026 The Weave Authors
// SPDX-License-Identifier: Apache-2.0

// Weave is the thin admin client for a running conductor: it connects
// to the admin socket, issues one request, and prints the response as
// JSON.
//
// Usage:
//
//	weave [--socket PATH] COMMAND [flags]
//
// Commands: add-app, enable-app, disable-app, list-apps, list-agents,
// generate-agent-key, attach-app-interface, grant-capability,
// agent-info, shutdown.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/pflag"

	"github.com/weave-foundation/weave/lib/service"
	"github.com/weave-foundation/weave/lib/version"
)

func main() {
	if err := run(); err != nil {
		var callErr *service.CallError
		if errors.As(err, &callErr) {
			fmt.Fprintf(os.Stderr, "error (%s): %s\n", callErr.Kind, callErr.Message)
		} else {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
		os.Exit(1)
	}
}

func defaultSocket() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".local", "share", "weave", "admin.sock")
}

func run() error {
	flags := pflag.NewFlagSet("weave", pflag.ContinueOnError)
	socket := flags.String("socket", defaultSocket(), "admin socket path")
	timeout := flags.Duration("timeout", 30*time.Second, "request timeout")
	showVersion := flags.Bool("version", false, "print version information and exit")
	flags.SetInterspersed(false)
	if err := flags.Parse(os.Args[1:]); err != nil {
		return err
	}
	if *showVersion {
		fmt.Printf("weave %s\n", version.Info())
		return nil
	}
	if flags.NArg() == 0 {
		return fmt.Errorf("no command; see the package comment for the list")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	client := service.NewClient(*socket)
	command := flags.Arg(0)
	args := flags.Args()[1:]

	switch command {
	case "add-app":
		return addApp(ctx, client, args)
	case "enable-app":
		return appCommand(ctx, client, "enable_app", args)
	case "disable-app":
		return disableApp(ctx, client, args)
	case "list-apps":
		return plainCall(ctx, client, "list_apps", nil)
	case "list-agents":
		return plainCall(ctx, client, "list_agents", nil)
	case "generate-agent-key":
		return plainCall(ctx, client, "generate_agent_key", nil)
	case "attach-app-interface":
		return attachAppInterface(ctx, client, args)
	case "grant-capability":
		return grantCapability(ctx, client, args)
	case "agent-info":
		return agentInfo(ctx, client, args)
	case "shutdown":
		return plainCall(ctx, client, "shutdown", nil)
	default:
		return fmt.Errorf("unknown command %q", command)
	}
}

func addApp(ctx context.Context, client *service.Client, args []string) error {
	flags := pflag.NewFlagSet("add-app", pflag.ContinueOnError)
	module := flags.String("module", "", "registered module name (required)")
	agent := flags.String("agent", "", "existing agent address (default: generate)")
	proofFile := flags.String("membrane-proof", "", "file with the membrane proof bytes")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if flags.NArg() != 1 || *module == "" {
		return fmt.Errorf("usage: weave add-app --module NAME [--agent ADDR] [--membrane-proof FILE] APP_ID")
	}

	fields := map[string]any{
		"app_id": flags.Arg(0),
		"module": *module,
	}
	if *agent != "" {
		fields["agent"] = *agent
	}
	if *proofFile != "" {
		proof, err := os.ReadFile(*proofFile)
		if err != nil {
			return fmt.Errorf("reading membrane proof: %w", err)
		}
		fields["membrane_proof"] = proof
	}
	return plainCall(ctx, client, "add_app", fields)
}

func appCommand(ctx context.Context, client *service.Client, action string, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: weave %s APP_ID", action)
	}
	return plainCall(ctx, client, action, map[string]any{"app_id": args[0]})
}

func disableApp(ctx context.Context, client *service.Client, args []string) error {
	flags := pflag.NewFlagSet("disable-app", pflag.ContinueOnError)
	reason := flags.String("reason", "", "reason recorded in the registry")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if flags.NArg() != 1 {
		return fmt.Errorf("usage: weave disable-app [--reason TEXT] APP_ID")
	}
	fields := map[string]any{"app_id": flags.Arg(0)}
	if *reason != "" {
		fields["reason"] = *reason
	}
	return plainCall(ctx, client, "disable_app", fields)
}

func attachAppInterface(ctx context.Context, client *service.Client, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: weave attach-app-interface SOCKET_PATH")
	}
	return plainCall(ctx, client, "attach_app_interface", map[string]any{"socket_path": args[0]})
}

func grantCapability(ctx context.Context, client *service.Client, args []string) error {
	flags := pflag.NewFlagSet("grant-capability", pflag.ContinueOnError)
	tag := flags.String("tag", "", "grant tag (required)")
	functions := flags.StringSlice("function", nil, "zome/function the grant covers (repeatable, required)")
	assignees := flags.StringSlice("assignee", nil, "agent address the grant is assigned to (repeatable)")
	secretValue := flags.String("secret", "", "capability secret, raw string")
	unrestricted := flags.Bool("unrestricted", false, "grant without a secret")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if flags.NArg() != 1 || *tag == "" || len(*functions) == 0 {
		return fmt.Errorf("usage: weave grant-capability --tag TAG --function ZOME/FN [--secret S | --unrestricted] [--assignee ADDR] APP_ID")
	}

	fields := map[string]any{
		"app_id":    flags.Arg(0),
		"tag":       *tag,
		"functions": *functions,
	}
	if *secretValue != "" {
		fields["secret"] = []byte(*secretValue)
	}
	if len(*assignees) > 0 {
		fields["assignees"] = *assignees
	}
	if *unrestricted {
		fields["unrestricted"] = true
	}
	return plainCall(ctx, client, "grant_zome_call_capability", fields)
}

func agentInfo(ctx context.Context, client *service.Client, args []string) error {
	fields := map[string]any{}
	if len(args) == 1 {
		fields["app_id"] = args[0]
	} else if len(args) > 1 {
		return fmt.Errorf("usage: weave agent-info [APP_ID]")
	}
	return plainCall(ctx, client, "request_agent_info", fields)
}

// plainCall issues one request and prints the response as indented
// JSON.
func plainCall(ctx context.Context, client *service.Client, action string, fields map[string]any) error {
	var result map[string]any
	if err := client.Call(ctx, action, fields, &result); err != nil {
		return err
	}
	if len(result) == 0 {
		fmt.Println("ok")
		return nil
	}
	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("rendering response: %w", err)
	}
	fmt.Println(string(out))
	return nil
}

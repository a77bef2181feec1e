// Copyright 2026 The Weave Authors
// SPDX-License-Identifier: Apache-2.0

// Weave-conductor runs one node: it unlocks the keystore, opens the
// state directory, starts every enabled app's cell, and serves the
// admin and application interfaces over unix sockets.
//
// Application modules are Go code linked into the binary and
// registered in modules.go; the conductor matches installed apps to
// registered modules by the content address of their manifests.
//
// Exit codes: 0 after a clean shutdown, 1 for a startup failure, 2
// for an unrecoverable runtime fault.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/weave-foundation/weave/lib/conductor"
	"github.com/weave-foundation/weave/lib/config"
	"github.com/weave-foundation/weave/lib/secret"
	"github.com/weave-foundation/weave/lib/version"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", r)
			os.Exit(2)
		}
	}()
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath  string
		stateDir    string
		adminSocket string
		showVersion bool
	)
	pflag.StringVar(&configPath, "config", "", "path to weave.yaml (defaults to $WEAVE_CONFIG)")
	pflag.StringVar(&stateDir, "state-dir", "", "override the configured state directory")
	pflag.StringVar(&adminSocket, "admin-socket", "", "override the configured admin socket path")
	pflag.BoolVar(&showVersion, "version", false, "print version information and exit")
	pflag.Parse()

	if showVersion {
		fmt.Printf("weave-conductor %s\n", version.Info())
		return nil
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if stateDir != "" {
		cfg.StateDir = stateDir
	}
	if adminSocket != "" {
		cfg.AdminSocket = adminSocket
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	passphrase, err := readPassphrase(cfg.PassphraseFile)
	if err != nil {
		return err
	}
	defer passphrase.Close()

	node, err := conductor.New(conductor.Config{
		StateDir:   cfg.StateDir,
		Passphrase: passphrase,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	defer node.Shutdown()

	for _, module := range builtinModules() {
		dna, err := node.RegisterModule(module)
		if err != nil {
			return fmt.Errorf("registering module %q: %w", module.Manifest().Name, err)
		}
		logger.Info("module registered", "module", module.Manifest().Name, "dna", dna)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := node.Start(ctx); err != nil {
		return err
	}
	for _, socket := range cfg.AppSockets {
		if err := node.AttachAppInterface(socket); err != nil {
			return fmt.Errorf("attaching app interface %s: %w", socket, err)
		}
	}

	admin := node.AdminServer(cfg.AdminSocket)
	adminDone := make(chan error, 1)
	go func() { adminDone <- admin.Serve(ctx) }()
	logger.Info("conductor running",
		"state_dir", cfg.StateDir,
		"admin_socket", cfg.AdminSocket,
		"app_sockets", len(cfg.AppSockets),
	)

	select {
	case <-ctx.Done():
		logger.Info("shutting down on signal")
	case <-node.Done():
		logger.Info("shutting down on admin request")
	case err := <-adminDone:
		if err != nil && ctx.Err() == nil {
			return fmt.Errorf("admin interface: %w", err)
		}
	}
	return nil
}

// loadConfig loads the named file, or WEAVE_CONFIG, or the defaults
// when neither is given.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	if os.Getenv("WEAVE_CONFIG") != "" {
		return config.Load()
	}
	return config.Default(), nil
}

// logLevel maps the configured level, with WEAVE_LOG taking
// precedence.
func logLevel(configured string) slog.Level {
	name := configured
	if env := os.Getenv("WEAVE_LOG"); env != "" {
		name = env
	}
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// readPassphrase takes the keystore passphrase from
// WEAVE_PASSPHRASE_FILE, the configured file, or an interactive
// prompt, in that order.
func readPassphrase(configuredFile string) (*secret.Buffer, error) {
	path := os.Getenv("WEAVE_PASSPHRASE_FILE")
	if path == "" {
		path = configuredFile
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading passphrase file: %w", err)
		}
		trimmed := []byte(strings.TrimRight(string(data), "\r\n"))
		buffer, err := secret.FromBytes(trimmed)
		if err != nil {
			return nil, err
		}
		return buffer, nil
	}

	stdinFD := int(os.Stdin.Fd())
	if !term.IsTerminal(stdinFD) {
		return nil, fmt.Errorf("no passphrase file configured and stdin is not a terminal; " +
			"set WEAVE_PASSPHRASE_FILE or passphrase_file in the config")
	}
	fmt.Fprint(os.Stderr, "keystore passphrase: ")
	raw, err := term.ReadPassword(stdinFD)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("reading passphrase: %w", err)
	}
	return secret.FromBytes(raw)
}

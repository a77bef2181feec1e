// Copyright 2026 The Weave Authors
// SPDX-License-Identifier: Apache-2.0

// Package conductor assembles cells into a running node: it owns the
// keystore and the state directory, keeps the app registry, wires
// each enabled app's journal, stores, validation engines, workflows,
// and dispatcher together, and exposes the admin and application
// interfaces over local sockets. A fatal condition in one cell
// disables that cell; the rest of the node keeps running.
package conductor

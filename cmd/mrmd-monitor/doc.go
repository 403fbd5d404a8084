// Copyright 2026 The mrmd-monitor Authors
// SPDX-License-Identifier: Apache-2.0

// Mrmd-monitor is the headless execution monitor for collaborative
// notebooks. It joins a shared document as a peer, claims execution
// requests published by browser editors, runs them against remote
// language runtimes, and streams the projected output back into the
// document — so closing a browser tab never kills a running
// execution.
//
// Usage:
//
//	mrmd-monitor [flags] <sync-url>
//
// The sync URL points at the CRDT coordination server; ws:// is
// assumed when no scheme is given. One monitor instance observes one
// document, selected with --doc.
//
// Flags:
//
//	--doc <path>          document/room name (default "default")
//	--name <name>         awareness display name (default "mrmd-monitor")
//	--color <hex>         awareness color (default "#10b981")
//	--log-level <level>   debug, info, warn, or error (default "info")
//	--log-format <fmt>    json or pretty (default "pretty")
//	--config <file>       optional YAML config file with defaults
//	-h, --help            print usage and exit
//
// SIGINT and SIGTERM trigger graceful shutdown: in-flight executions
// are cancelled, the transport disconnects, and the process exits 0
// after a short drain. Invalid arguments and connect failures exit 1.
package main

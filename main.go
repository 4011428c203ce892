// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
)

func main() {
	fmt.Println("🚀 go-lwwsync - Offline-First Last-Writer-Wins Synchronization")
	fmt.Println("=============================================================")
	fmt.Println()
	fmt.Println("go-lwwsync keeps a local SQLite replica in sync with a remote document store.")
	fmt.Println("Local writes land in an outbox and are pushed later; remote changes are pulled")
	fmt.Println("incrementally and concurrent edits are resolved by last-writer-wins.")
	fmt.Println()

	fmt.Println("📚 Available Examples:")
	fmt.Println()
	fmt.Println("1. 🌐 HTTP Server Example (examples/nethttp_server/)")
	fmt.Println("   Remote document store served over net/http")
	fmt.Println("   Features: JWT auth, per-user namespaces, PostgreSQL, S3 or in-memory storage")
	fmt.Println("   Run: go run ./examples/nethttp_server")
	fmt.Println()

	fmt.Println("2. 📱 Mobile Flow Simulator (examples/mobile_flow/)")
	fmt.Println("   Simulated devices going offline, reinstalling and editing concurrently")
	fmt.Println("   Features: scenarios, UI observer, PostgreSQL verification, JSON reports")
	fmt.Println("   Run: go run ./examples/mobile_flow -scenario all")
	fmt.Println()

	fmt.Println("3. 🛠️  lwwctl (examples/lwwctl/)")
	fmt.Println("   Command-line tool for inspecting and driving a replica")
	fmt.Println("   Features: outbox and conflict log inspection, record edits, sync passes")
	fmt.Println("   Run: go run ./examples/lwwctl --config lwwctl.yaml status")
	fmt.Println()
}

// Copyright 2025 OPENGIS.ch
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
)

func main() {
	fmt.Println("pum-go - PostgreSQL Upgrades Manager")
	fmt.Println("====================================")
	fmt.Println()
	fmt.Println("pum-go installs, upgrades and uninstalls versioned PostgreSQL modules")
	fmt.Println("from declarative YAML configurations, with parameters, database roles,")
	fmt.Println("application objects and demo data.")
	fmt.Println()

	fmt.Println("Available Examples:")
	fmt.Println()
	fmt.Println("1. Demo Module (examples/demo_module/)")
	fmt.Println("   Installs a small city cadastre module and upgrades it step by step")
	fmt.Println("   Features: migration ledger, progress reporting, roles, demo data")
	fmt.Println("   Run: cd examples/demo_module && go run .")
	fmt.Println()

	fmt.Println("2. Background Runner (examples/background_runner/)")
	fmt.Println("   Runs operations on a background goroutine with live progress")
	fmt.Println("   Features: operation handles, native migration hooks, planning")
	fmt.Println("   Run: cd examples/background_runner && go run .")
	fmt.Println()
}

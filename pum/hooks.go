// Copyright 2025 OPENGIS.ch
// SPDX-License-Identifier: Apache-2.0

package pum

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jackc/pgx/v5"
)

// HookRunner executes one change unit inside the operation transaction.
// A runner either completes cleanly or returns an error, which rolls
// back the enclosing transaction.
type HookRunner interface {
	Run(ctx context.Context, tx pgx.Tx, parameters map[string]any, schema string) error
}

// HookRunnerFunc adapts a function to the HookRunner interface.
type HookRunnerFunc func(ctx context.Context, tx pgx.Tx, parameters map[string]any, schema string) error

func (f HookRunnerFunc) Run(ctx context.Context, tx pgx.Tx, parameters map[string]any, schema string) error {
	return f(ctx, tx, parameters, schema)
}

// ChangeUnit is one executable delta belonging to a version step or a
// hook set: either an SQL file applied verbatim or a named native hook
// bound through Config.RegisterHook.
type ChangeUnit struct {
	Name string // display name for progress and logs
	Path string // absolute SQL file path, empty for native hooks
	Hook string // registered hook name, empty for SQL files

	runner HookRunner
}

func (u *ChangeUnit) resolveRunner(registry map[string]HookRunner) (HookRunner, error) {
	if u.runner != nil {
		return u.runner, nil
	}
	if u.Hook != "" {
		if r, ok := registry[u.Hook]; ok {
			return r, nil
		}
		return nil, fmt.Errorf("hook %q is not registered", u.Hook)
	}
	return nil, fmt.Errorf("change unit %q has no runner", u.Name)
}

// ScriptRunner executes the SQL file at Path. The file may contain
// multiple statements and is sent verbatim in a single round trip.
// Parameters are not substituted into scripts; parametrized work
// belongs in native hooks. Scripts run with the search_path set to the
// target schema by the enclosing operation.
type ScriptRunner struct {
	Path string
}

func (r *ScriptRunner) Run(ctx context.Context, tx pgx.Tx, _ map[string]any, _ string) error {
	sql, err := os.ReadFile(r.Path)
	if err != nil {
		return fmt.Errorf("read script: %w", err)
	}
	if len(bytes.TrimSpace(sql)) == 0 {
		return nil
	}
	if _, err := tx.Exec(ctx, string(sql)); err != nil {
		return fmt.Errorf("script %s: %w", filepath.Base(r.Path), err)
	}
	return nil
}

// Copyright 2025 OPENGIS.ch
// SPDX-License-Identifier: Apache-2.0

package pum

import (
	"errors"
	"fmt"
)

// Operation error sentinels; callers match with errors.Is to tell
// precondition failures apart from database-level failures.
var (
	ErrConfig             = errors.New("invalid configuration")
	ErrAlreadyInstalled   = errors.New("module already installed")
	ErrModuleMismatch     = errors.New("module mismatch")
	ErrNoUninstallDefined = errors.New("no uninstall hooks defined")
	ErrCorruptLedger      = errors.New("corrupt migration ledger")
	ErrRoleInUse          = errors.New("role in use")
	ErrOperationFailed    = errors.New("operation failed")
	ErrCancelled          = errors.New("operation cancelled")
	ErrBetaTesting        = errors.New("beta-testing install")
	ErrDemoData           = errors.New("demo data load failed")
	ErrDependency         = errors.New("dependency not satisfied")
)

// Human-readable outcome messages consumed by operation runners. Every
// rollback path guarantees the first; the second covers the one case
// where termination happened outside the engine's control.
const (
	MsgNothingChanged    = "nothing was changed"
	MsgForcedTermination = "operation did not respond to cancellation and was forcefully terminated, verify the database manually"
)

// ConfigError reports a malformed or incomplete configuration field.
// It unwraps to ErrConfig.
type ConfigError struct {
	Field  string // dotted path of the offending field, may be empty
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid configuration: %s", e.Reason)
	}
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}

func (e *ConfigError) Unwrap() error { return ErrConfig }

func configErrorf(field, format string, args ...any) error {
	return &ConfigError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

var taxonomy = []error{
	ErrConfig,
	ErrAlreadyInstalled,
	ErrModuleMismatch,
	ErrNoUninstallDefined,
	ErrCorruptLedger,
	ErrRoleInUse,
	ErrOperationFailed,
	ErrCancelled,
	ErrBetaTesting,
	ErrDemoData,
	ErrDependency,
}

// wrapOperation tags err as an operation failure unless it already
// belongs to the error taxonomy.
func wrapOperation(err error) error {
	if err == nil {
		return nil
	}
	for _, sentinel := range taxonomy {
		if errors.Is(err, sentinel) {
			return err
		}
	}
	return fmt.Errorf("%w: %w", ErrOperationFailed, err)
}

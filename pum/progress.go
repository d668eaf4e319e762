// Copyright 2025 OPENGIS.ch
// SPDX-License-Identifier: Apache-2.0

package pum

import (
	"context"
)

// OperationState constants for the per-operation lifecycle
const (
	StatePending    OperationState = "pending"
	StateValidating OperationState = "validating"
	StateApplying   OperationState = "applying"
	StateCommitted  OperationState = "committed"
	StateRolledBack OperationState = "rolled_back"
	StateCancelled  OperationState = "cancelled"
)

// OperationState names one phase of an operation's lifecycle.
type OperationState string

// ProgressEvent is one progress notification emitted while an operation
// runs. Total == 0 signals indeterminate progress (precondition checks
// and other unbounded phases).
type ProgressEvent struct {
	Message string
	Current int
	Total   int
}

// ProgressReporter receives progress events from a running operation.
// Implementations must not block; a slow consumer stalls the operation.
type ProgressReporter interface {
	ReportProgress(ctx context.Context, event ProgressEvent)
}

// ProgressReporterFunc adapts a function to the ProgressReporter interface.
type ProgressReporterFunc func(ctx context.Context, event ProgressEvent)

func (f ProgressReporterFunc) ReportProgress(ctx context.Context, event ProgressEvent) {
	f(ctx, event)
}

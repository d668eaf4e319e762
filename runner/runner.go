// Copyright 2025 OPENGIS.ch
// SPDX-License-Identifier: Apache-2.0

package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/opengisch/pum-go/pum"
)

// OperationName identifies one migration or role operation.
type OperationName string

// Operations the runner can execute
const (
	OpInstall     OperationName = "install"
	OpUpgrade     OperationName = "upgrade"
	OpUninstall   OperationName = "uninstall"
	OpDropApp     OperationName = "drop_app"
	OpCreateApp   OperationName = "create_app"
	OpRecreateApp OperationName = "recreate_app"
	OpRoles       OperationName = "roles"
	OpPlan        OperationName = "plan"
)

// Task describes one operation to run in the background.
type Task struct {
	Name    OperationName
	Config  *pum.Config
	DB      pum.DB
	Options pum.OperationOptions
}

// Result is the terminal outcome of a finished operation.
type Result struct {
	ID      uuid.UUID
	Name    OperationName
	State   pum.OperationState
	Success bool
	// Message is a one-line human-readable outcome, also on failure.
	Message string
	Err     error

	// Installed is the version reached by a successful install.
	Installed *pum.Version
	// Applied lists the versions applied by an upgrade, oldest first.
	Applied []pum.Version
	// Plan carries the inspection result of a plan operation.
	Plan *pum.MigrationPlan
}

// progress channel capacity; when the consumer lags the oldest event
// is dropped so the engine never blocks.
const progressBuffer = 64

// Runner executes operations one at a time on a background goroutine,
// relaying progress events and a terminal result through channels. The
// single-flight guard mirrors the engine's assumption of exclusive
// connection ownership during an operation.
type Runner struct {
	logger *slog.Logger
	busy   atomic.Bool
}

// New creates a runner.
func New(logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{logger: logger}
}

// Handle tracks one running operation.
type Handle struct {
	ID uuid.UUID

	name      OperationName
	progress  chan pum.ProgressEvent
	done      chan Result
	state     atomic.Value // pum.OperationState
	canceller *pum.Canceller
}

// Name returns the operation this handle tracks.
func (h *Handle) Name() OperationName { return h.name }

// Progress delivers progress events while the operation runs. The
// channel is closed before the result is published.
func (h *Handle) Progress() <-chan pum.ProgressEvent { return h.progress }

// Done delivers the terminal result and is then closed.
func (h *Handle) Done() <-chan Result { return h.done }

// Cancel requests cooperative cancellation. The engine stops at the
// next change unit boundary and rolls the transaction back.
func (h *Handle) Cancel() { h.canceller.Cancel() }

// State returns the operation's current lifecycle state.
func (h *Handle) State() pum.OperationState {
	return h.state.Load().(pum.OperationState)
}

// ReportProgress implements pum.ProgressReporter. Events are forwarded
// without ever blocking the engine; a full buffer drops the oldest
// event.
func (h *Handle) ReportProgress(_ context.Context, event pum.ProgressEvent) {
	if event.Total > 0 {
		h.state.CompareAndSwap(pum.StateValidating, pum.StateApplying)
	}
	select {
	case h.progress <- event:
	default:
		select {
		case <-h.progress:
		default:
		}
		select {
		case h.progress <- event:
		default:
		}
	}
}

// Start launches the task on a background goroutine and returns its
// handle. A runner executes one operation at a time; starting another
// while one is in flight is an error.
func (r *Runner) Start(ctx context.Context, task Task) (*Handle, error) {
	if task.Config == nil {
		return nil, errors.New("task config cannot be nil")
	}
	if task.DB == nil {
		return nil, errors.New("task database cannot be nil")
	}
	if !r.busy.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("%w: an operation is already running", pum.ErrOperationFailed)
	}

	h := &Handle{
		ID:        uuid.New(),
		name:      task.Name,
		progress:  make(chan pum.ProgressEvent, progressBuffer),
		done:      make(chan Result, 1),
		canceller: &pum.Canceller{},
	}
	h.state.Store(pum.StatePending)

	upgrader, err := pum.NewUpgrader(task.Config, &pum.UpgraderOptions{
		Progress:  h,
		Canceller: h.canceller,
	}, r.logger)
	if err != nil {
		r.busy.Store(false)
		return nil, err
	}

	go r.run(ctx, task, upgrader, h)
	return h, nil
}

func (r *Runner) run(ctx context.Context, task Task, upgrader *pum.Upgrader, h *Handle) {
	h.state.Store(pum.StateValidating)
	r.logger.Info("Operation started",
		"operation", string(task.Name), "id", h.ID, "module", task.Config.Module())

	res := Result{ID: h.ID, Name: task.Name}
	var err error
	switch task.Name {
	case OpInstall:
		var installed pum.Version
		installed, err = upgrader.Install(ctx, task.DB, task.Options)
		if err == nil || errors.Is(err, pum.ErrDemoData) {
			res.Installed = &installed
		}
	case OpUpgrade:
		res.Applied, err = upgrader.Upgrade(ctx, task.DB, task.Options)
	case OpUninstall:
		err = upgrader.Uninstall(ctx, task.DB, task.Options)
	case OpDropApp:
		err = upgrader.DropApp(ctx, task.DB, task.Options)
	case OpCreateApp:
		err = upgrader.CreateApp(ctx, task.DB, task.Options)
	case OpRecreateApp:
		err = upgrader.RecreateApp(ctx, task.DB, task.Options)
	case OpRoles:
		err = upgrader.Roles(ctx, task.DB, task.Options)
	case OpPlan:
		res.Plan, err = upgrader.Plan(ctx, task.DB, task.Options)
	default:
		err = fmt.Errorf("%w: unknown operation %q", pum.ErrOperationFailed, task.Name)
	}
	r.conclude(task, &res, err)

	h.state.Store(res.State)
	close(h.progress)
	// free the runner before publishing, so whoever receives the
	// result can start the next operation right away
	r.busy.Store(false)
	h.done <- res
	close(h.done)
	r.logger.Info("Operation finished",
		"operation", string(task.Name), "id", h.ID, "state", string(res.State),
		"success", res.Success, "message", res.Message)
}

// conclude maps the operation error onto the terminal state and the
// outcome message.
func (r *Runner) conclude(task Task, res *Result, err error) {
	switch {
	case err == nil:
		res.State = pum.StateCommitted
		res.Success = true
		res.Message = successMessage(task, res)
	case errors.Is(err, pum.ErrCancelled):
		res.State = pum.StateCancelled
		res.Err = err
		res.Message = fmt.Sprintf("%s, %s", err, pum.MsgNothingChanged)
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		// the context escape hatch aborts mid-statement; the session
		// state is not verified after that
		res.State = pum.StateRolledBack
		res.Err = err
		res.Message = pum.MsgForcedTermination
	case errors.Is(err, pum.ErrDemoData):
		// the installation itself committed before demo data ran
		res.State = pum.StateCommitted
		res.Err = err
		res.Message = err.Error()
	default:
		res.State = pum.StateRolledBack
		res.Err = err
		res.Message = fmt.Sprintf("%s, %s", err, pum.MsgNothingChanged)
	}
}

func successMessage(task Task, res *Result) string {
	module := task.Config.Module()
	schema := task.Config.Schema()
	switch task.Name {
	case OpInstall:
		return fmt.Sprintf("module %s version %s installed in schema %s", module, res.Installed, schema)
	case OpUpgrade:
		if len(res.Applied) == 0 {
			return pum.MsgNothingChanged
		}
		return fmt.Sprintf("module %s upgraded to %s in schema %s (%d steps)",
			module, res.Applied[len(res.Applied)-1], schema, len(res.Applied))
	case OpUninstall:
		return fmt.Sprintf("module %s removed from schema %s", module, schema)
	case OpDropApp:
		return fmt.Sprintf("app objects dropped in schema %s", schema)
	case OpCreateApp:
		return fmt.Sprintf("app objects created in schema %s", schema)
	case OpRecreateApp:
		return fmt.Sprintf("app objects recreated in schema %s", schema)
	case OpRoles:
		return "database roles and permissions ensured"
	case OpPlan:
		return planMessage(res.Plan)
	default:
		return "operation finished"
	}
}

func planMessage(plan *pum.MigrationPlan) string {
	switch plan.Comparison {
	case pum.NotInstalled:
		return fmt.Sprintf("module %s is not installed, %d steps would install version %s",
			plan.Module, len(plan.Pending), plan.Target)
	case pum.UpgradeAvailable:
		return fmt.Sprintf("module %s can upgrade from %s to %s (%d steps)",
			plan.Module, plan.Baseline, plan.Target, len(plan.Pending))
	case pum.UpToDate:
		return fmt.Sprintf("module %s is up to date in schema %s", plan.Module, plan.Schema)
	case pum.TargetOlderThanBaseline:
		return fmt.Sprintf("target version %s is older than installed version %s", plan.Target, plan.Baseline)
	case pum.DifferentModule:
		return fmt.Sprintf("schema %s holds module %s, not %s", plan.Schema, plan.Record.Module, plan.Module)
	default:
		return string(plan.Comparison)
	}
}

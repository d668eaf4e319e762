// Copyright 2025 OPENGIS.ch
// SPDX-License-Identifier: Apache-2.0

package pum

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
)

// UpgraderOptions carries the optional collaborators of an Upgrader.
type UpgraderOptions struct {
	// Progress receives fine-grained progress events while an
	// operation runs. Nil disables reporting.
	Progress ProgressReporter
	// Canceller is polled between change units; a cancelled flag
	// aborts the operation and rolls the transaction back. Nil
	// disables cooperative cancellation.
	Canceller *Canceller
}

// Upgrader executes migration operations for one module configuration
// against a target database. All mutating operations run inside a
// single transaction: either every change unit applies and the ledger
// is updated, or nothing is.
type Upgrader struct {
	cfg    *Config
	ledger *SchemaMigrations
	opts   UpgraderOptions
	logger *slog.Logger
}

// NewUpgrader creates an upgrader for the given configuration.
func NewUpgrader(cfg *Config, opts *UpgraderOptions, logger *slog.Logger) (*Upgrader, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}
	if opts == nil {
		opts = &UpgraderOptions{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Upgrader{
		cfg:    cfg,
		ledger: NewSchemaMigrations(cfg, logger),
		opts:   *opts,
		logger: logger,
	}, nil
}

// OperationOptions tunes a single operation invocation. The zero value
// is a plain run with declared defaults.
type OperationOptions struct {
	// Parameters supplies values for declared parameters by name.
	Parameters map[string]any
	// MaxVersion caps install and upgrade at this version instead of
	// the newest declared step.
	MaxVersion *Version
	// BetaTesting marks the installation as a beta deployment.
	// Upgrading it later requires Force.
	BetaTesting bool
	// Force overrides the beta testing upgrade guard.
	Force bool
	// AllowMultipleModules permits installing next to records of other
	// modules in the same database.
	AllowMultipleModules bool

	// Roles creates the declared database roles as part of the
	// operation, Grant additionally applies their schema grants.
	Roles           bool
	Grant           bool
	Suffix          string
	CreateGeneric   bool
	GrantToSpecific bool

	// InstallDemoData loads a demo data set after a successful
	// install, in its own transaction. DemoDataName selects the set
	// when the module declares more than one.
	InstallDemoData bool
	DemoDataName    string
}

func (o OperationOptions) roleOptions(commit bool) CreateRolesOptions {
	return CreateRolesOptions{
		Suffix:          o.Suffix,
		CreateGeneric:   o.CreateGeneric,
		Grant:           o.Grant,
		GrantToSpecific: o.GrantToSpecific,
		Commit:          commit,
	}
}

// Comparison relates the database state to the configured target.
type Comparison string

// Comparison outcomes
const (
	NotInstalled            Comparison = "not_installed"
	UpToDate                Comparison = "up_to_date"
	UpgradeAvailable        Comparison = "upgrade_available"
	TargetOlderThanBaseline Comparison = "target_older_than_baseline"
	DifferentModule         Comparison = "different_module"
)

// MigrationPlan describes what an install or upgrade would do, without
// touching the database.
type MigrationPlan struct {
	Module     string
	Schema     string
	Baseline   *Version // installed version, nil when not installed
	Target     *Version // version the operation would reach
	Comparison Comparison
	// Pending are the version steps an operation would apply, oldest
	// first.
	Pending []VersionStep
	// Record is the ledger row the comparison was made against. For
	// DifferentModule it is the foreign module's record.
	Record *MigrationRecord
}

// Plan inspects the ledger and reports what Install or Upgrade would
// do with the given options.
func (u *Upgrader) Plan(ctx context.Context, db DB, opts OperationOptions) (*MigrationPlan, error) {
	mine, foreign, err := u.currentRecords(ctx, db)
	if err != nil {
		return nil, err
	}
	plan := &MigrationPlan{
		Module: u.cfg.Module(),
		Schema: u.cfg.Schema(),
		Target: u.targetVersion(opts),
	}
	switch {
	case mine == nil && foreign != nil:
		plan.Comparison = DifferentModule
		plan.Record = foreign
	case mine == nil:
		plan.Comparison = NotInstalled
		plan.Pending = u.cfg.PendingSteps(nil, plan.Target)
	default:
		plan.Record = mine
		baseline := mine.Baseline
		plan.Baseline = &baseline
		switch {
		case plan.Target == nil:
			plan.Comparison = UpToDate
		case plan.Target.Less(baseline):
			plan.Comparison = TargetOlderThanBaseline
		default:
			plan.Pending = u.cfg.PendingSteps(&baseline, plan.Target)
			if len(plan.Pending) == 0 {
				plan.Comparison = UpToDate
			} else {
				plan.Comparison = UpgradeAvailable
			}
		}
	}
	return plan, nil
}

// Install applies every version step up to the target version, runs
// the install and app creation hooks, optionally creates roles, and
// writes the ledger record, all in one transaction. It returns the
// installed version.
//
// When demo data is requested it loads after the commit in a second
// transaction; a demo data failure surfaces as ErrDemoData while the
// installation itself stays committed.
func (u *Upgrader) Install(ctx context.Context, db DB, opts OperationOptions) (Version, error) {
	if err := u.cfg.validateHooks(); err != nil {
		return Version{}, err
	}
	if len(u.cfg.Steps()) == 0 {
		return Version{}, configErrorf("changelogs", "module %s declares no version steps", u.cfg.Module())
	}
	target := u.targetVersion(opts)
	pending := u.cfg.PendingSteps(nil, target)
	if len(pending) == 0 {
		return Version{}, wrapOperation(fmt.Errorf("no version steps up to %s", target))
	}
	baseline := pending[len(pending)-1].Version

	records, err := u.ledger.InstalledModules(ctx, db)
	if err != nil {
		return Version{}, wrapOperation(err)
	}
	if err := u.checkInstallable(records, opts); err != nil {
		return Version{}, err
	}
	if err := u.checkDependencies(records); err != nil {
		return Version{}, err
	}
	params, err := u.cfg.ResolveParameters(opts.Parameters, nil)
	if err != nil {
		return Version{}, err
	}
	u.logger.Debug("Install preconditions passed",
		"module", u.cfg.Module(), "schema", u.cfg.Schema(), "target", baseline.String())

	counter := u.newCounter(countUnits(pending) + len(u.cfg.installHooks) + len(u.cfg.appCreate))
	err = pgx.BeginFunc(ctx, db, func(tx pgx.Tx) error {
		if err := u.ledger.ensureTable(ctx, tx); err != nil {
			return err
		}
		if err := u.prepareSchema(ctx, tx, true); err != nil {
			return err
		}
		for _, step := range pending {
			if err := u.applyStep(ctx, tx, step, params, counter); err != nil {
				return err
			}
		}
		if err := u.runUnits(ctx, tx, "Install", u.cfg.installHooks, params, counter); err != nil {
			return err
		}
		if err := u.runUnits(ctx, tx, "Create app", u.cfg.appCreate, params, counter); err != nil {
			return err
		}
		if opts.Roles {
			if err := u.cfg.RoleManager(u.logger).createRolesTx(ctx, tx, opts.roleOptions(true)); err != nil {
				return err
			}
		}
		return u.ledger.insertRecord(ctx, tx, baseline, opts.BetaTesting, recordedParameters(u.cfg, params))
	})
	if err != nil {
		return Version{}, wrapOperation(err)
	}
	u.logger.Info("Installed module",
		"module", u.cfg.Module(), "schema", u.cfg.Schema(), "version", baseline.String())

	if opts.InstallDemoData {
		if err := u.installDemoData(ctx, db, opts.DemoDataName, params); err != nil {
			return baseline, err
		}
	}
	return baseline, nil
}

// Upgrade applies the version steps between the installed baseline and
// the target version in one transaction and advances the ledger
// record. It returns the versions applied, oldest first; an empty
// result means the schema was already up to date.
func (u *Upgrader) Upgrade(ctx context.Context, db DB, opts OperationOptions) ([]Version, error) {
	if err := u.cfg.validateHooks(); err != nil {
		return nil, err
	}
	mine, foreign, err := u.currentRecords(ctx, db)
	if err != nil {
		return nil, err
	}
	if mine == nil {
		if foreign != nil {
			return nil, fmt.Errorf("%w: schema %s holds module %s, not %s",
				ErrModuleMismatch, u.cfg.Schema(), foreign.Module, u.cfg.Module())
		}
		return nil, fmt.Errorf("%w: module %s is not installed in schema %s",
			ErrModuleMismatch, u.cfg.Module(), u.cfg.Schema())
	}
	if mine.BetaTesting && !opts.Force {
		return nil, fmt.Errorf("%w: schema %s was installed with beta testing enabled, pass force to upgrade",
			ErrBetaTesting, u.cfg.Schema())
	}
	params, err := u.cfg.ResolveParameters(opts.Parameters, mine.Parameters)
	if err != nil {
		return nil, err
	}

	baseline := mine.Baseline
	target := u.targetVersion(opts)
	if target == nil || target.Compare(baseline) == 0 {
		u.logger.Info("Schema is up to date", "schema", u.cfg.Schema(), "version", baseline.String())
		return nil, nil
	}
	if target.Less(baseline) {
		return nil, wrapOperation(fmt.Errorf("target version %s is older than installed version %s",
			target, baseline))
	}
	pending := u.cfg.PendingSteps(&baseline, target)
	if len(pending) == 0 {
		u.logger.Info("No version steps to apply",
			"schema", u.cfg.Schema(), "baseline", baseline.String(), "target", target.String())
		return nil, nil
	}
	newBaseline := pending[len(pending)-1].Version

	counter := u.newCounter(countUnits(pending))
	err = pgx.BeginFunc(ctx, db, func(tx pgx.Tx) error {
		if err := u.prepareSchema(ctx, tx, false); err != nil {
			return err
		}
		for _, step := range pending {
			if err := u.applyStep(ctx, tx, step, params, counter); err != nil {
				return err
			}
		}
		if opts.Roles {
			if err := u.cfg.RoleManager(u.logger).createRolesTx(ctx, tx, opts.roleOptions(true)); err != nil {
				return err
			}
		}
		return u.ledger.updateBaseline(ctx, tx, newBaseline)
	})
	if err != nil {
		return nil, wrapOperation(err)
	}

	applied := make([]Version, len(pending))
	for i, step := range pending {
		applied[i] = step.Version
	}
	u.logger.Info("Upgraded module", "module", u.cfg.Module(), "schema", u.cfg.Schema(),
		"from", baseline.String(), "to", newBaseline.String(), "steps", len(applied))
	return applied, nil
}

// Uninstall runs the uninstall change units and removes the ledger
// record in one transaction. A module without declared uninstall units
// refuses with ErrNoUninstallDefined. A missing ledger record is
// tolerated so half-removed schemas can be cleaned up.
func (u *Upgrader) Uninstall(ctx context.Context, db DB, opts OperationOptions) error {
	if len(u.cfg.uninstallHooks) == 0 {
		return fmt.Errorf("%w: module %s", ErrNoUninstallDefined, u.cfg.Module())
	}
	if err := u.cfg.validateHooks(); err != nil {
		return err
	}
	rec, _, err := u.currentRecords(ctx, db)
	if err != nil {
		return err
	}
	var recorded map[string]any
	if rec != nil {
		recorded = rec.Parameters
	}
	params, err := u.cfg.ResolveParameters(opts.Parameters, recorded)
	if err != nil {
		return err
	}

	counter := u.newCounter(len(u.cfg.uninstallHooks))
	err = pgx.BeginFunc(ctx, db, func(tx pgx.Tx) error {
		if err := u.prepareSchema(ctx, tx, false); err != nil {
			return err
		}
		if err := u.runUnits(ctx, tx, "Uninstall", u.cfg.uninstallHooks, params, counter); err != nil {
			return err
		}
		found, err := u.ledger.deleteRecord(ctx, tx)
		if err != nil {
			return err
		}
		if !found {
			u.logger.Warn("No ledger record found during uninstall",
				"module", u.cfg.Module(), "schema", u.cfg.Schema())
		}
		return nil
	})
	if err != nil {
		return wrapOperation(err)
	}
	u.logger.Info("Uninstalled module", "module", u.cfg.Module(), "schema", u.cfg.Schema())
	return nil
}

// CreateApp runs the app creation units. The app layer holds derived
// objects like views and triggers that are rebuilt rather than
// migrated; running it again replaces them in place.
func (u *Upgrader) CreateApp(ctx context.Context, db DB, opts OperationOptions) error {
	return u.appOperation(ctx, db, opts, false, true)
}

// DropApp runs the app drop units, removing the derived app objects
// while leaving the migrated data schema alone.
func (u *Upgrader) DropApp(ctx context.Context, db DB, opts OperationOptions) error {
	return u.appOperation(ctx, db, opts, true, false)
}

// RecreateApp drops and recreates the app objects in one transaction.
func (u *Upgrader) RecreateApp(ctx context.Context, db DB, opts OperationOptions) error {
	return u.appOperation(ctx, db, opts, true, true)
}

func (u *Upgrader) appOperation(ctx context.Context, db DB, opts OperationOptions, drop, create bool) error {
	if err := u.cfg.validateHooks(); err != nil {
		return err
	}
	var units int
	if drop {
		units += len(u.cfg.appDrop)
	}
	if create {
		units += len(u.cfg.appCreate)
	}
	if units == 0 {
		u.logger.Warn("Module declares no app units, nothing to do", "module", u.cfg.Module())
		return nil
	}
	rec, _, err := u.currentRecords(ctx, db)
	if err != nil {
		return err
	}
	var recorded map[string]any
	if rec != nil {
		recorded = rec.Parameters
	}
	params, err := u.cfg.ResolveParameters(opts.Parameters, recorded)
	if err != nil {
		return err
	}

	counter := u.newCounter(units)
	err = pgx.BeginFunc(ctx, db, func(tx pgx.Tx) error {
		if err := u.prepareSchema(ctx, tx, false); err != nil {
			return err
		}
		if drop {
			if err := u.runUnits(ctx, tx, "Drop app", u.cfg.appDrop, params, counter); err != nil {
				return err
			}
		}
		if create {
			if err := u.runUnits(ctx, tx, "Create app", u.cfg.appCreate, params, counter); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return wrapOperation(err)
	}
	u.logger.Info("App operation finished",
		"module", u.cfg.Module(), "schema", u.cfg.Schema(), "dropped", drop, "created", create)
	return nil
}

// Roles creates the declared roles and grants outside of any install,
// so permissions can be reconciled on an existing deployment.
func (u *Upgrader) Roles(ctx context.Context, db DB, opts OperationOptions) error {
	if err := u.cfg.RoleManager(u.logger).CreateRoles(ctx, db, opts.roleOptions(true)); err != nil {
		return wrapOperation(err)
	}
	return nil
}

// InstalledParameters returns the parameter values recorded at install
// time, nil when the module is not installed.
func (u *Upgrader) InstalledParameters(ctx context.Context, db DB) (map[string]any, error) {
	rec, err := u.ledger.MigrationDetails(ctx, db)
	if err != nil || rec == nil {
		return nil, err
	}
	return rec.Parameters, nil
}

// Ledger exposes the migration ledger for read-only inspection.
func (u *Upgrader) Ledger() *SchemaMigrations {
	return u.ledger
}

// targetVersion resolves the version an operation aims for: the
// explicit cap when given, else the newest declared step.
func (u *Upgrader) targetVersion(opts OperationOptions) *Version {
	if opts.MaxVersion != nil {
		v := *opts.MaxVersion
		return &v
	}
	return u.cfg.LastVersion()
}

// currentRecords returns this module's ledger record for the target
// schema and, when this module is absent, the record of another module
// occupying the same schema.
func (u *Upgrader) currentRecords(ctx context.Context, db DB) (mine, foreign *MigrationRecord, err error) {
	records, err := u.ledger.InstalledModules(ctx, db)
	if err != nil {
		return nil, nil, wrapOperation(err)
	}
	for i := range records {
		rec := &records[i]
		if rec.Schema != u.cfg.Schema() {
			continue
		}
		if rec.Module == u.cfg.Module() {
			mine = rec
		} else if foreign == nil {
			foreign = rec
		}
	}
	return mine, foreign, nil
}

func (u *Upgrader) checkInstallable(records []MigrationRecord, opts OperationOptions) error {
	for i := range records {
		rec := &records[i]
		if rec.Module == u.cfg.Module() && rec.Schema == u.cfg.Schema() {
			return fmt.Errorf("%w: module %s version %s in schema %s",
				ErrAlreadyInstalled, rec.Module, rec.Baseline, rec.Schema)
		}
	}
	if opts.AllowMultipleModules {
		return nil
	}
	for i := range records {
		rec := &records[i]
		if rec.Module != u.cfg.Module() {
			return fmt.Errorf("%w: module %s is installed in schema %s, enable multiple modules to install %s alongside",
				ErrAlreadyInstalled, rec.Module, rec.Schema, u.cfg.Module())
		}
	}
	return nil
}

// checkDependencies verifies every declared dependency has a ledger
// record, at its minimum version when one is required. Dependencies
// are never installed implicitly.
func (u *Upgrader) checkDependencies(records []MigrationRecord) error {
	for _, dep := range u.cfg.Dependencies() {
		var best *Version
		for i := range records {
			if records[i].Module != dep.Module {
				continue
			}
			v := records[i].Baseline
			if best == nil || best.Less(v) {
				best = &v
			}
		}
		if best == nil {
			return fmt.Errorf("%w: required module %s is not installed", ErrDependency, dep.Module)
		}
		if dep.MinVersion != nil && best.Less(*dep.MinVersion) {
			return fmt.Errorf("%w: module %s version %s is installed, need at least %s",
				ErrDependency, dep.Module, best, dep.MinVersion)
		}
	}
	return nil
}

// prepareSchema pins the transaction's search_path to the target
// schema, creating the schema first when requested.
func (u *Upgrader) prepareSchema(ctx context.Context, tx pgx.Tx, create bool) error {
	ident := pgx.Identifier{u.cfg.Schema()}.Sanitize()
	if create {
		if _, err := tx.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS "+ident); err != nil {
			return fmt.Errorf("create schema %s: %w", u.cfg.Schema(), err)
		}
	}
	if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL search_path TO %s, public", ident)); err != nil {
		return fmt.Errorf("set search_path to %s: %w", u.cfg.Schema(), err)
	}
	return nil
}

// applyStep runs one version step's pre, change and post units in
// order, checking for cancellation before each unit.
func (u *Upgrader) applyStep(ctx context.Context, tx pgx.Tx, step VersionStep, params map[string]any, counter *progressCounter) error {
	groups := [][]ChangeUnit{step.Pre, step.Changes, step.Post}
	for _, units := range groups {
		for i := range units {
			unit := &units[i]
			if err := u.checkCancelled(unit.Name); err != nil {
				return err
			}
			u.report(ctx, fmt.Sprintf("Version %s: %s", step.Version, unit.Name), counter)
			if err := u.runUnit(ctx, tx, unit, params); err != nil {
				return fmt.Errorf("version %s unit %s: %w", step.Version, unit.Name, err)
			}
			counter.advance()
		}
	}
	return nil
}

// runUnits runs one hook set, checking for cancellation before each
// unit.
func (u *Upgrader) runUnits(ctx context.Context, tx pgx.Tx, label string, units []ChangeUnit, params map[string]any, counter *progressCounter) error {
	for i := range units {
		unit := &units[i]
		if err := u.checkCancelled(unit.Name); err != nil {
			return err
		}
		u.report(ctx, fmt.Sprintf("%s: %s", label, unit.Name), counter)
		if err := u.runUnit(ctx, tx, unit, params); err != nil {
			return fmt.Errorf("%s unit %s: %w", strings.ToLower(label), unit.Name, err)
		}
		counter.advance()
	}
	return nil
}

func (u *Upgrader) runUnit(ctx context.Context, tx pgx.Tx, unit *ChangeUnit, params map[string]any) error {
	runner, err := unit.resolveRunner(u.cfg.hooks)
	if err != nil {
		return err
	}
	return runner.Run(ctx, tx, params, u.cfg.Schema())
}

func (u *Upgrader) checkCancelled(next string) error {
	if u.opts.Canceller.Cancelled() {
		return fmt.Errorf("%w: stopped before %s", ErrCancelled, next)
	}
	return nil
}

// installDemoData loads one demo data set in its own transaction,
// after the installation has committed.
func (u *Upgrader) installDemoData(ctx context.Context, db DB, name string, params map[string]any) error {
	setName, path, err := u.demoDataSet(name)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDemoData, err)
	}
	u.report(ctx, fmt.Sprintf("Demo data: %s", setName), u.newCounter(0))
	err = pgx.BeginFunc(ctx, db, func(tx pgx.Tx) error {
		if err := u.prepareSchema(ctx, tx, false); err != nil {
			return err
		}
		runner := &ScriptRunner{Path: path}
		return runner.Run(ctx, tx, params, u.cfg.Schema())
	})
	if err != nil {
		return fmt.Errorf("%w: set %s: %w", ErrDemoData, setName, err)
	}
	u.logger.Info("Installed demo data", "set", setName, "schema", u.cfg.Schema())
	return nil
}

// demoDataSet picks a declared demo data set. An empty name is allowed
// when exactly one set is declared.
func (u *Upgrader) demoDataSet(name string) (string, string, error) {
	sets := u.cfg.DemoData()
	if len(sets) == 0 {
		return "", "", fmt.Errorf("module %s declares no demo data", u.cfg.Module())
	}
	if name == "" {
		if len(sets) == 1 {
			for n, p := range sets {
				return n, p, nil
			}
		}
		names := make([]string, 0, len(sets))
		for n := range sets {
			names = append(names, n)
		}
		sort.Strings(names)
		return "", "", fmt.Errorf("module %s declares several demo data sets, pick one of %s",
			u.cfg.Module(), strings.Join(names, ", "))
	}
	path, ok := sets[name]
	if !ok {
		return "", "", fmt.Errorf("unknown demo data set %q", name)
	}
	return name, path, nil
}

// recordedParameters filters the resolved values down to what belongs
// in the ledger: standard parameters are frozen at install time while
// app-only parameters stay editable per invocation.
func recordedParameters(cfg *Config, resolved map[string]any) map[string]any {
	out := make(map[string]any)
	for _, p := range cfg.Parameters() {
		if p.AppOnly {
			continue
		}
		if v, ok := resolved[p.Name]; ok {
			out[p.Name] = v
		}
	}
	return out
}

func countUnits(steps []VersionStep) int {
	var n int
	for i := range steps {
		n += steps[i].unitCount()
	}
	return n
}

type progressCounter struct {
	current int
	total   int
}

func (u *Upgrader) newCounter(total int) *progressCounter {
	return &progressCounter{total: total}
}

func (c *progressCounter) advance() { c.current++ }

// report forwards a progress event to the configured reporter and the
// debug log.
func (u *Upgrader) report(ctx context.Context, message string, counter *progressCounter) {
	u.logger.Debug("Progress", "message", message, "current", counter.current, "total", counter.total)
	if u.opts.Progress != nil {
		u.opts.Progress.ReportProgress(ctx, ProgressEvent{
			Message: message,
			Current: counter.current,
			Total:   counter.total,
		})
	}
}

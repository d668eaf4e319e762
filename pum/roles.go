// Copyright 2025 OPENGIS.ch
// SPDX-License-Identifier: Apache-2.0

package pum

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// AccessLevel orders schema permission requirements none < read < write.
type AccessLevel int

// Access level constants
const (
	AccessNone AccessLevel = iota
	AccessRead
	AccessWrite
)

func (l AccessLevel) String() string {
	switch l {
	case AccessRead:
		return "read"
	case AccessWrite:
		return "write"
	default:
		return "none"
	}
}

func parseAccessLevel(s string) (AccessLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return AccessNone, nil
	case "read":
		return AccessRead, nil
	case "write":
		return AccessWrite, nil
	default:
		return AccessNone, fmt.Errorf("unknown access level %q", s)
	}
}

// SchemaAccess declares the access level a role requires on one schema.
type SchemaAccess struct {
	Schema string
	Level  AccessLevel
}

// RoleDefinition declares one role the module expects. A generic
// variant carries the bare name and is shared across deployments; a
// specific variant carries a per-deployment suffix ("<name>_<suffix>").
type RoleDefinition struct {
	Name        string
	Description string
	Login       bool // whether the role is meant to hold LOGIN
	Generic     bool // a shared generic variant is expected
	Specific    bool // a suffixed specific variant is expected
	Permissions []SchemaAccess
}

// RoleManager derives PostgreSQL roles and schema grants from declared
// role definitions and reconciles them against a live database.
type RoleManager struct {
	defs   []RoleDefinition
	logger *slog.Logger
}

// NewRoleManager creates a role manager for the given definitions.
func NewRoleManager(defs []RoleDefinition, logger *slog.Logger) *RoleManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &RoleManager{defs: defs, logger: logger}
}

// CreateRolesOptions controls CreateRoles.
type CreateRolesOptions struct {
	// Suffix additionally creates "<name>_<suffix>" specific variants.
	Suffix string
	// CreateGeneric ensures the shared generic roles when a Suffix is
	// given. Generic roles are always created when no suffix is
	// requested.
	CreateGeneric bool
	// Grant applies the declared schema grants to every ensured role.
	Grant bool
	// GrantToSpecific grants each specific role to its generic
	// counterpart, so the generic role inherits access through the
	// specific one.
	GrantToSpecific bool
	// Commit commits the work; false rolls everything back (dry run).
	Commit bool
}

// CreateRoles ensures the declared roles exist. Existing roles are
// never duplicated or errored on; their grants are re-applied in
// place, so the call is idempotent.
func (r *RoleManager) CreateRoles(ctx context.Context, db DB, opts CreateRolesOptions) error {
	return r.inTx(ctx, db, opts.Commit, func(tx pgx.Tx) error {
		return r.createRolesTx(ctx, tx, opts)
	})
}

func (r *RoleManager) createRolesTx(ctx context.Context, tx pgx.Tx, opts CreateRolesOptions) error {
	createGeneric := opts.CreateGeneric || opts.Suffix == ""
	for i := range r.defs {
		def := &r.defs[i]
		if createGeneric && def.Generic {
			if err := r.ensureRole(ctx, tx, def, def.Name, opts.Grant); err != nil {
				return err
			}
		}
		if opts.Suffix != "" && def.Specific {
			name := suffixedRoleName(def.Name, opts.Suffix)
			if err := r.ensureRole(ctx, tx, def, name, opts.Grant); err != nil {
				return err
			}
			if opts.GrantToSpecific && createGeneric && def.Generic {
				if err := grantMembership(ctx, tx, name, def.Name); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// RevokePermissions removes all grants on the declared schemas from
// the named roles (all configured roles when roles is nil). The role
// objects are kept.
func (r *RoleManager) RevokePermissions(ctx context.Context, db DB, roles []string, suffix string, commit bool) error {
	return r.inTx(ctx, db, commit, func(tx pgx.Tx) error {
		return r.revokePermissionsTx(ctx, tx, roles, suffix)
	})
}

func (r *RoleManager) revokePermissionsTx(ctx context.Context, tx pgx.Tx, roles []string, suffix string) error {
	return r.forEachTarget(roles, suffix, func(def *RoleDefinition, name string) error {
		exists, err := roleExists(ctx, tx, name)
		if err != nil || !exists {
			return err
		}
		if err := r.revokeGrants(ctx, tx, def, name); err != nil {
			return err
		}
		r.logger.Info("Revoked permissions", "role", name)
		return nil
	})
}

// DropRoles revokes permissions for the named roles (all configured
// roles when roles is nil), then drops the role objects. A role with
// dependents the database refuses to drop surfaces as ErrRoleInUse.
func (r *RoleManager) DropRoles(ctx context.Context, db DB, roles []string, suffix string, commit bool) error {
	return r.inTx(ctx, db, commit, func(tx pgx.Tx) error {
		if err := r.revokePermissionsTx(ctx, tx, roles, suffix); err != nil {
			return err
		}
		return r.forEachTarget(roles, suffix, func(_ *RoleDefinition, name string) error {
			exists, err := roleExists(ctx, tx, name)
			if err != nil || !exists {
				return err
			}
			if _, err := tx.Exec(ctx, "DROP ROLE "+pgx.Identifier{name}.Sanitize()); err != nil {
				var pgErr *pgconn.PgError
				if errors.As(err, &pgErr) {
					switch pgErr.SQLState() {
					case "2BP01", // dependent_objects_still_exist
						"55006": // object_in_use
						return fmt.Errorf("%w: %s: %s", ErrRoleInUse, name, pgErr.Message)
					}
				}
				return fmt.Errorf("drop role %s: %w", name, err)
			}
			r.logger.Info("Dropped role", "role", name)
			return nil
		})
	})
}

// GrantTo makes the login role `to` a member of the named configured
// roles (all of them when roles is nil).
func (r *RoleManager) GrantTo(ctx context.Context, db DB, to string, roles []string, suffix string, commit bool) error {
	return r.inTx(ctx, db, commit, func(tx pgx.Tx) error {
		if err := requireRole(ctx, tx, to); err != nil {
			return err
		}
		return r.forEachTarget(roles, suffix, func(_ *RoleDefinition, name string) error {
			if err := requireRole(ctx, tx, name); err != nil {
				return err
			}
			if err := grantMembership(ctx, tx, name, to); err != nil {
				return err
			}
			r.logger.Info("Granted membership", "role", name, "member", to)
			return nil
		})
	})
}

// RevokeFrom removes the login role `from` from the named configured
// roles (all of them when roles is nil).
func (r *RoleManager) RevokeFrom(ctx context.Context, db DB, from string, roles []string, suffix string, commit bool) error {
	return r.inTx(ctx, db, commit, func(tx pgx.Tx) error {
		if err := requireRole(ctx, tx, from); err != nil {
			return err
		}
		return r.forEachTarget(roles, suffix, func(_ *RoleDefinition, name string) error {
			exists, err := roleExists(ctx, tx, name)
			if err != nil || !exists {
				return err
			}
			stmt := fmt.Sprintf("REVOKE %s FROM %s",
				pgx.Identifier{name}.Sanitize(), pgx.Identifier{from}.Sanitize())
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("revoke %s from %s: %w", name, from, err)
			}
			r.logger.Info("Revoked membership", "role", name, "member", from)
			return nil
		})
	})
}

// CreateLoginRole creates a standalone login role, independent of the
// configured role model. An existing role is updated in place: LOGIN
// is ensured and the password replaced when one is given.
func (r *RoleManager) CreateLoginRole(ctx context.Context, db DB, name, password string, commit bool) error {
	if !isValidIdentifier(name) {
		return fmt.Errorf("invalid role name %q", name)
	}
	return r.inTx(ctx, db, commit, func(tx pgx.Tx) error {
		exists, err := roleExists(ctx, tx, name)
		if err != nil {
			return err
		}
		stmt := "CREATE ROLE " + pgx.Identifier{name}.Sanitize() + " LOGIN"
		if exists {
			stmt = "ALTER ROLE " + pgx.Identifier{name}.Sanitize() + " LOGIN"
		}
		if password != "" {
			stmt += " PASSWORD " + quoteLiteral(password)
		}
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("create login role %s: %w", name, err)
		}
		r.logger.Info("Ensured login role", "role", name, "existed", exists)
		return nil
	})
}

// DropLoginRole drops a login role. Dropping a role that does not
// exist is a no-op.
func (r *RoleManager) DropLoginRole(ctx context.Context, db DB, name string, commit bool) error {
	return r.inTx(ctx, db, commit, func(tx pgx.Tx) error {
		exists, err := roleExists(ctx, tx, name)
		if err != nil || !exists {
			return err
		}
		if _, err := tx.Exec(ctx, "DROP ROLE "+pgx.Identifier{name}.Sanitize()); err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) {
				switch pgErr.SQLState() {
				case "2BP01", "55006":
					return fmt.Errorf("%w: %s: %s", ErrRoleInUse, name, pgErr.Message)
				}
			}
			return fmt.Errorf("drop login role %s: %w", name, err)
		}
		r.logger.Info("Dropped login role", "role", name)
		return nil
	})
}

const loginRolesSQL = `
SELECT rolname FROM pg_catalog.pg_roles
WHERE rolcanlogin AND rolname NOT LIKE 'pg\_%'
ORDER BY rolname`

// LoginRoles returns every login role in the database, system roles
// excluded.
func (r *RoleManager) LoginRoles(ctx context.Context, db DB) ([]string, error) {
	var names []string
	err := readOnlyTx(ctx, db, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, loginRolesSQL)
		if err != nil {
			return fmt.Errorf("query login roles: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var name string
			if err := rows.Scan(&name); err != nil {
				return fmt.Errorf("scan login role: %w", err)
			}
			names = append(names, name)
		}
		return rows.Err()
	})
	return names, err
}

const membersOfSQL = `
SELECT m.rolname
FROM pg_catalog.pg_auth_members am
JOIN pg_catalog.pg_roles g ON g.oid = am.roleid
JOIN pg_catalog.pg_roles m ON m.oid = am.member
WHERE g.rolname = @role
ORDER BY m.rolname`

// MembersOf returns the direct members of the named role.
func (r *RoleManager) MembersOf(ctx context.Context, db DB, role string) ([]string, error) {
	var names []string
	err := readOnlyTx(ctx, db, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, membersOfSQL, pgx.NamedArgs{"role": role})
		if err != nil {
			return fmt.Errorf("query members of %s: %w", role, err)
		}
		defer rows.Close()
		for rows.Next() {
			var name string
			if err := rows.Scan(&name); err != nil {
				return fmt.Errorf("scan member: %w", err)
			}
			names = append(names, name)
		}
		return rows.Err()
	})
	return names, err
}

// inTx runs fn in a transaction, committing only when commit is true.
func (r *RoleManager) inTx(ctx context.Context, db DB, commit bool, fn func(pgx.Tx) error) error {
	tx, err := db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if err := fn(tx); err != nil {
		return err
	}
	if !commit {
		r.logger.Debug("Dry run, rolling back role changes")
		return tx.Rollback(ctx)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit role changes: %w", err)
	}
	return nil
}

// forEachTarget calls fn for every role name derived from the
// definitions: the generic name, and the suffixed name when a suffix
// is given. A non-nil roles slice restricts the walk to those declared
// names.
func (r *RoleManager) forEachTarget(roles []string, suffix string, fn func(def *RoleDefinition, name string) error) error {
	for _, name := range roles {
		if !slices.ContainsFunc(r.defs, func(d RoleDefinition) bool { return d.Name == name }) {
			return configErrorf("roles", "role %q is not declared", name)
		}
	}
	for i := range r.defs {
		def := &r.defs[i]
		if roles != nil && !slices.Contains(roles, def.Name) {
			continue
		}
		if def.Generic {
			if err := fn(def, def.Name); err != nil {
				return err
			}
		}
		if suffix != "" && def.Specific {
			if err := fn(def, suffixedRoleName(def.Name, suffix)); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *RoleManager) ensureRole(ctx context.Context, tx pgx.Tx, def *RoleDefinition, name string, grant bool) error {
	exists, err := roleExists(ctx, tx, name)
	if err != nil {
		return err
	}
	ident := pgx.Identifier{name}.Sanitize()
	if !exists {
		login := " NOLOGIN"
		if def.Login {
			login = " LOGIN"
		}
		if _, err := tx.Exec(ctx, "CREATE ROLE "+ident+login); err != nil {
			return fmt.Errorf("create role %s: %w", name, err)
		}
		r.logger.Info("Created role", "role", name)
	}
	if def.Description != "" {
		stmt := fmt.Sprintf("COMMENT ON ROLE %s IS %s", ident, quoteLiteral(def.Description))
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("comment role %s: %w", name, err)
		}
	}
	if grant {
		return r.applyGrants(ctx, tx, def, name)
	}
	return nil
}

// applyGrants applies the declared access level on every declared
// schema. Schemas that do not exist yet are skipped; re-running after
// the schema is installed completes the grants.
func (r *RoleManager) applyGrants(ctx context.Context, tx pgx.Tx, def *RoleDefinition, name string) error {
	role := pgx.Identifier{name}.Sanitize()
	for _, perm := range def.Permissions {
		if perm.Level == AccessNone {
			continue
		}
		exists, err := schemaExists(ctx, tx, perm.Schema)
		if err != nil {
			return err
		}
		if !exists {
			r.logger.Debug("Schema absent, skipping grants", "schema", perm.Schema, "role", name)
			continue
		}
		schema := pgx.Identifier{perm.Schema}.Sanitize()
		stmts := []string{
			fmt.Sprintf("GRANT USAGE ON SCHEMA %s TO %s", schema, role),
			fmt.Sprintf("GRANT SELECT ON ALL TABLES IN SCHEMA %s TO %s", schema, role),
			fmt.Sprintf("GRANT SELECT ON ALL SEQUENCES IN SCHEMA %s TO %s", schema, role),
			fmt.Sprintf("ALTER DEFAULT PRIVILEGES IN SCHEMA %s GRANT SELECT ON TABLES TO %s", schema, role),
			fmt.Sprintf("ALTER DEFAULT PRIVILEGES IN SCHEMA %s GRANT SELECT ON SEQUENCES TO %s", schema, role),
		}
		if perm.Level >= AccessWrite {
			stmts = append(stmts,
				fmt.Sprintf("GRANT INSERT, UPDATE, DELETE ON ALL TABLES IN SCHEMA %s TO %s", schema, role),
				fmt.Sprintf("GRANT USAGE, UPDATE ON ALL SEQUENCES IN SCHEMA %s TO %s", schema, role),
				fmt.Sprintf("ALTER DEFAULT PRIVILEGES IN SCHEMA %s GRANT INSERT, UPDATE, DELETE ON TABLES TO %s", schema, role),
				fmt.Sprintf("ALTER DEFAULT PRIVILEGES IN SCHEMA %s GRANT USAGE, UPDATE ON SEQUENCES TO %s", schema, role),
			)
		}
		for _, stmt := range stmts {
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("grant %s on schema %s to %s: %w", perm.Level, perm.Schema, name, err)
			}
		}
		r.logger.Debug("Applied grants", "role", name, "schema", perm.Schema, "level", perm.Level.String())
	}
	return nil
}

// revokeGrants removes everything applyGrants may have granted, on
// every declared schema regardless of level.
func (r *RoleManager) revokeGrants(ctx context.Context, tx pgx.Tx, def *RoleDefinition, name string) error {
	role := pgx.Identifier{name}.Sanitize()
	for _, perm := range def.Permissions {
		exists, err := schemaExists(ctx, tx, perm.Schema)
		if err != nil {
			return err
		}
		if !exists {
			continue
		}
		schema := pgx.Identifier{perm.Schema}.Sanitize()
		stmts := []string{
			fmt.Sprintf("ALTER DEFAULT PRIVILEGES IN SCHEMA %s REVOKE ALL ON TABLES FROM %s", schema, role),
			fmt.Sprintf("ALTER DEFAULT PRIVILEGES IN SCHEMA %s REVOKE ALL ON SEQUENCES FROM %s", schema, role),
			fmt.Sprintf("REVOKE ALL ON ALL TABLES IN SCHEMA %s FROM %s", schema, role),
			fmt.Sprintf("REVOKE ALL ON ALL SEQUENCES IN SCHEMA %s FROM %s", schema, role),
			fmt.Sprintf("REVOKE ALL ON SCHEMA %s FROM %s", schema, role),
		}
		for _, stmt := range stmts {
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("revoke on schema %s from %s: %w", perm.Schema, name, err)
			}
		}
	}
	return nil
}

func suffixedRoleName(name, suffix string) string {
	return name + "_" + suffix
}

const roleExistsSQL = `SELECT EXISTS (SELECT 1 FROM pg_catalog.pg_roles WHERE rolname = @role)`

func roleExists(ctx context.Context, tx pgx.Tx, name string) (bool, error) {
	var exists bool
	if err := tx.QueryRow(ctx, roleExistsSQL, pgx.NamedArgs{"role": name}).Scan(&exists); err != nil {
		return false, fmt.Errorf("check role %s: %w", name, err)
	}
	return exists, nil
}

func requireRole(ctx context.Context, tx pgx.Tx, name string) error {
	exists, err := roleExists(ctx, tx, name)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("role %q does not exist", name)
	}
	return nil
}

const schemaExistsSQL = `SELECT EXISTS (SELECT 1 FROM information_schema.schemata WHERE schema_name = @schema)`

func schemaExists(ctx context.Context, tx pgx.Tx, name string) (bool, error) {
	var exists bool
	if err := tx.QueryRow(ctx, schemaExistsSQL, pgx.NamedArgs{"schema": name}).Scan(&exists); err != nil {
		return false, fmt.Errorf("check schema %s: %w", name, err)
	}
	return exists, nil
}

// grantMembership grants role to member, so member inherits the
// role's access.
func grantMembership(ctx context.Context, tx pgx.Tx, role, member string) error {
	stmt := fmt.Sprintf("GRANT %s TO %s",
		pgx.Identifier{role}.Sanitize(), pgx.Identifier{member}.Sanitize())
	if _, err := tx.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("grant %s to %s: %w", role, member, err)
	}
	return nil
}

// quoteLiteral quotes s as a PostgreSQL string literal for statements
// that cannot take bind parameters.
func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

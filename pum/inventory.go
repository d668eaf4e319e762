// Copyright 2025 OPENGIS.ch
// SPDX-License-Identifier: Apache-2.0

package pum

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
)

// RoleInventory reconciles the declared role model against the roles
// that actually exist in a database. Every observed role lands in
// exactly one of the four buckets.
type RoleInventory struct {
	// ExpectedRoles lists the declared role names in declaration order.
	ExpectedRoles []string
	// ConfiguredRoles are existing roles matching a declaration,
	// either exactly or as a suffixed specific variant.
	ConfiguredRoles []RoleStatus
	// MissingRoles are declared generic roles with no matching role in
	// the database.
	MissingRoles []string
	// GranteeRoles are roles that are not declared themselves but are
	// members of a configured role.
	GranteeRoles []GranteeRole
	// UnknownRoles hold privileges on a declared schema without being
	// configured or granted a configured role.
	UnknownRoles []UnknownRole
	// OtherLoginRoles are the remaining login roles, candidates for a
	// future grant.
	OtherLoginRoles []string
}

// RoleStatus describes one existing role that matches a declaration.
type RoleStatus struct {
	Name       string
	Definition *RoleDefinition
	// Suffix is the deployment suffix for a specific variant, empty
	// for the generic role.
	Suffix   string
	Login    bool
	MemberOf []string
	Schemas  []SchemaPermission
	// Satisfied is true when every declared schema permission is in
	// place.
	Satisfied bool
}

// SchemaPermission compares the declared access level on one schema
// with the access the role actually holds. A declared schema that does
// not exist yet counts as unsatisfied.
type SchemaPermission struct {
	Schema    string
	Expected  AccessLevel
	HasRead   bool
	HasWrite  bool
	Satisfied bool
}

// GranteeRole is an undeclared role that inherits access through
// membership in configured roles.
type GranteeRole struct {
	Name      string
	Login     bool
	GrantedTo []string
}

// UnknownRole is an undeclared, ungranted role that nevertheless holds
// privileges on declared schemas.
type UnknownRole struct {
	Name      string
	Login     bool
	Superuser bool
	Schemas   []string
}

type dbRole struct {
	name  string
	login bool
	super bool
}

// schemaFacts aggregates what one role can do in one schema.
type schemaFacts struct {
	usage    bool
	tables   int
	readable int // tables with SELECT
	writable int // tables with INSERT, UPDATE and DELETE
}

func (f schemaFacts) hasRead() bool {
	return f.usage && f.readable == f.tables
}

func (f schemaFacts) hasWrite() bool {
	return f.hasRead() && f.writable == f.tables
}

type catalogSnapshot struct {
	roles    []dbRole
	memberOf map[string][]string
	// access maps role name, then schema name, to observed facts.
	// Only declared schemas that exist in the database appear.
	access map[string]map[string]schemaFacts
}

// Inventory inspects the database and partitions its roles against the
// declared role model. Superuser roles are hidden from the grantee,
// unknown and login buckets unless includeSuperusers is set.
func (r *RoleManager) Inventory(ctx context.Context, db DB, includeSuperusers bool) (*RoleInventory, error) {
	var snap catalogSnapshot
	err := readOnlyTx(ctx, db, func(tx pgx.Tx) error {
		var err error
		snap, err = r.inventoryTx(ctx, tx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return classify(r.defs, snap, includeSuperusers), nil
}

const inventoryRolesSQL = `
SELECT rolname, rolcanlogin, rolsuper
FROM pg_catalog.pg_roles
WHERE rolname NOT LIKE 'pg\_%'
ORDER BY rolname`

const inventoryMembersSQL = `
SELECT m.rolname, g.rolname
FROM pg_catalog.pg_auth_members am
JOIN pg_catalog.pg_roles g ON g.oid = am.roleid
JOIN pg_catalog.pg_roles m ON m.oid = am.member
WHERE m.rolname NOT LIKE 'pg\_%' AND g.rolname NOT LIKE 'pg\_%'
ORDER BY m.rolname, g.rolname`

const inventoryAccessSQL = `
SELECT r.rolname, s.schema_name,
       has_schema_privilege(r.rolname, s.schema_name, 'USAGE'),
       count(t.qual),
       count(t.qual) FILTER (WHERE has_table_privilege(r.rolname, t.qual, 'SELECT')),
       count(t.qual) FILTER (WHERE has_table_privilege(r.rolname, t.qual, 'INSERT')
                               AND has_table_privilege(r.rolname, t.qual, 'UPDATE')
                               AND has_table_privilege(r.rolname, t.qual, 'DELETE'))
FROM pg_catalog.pg_roles r
CROSS JOIN information_schema.schemata s
LEFT JOIN (
    SELECT table_schema, quote_ident(table_schema) || '.' || quote_ident(table_name) AS qual
    FROM information_schema.tables
    WHERE table_type = 'BASE TABLE'
) t ON t.table_schema = s.schema_name
WHERE r.rolname NOT LIKE 'pg\_%' AND s.schema_name = ANY(@schemas)
GROUP BY r.rolname, s.schema_name`

func (r *RoleManager) inventoryTx(ctx context.Context, tx pgx.Tx) (catalogSnapshot, error) {
	snap := catalogSnapshot{
		memberOf: make(map[string][]string),
		access:   make(map[string]map[string]schemaFacts),
	}

	rows, err := tx.Query(ctx, inventoryRolesSQL)
	if err != nil {
		return snap, fmt.Errorf("query roles: %w", err)
	}
	for rows.Next() {
		var role dbRole
		if err := rows.Scan(&role.name, &role.login, &role.super); err != nil {
			rows.Close()
			return snap, fmt.Errorf("scan role: %w", err)
		}
		snap.roles = append(snap.roles, role)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return snap, err
	}

	rows, err = tx.Query(ctx, inventoryMembersSQL)
	if err != nil {
		return snap, fmt.Errorf("query memberships: %w", err)
	}
	for rows.Next() {
		var member, granted string
		if err := rows.Scan(&member, &granted); err != nil {
			rows.Close()
			return snap, fmt.Errorf("scan membership: %w", err)
		}
		snap.memberOf[member] = append(snap.memberOf[member], granted)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return snap, err
	}

	schemas := r.declaredSchemas()
	if len(schemas) == 0 {
		return snap, nil
	}
	rows, err = tx.Query(ctx, inventoryAccessSQL, pgx.NamedArgs{"schemas": schemas})
	if err != nil {
		return snap, fmt.Errorf("query schema access: %w", err)
	}
	for rows.Next() {
		var role, schema string
		var facts schemaFacts
		if err := rows.Scan(&role, &schema, &facts.usage, &facts.tables, &facts.readable, &facts.writable); err != nil {
			rows.Close()
			return snap, fmt.Errorf("scan schema access: %w", err)
		}
		if snap.access[role] == nil {
			snap.access[role] = make(map[string]schemaFacts)
		}
		snap.access[role][schema] = facts
	}
	rows.Close()
	return snap, rows.Err()
}

// declaredSchemas returns the distinct schemas named in the role
// definitions, sorted.
func (r *RoleManager) declaredSchemas() []string {
	seen := make(map[string]bool)
	var schemas []string
	for _, def := range r.defs {
		for _, perm := range def.Permissions {
			if !seen[perm.Schema] {
				seen[perm.Schema] = true
				schemas = append(schemas, perm.Schema)
			}
		}
	}
	sort.Strings(schemas)
	return schemas
}

// classify partitions the snapshot's roles against the definitions.
// Each role lands in the first bucket it qualifies for: configured,
// grantee, unknown, then other login roles. Roles with no login, no
// declared-schema access and no configured membership are dropped.
func classify(defs []RoleDefinition, snap catalogSnapshot, includeSuperusers bool) *RoleInventory {
	inv := &RoleInventory{}
	for _, def := range defs {
		inv.ExpectedRoles = append(inv.ExpectedRoles, def.Name)
	}

	configured := make(map[string]bool)
	present := make(map[string]bool)
	for _, role := range snap.roles {
		present[role.name] = true
		if def, suffix, ok := matchDefinition(defs, role.name); ok && (suffix == "" || def.Specific) {
			configured[role.name] = true
		}
	}

	for _, role := range snap.roles {
		if !configured[role.name] {
			continue
		}
		def, suffix, _ := matchDefinition(defs, role.name)
		status := RoleStatus{
			Name:       role.name,
			Definition: def,
			Suffix:     suffix,
			Login:      role.login,
			MemberOf:   sorted(snap.memberOf[role.name]),
			Satisfied:  true,
		}
		for _, perm := range def.Permissions {
			facts, seen := snap.access[role.name][perm.Schema]
			sp := SchemaPermission{
				Schema:   perm.Schema,
				Expected: perm.Level,
				HasRead:  seen && facts.hasRead(),
				HasWrite: seen && facts.hasWrite(),
			}
			switch perm.Level {
			case AccessNone:
				sp.Satisfied = true
			case AccessRead:
				sp.Satisfied = sp.HasRead
			case AccessWrite:
				sp.Satisfied = sp.HasWrite
			}
			if !sp.Satisfied {
				status.Satisfied = false
			}
			status.Schemas = append(status.Schemas, sp)
		}
		inv.ConfiguredRoles = append(inv.ConfiguredRoles, status)
	}

	for _, def := range defs {
		if def.Generic && !present[def.Name] {
			inv.MissingRoles = append(inv.MissingRoles, def.Name)
		}
	}

	for _, role := range snap.roles {
		if configured[role.name] {
			continue
		}
		if role.super && !includeSuperusers {
			continue
		}
		var grantedTo []string
		for _, granted := range snap.memberOf[role.name] {
			if configured[granted] {
				grantedTo = append(grantedTo, granted)
			}
		}
		if len(grantedTo) > 0 {
			inv.GranteeRoles = append(inv.GranteeRoles, GranteeRole{
				Name:      role.name,
				Login:     role.login,
				GrantedTo: sorted(grantedTo),
			})
			continue
		}
		var touched []string
		for schema, facts := range snap.access[role.name] {
			if facts.usage || facts.readable > 0 || facts.writable > 0 {
				touched = append(touched, schema)
			}
		}
		if len(touched) > 0 {
			inv.UnknownRoles = append(inv.UnknownRoles, UnknownRole{
				Name:      role.name,
				Login:     role.login,
				Superuser: role.super,
				Schemas:   sorted(touched),
			})
			continue
		}
		if role.login {
			inv.OtherLoginRoles = append(inv.OtherLoginRoles, role.name)
		}
	}
	return inv
}

// matchDefinition finds the definition a role name belongs to. An
// exact match on a generic definition wins; otherwise the longest
// declared name that prefixes "<name>_<suffix>" is taken as the
// specific variant.
func matchDefinition(defs []RoleDefinition, name string) (*RoleDefinition, string, bool) {
	var best *RoleDefinition
	var suffix string
	for i := range defs {
		def := &defs[i]
		if def.Generic && def.Name == name {
			return def, "", true
		}
		if rest, ok := strings.CutPrefix(name, def.Name+"_"); ok && rest != "" {
			if best == nil || len(def.Name) > len(best.Name) {
				best = def
				suffix = rest
			}
		}
	}
	if best == nil {
		return nil, "", false
	}
	return best, suffix, true
}

func sorted(s []string) []string {
	out := make([]string, len(s))
	copy(out, s)
	sort.Strings(out)
	return out
}

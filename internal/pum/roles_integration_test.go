package pum

import (
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/require"

	"github.com/opengisch/pum-go/pum"
)

// createFixtureSchema creates the harness schema with two tables, the
// minimum surface for grant assertions.
func createFixtureSchema(h *TestHarness) {
	schema := pgx.Identifier{h.Schema}.Sanitize()
	h.Exec("CREATE SCHEMA " + schema)
	h.Exec(fmt.Sprintf("CREATE TABLE %s.building (id bigserial PRIMARY KEY, name text)", schema))
	h.Exec(fmt.Sprintf("CREATE TABLE %s.street (id bigserial PRIMARY KEY, name text)", schema))
}

func findConfigured(inv *pum.RoleInventory, name string) *pum.RoleStatus {
	for i := range inv.ConfiguredRoles {
		if inv.ConfiguredRoles[i].Name == name {
			return &inv.ConfiguredRoles[i]
		}
	}
	return nil
}

func TestCreateRoles_DryRunAndIdempotent(t *testing.T) {
	h := NewTestHarness(t)
	defer h.Cleanup()
	createFixtureSchema(h)

	viewer := h.Module + "_viewer"
	editor := h.Module + "_editor"
	h.TrackRole(viewer, editor)

	mgr := pum.NewRoleManager([]pum.RoleDefinition{
		{Name: viewer, Description: "read only access", Generic: true, Specific: true,
			Permissions: []pum.SchemaAccess{{Schema: h.Schema, Level: pum.AccessRead}}},
		{Name: editor, Description: "read write access", Generic: true, Specific: true,
			Permissions: []pum.SchemaAccess{{Schema: h.Schema, Level: pum.AccessWrite}}},
	}, h.logger)

	// a dry run leaves no trace
	require.NoError(t, mgr.CreateRoles(h.ctx, h.pool, pum.CreateRolesOptions{Grant: true}))
	require.False(t, h.RoleExists(viewer))
	require.False(t, h.RoleExists(editor))

	require.NoError(t, mgr.CreateRoles(h.ctx, h.pool, pum.CreateRolesOptions{Grant: true, Commit: true}))
	require.True(t, h.RoleExists(viewer))
	require.True(t, h.RoleExists(editor))
	require.True(t, h.HasTablePrivilege(viewer, h.Schema, "building", "SELECT"))
	require.False(t, h.HasTablePrivilege(viewer, h.Schema, "building", "INSERT"))
	require.True(t, h.HasTablePrivilege(editor, h.Schema, "street", "SELECT"))
	require.True(t, h.HasTablePrivilege(editor, h.Schema, "street", "INSERT"))

	// repeating the call re-applies grants without erroring
	require.NoError(t, mgr.CreateRoles(h.ctx, h.pool, pum.CreateRolesOptions{Grant: true, Commit: true}))
}

func TestCreateRoles_SuffixedMembership(t *testing.T) {
	h := NewTestHarness(t)
	defer h.Cleanup()

	viewer := h.Module + "_viewer"
	specific := viewer + "_wil"
	h.TrackRole(specific, viewer)

	mgr := pum.NewRoleManager([]pum.RoleDefinition{
		{Name: viewer, Generic: true, Specific: true},
	}, h.logger)
	require.NoError(t, mgr.CreateRoles(h.ctx, h.pool, pum.CreateRolesOptions{
		Suffix:          "wil",
		CreateGeneric:   true,
		GrantToSpecific: true,
		Commit:          true,
	}))
	require.True(t, h.RoleExists(viewer))
	require.True(t, h.RoleExists(specific))

	// the generic role inherits through its specific variant
	members, err := mgr.MembersOf(h.ctx, h.pool, specific)
	require.NoError(t, err)
	require.Contains(t, members, viewer)

	// with a suffix and no CreateGeneric only the specific variant appears
	editor := h.Module + "_editor"
	h.TrackRole(editor+"_wil", editor)
	mgr2 := pum.NewRoleManager([]pum.RoleDefinition{
		{Name: editor, Generic: true, Specific: true},
	}, h.logger)
	require.NoError(t, mgr2.CreateRoles(h.ctx, h.pool, pum.CreateRolesOptions{Suffix: "wil", Commit: true}))
	require.True(t, h.RoleExists(editor+"_wil"))
	require.False(t, h.RoleExists(editor))
}

func TestGrantToAndRevokeFrom(t *testing.T) {
	h := NewTestHarness(t)
	defer h.Cleanup()

	viewer := h.Module + "_viewer"
	editor := h.Module + "_editor"
	analyst := h.Module + "_analyst"
	h.TrackRole(viewer, editor, analyst)

	mgr := pum.NewRoleManager([]pum.RoleDefinition{
		{Name: viewer, Generic: true, Specific: true},
		{Name: editor, Generic: true, Specific: true},
	}, h.logger)
	require.NoError(t, mgr.CreateRoles(h.ctx, h.pool, pum.CreateRolesOptions{Commit: true}))
	require.NoError(t, mgr.CreateLoginRole(h.ctx, h.pool, analyst, "secret", true))

	require.NoError(t, mgr.GrantTo(h.ctx, h.pool, analyst, nil, "", true))
	members, err := mgr.MembersOf(h.ctx, h.pool, viewer)
	require.NoError(t, err)
	require.Contains(t, members, analyst)

	// undeclared role names are refused up front
	err = mgr.GrantTo(h.ctx, h.pool, analyst, []string{"ghost"}, "", true)
	require.ErrorIs(t, err, pum.ErrConfig)
	require.Contains(t, err.Error(), `role "ghost" is not declared`)

	// so are grantees that do not exist
	err = mgr.GrantTo(h.ctx, h.pool, h.Module+"_nobody", nil, "", true)
	require.Error(t, err)
	require.Contains(t, err.Error(), "does not exist")

	require.NoError(t, mgr.RevokeFrom(h.ctx, h.pool, analyst, []string{viewer}, "", true))
	members, err = mgr.MembersOf(h.ctx, h.pool, viewer)
	require.NoError(t, err)
	require.NotContains(t, members, analyst)

	// the editor membership is untouched
	members, err = mgr.MembersOf(h.ctx, h.pool, editor)
	require.NoError(t, err)
	require.Contains(t, members, analyst)
}

func TestInventory_LiveBuckets(t *testing.T) {
	h := NewTestHarness(t)
	defer h.Cleanup()
	createFixtureSchema(h)

	viewer := h.Module + "_viewer"
	editor := h.Module + "_editor"
	auditor := h.Module + "_auditor"
	analyst := h.Module + "_analyst"
	stray := h.Module + "_stray"
	onlooker := h.Module + "_onlooker"
	h.TrackRole(viewer, editor, analyst, stray, onlooker)

	defs := []pum.RoleDefinition{
		{Name: viewer, Generic: true, Specific: true,
			Permissions: []pum.SchemaAccess{{Schema: h.Schema, Level: pum.AccessRead}}},
		{Name: editor, Generic: true, Specific: true,
			Permissions: []pum.SchemaAccess{{Schema: h.Schema, Level: pum.AccessWrite}}},
	}
	mgr := pum.NewRoleManager(defs, h.logger)
	require.NoError(t, mgr.CreateRoles(h.ctx, h.pool, pum.CreateRolesOptions{Grant: true, Commit: true}))
	require.NoError(t, mgr.CreateLoginRole(h.ctx, h.pool, analyst, "", true))
	require.NoError(t, mgr.GrantTo(h.ctx, h.pool, analyst, []string{viewer}, "", true))

	// a role nobody declared, holding partial grants on the schema
	schema := pgx.Identifier{h.Schema}.Sanitize()
	h.Exec("CREATE ROLE " + pgx.Identifier{stray}.Sanitize())
	h.Exec(fmt.Sprintf("GRANT USAGE ON SCHEMA %s TO %s", schema, pgx.Identifier{stray}.Sanitize()))
	h.Exec(fmt.Sprintf("GRANT SELECT ON %s.building TO %s", schema, pgx.Identifier{stray}.Sanitize()))

	// a login role with no access at all
	h.Exec("CREATE ROLE " + pgx.Identifier{onlooker}.Sanitize() + " LOGIN")

	// inventory against a model that additionally expects an auditor
	full := append(defs, pum.RoleDefinition{Name: auditor, Generic: true, Specific: true,
		Permissions: []pum.SchemaAccess{{Schema: h.Schema, Level: pum.AccessRead}}})
	inv, err := pum.NewRoleManager(full, h.logger).Inventory(h.ctx, h.pool, false)
	require.NoError(t, err)

	require.Equal(t, []string{viewer, editor, auditor}, inv.ExpectedRoles)
	require.Equal(t, []string{auditor}, inv.MissingRoles)

	require.Len(t, inv.ConfiguredRoles, 2)
	vs := findConfigured(inv, viewer)
	require.NotNil(t, vs)
	require.True(t, vs.Satisfied)
	require.Len(t, vs.Schemas, 1)
	require.True(t, vs.Schemas[0].HasRead)
	require.False(t, vs.Schemas[0].HasWrite)

	es := findConfigured(inv, editor)
	require.NotNil(t, es)
	require.True(t, es.Satisfied)
	require.True(t, es.Schemas[0].HasWrite)

	var granteeNames []string
	for _, g := range inv.GranteeRoles {
		granteeNames = append(granteeNames, g.Name)
		if g.Name == analyst {
			require.True(t, g.Login)
			require.Contains(t, g.GrantedTo, viewer)
		}
	}
	require.Contains(t, granteeNames, analyst)

	var unknownNames []string
	for _, u := range inv.UnknownRoles {
		unknownNames = append(unknownNames, u.Name)
		if u.Name == stray {
			require.Equal(t, []string{h.Schema}, u.Schemas)
		}
	}
	require.Contains(t, unknownNames, stray)
	require.NotContains(t, unknownNames, onlooker)

	require.Contains(t, inv.OtherLoginRoles, onlooker)
}

func TestInventory_SatisfiedFlipsAfterRevoke(t *testing.T) {
	h := NewTestHarness(t)
	defer h.Cleanup()
	createFixtureSchema(h)

	viewer := h.Module + "_viewer"
	h.TrackRole(viewer)

	mgr := pum.NewRoleManager([]pum.RoleDefinition{
		{Name: viewer, Generic: true, Specific: true,
			Permissions: []pum.SchemaAccess{{Schema: h.Schema, Level: pum.AccessRead}}},
	}, h.logger)
	require.NoError(t, mgr.CreateRoles(h.ctx, h.pool, pum.CreateRolesOptions{Grant: true, Commit: true}))
	require.True(t, h.HasTablePrivilege(viewer, h.Schema, "building", "SELECT"))

	inv, err := mgr.Inventory(h.ctx, h.pool, false)
	require.NoError(t, err)
	require.True(t, findConfigured(inv, viewer).Satisfied)

	require.NoError(t, mgr.RevokePermissions(h.ctx, h.pool, nil, "", true))
	require.False(t, h.HasTablePrivilege(viewer, h.Schema, "building", "SELECT"))
	require.True(t, h.RoleExists(viewer))

	inv, err = mgr.Inventory(h.ctx, h.pool, false)
	require.NoError(t, err)
	require.False(t, findConfigured(inv, viewer).Satisfied)
}

func TestDropRoles_InUse(t *testing.T) {
	h := NewTestHarness(t)
	defer h.Cleanup()
	createFixtureSchema(h)

	viewer := h.Module + "_viewer"
	h.TrackRole(viewer)

	mgr := pum.NewRoleManager([]pum.RoleDefinition{
		{Name: viewer, Generic: true, Specific: true,
			Permissions: []pum.SchemaAccess{{Schema: h.Schema, Level: pum.AccessRead}}},
	}, h.logger)
	require.NoError(t, mgr.CreateRoles(h.ctx, h.pool, pum.CreateRolesOptions{Grant: true, Commit: true}))

	// ownership is a dependency the revoke pass cannot clear
	schema := pgx.Identifier{h.Schema}.Sanitize()
	h.Exec(fmt.Sprintf("ALTER TABLE %s.building OWNER TO %s", schema, pgx.Identifier{viewer}.Sanitize()))

	err := mgr.DropRoles(h.ctx, h.pool, nil, "", true)
	require.ErrorIs(t, err, pum.ErrRoleInUse)
	require.True(t, h.RoleExists(viewer))

	h.Exec(fmt.Sprintf("ALTER TABLE %s.building OWNER TO CURRENT_USER", schema))
	require.NoError(t, mgr.DropRoles(h.ctx, h.pool, nil, "", true))
	require.False(t, h.RoleExists(viewer))
}

func TestLoginRole_Lifecycle(t *testing.T) {
	h := NewTestHarness(t)
	defer h.Cleanup()

	name := h.Module + "_login"
	h.TrackRole(name)
	mgr := pum.NewRoleManager(nil, h.logger)

	require.NoError(t, mgr.CreateLoginRole(h.ctx, h.pool, name, "s3cret", true))
	require.True(t, h.RoleExists(name))

	logins, err := mgr.LoginRoles(h.ctx, h.pool)
	require.NoError(t, err)
	require.Contains(t, logins, name)

	// re-creating updates the existing role in place
	require.NoError(t, mgr.CreateLoginRole(h.ctx, h.pool, name, "changed", true))

	// bad identifiers are rejected before touching the database
	err = mgr.CreateLoginRole(h.ctx, h.pool, "Bad-Name", "", true)
	require.Error(t, err)
	require.Contains(t, err.Error(), "invalid role name")

	require.NoError(t, mgr.DropLoginRole(h.ctx, h.pool, name, true))
	require.False(t, h.RoleExists(name))

	// dropping a role that is already gone is a no-op
	require.NoError(t, mgr.DropLoginRole(h.ctx, h.pool, name, true))
}

func TestRoles_StandaloneOperation(t *testing.T) {
	h := NewTestHarness(t)
	defer h.Cleanup()

	viewer := h.Module + "_viewer"
	h.TrackRole(viewer)

	yamlBody := fmt.Sprintf(`pum:
  module: %s
  schema: %s
  migration_table_schema: %s

changelogs:
  - version: "1.0.0"
    changes:
      - file: base.sql

roles:
  - name: %s
    description: read only access
    permissions:
      %s: read
`, h.Module, h.Schema, h.LedgerSchema, viewer, h.Schema)
	cfg := h.ConfigFromYAML(yamlBody, map[string]string{
		"base.sql": "CREATE TABLE building (id bigserial PRIMARY KEY, name text);\n",
	})
	u := h.Upgrader(cfg)

	// installing without the roles option leaves role creation for later
	_, err := u.Install(h.ctx, h.pool, pum.OperationOptions{})
	require.NoError(t, err)
	require.False(t, h.RoleExists(viewer))

	require.NoError(t, u.Roles(h.ctx, h.pool, pum.OperationOptions{Grant: true}))
	require.True(t, h.RoleExists(viewer))
	require.True(t, h.HasTablePrivilege(viewer, h.Schema, "building", "SELECT"))
}

func TestInstall_WithRoles(t *testing.T) {
	h := NewTestHarness(t)
	defer h.Cleanup()

	viewer := h.Module + "_viewer"
	h.TrackRole(viewer)

	yamlBody := fmt.Sprintf(`pum:
  module: %s
  schema: %s
  migration_table_schema: %s

changelogs:
  - version: "1.0.0"
    changes:
      - file: base.sql

roles:
  - name: %s
    description: read only access
    permissions:
      %s: read
`, h.Module, h.Schema, h.LedgerSchema, viewer, h.Schema)
	cfg := h.ConfigFromYAML(yamlBody, map[string]string{
		"base.sql": "CREATE TABLE building (id bigserial PRIMARY KEY, name text);\n",
	})
	u := h.Upgrader(cfg)

	// roles and grants land in the same transaction as the install
	_, err := u.Install(h.ctx, h.pool, pum.OperationOptions{Roles: true, Grant: true})
	require.NoError(t, err)
	require.True(t, h.RoleExists(viewer))
	require.True(t, h.HasTablePrivilege(viewer, h.Schema, "building", "SELECT"))
}

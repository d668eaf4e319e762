package pum

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/require"
)

// writeModuleDir lays out a module directory with the given SQL files
// and returns its path. File contents do not matter for config loading,
// only their existence does.
func writeModuleDir(t *testing.T, files ...string) string {
	t.Helper()
	dir := t.TempDir()
	for _, name := range files {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte("SELECT 1;\n"), 0o644))
	}
	return dir
}

const fullModuleYAML = `
pum:
  module: city
  schema: city_data

changelogs:
  - version: "1.0.0"
    changes:
      - file: changelogs/1.0.0/upgrade.sql
      - hook: reindex
  - version: "0.0.1"
    changes:
      - file: changelogs/0.0.1/base.sql
  - version: "0.0.2"
    pre:
      - file: changelogs/0.0.2/pre.sql
    changes:
      - file: changelogs/0.0.2/data.sql
    post:
      - file: changelogs/0.0.2/post.sql

parameters:
  - name: srid
    type: integer
    default: 2056
    values: [2056, 21781]
    description: Spatial reference system
  - name: locale
    type: text
    default: en
  - name: view_prefix
    type: text
    default: vw_
    app_only: true

roles:
  - name: city_viewer
    description: Read access
    permissions:
      city_data: read
  - name: city_admin
    login: true
    specific: false
    permissions:
      city_data: write

demo_data:
  small: demo/small.sql
  full: demo/full.sql

dependencies:
  - module: base_module
    min_version: "1.0.0"

app:
  create:
    - file: app/create_views.sql
  drop:
    - file: app/drop_views.sql

install:
  - file: install/finalize.sql

uninstall:
  - file: uninstall/teardown.sql
`

func fullModuleFiles() []string {
	return []string{
		"changelogs/0.0.1/base.sql",
		"changelogs/0.0.2/pre.sql",
		"changelogs/0.0.2/data.sql",
		"changelogs/0.0.2/post.sql",
		"changelogs/1.0.0/upgrade.sql",
		"app/create_views.sql",
		"app/drop_views.sql",
		"install/finalize.sql",
		"uninstall/teardown.sql",
		"demo/small.sql",
		"demo/full.sql",
	}
}

func TestParseConfig_FullModule(t *testing.T) {
	dir := writeModuleDir(t, fullModuleFiles()...)
	cfg, err := ParseConfig([]byte(fullModuleYAML), dir)
	require.NoError(t, err)

	require.Equal(t, "city", cfg.Module())
	require.Equal(t, "city_data", cfg.Schema())
	require.Equal(t, "public", cfg.MigrationTableSchema())

	// steps come out sorted even when the file declares them unordered
	steps := cfg.Steps()
	require.Len(t, steps, 3)
	require.Equal(t, "0.0.1", steps[0].Version.String())
	require.Equal(t, "0.0.2", steps[1].Version.String())
	require.Equal(t, "1.0.0", steps[2].Version.String())
	require.Equal(t, "1.0.0", cfg.LastVersion().String())

	require.Len(t, steps[1].Pre, 1)
	require.Len(t, steps[1].Post, 1)
	require.Equal(t, 3, steps[1].unitCount())

	// file units carry the config-relative name and an absolute path
	base := steps[0].Changes[0]
	require.Equal(t, "changelogs/0.0.1/base.sql", base.Name)
	require.True(t, filepath.IsAbs(base.Path))

	hook := steps[2].Changes[1]
	require.Equal(t, "reindex", hook.Hook)
	require.Empty(t, hook.Path)

	srid, ok := cfg.Parameter("srid")
	require.True(t, ok)
	require.Equal(t, ParameterInteger, srid.Type)
	require.Equal(t, 2056, srid.Default)
	require.Len(t, srid.Values, 2)

	prefix, ok := cfg.Parameter("view_prefix")
	require.True(t, ok)
	require.True(t, prefix.AppOnly)

	roles := cfg.Roles()
	require.Len(t, roles, 2)
	require.Equal(t, "city_viewer", roles[0].Name)
	require.True(t, roles[0].Generic)
	require.True(t, roles[0].Specific)
	require.False(t, roles[0].Login)
	require.Equal(t, []SchemaAccess{{Schema: "city_data", Level: AccessRead}}, roles[0].Permissions)
	require.True(t, roles[1].Login)
	require.False(t, roles[1].Specific)
	require.Equal(t, AccessWrite, roles[1].Permissions[0].Level)

	require.Len(t, cfg.DemoData(), 2)
	require.True(t, filepath.IsAbs(cfg.DemoData()["small"]))

	deps := cfg.Dependencies()
	require.Len(t, deps, 1)
	require.Equal(t, "base_module", deps[0].Module)
	require.Equal(t, "1.0.0", deps[0].MinVersion.String())

	require.Len(t, cfg.appCreate, 1)
	require.Len(t, cfg.appDrop, 1)
	require.Len(t, cfg.installHooks, 1)
	require.Len(t, cfg.uninstallHooks, 1)
}

func TestLoadConfig_DirectoryConvention(t *testing.T) {
	dir := writeModuleDir(t, "base.sql")
	yaml := `
pum:
  module: simple
changelogs:
  - version: "1.0.0"
    changes:
      - file: base.sql
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigFileName), []byte(yaml), 0o644))

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)
	require.Equal(t, "simple", cfg.Module())
	// schema falls back to the module identifier
	require.Equal(t, "simple", cfg.Schema())
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nowhere"))
	require.Error(t, err)
	require.ErrorIs(t, err, ErrConfig)
}

func TestParseConfig_Errors(t *testing.T) {
	dir := writeModuleDir(t, "ok.sql")
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "missing module",
			yaml: "pum:\n  schema: x\n",
			want: "module identifier is required",
		},
		{
			name: "invalid module identifier",
			yaml: "pum:\n  module: City\n",
			want: "invalid module identifier",
		},
		{
			name: "invalid schema",
			yaml: "pum:\n  module: city\n  schema: 9bad\n",
			want: "invalid schema name",
		},
		{
			name: "unknown key rejected",
			yaml: "pum:\n  module: city\nbogus: 1\n",
			want: "parse yaml",
		},
		{
			name: "duplicate version",
			yaml: "pum:\n  module: city\nchangelogs:\n  - version: \"1.0.0\"\n    changes:\n      - file: ok.sql\n  - version: \"1.0\"\n    changes:\n      - file: ok.sql\n",
			want: "duplicate version",
		},
		{
			name: "bad version",
			yaml: "pum:\n  module: city\nchangelogs:\n  - version: \"1.2.x\"\n    changes:\n      - file: ok.sql\n",
			want: "invalid patch version",
		},
		{
			name: "step without units",
			yaml: "pum:\n  module: city\nchangelogs:\n  - version: \"1.0.0\"\n",
			want: "declares no change units",
		},
		{
			name: "file and hook together",
			yaml: "pum:\n  module: city\nchangelogs:\n  - version: \"1.0.0\"\n    changes:\n      - file: ok.sql\n        hook: fix\n",
			want: "both file and hook",
		},
		{
			name: "unit without file or hook",
			yaml: "pum:\n  module: city\nchangelogs:\n  - version: \"1.0.0\"\n    changes:\n      - {}\n",
			want: "needs a file or a hook",
		},
		{
			name: "missing change file",
			yaml: "pum:\n  module: city\nchangelogs:\n  - version: \"1.0.0\"\n    changes:\n      - file: gone.sql\n",
			want: "change file",
		},
		{
			name: "duplicate parameter",
			yaml: "pum:\n  module: city\nparameters:\n  - name: srid\n    type: integer\n  - name: srid\n    type: integer\n",
			want: "duplicate parameter",
		},
		{
			name: "unknown parameter type",
			yaml: "pum:\n  module: city\nparameters:\n  - name: srid\n    type: enum\n",
			want: "unknown parameter type",
		},
		{
			name: "default not coercible",
			yaml: "pum:\n  module: city\nparameters:\n  - name: srid\n    type: integer\n    default: abc\n",
			want: "parameter \"srid\"",
		},
		{
			name: "invalid role name",
			yaml: "pum:\n  module: city\nroles:\n  - name: 9bad\n",
			want: "invalid role name",
		},
		{
			name: "duplicate role",
			yaml: "pum:\n  module: city\nroles:\n  - name: viewer\n  - name: viewer\n",
			want: "duplicate role",
		},
		{
			name: "unknown access level",
			yaml: "pum:\n  module: city\nroles:\n  - name: viewer\n    permissions:\n      data: admin\n",
			want: "unknown access level",
		},
		{
			name: "bad dependency version",
			yaml: "pum:\n  module: city\ndependencies:\n  - module: base\n    min_version: nope\n",
			want: "invalid major version",
		},
		{
			name: "missing demo data file",
			yaml: "pum:\n  module: city\ndemo_data:\n  small: gone.sql\n",
			want: "change file",
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := ParseConfig([]byte(c.yaml), dir)
			require.Error(t, err)
			require.ErrorIs(t, err, ErrConfig)
			require.Contains(t, err.Error(), c.want)
		})
	}
}

func TestPendingSteps(t *testing.T) {
	cfg := &Config{
		steps: []VersionStep{
			{Version: MustParseVersion("0.0.1")},
			{Version: MustParseVersion("0.0.2")},
			{Version: MustParseVersion("1.0.0")},
			{Version: MustParseVersion("1.1.0")},
		},
	}
	after := MustParseVersion("0.0.1")
	to := MustParseVersion("1.0.0")

	all := cfg.PendingSteps(nil, nil)
	require.Len(t, all, 4)

	got := cfg.PendingSteps(&after, &to)
	require.Len(t, got, 2)
	require.Equal(t, "0.0.2", got[0].Version.String())
	require.Equal(t, "1.0.0", got[1].Version.String())

	// bounds: strictly after the baseline, capped at the target,
	// ascending throughout
	for i, s := range got {
		require.True(t, after.Less(s.Version))
		require.False(t, to.Less(s.Version))
		if i > 0 {
			require.True(t, got[i-1].Version.Less(s.Version))
		}
	}

	none := cfg.PendingSteps(cfg.LastVersion(), nil)
	require.Empty(t, none)

	capped := cfg.PendingSteps(nil, &after)
	require.Len(t, capped, 1)
}

func TestConfig_ValidateHooks(t *testing.T) {
	dir := writeModuleDir(t, "base.sql")
	yaml := `
pum:
  module: city
changelogs:
  - version: "1.0.0"
    changes:
      - file: base.sql
      - hook: reindex
`
	cfg, err := ParseConfig([]byte(yaml), dir)
	require.NoError(t, err)

	err = cfg.validateHooks()
	require.Error(t, err)
	require.ErrorIs(t, err, ErrConfig)
	require.Contains(t, err.Error(), `hook "reindex" is not registered`)

	cfg.RegisterHook("reindex", HookRunnerFunc(func(context.Context, pgx.Tx, map[string]any, string) error {
		return nil
	}))
	require.NoError(t, cfg.validateHooks())
}

func TestConfig_RegisterHookIgnoresEmpty(t *testing.T) {
	cfg := &Config{hooks: make(map[string]HookRunner)}
	cfg.RegisterHook("", HookRunnerFunc(func(context.Context, pgx.Tx, map[string]any, string) error { return nil }))
	cfg.RegisterHook("noop", nil)
	require.Empty(t, cfg.hooks)
}

func TestIsValidIdentifier(t *testing.T) {
	for _, ok := range []string{"city", "city_data", "_hidden", "v2", "a9_b"} {
		require.True(t, isValidIdentifier(ok), ok)
	}
	for _, bad := range []string{"", "9lives", "City", "with space", "semi;colon", "da-sh", `qu"ote`} {
		require.False(t, isValidIdentifier(bad), bad)
	}
}

func TestResolveFile_Directory(t *testing.T) {
	dir := writeModuleDir(t)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0o755))
	yaml := "pum:\n  module: city\nchangelogs:\n  - version: \"1.0.0\"\n    changes:\n      - file: sub\n"
	_, err := ParseConfig([]byte(yaml), dir)
	require.Error(t, err)
	require.ErrorIs(t, err, ErrConfig)
	require.Contains(t, err.Error(), "is a directory")
}

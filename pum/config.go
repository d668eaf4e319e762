// Copyright 2025 OPENGIS.ch
// SPDX-License-Identifier: Apache-2.0

package pum

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ConfigFileName is the conventional configuration file inside a
// module directory.
const ConfigFileName = ".pum.yaml"

// VersionStep is one schema delta: the ordered change units moving a
// database from the previous version to Version, with optional pre and
// post hooks around them.
type VersionStep struct {
	Version Version
	Changes []ChangeUnit
	Pre     []ChangeUnit
	Post    []ChangeUnit
}

func (s *VersionStep) unitCount() int {
	return len(s.Pre) + len(s.Changes) + len(s.Post)
}

// Dependency names another module that must already be installed in the
// target database before this one installs or upgrades.
type Dependency struct {
	Module     string
	MinVersion *Version // nil accepts any installed version
}

// Config is the validated, immutable definition of a module's
// migration plan. Load it once per module session; it is safe for
// concurrent reads while operations run, but hooks must be registered
// before any operation starts.
type Config struct {
	module               string
	schema               string
	migrationTableSchema string
	steps                []VersionStep
	parameters           []ParameterDefinition
	roles                []RoleDefinition
	demoData             map[string]string // set name -> absolute SQL file path
	dependencies         []Dependency
	appCreate            []ChangeUnit
	appDrop              []ChangeUnit
	installHooks         []ChangeUnit
	uninstallHooks       []ChangeUnit
	hooks                map[string]HookRunner
}

// Wire format of the YAML configuration file.
type yamlConfig struct {
	Pum struct {
		Module               string `yaml:"module"`
		Schema               string `yaml:"schema"`
		MigrationTableSchema string `yaml:"migration_table_schema"`
	} `yaml:"pum"`
	Changelogs   []yamlChangelog   `yaml:"changelogs"`
	Parameters   []yamlParameter   `yaml:"parameters"`
	Roles        []yamlRole        `yaml:"roles"`
	DemoData     map[string]string `yaml:"demo_data"`
	Dependencies []yamlDependency  `yaml:"dependencies"`
	App          struct {
		Create []yamlChangeUnit `yaml:"create"`
		Drop   []yamlChangeUnit `yaml:"drop"`
	} `yaml:"app"`
	Install   []yamlChangeUnit `yaml:"install"`
	Uninstall []yamlChangeUnit `yaml:"uninstall"`
}

type yamlChangelog struct {
	Version string           `yaml:"version"`
	Changes []yamlChangeUnit `yaml:"changes"`
	Pre     []yamlChangeUnit `yaml:"pre"`
	Post    []yamlChangeUnit `yaml:"post"`
}

type yamlChangeUnit struct {
	File string `yaml:"file"`
	Hook string `yaml:"hook"`
}

type yamlParameter struct {
	Name        string `yaml:"name"`
	Type        string `yaml:"type"`
	Default     any    `yaml:"default"`
	Values      []any  `yaml:"values"`
	Description string `yaml:"description"`
	AppOnly     bool   `yaml:"app_only"`
}

type yamlRole struct {
	Name        string            `yaml:"name"`
	Description string            `yaml:"description"`
	Login       bool              `yaml:"login"`
	Generic     *bool             `yaml:"generic"`  // default true
	Specific    *bool             `yaml:"specific"` // default true
	Permissions map[string]string `yaml:"permissions"`
}

type yamlDependency struct {
	Module     string `yaml:"module"`
	MinVersion string `yaml:"min_version"`
}

// LoadConfig reads a module configuration. When path names a directory
// the conventional .pum.yaml inside it is read. File references are
// resolved relative to the configuration file's directory.
func LoadConfig(path string) (*Config, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, configErrorf("", "read configuration: %v", err)
	}
	if info.IsDir() {
		path = filepath.Join(path, ConfigFileName)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, configErrorf("", "read configuration: %v", err)
	}
	return ParseConfig(raw, filepath.Dir(path))
}

// ParseConfig parses and validates a raw YAML configuration. baseDir
// anchors relative file references. Unknown YAML keys are rejected.
func ParseConfig(raw []byte, baseDir string) (*Config, error) {
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	var yc yamlConfig
	if err := dec.Decode(&yc); err != nil {
		return nil, configErrorf("", "parse yaml: %v", err)
	}

	cfg := &Config{
		module:               strings.TrimSpace(yc.Pum.Module),
		schema:               strings.TrimSpace(yc.Pum.Schema),
		migrationTableSchema: strings.TrimSpace(yc.Pum.MigrationTableSchema),
		hooks:                make(map[string]HookRunner),
	}
	if cfg.module == "" {
		return nil, configErrorf("pum.module", "module identifier is required")
	}
	if !isValidIdentifier(cfg.module) {
		return nil, configErrorf("pum.module", "invalid module identifier %q", cfg.module)
	}
	if cfg.schema == "" {
		cfg.schema = cfg.module
	}
	if !isValidIdentifier(cfg.schema) {
		return nil, configErrorf("pum.schema", "invalid schema name %q", cfg.schema)
	}
	if cfg.migrationTableSchema == "" {
		cfg.migrationTableSchema = "public"
	}
	if !isValidIdentifier(cfg.migrationTableSchema) {
		return nil, configErrorf("pum.migration_table_schema", "invalid schema name %q", cfg.migrationTableSchema)
	}

	if err := cfg.loadChangelogs(yc.Changelogs, baseDir); err != nil {
		return nil, err
	}
	if err := cfg.loadParameters(yc.Parameters); err != nil {
		return nil, err
	}
	if err := cfg.loadRoles(yc.Roles); err != nil {
		return nil, err
	}
	if err := cfg.loadDemoData(yc.DemoData, baseDir); err != nil {
		return nil, err
	}
	if err := cfg.loadDependencies(yc.Dependencies); err != nil {
		return nil, err
	}

	var err error
	if cfg.appCreate, err = buildUnits("app.create", yc.App.Create, baseDir); err != nil {
		return nil, err
	}
	if cfg.appDrop, err = buildUnits("app.drop", yc.App.Drop, baseDir); err != nil {
		return nil, err
	}
	if cfg.installHooks, err = buildUnits("install", yc.Install, baseDir); err != nil {
		return nil, err
	}
	if cfg.uninstallHooks, err = buildUnits("uninstall", yc.Uninstall, baseDir); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadChangelogs(raw []yamlChangelog, baseDir string) error {
	seen := make(map[Version]bool, len(raw))
	for i, cl := range raw {
		field := fmt.Sprintf("changelogs[%d]", i)
		v, err := ParseVersion(cl.Version)
		if err != nil {
			return configErrorf(field+".version", "%v", err)
		}
		if seen[v] {
			return configErrorf(field+".version", "duplicate version %s", v)
		}
		seen[v] = true

		step := VersionStep{Version: v}
		if step.Changes, err = buildUnits(field+".changes", cl.Changes, baseDir); err != nil {
			return err
		}
		if step.Pre, err = buildUnits(field+".pre", cl.Pre, baseDir); err != nil {
			return err
		}
		if step.Post, err = buildUnits(field+".post", cl.Post, baseDir); err != nil {
			return err
		}
		if step.unitCount() == 0 {
			return configErrorf(field, "version %s declares no change units", v)
		}
		c.steps = append(c.steps, step)
	}
	sort.SliceStable(c.steps, func(i, j int) bool {
		return c.steps[i].Version.Less(c.steps[j].Version)
	})
	return nil
}

func (c *Config) loadParameters(raw []yamlParameter) error {
	seen := make(map[string]bool, len(raw))
	for i, p := range raw {
		field := fmt.Sprintf("parameters[%d]", i)
		name := strings.TrimSpace(p.Name)
		if name == "" {
			return configErrorf(field+".name", "parameter name is required")
		}
		if seen[name] {
			return configErrorf(field+".name", "duplicate parameter %q", name)
		}
		seen[name] = true

		t, err := parseParameterType(p.Type)
		if err != nil {
			return configErrorf(field+".type", "%v", err)
		}
		def := ParameterDefinition{
			Name:        name,
			Type:        t,
			Default:     p.Default,
			Values:      p.Values,
			Description: strings.TrimSpace(p.Description),
			AppOnly:     p.AppOnly,
		}
		// surface bad defaults and enumerations at load, not at install
		if def.Default != nil {
			if _, err := def.Coerce(def.Default); err != nil {
				return configErrorf(field+".default", "%v", err)
			}
		}
		for _, allowed := range def.Values {
			if _, err := coerceTo(t, allowed); err != nil {
				return configErrorf(field+".values", "%v", err)
			}
		}
		c.parameters = append(c.parameters, def)
	}
	return nil
}

func (c *Config) loadRoles(raw []yamlRole) error {
	seen := make(map[string]bool, len(raw))
	for i, r := range raw {
		field := fmt.Sprintf("roles[%d]", i)
		name := strings.TrimSpace(r.Name)
		if name == "" {
			return configErrorf(field+".name", "role name is required")
		}
		if !isValidIdentifier(name) {
			return configErrorf(field+".name", "invalid role name %q", name)
		}
		if seen[name] {
			return configErrorf(field+".name", "duplicate role %q", name)
		}
		seen[name] = true

		def := RoleDefinition{
			Name:        name,
			Description: strings.TrimSpace(r.Description),
			Login:       r.Login,
			Generic:     r.Generic == nil || *r.Generic,
			Specific:    r.Specific == nil || *r.Specific,
		}
		schemas := make([]string, 0, len(r.Permissions))
		for schema := range r.Permissions {
			schemas = append(schemas, schema)
		}
		sort.Strings(schemas)
		for _, schema := range schemas {
			if !isValidIdentifier(schema) {
				return configErrorf(field+".permissions", "invalid schema name %q", schema)
			}
			level, err := parseAccessLevel(r.Permissions[schema])
			if err != nil {
				return configErrorf(field+".permissions", "schema %q: %v", schema, err)
			}
			def.Permissions = append(def.Permissions, SchemaAccess{Schema: schema, Level: level})
		}
		c.roles = append(c.roles, def)
	}
	return nil
}

func (c *Config) loadDemoData(raw map[string]string, baseDir string) error {
	if len(raw) == 0 {
		return nil
	}
	c.demoData = make(map[string]string, len(raw))
	for name, file := range raw {
		if strings.TrimSpace(name) == "" {
			return configErrorf("demo_data", "demo data set name is required")
		}
		path, err := resolveFile(file, baseDir)
		if err != nil {
			return configErrorf("demo_data", "set %q: %v", name, err)
		}
		c.demoData[name] = path
	}
	return nil
}

func (c *Config) loadDependencies(raw []yamlDependency) error {
	for i, d := range raw {
		field := fmt.Sprintf("dependencies[%d]", i)
		module := strings.TrimSpace(d.Module)
		if module == "" {
			return configErrorf(field+".module", "dependency module is required")
		}
		dep := Dependency{Module: module}
		if strings.TrimSpace(d.MinVersion) != "" {
			v, err := ParseVersion(d.MinVersion)
			if err != nil {
				return configErrorf(field+".min_version", "%v", err)
			}
			dep.MinVersion = &v
		}
		c.dependencies = append(c.dependencies, dep)
	}
	return nil
}

func buildUnits(field string, raw []yamlChangeUnit, baseDir string) ([]ChangeUnit, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	units := make([]ChangeUnit, 0, len(raw))
	for i, u := range raw {
		unitField := fmt.Sprintf("%s[%d]", field, i)
		switch {
		case u.File != "" && u.Hook != "":
			return nil, configErrorf(unitField, "change unit declares both file and hook")
		case u.File != "":
			path, err := resolveFile(u.File, baseDir)
			if err != nil {
				return nil, configErrorf(unitField, "%v", err)
			}
			units = append(units, ChangeUnit{Name: u.File, Path: path, runner: &ScriptRunner{Path: path}})
		case u.Hook != "":
			units = append(units, ChangeUnit{Name: u.Hook, Hook: u.Hook})
		default:
			return nil, configErrorf(unitField, "change unit needs a file or a hook")
		}
	}
	return units, nil
}

func resolveFile(file, baseDir string) (string, error) {
	if strings.TrimSpace(file) == "" {
		return "", fmt.Errorf("file path is required")
	}
	if !filepath.IsAbs(file) {
		file = filepath.Join(baseDir, file)
	}
	info, err := os.Stat(file)
	if err != nil {
		return "", fmt.Errorf("change file: %v", err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("change file %s is a directory", file)
	}
	return file, nil
}

// isValidIdentifier accepts unquoted PostgreSQL identifiers: lowercase
// letters, digits and underscores, not starting with a digit.
func isValidIdentifier(name string) bool {
	if len(name) == 0 {
		return false
	}
	for i, r := range name {
		if r >= 'a' && r <= 'z' || r == '_' {
			continue
		}
		if r >= '0' && r <= '9' && i > 0 {
			continue
		}
		return false
	}
	return true
}

// Module returns the stable module identifier.
func (c *Config) Module() string { return c.module }

// Schema returns the target schema the module installs into. It
// defaults to the module identifier.
func (c *Config) Schema() string { return c.schema }

// MigrationTableSchema returns the schema hosting the migration ledger
// table, "public" unless configured otherwise.
func (c *Config) MigrationTableSchema() string { return c.migrationTableSchema }

// Steps returns the ordered version steps. The slice is owned by the
// Config and must not be mutated.
func (c *Config) Steps() []VersionStep { return c.steps }

// Parameters returns the declared parameter definitions.
func (c *Config) Parameters() []ParameterDefinition { return c.parameters }

// Parameter looks up a parameter definition by name.
func (c *Config) Parameter(name string) (ParameterDefinition, bool) {
	for _, p := range c.parameters {
		if p.Name == name {
			return p, true
		}
	}
	return ParameterDefinition{}, false
}

// Roles returns the declared role definitions.
func (c *Config) Roles() []RoleDefinition { return c.roles }

// DemoData maps demo data set names to their SQL file paths.
func (c *Config) DemoData() map[string]string { return c.demoData }

// Dependencies returns the modules that must be installed before this
// one.
func (c *Config) Dependencies() []Dependency { return c.dependencies }

// LastVersion returns the highest version in the step list, nil when
// the configuration declares no steps.
func (c *Config) LastVersion() *Version {
	if len(c.steps) == 0 {
		return nil
	}
	v := c.steps[len(c.steps)-1].Version
	return &v
}

// PendingSteps returns the steps strictly after `after` (nil: from the
// beginning) up to and including `to` (nil: through the last version).
func (c *Config) PendingSteps(after, to *Version) []VersionStep {
	var out []VersionStep
	for _, s := range c.steps {
		if after != nil && s.Version.Compare(*after) <= 0 {
			continue
		}
		if to != nil && s.Version.Compare(*to) > 0 {
			continue
		}
		out = append(out, s)
	}
	return out
}

// RoleManager constructs a role manager bound to this configuration's
// role definitions.
func (c *Config) RoleManager(logger *slog.Logger) *RoleManager {
	return NewRoleManager(c.roles, logger)
}

// RegisterHook binds a native runner to a hook name declared in the
// configuration. Registering again replaces the previous runner.
// Registration must happen before operations start.
func (c *Config) RegisterHook(name string, runner HookRunner) {
	if name == "" || runner == nil {
		return
	}
	c.hooks[name] = runner
}

// validateHooks checks that every declared hook unit resolves to a
// registered runner, so operations fail before touching the database.
func (c *Config) validateHooks() error {
	check := func(field string, units []ChangeUnit) error {
		for _, u := range units {
			if u.Hook == "" {
				continue
			}
			if _, ok := c.hooks[u.Hook]; !ok {
				return configErrorf(field, "hook %q is not registered", u.Hook)
			}
		}
		return nil
	}
	for _, s := range c.steps {
		field := fmt.Sprintf("changelogs (version %s)", s.Version)
		for _, units := range [][]ChangeUnit{s.Pre, s.Changes, s.Post} {
			if err := check(field, units); err != nil {
				return err
			}
		}
	}
	for _, set := range []struct {
		field string
		units []ChangeUnit
	}{
		{"install", c.installHooks},
		{"uninstall", c.uninstallHooks},
		{"app.create", c.appCreate},
		{"app.drop", c.appDrop},
	} {
		if err := check(set.field, set.units); err != nil {
			return err
		}
	}
	return nil
}

// Copyright 2025 OPENGIS.ch
// SPDX-License-Identifier: Apache-2.0

package pum

import (
	"fmt"
	"strings"

	"github.com/spf13/cast"
)

// ParameterType classifies a parameter's value domain. The type is
// decided once when the configuration is parsed and never
// re-interpreted afterwards.
type ParameterType string

// Parameter type constants
const (
	ParameterBoolean ParameterType = "boolean"
	ParameterInteger ParameterType = "integer"
	ParameterDecimal ParameterType = "decimal"
	ParameterText    ParameterType = "text"
	ParameterPath    ParameterType = "path"
)

func parseParameterType(s string) (ParameterType, error) {
	switch t := ParameterType(strings.ToLower(strings.TrimSpace(s))); t {
	case ParameterBoolean, ParameterInteger, ParameterDecimal, ParameterText, ParameterPath:
		return t, nil
	case "":
		return "", fmt.Errorf("missing parameter type")
	default:
		return "", fmt.Errorf("unknown parameter type %q", s)
	}
}

// ParameterDefinition declares a named configuration value consumed by
// hooks during install and upgrade. Standard parameters are fixed at
// install time and reused unchanged on every upgrade; app-only
// parameters may be changed on each upgrade.
type ParameterDefinition struct {
	Name        string
	Type        ParameterType
	Default     any
	Values      []any // optional enumeration of allowed values
	Description string
	AppOnly     bool
}

// Coerce casts raw to the declared type and validates it against the
// enumerated allowed values, when any are declared.
func (p *ParameterDefinition) Coerce(raw any) (any, error) {
	v, err := coerceTo(p.Type, raw)
	if err != nil {
		return nil, fmt.Errorf("parameter %q: %w", p.Name, err)
	}
	if len(p.Values) == 0 {
		return v, nil
	}
	for _, allowed := range p.Values {
		av, err := coerceTo(p.Type, allowed)
		if err != nil {
			return nil, fmt.Errorf("parameter %q: allowed value %v: %w", p.Name, allowed, err)
		}
		if av == v {
			return v, nil
		}
	}
	return nil, fmt.Errorf("parameter %q: value %v is not among the allowed values", p.Name, v)
}

func coerceTo(t ParameterType, raw any) (any, error) {
	switch t {
	case ParameterBoolean:
		return cast.ToBoolE(raw)
	case ParameterInteger:
		return cast.ToIntE(raw)
	case ParameterDecimal:
		return cast.ToFloat64E(raw)
	case ParameterText, ParameterPath:
		return cast.ToStringE(raw)
	default:
		return nil, fmt.Errorf("unknown parameter type %q", t)
	}
}

// ResolveParameters merges caller-supplied values over declared
// defaults, coercing every value to its declared type. When recorded
// holds the values written to the ledger at install time, those win for
// standard parameters; app-only parameters stay caller-editable.
// Supplying an undeclared name is a configuration error.
func (c *Config) ResolveParameters(supplied, recorded map[string]any) (map[string]any, error) {
	for name := range supplied {
		if _, ok := c.Parameter(name); !ok {
			return nil, configErrorf("parameters", "unknown parameter %q", name)
		}
	}

	out := make(map[string]any, len(c.parameters))
	for i := range c.parameters {
		p := &c.parameters[i]
		v := p.Default
		if rv, ok := recorded[p.Name]; ok {
			v = rv
		}
		if sv, ok := supplied[p.Name]; ok {
			// standard values recorded at install are never re-prompted
			if _, installed := recorded[p.Name]; !installed || p.AppOnly {
				v = sv
			}
		}
		if v == nil {
			return nil, configErrorf("parameters", "parameter %q has no value and no default", p.Name)
		}
		cv, err := p.Coerce(v)
		if err != nil {
			return nil, configErrorf("parameters", "%v", err)
		}
		out[p.Name] = cv
	}
	return out, nil
}

package agents

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"text/template"

	"github.com/BurntSushi/toml"

	"github.com/fyrsmithlabs/synthd/internal/synth"
)

// ErrInvalidRoles is returned for a role file that cannot be applied.
var ErrInvalidRoles = errors.New("invalid role configuration")

// RoleConfig is the policy of one agent persona.
type RoleConfig struct {
	Role        synth.Role
	System      string
	Template    string
	Temperature float64
	Emphasis    []string
}

// systemPrompt joins the system text and the emphasis list.
func (c RoleConfig) systemPrompt() string {
	if len(c.Emphasis) == 0 {
		return c.System
	}
	var b strings.Builder
	b.WriteString(c.System)
	b.WriteString("\n\nAlways:\n")
	for _, e := range c.Emphasis {
		b.WriteString("- ")
		b.WriteString(e)
		b.WriteString("\n")
	}
	return b.String()
}

// RoleSet holds the current role policy. It is safe for concurrent use and
// can be replaced wholesale by Reload.
type RoleSet struct {
	mu        sync.RWMutex
	roles     map[synth.Role]RoleConfig
	templates map[string]string
}

// DefaultRoleSet returns the built-in policy.
func DefaultRoleSet() *RoleSet {
	return &RoleSet{roles: defaultRoles(), templates: defaultTemplates()}
}

// Role returns the config of r.
func (rs *RoleSet) Role(r synth.Role) (RoleConfig, bool) {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	c, ok := rs.roles[r]
	if ok {
		c.Emphasis = append([]string(nil), c.Emphasis...)
	}
	return c, ok
}

// Template returns the template text registered under name, resolving a
// role's primary template through its RoleConfig.
func (rs *RoleSet) Template(name string) (string, bool) {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	for role, primary := range primaryTemplate {
		if primary == name {
			c, ok := rs.roles[role]
			return c.Template, ok
		}
	}
	t, ok := rs.templates[name]
	return t, ok
}

type roleFile struct {
	Roles     map[string]roleOverride `toml:"roles"`
	Templates map[string]string       `toml:"templates"`
}

type roleOverride struct {
	System      *string  `toml:"system"`
	Template    *string  `toml:"template"`
	Temperature *float64 `toml:"temperature"`
	Emphasis    []string `toml:"emphasis"`
}

// LoadRoleSet applies the TOML file at path on top of the built-in policy.
// An empty path returns the defaults.
//
//	[roles.auditor]
//	temperature = 0.1
//	emphasis = ["Quote sample sizes."]
//
//	[templates]
//	"logic_check.audit" = "..."
func LoadRoleSet(path string) (*RoleSet, error) {
	rs := DefaultRoleSet()
	if path == "" {
		return rs, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading role file: %w", err)
	}
	var f roleFile
	if _, err := toml.Decode(string(data), &f); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidRoles, path, err)
	}

	known := make(map[synth.Role]bool)
	for _, r := range synth.AllRoles() {
		known[r] = true
	}
	for name, o := range f.Roles {
		role := synth.Role(name)
		if !known[role] {
			return nil, fmt.Errorf("%w: unknown role %q", ErrInvalidRoles, name)
		}
		c := rs.roles[role]
		if o.System != nil {
			c.System = *o.System
		}
		if o.Template != nil {
			c.Template = *o.Template
		}
		if o.Temperature != nil {
			if *o.Temperature < 0 || *o.Temperature > 2 {
				return nil, fmt.Errorf("%w: role %s temperature %v outside 0..2", ErrInvalidRoles, name, *o.Temperature)
			}
			c.Temperature = *o.Temperature
		}
		if o.Emphasis != nil {
			c.Emphasis = o.Emphasis
		}
		rs.roles[role] = c
	}
	for name, text := range f.Templates {
		if _, ok := rs.templates[name]; !ok {
			return nil, fmt.Errorf("%w: unknown template %q", ErrInvalidRoles, name)
		}
		rs.templates[name] = text
	}

	for role, c := range rs.roles {
		if _, err := parseTemplate(string(role), c.Template); err != nil {
			return nil, fmt.Errorf("%w: role %s: %v", ErrInvalidRoles, role, err)
		}
	}
	for name, text := range rs.templates {
		if _, err := parseTemplate(name, text); err != nil {
			return nil, fmt.Errorf("%w: template %s: %v", ErrInvalidRoles, name, err)
		}
	}
	return rs, nil
}

// Reload replaces the policy with the file at path. On error the current
// policy is kept.
func (rs *RoleSet) Reload(path string) error {
	next, err := LoadRoleSet(path)
	if err != nil {
		return err
	}
	rs.mu.Lock()
	rs.roles = next.roles
	rs.templates = next.templates
	rs.mu.Unlock()
	return nil
}

var funcs = template.FuncMap{
	"join": strings.Join,
	"truncate": func(s string, n int) string {
		if len(s) <= n {
			return s
		}
		return s[:n]
	},
}

func parseTemplate(name, text string) (*template.Template, error) {
	return template.New(name).Funcs(funcs).Option("missingkey=zero").Parse(text)
}

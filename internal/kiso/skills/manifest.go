// Package skills scans installed-skill directories on demand and exposes
// their manifests: summary, declared argument schema, ephemeral-secret
// scope, and env vars.
package skills

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io/fs"

	"github.com/pelletier/go-toml/v2"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Manifest is the parsed contents of a skill's manifest.toml (§6). Every
// field lives under the single top-level [kiso] table, matching the format
// manifest.toml authors write: [kiso], [kiso.skill], [kiso.skill.args.*],
// [kiso.skill.env], [kiso.deps].
type Manifest struct {
	Kiso KisoSection `toml:"kiso"`
}

// KisoSection is manifest.toml's top-level [kiso] table, holding identity
// fields alongside the nested [kiso.skill] and [kiso.deps] tables.
type KisoSection struct {
	Type        string `toml:"type"`
	Name        string `toml:"name"`
	Version     string `toml:"version"`
	Description string `toml:"description"`

	Skill SkillSection `toml:"skill"`
	Deps  DepsSection  `toml:"deps"`
}

// SkillSection is manifest.toml's [kiso.skill] table.
type SkillSection struct {
	Summary        string              `toml:"summary"`
	SessionSecrets []string            `toml:"session_secrets"`
	UsageGuide     string              `toml:"usage_guide"`
	Args           map[string]ArgSpec  `toml:"args"`
	Env            []string            `toml:"env"`
}

// ArgSpec describes one declared skill argument, [kiso.skill.args.<name>].
type ArgSpec struct {
	Type        string `toml:"type"`
	Required    bool   `toml:"required"`
	Default     any    `toml:"default"`
	Description string `toml:"description"`
}

// DepsSection is manifest.toml's [kiso.deps] table.
type DepsSection struct {
	Python string `toml:"python"`
	Bin    []string `toml:"bin"`
}

// Registry scans a filesystem root for `<name>/manifest.toml` skill
// directories. Scans are uncached: every call re-reads disk, so an admin
// can add or edit a skill without a restart.
type Registry struct {
	root fs.FS
}

// NewRegistry creates a Registry backed by the given filesystem root
// (typically os.DirFS("skills")).
func NewRegistry(root fs.FS) *Registry {
	return &Registry{root: root}
}

// List returns the names of every installed skill.
func (r *Registry) List() ([]string, error) {
	entries, err := fs.ReadDir(r.root, ".")
	if err != nil {
		return nil, fmt.Errorf("list skills: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := fs.Stat(r.root, e.Name()+"/manifest.toml"); err == nil {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// Get loads and parses the manifest for one skill.
func (r *Registry) Get(name string) (*Manifest, error) {
	raw, err := fs.ReadFile(r.root, name+"/manifest.toml")
	if err != nil {
		return nil, fmt.Errorf("skill %q: read manifest: %w", name, err)
	}

	var m Manifest
	if err := toml.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("skill %q: parse manifest: %w", name, err)
	}
	return &m, nil
}

// ArgSchema builds a JSON Schema document from a skill's declared args,
// suitable for validating a planner-produced args JSON string (§4.2 step 5).
func (m *Manifest) ArgSchema() map[string]any {
	properties := make(map[string]any, len(m.Kiso.Skill.Args))
	var required []string
	for name, spec := range m.Kiso.Skill.Args {
		prop := map[string]any{"description": spec.Description}
		if spec.Type != "" {
			prop["type"] = spec.Type
		}
		properties[name] = prop
		if spec.Required {
			required = append(required, name)
		}
	}
	return map[string]any{
		"type":                 "object",
		"properties":           properties,
		"required":             required,
		"additionalProperties": false,
	}
}

// ValidateArgs compiles a skill's arg schema and validates a planner-supplied
// args JSON string against it (§4.2 step 5: "its args JSON validates against
// that skill's declared arg schema").
func (m *Manifest) ValidateArgs(argsJSON string) error {
	schemaBytes, err := json.Marshal(m.ArgSchema())
	if err != nil {
		return fmt.Errorf("marshal arg schema for skill %q: %w", m.Kiso.Name, err)
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", bytes.NewReader(schemaBytes)); err != nil {
		return fmt.Errorf("load arg schema for skill %q: %w", m.Kiso.Name, err)
	}
	schema, err := compiler.Compile("schema.json")
	if err != nil {
		return fmt.Errorf("compile arg schema for skill %q: %w", m.Kiso.Name, err)
	}

	var args any
	if argsJSON == "" {
		args = map[string]any{}
	} else if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
		return fmt.Errorf("skill %q: args is not valid JSON: %w", m.Kiso.Name, err)
	}

	if err := schema.Validate(args); err != nil {
		return fmt.Errorf("skill %q: args do not match declared schema: %w", m.Kiso.Name, err)
	}
	return nil
}

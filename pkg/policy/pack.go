package policy

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/stratalabs/strata/pkg/link"
)

// Pack is a declarative rule bundle. Each entry names one of the tagged
// rule variants plus its scope; unknown kinds are rejected at load time so
// a pack can never smuggle in behavior the registry does not implement.
type Pack struct {
	Name  string      `yaml:"name"`
	Rules []PackEntry `yaml:"rules"`
}

type PackEntry struct {
	Kind      string   `yaml:"kind"`
	Container string   `yaml:"container"`
	Classes   []string `yaml:"classes"`

	// schema
	Schemas map[string]string `yaml:"schemas"`
	Strict  bool              `yaml:"strict"`

	// transition
	Transitions map[string][]string `yaml:"transitions"`

	// sensitive_data
	Patterns map[string]string `yaml:"patterns"`

	// provenance
	SourceContainer string `yaml:"source_container"`
}

// LoadPack parses a YAML rule pack.
func LoadPack(data []byte) (*Pack, error) {
	var p Pack
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse rule pack: %w", err)
	}
	for i := range p.Rules {
		switch p.Rules[i].Kind {
		case "schema", "transition", "sensitive_data", "provenance", "tenant_scope":
		default:
			return nil, fmt.Errorf("rule pack %s: unknown rule kind %q", p.Name, p.Rules[i].Kind)
		}
	}
	return &p, nil
}

// LoadPackFile reads and parses a YAML rule pack from disk.
func LoadPackFile(path string) (*Pack, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rule pack: %w", err)
	}
	return LoadPack(data)
}

// Install materializes every pack entry and registers it.
func (p *Pack) Install(reg *Registry) error {
	for i := range p.Rules {
		e := &p.Rules[i]

		classes := make([]link.IntentClass, 0, len(e.Classes))
		for _, name := range e.Classes {
			c, err := parseIntentClass(name)
			if err != nil {
				return fmt.Errorf("rule pack %s: %w", p.Name, err)
			}
			classes = append(classes, c)
		}
		container := e.Container
		if container == "" {
			container = "*"
		}

		rule, err := e.build()
		if err != nil {
			return fmt.Errorf("rule pack %s: %w", p.Name, err)
		}
		reg.Register(container, classes, rule)
	}
	return nil
}

func (e *PackEntry) build() (Rule, error) {
	switch e.Kind {
	case "schema":
		return NewSchemaRule(e.Schemas, e.Strict)
	case "transition":
		return NewTransitionRule(e.Transitions), nil
	case "sensitive_data":
		return NewSensitiveDataRule(e.Patterns)
	case "provenance":
		return NewProvenanceRule(e.SourceContainer), nil
	case "tenant_scope":
		return NewTenantScopeRule(), nil
	default:
		return nil, fmt.Errorf("unknown rule kind %q", e.Kind)
	}
}

func parseIntentClass(name string) (link.IntentClass, error) {
	var c link.IntentClass
	if err := c.UnmarshalJSON([]byte(`"` + name + `"`)); err != nil {
		return 0, fmt.Errorf("unknown intent class %q", name)
	}
	return c, nil
}

package config

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// RequiredClaim names a claim that must be present in a verified token,
// optionally constrained to a set of acceptable values. An empty Values
// slice means presence is enough.
//
// Three YAML spellings are accepted:
//
//	- sub                          # presence only
//	- {name: aud, value: my-api}   # exactly one acceptable value
//	- {name: role, values: [a, b]} # any of a set
type RequiredClaim struct {
	Name   string
	Values []string
}

// UnmarshalYAML implements the scalar-or-mapping union above.
func (rc *RequiredClaim) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		var name string
		if err := node.Decode(&name); err != nil {
			return err
		}
		rc.Name = name
		rc.Values = nil
		return nil
	}

	var aux struct {
		Name   string   `yaml:"name"`
		Value  *string  `yaml:"value"`
		Values []string `yaml:"values"`
	}
	if err := node.Decode(&aux); err != nil {
		return err
	}
	if aux.Value != nil && aux.Values != nil {
		return fmt.Errorf("required claim %q: value and values are mutually exclusive", aux.Name)
	}
	rc.Name = aux.Name
	switch {
	case aux.Value != nil:
		rc.Values = []string{*aux.Value}
	default:
		rc.Values = aux.Values
	}
	return nil
}

// Matches reports whether any of the candidate values satisfies the
// requirement. With no configured values, presence alone matches, which a
// non-empty candidate set implies.
func (rc RequiredClaim) Matches(candidates []string) bool {
	if len(rc.Values) == 0 {
		return true
	}
	for _, want := range rc.Values {
		for _, got := range candidates {
			if want == got {
				return true
			}
		}
	}
	return false
}

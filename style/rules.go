package style

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadRules decodes an ordered YAML list of rules.
func LoadRules(r io.Reader) ([]Rule, error) {
	var rules []Rule
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&rules); err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, fmt.Errorf("decode style rules: %w", err)
	}
	return rules, nil
}

// LoadRulesFile reads rules from a YAML file.
func LoadRulesFile(path string) ([]Rule, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open style rules: %w", err)
	}
	defer f.Close()
	return LoadRules(f)
}

// Clone returns a deep copy of rules so callers can keep mutating their own
// list without affecting a compiled snapshot.
func Clone(rules []Rule) []Rule {
	if rules == nil {
		return nil
	}
	out := make([]Rule, len(rules))
	for i, r := range rules {
		decls := make(map[string]string, len(r.Declarations))
		for k, v := range r.Declarations {
			decls[k] = v
		}
		out[i] = Rule{Selector: r.Selector, Declarations: decls}
	}
	return out
}

// Equal reports whether two rule lists compile identically.
func Equal(a, b []Rule) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Selector != b[i].Selector || len(a[i].Declarations) != len(b[i].Declarations) {
			return false
		}
		for k, v := range a[i].Declarations {
			if w, ok := b[i].Declarations[k]; !ok || w != v {
				return false
			}
		}
	}
	return true
}

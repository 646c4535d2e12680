package prefilter

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Auto is the sentinel meaning "use the docking engine's built-in defaults".
const Auto = "auto"

// PreFilter is the parameter bag handed to the docking engine to constrain
// which candidate poses are accepted during a trial. The engine owns the
// meaning of each key.
type PreFilter struct {
	Source string
	Params map[string]any
}

func Default() *PreFilter {
	return &PreFilter{Source: Auto, Params: map[string]any{}}
}

// IsDefault reports whether the engine defaults are in effect, in which case
// no pre-filter file needs to be handed to the engine.
func (p *PreFilter) IsDefault() bool {
	return p == nil || (p.Source == Auto && len(p.Params) == 0)
}

func (p *PreFilter) Set(key string, value any) {
	if p.Params == nil {
		p.Params = map[string]any{}
	}
	p.Params[key] = value
}

// Keys returns the parameter names in sorted order.
func (p *PreFilter) Keys() []string {
	keys := make([]string, 0, len(p.Params))
	for k := range p.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Load reads a pre-filter from a JSON or YAML file. The Auto sentinel yields
// the defaults without touching the filesystem.
func Load(path string) (*PreFilter, error) {
	if path == "" || path == Auto {
		return Default(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pre-filter file: %w", err)
	}

	params := map[string]any{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := json.Unmarshal(data, &params); err != nil {
			return nil, fmt.Errorf("failed to parse pre-filter JSON: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &params); err != nil {
			return nil, fmt.Errorf("failed to parse pre-filter YAML: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported pre-filter format %q (want .json, .yaml or .yml)", filepath.Ext(path))
	}
	if params == nil {
		params = map[string]any{}
	}

	p := &PreFilter{Source: path, Params: params}
	if err := Validate(p); err != nil {
		return nil, fmt.Errorf("invalid pre-filter %s: %w", path, err)
	}
	return p, nil
}

// Save writes the parameters as indented JSON, the format the decoy script
// reads with -pf.
func (p *PreFilter) Save(path string) error {
	params := p.Params
	if params == nil {
		params = map[string]any{}
	}
	data, err := json.MarshalIndent(params, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal pre-filter: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

func Validate(p *PreFilter) error {
	for _, key := range p.Keys() {
		if strings.TrimSpace(key) == "" {
			return fmt.Errorf("pre-filter keys must not be empty")
		}
		switch p.Params[key].(type) {
		case bool, string, int, int64, float64:
		default:
			return fmt.Errorf("pre-filter value for %q must be a number, string or boolean, got %T", key, p.Params[key])
		}
	}
	return nil
}

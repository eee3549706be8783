package profile

import (
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/david/grant-matcher/internal/models"
)

//go:embed presets/*.yaml
var presetsFS embed.FS

// presetNamespace seeds deterministic ids for profiles that have none.
var presetNamespace = uuid.MustParse("5b0f7c1e-3a52-4d1b-9f0e-2c6a1e8d4b70")

// LoadFile reads a profile from a .yaml, .yml or .json file.
func LoadFile(path string) (models.Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return models.Profile{}, fmt.Errorf("read profile: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return Parse(data, "json")
	case ".yaml", ".yml":
		return Parse(data, "yaml")
	}
	return models.Profile{}, fmt.Errorf("unsupported profile format %q", filepath.Ext(path))
}

// Parse decodes and validates a profile document in the given format.
func Parse(data []byte, format string) (models.Profile, error) {
	var p models.Profile
	var err error
	switch format {
	case "json":
		err = json.Unmarshal(data, &p)
	case "yaml":
		err = yaml.Unmarshal(data, &p)
	default:
		return p, fmt.Errorf("unsupported profile format %q", format)
	}
	if err != nil {
		return p, fmt.Errorf("decode profile: %w", err)
	}
	if err := Validate(&p); err != nil {
		return p, err
	}
	if p.ID == uuid.Nil {
		p.ID = uuid.NewSHA1(presetNamespace, []byte(strings.ToLower(p.Name)))
	}
	return p, nil
}

// Validate trims the profile in place and checks required fields.
func Validate(p *models.Profile) error {
	p.Name = strings.TrimSpace(p.Name)
	p.Mission = strings.TrimSpace(p.Mission)
	p.Description = strings.TrimSpace(p.Description)
	areas := p.FocusAreas[:0]
	for _, a := range p.FocusAreas {
		if a = strings.TrimSpace(a); a != "" {
			areas = append(areas, a)
		}
	}
	p.FocusAreas = areas

	if p.Name == "" {
		return fmt.Errorf("profile name is required")
	}
	if p.FundingMin < 0 || p.FundingMax < 0 {
		return fmt.Errorf("funding bounds must not be negative")
	}
	if p.FundingMax > 0 && p.FundingMin > p.FundingMax {
		return fmt.Errorf("funding_min %.0f exceeds funding_max %.0f", p.FundingMin, p.FundingMax)
	}
	return nil
}

// Presets returns the bundled example profiles keyed by file name without extension.
func Presets() (map[string]models.Profile, error) {
	entries, err := presetsFS.ReadDir("presets")
	if err != nil {
		return nil, err
	}
	out := make(map[string]models.Profile, len(entries))
	for _, e := range entries {
		data, err := presetsFS.ReadFile("presets/" + e.Name())
		if err != nil {
			return nil, err
		}
		p, err := Parse(data, "yaml")
		if err != nil {
			return nil, fmt.Errorf("preset %s: %w", e.Name(), err)
		}
		out[strings.TrimSuffix(e.Name(), filepath.Ext(e.Name()))] = p
	}
	return out, nil
}

// PresetNames lists bundled presets in order.
func PresetNames() []string {
	presets, err := Presets()
	if err != nil {
		return nil
	}
	names := make([]string, 0, len(presets))
	for n := range presets {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Resolve loads a profile from a preset name or a file path.
func Resolve(nameOrPath string) (models.Profile, error) {
	presets, err := Presets()
	if err != nil {
		return models.Profile{}, err
	}
	if p, ok := presets[nameOrPath]; ok {
		return p, nil
	}
	return LoadFile(nameOrPath)
}

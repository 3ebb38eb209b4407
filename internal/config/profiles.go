package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"hackhub-backend/internal/models"
)

//go:embed profiles.yaml
var defaultProfilesYAML []byte

type profileFile struct {
	Default  string                `yaml:"default"`
	Profiles []models.ModelProfile `yaml:"profiles"`
}

// ModelCatalog is the static, ordered set of model profiles.
type ModelCatalog struct {
	profiles  []models.ModelProfile
	byID      map[string]models.ModelProfile
	defaultID string
}

// LoadModelCatalog reads profiles from path, or the built-in catalog when
// path is empty. overrideDefault, if set, replaces the file's default id.
func LoadModelCatalog(path, overrideDefault string) (*ModelCatalog, error) {
	data := defaultProfilesYAML
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read model profiles: %w", err)
		}
		data = b
	}
	cat, err := ParseModelCatalog(data)
	if err != nil {
		return nil, err
	}
	if overrideDefault != "" {
		if _, ok := cat.byID[overrideDefault]; !ok {
			return nil, fmt.Errorf("default model %q is not a known profile", overrideDefault)
		}
		cat.defaultID = overrideDefault
	}
	return cat, nil
}

func ParseModelCatalog(data []byte) (*ModelCatalog, error) {
	var f profileFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse model profiles: %w", err)
	}
	if len(f.Profiles) == 0 {
		return nil, errors.New("model profiles: no profiles defined")
	}

	cat := &ModelCatalog{byID: make(map[string]models.ModelProfile, len(f.Profiles))}
	for i, p := range f.Profiles {
		if p.ID == "" || p.BackingModel == "" {
			return nil, fmt.Errorf("model profiles: entry %d needs id and backing_model", i)
		}
		if _, dup := cat.byID[p.ID]; dup {
			return nil, fmt.Errorf("model profiles: duplicate id %q", p.ID)
		}
		if p.DisplayName == "" {
			p.DisplayName = p.ID
		}
		cat.byID[p.ID] = p
		cat.profiles = append(cat.profiles, p)
	}

	cat.defaultID = f.Default
	if cat.defaultID == "" {
		cat.defaultID = cat.profiles[0].ID
	}
	if _, ok := cat.byID[cat.defaultID]; !ok {
		return nil, fmt.Errorf("model profiles: default %q is not defined", cat.defaultID)
	}
	return cat, nil
}

// Lookup resolves a profile by id, or by backing model name.
func (c *ModelCatalog) Lookup(id string) (models.ModelProfile, bool) {
	if p, ok := c.byID[id]; ok {
		return p, true
	}
	for _, p := range c.profiles {
		if p.BackingModel == id {
			return p, true
		}
	}
	return models.ModelProfile{}, false
}

// Resolve is Lookup falling back to the default profile for an empty id.
func (c *ModelCatalog) Resolve(id string) (models.ModelProfile, bool) {
	if id == "" {
		return c.Default(), true
	}
	return c.Lookup(id)
}

func (c *ModelCatalog) Default() models.ModelProfile {
	return c.byID[c.defaultID]
}

func (c *ModelCatalog) List() []models.ModelProfile {
	return append([]models.ModelProfile(nil), c.profiles...)
}

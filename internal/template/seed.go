package template

import (
	"context"
	"errors"
	"fmt"
	"os"

	"earnedvalue/internal/model"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// DefaultsFile is the YAML layout of config/templates.yaml.
type DefaultsFile struct {
	Templates []struct {
		WorkItemType string               `yaml:"work_item_type"`
		Milestones   []model.MilestoneDef `yaml:"milestones"`
	} `yaml:"templates"`
}

// LoadDefaults parses a templates YAML file.
func LoadDefaults(path string) (*DefaultsFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	var f DefaultsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return &f, nil
}

// SeedDefaults activates every global default that does not exist yet.
// Existing defaults are left alone so history keeps referencing them.
func (r *Resolver) SeedDefaults(ctx context.Context, f *DefaultsFile) (int, error) {
	seeded := 0
	for _, t := range f.Templates {
		_, err := r.store.FindActiveTemplate(ctx, t.WorkItemType, "")
		if err == nil {
			continue
		}
		if !errors.Is(err, model.ErrNotFound) {
			return seeded, err
		}
		if _, err := r.SetDefault(ctx, t.WorkItemType, t.Milestones); err != nil {
			return seeded, fmt.Errorf("seed %s: %w", t.WorkItemType, err)
		}
		seeded++
	}
	r.logger.Info("Default templates seeded", zap.Int("seeded", seeded), zap.Int("declared", len(f.Templates)))
	return seeded, nil
}

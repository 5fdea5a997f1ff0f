package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/opensource-finance/tillwatch/internal/domain"
	"gopkg.in/yaml.v3"
)

// seedFile is the on-disk layout of a rules file.
type seedFile struct {
	Rules []*domain.FraudRule `yaml:"rules"`
}

// ParseSeed decodes a YAML rules document.
func ParseSeed(data []byte) ([]*domain.FraudRule, error) {
	var f seedFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing rules: %w", err)
	}
	return f.Rules, nil
}

// LoadFile seeds rules from a YAML file. Rules already present in the
// catalog are left untouched so restarts do not bump versions.
func (c *Catalog) LoadFile(ctx context.Context, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("reading rules file: %w", err)
	}

	rules, err := ParseSeed(data)
	if err != nil {
		return 0, err
	}

	seeded := 0
	for i, r := range rules {
		if r == nil {
			continue
		}
		if _, ok := c.Snapshot().Get(r.ID); ok {
			continue
		}
		if _, err := c.Upsert(ctx, r); err != nil {
			return seeded, fmt.Errorf("rule %d (%s): %w", i, r.ID, err)
		}
		seeded++
	}

	slog.Info("rules seeded", "path", path, "seeded", seeded, "in_file", len(rules))
	return seeded, nil
}

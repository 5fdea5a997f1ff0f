// Package catalog holds the versioned set of fraud rules.
//
// Readers take an immutable Snapshot; every edit builds a new snapshot and
// swaps it in atomically, so a reader never observes a half-written rule.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/opensource-finance/tillwatch/internal/domain"
)

// RuleValidator checks the semantics of a rule (operators, expressions, hours).
type RuleValidator interface {
	ValidateRule(rule *domain.FraudRule) error
}

// Snapshot is an immutable view of the catalog. Rules it returns must not be modified.
type Snapshot struct {
	rules      []*domain.FraudRule
	enabled    []*domain.FraudRule
	byID       map[string]*domain.FraudRule
	order      map[string]int
	generation uint64
}

// Rules returns every rule's latest version, severity descending then creation order.
func (s *Snapshot) Rules() []*domain.FraudRule {
	return s.rules
}

// Enabled returns the enabled rules in evaluation-hint order.
func (s *Snapshot) Enabled() []*domain.FraudRule {
	return s.enabled
}

// Get returns the latest version of a rule.
func (s *Snapshot) Get(id string) (*domain.FraudRule, bool) {
	r, ok := s.byID[id]
	return r, ok
}

// Generation increases with every committed edit.
func (s *Snapshot) Generation() uint64 {
	return s.generation
}

// Catalog is the rule catalog.
type Catalog struct {
	writeMu   sync.Mutex
	active    atomic.Pointer[Snapshot]
	history   map[string][]*domain.FraudRule // guarded by writeMu
	nextOrder int                            // guarded by writeMu

	repo      domain.RuleRepository
	validator RuleValidator
	validate  *validator.Validate
	now       func() time.Time
}

// New creates an empty catalog. repo and ruleValidator may be nil.
func New(repo domain.RuleRepository, ruleValidator RuleValidator) *Catalog {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	c := &Catalog{
		history:   make(map[string][]*domain.FraudRule),
		repo:      repo,
		validator: ruleValidator,
		validate:  v,
		now:       time.Now,
	}
	c.active.Store(buildSnapshot(nil, map[string]int{}, 0))
	return c
}

// Snapshot returns the current immutable snapshot.
func (c *Catalog) Snapshot() *Snapshot {
	return c.active.Load()
}

// EnabledRules returns the enabled rules ordered by severity, then creation order.
func (c *Catalog) EnabledRules() []*domain.FraudRule {
	return c.Snapshot().Enabled()
}

// Get returns the latest version of a rule.
func (c *Catalog) Get(id string) (*domain.FraudRule, error) {
	r, ok := c.Snapshot().Get(id)
	if !ok {
		return nil, domain.ErrRuleNotFound
	}
	return r, nil
}

// List returns the latest versions matching filter.
func (c *Catalog) List(filter domain.RuleFilter) []*domain.FraudRule {
	all := c.Snapshot().Rules()
	out := make([]*domain.FraudRule, 0, len(all))
	for _, r := range all {
		if filter.Matches(r) {
			out = append(out, r)
		}
	}
	return out
}

// Upsert validates rule, commits it as a new version and swaps the snapshot.
// The caller's value is never retained.
func (c *Catalog) Upsert(ctx context.Context, rule *domain.FraudRule) (*domain.FraudRule, error) {
	if rule == nil {
		return nil, errors.New("rule is required")
	}
	if err := c.Validate(rule); err != nil {
		return nil, err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	return c.commitLocked(ctx, rule.Clone())
}

// SetEnabled commits a new version of the rule with enabled toggled.
func (c *Catalog) SetEnabled(ctx context.Context, id string, enabled bool, actor string) (*domain.FraudRule, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	current, ok := c.Snapshot().Get(id)
	if !ok {
		return nil, domain.ErrRuleNotFound
	}

	next := current.Clone()
	next.Enabled = enabled
	next.UpdatedBy = actor
	return c.commitLocked(ctx, next)
}

// commitLocked must be called with writeMu held. It takes ownership of next.
func (c *Catalog) commitLocked(ctx context.Context, next *domain.FraudRule) (*domain.FraudRule, error) {
	snap := c.Snapshot()
	now := c.now().UTC()

	if prev, ok := snap.Get(next.ID); ok {
		next.Version = prev.Version + 1
		next.CreatedAt = prev.CreatedAt
	} else {
		next.Version = 1
		next.CreatedAt = now
	}
	next.UpdatedAt = now

	if c.repo != nil {
		if err := c.repo.SaveRuleVersion(ctx, next); err != nil {
			return nil, fmt.Errorf("saving rule %s v%d: %w", next.ID, next.Version, err)
		}
	}

	c.history[next.ID] = append(c.history[next.ID], next)
	c.swapLocked(snap, next)

	slog.Info("rule committed",
		"rule_id", next.ID,
		"version", next.Version,
		"enabled", next.Enabled,
		"severity", next.Severity,
	)
	return next, nil
}

// swapLocked publishes a snapshot where changed replaces its previous version.
func (c *Catalog) swapLocked(prev *Snapshot, changed ...*domain.FraudRule) {
	order := make(map[string]int, len(prev.order)+len(changed))
	for id, o := range prev.order {
		order[id] = o
	}

	byID := make(map[string]*domain.FraudRule, len(prev.byID)+len(changed))
	for id, r := range prev.byID {
		byID[id] = r
	}
	for _, r := range changed {
		if _, ok := order[r.ID]; !ok {
			order[r.ID] = c.nextOrder
			c.nextOrder++
		}
		byID[r.ID] = r
	}

	rules := make([]*domain.FraudRule, 0, len(byID))
	for _, r := range byID {
		rules = append(rules, r)
	}
	c.active.Store(buildSnapshot(rules, order, prev.generation+1))
}

func buildSnapshot(rules []*domain.FraudRule, order map[string]int, generation uint64) *Snapshot {
	sort.SliceStable(rules, func(i, j int) bool {
		a, b := rules[i], rules[j]
		if a.Severity.Rank() != b.Severity.Rank() {
			return a.Severity.Rank() > b.Severity.Rank()
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return order[a.ID] < order[b.ID]
	})

	s := &Snapshot{
		rules:      rules,
		byID:       make(map[string]*domain.FraudRule, len(rules)),
		order:      order,
		generation: generation,
	}
	for _, r := range rules {
		s.byID[r.ID] = r
		if r.Enabled {
			s.enabled = append(s.enabled, r)
		}
	}
	return s
}

// History returns every committed version of a rule, oldest first.
func (c *Catalog) History(ctx context.Context, id string) ([]*domain.FraudRule, error) {
	if c.repo != nil {
		versions, err := c.repo.ListRuleVersions(ctx, id)
		if err != nil {
			return nil, err
		}
		if len(versions) == 0 {
			return nil, domain.ErrRuleNotFound
		}
		return versions, nil
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	versions := c.history[id]
	if len(versions) == 0 {
		return nil, domain.ErrRuleNotFound
	}
	return append([]*domain.FraudRule(nil), versions...), nil
}

// Load replaces the catalog contents with the latest versions from the repository.
func (c *Catalog) Load(ctx context.Context) (int, error) {
	if c.repo == nil {
		return 0, nil
	}

	latest, err := c.repo.ListLatestRules(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing rules: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	loaded := make([]*domain.FraudRule, 0, len(latest))
	for _, r := range latest {
		if err := c.Validate(r); err != nil {
			slog.Warn("skipping stored rule that no longer validates",
				"rule_id", r.ID,
				"version", r.Version,
				"error", err,
			)
			continue
		}
		loaded = append(loaded, r)
	}

	// Stored creation time decides order; ties fall back to id.
	sort.SliceStable(loaded, func(i, j int) bool {
		if !loaded[i].CreatedAt.Equal(loaded[j].CreatedAt) {
			return loaded[i].CreatedAt.Before(loaded[j].CreatedAt)
		}
		return loaded[i].ID < loaded[j].ID
	})

	c.history = make(map[string][]*domain.FraudRule)
	c.nextOrder = 0
	empty := buildSnapshot(nil, map[string]int{}, c.Snapshot().generation)
	c.swapLocked(empty, loaded...)

	return len(loaded), nil
}

// Validate performs structural checks and, when configured, semantic checks.
func (c *Catalog) Validate(rule *domain.FraudRule) error {
	verr := &domain.ValidationError{}

	if err := c.validate.Struct(rule); err != nil {
		var ves validator.ValidationErrors
		if !errors.As(err, &ves) {
			return fmt.Errorf("validating rule: %w", err)
		}
		for _, fe := range ves {
			verr.Add(jsonPath(fe.Namespace()), "failed %s validation", fe.Tag())
		}
	}
	if verr.HasErrors() {
		return verr
	}

	if c.validator != nil {
		return c.validator.ValidateRule(rule)
	}
	return nil
}

// jsonPath turns "FraudRule.threshold.type" into "threshold.type".
func jsonPath(ns string) string {
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

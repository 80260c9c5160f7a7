package rules

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"

	"github.com/opensource-finance/billwatch/internal/domain"
)

// CustomRules holds operator-defined CEL rules evaluated once per item.
type CustomRules struct {
	mu            sync.RWMutex
	env           *cel.Env
	compiledRules map[string]*CompiledRule
}

// CompiledRule holds a pre-compiled CEL program.
type CompiledRule struct {
	Config  *domain.RuleConfig
	Program cel.Program
}

// NewCustomRules creates an empty rule set with the item CEL environment.
func NewCustomRules() (*CustomRules, error) {
	env, err := cel.NewEnv(
		cel.Variable("item_name", cel.StringType),
		cel.Variable("name", cel.StringType), // lowercased, trimmed
		cel.Variable("category", cel.StringType),
		cel.Variable("quantity", cel.DoubleType),
		cel.Variable("unit_price", cel.DoubleType),
		cel.Variable("total_price", cel.DoubleType),
		cel.Variable("has_quantity", cel.BoolType),
		cel.Variable("has_unit_price", cel.BoolType),
		cel.Variable("has_total_price", cel.BoolType),
		cel.Variable("index", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &CustomRules{
		env:           env,
		compiledRules: make(map[string]*CompiledRule),
	}, nil
}

// Validate compiles a rule without loading it.
func (c *CustomRules) Validate(cfg *domain.RuleConfig) error {
	if cfg == nil {
		return fmt.Errorf("rule config is required")
	}
	_, err := c.compile(cfg)
	return err
}

// Load compiles and loads a rule, replacing any rule with the same ID.
// Disabled rules are removed.
func (c *CustomRules) Load(cfg *domain.RuleConfig) error {
	if !cfg.Enabled {
		c.Remove(cfg.ID)
		return nil
	}

	compiled, err := c.compile(cfg)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.compiledRules[cfg.ID] = compiled
	c.mu.Unlock()
	return nil
}

// Remove unloads a rule. Unknown IDs are ignored.
func (c *CustomRules) Remove(id string) {
	c.mu.Lock()
	delete(c.compiledRules, id)
	c.mu.Unlock()
}

// Reload replaces every loaded rule. On a compile error nothing changes.
func (c *CustomRules) Reload(configs []*domain.RuleConfig) error {
	newRules := make(map[string]*CompiledRule)
	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}

		compiled, err := c.compile(cfg)
		if err != nil {
			return err
		}
		newRules[cfg.ID] = compiled
	}

	c.mu.Lock()
	c.compiledRules = newRules
	c.mu.Unlock()
	return nil
}

// Loaded returns the loaded rule configurations sorted by ID.
func (c *CustomRules) Loaded() []*domain.RuleConfig {
	rules := c.snapshot()
	out := make([]*domain.RuleConfig, len(rules))
	for i, r := range rules {
		out[i] = r.Config
	}
	return out
}

// Count returns the number of loaded rules.
func (c *CustomRules) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.compiledRules)
}

// Evaluate runs every loaded rule over every item, rules in ID order.
// An evaluation error skips that item for that rule.
func (c *CustomRules) Evaluate(ctx context.Context, items []domain.BillItem) []domain.Anomaly {
	rules := c.snapshot()
	if len(rules) == 0 {
		return nil
	}

	activations := make([]map[string]any, len(items))
	for i, item := range items {
		activations[i] = activation(i, item)
	}

	var out []domain.Anomaly
	for _, rule := range rules {
		for i, item := range items {
			val, _, err := rule.Program.ContextEval(ctx, activations[i])
			if err != nil {
				slog.Debug("custom rule evaluation failed",
					"rule_id", rule.Config.ID,
					"index", i,
					"error", err,
				)
				continue
			}
			if val != types.True {
				continue
			}
			out = append(out, customAnomaly(rule.Config, item))
		}
	}
	return out
}

func (c *CustomRules) snapshot() []*CompiledRule {
	c.mu.RLock()
	rules := make([]*CompiledRule, 0, len(c.compiledRules))
	for _, r := range c.compiledRules {
		rules = append(rules, r)
	}
	c.mu.RUnlock()

	sort.Slice(rules, func(i, j int) bool { return rules[i].Config.ID < rules[j].Config.ID })
	return rules
}

func (c *CustomRules) compile(cfg *domain.RuleConfig) (*CompiledRule, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("rule id is required")
	}
	if cfg.Severity != "" && !cfg.Severity.Valid() {
		return nil, fmt.Errorf("rule %s: unknown severity %q", cfg.ID, cfg.Severity)
	}

	ast, issues := c.env.Compile(cfg.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile rule %s: %w", cfg.ID, issues.Err())
	}

	if outputType := ast.OutputType(); outputType != cel.BoolType {
		return nil, fmt.Errorf("rule %s: expression must return bool, got %s", cfg.ID, outputType)
	}

	program, err := c.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for rule %s: %w", cfg.ID, err)
	}

	return &CompiledRule{
		Config:  cfg,
		Program: program,
	}, nil
}

func activation(index int, item domain.BillItem) map[string]any {
	return map[string]any{
		"item_name":       item.ItemName,
		"name":            lowerName(item),
		"category":        string(category(item)),
		"quantity":        item.Quantity.Value,
		"unit_price":      item.UnitPrice.Value,
		"total_price":     item.TotalPrice.Value,
		"has_quantity":    item.Quantity.Set,
		"has_unit_price":  item.UnitPrice.Set,
		"has_total_price": item.TotalPrice.Set,
		"index":           int64(index),
	}
}

func customAnomaly(cfg *domain.RuleConfig, item domain.BillItem) domain.Anomaly {
	code := cfg.Code
	if code == "" {
		code = domain.CodeCustom
	}
	sev := cfg.Severity
	if sev == "" {
		sev = domain.SeverityLow
	}
	title := cfg.Title
	if title == "" {
		title = cfg.Name
	}
	explanation := cfg.Explanation
	if explanation == "" {
		explanation = fmt.Sprintf("Matched custom rule %s.", cfg.ID)
	}

	a := newAnomaly(code, item, sev, title, explanation)
	a.RuleID = cfg.ID
	return a
}

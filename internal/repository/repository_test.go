package repository

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/opensource-finance/billwatch/internal/domain"
)

func newTestRepo(t *testing.T) domain.Repository {
	t.Helper()
	cfg := domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "billwatch-test.db"),
	}

	repo, err := New(cfg)
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func TestSQLiteRepository(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	t.Run("Ping", func(t *testing.T) {
		if err := repo.Ping(ctx); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
	})

	t.Run("SaveAndGetRuleConfig", func(t *testing.T) {
		rule := &domain.RuleConfig{
			ID:          "implant-cap",
			Name:        "Implant over limit",
			Expression:  `name.contains("implant") && unit_price > 50000.0`,
			Code:        "P1",
			Severity:    domain.SeverityMedium,
			Explanation: "Implant priced above the package ceiling.",
			Enabled:     true,
		}
		if err := repo.SaveRuleConfig(ctx, rule); err != nil {
			t.Fatalf("SaveRuleConfig failed: %v", err)
		}

		got, err := repo.GetRuleConfig(ctx, "implant-cap")
		if err != nil {
			t.Fatalf("GetRuleConfig failed: %v", err)
		}
		if got.Expression != rule.Expression {
			t.Errorf("expected expression %q, got %q", rule.Expression, got.Expression)
		}
		if got.Severity != domain.SeverityMedium || got.Code != "P1" {
			t.Errorf("expected P1/medium, got %s/%s", got.Code, got.Severity)
		}
		if got.Version != "1.0.0" {
			t.Errorf("expected default version 1.0.0, got %s", got.Version)
		}
		if !got.Enabled {
			t.Error("expected rule to be enabled")
		}
		if got.CreatedAt.IsZero() {
			t.Error("expected created_at to be set")
		}
	})

	t.Run("Defaults", func(t *testing.T) {
		if err := repo.SaveRuleConfig(ctx, &domain.RuleConfig{ID: "bare", Name: "Bare", Expression: "true", Enabled: true}); err != nil {
			t.Fatalf("SaveRuleConfig failed: %v", err)
		}
		got, err := repo.GetRuleConfig(ctx, "bare")
		if err != nil {
			t.Fatalf("GetRuleConfig failed: %v", err)
		}
		if got.Code != domain.CodeCustom || got.Severity != domain.SeverityLow {
			t.Errorf("expected X1/low defaults, got %s/%s", got.Code, got.Severity)
		}
	})

	t.Run("Upsert", func(t *testing.T) {
		rule := &domain.RuleConfig{ID: "bare", Name: "Bare v2", Expression: "quantity > 5.0", Enabled: true}
		if err := repo.SaveRuleConfig(ctx, rule); err != nil {
			t.Fatalf("SaveRuleConfig failed: %v", err)
		}
		got, err := repo.GetRuleConfig(ctx, "bare")
		if err != nil {
			t.Fatalf("GetRuleConfig failed: %v", err)
		}
		if got.Name != "Bare v2" || got.Expression != "quantity > 5.0" {
			t.Errorf("expected updated rule, got %+v", got)
		}
	})

	t.Run("ListOrderedByID", func(t *testing.T) {
		rules, err := repo.ListRuleConfigs(ctx)
		if err != nil {
			t.Fatalf("ListRuleConfigs failed: %v", err)
		}
		if len(rules) != 2 {
			t.Fatalf("expected 2 rules, got %d", len(rules))
		}
		if rules[0].ID != "bare" || rules[1].ID != "implant-cap" {
			t.Errorf("expected [bare implant-cap], got [%s %s]", rules[0].ID, rules[1].ID)
		}
	})

	t.Run("SoftDelete", func(t *testing.T) {
		if err := repo.DeleteRuleConfig(ctx, "bare"); err != nil {
			t.Fatalf("DeleteRuleConfig failed: %v", err)
		}
		if _, err := repo.GetRuleConfig(ctx, "bare"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound after delete, got: %v", err)
		}
		if err := repo.DeleteRuleConfig(ctx, "bare"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound on second delete, got: %v", err)
		}

		rules, err := repo.ListRuleConfigs(ctx)
		if err != nil {
			t.Fatalf("ListRuleConfigs failed: %v", err)
		}
		if len(rules) != 1 {
			t.Errorf("expected 1 enabled rule, got %d", len(rules))
		}
	})

	t.Run("InvalidInput", func(t *testing.T) {
		if err := repo.SaveRuleConfig(ctx, &domain.RuleConfig{Expression: "true"}); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput for missing id, got: %v", err)
		}
		if err := repo.SaveRuleConfig(ctx, &domain.RuleConfig{ID: "x"}); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput for missing expression, got: %v", err)
		}
	})

	t.Run("NotFound", func(t *testing.T) {
		if _, err := repo.GetRuleConfig(ctx, "nonexistent"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got: %v", err)
		}
	})
}

func TestUnsupportedDriver(t *testing.T) {
	_, err := New(domain.RepositoryConfig{Driver: "mysql"})
	if err == nil {
		t.Error("expected error for unsupported driver")
	}
}

func TestRebind(t *testing.T) {
	repo := &SQLRepository{driver: "postgres"}

	tests := []struct {
		input    string
		expected string
	}{
		{"SELECT * FROM t WHERE id = ?", "SELECT * FROM t WHERE id = $1"},
		{"INSERT INTO t (a, b) VALUES (?, ?)", "INSERT INTO t (a, b) VALUES ($1, $2)"},
		{"SELECT * FROM t", "SELECT * FROM t"},
	}

	for _, tt := range tests {
		result := repo.rebind(tt.input)
		if result != tt.expected {
			t.Errorf("rebind(%q) = %q, want %q", tt.input, result, tt.expected)
		}
	}

	sqlite := &SQLRepository{driver: "sqlite"}
	if got := sqlite.rebind("id = ?"); got != "id = ?" {
		t.Errorf("sqlite rebind must be a no-op, got %q", got)
	}
}

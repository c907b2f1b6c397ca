package rules

import (
	"errors"
	"testing"

	"github.com/go-playground/validator/v10"

	"github.com/propintel/backend/internal/models"
)

func validRule() models.RoutingRule {
	return models.RoutingRule{
		Name: "high confidence sellers",
		Conditions: []models.Condition{
			{Field: "confidence", Operator: models.OpGreaterThan, Value: 0.8},
		},
		Actions: []models.Action{
			{Type: models.ActionAssignToTerritory, Params: map[string]any{"territory": "downtown"}},
		},
	}
}

func TestValidateAcceptsWellFormedRule(t *testing.T) {
	v := validator.New()
	if err := Validate(v, validRule()); err != nil {
		t.Fatalf("expected valid rule, got %v", err)
	}
}

func TestValidateRejections(t *testing.T) {
	v := validator.New()
	cases := []struct {
		name   string
		mutate func(*models.RoutingRule)
	}{
		{"missing name", func(r *models.RoutingRule) { r.Name = "" }},
		{"no conditions", func(r *models.RoutingRule) { r.Conditions = nil }},
		{"no actions", func(r *models.RoutingRule) { r.Actions = nil }},
		{"unknown operator", func(r *models.RoutingRule) { r.Conditions[0].Operator = "matches" }},
		{"empty field", func(r *models.RoutingRule) { r.Conditions[0].Field = "" }},
		{"non-numeric gt", func(r *models.RoutingRule) { r.Conditions[0].Value = "big" }},
		{"unknown action", func(r *models.RoutingRule) { r.Actions[0].Type = "page_someone" }},
		{"territory missing", func(r *models.RoutingRule) { r.Actions[0].Params = nil }},
		{"empty in list", func(r *models.RoutingRule) {
			r.Conditions[0] = models.Condition{Field: "alert_type", Operator: models.OpIn, Value: []any{}}
		}},
		{"bad regex", func(r *models.RoutingRule) {
			r.Conditions[0] = models.Condition{Field: "alert_type", Operator: models.OpRegex, Value: "("}
		}},
		{"agent_id missing", func(r *models.RoutingRule) {
			r.Actions[0] = models.Action{Type: models.ActionAssignToAgent}
		}},
		{"skills missing", func(r *models.RoutingRule) {
			r.Actions[0] = models.Action{Type: models.ActionAssignBySkill, Params: map[string]any{}}
		}},
	}
	for _, c := range cases {
		rule := validRule()
		c.mutate(&rule)
		err := Validate(v, rule)
		var bad *ValidationError
		if !errors.As(err, &bad) {
			t.Fatalf("%s: expected ValidationError, got %v", c.name, err)
		}
	}
}

func TestSkillParamsShapes(t *testing.T) {
	if got := SkillParams(models.Action{Params: map[string]any{"required_skills": "luxury"}}); len(got) != 1 || got[0] != "luxury" {
		t.Fatalf("string form: got %v", got)
	}
	if got := SkillParams(models.Action{Params: map[string]any{"required_skills": []any{"luxury", "waterfront"}}}); len(got) != 2 {
		t.Fatalf("list form: got %v", got)
	}
	if got := SkillParams(models.Action{Params: map[string]any{"required_skills": []any{}}}); got != nil {
		t.Fatalf("empty list: got %v", got)
	}
}

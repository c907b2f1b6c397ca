package rules

import (
	"fmt"
	"regexp"

	"github.com/go-playground/validator/v10"

	"github.com/propintel/backend/internal/models"
)

// ValidationError marks a malformed rule rejected at write time. Rules
// failing validation are never stored.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid rule: %s: %s", e.Field, e.Msg)
}

var knownOperators = map[models.Operator]bool{
	models.OpEquals:      true,
	models.OpNotEquals:   true,
	models.OpGreaterThan: true,
	models.OpLessThan:    true,
	models.OpIn:          true,
	models.OpNotIn:       true,
	models.OpContains:    true,
	models.OpRegex:       true,
}

var knownActions = map[models.ActionType]bool{
	models.ActionAssignToAgent:     true,
	models.ActionAssignToTerritory: true,
	models.ActionAssignBySkill:     true,
	models.ActionEscalate:          true,
	models.ActionNotify:            true,
}

type ruleShape struct {
	Name       string             `validate:"required"`
	Conditions []models.Condition `validate:"min=1"`
	Actions    []models.Action    `validate:"min=1"`
}

// Validate rejects unknown operators and action types at write time
// instead of evaluating them permissively at runtime.
func Validate(v *validator.Validate, rule models.RoutingRule) error {
	shape := ruleShape{Name: rule.Name, Conditions: rule.Conditions, Actions: rule.Actions}
	if err := v.Struct(shape); err != nil {
		return &ValidationError{Field: "rule", Msg: err.Error()}
	}

	for i, c := range rule.Conditions {
		where := fmt.Sprintf("conditions[%d]", i)
		if c.Field == "" {
			return &ValidationError{Field: where, Msg: "field is required"}
		}
		if !knownOperators[c.Operator] {
			return &ValidationError{Field: where, Msg: fmt.Sprintf("unknown operator %q", c.Operator)}
		}
		switch c.Operator {
		case models.OpGreaterThan, models.OpLessThan:
			if _, ok := toFloat(c.Value); !ok {
				return &ValidationError{Field: where, Msg: "value must be numeric"}
			}
		case models.OpIn, models.OpNotIn:
			list, ok := toList(c.Value)
			if !ok || len(list) == 0 {
				return &ValidationError{Field: where, Msg: "value must be a non-empty list"}
			}
		case models.OpContains:
			if _, ok := c.Value.(string); !ok {
				return &ValidationError{Field: where, Msg: "value must be a string"}
			}
		case models.OpRegex:
			pattern, ok := c.Value.(string)
			if !ok {
				return &ValidationError{Field: where, Msg: "value must be a string pattern"}
			}
			if _, err := regexp.Compile(pattern); err != nil {
				return &ValidationError{Field: where, Msg: fmt.Sprintf("pattern does not compile: %v", err)}
			}
		}
	}

	for i, a := range rule.Actions {
		where := fmt.Sprintf("actions[%d]", i)
		if !knownActions[a.Type] {
			return &ValidationError{Field: where, Msg: fmt.Sprintf("unknown action type %q", a.Type)}
		}
		switch a.Type {
		case models.ActionAssignToAgent:
			if s, _ := a.Params["agent_id"].(string); s == "" {
				return &ValidationError{Field: where, Msg: "agent_id param is required"}
			}
		case models.ActionAssignToTerritory:
			if s, _ := a.Params["territory"].(string); s == "" {
				return &ValidationError{Field: where, Msg: "territory param is required"}
			}
		case models.ActionAssignBySkill:
			if len(SkillParams(a)) == 0 {
				return &ValidationError{Field: where, Msg: "required_skills param is required"}
			}
		}
	}
	return nil
}

// SkillParams extracts the required_skills list from an assign_by_skill
// action, accepting either a single string or a list of strings.
func SkillParams(a models.Action) []string {
	switch v := a.Params["required_skills"].(type) {
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	case []string:
		return v
	case []any:
		var out []string
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

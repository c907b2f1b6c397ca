// Package rules implements the routing rule engine: a deterministic,
// side-effect-free evaluation of ordered condition/action rules against
// an alert context.
package rules

import (
	"encoding/json"
	"regexp"
	"sort"
	"strings"

	"github.com/propintel/backend/internal/models"
)

// Context is the flat field map a rule is evaluated against. Alert
// metadata is exposed under "metadata.<key>".
type Context map[string]any

func BuildContext(alert models.Alert, extra map[string]any) Context {
	ctx := Context{
		"alert_id":            alert.ID,
		"subject_id":          alert.SubjectID,
		"alert_type":          string(alert.Type),
		"confidence":          alert.Confidence,
		"priority":            string(alert.Priority),
		"status":              string(alert.Status),
		"escalation_attempts": alert.EscalationAttempts,
	}
	for k, v := range alert.Metadata {
		ctx["metadata."+k] = v
	}
	for k, v := range extra {
		ctx[k] = v
	}
	return ctx
}

// Decision is the outcome of a rule match. Terminal holds the first
// assign_*/escalate action of the winning rule; Notify collects every
// notify action, which is applied in addition to the terminal one.
type Decision struct {
	RuleID   string
	RuleName string
	Terminal *models.Action
	Notify   []models.Action
}

// Evaluate sorts rules by (priority desc, created_at asc), returns the
// decision of the first rule whose conditions all match, or nil when
// nothing matches. The input slice is not mutated.
func Evaluate(rr []models.RoutingRule, ctx Context) *Decision {
	sorted := make([]models.RoutingRule, len(rr))
	copy(sorted, rr)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Priority != sorted[j].Priority {
			return sorted[i].Priority > sorted[j].Priority
		}
		return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
	})

	for _, rule := range sorted {
		if !rule.Enabled {
			continue
		}
		if !matchesAll(rule.Conditions, ctx) {
			continue
		}
		d := &Decision{RuleID: rule.ID, RuleName: rule.Name}
		for i := range rule.Actions {
			a := rule.Actions[i]
			if a.Type == models.ActionNotify {
				d.Notify = append(d.Notify, a)
				continue
			}
			if d.Terminal == nil {
				d.Terminal = &a
			}
		}
		return d
	}
	return nil
}

func matchesAll(conds []models.Condition, ctx Context) bool {
	for _, c := range conds {
		if !matches(c, ctx) {
			return false
		}
	}
	return true
}

func matches(c models.Condition, ctx Context) bool {
	field, ok := ctx[c.Field]
	if !ok {
		return false
	}

	switch c.Operator {
	case models.OpEquals:
		return valueEquals(field, c.Value)
	case models.OpNotEquals:
		return !valueEquals(field, c.Value)
	case models.OpGreaterThan:
		f, fok := toFloat(field)
		v, vok := toFloat(c.Value)
		return fok && vok && f > v
	case models.OpLessThan:
		f, fok := toFloat(field)
		v, vok := toFloat(c.Value)
		return fok && vok && f < v
	case models.OpIn:
		return memberOf(field, c.Value)
	case models.OpNotIn:
		list, ok := toList(c.Value)
		if !ok {
			return false
		}
		for _, item := range list {
			if valueEquals(field, item) {
				return false
			}
		}
		return true
	case models.OpContains:
		s, sok := field.(string)
		sub, vok := c.Value.(string)
		return sok && vok && strings.Contains(s, sub)
	case models.OpRegex:
		pattern, ok := c.Value.(string)
		if !ok {
			return false
		}
		matched, err := regexp.MatchString(pattern, stringify(field))
		return err == nil && matched
	default:
		// unknown operators never match
		return false
	}
}

// valueEquals is type-aware: numbers compare numerically only when both
// sides are numeric Go values; a numeric string never equals a number.
func valueEquals(a, b any) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok || bok {
		return aok && bok && af == bf
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return as == bs
	}
	ab, aok := a.(bool)
	bb, bok := b.(bool)
	if aok && bok {
		return ab == bb
	}
	return false
}

func memberOf(field any, value any) bool {
	list, ok := toList(value)
	if !ok {
		return false
	}
	for _, item := range list {
		if valueEquals(field, item) {
			return true
		}
	}
	return false
}

func toList(v any) ([]any, bool) {
	switch t := v.(type) {
	case []any:
		return t, true
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out, true
	case []float64:
		out := make([]any, len(t))
		for i, f := range t {
			out[i] = f
		}
		return out, true
	case []int:
		out := make([]any, len(t))
		for i, n := range t {
			out[i] = n
		}
		return out, true
	}
	return nil, false
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint:
		return float64(t), true
	case uint32:
		return float64(t), true
	case uint64:
		return float64(t), true
	}
	return 0, false
}

func stringify(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, _ := json.Marshal(v)
	return string(b)
}

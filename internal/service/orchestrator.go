// Package service hosts the assignment orchestrator, the workload
// balancer and the escalation sweeper. Everything that decides which
// agent an alert lands on lives here.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/propintel/backend/internal/cache"
	"github.com/propintel/backend/internal/db"
	"github.com/propintel/backend/internal/metrics"
	"github.com/propintel/backend/internal/models"
	"github.com/propintel/backend/internal/notify"
	"github.com/propintel/backend/internal/rules"
)

// Assignment strategies recorded on alerts and audit rows.
const (
	StrategyDirectRule = "direct_rule"
	StrategyTerritory  = "territory_based"
	StrategySkill      = "skill_based"
	StrategyEscalated  = "escalated"
	StrategyRoundRobin = "round_robin"
	StrategyOverflow   = "overflow_assignment"
	StrategyManual     = "manual"
)

const (
	ruleCacheKey       = "enabled"
	defaultRuleTTL     = 5 * time.Minute
	defaultWorkloadTTL = time.Minute
	routeRetryAttempts = 2
)

type Config struct {
	RuleCacheTTL     time.Duration
	WorkloadCacheTTL time.Duration
}

// RoutingResult reports one routing decision. A failed decision carries
// Error and leaves the alert untouched; batch callers collect results
// per alert instead of failing wholesale.
type RoutingResult struct {
	AlertID  string `json:"alert_id"`
	AgentID  string `json:"agent_id,omitempty"`
	Strategy string `json:"strategy,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Error    string `json:"error,omitempty"`
}

type Orchestrator struct {
	store         db.Store
	balancer      *Balancer
	notifier      notify.Notifier
	ruleCache     *cache.Cache[[]models.RoutingRule]
	workloadCache *cache.Cache[int]
	logger        zerolog.Logger
	metrics       *metrics.Metrics
	locks         alertLocks
	now           func() time.Time
}

func NewOrchestrator(store db.Store, notifier notify.Notifier, cfg Config, logger zerolog.Logger, m *metrics.Metrics) *Orchestrator {
	if cfg.RuleCacheTTL == 0 {
		cfg.RuleCacheTTL = defaultRuleTTL
	}
	if cfg.WorkloadCacheTTL == 0 {
		cfg.WorkloadCacheTTL = defaultWorkloadTTL
	}
	return &Orchestrator{
		store:         store,
		balancer:      NewBalancer(),
		notifier:      notifier,
		ruleCache:     cache.New[[]models.RoutingRule](cfg.RuleCacheTTL),
		workloadCache: cache.New[int](cfg.WorkloadCacheTTL),
		logger:        logger,
		metrics:       m,
		now:           time.Now,
	}
}

// InvalidateRules drops the cached rule set. Rule CRUD handlers call it
// so the next routing decision sees the change immediately.
func (o *Orchestrator) InvalidateRules() {
	o.ruleCache.Invalidate(ruleCacheKey)
}

// Route runs the full strategy chain for one alert: matching rule
// first, then the balancer over the narrowed pool, then the whole
// roster as fallback. A version conflict is retried once against fresh
// state before giving up.
func (o *Orchestrator) Route(ctx context.Context, alertID string, extra map[string]any) RoutingResult {
	unlock := o.locks.lock(alertID)
	defer unlock()

	start := o.now()
	var (
		res RoutingResult
		err error
	)
	for attempt := 0; attempt < routeRetryAttempts; attempt++ {
		res, err = o.routeOnce(ctx, alertID, extra)
		if !errors.Is(err, db.ErrVersionConflict) {
			break
		}
	}
	if errors.Is(err, db.ErrVersionConflict) {
		err = &ConcurrentModificationError{AlertID: alertID}
	}
	if err != nil {
		res.Error = err.Error()
		o.logger.Warn().Err(err).Str("alert_id", alertID).Msg("routing failed")
		return res
	}
	if res.AgentID != "" || res.Strategy == StrategyEscalated {
		o.metrics.ObserveRouting(res.Strategy, o.now().Sub(start).Seconds())
	}
	return res
}

func (o *Orchestrator) routeOnce(ctx context.Context, alertID string, extra map[string]any) (RoutingResult, error) {
	result := RoutingResult{AlertID: alertID}

	alert, err := o.store.GetAlert(ctx, alertID)
	if err != nil {
		return result, err
	}
	if !alert.Status.Active() || alert.Status == models.StatusAcknowledged {
		return result, fmt.Errorf("alert %s not routable in status %s", alertID, alert.Status)
	}
	// a DELIVERED alert being routed again keeps its status
	reassign := alert.Status == models.StatusDelivered

	ruleSet, err := o.loadRules(ctx)
	if err != nil {
		return result, err
	}
	decision := rules.Evaluate(ruleSet, rules.BuildContext(alert, extra))

	agents, err := o.store.ListAgents(ctx)
	if err != nil {
		return result, err
	}

	pool := agents
	strategy := StrategyRoundRobin
	var reasons []string

	if decision != nil && decision.Terminal != nil {
		reasons = append(reasons, "matched rule "+decision.RuleName)
		reasons = append(reasons, notifyReasons(decision.Notify)...)

		switch decision.Terminal.Type {
		case models.ActionEscalate:
			// stays PENDING and unassigned until a supervisor or the
			// sweeper picks it up
			result.Strategy = StrategyEscalated
			result.Reason = "escalated by rule " + decision.RuleName
			o.dispatch(ctx, alert, "", append([]string{result.Reason}, notifyReasons(decision.Notify)...))
			return result, nil

		case models.ActionAssignToAgent:
			targetID, _ := decision.Terminal.Params["agent_id"].(string)
			direct, ok, err := o.tryDirect(ctx, alert, targetID, reassign, reasons)
			if err != nil {
				return result, err
			}
			if ok {
				return direct, nil
			}
			// named agent is full or unavailable, fall back to the
			// whole roster
			reasons = append(reasons, "direct target "+targetID+" unavailable")

		case models.ActionAssignToTerritory:
			territory, _ := decision.Terminal.Params["territory"].(string)
			pool = territoryPool(agents, territory)
			strategy = StrategyTerritory

		case models.ActionAssignBySkill:
			pool = skillPool(agents, rules.SkillParams(*decision.Terminal))
			strategy = StrategySkill
		}
	}

	return o.balanceAndAssign(ctx, alert, pool, strategy, reassign, reasons)
}

// tryDirect attempts a rule-targeted assignment. Returns ok=false when
// the target cannot take the alert, which sends the caller down the
// balancer path instead.
func (o *Orchestrator) tryDirect(ctx context.Context, alert models.Alert, agentID string, reassign bool, reasons []string) (RoutingResult, bool, error) {
	result := RoutingResult{AlertID: alert.ID, Strategy: StrategyDirectRule}

	if agentID == "" {
		return result, false, nil
	}
	agent, err := o.store.GetAgent(ctx, agentID)
	if errors.Is(err, db.ErrNotFound) {
		o.logger.Warn().Str("alert_id", alert.ID).Str("agent_id", agentID).Msg("direct rule targets unknown agent")
		return result, false, nil
	}
	if err != nil {
		return result, false, err
	}
	if !agent.Available {
		return result, false, nil
	}

	updated, err := o.assign(ctx, alert, agentID, StrategyDirectRule, "targeted by routing rule", false, reassign)
	if errors.Is(err, db.ErrNoCapacity) {
		return result, false, nil
	}
	if err != nil {
		return result, false, err
	}

	result.AgentID = agentID
	result.Reason = "targeted by routing rule"
	o.dispatch(ctx, updated, agentID, append(reasons, result.Reason))
	return result, true, nil
}

func (o *Orchestrator) balanceAndAssign(ctx context.Context, alert models.Alert, pool []models.AgentProfile, strategy string, reassign bool, reasons []string) (RoutingResult, error) {
	result := RoutingResult{AlertID: alert.ID, Strategy: strategy}

	// two passes: the second runs against freshly recounted workloads
	// after a stale cache entry sent us to a full agent
	for attempt := 0; attempt < 2; attempt++ {
		workloads, err := o.loadWorkloads(ctx, pool)
		if err != nil {
			return result, err
		}
		sel, ok := o.balancer.Select(pool, workloads)
		if !ok {
			return result, &NoCapacityError{AlertID: alert.ID, Detail: "no eligible agents for strategy " + strategy}
		}
		if sel.Overflow {
			result.Strategy = StrategyOverflow
		}

		updated, err := o.assign(ctx, alert, sel.AgentID, result.Strategy, sel.Reason, sel.Overflow, reassign)
		if errors.Is(err, db.ErrNoCapacity) {
			o.workloadCache.Invalidate(sel.AgentID)
			result.Strategy = strategy
			continue
		}
		if err != nil {
			return result, err
		}

		result.AgentID = sel.AgentID
		result.Reason = sel.Reason
		o.dispatch(ctx, updated, sel.AgentID, append(reasons, sel.Reason))
		return result, nil
	}
	return result, &NoCapacityError{AlertID: alert.ID, Detail: "agents filled up while routing"}
}

// Reassign moves an alert to an explicit agent, bypassing the rule
// engine. Without force a full agent rejects the move; with force the
// ceiling is overridden and logged.
func (o *Orchestrator) Reassign(ctx context.Context, alertID, agentID, reason string, force bool) RoutingResult {
	unlock := o.locks.lock(alertID)
	defer unlock()

	result := RoutingResult{AlertID: alertID, Strategy: StrategyManual}
	if reason == "" {
		reason = "manual reassignment"
	}

	var lastErr error
	for attempt := 0; attempt < routeRetryAttempts; attempt++ {
		alert, err := o.store.GetAlert(ctx, alertID)
		if err != nil {
			lastErr = err
			break
		}
		if alert.Status.Terminal() {
			lastErr = fmt.Errorf("alert %s not reassignable in status %s", alertID, alert.Status)
			break
		}
		if _, err := o.store.GetAgent(ctx, agentID); err != nil {
			lastErr = err
			break
		}
		if force {
			o.logger.Warn().Str("alert_id", alertID).Str("agent_id", agentID).Msg("capacity ceiling overridden")
		}

		prev := alert.AssignedAgentID
		updated, err := o.assign(ctx, alert, agentID, StrategyManual, reason, force, alert.Status != models.StatusPending)
		if errors.Is(err, db.ErrVersionConflict) {
			lastErr = err
			continue
		}
		if errors.Is(err, db.ErrNoCapacity) {
			lastErr = &NoCapacityError{AlertID: alertID, Detail: "agent " + agentID + " is at capacity"}
			break
		}
		if err != nil {
			lastErr = err
			break
		}

		if prev != nil && *prev != agentID {
			o.workloadCache.Invalidate(*prev)
		}
		result.AgentID = agentID
		result.Reason = reason
		o.dispatch(ctx, updated, agentID, []string{reason})
		o.metrics.ObserveRouting(StrategyManual, 0)
		return result
	}

	if errors.Is(lastErr, db.ErrVersionConflict) {
		lastErr = &ConcurrentModificationError{AlertID: alertID}
	}
	if lastErr != nil {
		result.Error = lastErr.Error()
	}
	return result
}

// BulkAssign routes each alert independently. One bad id never poisons
// the rest of the batch.
func (o *Orchestrator) BulkAssign(ctx context.Context, alertIDs []string, extra map[string]any) []RoutingResult {
	results := make([]RoutingResult, 0, len(alertIDs))
	for _, id := range alertIDs {
		results = append(results, o.Route(ctx, id, extra))
	}
	return results
}

// Acknowledge moves a DELIVERED alert to ACKNOWLEDGED.
func (o *Orchestrator) Acknowledge(ctx context.Context, alertID string) (models.Alert, error) {
	return o.transition(ctx, alertID, models.StatusAcknowledged)
}

// RecordOutcome closes an alert as CONVERTED or DISMISSED and completes
// its open assignment row.
func (o *Orchestrator) RecordOutcome(ctx context.Context, alertID string, outcome models.AlertStatus) (models.Alert, error) {
	if outcome != models.StatusConverted && outcome != models.StatusDismissed {
		return models.Alert{}, fmt.Errorf("invalid outcome %q", outcome)
	}
	return o.finalize(ctx, alertID, outcome)
}

// Expire closes an alert whose escalation attempts are exhausted. Only
// the sweeper calls it.
func (o *Orchestrator) Expire(ctx context.Context, alertID string) (models.Alert, error) {
	return o.finalize(ctx, alertID, models.StatusExpired)
}

func (o *Orchestrator) finalize(ctx context.Context, alertID string, to models.AlertStatus) (models.Alert, error) {
	alert, err := o.transition(ctx, alertID, to)
	if err != nil {
		return alert, err
	}
	if err := o.store.CompleteLatestAssignment(ctx, alertID, o.now()); err != nil {
		o.logger.Warn().Err(err).Str("alert_id", alertID).Msg("completing assignment row failed")
	}
	if alert.AssignedAgentID != nil {
		o.workloadCache.Invalidate(*alert.AssignedAgentID)
	}
	return alert, nil
}

func (o *Orchestrator) transition(ctx context.Context, alertID string, to models.AlertStatus) (models.Alert, error) {
	unlock := o.locks.lock(alertID)
	defer unlock()

	var lastErr error
	for attempt := 0; attempt < routeRetryAttempts; attempt++ {
		alert, err := o.store.GetAlert(ctx, alertID)
		if err != nil {
			return models.Alert{}, err
		}
		if err := alert.Transition(to, o.now()); err != nil {
			return alert, err
		}
		err = o.store.UpdateAlert(ctx, alert, alert.Version)
		if errors.Is(err, db.ErrVersionConflict) {
			lastErr = err
			continue
		}
		if err != nil {
			return alert, err
		}
		alert.Version++
		o.logger.Info().Str("alert_id", alertID).Str("status", string(to)).Msg("alert transitioned")
		return alert, nil
	}
	if errors.Is(lastErr, db.ErrVersionConflict) {
		return models.Alert{}, &ConcurrentModificationError{AlertID: alertID}
	}
	return models.Alert{}, lastErr
}

// AvailableAgents reports the live workload of every available agent.
func (o *Orchestrator) AvailableAgents(ctx context.Context) ([]models.AgentWorkload, error) {
	agents, err := o.store.ListAgents(ctx)
	if err != nil {
		return nil, err
	}
	active, err := o.loadWorkloads(ctx, agents)
	if err != nil {
		return nil, err
	}
	out := make([]models.AgentWorkload, 0, len(agents))
	for _, a := range agents {
		if !a.Available {
			continue
		}
		capacity := a.MaxConcurrentAlerts - active[a.ID]
		if capacity < 0 {
			capacity = 0
		}
		out = append(out, models.AgentWorkload{
			AgentID:           a.ID,
			ActiveAlerts:      active[a.ID],
			AvailableCapacity: capacity,
		})
	}
	return out, nil
}

// assign runs the store's assignment critical section and keeps the
// workload cache coherent with its outcome.
func (o *Orchestrator) assign(ctx context.Context, alert models.Alert, agentID, strategy, reason string, force, reassign bool) (models.Alert, error) {
	updated, _, err := o.store.AssignAlert(ctx, db.AssignParams{
		AlertID:         alert.ID,
		AgentID:         agentID,
		ExpectedVersion: alert.Version,
		Strategy:        strategy,
		Reason:          reason,
		Force:           force,
		Reassign:        reassign,
		At:              o.now(),
	})
	if err != nil {
		return models.Alert{}, err
	}
	o.workloadCache.Invalidate(agentID)
	o.logger.Info().
		Str("alert_id", alert.ID).
		Str("agent_id", agentID).
		Str("strategy", strategy).
		Str("reason", reason).
		Msg("alert assigned")
	return updated, nil
}

func (o *Orchestrator) loadRules(ctx context.Context) ([]models.RoutingRule, error) {
	if cached, ok := o.ruleCache.Get(ruleCacheKey); ok {
		o.metrics.ObserveCache("rules", true)
		return cached, nil
	}
	o.metrics.ObserveCache("rules", false)
	rr, err := o.store.ListRules(ctx, true)
	if err != nil {
		return nil, err
	}
	o.ruleCache.Set(ruleCacheKey, rr)
	return rr, nil
}

// loadWorkloads returns active counts for the given agents, recounting
// from alert rows whenever any agent's entry is missing or expired.
func (o *Orchestrator) loadWorkloads(ctx context.Context, agents []models.AgentProfile) (map[string]int, error) {
	out := make(map[string]int, len(agents))
	allHit := true
	for _, a := range agents {
		n, ok := o.workloadCache.Get(a.ID)
		if !ok {
			allHit = false
			break
		}
		out[a.ID] = n
	}
	o.metrics.ObserveCache("workload", allHit)
	if allHit {
		return out, nil
	}

	counts, err := o.store.ActiveAlertCounts(ctx)
	if err != nil {
		return nil, err
	}
	for _, a := range agents {
		out[a.ID] = counts[a.ID]
		o.workloadCache.Set(a.ID, counts[a.ID])
	}
	return out, nil
}

// dispatch sends a notification and only logs on failure. Delivery
// never rolls back an assignment.
func (o *Orchestrator) dispatch(ctx context.Context, alert models.Alert, agentID string, reasons []string) {
	err := o.notifier.Notify(ctx, notify.Notification{
		AlertID:  alert.ID,
		AgentID:  agentID,
		Priority: alert.Priority,
		Reasons:  reasons,
	})
	if err != nil {
		o.logger.Warn().Err(err).Str("alert_id", alert.ID).Msg("notification failed")
	}
}

func notifyReasons(actions []models.Action) []string {
	var out []string
	for _, a := range actions {
		if msg, ok := a.Params["message"].(string); ok && msg != "" {
			out = append(out, msg)
			continue
		}
		out = append(out, "rule notification")
	}
	return out
}

func territoryPool(agents []models.AgentProfile, territory string) []models.AgentProfile {
	if territory == "" {
		return nil
	}
	var out []models.AgentProfile
	for _, a := range agents {
		if a.InTerritory(territory) {
			out = append(out, a)
		}
	}
	return out
}

// skillPool keeps agents holding every required skill.
func skillPool(agents []models.AgentProfile, skills []string) []models.AgentProfile {
	if len(skills) == 0 {
		return nil
	}
	var out []models.AgentProfile
	for _, a := range agents {
		ok := true
		for _, s := range skills {
			if !a.HasSkill(s) {
				ok = false
				break
			}
		}
		if ok {
			out = append(out, a)
		}
	}
	return out
}

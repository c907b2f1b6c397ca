package models

import "time"

type SignalType string

const (
	SignalDocumentAccessSpike     SignalType = "DOCUMENT_ACCESS_SPIKE"
	SignalDocumentDownloadPattern SignalType = "DOCUMENT_DOWNLOAD_PATTERN"
	SignalDocumentSharingActivity SignalType = "DOCUMENT_SHARING_ACTIVITY"
	SignalDormantReactivation     SignalType = "DORMANT_REACTIVATION"
	SignalHighEmailEngagement     SignalType = "HIGH_EMAIL_ENGAGEMENT"
	SignalRefinanceInterest       SignalType = "REFINANCE_INTEREST"
	SignalMarketReportViews       SignalType = "MARKET_REPORT_VIEWS"
	SignalFrequentValueChecks     SignalType = "FREQUENT_VALUE_CHECKS"
	SignalCalculatorUsage         SignalType = "CALCULATOR_USAGE"
	SignalComparableResearch      SignalType = "COMPARABLE_RESEARCH"
	SignalProfileUpdates          SignalType = "PROFILE_UPDATES"
)

type SignalCategory string

const (
	CategoryDocumentActivity SignalCategory = "DOCUMENT_ACTIVITY"
	CategoryEmailEngagement  SignalCategory = "EMAIL_ENGAGEMENT"
	CategoryPlatformBehavior SignalCategory = "PLATFORM_BEHAVIOR"
)

func (t SignalType) Category() SignalCategory {
	switch t {
	case SignalDocumentAccessSpike, SignalDocumentDownloadPattern, SignalDocumentSharingActivity, SignalDormantReactivation:
		return CategoryDocumentActivity
	case SignalHighEmailEngagement, SignalRefinanceInterest, SignalMarketReportViews:
		return CategoryEmailEngagement
	default:
		return CategoryPlatformBehavior
	}
}

type Signal struct {
	ID          string     `json:"id"`
	SubjectID   string     `json:"subject_id"`
	Type        SignalType `json:"type"`
	Strength    float64    `json:"strength"`
	Confidence  float64    `json:"confidence"`
	WindowStart time.Time  `json:"window_start"`
	WindowEnd   time.Time  `json:"window_end"`
	Processed   bool       `json:"processed"`
	CreatedAt   time.Time  `json:"created_at"`
}

type AlertType string

const (
	AlertIntentToSell AlertType = "INTENT_TO_SELL"
	AlertIntentToBuy  AlertType = "INTENT_TO_BUY"
	AlertRefinance    AlertType = "REFINANCE"
	AlertInvestment   AlertType = "INVESTMENT"
)

// AlertTypes lists every scored intent type in a stable order.
var AlertTypes = []AlertType{AlertIntentToSell, AlertIntentToBuy, AlertRefinance, AlertInvestment}

type Priority string

const (
	PriorityCritical Priority = "CRITICAL"
	PriorityHigh     Priority = "HIGH"
	PriorityMedium   Priority = "MEDIUM"
	PriorityLow      Priority = "LOW"
)

func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 4
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	default:
		return 1
	}
}

// Bump raises the priority one band. CRITICAL stays CRITICAL.
func (p Priority) Bump() Priority {
	switch p {
	case PriorityLow:
		return PriorityMedium
	case PriorityMedium:
		return PriorityHigh
	default:
		return PriorityCritical
	}
}

type Alert struct {
	ID                 string         `json:"id"`
	SubjectID          string         `json:"subject_id"`
	Type               AlertType      `json:"type"`
	Confidence         float64        `json:"confidence"`
	Priority           Priority       `json:"priority"`
	Status             AlertStatus    `json:"status"`
	AssignedAgentID    *string        `json:"assigned_agent_id"`
	Strategy           string         `json:"strategy,omitempty"`
	SignalIDs          []string       `json:"signal_ids"`
	Metadata           map[string]any `json:"metadata,omitempty"`
	EscalationAttempts int            `json:"escalation_attempts"`
	Version            int            `json:"version"`
	CreatedAt          time.Time      `json:"created_at"`
	AssignedAt         *time.Time     `json:"assigned_at,omitempty"`
	AcknowledgedAt     *time.Time     `json:"acknowledged_at,omitempty"`
	ConvertedAt        *time.Time     `json:"converted_at,omitempty"`
}

type Operator string

const (
	OpEquals      Operator = "equals"
	OpNotEquals   Operator = "not_equals"
	OpGreaterThan Operator = "greater_than"
	OpLessThan    Operator = "less_than"
	OpIn          Operator = "in"
	OpNotIn       Operator = "not_in"
	OpContains    Operator = "contains"
	OpRegex       Operator = "regex"
)

type ActionType string

const (
	ActionAssignToAgent     ActionType = "assign_to_agent"
	ActionAssignToTerritory ActionType = "assign_to_territory"
	ActionAssignBySkill     ActionType = "assign_by_skill"
	ActionEscalate          ActionType = "escalate"
	ActionNotify            ActionType = "notify"
)

type Condition struct {
	Field    string   `json:"field"`
	Operator Operator `json:"operator"`
	Value    any      `json:"value"`
}

type Action struct {
	Type   ActionType     `json:"type"`
	Params map[string]any `json:"params,omitempty"`
}

type RoutingRule struct {
	ID         string      `json:"id"`
	Name       string      `json:"name"`
	Priority   int         `json:"priority"`
	Enabled    bool        `json:"enabled"`
	Conditions []Condition `json:"conditions"`
	Actions    []Action    `json:"actions"`
	CreatedAt  time.Time   `json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

type AgentProfile struct {
	ID                  string    `json:"id"`
	Name                string    `json:"name"`
	Territories         []string  `json:"territories"`
	Skills              []string  `json:"skills"`
	Specializations     []string  `json:"specializations"`
	MaxConcurrentAlerts int       `json:"max_concurrent_alerts"`
	Available           bool      `json:"available"`
	AutoAssign          bool      `json:"auto_assign"`
	UpdatedAt           time.Time `json:"updated_at"`
}

func (a AgentProfile) HasSkill(skill string) bool {
	for _, s := range a.Skills {
		if s == skill {
			return true
		}
	}
	return false
}

func (a AgentProfile) InTerritory(territory string) bool {
	for _, t := range a.Territories {
		if t == territory {
			return true
		}
	}
	return false
}

// AgentWorkload is derived from alert rows on demand, never stored durably.
type AgentWorkload struct {
	AgentID           string `json:"agent_id"`
	ActiveAlerts      int    `json:"active_alerts"`
	AvailableCapacity int    `json:"available_capacity"`
}

type AlertAssignment struct {
	ID          string      `json:"id"`
	AlertID     string      `json:"alert_id"`
	AssignedTo  string      `json:"assigned_to"`
	Reason      string      `json:"reason"`
	Strategy    string      `json:"strategy"`
	Status      AlertStatus `json:"status"`
	AssignedAt  time.Time   `json:"assigned_at"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
}

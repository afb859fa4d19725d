// Package models defines the shared data types for the monitoring mesh:
// agents, inspection reports, decisions, alerts and intent records.
package models

import (
	"time"
)

// IssueLevel is the severity tier of a detected issue.
type IssueLevel string

const (
	LevelL1 IssueLevel = "L1" // self-resolved, informational only
	LevelL2 IssueLevel = "L2" // needs an adjudicated decision
	LevelL3 IssueLevel = "L3" // needs a human
)

// Valid reports whether the level is one of the known tiers.
func (l IssueLevel) Valid() bool {
	switch l {
	case LevelL1, LevelL2, LevelL3:
		return true
	}
	return false
}

// Severity describes the impact of an issue.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Valid reports whether the severity is a known value.
func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// AgentStatus is the liveness state of an agent node.
type AgentStatus string

const (
	AgentOnline  AgentStatus = "online"
	AgentOffline AgentStatus = "offline"
)

// HealthStatus is the health reported by an agent's own inspection.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthWarning  HealthStatus = "warning"
	HealthCritical HealthStatus = "critical"
	HealthUnknown  HealthStatus = "unknown"
)

// Valid reports whether the health status is a known reportable value.
// Agents never self-report "unknown"; that is the pre-first-report default.
func (h HealthStatus) Valid() bool {
	switch h {
	case HealthHealthy, HealthWarning, HealthCritical:
		return true
	}
	return false
}

// Agent is one node in the monitoring hierarchy.
type Agent struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	ParentID      string         `json:"parentId,omitempty"` // empty means root
	APIKey        string         `json:"-"`
	Status        AgentStatus    `json:"status"`
	Health        HealthStatus   `json:"healthStatus"`
	LastHeartbeat *time.Time     `json:"lastHeartbeat,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	CreatedAt     time.Time      `json:"createdAt"`
	UpdatedAt     time.Time      `json:"updatedAt"`
}

// IsRoot reports whether the agent has no parent in the hierarchy.
func (a *Agent) IsRoot() bool {
	return a.ParentID == ""
}

// Issue is a single detected problem embedded in a report.
type Issue struct {
	Level          IssueLevel     `json:"level"`
	Type           string         `json:"type"`
	Description    string         `json:"description"`
	Severity       Severity       `json:"severity"`
	ProposedFix    string         `json:"proposedFix,omitempty"`
	RiskAssessment string         `json:"riskAssessment,omitempty"`
	Details        map[string]any `json:"details,omitempty"`
	DetectedAt     time.Time      `json:"detectedAt"`
}

// ActionResult is the outcome of an action an agent took on its own.
type ActionResult string

const (
	ActionSuccess ActionResult = "success"
	ActionFailed  ActionResult = "failed"
	ActionPartial ActionResult = "partial"
)

// Action records a remediation an agent already performed autonomously.
type Action struct {
	Level     IssueLevel   `json:"level"`
	Action    string       `json:"action"`
	Result    ActionResult `json:"result"`
	Details   string       `json:"details,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

// Report is one inspection submission from an agent. Immutable once stored.
type Report struct {
	ID           int64              `json:"id"`
	AgentID      string             `json:"agentId"`
	Timestamp    time.Time          `json:"timestamp"`
	Status       HealthStatus       `json:"status"`
	Metrics      map[string]float64 `json:"metrics,omitempty"`
	Issues       []Issue            `json:"issues,omitempty"`
	ActionsTaken []Action           `json:"actionsTaken,omitempty"`
	Metadata     map[string]any     `json:"metadata,omitempty"`
	CreatedAt    time.Time          `json:"createdAt"`
}

// DeriveStatus computes the overall report status from its issues:
// critical if any L3 issue is present, warning if any L2, healthy otherwise.
func DeriveStatus(issues []Issue) HealthStatus {
	status := HealthHealthy
	for _, issue := range issues {
		switch issue.Level {
		case LevelL3:
			return HealthCritical
		case LevelL2:
			status = HealthWarning
		}
	}
	return status
}

// DecisionStatus is the lifecycle state of an adjudicated decision.
type DecisionStatus string

const (
	DecisionPending   DecisionStatus = "pending"
	DecisionApproved  DecisionStatus = "approved"
	DecisionRejected  DecisionStatus = "rejected"
	DecisionExecuted  DecisionStatus = "executed"
	DecisionCompleted DecisionStatus = "completed"
)

// Valid reports whether s is a known decision status.
func (s DecisionStatus) Valid() bool {
	switch s {
	case DecisionPending, DecisionApproved, DecisionRejected, DecisionExecuted, DecisionCompleted:
		return true
	}
	return false
}

// Decision is the adjudication of one escalated L2 issue.
type Decision struct {
	ID               int64          `json:"id"`
	AgentID          string         `json:"agentId"`
	IssueType        string         `json:"issueType"`
	IssueDescription string         `json:"issueDescription"`
	ProposedAction   string         `json:"proposedAction"`
	Rationale        string         `json:"rationale,omitempty"`
	Analysis         string         `json:"analysis,omitempty"`
	Status           DecisionStatus `json:"status"`
	CreatedAt        time.Time      `json:"createdAt"`
	ExecutedAt       *time.Time     `json:"executedAt,omitempty"`
	ExecutionResult  string         `json:"executionResult,omitempty"`
	ForwardedAt      *time.Time     `json:"forwardedAt,omitempty"`
}

// AlertStatus is the lifecycle state of an alert.
type AlertStatus string

const (
	AlertNew          AlertStatus = "new"
	AlertAcknowledged AlertStatus = "acknowledged"
	AlertResolved     AlertStatus = "resolved"
)

// Alert is the aggregated record of one or more correlated critical issues.
type Alert struct {
	ID             int64          `json:"id"`
	AgentID        string         `json:"agentId"`
	Level          IssueLevel     `json:"level"`
	Type           string         `json:"type"`
	Description    string         `json:"description"`
	Severity       Severity       `json:"severity"`
	Status         AlertStatus    `json:"status"`
	Details        map[string]any `json:"details,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
	AcknowledgedAt *time.Time     `json:"acknowledgedAt,omitempty"`
	AcknowledgedBy string         `json:"acknowledgedBy,omitempty"`
	ResolvedAt     *time.Time     `json:"resolvedAt,omitempty"`
	Notes          string         `json:"notes,omitempty"`
	ForwardedAt    *time.Time     `json:"forwardedAt,omitempty"`
}

// IntentType classifies an intent ledger entry.
type IntentType string

const (
	IntentDecision  IntentType = "decision"
	IntentBlocker   IntentType = "blocker"
	IntentMilestone IntentType = "milestone"
	IntentNote      IntentType = "note"
)

// Valid reports whether the intent type is one of the known kinds.
func (t IntentType) Valid() bool {
	switch t {
	case IntentDecision, IntentBlocker, IntentMilestone, IntentNote:
		return true
	}
	return false
}

// IntentRecord is one append-only audit-trail entry. It denormalizes the
// state of the decision, alert or ad-hoc event it describes so the trail
// survives process restarts without foreign keys.
type IntentRecord struct {
	ID          int64          `json:"id"`
	AgentID     string         `json:"agentId"`
	Type        IntentType     `json:"type"`
	Level       IssueLevel     `json:"level,omitempty"`
	Category    string         `json:"category"`
	Description string         `json:"description"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Status      string         `json:"status,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
}

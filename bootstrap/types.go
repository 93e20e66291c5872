// Package bootstrap provisions the DynamoDB tables Citadel persists to.
// It follows a plan/apply workflow: the planner checks which tables already
// exist and produces a plan, the executor creates the missing ones and waits
// for them to become active, and the seeder loads baseline records into a
// fresh installation.
package bootstrap

import (
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"

	"github.com/citadelzt/citadel/adaptive"
	"github.com/citadelzt/citadel/audit"
	"github.com/citadelzt/citadel/behavior"
	"github.com/citadelzt/citadel/breakglass"
	"github.com/citadelzt/citadel/contextual"
	"github.com/citadelzt/citadel/config"
	"github.com/citadelzt/citadel/device"
	"github.com/citadelzt/citadel/jit"
	"github.com/citadelzt/citadel/policy"
	"github.com/citadelzt/citadel/principal"
	"github.com/citadelzt/citadel/request"
	"github.com/citadelzt/citadel/segment"
	"github.com/citadelzt/citadel/session"
	"github.com/citadelzt/citadel/threat"
)

// TableState represents the planned action for a table.
type TableState string

const (
	// StateExists indicates the table is already present in AWS.
	StateExists TableState = "exists"
	// StateCreate indicates the table needs to be created.
	StateCreate TableState = "create"
)

// IsValid returns true if the TableState is a known value.
func (s TableState) IsValid() bool {
	switch s {
	case StateExists, StateCreate:
		return true
	}
	return false
}

// String returns the string representation of the TableState.
func (s TableState) String() string {
	return string(s)
}

// TableSpec describes one table in a provisioning plan.
type TableSpec struct {
	// Name is the DynamoDB table name.
	Name string `json:"name"`

	// Description says what the table stores.
	Description string `json:"description"`

	// State is the planned action for this table.
	State TableState `json:"state"`

	// CurrentStatus is the live table status when the table exists
	// (ACTIVE, CREATING, ...). Empty for tables being created.
	CurrentStatus string `json:"current_status,omitempty"`

	// input is the full table definition, carried from the plan to the
	// executor so the two never disagree on schema.
	input *dynamodb.CreateTableInput
}

// Plan is the provisioning plan for one installation.
type Plan struct {
	// Region is the AWS region the plan targets.
	Region string `json:"region"`

	// Tables lists every table with its planned action.
	Tables []TableSpec `json:"tables"`

	// Summary contains action counts.
	Summary PlanSummary `json:"summary"`

	// GeneratedAt is when the plan was generated.
	GeneratedAt time.Time `json:"generated_at"`
}

// PlanSummary contains action counts for a plan.
type PlanSummary struct {
	// ToCreate is the number of tables to create.
	ToCreate int `json:"to_create"`

	// Existing is the number of tables already present.
	Existing int `json:"existing"`

	// Total is the total number of tables in the plan.
	Total int `json:"total"`
}

// Compute fills the summary from a table list.
func (s *PlanSummary) Compute(tables []TableSpec) {
	s.ToCreate = 0
	s.Existing = 0
	for _, t := range tables {
		switch t.State {
		case StateCreate:
			s.ToCreate++
		case StateExists:
			s.Existing++
		}
	}
	s.Total = len(tables)
}

// tableDef pairs a configured table name with its schema constructor.
type tableDef struct {
	name        string
	description string
	input       *dynamodb.CreateTableInput
}

// tableDefs returns the full set of tables Citadel needs, in a stable
// provisioning order. Every name in config.Tables appears exactly once.
func tableDefs(t config.Tables) []tableDef {
	return []tableDef{
		{t.Principals, "principal identities and roles", principal.CreateTableInput(t.Principals)},
		{t.Segments, "protected resource zones", segment.CreateTableInput(t.Segments)},
		{t.Policies, "access policies and rules", policy.CreateTableInput(t.Policies)},
		{t.Outcomes, "per-decision policy outcomes", policy.CreateOutcomeTableInput(t.Outcomes)},
		{t.Adjustments, "adaptive policy adjustments", adaptive.CreateTableInput(t.Adjustments)},
		{t.Requests, "access requests and decisions", request.CreateTableInput(t.Requests)},
		{t.Devices, "device fingerprints", device.CreateTableInput(t.Devices)},
		{t.Sessions, "monitored sessions", session.CreateTableInput(t.Sessions)},
		{t.Grants, "JIT elevation grants", jit.CreateTableInput(t.Grants)},
		{t.Predictions, "threat predictions", threat.CreateTableInput(t.Predictions)},
		{t.Histories, "per-principal access histories", contextual.CreateTableInput(t.Histories)},
		{t.Baselines, "behavioral baselines", behavior.CreateTableInput(t.Baselines)},
		{t.Audit, "hash-chained audit events", audit.CreateTableInput(t.Audit)},
		{t.EmergencyRequests, "break-glass requests", breakglass.CreateRequestTableInput(t.EmergencyRequests)},
		{t.EmergencySessions, "break-glass sessions", breakglass.CreateSessionTableInput(t.EmergencySessions)},
		{t.EmergencyReports, "break-glass incident reports", breakglass.CreateReportTableInput(t.EmergencyReports)},
	}
}

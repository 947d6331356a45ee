// Package conflict implements the detect-then-resolve engine that serializes
// concurrent edits of a shared threat model. Every mutation goes through
// Engine.Process, which holds the document's distributed lock for the full
// read-detect-apply-persist cycle.
package conflict

import (
	"errors"
	"fmt"
	"time"

	"aegis/collab/internal/store"
)

type Kind string

const (
	KindCreate Kind = "create"
	KindUpdate Kind = "update"
	KindDelete Kind = "delete"
)

type Target string

const (
	TargetComponent Target = "component"
	TargetDataFlow  Target = "data_flow"
	TargetThreat    Target = "threat"
)

// ComponentChange carries the fields of a component edit. Nil fields are
// untouched on update; Name is required on create.
type ComponentChange struct {
	Name     *string         `json:"name,omitempty"`
	Type     *string         `json:"type,omitempty"`
	Position *store.Position `json:"position,omitempty"`
}

type DataFlowChange struct {
	Name          *string `json:"name,omitempty"`
	SourceID      *string `json:"sourceId,omitempty"`
	DestinationID *string `json:"destinationId,omitempty"`
}

type ThreatChange struct {
	Name                 *string  `json:"name,omitempty"`
	Severity             *string  `json:"severity,omitempty"`
	Description          *string  `json:"description,omitempty"`
	AffectedComponentIDs []string `json:"affectedComponentIds,omitempty"`
}

// Operation is one proposed, timestamped edit. The (Kind, Target) pair is the
// tag of a closed union; exactly one of the change fields matches Target.
// Operations are immutable once created.
type Operation struct {
	ID         string           `json:"id"`
	DocumentID string           `json:"documentId"`
	ActorID    string           `json:"actorId"`
	Kind       Kind             `json:"kind"`
	Target     Target           `json:"target"`
	EntityID   string           `json:"entityId,omitempty"`
	IssuedAt   time.Time        `json:"issuedAt"`
	Component  *ComponentChange `json:"component,omitempty"`
	DataFlow   *DataFlowChange  `json:"dataFlow,omitempty"`
	Threat     *ThreatChange    `json:"threat,omitempty"`
}

var errBadOperation = errors.New("malformed operation")

// Validate checks the tag and that the payload variant matches it.
func (op Operation) Validate() error {
	if op.DocumentID == "" {
		return fmt.Errorf("%w: documentId is required", errBadOperation)
	}
	switch op.Kind {
	case KindCreate, KindUpdate, KindDelete:
	default:
		return fmt.Errorf("%w: unknown kind %q", errBadOperation, op.Kind)
	}
	if op.Kind != KindCreate && op.EntityID == "" {
		return fmt.Errorf("%w: entityId is required for %s", errBadOperation, op.Kind)
	}
	switch op.Target {
	case TargetComponent:
		if op.Kind != KindDelete && op.Component == nil {
			return fmt.Errorf("%w: component payload is required", errBadOperation)
		}
		if op.Kind == KindCreate && (op.Component.Name == nil || *op.Component.Name == "") {
			return fmt.Errorf("%w: component name is required on create", errBadOperation)
		}
	case TargetDataFlow:
		if op.Kind != KindDelete && op.DataFlow == nil {
			return fmt.Errorf("%w: dataFlow payload is required", errBadOperation)
		}
		if op.Kind == KindCreate && (op.DataFlow.SourceID == nil || op.DataFlow.DestinationID == nil) {
			return fmt.Errorf("%w: data flow source and destination are required on create", errBadOperation)
		}
	case TargetThreat:
		if op.Kind != KindDelete && op.Threat == nil {
			return fmt.Errorf("%w: threat payload is required", errBadOperation)
		}
		if op.Kind == KindCreate && (op.Threat.Name == nil || *op.Threat.Name == "") {
			return fmt.Errorf("%w: threat name is required on create", errBadOperation)
		}
	default:
		return fmt.Errorf("%w: unknown target %q", errBadOperation, op.Target)
	}
	return nil
}

type ReportKind string

const (
	ConflictNone       ReportKind = "none"
	ConflictPosition   ReportKind = "position"
	ConflictName       ReportKind = "name"
	ConflictMissing    ReportKind = "missing"
	ConflictConcurrent ReportKind = "concurrent_modification"
	ConflictDependency ReportKind = "dependency"
	ConflictDuplicate  ReportKind = "duplicate"
)

// Report is the outcome of running one detector against the current state.
// Produced fresh per attempt, never persisted.
type Report struct {
	Kind        ReportKind `json:"kind"`
	EntityIDs   []string   `json:"conflictingEntityIds,omitempty"`
	Description string     `json:"description"`
}

func (r Report) HasConflict() bool {
	return r.Kind != ConflictNone
}

func none() Report {
	return Report{Kind: ConflictNone}
}

// Suggestions returns the deterministic remedy list for a conflict kind.
func Suggestions(kind ReportKind) []string {
	switch kind {
	case ConflictPosition:
		return []string{
			"Move the element to a free area of the diagram",
			"Increase spacing from the nearby component",
			"Keep both elements and adjust the layout manually",
		}
	case ConflictName:
		return []string{
			"Choose a different name",
			"Append a distinguishing suffix",
			"Edit the existing element with this name instead",
		}
	case ConflictMissing:
		return []string{
			"Refresh the model to see the current state",
			"Re-create the element before editing it",
		}
	case ConflictConcurrent:
		return []string{
			"Refresh and review the latest changes",
			"Merge your changes with the current state",
			"Reapply the edit to the updated element",
		}
	case ConflictDependency:
		return []string{
			"Remove the dependent data flows first",
			"Reassign dependent threats to another component",
		}
	case ConflictDuplicate:
		return []string{
			"Edit the existing element instead",
			"Rename the new element to make it distinct",
		}
	default:
		return nil
	}
}

type Outcome string

const (
	OutcomeApplied  Outcome = "applied"
	OutcomeConflict Outcome = "conflict"
	OutcomeBusy     Outcome = "busy"
	OutcomeFailed   Outcome = "failed"
)

// Result is the terminal outcome of processing one operation. Exactly one of
// State (applied) or Report (conflict) is set; Reason is set for failures.
type Result struct {
	Outcome     Outcome            `json:"outcome"`
	EntityID    string             `json:"entityId,omitempty"`
	State       *store.ThreatModel `json:"state,omitempty"`
	Report      *Report            `json:"conflict,omitempty"`
	Suggestions []string           `json:"suggestions,omitempty"`
	Reason      string             `json:"reason,omitempty"`
}

func applied(entityID string, state *store.ThreatModel) Result {
	return Result{Outcome: OutcomeApplied, EntityID: entityID, State: state}
}

func conflicted(report Report) Result {
	return Result{
		Outcome:     OutcomeConflict,
		Report:      &report,
		Suggestions: Suggestions(report.Kind),
	}
}

func busy() Result {
	return Result{Outcome: OutcomeBusy, Reason: "document is busy, try again"}
}

func failed(reason string) Result {
	return Result{Outcome: OutcomeFailed, Reason: reason}
}

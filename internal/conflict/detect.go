package conflict

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"aegis/collab/internal/store"
)

// proximityThreshold is the distance, in diagram units per axis, under which
// two components are considered overlapping.
const proximityThreshold = 50.0

// detect dispatches on the operation's (kind, target) tag and runs the checks
// for that pair only. Detectors are pure: they never mutate the model.
func detect(op Operation, tm *store.ThreatModel) Report {
	switch op.Target {
	case TargetComponent:
		switch op.Kind {
		case KindCreate:
			return detectCreateComponent(op, tm)
		case KindUpdate:
			return detectUpdateComponent(op, tm)
		case KindDelete:
			return detectDeleteComponent(op, tm)
		}
	case TargetDataFlow:
		switch op.Kind {
		case KindCreate:
			return detectCreateDataFlow(op, tm)
		case KindUpdate:
			return detectUpdateDataFlow(op, tm)
		}
	case TargetThreat:
		switch op.Kind {
		case KindCreate:
			return detectCreateThreat(op, tm)
		case KindUpdate:
			return detectUpdateThreat(op, tm)
		}
	}
	return none()
}

func overlaps(a, b store.Position) bool {
	return math.Abs(a.X-b.X) <= proximityThreshold && math.Abs(a.Y-b.Y) <= proximityThreshold
}

func detectCreateComponent(op Operation, tm *store.ThreatModel) Report {
	if op.Component.Position != nil {
		for _, existing := range sortedComponents(tm) {
			if overlaps(*op.Component.Position, existing.Position) {
				return Report{
					Kind:        ConflictPosition,
					EntityIDs:   []string{existing.ID},
					Description: fmt.Sprintf("position overlaps existing component %q", existing.Name),
				}
			}
		}
	}
	for _, existing := range sortedComponents(tm) {
		if strings.EqualFold(existing.Name, *op.Component.Name) {
			return Report{
				Kind:        ConflictName,
				EntityIDs:   []string{existing.ID},
				Description: fmt.Sprintf("a component named %q already exists", existing.Name),
			}
		}
	}
	return none()
}

func detectUpdateComponent(op Operation, tm *store.ThreatModel) Report {
	target, ok := tm.Components[op.EntityID]
	if !ok {
		return missingReport("component", op.EntityID)
	}
	if target.LastModified.After(op.IssuedAt) {
		return concurrentReport("component", op.EntityID)
	}
	if op.Component.Position != nil {
		for _, existing := range sortedComponents(tm) {
			if existing.ID == op.EntityID {
				continue
			}
			if overlaps(*op.Component.Position, existing.Position) {
				return Report{
					Kind:        ConflictPosition,
					EntityIDs:   []string{existing.ID},
					Description: fmt.Sprintf("new position overlaps component %q", existing.Name),
				}
			}
		}
	}
	return none()
}

func detectDeleteComponent(op Operation, tm *store.ThreatModel) Report {
	var flowIDs []string
	for _, f := range tm.DataFlows {
		if f.SourceID == op.EntityID || f.DestinationID == op.EntityID {
			flowIDs = append(flowIDs, f.ID)
		}
	}
	if len(flowIDs) > 0 {
		sort.Strings(flowIDs)
		return Report{
			Kind:        ConflictDependency,
			EntityIDs:   flowIDs,
			Description: "component is referenced by data flows",
		}
	}

	var threatIDs []string
	for _, th := range tm.Threats {
		for _, cid := range th.AffectedComponentIDs {
			if cid == op.EntityID {
				threatIDs = append(threatIDs, th.ID)
				break
			}
		}
	}
	if len(threatIDs) > 0 {
		sort.Strings(threatIDs)
		return Report{
			Kind:        ConflictDependency,
			EntityIDs:   threatIDs,
			Description: "component is referenced by threats",
		}
	}
	return none()
}

func detectCreateDataFlow(op Operation, tm *store.ThreatModel) Report {
	var absent []string
	for _, cid := range []string{*op.DataFlow.SourceID, *op.DataFlow.DestinationID} {
		if _, ok := tm.Components[cid]; !ok {
			absent = append(absent, cid)
		}
	}
	if len(absent) > 0 {
		return Report{
			Kind:        ConflictMissing,
			EntityIDs:   absent,
			Description: "data flow endpoint component does not exist",
		}
	}

	name := ""
	if op.DataFlow.Name != nil {
		name = *op.DataFlow.Name
	}
	for _, existing := range tm.DataFlows {
		if existing.SourceID == *op.DataFlow.SourceID &&
			existing.DestinationID == *op.DataFlow.DestinationID &&
			existing.Name == name {
			return Report{
				Kind:        ConflictDuplicate,
				EntityIDs:   []string{existing.ID},
				Description: fmt.Sprintf("an identical data flow %q already exists", existing.Name),
			}
		}
	}
	return none()
}

func detectUpdateDataFlow(op Operation, tm *store.ThreatModel) Report {
	target, ok := tm.DataFlows[op.EntityID]
	if !ok {
		return missingReport("data flow", op.EntityID)
	}
	if target.LastModified.After(op.IssuedAt) {
		return concurrentReport("data flow", op.EntityID)
	}
	return none()
}

func detectCreateThreat(op Operation, tm *store.ThreatModel) Report {
	var absent []string
	for _, cid := range op.Threat.AffectedComponentIDs {
		if _, ok := tm.Components[cid]; !ok {
			absent = append(absent, cid)
		}
	}
	if len(absent) > 0 {
		sort.Strings(absent)
		return Report{
			Kind:        ConflictMissing,
			EntityIDs:   absent,
			Description: "threat references components that do not exist",
		}
	}

	for _, existing := range tm.Threats {
		if !strings.EqualFold(existing.Name, *op.Threat.Name) {
			continue
		}
		if affectedSetsOverlap(existing.AffectedComponentIDs, op.Threat.AffectedComponentIDs) {
			return Report{
				Kind:        ConflictDuplicate,
				EntityIDs:   []string{existing.ID},
				Description: fmt.Sprintf("threat %q already covers overlapping components", existing.Name),
			}
		}
	}
	return none()
}

func detectUpdateThreat(op Operation, tm *store.ThreatModel) Report {
	target, ok := tm.Threats[op.EntityID]
	if !ok {
		return missingReport("threat", op.EntityID)
	}
	if target.LastModified.After(op.IssuedAt) {
		return concurrentReport("threat", op.EntityID)
	}
	return none()
}

func missingReport(noun, id string) Report {
	return Report{
		Kind:        ConflictMissing,
		EntityIDs:   []string{id},
		Description: fmt.Sprintf("%s %s does not exist", noun, id),
	}
}

func concurrentReport(noun, id string) Report {
	return Report{
		Kind:        ConflictConcurrent,
		EntityIDs:   []string{id},
		Description: fmt.Sprintf("%s %s was modified after this edit was issued", noun, id),
	}
}

func affectedSetsOverlap(a, b []string) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	set := make(map[string]struct{}, len(a))
	for _, id := range a {
		set[id] = struct{}{}
	}
	for _, id := range b {
		if _, ok := set[id]; ok {
			return true
		}
	}
	return false
}

// sortedComponents iterates components in a stable order so the first
// conflict reported is deterministic.
func sortedComponents(tm *store.ThreatModel) []*store.Component {
	out := make([]*store.Component, 0, len(tm.Components))
	for _, c := range tm.Components {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

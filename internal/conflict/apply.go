package conflict

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"aegis/collab/internal/store"
)

// applyOperation mutates tm in place (callers pass a clone) and returns the id
// of the affected entity. The entity's LastModified is stamped with server
// time, establishing the ordering later concurrency checks compare against.
// Server time rather than IssuedAt, so that an edit issued concurrently with
// the winner always observes a newer timestamp.
func applyOperation(op Operation, tm *store.ThreatModel, stamp time.Time) (string, error) {
	at := stamp
	tm.UpdatedAt = stamp

	switch op.Target {
	case TargetComponent:
		return applyComponent(op, tm, at)
	case TargetDataFlow:
		return applyDataFlow(op, tm, at)
	case TargetThreat:
		return applyThreat(op, tm, at)
	}
	return "", fmt.Errorf("%w: unknown target %q", errBadOperation, op.Target)
}

func applyComponent(op Operation, tm *store.ThreatModel, at time.Time) (string, error) {
	switch op.Kind {
	case KindCreate:
		id := op.EntityID
		if id == "" {
			id = uuid.NewString()
		}
		c := &store.Component{ID: id, Name: *op.Component.Name, LastModified: at}
		if op.Component.Type != nil {
			c.Type = *op.Component.Type
		}
		if op.Component.Position != nil {
			c.Position = *op.Component.Position
		}
		tm.Components[id] = c
		return id, nil
	case KindUpdate:
		c, ok := tm.Components[op.EntityID]
		if !ok {
			return "", fmt.Errorf("component %s vanished during apply", op.EntityID)
		}
		if op.Component.Name != nil {
			c.Name = *op.Component.Name
		}
		if op.Component.Type != nil {
			c.Type = *op.Component.Type
		}
		if op.Component.Position != nil {
			c.Position = *op.Component.Position
		}
		c.LastModified = at
		return c.ID, nil
	case KindDelete:
		delete(tm.Components, op.EntityID)
		return op.EntityID, nil
	}
	return "", fmt.Errorf("%w: unknown kind %q", errBadOperation, op.Kind)
}

func applyDataFlow(op Operation, tm *store.ThreatModel, at time.Time) (string, error) {
	switch op.Kind {
	case KindCreate:
		id := op.EntityID
		if id == "" {
			id = uuid.NewString()
		}
		f := &store.DataFlow{
			ID:            id,
			SourceID:      *op.DataFlow.SourceID,
			DestinationID: *op.DataFlow.DestinationID,
			LastModified:  at,
		}
		if op.DataFlow.Name != nil {
			f.Name = *op.DataFlow.Name
		}
		tm.DataFlows[id] = f
		return id, nil
	case KindUpdate:
		f, ok := tm.DataFlows[op.EntityID]
		if !ok {
			return "", fmt.Errorf("data flow %s vanished during apply", op.EntityID)
		}
		if op.DataFlow.Name != nil {
			f.Name = *op.DataFlow.Name
		}
		if op.DataFlow.SourceID != nil {
			f.SourceID = *op.DataFlow.SourceID
		}
		if op.DataFlow.DestinationID != nil {
			f.DestinationID = *op.DataFlow.DestinationID
		}
		f.LastModified = at
		return f.ID, nil
	case KindDelete:
		delete(tm.DataFlows, op.EntityID)
		return op.EntityID, nil
	}
	return "", fmt.Errorf("%w: unknown kind %q", errBadOperation, op.Kind)
}

func applyThreat(op Operation, tm *store.ThreatModel, at time.Time) (string, error) {
	switch op.Kind {
	case KindCreate:
		id := op.EntityID
		if id == "" {
			id = uuid.NewString()
		}
		th := &store.Threat{
			ID:                   id,
			Name:                 *op.Threat.Name,
			AffectedComponentIDs: append([]string(nil), op.Threat.AffectedComponentIDs...),
			LastModified:         at,
		}
		if op.Threat.Severity != nil {
			th.Severity = *op.Threat.Severity
		}
		if op.Threat.Description != nil {
			th.Description = *op.Threat.Description
		}
		tm.Threats[id] = th
		return id, nil
	case KindUpdate:
		th, ok := tm.Threats[op.EntityID]
		if !ok {
			return "", fmt.Errorf("threat %s vanished during apply", op.EntityID)
		}
		if op.Threat.Name != nil {
			th.Name = *op.Threat.Name
		}
		if op.Threat.Severity != nil {
			th.Severity = *op.Threat.Severity
		}
		if op.Threat.Description != nil {
			th.Description = *op.Threat.Description
		}
		if op.Threat.AffectedComponentIDs != nil {
			th.AffectedComponentIDs = append([]string(nil), op.Threat.AffectedComponentIDs...)
		}
		th.LastModified = at
		return th.ID, nil
	case KindDelete:
		delete(tm.Threats, op.EntityID)
		return op.EntityID, nil
	}
	return "", fmt.Errorf("%w: unknown kind %q", errBadOperation, op.Kind)
}

// mergePayload shallow-merges caller-supplied merge data into the original
// operation's payload and returns the merged operation. Keys present in
// mergeData overwrite the original field, everything else is kept.
func mergePayload(op Operation, mergeData json.RawMessage) (Operation, error) {
	if len(mergeData) == 0 {
		return op, nil
	}

	var payload any
	switch op.Target {
	case TargetComponent:
		payload = op.Component
	case TargetDataFlow:
		payload = op.DataFlow
	case TargetThreat:
		payload = op.Threat
	}

	base := map[string]json.RawMessage{}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Operation{}, fmt.Errorf("encode payload: %w", err)
		}
		if err := json.Unmarshal(raw, &base); err != nil {
			return Operation{}, fmt.Errorf("decode payload: %w", err)
		}
	}
	overlay := map[string]json.RawMessage{}
	if err := json.Unmarshal(mergeData, &overlay); err != nil {
		return Operation{}, fmt.Errorf("decode merge data: %w", err)
	}
	for k, v := range overlay {
		base[k] = v
	}
	merged, err := json.Marshal(base)
	if err != nil {
		return Operation{}, fmt.Errorf("encode merged payload: %w", err)
	}

	out := op
	switch op.Target {
	case TargetComponent:
		out.Component = &ComponentChange{}
		err = json.Unmarshal(merged, out.Component)
	case TargetDataFlow:
		out.DataFlow = &DataFlowChange{}
		err = json.Unmarshal(merged, out.DataFlow)
	case TargetThreat:
		out.Threat = &ThreatChange{}
		err = json.Unmarshal(merged, out.Threat)
	}
	if err != nil {
		return Operation{}, fmt.Errorf("decode merged payload: %w", err)
	}
	return out, nil
}

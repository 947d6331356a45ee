package conflict

import (
	"testing"
	"time"

	"aegis/collab/internal/store"
)

func strptr(s string) *string { return &s }

func posptr(x, y float64) *store.Position { return &store.Position{X: x, Y: y} }

func baseModel() *store.ThreatModel {
	return &store.ThreatModel{
		ID: "tm1",
		Components: map[string]*store.Component{
			"c1": {ID: "c1", Name: "Gateway", Position: store.Position{X: 10, Y: 10}, LastModified: time.Now().Add(-time.Hour)},
			"c2": {ID: "c2", Name: "Database", Position: store.Position{X: 400, Y: 400}, LastModified: time.Now().Add(-time.Hour)},
		},
		DataFlows: map[string]*store.DataFlow{
			"f1": {ID: "f1", Name: "queries", SourceID: "c1", DestinationID: "c2", LastModified: time.Now().Add(-time.Hour)},
		},
		Threats: map[string]*store.Threat{
			"t1": {ID: "t1", Name: "SQL Injection", AffectedComponentIDs: []string{"c2"}, LastModified: time.Now().Add(-time.Hour)},
		},
	}
}

func TestCreateComponentPositionOverlap(t *testing.T) {
	op := Operation{
		Kind: KindCreate, Target: TargetComponent, DocumentID: "tm1",
		Component: &ComponentChange{Name: strptr("Cache"), Position: posptr(40, 30)},
	}
	report := detect(op, baseModel())
	if report.Kind != ConflictPosition {
		t.Fatalf("expected position conflict, got %q", report.Kind)
	}
	if len(report.EntityIDs) != 1 || report.EntityIDs[0] != "c1" {
		t.Errorf("expected conflicting entity c1, got %v", report.EntityIDs)
	}
	if len(Suggestions(report.Kind)) == 0 {
		t.Error("expected non-empty suggestions for position conflict")
	}
}

func TestCreateComponentJustOutsideThreshold(t *testing.T) {
	op := Operation{
		Kind: KindCreate, Target: TargetComponent, DocumentID: "tm1",
		Component: &ComponentChange{Name: strptr("Cache"), Position: posptr(10, 61)},
	}
	if report := detect(op, baseModel()); report.HasConflict() {
		t.Errorf("expected no conflict outside threshold, got %q", report.Kind)
	}
}

func TestCreateComponentNameCollisionCaseInsensitive(t *testing.T) {
	op := Operation{
		Kind: KindCreate, Target: TargetComponent, DocumentID: "tm1",
		Component: &ComponentChange{Name: strptr("gateway"), Position: posptr(700, 700)},
	}
	report := detect(op, baseModel())
	if report.Kind != ConflictName {
		t.Fatalf("expected name conflict, got %q", report.Kind)
	}
}

func TestCreateComponentPositionCheckedBeforeName(t *testing.T) {
	// Overlapping position and colliding name: position wins, checks run in order
	op := Operation{
		Kind: KindCreate, Target: TargetComponent, DocumentID: "tm1",
		Component: &ComponentChange{Name: strptr("Gateway"), Position: posptr(12, 12)},
	}
	if report := detect(op, baseModel()); report.Kind != ConflictPosition {
		t.Errorf("expected position conflict first, got %q", report.Kind)
	}
}

func TestUpdateComponentMissing(t *testing.T) {
	op := Operation{
		Kind: KindUpdate, Target: TargetComponent, DocumentID: "tm1", EntityID: "ghost",
		IssuedAt:  time.Now(),
		Component: &ComponentChange{Name: strptr("X")},
	}
	if report := detect(op, baseModel()); report.Kind != ConflictMissing {
		t.Errorf("expected missing conflict, got %q", report.Kind)
	}
}

func TestUpdateComponentConcurrentModification(t *testing.T) {
	tm := baseModel()
	tm.Components["c1"].LastModified = time.Now()
	op := Operation{
		Kind: KindUpdate, Target: TargetComponent, DocumentID: "tm1", EntityID: "c1",
		IssuedAt:  time.Now().Add(-time.Minute),
		Component: &ComponentChange{Name: strptr("Edge Gateway")},
	}
	report := detect(op, tm)
	if report.Kind != ConflictConcurrent {
		t.Fatalf("expected concurrent_modification, got %q", report.Kind)
	}
}

func TestUpdateComponentPositionOverlapWithOther(t *testing.T) {
	op := Operation{
		Kind: KindUpdate, Target: TargetComponent, DocumentID: "tm1", EntityID: "c1",
		IssuedAt:  time.Now(),
		Component: &ComponentChange{Position: posptr(410, 390)},
	}
	report := detect(op, baseModel())
	if report.Kind != ConflictPosition {
		t.Fatalf("expected position conflict, got %q", report.Kind)
	}
	if report.EntityIDs[0] != "c2" {
		t.Errorf("expected overlap with c2, got %v", report.EntityIDs)
	}
}

func TestUpdateComponentMayKeepOwnPosition(t *testing.T) {
	// Moving within your own footprint is not a conflict with yourself
	op := Operation{
		Kind: KindUpdate, Target: TargetComponent, DocumentID: "tm1", EntityID: "c1",
		IssuedAt:  time.Now(),
		Component: &ComponentChange{Position: posptr(15, 15)},
	}
	if report := detect(op, baseModel()); report.HasConflict() {
		t.Errorf("expected no conflict, got %q", report.Kind)
	}
}

func TestDeleteComponentReferencedByFlow(t *testing.T) {
	op := Operation{Kind: KindDelete, Target: TargetComponent, DocumentID: "tm1", EntityID: "c1"}
	report := detect(op, baseModel())
	if report.Kind != ConflictDependency {
		t.Fatalf("expected dependency conflict, got %q", report.Kind)
	}
	if len(report.EntityIDs) != 1 || report.EntityIDs[0] != "f1" {
		t.Errorf("expected flow f1 listed, got %v", report.EntityIDs)
	}
}

func TestDeleteComponentReferencedByThreat(t *testing.T) {
	tm := baseModel()
	delete(tm.DataFlows, "f1")
	op := Operation{Kind: KindDelete, Target: TargetComponent, DocumentID: "tm1", EntityID: "c2"}
	report := detect(op, tm)
	if report.Kind != ConflictDependency {
		t.Fatalf("expected dependency conflict, got %q", report.Kind)
	}
	if report.EntityIDs[0] != "t1" {
		t.Errorf("expected threat t1 listed, got %v", report.EntityIDs)
	}
}

func TestDeleteUnreferencedComponent(t *testing.T) {
	tm := baseModel()
	tm.Components["c3"] = &store.Component{ID: "c3", Name: "Logger", Position: store.Position{X: 900, Y: 900}}
	op := Operation{Kind: KindDelete, Target: TargetComponent, DocumentID: "tm1", EntityID: "c3"}
	if report := detect(op, tm); report.HasConflict() {
		t.Errorf("expected no conflict, got %q", report.Kind)
	}
}

func TestCreateDataFlowMissingEndpoint(t *testing.T) {
	op := Operation{
		Kind: KindCreate, Target: TargetDataFlow, DocumentID: "tm1",
		DataFlow: &DataFlowChange{Name: strptr("sync"), SourceID: strptr("c1"), DestinationID: strptr("ghost")},
	}
	report := detect(op, baseModel())
	if report.Kind != ConflictMissing {
		t.Fatalf("expected missing conflict, got %q", report.Kind)
	}
	if report.EntityIDs[0] != "ghost" {
		t.Errorf("expected ghost listed, got %v", report.EntityIDs)
	}
}

func TestCreateDataFlowDuplicateTriple(t *testing.T) {
	op := Operation{
		Kind: KindCreate, Target: TargetDataFlow, DocumentID: "tm1",
		DataFlow: &DataFlowChange{Name: strptr("queries"), SourceID: strptr("c1"), DestinationID: strptr("c2")},
	}
	report := detect(op, baseModel())
	if report.Kind != ConflictDuplicate {
		t.Fatalf("expected duplicate conflict, got %q", report.Kind)
	}
}

func TestCreateDataFlowSameEndpointsDifferentName(t *testing.T) {
	op := Operation{
		Kind: KindCreate, Target: TargetDataFlow, DocumentID: "tm1",
		DataFlow: &DataFlowChange{Name: strptr("replication"), SourceID: strptr("c1"), DestinationID: strptr("c2")},
	}
	if report := detect(op, baseModel()); report.HasConflict() {
		t.Errorf("expected no conflict, got %q", report.Kind)
	}
}

func TestUpdateDataFlowMissingAndConcurrent(t *testing.T) {
	tm := baseModel()
	op := Operation{
		Kind: KindUpdate, Target: TargetDataFlow, DocumentID: "tm1", EntityID: "ghost",
		IssuedAt: time.Now(),
		DataFlow: &DataFlowChange{Name: strptr("x")},
	}
	if report := detect(op, tm); report.Kind != ConflictMissing {
		t.Errorf("expected missing, got %q", report.Kind)
	}

	tm.DataFlows["f1"].LastModified = time.Now()
	op.EntityID = "f1"
	op.IssuedAt = time.Now().Add(-time.Minute)
	if report := detect(op, tm); report.Kind != ConflictConcurrent {
		t.Errorf("expected concurrent_modification, got %q", report.Kind)
	}
}

func TestCreateThreatMissingComponent(t *testing.T) {
	op := Operation{
		Kind: KindCreate, Target: TargetThreat, DocumentID: "tm1",
		Threat: &ThreatChange{Name: strptr("Spoofing"), AffectedComponentIDs: []string{"c1", "ghost"}},
	}
	report := detect(op, baseModel())
	if report.Kind != ConflictMissing {
		t.Fatalf("expected missing conflict, got %q", report.Kind)
	}
}

func TestCreateThreatDuplicateOverlappingSet(t *testing.T) {
	op := Operation{
		Kind: KindCreate, Target: TargetThreat, DocumentID: "tm1",
		Threat: &ThreatChange{Name: strptr("sql injection"), AffectedComponentIDs: []string{"c2"}},
	}
	report := detect(op, baseModel())
	if report.Kind != ConflictDuplicate {
		t.Fatalf("expected duplicate conflict, got %q", report.Kind)
	}
}

func TestCreateThreatSameNameDisjointSet(t *testing.T) {
	op := Operation{
		Kind: KindCreate, Target: TargetThreat, DocumentID: "tm1",
		Threat: &ThreatChange{Name: strptr("SQL Injection"), AffectedComponentIDs: []string{"c1"}},
	}
	if report := detect(op, baseModel()); report.HasConflict() {
		t.Errorf("expected no conflict for disjoint affected set, got %q", report.Kind)
	}
}

func TestUpdateThreatChecks(t *testing.T) {
	tm := baseModel()
	op := Operation{
		Kind: KindUpdate, Target: TargetThreat, DocumentID: "tm1", EntityID: "ghost",
		IssuedAt: time.Now(),
		Threat:   &ThreatChange{Severity: strptr("high")},
	}
	if report := detect(op, tm); report.Kind != ConflictMissing {
		t.Errorf("expected missing, got %q", report.Kind)
	}

	tm.Threats["t1"].LastModified = time.Now()
	op.EntityID = "t1"
	op.IssuedAt = time.Now().Add(-time.Minute)
	if report := detect(op, tm); report.Kind != ConflictConcurrent {
		t.Errorf("expected concurrent_modification, got %q", report.Kind)
	}
}

func TestDeleteDataFlowAndThreatHaveNoChecks(t *testing.T) {
	for _, target := range []Target{TargetDataFlow, TargetThreat} {
		op := Operation{Kind: KindDelete, Target: target, DocumentID: "tm1", EntityID: "anything"}
		if report := detect(op, baseModel()); report.HasConflict() {
			t.Errorf("delete %s: expected no conflict, got %q", target, report.Kind)
		}
	}
}

func TestDetectorsDoNotMutate(t *testing.T) {
	tm := baseModel()
	before := len(tm.Components)
	op := Operation{
		Kind: KindCreate, Target: TargetComponent, DocumentID: "tm1",
		Component: &ComponentChange{Name: strptr("Cache"), Position: posptr(40, 30)},
	}
	_ = detect(op, tm)
	if len(tm.Components) != before {
		t.Error("detector mutated the model")
	}
}

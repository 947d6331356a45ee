package store

import "time"

// ThreatModel is the authoritative shared state of one document. It is always
// re-read from Postgres before a mutation; gateway processes never hold it in
// memory across requests.
type ThreatModel struct {
	ID         string                `json:"id"`
	Name       string                `json:"name"`
	Components map[string]*Component `json:"components"`
	DataFlows  map[string]*DataFlow  `json:"dataFlows"`
	Threats    map[string]*Threat    `json:"threats"`
	UpdatedAt  time.Time             `json:"updatedAt"`
}

type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type Component struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Type         string    `json:"type,omitempty"`
	Position     Position  `json:"position"`
	LastModified time.Time `json:"lastModified"`
}

type DataFlow struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	SourceID      string    `json:"sourceId"`
	DestinationID string    `json:"destinationId"`
	LastModified  time.Time `json:"lastModified"`
}

type Threat struct {
	ID                   string    `json:"id"`
	Name                 string    `json:"name"`
	Severity             string    `json:"severity,omitempty"`
	Description          string    `json:"description,omitempty"`
	AffectedComponentIDs []string  `json:"affectedComponentIds"`
	LastModified         time.Time `json:"lastModified"`
}

// Comment is a discussion note anchored to an element of a threat model.
// Comments flow through the presence path but are persisted for search.
type Comment struct {
	ID            string    `json:"id"`
	ThreatModelID string    `json:"threatModelId"`
	ElementID     string    `json:"elementId"`
	AuthorID      string    `json:"authorId"`
	AuthorName    string    `json:"authorName"`
	Content       string    `json:"content"`
	Position      *Position `json:"position,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Clone returns a deep copy the conflict engine can mutate before persisting.
func (tm *ThreatModel) Clone() *ThreatModel {
	out := &ThreatModel{
		ID:         tm.ID,
		Name:       tm.Name,
		Components: make(map[string]*Component, len(tm.Components)),
		DataFlows:  make(map[string]*DataFlow, len(tm.DataFlows)),
		Threats:    make(map[string]*Threat, len(tm.Threats)),
		UpdatedAt:  tm.UpdatedAt,
	}
	for id, c := range tm.Components {
		cc := *c
		out.Components[id] = &cc
	}
	for id, f := range tm.DataFlows {
		ff := *f
		out.DataFlows[id] = &ff
	}
	for id, th := range tm.Threats {
		tt := *th
		tt.AffectedComponentIDs = append([]string(nil), th.AffectedComponentIDs...)
		out.Threats[id] = &tt
	}
	return out
}

package event

import (
	"fmt"
	"strings"
)

// Aggregate is a parsed aggregate id.
type Aggregate struct {
	Kind string
	ID   string
}

// ParseAggregate splits "<kind>/<id>". Both parts must be non-empty.
func ParseAggregate(s string) (Aggregate, error) {
	kind, id, ok := strings.Cut(s, "/")
	if !ok || strings.TrimSpace(kind) == "" || strings.TrimSpace(id) == "" {
		return Aggregate{}, fmt.Errorf("aggregate id %q: want <kind>/<id>", s)
	}
	return Aggregate{Kind: kind, ID: id}, nil
}

// String renders the aggregate id.
func (a Aggregate) String() string {
	return a.Kind + "/" + a.ID
}

// AggregateID builds "<kind>/<id>".
func AggregateID(kind, id string) string {
	return Aggregate{Kind: kind, ID: id}.String()
}

package client

import "time"

// Names of the external systems, also used as breaker names
const (
	SystemManufacturing = "manufacturing"
	SystemAccounting    = "accounting"
)

// Entity is a record as seen by one external system
type Entity struct {
	Key       string         // external reference key shared by both systems, e.g. SKU
	ID        string         // identifier local to the owning system
	Fields    map[string]any // canonical field name → value
	UpdatedAt time.Time
}

// Clone returns a copy whose Fields map can be modified independently
func (e Entity) Clone() Entity {
	out := e
	out.Fields = make(map[string]any, len(e.Fields))
	for k, v := range e.Fields {
		out.Fields[k] = v
	}
	return out
}

// PushResult is the aggregate outcome of a batch push
type PushResult struct {
	Accepted int
	Message  string
}

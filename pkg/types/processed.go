package types

import "time"

// State is the outcome of transforming one item.
type State string

const (
	StateSuccessful State = "successful"
	StateFailed     State = "failed"
)

// ProcessedDocument is the result of a per-item transform. It is produced for
// every item, failures included.
type ProcessedDocument struct {
	Key         any           `json:"key"`
	LastUpdated time.Time     `json:"last_updated"`
	State       State         `json:"state"`
	Error       string        `json:"error,omitempty"`
	ProcessTime time.Duration `json:"process_time"`
	Fields      Document      `json:"fields,omitempty"`
}

// Failed reports whether the transform failed.
func (p ProcessedDocument) Failed() bool {
	return p.State == StateFailed
}

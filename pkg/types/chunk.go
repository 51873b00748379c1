package types

import "time"

// QueryOverlay restricts a builder to a subset of keys: {key_field: {"in": [...]}}.
type QueryOverlay = Query

// KeyOverlay builds the overlay selecting exactly keys.
func KeyOverlay(keyField string, keys []any) QueryOverlay {
	in := make([]any, len(keys))
	copy(in, keys)
	return QueryOverlay{keyField: map[string]any{OpIn: in}}
}

// OverlayKeys extracts the key list of an overlay built by KeyOverlay.
func OverlayKeys(overlay QueryOverlay, keyField string) ([]any, bool) {
	cond, ok := overlay[keyField].(map[string]any)
	if !ok {
		return nil, false
	}
	keys, ok := cond[OpIn].([]any)
	return keys, ok
}

// Chunk is one unit of distributable work.
type Chunk struct {
	WorkIndex   int          `json:"work_index"`
	Overlay     QueryOverlay `json:"overlay"`
	Distributed bool         `json:"distributed"`
	Completed   bool         `json:"completed"`
}

// WorkerRecord is the manager's view of one worker.
type WorkerRecord struct {
	Identity   string    `json:"identity"`
	Hostname   string    `json:"hostname"`
	Working    bool      `json:"working"`
	Heartbeats int       `json:"heartbeats"`
	LastPing   time.Time `json:"last_ping"`
	WorkIndex  int       `json:"work_index"`
}

package cache

import (
	"encoding/json"
	"time"
)

// Entry is a stored aggregate result. Entries are written wholesale on a
// successful aggregation and never partially updated; expiry is enforced
// by the backend TTL, not by the application.
type Entry struct {
	// Payload is the opaque serialized aggregate
	Payload json.RawMessage `json:"payload"`

	// StoredAt is when the entry was written
	StoredAt time.Time `json:"stored_at"`
}

// Age returns how long ago the entry was stored.
func (e *Entry) Age() time.Duration {
	return time.Since(e.StoredAt)
}

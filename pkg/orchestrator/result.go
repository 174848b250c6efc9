package orchestrator

import "encoding/json"

// Provenance tags where a returned field came from. It is preserved end to
// end so callers can tell a degraded response from a fully live one.
type Provenance string

const (
	// ProvenanceCache means the field was served from a fresh cache entry.
	ProvenanceCache Provenance = "cache"

	// ProvenanceLive means the field came from a live warehouse query.
	ProvenanceLive Provenance = "live"

	// ProvenanceFallback means the field was substituted after a timeout
	// or failure.
	ProvenanceFallback Provenance = "fallback"
)

// Field is one logical field of an aggregate result.
type Field struct {
	// Value is the field payload; nil when the field hard-failed
	Value json.RawMessage

	// Provenance is set for resolved fields
	Provenance Provenance

	// Err is set for fields that failed with no fallback available
	Err error
}

// Result is the orchestrator's output: every requested field exactly once,
// each tagged with its provenance or its failure.
type Result struct {
	// Endpoint is the logical endpoint identifier
	Endpoint string

	// Key is the derived cache key
	Key string

	// Fields maps logical field names to values and provenance
	Fields map[string]Field
}

// Degraded reports whether any field was served from a fallback or failed.
func (r *Result) Degraded() bool {
	for _, f := range r.Fields {
		if f.Err != nil || f.Provenance == ProvenanceFallback {
			return true
		}
	}
	return false
}

// LiveCount returns the number of fields that came from live queries.
func (r *Result) LiveCount() int {
	n := 0
	for _, f := range r.Fields {
		if f.Provenance == ProvenanceLive {
			n++
		}
	}
	return n
}

// FailedFields returns the names of fields that hard-failed.
func (r *Result) FailedFields() []string {
	var names []string
	for name, f := range r.Fields {
		if f.Err != nil {
			names = append(names, name)
		}
	}
	return names
}

package resource

import (
	"encoding/json"
	"time"
)

// Cached is the single stored row of a (domain id, kind) pair.
type Cached struct {
	DomainID string `json:"domain_id"`
	Kind     Kind   `json:"kind"`

	// Payload is the normalized data, or nil.
	Payload []byte `json:"payload,omitempty"`

	// DefinitivelyAbsent is true only when the upstream authoritatively
	// reported that the data does not exist.
	DefinitivelyAbsent bool `json:"definitively_absent"`

	FetchedAt time.Time `json:"fetched_at"`
	ExpiresAt time.Time `json:"expires_at"`

	// SourceLabel names the fetch path that produced the row. Diagnostic only.
	SourceLabel string `json:"source_label,omitempty"`
}

// Fresh reports whether now is before ExpiresAt.
func (c *Cached) Fresh(now time.Time) bool {
	return now.Before(c.ExpiresAt)
}

// Usable reports whether c can be served as a cache hit.
func (c *Cached) Usable(now time.Time) bool {
	return c.Fresh(now) && (len(c.Payload) > 0 || c.DefinitivelyAbsent)
}

// Clone returns a deep copy of c.
func (c *Cached) Clone() *Cached {
	n := *c
	if c.Payload != nil {
		n.Payload = make([]byte, len(c.Payload))
		copy(n.Payload, c.Payload)
	}
	return &n
}

// ErrorPayload is stored for permanent failures that are not an
// authoritative absence, e.g. a failed TLS handshake.
type ErrorPayload struct {
	Error  Reason `json:"error"`
	Detail string `json:"detail,omitempty"`
}

// FailureReason returns the reason of an ErrorPayload row. Success payloads
// never carry a top level "error" field.
func (c *Cached) FailureReason() (Reason, bool) {
	if len(c.Payload) == 0 || c.Payload[0] != '{' {
		return "", false
	}
	var p ErrorPayload
	if err := json.Unmarshal(c.Payload, &p); err != nil || p.Error == "" {
		return "", false
	}
	return p.Error, true
}

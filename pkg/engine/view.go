package engine

import (
	"fmt"

	"github.com/domainscope/domainscope/pkg/resource"
)

// State is what a caller may show for one (domain, kind).
type State uint8

const (
	// StateFresh carries usable data.
	StateFresh State = iota + 1
	// StateAbsent is a cached authoritative "does not exist".
	StateAbsent
	// StateFailed is a cached permanent failure.
	StateFailed
	// StatePending means no usable data yet. Resource may hold stale data.
	StatePending
)

var stateNames = [...]string{
	StateFresh:   "fresh",
	StateAbsent:  "absent",
	StateFailed:  "failed",
	StatePending: "pending",
}

func (s State) String() string {
	if s == 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", uint8(s))
	}
	return stateNames[s]
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

type View struct {
	Domain   string           `json:"domain"`
	Kind     resource.Kind    `json:"kind"`
	State    State            `json:"state"`
	Reason   resource.Reason  `json:"reason,omitempty"`
	Resource *resource.Cached `json:"resource,omitempty"`
}

// viewOf presents a stored row that the store reported as a hit.
func viewOf(domain string, kind resource.Kind, r *resource.Cached) View {
	v := View{Domain: domain, Kind: kind, State: StateFresh, Resource: r}
	switch {
	case r.DefinitivelyAbsent:
		v.State = StateAbsent
	default:
		if reason, ok := r.FailureReason(); ok {
			v.State = StateFailed
			v.Reason = reason
		}
	}
	return v
}

func pendingView(domain string, kind resource.Kind, stale *resource.Cached, reason resource.Reason) View {
	return View{Domain: domain, Kind: kind, State: StatePending, Reason: reason, Resource: stale}
}

package workflow

import (
	"fmt"
	"strconv"
)

// Keys the engine itself writes into instance state.
const (
	KeyError           = "error"
	KeyFailedNode      = "failed_node"
	KeyInterruptReason = "interrupt_reason"
)

// State is the mutable data of a workflow instance. It round-trips through
// JSON checkpoints, so numbers read back as float64; use the typed getters.
type State map[string]any

// Merge copies every key of partial into s.
func (s State) Merge(partial State) {
	for k, v := range partial {
		s[k] = v
	}
}

func (s State) Clone() State {
	out := make(State, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

func (s State) String(key string) string {
	switch v := s[key].(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

func (s State) Bool(key string) bool {
	switch v := s[key].(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	}
	return false
}

func (s State) Int(key string) int {
	switch v := s[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		n, _ := strconv.Atoi(v)
		return n
	}
	return 0
}

// Err returns the recorded node error, if any.
func (s State) Err() string { return s.String(KeyError) }

// RouteContext is handed to routers. It exposes the instance state and the
// loop counters.
type RouteContext struct {
	InstanceID string
	Node       string
	State      State

	counters map[string]int
	bounds   map[string]int
	misuse   error
}

// Iterate records one more pass through loop. It returns false once the
// counter has reached the loop's bound; the router must then take its
// forward-progress edge.
func (rc *RouteContext) Iterate(loop string) bool {
	bound, ok := rc.bounds[loop]
	if !ok {
		if rc.misuse == nil {
			rc.misuse = fmt.Errorf("%w: loop %q not declared", ErrLoopBoundViolated, loop)
		}
		return false
	}
	if rc.counters[loop] >= bound {
		return false
	}
	rc.counters[loop]++
	return true
}

// Count returns how many iterations of loop were taken.
func (rc *RouteContext) Count(loop string) int { return rc.counters[loop] }

// Remaining returns the iterations of loop still available.
func (rc *RouteContext) Remaining(loop string) int {
	return rc.bounds[loop] - rc.counters[loop]
}

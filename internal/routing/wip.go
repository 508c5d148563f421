package routing

import (
	"fmt"
	"math"
	"sync"

	"github.com/ChuLiYu/agentfleet/pkg/types"
)

// WIPProvider reports the free work-in-progress slots of a role. Zero or
// less blocks delegation.
type WIPProvider interface {
	Available(role types.Role) int
}

// InProgressCounter counts the tasks a role currently holds.
// tasks.Ledger implements it.
type InProgressCounter interface {
	InProgress(role types.Role) int
}

// Unlimited is reported for roles without a configured limit.
const Unlimited = math.MaxInt32

// TaskWIP derives free slots from per-role limits and the task ledger.
// Limits can be swapped at runtime for config hot reload.
//
// Available is a snapshot and only suitable for the routing gate. Callers
// that create tasks take a slot with Reserve, which checks and counts the
// slot under one lock and holds it until the task shows up in the ledger.
type TaskWIP struct {
	mu       sync.RWMutex
	limits   map[types.Role]int
	reserved map[types.Role]int
	counter  InProgressCounter
}

func NewTaskWIP(counter InProgressCounter, limits map[types.Role]int) *TaskWIP {
	w := &TaskWIP{counter: counter, reserved: make(map[types.Role]int)}
	w.SetLimits(limits)
	return w
}

// SetLimits replaces the per-role limits.
func (w *TaskWIP) SetLimits(limits map[types.Role]int) {
	cp := make(map[types.Role]int, len(limits))
	for r, n := range limits {
		cp[r] = n
	}
	w.mu.Lock()
	w.limits = cp
	w.mu.Unlock()
}

// Limit returns the configured limit for role.
func (w *TaskWIP) Limit(role types.Role) (int, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	n, ok := w.limits[role]
	return n, ok
}

func (w *TaskWIP) Available(role types.Role) int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.available(role)
}

// Reserve takes one slot of role. ok is false when none is free. The
// returned release must be called once the task was created (or was not),
// and is safe to call more than once.
func (w *TaskWIP) Reserve(role types.Role) (release func(), ok bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.available(role) <= 0 {
		return func() {}, false
	}
	w.reserved[role]++
	var once sync.Once
	return func() {
		once.Do(func() {
			w.mu.Lock()
			w.reserved[role]--
			w.mu.Unlock()
		})
	}, true
}

func (w *TaskWIP) available(role types.Role) int {
	limit, ok := w.limits[role]
	if !ok {
		return Unlimited
	}
	return limit - w.counter.InProgress(role) - w.reserved[role]
}

// WIPBlockedMessage is the reply sent when role has no free slot.
func WIPBlockedMessage(role types.Role) string {
	return fmt.Sprintf("The %s queue is full right now. I have noted your request "+
		"and will help directly in the meantime.", role)
}

// StaticWIP is a fixed table of free slots. Roles not listed are unlimited.
type StaticWIP map[types.Role]int

func (s StaticWIP) Available(role types.Role) int {
	if n, ok := s[role]; ok {
		return n
	}
	return Unlimited
}

package routing

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/google/uuid"

	"github.com/ChuLiYu/agentfleet/pkg/types"
)

var ErrDeliverableNotFound = errors.New("deliverable not found")

// Deliverable is a long-lived artifact a role produced for a project, such as
// a requirements document other work depends on.
type Deliverable struct {
	ID             string     `json:"id"`
	ProjectID      string     `json:"project_id"`
	Role           types.Role `json:"role"`
	Title          string     `json:"title"`
	Summary        string     `json:"summary,omitempty"`
	DependentCount int        `json:"dependent_count"`
	Archived       bool       `json:"archived"`
	CreatedAt      time.Time  `json:"created_at"`
}

// DeliverableStore finds and archives deliverables.
type DeliverableStore interface {
	Active(ctx context.Context, projectID string, role types.Role) (*Deliverable, error)
	Archive(ctx context.Context, id string) error
}

// DomainChecker decides whether a message belongs to the same domain as an
// existing deliverable.
type DomainChecker interface {
	SameDomain(ctx context.Context, existing Deliverable, msg types.Message) (bool, error)
}

// MemoryDeliverables is an in-process DeliverableStore.
type MemoryDeliverables struct {
	mu    sync.RWMutex
	items map[string]*Deliverable
}

func NewMemoryDeliverables() *MemoryDeliverables {
	return &MemoryDeliverables{items: make(map[string]*Deliverable)}
}

// Put stores d, archiving any active deliverable of the same project and role.
func (m *MemoryDeliverables) Put(d Deliverable) Deliverable {
	m.mu.Lock()
	defer m.mu.Unlock()

	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	for _, other := range m.items {
		if other.ProjectID == d.ProjectID && other.Role == d.Role && !other.Archived {
			other.Archived = true
		}
	}
	cp := d
	m.items[d.ID] = &cp
	return d
}

func (m *MemoryDeliverables) Active(ctx context.Context, projectID string, role types.Role) (*Deliverable, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var found *Deliverable
	for _, d := range m.items {
		if d.ProjectID != projectID || d.Role != role || d.Archived {
			continue
		}
		if found == nil || d.CreatedAt.After(found.CreatedAt) {
			found = d
		}
	}
	if found == nil {
		return nil, nil
	}
	cp := *found
	return &cp, nil
}

func (m *MemoryDeliverables) Archive(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.items[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrDeliverableNotFound, id)
	}
	d.Archived = true
	return nil
}

// List returns every deliverable of a project, newest first.
func (m *MemoryDeliverables) List(projectID string) []Deliverable {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Deliverable
	for _, d := range m.items {
		if d.ProjectID == projectID {
			out = append(out, *d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// OverlapDomainChecker compares content words of the deliverable title and
// summary against the message using the overlap coefficient
// |A∩B| / min(|A|,|B|).
type OverlapDomainChecker struct {
	Threshold float64 // default 0.25
}

func (c OverlapDomainChecker) SameDomain(ctx context.Context, existing Deliverable, msg types.Message) (bool, error) {
	threshold := c.Threshold
	if threshold <= 0 {
		threshold = 0.25
	}
	a := contentWords(existing.Title + " " + existing.Summary)
	b := contentWords(msg.Content)
	if len(a) == 0 || len(b) == 0 {
		return true, nil
	}
	shared := 0
	for w := range a {
		if _, ok := b[w]; ok {
			shared++
		}
	}
	smaller := len(a)
	if len(b) < smaller {
		smaller = len(b)
	}
	return float64(shared)/float64(smaller) >= threshold, nil
}

var stopWords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {}, "but": {}, "by": {},
	"can": {}, "do": {}, "for": {}, "from": {}, "has": {}, "have": {}, "i": {}, "in": {}, "is": {},
	"it": {}, "its": {}, "me": {}, "my": {}, "need": {}, "new": {}, "of": {}, "on": {}, "or": {},
	"our": {}, "please": {}, "should": {}, "so": {}, "that": {}, "the": {}, "this": {}, "to": {},
	"up": {}, "want": {}, "we": {}, "with": {}, "would": {}, "you": {}, "your": {},
}

func contentWords(s string) map[string]struct{} {
	words := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := make(map[string]struct{}, len(words))
	for _, w := range words {
		if len(w) < 3 {
			continue
		}
		if _, stop := stopWords[w]; stop {
			continue
		}
		out[strings.TrimSuffix(w, "s")] = struct{}{}
	}
	return out
}

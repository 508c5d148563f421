package bus

import (
	"context"
	"sync"

	"github.com/ChuLiYu/agentfleet/pkg/types"
)

// Dedup wraps h so that an event id already handled successfully is skipped.
// The window bounds how many ids are remembered; the oldest id is evicted
// first. Failed deliveries are not remembered and will be processed again.
func Dedup(h Handler, window int) Handler {
	if window <= 0 {
		window = 4096
	}
	d := &deduper{
		seen:  make(map[string]struct{}, window),
		order: make([]string, window),
	}
	return func(ctx context.Context, ev types.Event) error {
		if d.contains(ev.ID) {
			return nil
		}
		if err := h(ctx, ev); err != nil {
			return err
		}
		d.add(ev.ID)
		return nil
	}
}

type deduper struct {
	mu    sync.Mutex
	seen  map[string]struct{}
	order []string // ring buffer of remembered ids
	next  int
}

func (d *deduper) contains(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.seen[id]
	return ok
}

func (d *deduper) add(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.seen[id]; ok {
		return
	}
	if old := d.order[d.next]; old != "" {
		delete(d.seen, old)
	}
	d.order[d.next] = id
	d.seen[id] = struct{}{}
	d.next = (d.next + 1) % len(d.order)
}

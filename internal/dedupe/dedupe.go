// ABOUTME: TTL-bounded replay guard for wire events delivered at-least-once.
// ABOUTME: Keys by (projectId, messageId) so echoed or redelivered events are dropped once.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// Guard tracks recently observed message ids per project so that
// at-least-once transport delivery never double-processes an event.
// Entries expire after a TTL and the guard is size-capped with
// oldest-first eviction, so an agent that runs for weeks on a busy
// channel holds a bounded working set.
type Guard struct {
	mu      sync.Mutex
	seen    map[string]*entry
	order   *list.List // keys oldest-first
	ttl     time.Duration
	maxSize int
	done    chan struct{}
	closed  bool
}

type entry struct {
	at   time.Time
	elem *list.Element
}

// NewGuard creates a replay guard. A background goroutine sweeps expired
// entries; call Close to stop it.
func NewGuard(ttl time.Duration, maxSize int) *Guard {
	g := &Guard{
		seen:    make(map[string]*entry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	go g.sweep()
	return g
}

// Observe atomically records that the message was seen and reports
// whether it had already been seen within the TTL. The single
// check-and-mark call avoids the race a separate check would open
// between two deliveries of the same event.
func (g *Guard) Observe(projectID, messageID string) bool {
	key := projectID + "\x00" + messageID

	g.mu.Lock()
	defer g.mu.Unlock()

	if e, ok := g.seen[key]; ok && time.Since(e.at) < g.ttl {
		return true
	}

	g.mark(key)
	return false
}

// mark records a key, evicting the oldest entry at capacity. Caller
// holds mu.
func (g *Guard) mark(key string) {
	now := time.Now()

	if e, ok := g.seen[key]; ok {
		e.at = now
		g.order.MoveToBack(e.elem)
		return
	}

	if len(g.seen) >= g.maxSize {
		if front := g.order.Front(); front != nil {
			oldest, _ := front.Value.(string)
			g.order.Remove(front)
			delete(g.seen, oldest)
		}
	}

	g.seen[key] = &entry{at: now, elem: g.order.PushBack(key)}
}

// Len returns the number of live entries, expired or not.
func (g *Guard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.seen)
}

func (g *Guard) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			g.mu.Lock()
			now := time.Now()
			for key, e := range g.seen {
				if now.Sub(e.at) > g.ttl {
					g.order.Remove(e.elem)
					delete(g.seen, key)
				}
			}
			g.mu.Unlock()
		case <-g.done:
			return
		}
	}
}

// Close stops the background sweeper. Safe to call more than once.
func (g *Guard) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.closed {
		close(g.done)
		g.closed = true
	}
}

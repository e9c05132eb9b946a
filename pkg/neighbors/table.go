// Package neighbors keeps a small last-seen table of remote addresses
// heard on the attached links. Entries age out, so the table reflects
// who is actually reachable right now rather than everything ever seen.
package neighbors

import (
    "sort"
    "sync"
    "time"
)

// DefaultTTL evicts a neighbor not heard from within this window.
const DefaultTTL = 60 * time.Second

// Neighbor is one observed remote address.
type Neighbor struct {
    Addr     uint8
    Binding  string
    Packets  uint64
    LastSeen time.Time
}

// Table tracks neighbors with TTL-based eviction. Safe for concurrent
// use; the receive paths of several bindings feed it at once.
type Table struct {
    mu      sync.Mutex
    entries map[uint8]*Neighbor
    ttl     time.Duration

    nowFn   func() time.Time
    closeCh chan struct{}
    wg      sync.WaitGroup
}

func New(ttl time.Duration) *Table {
    if ttl <= 0 {
        ttl = DefaultTTL
    }
    t := &Table{
        entries: make(map[uint8]*Neighbor),
        ttl:     ttl,
        nowFn:   time.Now,
        closeCh: make(chan struct{}),
    }
    t.wg.Add(1)
    go t.sweeper()
    return t
}

// Observe records one packet heard from addr on the named binding. The
// binding recorded is the most recent one, which tracks a neighbor that
// moves between links.
func (t *Table) Observe(addr uint8, binding string) {
    t.mu.Lock()
    defer t.mu.Unlock()
    n, ok := t.entries[addr]
    if !ok {
        n = &Neighbor{Addr: addr}
        t.entries[addr] = n
    }
    n.Binding = binding
    n.Packets++
    n.LastSeen = t.nowFn()
}

// Snapshot returns live neighbors ordered by address.
func (t *Table) Snapshot() []Neighbor {
    cutoff := t.nowFn().Add(-t.ttl)
    t.mu.Lock()
    out := make([]Neighbor, 0, len(t.entries))
    for _, n := range t.entries {
        if n.LastSeen.Before(cutoff) {
            continue
        }
        out = append(out, *n)
    }
    t.mu.Unlock()
    sort.Slice(out, func(i, j int) bool { return out[i].Addr < out[j].Addr })
    return out
}

// Sweep drops entries past their TTL.
func (t *Table) Sweep() {
    cutoff := t.nowFn().Add(-t.ttl)
    t.mu.Lock()
    for addr, n := range t.entries {
        if n.LastSeen.Before(cutoff) {
            delete(t.entries, addr)
        }
    }
    t.mu.Unlock()
}

func (t *Table) sweeper() {
    defer t.wg.Done()
    tick := time.NewTicker(t.ttl / 2)
    defer tick.Stop()
    for {
        select {
        case <-t.closeCh:
            return
        case <-tick.C:
            t.Sweep()
        }
    }
}

// Close stops the sweeper.
func (t *Table) Close() {
    select {
    case <-t.closeCh:
        return
    default:
    }
    close(t.closeCh)
    t.wg.Wait()
}

// Package priocq provides the outbound packet scheduler: strict priority
// between the four CSP classes, deficit round robin between destination
// flows inside a class.
package priocq

import (
    "sync"
    "time"

    "gocsp/pkg/protocol"
)

// Class is a transmit priority class; lower is more urgent. Classes map
// one-to-one onto the header priority field.
type Class int

const (
    Critical Class = iota
    High
    Norm
    Low
    numClasses
)

// ClassOf maps a header priority to its class.
func ClassOf(prio uint8) Class {
    if prio > uint8(Low) {
        return Low
    }
    return Class(prio)
}

// Item is one queued packet plus scheduling metadata.
type Item struct {
    Pkt     *protocol.Packet
    Dest    uint8 // destination address, the DRR flow key
    Size    int
    Arrived time.Time
}

// flow is a DRR queue for one destination address.
type flow struct {
    q       []Item
    deficit int
    quantum int
}

type level struct {
    flows map[uint8]*flow
    order []uint8 // round robin order
    idx   int
}

// Queue: strict priority between levels, DRR within a level. One
// transmit worker per binding drains it.
type Queue struct {
    mu   sync.Mutex
    lvls [numClasses]*level

    sig     chan struct{}
    closeCh chan struct{}
    once    sync.Once
}

func New() *Queue {
    q := &Queue{sig: make(chan struct{}, 1), closeCh: make(chan struct{})}
    for i := range q.lvls {
        q.lvls[i] = &level{flows: make(map[uint8]*flow), order: make([]uint8, 0, 8)}
    }
    return q
}

// Close unblocks any waiting Dequeue.
func (q *Queue) Close() { q.once.Do(func() { close(q.closeCh) }) }

// Enqueue appends an item to its class/flow.
func (q *Queue) Enqueue(it Item) {
    cls := ClassOf(it.Pkt.Header.Prio)
    if it.Size == 0 {
        it.Size = it.Pkt.Len() + 4 // header rides in every frame
    }
    if it.Arrived.IsZero() {
        it.Arrived = time.Now()
    }
    q.mu.Lock()
    lvl := q.lvls[cls]
    f := lvl.flows[it.Dest]
    if f == nil {
        f = &flow{quantum: quantumFor(cls)}
        lvl.flows[it.Dest] = f
        lvl.order = append(lvl.order, it.Dest)
    }
    f.q = append(f.q, it)
    q.mu.Unlock()

    select {
    case q.sig <- struct{}{}:
    default:
    }
}

func quantumFor(c Class) int {
    switch c {
    case Critical:
        return 256 // small command frames, quick turn
    case High:
        return 512
    case Norm:
        return 1024
    default:
        return 4096
    }
}

// Dequeue returns the next item by strict priority and DRR. It blocks
// until an item is available or the queue is closed.
func (q *Queue) Dequeue() (Item, bool) {
    for {
        if it, ok := q.tryPop(); ok {
            return it, true
        }
        select {
        case <-q.closeCh:
            // Drain what is left before giving up.
            if it, ok := q.tryPop(); ok {
                return it, true
            }
            return Item{}, false
        case <-q.sig:
        }
    }
}

func (q *Queue) tryPop() (Item, bool) {
    q.mu.Lock()
    defer q.mu.Unlock()
    for li := 0; li < int(numClasses); li++ {
        lvl := q.lvls[li]
        n := len(lvl.order)
        if n == 0 {
            continue
        }
        // Two passes: the first may only refill deficits.
        for pass := 0; pass < 2; pass++ {
            start := lvl.idx
            for i := 0; i < n; i++ {
                j := (start + i) % n
                f := lvl.flows[lvl.order[j]]
                if f == nil || len(f.q) == 0 {
                    continue
                }
                if f.deficit <= 0 {
                    if pass == 0 {
                        continue
                    }
                    f.deficit += f.quantum
                }
                sz := f.q[0].Size
                if sz > f.deficit && pass == 0 {
                    continue
                }
                it := f.q[0]
                copy(f.q, f.q[1:])
                f.q = f.q[:len(f.q)-1]
                f.deficit -= sz
                lvl.idx = (j + 1) % n
                return it, true
            }
        }
    }
    return Item{}, false
}

// Len reports the total number of queued items.
func (q *Queue) Len() int {
    q.mu.Lock()
    defer q.mu.Unlock()
    n := 0
    for _, lvl := range q.lvls {
        for _, f := range lvl.flows {
            n += len(f.q)
        }
    }
    return n
}

package neighbors

import (
    "testing"
    "time"
)

func TestObserveCountsPackets(t *testing.T) {
    tbl := New(time.Minute)
    defer tbl.Close()
    tbl.Observe(5, "can0")
    tbl.Observe(5, "can0")
    tbl.Observe(9, "radio")

    snap := tbl.Snapshot()
    if len(snap) != 2 { t.Fatalf("snapshot = %+v", snap) }
    if snap[0].Addr != 5 || snap[0].Packets != 2 { t.Fatalf("entry = %+v", snap[0]) }
    if snap[1].Addr != 9 || snap[1].Binding != "radio" { t.Fatalf("entry = %+v", snap[1]) }
}

func TestBindingFollowsNeighbor(t *testing.T) {
    tbl := New(time.Minute)
    defer tbl.Close()
    tbl.Observe(5, "can0")
    tbl.Observe(5, "radio")
    if snap := tbl.Snapshot(); snap[0].Binding != "radio" {
        t.Fatalf("binding = %q", snap[0].Binding)
    }
}

func TestTTLEviction(t *testing.T) {
    tbl := New(time.Minute)
    defer tbl.Close()
    now := time.Now()
    tbl.nowFn = func() time.Time { return now }

    tbl.Observe(5, "can0")
    now = now.Add(2 * time.Minute)
    tbl.Observe(9, "can0")

    // Stale entries are invisible even before a sweep runs.
    if snap := tbl.Snapshot(); len(snap) != 1 || snap[0].Addr != 9 {
        t.Fatalf("snapshot = %+v", snap)
    }

    tbl.Sweep()
    tbl.mu.Lock()
    _, stale := tbl.entries[5]
    _, live := tbl.entries[9]
    tbl.mu.Unlock()
    if stale || !live { t.Fatalf("sweep kept=%v dropped=%v", stale, live) }
}

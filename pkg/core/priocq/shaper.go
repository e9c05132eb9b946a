package priocq

import (
    "sync"
    "time"
)

// TokenBucket paces a binding's transmit worker so a burst of queued
// chunks cannot starve the physical medium (a slow UART in particular).
type TokenBucket struct {
    mu       sync.Mutex
    capacity int64
    tokens   int64
    rate     int64 // bytes per second
    last     time.Time
}

func NewTokenBucket(bytesPerSec, capacity int64) *TokenBucket {
    if capacity <= 0 {
        capacity = bytesPerSec
    }
    return &TokenBucket{capacity: capacity, tokens: capacity, rate: bytesPerSec, last: time.Now()}
}

// Allow tries to consume n tokens; when short it returns how long the
// caller should wait before retrying.
func (b *TokenBucket) Allow(n int64) (ok bool, wait time.Duration) {
    b.mu.Lock()
    defer b.mu.Unlock()
    now := time.Now()
    if b.last.IsZero() {
        b.last = now
    }
    dt := now.Sub(b.last)
    if dt > 0 {
        add := (b.rate * dt.Nanoseconds()) / int64(time.Second)
        if add > 0 {
            b.tokens += add
            if b.tokens > b.capacity {
                b.tokens = b.capacity
            }
            b.last = now
        }
    }
    if b.tokens >= n {
        b.tokens -= n
        return true, 0
    }
    need := n - b.tokens
    return false, time.Duration((need * int64(time.Second)) / b.rate)
}

package router

import (
    "errors"
    "fmt"
    "sync"

    "gocsp/pkg/protocol"
    "gocsp/pkg/transport"
)

// Routes maps destination addresses to outgoing bindings, with an
// optional default route for everything not listed.
type Routes struct {
    mu    sync.RWMutex
    byDst map[uint8]transport.Binding
    def   transport.Binding
}

func NewRoutes() *Routes {
    return &Routes{byDst: make(map[uint8]transport.Binding)}
}

// Set installs a route for one destination address.
func (r *Routes) Set(dst uint8, b transport.Binding) error {
    if dst > protocol.HostMax {
        return fmt.Errorf("route destination %d: %w", dst, protocol.ErrFieldOverflow)
    }
    if b == nil {
        return errors.New("router: nil binding for route")
    }
    r.mu.Lock()
    defer r.mu.Unlock()
    r.byDst[dst] = b
    return nil
}

// SetDefault installs the fallback route.
func (r *Routes) SetDefault(b transport.Binding) {
    r.mu.Lock()
    defer r.mu.Unlock()
    r.def = b
}

// Resolve picks the binding for a destination, nil when unroutable.
func (r *Routes) Resolve(dst uint8) transport.Binding {
    r.mu.RLock()
    defer r.mu.RUnlock()
    if b, ok := r.byDst[dst]; ok {
        return b
    }
    return r.def
}

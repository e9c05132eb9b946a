// Package stack ties the header codec, fragment assembler, transport
// bindings, socket table and services into one explicit instance. There
// is no ambient global state; independent stacks coexist in one process.
package stack

import (
    "errors"
    "fmt"
    "sync"
    "time"

    "go.uber.org/zap"

    "gocsp/pkg/core/priocq"
    "gocsp/pkg/fragment"
    "gocsp/pkg/neighbors"
    "gocsp/pkg/observability"
    "gocsp/pkg/protocol"
    "gocsp/pkg/router"
    "gocsp/pkg/security"
    "gocsp/pkg/socket"
    "gocsp/pkg/transport"
)

// ErrNoRoute reports a destination with no binding to carry it.
var ErrNoRoute = errors.New("stack: no route to destination")

// ErrStackClosed reports use after Close.
var ErrStackClosed = errors.New("stack: closed")

// Retry tunes backoff when a binding reports a busy transmit slot.
type Retry struct {
    BackoffInitial time.Duration
    BackoffMax     time.Duration
    MaxAttempts    int
}

func (r *Retry) withDefaults() Retry {
    res := *r
    if res.BackoffInitial <= 0 {
        res.BackoffInitial = 2 * time.Millisecond
    }
    if res.BackoffMax <= 0 {
        res.BackoffMax = 100 * time.Millisecond
    }
    if res.MaxAttempts <= 0 {
        res.MaxAttempts = 8
    }
    return res
}

// Config assembles one stack instance.
type Config struct {
    // Address is this node's CSP address (0..protocol.HostMax).
    Address uint8
    // Fragment tunes reassembly; see fragment.Config.
    Fragment fragment.Config
    // BufferCount/BufferSize size the packet pool backing the port-5
    // report and inbound reassembly handoff.
    BufferCount int
    BufferSize  int
    // Security supplies keys; ApplyFlags names the treatments stamped
    // on every locally originated packet (FlagCRC32|FlagHMAC|FlagXTEA).
    Security   security.Config
    ApplyFlags uint8
    // Retry paces busy transmit slots.
    Retry Retry
    // RateBytesPerSec optionally shapes each binding's transmit worker;
    // zero disables shaping.
    RateBytesPerSec int64
    // NeighborTTL ages out entries in the last-seen neighbor table;
    // zero picks neighbors.DefaultTTL.
    NeighborTTL time.Duration
}

type bindingState struct {
    b      transport.Binding
    q      *priocq.Queue
    shaper *priocq.TokenBucket
}

// Stack is one protocol instance.
type Stack struct {
    addr  uint8
    table *router.Table
    routes *router.Routes
    asm   *fragment.Assembler
    pool  *protocol.Pool
    suite *security.Suite
    nbr   *neighbors.Table

    applyFlags uint8
    retry      Retry
    rate       int64

    mu       sync.Mutex
    bindings map[string]*bindingState
    closed   bool

    wg      sync.WaitGroup
    closeCh chan struct{}
}

// New builds a stack. Attach bindings and routes afterwards, then the
// instance is live; there is no separate start step.
func New(cfg Config) (*Stack, error) {
    if cfg.Address > protocol.HostMax {
        return nil, fmt.Errorf("stack address %d: %w", cfg.Address, protocol.ErrFieldOverflow)
    }
    suite, err := security.NewSuite(cfg.Security)
    if err != nil {
        return nil, err
    }
    if cfg.BufferSize <= 0 {
        cfg.BufferSize = cfg.Fragment.MaxPayload
    }
    if cfg.BufferSize <= 0 {
        cfg.BufferSize = 1 << 16
    }
    pool := protocol.NewPool(cfg.BufferCount, cfg.BufferSize)
    // Inbound packets live in pooled buffers: sessions hold one while
    // reassembling and listeners Free() what they are handed, so the
    // port-5 report tracks real occupancy.
    fcfg := cfg.Fragment
    fcfg.Buffers = pool
    s := &Stack{
        addr:       cfg.Address,
        table:      router.NewTable(),
        routes:     router.NewRoutes(),
        asm:        fragment.New(fcfg),
        pool:       pool,
        suite:      suite,
        nbr:        neighbors.New(cfg.NeighborTTL),
        applyFlags: cfg.ApplyFlags,
        retry:      cfg.Retry.withDefaults(),
        rate:       cfg.RateBytesPerSec,
        bindings:   make(map[string]*bindingState),
        closeCh:    make(chan struct{}),
    }
    return s, nil
}

// Address returns the local CSP address.
func (s *Stack) Address() uint8 { return s.addr }

// Table exposes the port table (service registration needs it).
func (s *Stack) Table() *router.Table { return s.table }

// Pool exposes the packet buffer pool (port-5 report).
func (s *Stack) Pool() *protocol.Pool { return s.pool }

// Routes exposes the address route table.
func (s *Stack) Routes() *router.Routes { return s.routes }

// Neighbors snapshots the addresses recently heard on attached links.
func (s *Stack) Neighbors() []neighbors.Neighbor { return s.nbr.Snapshot() }

// Attach registers a binding, starts its receive loop and transmit
// worker, and makes it routable.
func (s *Stack) Attach(b transport.Binding) error {
    s.mu.Lock()
    defer s.mu.Unlock()
    if s.closed {
        return ErrStackClosed
    }
    if _, ok := s.bindings[b.Name()]; ok {
        return fmt.Errorf("stack: binding %q already attached", b.Name())
    }
    bs := &bindingState{b: b, q: priocq.New()}
    if s.rate > 0 {
        bs.shaper = priocq.NewTokenBucket(s.rate, 2*s.rate)
    }
    s.bindings[b.Name()] = bs
    s.wg.Add(2)
    go s.recvLoop(bs)
    go s.sendLoop(bs)
    zap.L().Info("binding attached",
        zap.String("binding", b.Name()), zap.Stringer("kind", b.Kind()), zap.Int("mtu", b.MTU()))
    return nil
}

// Binding returns an attached binding by name, nil if unknown.
func (s *Stack) Binding(name string) transport.Binding {
    s.mu.Lock()
    defer s.mu.Unlock()
    if bs, ok := s.bindings[name]; ok {
        return bs.b
    }
    return nil
}

// Listen binds a listener socket on a port (protocol.PortAny for the
// wildcard) with the given option policy.
func (s *Stack) Listen(port uint8, opts socket.Options, l socket.Listener) (*socket.Socket, error) {
    sk, err := socket.New(port, opts, l)
    if err != nil {
        return nil, err
    }
    if err := s.table.Bind(sk); err != nil {
        return nil, err
    }
    return sk, nil
}

// Send transmits a locally originated packet. The source address is
// stamped, configured security treatments are applied, then the packet
// is queued on the route for its destination. Chunking to the binding
// MTU happens at transmit time so chunks of one packet never interleave
// with another's on the wire.
func (s *Stack) Send(p *protocol.Packet) error {
    select {
    case <-s.closeCh:
        return ErrStackClosed
    default:
    }
    p.Header.Src = s.addr
    if _, err := p.Header.Encode(); err != nil {
        return err
    }
    if s.applyFlags != 0 {
        if err := s.suite.Apply(p, s.applyFlags); err != nil {
            return err
        }
    }
    return s.enqueue(p)
}

func (s *Stack) enqueue(p *protocol.Packet) error {
    b := s.routes.Resolve(p.Header.Dst)
    if b == nil {
        return fmt.Errorf("destination %d: %w", p.Header.Dst, ErrNoRoute)
    }
    s.mu.Lock()
    bs := s.bindings[b.Name()]
    s.mu.Unlock()
    if bs == nil {
        return fmt.Errorf("route to %d names detached binding %q: %w", p.Header.Dst, b.Name(), ErrNoRoute)
    }
    bs.q.Enqueue(priocq.Item{Pkt: p, Dest: p.Header.Dst})
    return nil
}

// Close stops all workers and detaches the bindings.
func (s *Stack) Close() {
    s.mu.Lock()
    if s.closed {
        s.mu.Unlock()
        return
    }
    s.closed = true
    bindings := make([]*bindingState, 0, len(s.bindings))
    for _, bs := range s.bindings {
        bindings = append(bindings, bs)
    }
    s.mu.Unlock()

    close(s.closeCh)
    for _, bs := range bindings {
        bs.q.Close()
        _ = bs.b.Close()
    }
    s.wg.Wait()
    s.asm.Close()
    s.nbr.Close()
}

// sendLoop drains one binding's queue: split to MTU, transmit chunks in
// order, back off on busy slots. A packet that still cannot be sent
// after the retry budget is dropped with a log line, never silently.
func (s *Stack) sendLoop(bs *bindingState) {
    defer s.wg.Done()
    for {
        it, ok := bs.q.Dequeue()
        if !ok {
            return
        }
        if err := s.transmit(bs, it.Pkt); err != nil {
            zap.L().Warn("packet dropped on transmit",
                zap.String("binding", bs.b.Name()),
                zap.String("header", it.Pkt.Header.String()),
                zap.Error(err))
        }
        // Forwarded packets ride pooled buffers; locally originated
        // ones are pool-less and Free is a no-op.
        it.Pkt.Free()
    }
}

func (s *Stack) transmit(bs *bindingState, p *protocol.Packet) error {
    chunks, err := fragment.Split(p, bs.b.MTU())
    if err != nil {
        return err
    }
    for _, c := range chunks {
        id, err := c.Header.Encode()
        if err != nil {
            return err
        }
        if bs.shaper != nil {
            for {
                ok, wait := bs.shaper.Allow(int64(len(c.Payload)) + 4)
                if ok {
                    break
                }
                select {
                case <-s.closeCh:
                    return ErrStackClosed
                case <-time.After(wait):
                }
            }
        }
        if err := s.sendFrame(bs, transport.Packet{ID: id, Payload: c.Payload}); err != nil {
            return err
        }
    }
    return nil
}

// sendFrame retries busy transmit slots with exponential backoff.
func (s *Stack) sendFrame(bs *bindingState, f transport.Packet) error {
    backoff := s.retry.BackoffInitial
    for attempt := 0; ; attempt++ {
        err := bs.b.Send(f)
        if err == nil {
            return nil
        }
        if !errors.Is(err, transport.ErrBusy) || attempt+1 >= s.retry.MaxAttempts {
            return err
        }
        select {
        case <-s.closeCh:
            return ErrStackClosed
        case <-time.After(backoff):
        }
        backoff *= 2
        if backoff > s.retry.BackoffMax {
            backoff = s.retry.BackoffMax
        }
    }
}

// recvLoop is the inbound pipeline for one binding: decode, reassemble,
// strip security, validate, dispatch. Chunks arrive in wire order and
// are pushed into the assembler from this single goroutine, which keeps
// per-session ordering intact.
func (s *Stack) recvLoop(bs *bindingState) {
    defer s.wg.Done()
    name := bs.b.Name()
    errStreak := 0
    for {
        f, err := bs.b.Recv()
        if err != nil {
            switch {
            case errors.Is(err, transport.ErrClosed):
                return
            case errors.Is(err, transport.ErrCorrupt), errors.Is(err, transport.ErrDesync):
                // Unit already dropped and counted by the binding.
                continue
            default:
                select {
                case <-s.closeCh:
                    return
                default:
                }
                zap.L().Warn("receive error", zap.String("binding", name), zap.Error(err))
                // A persistent failure (vanished device, wedged driver)
                // must not spin this loop; back off progressively.
                errStreak++
                wait := 10 * time.Millisecond << uint(min(errStreak-1, 6))
                select {
                case <-s.closeCh:
                    return
                case <-time.After(wait):
                }
                continue
            }
        }
        errStreak = 0
        chunk := protocol.NewPacket(protocol.DecodeHeader(f.ID), f.Payload)
        s.nbr.Observe(chunk.Header.Src, name)
        done, err := s.asm.Push(chunk)
        if err != nil {
            reason := observability.DropTooLarge
            if errors.Is(err, protocol.ErrNoBuffers) {
                reason = observability.DropNoBuffers
            }
            observability.RecordPacketDropped(reason)
            zap.L().Warn("reassembly rejected", zap.String("binding", name), zap.Error(err))
            continue
        }
        if done == nil {
            continue
        }
        s.deliver(done)
    }
}

// deliver routes a complete packet: forward when it is not ours, else
// strip treatments and dispatch to the bound socket.
func (s *Stack) deliver(p *protocol.Packet) {
    if p.Header.Dst != s.addr {
        observability.RecordPacketForwarded()
        if err := s.enqueue(p); err != nil {
            observability.RecordPacketDropped(observability.DropNoRoute)
            zap.L().Debug("cannot forward", zap.String("header", p.Header.String()), zap.Error(err))
            p.Free()
        }
        return
    }
    if err := s.suite.Strip(p); err != nil {
        observability.RecordPacketDropped(observability.DropBadSecurity)
        zap.L().Warn("security strip failed", zap.String("header", p.Header.String()), zap.Error(err))
        p.Free()
        return
    }
    if !s.table.Dispatch(p) {
        p.Free()
    }
}

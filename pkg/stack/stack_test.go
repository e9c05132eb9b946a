package stack

import (
    "bytes"
    "errors"
    "fmt"
    "sync/atomic"
    "testing"
    "time"

    "gocsp/pkg/fragment"
    "gocsp/pkg/protocol"
    "gocsp/pkg/security"
    "gocsp/pkg/services"
    "gocsp/pkg/socket"
    "gocsp/pkg/transport"
    "gocsp/pkg/transport/mem"
)

func newStack(t *testing.T, addr uint8, cfg Config) *Stack {
    t.Helper()
    cfg.Address = addr
    if cfg.Fragment.MaxPayload == 0 {
        cfg.Fragment = fragment.Config{MaxPayload: 1 << 16, Staleness: time.Second}
    }
    s, err := New(cfg)
    if err != nil { t.Fatalf("stack %d: %v", addr, err) }
    t.Cleanup(s.Close)
    return s
}

func link(t *testing.T, a, b *Stack, mtu int) {
    t.Helper()
    ea, eb := mem.Pipe(fmt.Sprintf("to-%d", b.Address()), fmt.Sprintf("to-%d", a.Address()), mtu, 64)
    if err := a.Attach(ea); err != nil { t.Fatalf("attach a: %v", err) }
    if err := b.Attach(eb); err != nil { t.Fatalf("attach b: %v", err) }
    if err := a.Routes().Set(b.Address(), ea); err != nil { t.Fatalf("route a: %v", err) }
    if err := b.Routes().Set(a.Address(), eb); err != nil { t.Fatalf("route b: %v", err) }
}

func recvOne(t *testing.T, ch chan *protocol.Packet) *protocol.Packet {
    t.Helper()
    select {
    case p := <-ch:
        return p
    case <-time.After(3 * time.Second):
        t.Fatalf("timed out waiting for packet")
        return nil
    }
}

func chanListener(ch chan *protocol.Packet) socket.Listener {
    return socket.ListenerFunc(func(p *protocol.Packet) { ch <- p })
}

func TestEndToEndPing(t *testing.T) {
    a := newStack(t, 1, Config{})
    b := newStack(t, 2, Config{})
    link(t, a, b, 32)

    if _, err := services.Register(b.Table(), b, b.Pool(), services.Hooks{}); err != nil {
        t.Fatalf("services: %v", err)
    }

    replies := make(chan *protocol.Packet, 1)
    if _, err := a.Listen(44, socket.None, chanListener(replies)); err != nil {
        t.Fatalf("listen: %v", err)
    }

    req := protocol.NewPacket(protocol.Header{
        Prio: protocol.PrioNorm, Dst: 2, DPort: protocol.PortPing, SPort: 44,
    }, []byte("are you alive"))
    if err := a.Send(req); err != nil { t.Fatalf("send: %v", err) }

    rep := recvOne(t, replies)
    if !bytes.Equal(rep.Payload, []byte("are you alive")) {
        t.Fatalf("echo payload = %q", rep.Payload)
    }
    if rep.Header.Src != 2 || rep.Header.SPort != protocol.PortPing {
        t.Fatalf("reply header = %v", rep.Header)
    }

    nb := a.Neighbors()
    if len(nb) != 1 || nb[0].Addr != 2 {
        t.Fatalf("neighbors = %+v", nb)
    }
}

func TestFragmentedDeliveryOverCANSizedMTU(t *testing.T) {
    a := newStack(t, 1, Config{})
    b := newStack(t, 2, Config{})
    link(t, a, b, 8) // classic CAN frame payload

    inbox := make(chan *protocol.Packet, 1)
    if _, err := b.Listen(20, socket.None, chanListener(inbox)); err != nil {
        t.Fatalf("listen: %v", err)
    }

    data := make([]byte, 1000)
    for i := range data {
        data[i] = byte(i)
    }
    pkt := protocol.NewPacket(protocol.Header{Prio: protocol.PrioHigh, Dst: 2, DPort: 20, SPort: 40}, data)
    if err := a.Send(pkt); err != nil { t.Fatalf("send: %v", err) }

    got := recvOne(t, inbox)
    if !bytes.Equal(got.Payload, data) { t.Fatalf("reassembled payload mismatch") }
    if got.Header.HasFlag(protocol.FlagFrag) { t.Fatalf("frag flag leaked to listener") }

    select {
    case p := <-inbox:
        t.Fatalf("unexpected second delivery: %v", p.Header)
    case <-time.After(50 * time.Millisecond):
    }
}

func TestForwardingThroughIntermediate(t *testing.T) {
    a := newStack(t, 1, Config{})
    b := newStack(t, 2, Config{})
    c := newStack(t, 3, Config{})
    link(t, a, b, 16)
    link(t, b, c, 16)
    // A reaches everything through B.
    a.Routes().SetDefault(a.Binding("to-2"))
    c.Routes().SetDefault(c.Binding("to-2"))

    inbox := make(chan *protocol.Packet, 1)
    if _, err := c.Listen(20, socket.None, chanListener(inbox)); err != nil {
        t.Fatalf("listen: %v", err)
    }

    pkt := protocol.NewPacket(protocol.Header{Dst: 3, DPort: 20, SPort: 40}, []byte("via node 2"))
    if err := a.Send(pkt); err != nil { t.Fatalf("send: %v", err) }

    got := recvOne(t, inbox)
    if !bytes.Equal(got.Payload, []byte("via node 2")) { t.Fatalf("payload = %q", got.Payload) }
    if got.Header.Src != 1 { t.Fatalf("source rewritten in transit: %v", got.Header) }
}

func TestSendWithoutRoute(t *testing.T) {
    a := newStack(t, 1, Config{})
    err := a.Send(protocol.NewPacket(protocol.Header{Dst: 9, DPort: 20}, nil))
    if !errors.Is(err, ErrNoRoute) { t.Fatalf("want ErrNoRoute, got %v", err) }
}

func TestSendRejectsOverflowingHeader(t *testing.T) {
    a := newStack(t, 1, Config{})
    err := a.Send(protocol.NewPacket(protocol.Header{Dst: 1, DPort: protocol.PortMax + 1}, nil))
    if !errors.Is(err, protocol.ErrFieldOverflow) { t.Fatalf("want ErrFieldOverflow, got %v", err) }
}

func TestSecuredDeliverySatisfiesPolicy(t *testing.T) {
    sec := security.Config{HMACKey: []byte("shared-ops-key")}
    a := newStack(t, 1, Config{Security: sec, ApplyFlags: protocol.FlagCRC32 | protocol.FlagHMAC})
    b := newStack(t, 2, Config{Security: sec})
    link(t, a, b, 32)

    inbox := make(chan *protocol.Packet, 1)
    if _, err := b.Listen(20, socket.CRC32Req|socket.HMACReq, chanListener(inbox)); err != nil {
        t.Fatalf("listen: %v", err)
    }

    pkt := protocol.NewPacket(protocol.Header{Dst: 2, DPort: 20, SPort: 40}, []byte("secured"))
    if err := a.Send(pkt); err != nil { t.Fatalf("send: %v", err) }

    got := recvOne(t, inbox)
    if !bytes.Equal(got.Payload, []byte("secured")) { t.Fatalf("payload = %q", got.Payload) }
    if !got.Header.HasFlag(protocol.FlagCRC32) || !got.Header.HasFlag(protocol.FlagHMAC) {
        t.Fatalf("security posture lost: %v", got.Header)
    }
}

func TestDeliveredPacketsOccupyPoolBuffers(t *testing.T) {
    a := newStack(t, 1, Config{})
    b := newStack(t, 2, Config{BufferCount: 4})
    link(t, a, b, 32)

    inbox := make(chan *protocol.Packet, 1)
    if _, err := b.Listen(20, socket.None, chanListener(inbox)); err != nil {
        t.Fatalf("listen: %v", err)
    }
    pkt := protocol.NewPacket(protocol.Header{Dst: 2, DPort: 20, SPort: 40}, []byte("held"))
    if err := a.Send(pkt); err != nil { t.Fatalf("send: %v", err) }

    got := recvOne(t, inbox)
    pool := b.Pool()
    if pool.Free() != pool.Cap()-1 {
        t.Fatalf("free = %d while listener holds packet, want %d", pool.Free(), pool.Cap()-1)
    }
    got.Free()
    if pool.Free() != pool.Cap() {
        t.Fatalf("free = %d after release, want %d", pool.Free(), pool.Cap())
    }
}

// brokenBinding fails every receive with a driver-style error and counts
// the attempts.
type brokenBinding struct {
    recvs   atomic.Int64
    closeCh chan struct{}
}

func newBrokenBinding() *brokenBinding {
    return &brokenBinding{closeCh: make(chan struct{})}
}

func (f *brokenBinding) Name() string              { return "broken0" }
func (f *brokenBinding) Kind() transport.Kind      { return transport.KindMem }
func (f *brokenBinding) MTU() int                  { return 32 }
func (f *brokenBinding) Send(transport.Packet) error { return nil }

func (f *brokenBinding) Recv() (transport.Packet, error) {
    select {
    case <-f.closeCh:
        return transport.Packet{}, transport.ErrClosed
    default:
    }
    f.recvs.Add(1)
    return transport.Packet{}, errors.New("device gone")
}

func (f *brokenBinding) Close() error {
    select {
    case <-f.closeCh:
    default:
        close(f.closeCh)
    }
    return nil
}

func TestPersistentReceiveErrorBacksOff(t *testing.T) {
    a := newStack(t, 1, Config{})
    fb := newBrokenBinding()
    if err := a.Attach(fb); err != nil { t.Fatalf("attach: %v", err) }

    time.Sleep(150 * time.Millisecond)
    // Progressive backoff keeps the attempt count in single digits over
    // this window; a spinning loop would rack up thousands.
    if n := fb.recvs.Load(); n > 10 {
        t.Fatalf("%d receive attempts in 150ms, loop is spinning", n)
    }
}

func TestUnsecuredPacketDroppedByPolicy(t *testing.T) {
    a := newStack(t, 1, Config{})
    b := newStack(t, 2, Config{})
    link(t, a, b, 32)

    inbox := make(chan *protocol.Packet, 1)
    if _, err := b.Listen(20, socket.CRC32Req, chanListener(inbox)); err != nil {
        t.Fatalf("listen: %v", err)
    }
    pkt := protocol.NewPacket(protocol.Header{Dst: 2, DPort: 20, SPort: 40}, []byte("plain"))
    if err := a.Send(pkt); err != nil { t.Fatalf("send: %v", err) }

    select {
    case p := <-inbox:
        t.Fatalf("policy let through %v", p.Header)
    case <-time.After(100 * time.Millisecond):
    }
}

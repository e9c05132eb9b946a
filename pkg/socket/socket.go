// Package socket holds local port bindings and enforces per-socket
// security/transport option policy on delivery.
package socket

import (
    "errors"
    "fmt"

    "gocsp/pkg/protocol"
)

// Options configure a socket. REQ/PROHIB pairs gate the corresponding
// header flags; a pair must never be set together.
type Options uint32

const (
    None         Options = 0x0000
    RDPReq       Options = 0x0001
    RDPProhib    Options = 0x0002
    HMACReq      Options = 0x0004
    HMACProhib   Options = 0x0008
    XTEAReq      Options = 0x0010
    XTEAProhib   Options = 0x0020
    CRC32Req     Options = 0x0040
    CRC32Prohib  Options = 0x0080
    ConnLess Options = 0x0100
)

var (
    // ErrInvalidOptions reports overlapping required/prohibited bits.
    // This is a configuration error caught at socket creation.
    ErrInvalidOptions = errors.New("socket: required and prohibited options overlap")
    // ErrOptionMismatch reports a packet whose flags violate the socket
    // policy. The packet is dropped silently; only a counter moves.
    ErrOptionMismatch = errors.New("socket: packet flags violate socket options")
)

// optionFlag ties a REQ/PROHIB option pair to its header flag bit.
var optionFlags = []struct {
    req, prohib Options
    flag        uint8
}{
    {RDPReq, RDPProhib, protocol.FlagRDP},
    {HMACReq, HMACProhib, protocol.FlagHMAC},
    {XTEAReq, XTEAProhib, protocol.FlagXTEA},
    {CRC32Req, CRC32Prohib, protocol.FlagCRC32},
}

// Listener accepts complete, validated packets.
type Listener interface {
    HandlePacket(*protocol.Packet)
}

// ListenerFunc adapts a function to the Listener interface.
type ListenerFunc func(*protocol.Packet)

func (f ListenerFunc) HandlePacket(p *protocol.Packet) { f(p) }

// Socket is a local binding: a port (or protocol.PortAny), the option
// policy, and the registered listener.
type Socket struct {
    port       uint8
    opts       Options
    required   uint8
    prohibited uint8
    listener   Listener
}

// New builds a socket. It fails with ErrInvalidOptions when any REQ and
// PROHIB pair is set together.
func New(port uint8, opts Options, l Listener) (*Socket, error) {
    if l == nil {
        return nil, errors.New("socket: nil listener")
    }
    s := &Socket{port: port, opts: opts, listener: l}
    for _, of := range optionFlags {
        req := opts&of.req != 0
        prohib := opts&of.prohib != 0
        if req && prohib {
            return nil, fmt.Errorf("port %d flag %#02x: %w", port, of.flag, ErrInvalidOptions)
        }
        if req {
            s.required |= of.flag
        }
        if prohib {
            s.prohibited |= of.flag
        }
    }
    return s, nil
}

// Port returns the bound port, protocol.PortAny for the wildcard.
func (s *Socket) Port() uint8 { return s.port }

// Options returns the configured option bits.
func (s *Socket) Options() Options { return s.opts }

// Check evaluates the option policy against a reassembled packet's flags:
// accepted iff (F & R) == R and (F & P) == 0. It runs after reassembly so
// a transient fragmentation flag never decides the outcome.
func (s *Socket) Check(h protocol.Header) error {
    f := h.Flags
    if f&s.required != s.required || f&s.prohibited != 0 {
        return fmt.Errorf("flags %#02x vs req %#02x prohib %#02x: %w",
            f, s.required, s.prohibited, ErrOptionMismatch)
    }
    return nil
}

// Deliver hands the packet to the listener. Ownership transfers with the
// call.
func (s *Socket) Deliver(p *protocol.Packet) { s.listener.HandlePacket(p) }

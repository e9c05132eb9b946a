package main

import (
    "encoding/binary"
    "flag"
    "fmt"
    "os"
    "time"

    "go.uber.org/zap"

    "gocsp/pkg/protocol"
    "gocsp/pkg/services"
    "gocsp/pkg/socket"
    "gocsp/pkg/stack"
    "gocsp/pkg/transport"
    "gocsp/pkg/transport/mem"
    "gocsp/pkg/transport/uart"
)

const clientPort = 44

func main() {
    device := flag.String("device", "", "serial device carrying the link; empty runs an in-process loopback")
    mtu := flag.Int("mtu", 0, "frame payload limit (0 = link default)")
    addr := flag.Uint("addr", 1, "local address")
    dest := flag.Uint("dest", 2, "destination address")
    count := flag.Int("count", 4, "number of echo requests")
    size := flag.Int("size", 32, "payload bytes per request")
    interval := flag.Duration("interval", time.Second, "delay between requests")
    timeout := flag.Duration("timeout", 3*time.Second, "per-request reply timeout")
    flag.Parse()

    logger, _ := zap.NewDevelopment()
    zap.ReplaceGlobals(logger)
    defer logger.Sync()

    st, err := stack.New(stack.Config{Address: uint8(*addr)})
    if err != nil {
        fatalf("stack: %v", err)
    }
    defer st.Close()

    var link transport.Binding
    if *device == "" {
        // Loopback self-test: our own service ports answer.
        link = mem.Loop("loop0", *mtu, 0)
        *dest = *addr
    } else {
        port, err := os.OpenFile(*device, os.O_RDWR, 0)
        if err != nil {
            fatalf("open %s: %v", *device, err)
        }
        link = uart.New("serial0", port, uart.WithMTU(*mtu))
    }
    if err := st.Attach(link); err != nil {
        fatalf("attach: %v", err)
    }
    st.Routes().SetDefault(link)
    if _, err := services.Register(st.Table(), st, st.Pool(), services.Hooks{}); err != nil {
        fatalf("services: %v", err)
    }

    replies := make(chan *protocol.Packet, 16)
    if _, err := st.Listen(clientPort, socket.None, socket.ListenerFunc(func(p *protocol.Packet) {
        replies <- p
    })); err != nil {
        fatalf("listen: %v", err)
    }

    lost := 0
    for seq := 0; seq < *count; seq++ {
        payload := make([]byte, *size)
        if len(payload) < 2 {
            payload = make([]byte, 2)
        }
        binary.BigEndian.PutUint16(payload, uint16(seq))
        for i := 2; i < len(payload); i++ {
            payload[i] = byte(i)
        }
        req := protocol.NewPacket(protocol.Header{
            Prio:  protocol.PrioNorm,
            Dst:   uint8(*dest),
            DPort: protocol.PortPing,
            SPort: clientPort,
        }, payload)

        start := time.Now()
        if err := st.Send(req); err != nil {
            fatalf("send: %v", err)
        }
        select {
        case rep := <-replies:
            got := binary.BigEndian.Uint16(rep.Payload)
            fmt.Printf("reply from %d: seq=%d bytes=%d time=%v\n",
                rep.Header.Src, got, len(rep.Payload), time.Since(start).Round(time.Microsecond))
            rep.Free()
        case <-time.After(*timeout):
            lost++
            fmt.Printf("seq=%d timed out\n", seq)
        }
        if seq+1 < *count {
            time.Sleep(*interval)
        }
    }
    fmt.Printf("%d sent, %d lost\n", *count, lost)
    if lost > 0 {
        os.Exit(1)
    }
}

func fatalf(format string, args ...any) {
    fmt.Fprintf(os.Stderr, format+"\n", args...)
    os.Exit(1)
}

package main

import (
    "fmt"
    "os"
    "os/signal"
    "strings"
    "syscall"
    "time"

    "go.uber.org/zap"

    "gocsp/pkg/config"
    "gocsp/pkg/fragment"
    "gocsp/pkg/observability"
    "gocsp/pkg/protocol"
    "gocsp/pkg/security"
    "gocsp/pkg/services"
    "gocsp/pkg/stack"
    "gocsp/pkg/transport"
    "gocsp/pkg/transport/can"
    "gocsp/pkg/transport/mem"
    "gocsp/pkg/transport/uart"
)

// run is the main entry point after CLI parsing.
func run(opts Options) int {
    cfg, err := config.Load(opts.ConfigPath)
    if err != nil {
        _, _ = os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
        return 1
    }

    logger, err := observability.SetupLogger(cfg.Log)
    if err != nil {
        _, _ = os.Stderr.WriteString("failed to setup logger: " + err.Error() + "\n")
        return 1
    }
    defer func() { _ = logger.Sync() }()

    // Startup logs + configuration dump
    zap.L().Info("csp-node started", zap.String("app", cfg.AppName), zap.Uint8("address", cfg.Address))
    zap.L().Info("effective configuration", zap.Any("config", cfg))

    st, err := buildStack(cfg)
    if err != nil {
        zap.L().Error("failed to build stack", zap.Error(err))
        return 1
    }
    defer st.Close()

    // A reboot/shutdown request with the right magic terminates the
    // process; the supervisor decides whether it comes back.
    stop := make(chan os.Signal, 1)
    signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
    done := make(chan int, 1)
    hooks := services.Hooks{
        Reboot:   func() { done <- 2 },
        Shutdown: func() { done <- 0 },
    }
    if _, err := services.Register(st.Table(), st, st.Pool(), hooks,
        services.WithStats(func(s *services.Stats) { s.Neighbors = len(st.Neighbors()) })); err != nil {
        zap.L().Error("failed to register services", zap.Error(err))
        return 1
    }

    zap.L().Info("node is running; press Ctrl+C to exit")
    select {
    case sig := <-stop:
        zap.L().Info("signal received", zap.Stringer("signal", sig))
        return 0
    case code := <-done:
        zap.L().Info("service requested exit", zap.Int("code", code))
        return code
    }
}

// buildStack assembles one stack instance from the loaded configuration:
// keys and treatments, the packet pool, every configured interface and
// the static routes between them.
func buildStack(cfg *config.Config) (*stack.Stack, error) {
    st, err := stack.New(stack.Config{
        Address: cfg.Address,
        Fragment: fragment.Config{
            MaxPayload: cfg.Fragment.MaxPayloadBytes,
            Staleness:  time.Duration(cfg.Fragment.StalenessMS) * time.Millisecond,
        },
        BufferCount: cfg.Buffers.Count,
        BufferSize:  cfg.Buffers.Size,
        Security: security.Config{
            HMACKey: []byte(cfg.Security.HMACKey),
            XTEAKey: []byte(cfg.Security.XTEAKey),
        },
        ApplyFlags: applyFlags(cfg.Security.Apply),
        Retry: stack.Retry{
            BackoffInitial: time.Duration(cfg.Link.BackoffInitialMS) * time.Millisecond,
            BackoffMax:     time.Duration(cfg.Link.BackoffMaxMS) * time.Millisecond,
            MaxAttempts:    cfg.Link.MaxAttempts,
        },
        RateBytesPerSec: cfg.Link.RateBytesPerSec,
    })
    if err != nil {
        return nil, err
    }
    for _, ic := range cfg.Interfaces {
        b, err := openBinding(ic)
        if err != nil {
            st.Close()
            return nil, fmt.Errorf("interface %q: %w", ic.Name, err)
        }
        if err := st.Attach(b); err != nil {
            st.Close()
            return nil, err
        }
    }
    for _, r := range cfg.Routes.Static {
        if err := st.Routes().Set(r.Dst, st.Binding(r.Interface)); err != nil {
            st.Close()
            return nil, err
        }
    }
    if cfg.Routes.Default != "" {
        st.Routes().SetDefault(st.Binding(cfg.Routes.Default))
    }
    return st, nil
}

func openBinding(ic config.InterfaceConfig) (transport.Binding, error) {
    switch ic.Kind {
    case "mem":
        return mem.Loop(ic.Name, ic.MTU, 0), nil
    case "uart":
        port, err := openDevice(ic.Device)
        if err != nil {
            return nil, err
        }
        return uart.New(ic.Name, port, uart.WithMTU(ic.MTU)), nil
    case "can":
        port, err := openDevice(ic.Device)
        if err != nil {
            return nil, err
        }
        return can.New(ic.Name, can.NewSerialDevice(port)), nil
    default:
        return nil, fmt.Errorf("unknown interface kind %q", ic.Kind)
    }
}

func openDevice(path string) (*os.File, error) {
    if path == "" {
        return nil, fmt.Errorf("no device configured")
    }
    return os.OpenFile(path, os.O_RDWR, 0)
}

func applyFlags(names []string) uint8 {
    var f uint8
    for _, n := range names {
        switch strings.ToLower(n) {
        case "crc32":
            f |= protocol.FlagCRC32
        case "hmac":
            f |= protocol.FlagHMAC
        case "xtea":
            f |= protocol.FlagXTEA
        }
    }
    return f
}

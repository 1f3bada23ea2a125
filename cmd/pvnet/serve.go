package main

import (
    "fmt"
    "strings"

    "github.com/spf13/cobra"
    "go.uber.org/zap"

    "pvnet/pkg/config"
    "pvnet/pkg/protocol"
    "pvnet/pkg/responder"
    "pvnet/pkg/transport"
    "pvnet/pkg/transport/quic"
    "pvnet/pkg/transport/tcp"
)

func newServeCmd(a *app) *cobra.Command {
    var listen, beacons string
    cmd := &cobra.Command{
        Use:   "serve NAME...",
        Short: "Answer searches for channel names and accept circuits",
        Args:  cobra.MinimumNArgs(1),
        RunE: func(cmd *cobra.Command, names []string) error {
            cfg := a.cfg
            if listen != "" { cfg.Server.Listen = listen }
            if beacons != "" { cfg.Server.BeaconAddrList = strings.Fields(strings.ReplaceAll(beacons, ",", " ")) }

            opts, err := responderOptions(cfg, names, a.logger)
            if err != nil { return err }
            srv, err := responder.Start(cmd.Context(), opts)
            if err != nil { return err }
            defer srv.Close()

            fmt.Fprintf(cmd.OutOrStdout(), "serving %d channel(s) on %s (%s), search %s, guid %s\n",
                len(names), srv.Advertised(), opts.Kind, srv.SearchAddr(), srv.GUID())
            <-cmd.Context().Done()
            a.logger.Info("shutting down")
            return nil
        },
    }
    cmd.Flags().StringVar(&listen, "listen", "", "override server.listen")
    cmd.Flags().StringVar(&beacons, "beacons", "", "override server.beacon_addr_list")
    return cmd
}

// responderOptions builds the responder configuration and opens the circuit
// listener of the configured kind.
func responderOptions(cfg *config.Config, names []string, log *zap.Logger) (responder.Options, error) {
    var opts responder.Options
    v, err := protocol.ParseVariant(cfg.Search.Variant)
    if err != nil { return opts, err }
    kind, err := transport.ParseKind(cfg.Transport.Kind)
    if err != nil { return opts, err }
    bind, err := transport.ParseEndpoint(cfg.Server.SearchBind, uint16(cfg.Search.BroadcastPort))
    if err != nil { return opts, fmt.Errorf("server.search_bind: %w", err) }
    dests, err := transport.ParseEndpoints(strings.Join(cfg.Server.BeaconAddrList, " "), uint16(cfg.Search.BroadcastPort))
    if err != nil { return opts, fmt.Errorf("server.beacon_addr_list: %w", err) }

    var l tcp.Listener
    if kind == transport.KindQUIC {
        l, err = quic.Listen(cfg.Server.Listen)
    } else {
        l, err = tcp.Listen(cfg.Server.Listen)
    }
    if err != nil { return opts, fmt.Errorf("listen %s: %w", cfg.Server.Listen, err) }

    return responder.Options{
        Names:              names,
        Variant:            v,
        SearchBind:         bind,
        ReuseAddr:          true,
        Listener:           l,
        Kind:               kind,
        BeaconDestinations: dests,
        BeaconPeriod:       cfg.Server.BeaconPeriod,
        Circuit: tcp.Options{
            ReceiveBufferSize: uint32(cfg.Transport.ReceiveBufferSize),
            SendBufferSize:    cfg.Transport.SendBufferSize,
            ValidationTimeout: cfg.Transport.ValidationTimeout,
            Logger:            log,
        },
        Logger: log,
    }, nil
}


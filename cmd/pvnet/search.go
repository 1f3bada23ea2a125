package main

import (
    "context"
    "fmt"
    "io"
    "net/netip"
    "sync"
    "text/tabwriter"
    "time"

    "github.com/spf13/cobra"
    "go.uber.org/zap"

    "pvnet/pkg/client"
    "pvnet/pkg/protocol"
    "pvnet/pkg/protocol/codec"
    "pvnet/pkg/transport"
)

// Result is one line of `pvnet search` output.
type Result struct {
    Name      string `json:"name" cbor:"name"`
    Found     bool   `json:"found" cbor:"found"`
    Server    string `json:"server,omitempty" cbor:"server,omitempty"`
    GUID      string `json:"guid,omitempty" cbor:"guid,omitempty"`
    Responder string `json:"responder,omitempty" cbor:"responder,omitempty"`
    Revision  uint8  `json:"revision,omitempty" cbor:"revision,omitempty"`
    // Connected is set with --connect once the circuit validated.
    Connected bool   `json:"connected,omitempty" cbor:"connected,omitempty"`
    Error     string `json:"error,omitempty" cbor:"error,omitempty"`
}

func newSearchCmd(a *app) *cobra.Command {
    var (
        format  string
        timeout time.Duration
        connect bool
    )
    cmd := &cobra.Command{
        Use:   "search NAME...",
        Short: "Locate the servers hosting channels",
        Args:  cobra.MinimumNArgs(1),
        RunE: func(cmd *cobra.Command, names []string) error {
            c, err := codecFor(format)
            if err != nil { return err }
            ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
            defer cancel()

            cc, err := client.New(a.cfg, client.WithLogger(a.logger))
            if err != nil { return err }
            defer cc.Close()

            results := locateAll(ctx, cc, names)
            if connect {
                cctx, ccancel := context.WithTimeout(cmd.Context(), timeout)
                defer ccancel()
                connectAll(cctx, cc, int16(a.cfg.Transport.Priority), results)
            }
            return writeResults(cmd.OutOrStdout(), c, results)
        },
    }
    cmd.Flags().StringVarP(&format, "format", "o", "text", "output format: text, json, cbor, proto")
    cmd.Flags().DurationVar(&timeout, "timeout", 3*time.Second, "how long to wait for answers")
    cmd.Flags().BoolVar(&connect, "connect", false, "open a circuit to every server found")
    return cmd
}

func codecFor(format string) (codec.Codec, error) {
    if format == "text" || format == "" { return nil, nil }
    return codec.NewRegistry().Lookup(format)
}

func locateAll(ctx context.Context, cc *client.Context, names []string) []Result {
    results := make([]Result, len(names))
    var wg sync.WaitGroup
    for i, name := range names {
        wg.Add(1)
        go func(i int, name string) {
            defer wg.Done()
            r := Result{Name: name}
            f, err := cc.Locate(ctx, name)
            if err != nil {
                r.Error = err.Error()
            } else {
                r.Found = true
                r.Server = f.Server.String()
                r.Responder = f.Responder.String()
                r.Revision = f.Revision
                if !f.GUID.IsZero() { r.GUID = f.GUID.String() }
            }
            results[i] = r
        }(i, name)
    }
    wg.Wait()
    return results
}

// connectAll opens one circuit per distinct server and waits for it to
// validate.
func connectAll(ctx context.Context, cc *client.Context, prio int16, results []Result) {
    status := map[string]error{}
    for _, r := range results {
        if !r.Found { continue }
        if _, ok := status[r.Server]; ok { continue }
        status[r.Server] = connectOne(ctx, cc, r.Server, prio)
    }
    for i := range results {
        err, ok := status[results[i].Server]
        if !ok { continue }
        results[i].Connected = err == nil
        if err != nil { results[i].Error = err.Error() }
    }
}

type connectWaiter struct{ ok chan struct{} }

func (w *connectWaiter) OnConnected(transport.Transport) {
    select {
    case w.ok <- struct{}{}:
    default:
    }
}
func (w *connectWaiter) OnMessage(transport.Transport, protocol.Message, netip.AddrPort) {}
func (w *connectWaiter) OnDisconnected(transport.Transport, error)                      {}

func connectOne(ctx context.Context, cc *client.Context, server string, prio int16) error {
    ep, err := netip.ParseAddrPort(server)
    if err != nil { return err }
    w := &connectWaiter{ok: make(chan struct{}, 1)}
    t, err := cc.AcquireTransport(ctx, ep, prio, w)
    if err != nil { return err }
    defer cc.Release(t, w)
    select {
    case <-w.ok:
        zap.L().Debug("circuit validated", zap.Stringer("server", ep), zap.Stringer("kind", t.Kind()))
        return nil
    case <-ctx.Done():
        return fmt.Errorf("connect %s: %w", ep, ctx.Err())
    }
}

func writeResults(w io.Writer, c codec.Codec, results []Result) error {
    if c != nil {
        b, err := c.Marshal(results)
        if err != nil { return err }
        _, err = w.Write(b)
        if err == nil && c.Name() == "json" { _, err = io.WriteString(w, "\n") }
        return err
    }
    tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
    fmt.Fprintln(tw, "NAME\tSERVER\tGUID\tSTATUS")
    for _, r := range results {
        status := "found"
        switch {
        case !r.Found:
            status = "not found"
        case r.Connected:
            status = "connected"
        case r.Error != "":
            status = r.Error
        }
        fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.Name, dash(r.Server), dash(r.GUID), status)
    }
    return tw.Flush()
}

func dash(s string) string {
    if s == "" { return "-" }
    return s
}

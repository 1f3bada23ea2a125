package main

import (
    "fmt"
    "text/tabwriter"
    "time"

    "github.com/spf13/cobra"
    "go.uber.org/zap"

    "pvnet/pkg/client"
    "pvnet/pkg/config"
)

// ServerInfo is one line of `pvnet servers` output.
type ServerInfo struct {
    Endpoint    string    `json:"endpoint" cbor:"endpoint"`
    GUID        string    `json:"guid" cbor:"guid"`
    Protocol    string    `json:"protocol" cbor:"protocol"`
    ChangeCount uint16    `json:"changeCount" cbor:"changeCount"`
    LastSeen    time.Time `json:"lastSeen" cbor:"lastSeen"`
    ExpiresIn   string    `json:"expiresIn" cbor:"expiresIn"`
}

func newServersCmd(a *app) *cobra.Command {
    var (
        format string
        wait   time.Duration
    )
    cmd := &cobra.Command{
        Use:   "servers",
        Short: "Listen for beacons and list the servers heard",
        Args:  cobra.NoArgs,
        RunE: func(cmd *cobra.Command, _ []string) error {
            c, err := codecFor(format)
            if err != nil { return err }
            // beacons arrive on the broadcast port
            if a.cfg.Search.Bind == config.Default().Search.Bind {
                a.cfg.Search.Bind = fmt.Sprintf("0.0.0.0:%d", a.cfg.Search.BroadcastPort)
            }
            cc, err := client.New(a.cfg, client.WithLogger(a.logger))
            if err != nil { return err }
            defer cc.Close()

            select {
            case <-time.After(wait):
            case <-cmd.Context().Done():
            }
            var out []ServerInfo
            for _, s := range cc.Servers() {
                out = append(out, ServerInfo{
                    Endpoint:    s.Endpoint.String(),
                    GUID:        s.GUID.String(),
                    Protocol:    s.Protocol,
                    ChangeCount: s.ChangeCount,
                    LastSeen:    time.Unix(0, s.LastSeen),
                    ExpiresIn:   s.ExpiresIn.Round(time.Second).String(),
                })
            }
            st := cc.BeaconStats()
            a.logger.Debug("beacon tracker", zap.Uint64("servers", st.Keys), zap.Uint64("updates", st.Sets), zap.Uint64("expired", st.Expired))
            if c != nil {
                b, err := c.Marshal(out)
                if err != nil { return err }
                _, err = cmd.OutOrStdout().Write(b)
                return err
            }
            tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
            fmt.Fprintln(tw, "ENDPOINT\tGUID\tPROTOCOL\tCHANGES\tLAST SEEN\tEXPIRES IN")
            for _, s := range out {
                fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n", s.Endpoint, s.GUID, s.Protocol, s.ChangeCount, s.LastSeen.Format(time.RFC3339), s.ExpiresIn)
            }
            return tw.Flush()
        },
    }
    cmd.Flags().StringVarP(&format, "format", "o", "text", "output format: text, json, cbor, proto")
    cmd.Flags().DurationVar(&wait, "wait", 5*time.Second, "how long to listen for beacons")
    return cmd
}

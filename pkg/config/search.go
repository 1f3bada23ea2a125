package config

import (
    "fmt"
    "strings"
    "time"

    "github.com/spf13/viper"
)

// SearchConfig controls the discovery socket and the search back-off.
type SearchConfig struct {
    // Bind local address of the discovery socket; port 0 picks one
    Bind string `mapstructure:"bind"`
    // AddrList explicit destinations, "host[:port]" separated by spaces or commas
    AddrList []string `mapstructure:"addr_list"`
    // AutoAddrList adds the limited broadcast address to AddrList
    AutoAddrList bool `mapstructure:"auto_addr_list"`
    // BroadcastPort default port for AddrList entries without one
    BroadcastPort int `mapstructure:"broadcast_port"`
    // Variant: rich or simple
    Variant string `mapstructure:"variant"`

    Period         time.Duration `mapstructure:"period"`
    Jitter         float64       `mapstructure:"jitter"`
    Coalesce       time.Duration `mapstructure:"coalesce"`
    MaxEntries     int           `mapstructure:"max_entries"`
    FramesPerPause int           `mapstructure:"frames_per_pause"`
    Pause          time.Duration `mapstructure:"pause"`
    AnomalyWindow  time.Duration `mapstructure:"anomaly_window"`
}

func (s SearchConfig) setDefaults(v *viper.Viper) {
    v.SetDefault("search.bind", s.Bind)
    v.SetDefault("search.addr_list", s.AddrList)
    v.SetDefault("search.auto_addr_list", s.AutoAddrList)
    v.SetDefault("search.broadcast_port", s.BroadcastPort)
    v.SetDefault("search.variant", s.Variant)
    v.SetDefault("search.period", s.Period)
    v.SetDefault("search.jitter", s.Jitter)
    v.SetDefault("search.coalesce", s.Coalesce)
    v.SetDefault("search.max_entries", s.MaxEntries)
    v.SetDefault("search.frames_per_pause", s.FramesPerPause)
    v.SetDefault("search.pause", s.Pause)
    v.SetDefault("search.anomaly_window", s.AnomalyWindow)
}

func (s *SearchConfig) validate() error {
    s.AddrList = splitList(s.AddrList)
    s.Variant = strings.ToLower(strings.TrimSpace(s.Variant))
    switch s.Variant {
    case "":
        s.Variant = "rich"
    case "rich", "simple":
    default:
        return fmt.Errorf("invalid search.variant: %q", s.Variant)
    }
    if s.BroadcastPort <= 0 || s.BroadcastPort > 0xffff {
        return fmt.Errorf("invalid search.broadcast_port: %d", s.BroadcastPort)
    }
    if s.Jitter < 0 || s.Jitter >= 1 {
        return fmt.Errorf("invalid search.jitter: %v", s.Jitter)
    }
    if s.MaxEntries < 0 {
        return fmt.Errorf("invalid search.max_entries: %d", s.MaxEntries)
    }
    if s.Bind == "" {
        s.Bind = "0.0.0.0:0"
    }
    return nil
}

// Destinations returns the effective search address list.
func (s SearchConfig) Destinations() []string {
    out := append([]string(nil), s.AddrList...)
    if s.AutoAddrList {
        out = append(out, "255.255.255.255")
    }
    return out
}

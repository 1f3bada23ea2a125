package config

import (
    "fmt"
    "strings"
    "time"

    "github.com/spf13/viper"
)

// TransportConfig controls virtual circuits.
// Example YAML:
// transport:
//   kind: quic
//   server_port: 5075
//   validation_timeout: 3s
type TransportConfig struct {
    // Kind: tcp or quic
    Kind string `mapstructure:"kind"`
    // ServerPort default port for server endpoints given without one
    ServerPort int `mapstructure:"server_port"`
    // Priority default circuit priority
    Priority int `mapstructure:"priority"`

    ReceiveBufferSize int           `mapstructure:"receive_buffer_size"`
    SendBufferSize    int           `mapstructure:"send_buffer_size"`
    ConnectTimeout    time.Duration `mapstructure:"connect_timeout"`
    ValidationTimeout time.Duration `mapstructure:"validation_timeout"`
    KeepAlive         time.Duration `mapstructure:"keep_alive"`
}

func (t TransportConfig) setDefaults(v *viper.Viper) {
    v.SetDefault("transport.kind", t.Kind)
    v.SetDefault("transport.server_port", t.ServerPort)
    v.SetDefault("transport.priority", t.Priority)
    v.SetDefault("transport.receive_buffer_size", t.ReceiveBufferSize)
    v.SetDefault("transport.send_buffer_size", t.SendBufferSize)
    v.SetDefault("transport.connect_timeout", t.ConnectTimeout)
    v.SetDefault("transport.validation_timeout", t.ValidationTimeout)
    v.SetDefault("transport.keep_alive", t.KeepAlive)
}

func (t *TransportConfig) validate() error {
    t.Kind = strings.ToLower(strings.TrimSpace(t.Kind))
    switch t.Kind {
    case "":
        t.Kind = "tcp"
    case "tcp", "quic":
    default:
        return fmt.Errorf("invalid transport.kind: %q", t.Kind)
    }
    if t.ServerPort <= 0 || t.ServerPort > 0xffff {
        return fmt.Errorf("invalid transport.server_port: %d", t.ServerPort)
    }
    if t.Priority < -0x8000 || t.Priority > 0x7fff {
        return fmt.Errorf("invalid transport.priority: %d", t.Priority)
    }
    return nil
}

// BeaconConfig controls server presence tracking.
type BeaconConfig struct {
    // Expiry forgets a server silent for this long
    Expiry time.Duration `mapstructure:"expiry"`
}

// ServerConfig configures the responder run by `pvnet serve`.
type ServerConfig struct {
    // Listen circuit listen address
    Listen string `mapstructure:"listen"`
    // SearchBind UDP address answering searches
    SearchBind string `mapstructure:"search_bind"`
    // BeaconAddrList beacon destinations; empty disables beacons
    BeaconAddrList []string `mapstructure:"beacon_addr_list"`
    // BeaconPeriod interval between beacons
    BeaconPeriod time.Duration `mapstructure:"beacon_period"`
}

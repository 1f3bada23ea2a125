// Package config provides file and environment based configuration for pvnet.
package config

import (
    "errors"
    "fmt"
    "os"
    "path/filepath"
    "strings"
    "time"

    "github.com/spf13/viper"
)

// Config is the root application configuration.
type Config struct {
    // AppName optional logical name of the client or server process
    AppName string `mapstructure:"app_name"`

    // Log holds logging configuration
    Log LogConfig `mapstructure:"log"`

    // Search controls channel discovery
    Search SearchConfig `mapstructure:"search"`

    // Transport controls virtual circuits
    Transport TransportConfig `mapstructure:"transport"`

    // Beacon controls server presence tracking
    Beacon BeaconConfig `mapstructure:"beacon"`

    // Server is used by `pvnet serve` only
    Server ServerConfig `mapstructure:"server"`
}

// LogConfig defines logger settings.
type LogConfig struct {
    // Level: debug, info, warn, error
    Level string `mapstructure:"level"`
    // Format: console or json
    Format string `mapstructure:"format"`
    // Outputs: list of outputs: stdout, stderr, or file paths
    Outputs []string `mapstructure:"outputs"`

    // Rotation controls file rotation when writing to files
    Rotation RotationConfig `mapstructure:"rotation"`
    // Development toggles development-friendly logging options
    Development bool `mapstructure:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
    Enable     bool   `mapstructure:"enable"`
    Filename   string `mapstructure:"filename"`
    MaxSizeMB  int    `mapstructure:"max_size_mb"`
    MaxBackups int    `mapstructure:"max_backups"`
    MaxAgeDays int    `mapstructure:"max_age_days"`
    Compress   bool   `mapstructure:"compress"`
}

// Protocol defaults.
const (
    DefaultBroadcastPort = 5076
    DefaultServerPort    = 5075
)

// Default returns a Config populated with sensible defaults.
func Default() *Config {
    return &Config{
        AppName: "pvnet",
        Log: LogConfig{
            Level:   "info",
            Format:  "console",
            Outputs: []string{"stderr"},
            Rotation: RotationConfig{
                Enable:     false,
                Filename:   "logs/pvnet.log",
                MaxSizeMB:  50,
                MaxBackups: 3,
                MaxAgeDays: 28,
                Compress:   true,
            },
        },
        Search: SearchConfig{
            Bind:           "0.0.0.0:0",
            AutoAddrList:   true,
            BroadcastPort:  DefaultBroadcastPort,
            Variant:        "rich",
            Period:         225 * time.Millisecond,
            Jitter:         0.05,
            Coalesce:       10 * time.Millisecond,
            MaxEntries:     32,
            FramesPerPause: 10,
            Pause:          20 * time.Millisecond,
            AnomalyWindow:  100 * time.Millisecond,
        },
        Transport: TransportConfig{
            Kind:              "tcp",
            ServerPort:        DefaultServerPort,
            ReceiveBufferSize: 0x4000,
            SendBufferSize:    0x4000,
            ConnectTimeout:    5 * time.Second,
            ValidationTimeout: 5 * time.Second,
            KeepAlive:         15 * time.Second,
        },
        Beacon: BeaconConfig{Expiry: 45 * time.Second},
        Server: ServerConfig{
            Listen:       fmt.Sprintf(":%d", DefaultServerPort),
            SearchBind:   fmt.Sprintf("0.0.0.0:%d", DefaultBroadcastPort),
            BeaconPeriod: 15 * time.Second,
        },
    }
}

// Load reads configuration from the provided path (if non-empty),
// otherwise it searches common locations and supports environment overrides.
// Environment variables use the prefix PVNET and `.`/`-` are replaced with `_`.
// Example: PVNET_LOG_LEVEL=debug. The conventional EPICS_PVA_* names are
// accepted as aliases for the address list and port settings.
func Load(path string) (*Config, error) {
    cfg := Default()

    v := viper.New()
    v.SetConfigType("yaml")
    v.SetEnvPrefix("PVNET")
    v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
    v.AutomaticEnv()

    // seed defaults for viper so env-only configs work
    v.SetDefault("app_name", cfg.AppName)
    v.SetDefault("log.level", cfg.Log.Level)
    v.SetDefault("log.format", cfg.Log.Format)
    v.SetDefault("log.outputs", cfg.Log.Outputs)
    v.SetDefault("log.development", cfg.Log.Development)
    v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
    v.SetDefault("log.rotation.filename", cfg.Log.Rotation.Filename)
    v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
    v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
    v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
    v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)
    cfg.Search.setDefaults(v)
    cfg.Transport.setDefaults(v)
    v.SetDefault("beacon.expiry", cfg.Beacon.Expiry)
    v.SetDefault("server.listen", cfg.Server.Listen)
    v.SetDefault("server.search_bind", cfg.Server.SearchBind)
    v.SetDefault("server.beacon_addr_list", cfg.Server.BeaconAddrList)
    v.SetDefault("server.beacon_period", cfg.Server.BeaconPeriod)

    // protocol environment aliases; the PVNET_ name wins when both are set
    _ = v.BindEnv("search.addr_list", "PVNET_SEARCH_ADDR_LIST", "EPICS_PVA_ADDR_LIST")
    _ = v.BindEnv("search.auto_addr_list", "PVNET_SEARCH_AUTO_ADDR_LIST", "EPICS_PVA_AUTO_ADDR_LIST")
    _ = v.BindEnv("search.broadcast_port", "PVNET_SEARCH_BROADCAST_PORT", "EPICS_PVA_BROADCAST_PORT")
    _ = v.BindEnv("transport.server_port", "PVNET_TRANSPORT_SERVER_PORT", "EPICS_PVA_SERVER_PORT")

    // Choose config file
    if path == "" {
        // Allow override via env var
        if envPath := os.Getenv("PVNET_CONFIG"); envPath != "" {
            path = envPath
        }
    }

    if path != "" {
        v.SetConfigFile(path)
    } else {
        // Search common locations with base name `pvnet`
        v.SetConfigName("pvnet")
        v.AddConfigPath(".")
        v.AddConfigPath("./configs")
        if home, err := os.UserHomeDir(); err == nil {
            v.AddConfigPath(filepath.Join(home, ".pvnet"))
        }
    }

    // Read config file if present; if not found, continue with defaults/env
    if err := v.ReadInConfig(); err != nil {
        var viperConfigFileNotFound viper.ConfigFileNotFoundError
        if !errors.As(err, &viperConfigFileNotFound) {
            return nil, fmt.Errorf("read config: %w", err)
        }
    }

    // EPICS style YES/NO does not decode as a bool
    if s := v.GetString("search.auto_addr_list"); s != "" {
        b, err := parseBool(s)
        if err != nil {
            return nil, fmt.Errorf("search.auto_addr_list: %w", err)
        }
        v.Set("search.auto_addr_list", b)
    }

    if err := v.Unmarshal(cfg); err != nil {
        return nil, fmt.Errorf("decode config: %w", err)
    }

    if err := cfg.validate(); err != nil {
        return nil, err
    }
    return cfg, nil
}

func parseBool(s string) (bool, error) {
    switch strings.ToLower(strings.TrimSpace(s)) {
    case "1", "t", "true", "y", "yes", "on":
        return true, nil
    case "0", "f", "false", "n", "no", "off":
        return false, nil
    }
    return false, fmt.Errorf("invalid boolean %q", s)
}

func (c *Config) validate() error {
    lvl := strings.ToLower(strings.TrimSpace(c.Log.Level))
    switch lvl {
    case "debug", "info", "warn", "warning", "error":
        // ok
    default:
        return fmt.Errorf("invalid log.level: %q", c.Log.Level)
    }

    if c.Log.Format == "" {
        c.Log.Format = "console"
    }
    if len(c.Log.Outputs) == 0 {
        c.Log.Outputs = []string{"stderr"}
    }
    if err := c.Search.validate(); err != nil {
        return err
    }
    if err := c.Transport.validate(); err != nil {
        return err
    }
    if c.Beacon.Expiry <= 0 {
        return fmt.Errorf("invalid beacon.expiry: %s", c.Beacon.Expiry)
    }
    c.Server.BeaconAddrList = splitList(c.Server.BeaconAddrList)
    return nil
}

// splitList flattens entries that themselves hold space or comma separated
// lists, as environment variables do.
func splitList(in []string) []string {
    var out []string
    for _, s := range in {
        out = append(out, strings.Fields(strings.ReplaceAll(s, ",", " "))...)
    }
    return out
}

// MustLoad is a convenience that panics on error.
func MustLoad(path string) *Config {
    cfg, err := Load(path)
    if err != nil {
        panic(err)
    }
    return cfg
}

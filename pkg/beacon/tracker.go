// Package beacon tracks server presence announcements. New servers and
// changed server state drive the search boost; a known endpoint announcing
// a different GUID means the server restarted.
package beacon

import (
    "net/netip"
    "strings"
    "sync"
    "time"

    cbor "github.com/fxamacker/cbor/v2"
    "go.uber.org/zap"

    "pvnet/pkg/memkv"
    "pvnet/pkg/protocol"
)

// DefaultExpiry forgets a server that has been silent this long.
const DefaultExpiry = 45 * time.Second

const keyPrefix = "server/"

// Record is the stored state of one server.
type Record struct {
    GUID        protocol.GUID `cbor:"1,keyasint"`
    ChangeCount uint16        `cbor:"2,keyasint"`
    Sequence    uint8         `cbor:"3,keyasint"`
    Protocol    string        `cbor:"4,keyasint,omitempty"`
    FirstSeen   int64         `cbor:"5,keyasint"`
    LastSeen    int64         `cbor:"6,keyasint"`
}

// Server is a tracked server.
type Server struct {
    Endpoint netip.AddrPort
    // ExpiresIn is how long the server stays listed without another beacon.
    ExpiresIn time.Duration
    Record
}

// Options configure a Tracker.
type Options struct {
    Expiry time.Duration
    // OnNewServer fires for a server seen for the first time, after it
    // expired, or when its change count moved.
    OnNewServer func(ep netip.AddrPort, b protocol.Beacon)
    // OnServerRestart fires when a known endpoint announces a new GUID.
    OnServerRestart func(ep netip.AddrPort)
    Now             func() time.Time
    Logger          *zap.Logger
}

// Tracker keeps per-server state in a memkv store with TTL expiry.
type Tracker struct {
    opts  Options
    log   *zap.Logger
    store *memkv.Store
    mu    sync.Mutex // serializes read-modify-write per beacon
}

func New(opts Options) *Tracker {
    if opts.Expiry <= 0 { opts.Expiry = DefaultExpiry }
    if opts.Now == nil { opts.Now = time.Now }
    if opts.Logger == nil { opts.Logger = zap.L() }
    t := &Tracker{opts: opts, log: opts.Logger.Named("beacon")}
    t.store = memkv.New(memkv.Options{
        Now: opts.Now,
        OnExpire: func(key string, _ []byte) {
            t.log.Debug("server beacon expired", zap.String("server", strings.TrimPrefix(key, keyPrefix)))
        },
    })
    return t
}

// Handle processes one beacon received from the given source address.
func (t *Tracker) Handle(from netip.AddrPort, b protocol.Beacon) {
    ep := b.Server
    if !ep.Addr().IsValid() || ep.Addr().IsUnspecified() {
        ep = netip.AddrPortFrom(from.Addr(), b.Server.Port())
    }
    key := keyPrefix + ep.String()
    now := t.opts.Now().UnixNano()

    t.mu.Lock()
    var prev Record
    raw, known := t.store.Get(key)
    if known {
        if err := cbor.Unmarshal(raw, &prev); err != nil {
            t.log.Warn("corrupt server record", zap.String("key", key), zap.Error(err))
            known = false
        }
    }
    rec := Record{
        GUID:        b.GUID,
        ChangeCount: b.ChangeCount,
        Sequence:    b.Sequence,
        Protocol:    b.Protocol,
        FirstSeen:   now,
        LastSeen:    now,
    }
    if known && prev.GUID == b.GUID { rec.FirstSeen = prev.FirstSeen }
    val, err := cbor.Marshal(rec)
    if err == nil { t.store.Set(key, val, t.opts.Expiry) }
    t.mu.Unlock()
    if err != nil {
        t.log.Warn("encode server record", zap.Error(err))
        return
    }

    switch {
    case !known:
        t.log.Debug("new server", zap.Stringer("server", ep), zap.Stringer("guid", b.GUID))
        t.newServer(ep, b)
    case prev.GUID != b.GUID:
        t.log.Info("server restarted", zap.Stringer("server", ep), zap.Stringer("old", prev.GUID), zap.Stringer("new", b.GUID))
        if t.opts.OnServerRestart != nil { t.opts.OnServerRestart(ep) }
        t.newServer(ep, b)
    case prev.ChangeCount != b.ChangeCount:
        t.log.Debug("server changed", zap.Stringer("server", ep), zap.Uint16("changeCount", b.ChangeCount))
        t.newServer(ep, b)
    }
}

func (t *Tracker) newServer(ep netip.AddrPort, b protocol.Beacon) {
    if t.opts.OnNewServer != nil { t.opts.OnNewServer(ep, b) }
}

// Servers returns every live server ordered by endpoint.
func (t *Tracker) Servers() []Server {
    var out []Server
    for _, key := range t.store.Keys(keyPrefix) {
        raw, ok := t.store.Get(key)
        if !ok { continue }
        var s Server
        if err := cbor.Unmarshal(raw, &s.Record); err != nil { continue }
        ep, err := netip.ParseAddrPort(strings.TrimPrefix(key, keyPrefix))
        if err != nil { continue }
        s.Endpoint = ep
        if d, ok := t.store.TTL(key); ok { s.ExpiresIn = d }
        out = append(out, s)
    }
    return out
}

// Forget drops the state of one server and returns what was known about it.
// The next beacon from ep counts as a new server.
func (t *Tracker) Forget(ep netip.AddrPort) (Record, bool) {
    t.mu.Lock()
    raw, ok := t.store.GetDel(keyPrefix + ep.String())
    t.mu.Unlock()
    var rec Record
    if !ok { return rec, false }
    if err := cbor.Unmarshal(raw, &rec); err != nil {
        t.log.Warn("corrupt server record", zap.Stringer("server", ep), zap.Error(err))
    }
    return rec, true
}

// Stats returns the counters of the underlying store.
func (t *Tracker) Stats() memkv.Stats { return t.store.Metrics() }

// Close stops the expiry goroutine.
func (t *Tracker) Close() { t.store.Close() }

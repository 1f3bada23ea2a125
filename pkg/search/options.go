package search

import (
    "math/rand"
    "net/netip"
    "time"

    "go.uber.org/zap"

    "pvnet/pkg/protocol"
)

// Defaults for Options.
const (
    DefaultPeriod         = 225 * time.Millisecond
    DefaultJitter         = 0.05
    DefaultCoalesce       = 10 * time.Millisecond
    DefaultMaxEntries     = 32
    DefaultFramesPerPause = 10
    DefaultPause          = 20 * time.Millisecond
    DefaultAnomalyWindow  = 100 * time.Millisecond

    // BoostValue is the counter every pending search restarts from when a
    // new server shows up.
    BoostValue = 1
)

// Limits returns the back-off counter bound and the odd value the counter
// falls back to once it reaches the bound.
func Limits(v protocol.Variant) (max, fallback uint32) {
    if v == protocol.VariantRich {
        return 1 << 8, 1<<7 + 1
    }
    return 1 << 7, 1<<6 + 1
}

// Options configure a Manager. Zero values take the defaults.
type Options struct {
    Variant protocol.Variant
    // Period is the sweep interval before jitter. A negative period turns
    // the periodic timer off; Sweep is then driven by the caller.
    Period time.Duration
    // Jitter is the relative spread applied once to Period.
    Jitter   float64
    Coalesce time.Duration
    // MaxEntries bounds the channels packed into one search message.
    MaxEntries int
    // FramesPerPause datagrams are sent back to back before pausing.
    FramesPerPause int
    // Pause between bursts; negative disables pacing.
    Pause         time.Duration
    AnomalyWindow  time.Duration
    // ReplyTo is announced in rich requests. An unspecified address asks
    // servers to answer the datagram's source address.
    ReplyTo netip.AddrPort
    // Flags are rich request flags such as protocol.SearchFlagReplyRequired.
    Flags  uint8
    Rand   *rand.Rand
    Now    func() time.Time
    Logger *zap.Logger
}

func (o *Options) defaults() {
    if o.Period == 0 { o.Period = DefaultPeriod }
    if o.Jitter == 0 { o.Jitter = DefaultJitter }
    if o.Coalesce <= 0 { o.Coalesce = DefaultCoalesce }
    if o.MaxEntries <= 0 { o.MaxEntries = DefaultMaxEntries }
    if o.FramesPerPause <= 0 { o.FramesPerPause = DefaultFramesPerPause }
    if o.Pause == 0 { o.Pause = DefaultPause }
    if o.AnomalyWindow <= 0 { o.AnomalyWindow = DefaultAnomalyWindow }
    if o.Rand == nil { o.Rand = rand.New(rand.NewSource(time.Now().UnixNano())) }
    if o.Now == nil { o.Now = time.Now }
    if o.Logger == nil { o.Logger = zap.L() }
}

// jittered returns p scaled by a random factor in [1-j, 1+j].
func jittered(p time.Duration, j float64, r *rand.Rand) time.Duration {
    if p <= 0 || j <= 0 { return p }
    f := 1 + j*(2*r.Float64()-1)
    return time.Duration(float64(p) * f)
}

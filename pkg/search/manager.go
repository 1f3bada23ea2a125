// Package search locates the servers hosting named channels. Every pending
// channel is searched once immediately and then on a periodic sweep with
// exponential back-off, over a shared datagram transport.
package search

import (
    "errors"
    "net/netip"
    "sort"
    "sync"
    "sync/atomic"
    "time"

    "go.uber.org/zap"

    "pvnet/pkg/protocol"
    "pvnet/pkg/transport"
)

// ErrCancelled is returned by Register once the manager was cancelled.
var ErrCancelled = errors.New("search: manager cancelled")

// Found describes a located channel.
type Found struct {
    ChannelID uint32
    Server    netip.AddrPort
    Revision  uint8
    Sequence  uint32
    GUID      protocol.GUID
    // Responder is the source address of the response datagram.
    Responder netip.AddrPort
    // Duplicate marks a response for a channel that was already resolved.
    Duplicate bool
}

// Channel is a searchable channel. The channel id must be unique among the
// channels registered with one manager.
type Channel interface {
    ChannelID() uint32
    ChannelName() string
    OnChannelFound(f Found)
}

type instance struct {
    ch      Channel
    counter uint32
}

// Manager runs the search state machine:
// unregistered -> pending -> resolved, or pending -> cancelled.
type Manager struct {
    tr   transport.Transport
    opts Options
    log  *zap.Logger

    max, fallback uint32
    period        time.Duration

    mu        sync.Mutex
    pending   map[uint32]*instance
    resolved  map[uint32]Channel
    lastBoost time.Time

    immMu     sync.Mutex
    immCond   *sync.Cond
    immediate []*instance

    sendMu    sync.Mutex // one transmission at a time
    seq       atomic.Uint32
    cancelled atomic.Bool
    stop      chan struct{}
    wg        sync.WaitGroup
}

// New starts a manager sending over tr.
func New(tr transport.Transport, opts Options) *Manager {
    opts.defaults()
    m := &Manager{
        tr:       tr,
        opts:     opts,
        log:      opts.Logger.Named("search"),
        pending:  make(map[uint32]*instance),
        resolved: make(map[uint32]Channel),
        stop:     make(chan struct{}),
    }
    m.immCond = sync.NewCond(&m.immMu)
    m.max, m.fallback = Limits(opts.Variant)
    m.period = jittered(opts.Period, opts.Jitter, opts.Rand)

    m.wg.Add(1)
    go m.immediateWorker()
    if m.period > 0 {
        m.wg.Add(1)
        go m.timerLoop()
    }
    m.log.Debug("search manager started", zap.Duration("period", m.period), zap.Stringer("variant", opts.Variant))
    return m
}

// Period is the jittered sweep interval, zero or negative when sweeps are
// driven manually.
func (m *Manager) Period() time.Duration { return m.period }

// Register makes ch pending and queues it for an immediate search. A
// penalized channel starts further along the back-off schedule.
func (m *Manager) Register(ch Channel, penalize bool) error {
    if m.cancelled.Load() { return ErrCancelled }
    inst := &instance{ch: ch, counter: 1}
    if penalize { inst.counter = m.fallback }
    id := ch.ChannelID()

    m.mu.Lock()
    if _, ok := m.pending[id]; ok {
        m.mu.Unlock()
        return nil
    }
    delete(m.resolved, id)
    m.pending[id] = inst
    m.mu.Unlock()

    m.immMu.Lock()
    m.immediate = append(m.immediate, inst)
    m.immCond.Signal()
    m.immMu.Unlock()
    return nil
}

// Unregister forgets the channel, pending or resolved.
func (m *Manager) Unregister(id uint32) {
    m.mu.Lock()
    delete(m.pending, id)
    delete(m.resolved, id)
    m.mu.Unlock()
}

// NumPending returns the number of unresolved channels.
func (m *Manager) NumPending() int {
    m.mu.Lock()
    defer m.mu.Unlock()
    return len(m.pending)
}

// Pending returns the ids of unresolved channels in ascending order.
func (m *Manager) Pending() []uint32 {
    m.mu.Lock()
    out := make([]uint32, 0, len(m.pending))
    for id := range m.pending { out = append(out, id) }
    m.mu.Unlock()
    sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
    return out
}

// Counter returns the back-off counter of a pending channel.
func (m *Manager) Counter(id uint32) (uint32, bool) {
    m.mu.Lock()
    defer m.mu.Unlock()
    inst, ok := m.pending[id]
    if !ok { return 0, false }
    return inst.counter, true
}

// HandleResponse resolves the channel a response names. Responses for
// channels that already resolved are forwarded to them marked Duplicate;
// unknown ids are ignored.
func (m *Manager) HandleResponse(resp protocol.SearchResponse, from netip.AddrPort) {
    f := Found{
        ChannelID: resp.ChannelID,
        Server:    resp.Server,
        Revision:  resp.MinorRevision,
        Sequence:  resp.Sequence,
        GUID:      resp.GUID,
        Responder: from,
    }
    if !f.Server.Addr().IsValid() || f.Server.Addr().IsUnspecified() {
        f.Server = netip.AddrPortFrom(from.Addr(), resp.Server.Port())
    }

    m.mu.Lock()
    var ch Channel
    if inst, ok := m.pending[resp.ChannelID]; ok {
        delete(m.pending, resp.ChannelID)
        m.resolved[resp.ChannelID] = inst.ch
        ch = inst.ch
    } else if rc, ok := m.resolved[resp.ChannelID]; ok {
        ch = rc
        f.Duplicate = true
    }
    m.mu.Unlock()

    if ch == nil {
        m.log.Debug("response for unknown channel", zap.Uint32("cid", resp.ChannelID), zap.Stringer("from", from))
        return
    }
    ch.OnChannelFound(f)
}

// NotifyAnomaly reacts to a newly detected server: every pending counter is
// reset to BoostValue and an extra sweep runs right away. Signals within
// the anomaly window of the previous boost are ignored.
func (m *Manager) NotifyAnomaly() {
    if m.cancelled.Load() { return }
    now := m.opts.Now()
    m.mu.Lock()
    if !m.lastBoost.IsZero() && now.Sub(m.lastBoost) < m.opts.AnomalyWindow {
        m.mu.Unlock()
        return
    }
    m.lastBoost = now
    for _, inst := range m.pending { inst.counter = BoostValue }
    m.mu.Unlock()
    m.Sweep()
}

// Sweep runs one periodic back-off step: every pending counter advances
// and channels whose counter was a power of two are searched.
func (m *Manager) Sweep() {
    if m.cancelled.Load() { return }
    m.mu.Lock()
    due := make([]Channel, 0, len(m.pending))
    for _, inst := range m.pending {
        include := isPowerOfTwo(inst.counter)
        if inst.counter >= m.max {
            inst.counter = m.fallback
        } else {
            inst.counter++
        }
        if include { due = append(due, inst.ch) }
    }
    m.mu.Unlock()
    sort.Slice(due, func(i, j int) bool { return due[i].ChannelID() < due[j].ChannelID() })
    m.transmit(due)
}

// Cancel stops the timer and the immediate worker. Pending channels stay
// pending but are no longer searched.
func (m *Manager) Cancel() {
    if !m.cancelled.CompareAndSwap(false, true) { return }
    close(m.stop)
    m.immMu.Lock()
    m.immCond.Broadcast()
    m.immMu.Unlock()
    m.wg.Wait()
}

func isPowerOfTwo(v uint32) bool { return v != 0 && v&(v-1) == 0 }

func (m *Manager) timerLoop() {
    defer m.wg.Done()
    tk := time.NewTicker(m.period)
    defer tk.Stop()
    for {
        select {
        case <-m.stop:
            return
        case <-tk.C:
            m.Sweep()
        }
    }
}

func (m *Manager) immediateWorker() {
    defer m.wg.Done()
    for {
        m.immMu.Lock()
        for len(m.immediate) == 0 && !m.cancelled.Load() {
            m.immCond.Wait()
        }
        if m.cancelled.Load() {
            m.immMu.Unlock()
            return
        }
        m.immMu.Unlock()

        select {
        case <-time.After(m.opts.Coalesce):
        case <-m.stop:
            return
        }

        m.immMu.Lock()
        batch := m.immediate
        m.immediate = nil
        m.immMu.Unlock()

        due := make([]Channel, 0, len(batch))
        m.mu.Lock()
        for _, inst := range batch {
            if m.pending[inst.ch.ChannelID()] == inst { due = append(due, inst.ch) }
        }
        m.mu.Unlock()
        m.transmit(due)
    }
}

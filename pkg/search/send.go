package search

import (
    "errors"
    "net/netip"
    "time"

    "go.uber.org/zap"

    "pvnet/pkg/protocol"
    "pvnet/pkg/transport"
)

func (m *Manager) replyTo() netip.AddrPort {
    if m.opts.ReplyTo.IsValid() { return m.opts.ReplyTo }
    return netip.AddrPortFrom(netip.IPv4Unspecified(), m.tr.Remote().Port())
}

// transmit sends one batch. Entries are packed until the per-message limit
// or the datagram is full; after every FramesPerPause datagrams the sender
// pauses so a large batch does not go out as one burst.
func (m *Manager) transmit(chs []Channel) {
    if len(chs) == 0 { return }
    m.sendMu.Lock()
    defer m.sendMu.Unlock()

    v := m.opts.Variant
    seq := m.seq.Add(1)
    reply := m.replyTo()
    frames := 0
    for len(chs) > 0 {
        if m.cancelled.Load() { return }
        n := 0
        err := m.tr.Enqueue(transport.SenderFunc(func(b *protocol.Buffer, c transport.Control) error {
            n = 0
            if err := c.StartMessage(protocol.CmdSearch, protocol.SearchPrefixSize(v)); err != nil { return err }
            countOff, err := protocol.PutSearchPrefix(b, v, seq, m.opts.Flags, reply)
            if err != nil { return err }
            for n < len(chs) && n < m.opts.MaxEntries {
                e := protocol.SearchEntry{ChannelID: chs[n].ChannelID(), Name: chs[n].ChannelName()}
                if n > 0 && b.Free() < e.EncodedSize() { break }
                protocol.PutSearchEntry(b, e)
                n++
            }
            if countOff >= 0 { b.PutUint16At(countOff, uint16(n)) }
            return nil
        }))
        if err != nil {
            m.log.Debug("search send failed", zap.Uint32("seq", seq), zap.Int("channels", n), zap.Error(err))
            if n == 0 || errors.Is(err, transport.ErrClosed) { return }
        }
        chs = chs[n:]
        frames++
        if len(chs) > 0 && m.opts.Pause > 0 && frames%m.opts.FramesPerPause == 0 {
            select {
            case <-time.After(m.opts.Pause):
            case <-m.stop:
                return
            }
        }
    }
}

package memkv

import (
    "container/heap"
    "sort"
    "strings"
    "sync"
    "sync/atomic"
    "time"
)

// Options configure a Store.
type Options struct {
    Shards   int    // number of shards (default 16)
    MaxBytes uint64 // cap on total value bytes, 0 = unlimited
    // OnExpire is called from the expiry goroutine for every key removed
    // because its TTL ran out.
    OnExpire func(key string, val []byte)
    // Now overrides the clock, for tests.
    Now func() time.Time
}

func (o Options) withDefaults() Options {
    if o.Shards <= 0 { o.Shards = 16 }
    if o.Now == nil { o.Now = time.Now }
    return o
}

// Store is the key/value store.
type Store struct {
    opts    Options
    shards  []shard
    expq    *expQueue
    closeCh chan struct{}
    once    sync.Once
    wg      sync.WaitGroup

    mKeys    atomic.Uint64
    mBytes   atomic.Uint64
    mSets    atomic.Uint64
    mGets    atomic.Uint64
    mHits    atomic.Uint64
    mMisses  atomic.Uint64
    mDels    atomic.Uint64
    mExpired atomic.Uint64
}

type shard struct {
    mu sync.RWMutex
    m  map[string]*entry
}

type entry struct {
    val      []byte
    expireAt int64 // unix nano; 0 = never
}

func (e *entry) expired(now int64) bool { return e.expireAt != 0 && e.expireAt <= now }

// New starts a store and its expiry goroutine.
func New(opts Options) *Store {
    opts = opts.withDefaults()
    s := &Store{
        opts:    opts,
        shards:  make([]shard, opts.Shards),
        expq:    &expQueue{},
        closeCh: make(chan struct{}),
    }
    s.expq.cond = sync.NewCond(&s.expq.mu)
    s.expq.wake = make(chan struct{}, 1)
    for i := range s.shards {
        s.shards[i].m = make(map[string]*entry)
    }
    s.wg.Add(1)
    go s.expirer()
    return s
}

// Close stops the expiry goroutine. The store stays readable.
func (s *Store) Close() {
    s.once.Do(func() {
        close(s.closeCh)
        s.expq.mu.Lock()
        s.expq.cond.Broadcast()
        s.expq.mu.Unlock()
        s.wg.Wait()
    })
}

func (s *Store) now() int64 { return s.opts.Now().UnixNano() }

// shardFor hashes key with FNV-1a.
func (s *Store) shardFor(key string) *shard {
    var h uint64 = 1469598103934665603
    for i := 0; i < len(key); i++ {
        h ^= uint64(key[i])
        h *= 1099511628211
    }
    return &s.shards[int(h%uint64(len(s.shards)))]
}

func clone(b []byte) []byte {
    if b == nil { return nil }
    out := make([]byte, len(b))
    copy(out, b)
    return out
}

// reserve accounts for delta more bytes, failing if the cap would be exceeded.
func (s *Store) reserve(delta uint64) bool {
    if s.opts.MaxBytes == 0 {
        s.mBytes.Add(delta)
        return true
    }
    for {
        cur := s.mBytes.Load()
        if cur+delta > s.opts.MaxBytes { return false }
        if s.mBytes.CompareAndSwap(cur, cur+delta) { return true }
    }
}

func (s *Store) release(n int) {
    if n <= 0 { return }
    for {
        cur := s.mBytes.Load()
        next := uint64(0)
        if uint64(n) < cur { next = cur - uint64(n) }
        if s.mBytes.CompareAndSwap(cur, next) { return }
    }
}

// removeLocked deletes key from sh; the caller holds sh.mu.
func (s *Store) removeLocked(sh *shard, key string, e *entry) {
    delete(sh.m, key)
    s.mKeys.Add(^uint64(0))
    s.release(len(e.val))
}

// Set stores val under key. A ttl <= 0 never expires. It reports false if
// the value would exceed MaxBytes; the previous value is then kept.
func (s *Store) Set(key string, val []byte, ttl time.Duration) bool {
    now := s.opts.Now()
    expAt := int64(0)
    if ttl > 0 { expAt = now.Add(ttl).UnixNano() }
    v := clone(val)

    sh := s.shardFor(key)
    sh.mu.Lock()
    prev, existed := sh.m[key]
    oldLen := 0
    if existed { oldLen = len(prev.val) }
    if delta := len(v) - oldLen; delta > 0 {
        if !s.reserve(uint64(delta)) {
            sh.mu.Unlock()
            return false
        }
    } else {
        s.release(-delta)
    }
    sh.m[key] = &entry{val: v, expireAt: expAt}
    if !existed { s.mKeys.Add(1) }
    s.mSets.Add(1)
    sh.mu.Unlock()

    if expAt != 0 { s.enqueueExpire(key, expAt) }
    return true
}

// Get returns a copy of the value stored under key.
func (s *Store) Get(key string) ([]byte, bool) {
    s.mGets.Add(1)
    sh := s.shardFor(key)
    sh.mu.RLock()
    e, ok := sh.m[key]
    var val []byte
    expired := false
    if ok {
        expired = e.expired(s.now())
        val = clone(e.val)
    }
    sh.mu.RUnlock()

    if !ok {
        s.mMisses.Add(1)
        return nil, false
    }
    if expired {
        sh.mu.Lock()
        if e2, ok2 := sh.m[key]; ok2 && e2.expired(s.now()) {
            s.removeLocked(sh, key, e2)
            s.mExpired.Add(1)
        }
        sh.mu.Unlock()
        s.mMisses.Add(1)
        return nil, false
    }
    s.mHits.Add(1)
    return val, true
}

// GetDel returns and removes the value under key.
func (s *Store) GetDel(key string) ([]byte, bool) {
    s.mGets.Add(1)
    sh := s.shardFor(key)
    sh.mu.Lock()
    defer sh.mu.Unlock()
    e, ok := sh.m[key]
    if !ok {
        s.mMisses.Add(1)
        return nil, false
    }
    s.removeLocked(sh, key, e)
    if e.expired(s.now()) {
        s.mExpired.Add(1)
        s.mMisses.Add(1)
        return nil, false
    }
    s.mDels.Add(1)
    s.mHits.Add(1)
    return e.val, true
}

// Delete removes key and reports whether it was present.
func (s *Store) Delete(key string) bool {
    sh := s.shardFor(key)
    sh.mu.Lock()
    defer sh.mu.Unlock()
    e, ok := sh.m[key]
    if !ok { return false }
    s.removeLocked(sh, key, e)
    s.mDels.Add(1)
    return true
}

// TTL returns the remaining lifetime; zero with ok=true means no TTL.
func (s *Store) TTL(key string) (time.Duration, bool) {
    sh := s.shardFor(key)
    sh.mu.RLock()
    e, ok := sh.m[key]
    var exp int64
    if ok { exp = e.expireAt }
    sh.mu.RUnlock()
    if !ok { return 0, false }
    if exp == 0 { return 0, true }
    now := s.now()
    if exp <= now {
        s.Delete(key)
        return 0, false
    }
    return time.Duration(exp - now), true
}

// Keys returns the live keys with the given prefix, sorted.
func (s *Store) Keys(prefix string) []string {
    now := s.now()
    var out []string
    for i := range s.shards {
        sh := &s.shards[i]
        sh.mu.RLock()
        for k, e := range sh.m {
            if strings.HasPrefix(k, prefix) && !e.expired(now) { out = append(out, k) }
        }
        sh.mu.RUnlock()
    }
    sort.Strings(out)
    return out
}

// Stats is a snapshot of the store counters.
type Stats struct {
    Keys    uint64
    Bytes   uint64
    Sets    uint64
    Gets    uint64
    Hits    uint64
    Misses  uint64
    Dels    uint64
    Expired uint64
}

func (s *Store) Metrics() Stats {
    return Stats{
        Keys:    s.mKeys.Load(),
        Bytes:   s.mBytes.Load(),
        Sets:    s.mSets.Load(),
        Gets:    s.mGets.Load(),
        Hits:    s.mHits.Load(),
        Misses:  s.mMisses.Load(),
        Dels:    s.mDels.Load(),
        Expired: s.mExpired.Load(),
    }
}

// ---- expiry queue ----

type expItem struct {
    when int64
    key  string
}

type expQueue struct {
    mu    sync.Mutex
    cond  *sync.Cond
    items []expItem
    wake  chan struct{} // an earlier deadline was queued
}

func (q *expQueue) Len() int           { return len(q.items) }
func (q *expQueue) Less(i, j int) bool { return q.items[i].when < q.items[j].when }
func (q *expQueue) Swap(i, j int)      { q.items[i], q.items[j] = q.items[j], q.items[i] }
func (q *expQueue) Push(x any)         { q.items = append(q.items, x.(expItem)) }
func (q *expQueue) Pop() any {
    n := len(q.items)
    it := q.items[n-1]
    q.items = q.items[:n-1]
    return it
}

func (s *Store) enqueueExpire(key string, when int64) {
    s.expq.mu.Lock()
    heap.Push(s.expq, expItem{when: when, key: key})
    if s.expq.items[0].when == when {
        select {
        case s.expq.wake <- struct{}{}:
        default:
        }
    }
    s.expq.cond.Broadcast()
    s.expq.mu.Unlock()
}

func (s *Store) isClosed() bool {
    select {
    case <-s.closeCh:
        return true
    default:
        return false
    }
}

func (s *Store) expirer() {
    defer s.wg.Done()
    for {
        s.expq.mu.Lock()
        for s.expq.Len() == 0 {
            if s.isClosed() {
                s.expq.mu.Unlock()
                return
            }
            s.expq.cond.Wait()
        }
        it := s.expq.items[0]
        if d := time.Duration(it.when - s.now()); d > 0 {
            s.expq.mu.Unlock()
            timer := time.NewTimer(d)
            select {
            case <-timer.C:
            case <-s.expq.wake:
                timer.Stop()
            case <-s.closeCh:
                timer.Stop()
                return
            }
            continue
        }
        heap.Pop(s.expq)
        s.expq.mu.Unlock()

        // The key may have been refreshed since this item was queued.
        sh := s.shardFor(it.key)
        sh.mu.Lock()
        e := sh.m[it.key]
        var val []byte
        if e != nil && e.expired(s.now()) {
            val = e.val
            s.removeLocked(sh, it.key, e)
            s.mExpired.Add(1)
        } else {
            e = nil
        }
        sh.mu.Unlock()
        if e != nil && s.opts.OnExpire != nil {
            s.opts.OnExpire(it.key, val)
        }
    }
}

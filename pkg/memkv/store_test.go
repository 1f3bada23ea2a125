package memkv

import (
    "bytes"
    "sync"
    "testing"
    "time"
)

func TestSetGetCopies(t *testing.T) {
    s := New(Options{})
    defer s.Close()

    in := []byte("abc")
    if !s.Set("k1", in, 0) { t.Fatalf("set failed") }
    in[0] = 'Z'
    v, ok := s.Get("k1")
    if !ok || string(v) != "abc" { t.Fatalf("Get mismatch: ok=%v v=%q", ok, v) }
    v[0] = 'X'
    if v2, _ := s.Get("k1"); string(v2) != "abc" { t.Fatalf("stored value changed through a copy: %q", v2) }
}

func TestGetDel(t *testing.T) {
    s := New(Options{})
    defer s.Close()

    s.Set("k2", []byte("42"), 0)
    v, ok := s.GetDel("k2")
    if !ok || string(v) != "42" { t.Fatalf("GetDel mismatch: ok=%v v=%q", ok, v) }
    if _, ok := s.Get("k2"); ok { t.Fatalf("expected key to be deleted after GetDel") }
}

func TestLazyExpiryWithClock(t *testing.T) {
    now := time.Unix(100, 0)
    var mu sync.Mutex
    s := New(Options{Now: func() time.Time { mu.Lock(); defer mu.Unlock(); return now }})
    defer s.Close()

    s.Set("k3", []byte("v"), time.Hour)
    if d, ok := s.TTL("k3"); !ok || d != time.Hour { t.Fatalf("TTL %v %v", d, ok) }
    mu.Lock()
    now = now.Add(2 * time.Hour)
    mu.Unlock()
    if _, ok := s.Get("k3"); ok { t.Fatalf("expected key expired") }
    if s.Metrics().Expired != 1 { t.Fatalf("expired=%d", s.Metrics().Expired) }
    if len(s.Keys("")) != 0 { t.Fatalf("expired key listed") }
}

func TestExpirerCallsOnExpire(t *testing.T) {
    got := make(chan string, 1)
    s := New(Options{OnExpire: func(key string, val []byte) { got <- key + "=" + string(val) }})
    defer s.Close()

    s.Set("slow", []byte("1"), time.Hour)
    s.Set("fast", []byte("2"), 20*time.Millisecond)
    select {
    case kv := <-got:
        if kv != "fast=2" { t.Fatalf("expired %q", kv) }
    case <-time.After(2 * time.Second):
        t.Fatalf("expiry callback not called")
    }
    if _, ok := s.Get("slow"); !ok { t.Fatalf("long-lived key expired") }
}

func TestRefreshedKeySurvivesOldDeadline(t *testing.T) {
    s := New(Options{})
    defer s.Close()
    s.Set("k", []byte("v"), 20*time.Millisecond)
    s.Set("k", []byte("v"), time.Hour)
    time.Sleep(60 * time.Millisecond)
    if _, ok := s.Get("k"); !ok { t.Fatalf("refreshed key was expired by its old deadline") }
}

func TestTTLAndKeys(t *testing.T) {
    s := New(Options{})
    defer s.Close()
    s.Set("srv/b", []byte("1"), 0)
    s.Set("srv/a", []byte("2"), time.Minute)
    s.Set("other", []byte("3"), 0)
    keys := s.Keys("srv/")
    if len(keys) != 2 || keys[0] != "srv/a" || keys[1] != "srv/b" { t.Fatalf("keys %v", keys) }
    if d, ok := s.TTL("srv/a"); !ok || d <= 0 || d > time.Minute { t.Fatalf("TTL %v %v", d, ok) }
    if d, ok := s.TTL("srv/b"); !ok || d != 0 { t.Fatalf("TTL without expiry %v %v", d, ok) }
    if _, ok := s.TTL("missing"); ok { t.Fatalf("TTL of missing key") }
}

func TestMaxBytes(t *testing.T) {
    s := New(Options{MaxBytes: 64})
    defer s.Close()

    if !s.Set("a", bytes.Repeat([]byte{'x'}, 50), 0) { t.Fatalf("expected initial Set to succeed") }
    if s.Set("b", bytes.Repeat([]byte{'y'}, 20), 0) { t.Fatalf("expected Set to be rejected when exceeding MaxBytes") }
    if s.Set("a", bytes.Repeat([]byte{'z'}, 70), 0) { t.Fatalf("expected replace to be rejected") }
    if v, _ := s.Get("a"); len(v) != 50 { t.Fatalf("value must remain 50 bytes, got %d", len(v)) }
    s.Delete("a")
    st := s.Metrics()
    if st.Bytes != 0 || st.Keys != 0 { t.Fatalf("after delete: Bytes=%d Keys=%d", st.Bytes, st.Keys) }
}

func TestMetrics(t *testing.T) {
    s := New(Options{})
    defer s.Close()

    s.Set("a", []byte("123"), 0)
    s.Set("b", []byte("5"), 0)
    s.Get("a")
    s.Get("missing")
    s.GetDel("b")

    st := s.Metrics()
    if st.Keys != 1 || st.Sets != 2 { t.Fatalf("Keys/Sets %d/%d", st.Keys, st.Sets) }
    if st.Gets != 3 || st.Hits != 2 || st.Misses != 1 {
        t.Fatalf("Gets/Hits/Misses mismatch: %d/%d/%d", st.Gets, st.Hits, st.Misses)
    }
    if st.Dels != 1 || st.Bytes != 3 { t.Fatalf("Dels/Bytes %d/%d", st.Dels, st.Bytes) }
}

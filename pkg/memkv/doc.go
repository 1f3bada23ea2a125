// Package memkv is a sharded, concurrency-safe in-memory key/value store
// with per-key TTL. A background goroutine removes expired keys and can
// report each removal; reads also drop expired keys lazily.
//
// Properties:
//   - sharded map with one RW mutex per shard (16 shards by default)
//   - values are copied on Set and on Get
//   - optional cap on the total size of stored values (Options.MaxBytes)
//   - atomic counters exposed through Metrics
package memkv

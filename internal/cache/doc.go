// Package cache is the session-scoped result store of the synchronization
// layer. It keeps fetched widget data keyed by the canonical
// (data type, filters) key, with a per-entry TTL and hit/miss accounting.
//
// Expiry is lazy: Get reports a miss once now - StoredAt >= TTL, but the entry
// stays resident until Evict (or the Run sweep) removes it. When a capacity is
// configured, Set evicts least-recently-read entries until the store is back
// under capacity. Capacity 0 disables the bound. SetAt stores an entry as of a
// caller-supplied time and leaves a fresh entry stored later in place.
//
// Key(dataType, filters) builds keys such as `revenue:{"period":"7d","region":"emea"}`.
// Filter keys are sorted, so property order never produces distinct keys.
package cache

// Package coordinator reconciles the cache, the push channel and the polling
// scheduler into one consistent state per (data type, filters) pair.
//
// Every update, whether a load result or a push message, is applied only if
// its timestamp is not older than the state's LastUpdated. A load result is
// timestamped with the time its request started, so a slow fetch that was
// overtaken by a push is dropped instead of overwriting newer data. Loads
// started before a filter change are dropped outright.
//
// After Close no further state writes happen, even for loads that were
// already in flight.
package coordinator

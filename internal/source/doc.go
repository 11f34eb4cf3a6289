// Package source loads widget data through the shared cache, coalescing
// concurrent loads of the same cache key into a single fetch.
//
// A Loader is shared by every coordinator in the process. Two callers that
// ask for the same (dataType, filters) while a fetch is in flight both wait
// for that one fetch, forced refreshes included.
package source

// Package fetch implements the network collaborators the loader calls to
// obtain widget data. Fetchers perform exactly one HTTP request per call;
// caching, coalescing and retries happen upstream.
//
// Two kinds are supported:
//   - json:       GET endpoint?dataType=<type>&<filter>=<value>..., response
//     body returned verbatim as json.RawMessage
//   - prometheus: GET a text exposition endpoint, returning the sum of every
//     counter, gauge and untyped family as map[string]float64. Filters act as
//     label matchers: only series whose labels equal every filter value count.
//
// Source auth (apikey, bearer, basic, mtls) is applied by a RoundTripper built
// once per source.
package fetch

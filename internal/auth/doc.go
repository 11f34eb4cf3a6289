// Package auth enforces API key authentication on the datasync HTTP API and
// gRPC health listener.
//
// A Policy built with FromConfig carries the mode, header and expected key.
// When the mode is not "apikey" or no key is configured, every request passes
// (useful for local development). Otherwise a missing or wrong key is
// rejected with 401 on HTTP and codes.Unauthenticated on gRPC.
package auth

// Package types defines the value types shared by the synchronization layer
// and its consumers: widget filter sets, the realtime push message envelope,
// and the connection state reported to UI indicators.
package types

// Package config loads and watches the datasync configuration file.
//
// Top-level sections:
//   - log        level (debug|info|warn|error)
//   - http       port for the REST API and widget hub, plus API key auth
//   - grpc       port for the gRPC health service (0 disables it)
//   - cache      default_ttl, capacity (0 = unbounded), sweep_interval
//   - realtime   push channel url and reconnect backoff settings
//   - scheduler  global polling policy (enabled, default_interval,
//     retry_attempts, retry_delay, only_when_visible)
//   - sources    one entry per widget: id, data_type, kind (json|prometheus),
//     endpoint, ttl, interval, filters, auth, tls
//
// Load(path) applies defaults before unmarshalling, then validates.
//
// Watch(ctx, path, current, onChange) uses fsnotify to detect file changes and calls
// onChange with the newly parsed Config. Atomic-save editors (vim, VS Code)
// replace the inode, so the watch is re-added after every reload.
package config

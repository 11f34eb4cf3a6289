// Package hub implements the WebSocket endpoint UI clients use to follow
// widget state.
//
// Hub sends every widget view to a client as soon as it connects, pushes a
// single view whenever a widget changes (Publish), and rebroadcasts the full
// set on a fixed interval so clients that missed an update converge.
//
// Message format sent to clients:
//
//	{ "event": "snapshot", "data": [ /* coordinator.View */ ] }
//	{ "event": "widget",   "data": { /* coordinator.View */ } }
//
// Clients report tab visibility by sending
//
//	{ "event": "visibility", "visible": false }
//
// Hub.Visible reports whether at least one connected client is visible and
// is used as the scheduler's visibility source. A client counts as visible
// until it says otherwise.
//
// The upgrader accepts all origins. Apply CORS restrictions at the reverse
// proxy level. The endpoint is mounted at /ws/widgets by the server.
package hub

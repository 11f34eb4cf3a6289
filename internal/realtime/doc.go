// Package realtime maintains the single logical push connection of the
// synchronization layer and fans inbound messages out to topic subscribers.
//
// Connection states:
//
//	disconnected --Connect--> connecting --dial ok--> connected
//	connected    --drop-----> connecting  (reconnect after backoff)
//	connecting   --dial err-> error       (reconnect after backoff)
//	any          --Disconnect-> disconnected (no further attempts)
//
// Reconnect delays follow a capped exponential schedule with jitter
// (github.com/cenkalti/backoff/v5), reset after every successful dial.
//
// Every inbound frame is a JSON types.Message. A handler subscribed to topic T
// receives a message whose type is T, and also every message of type
// types.WildcardTopic ("metrics"). Messages are delivered on the read
// goroutine in arrival order. Each accepted message is also written to the
// cache under cache.Key(message.Type, nil).
package realtime

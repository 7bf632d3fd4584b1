// Package bus is the in-process progress broker between job engines and
// WebSocket consumers.
//
// # Core Components
//
// Bus holds one topic per job (named job:<id>). Every publish appends to
// the topic's ring of recent events and fans out to live subscribers.
// Sequence numbers are per topic, assigned at publish, and strictly
// increasing, so consumers can detect gaps.
//
// Subscribe returns the ring snapshot and a live channel cut under one
// lock: a consumer replaying the snapshot and then reading the channel
// sees every event exactly once, in order.
//
// # Backpressure
//
// Publishing never blocks. A subscriber that stops draining loses its
// oldest undelivered events; once it catches up it receives a single lag
// event whose data carries the dropped count. Drops are per subscriber;
// other consumers of the topic are unaffected.
//
// # Lifecycle
//
// CloseTopic marks a topic finished when its job reaches a terminal
// state. The ring stays subscribable for a grace period so a client that
// reconnects just after completion still sees the final events, then the
// sweeper removes the topic and closes remaining channels.
//
// # See Also
//
//   - pkg/registry, the only publisher
//   - pkg/gateway for the WebSocket bridge that consumes subscriptions
package bus

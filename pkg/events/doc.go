// Package events is an in-process publish/subscribe broker used to fan
// out state-change notifications — leader elected, job claimed, lease
// expired, article ingested — to any in-process listener that calls
// Subscribe. No HTTP handler in this module streams them out.
//
// Broker keeps no topic registry: every event is broadcast to every
// subscriber, and each subscriber channel is buffered so a slow reader
// drops events rather than blocking the publisher.
package events

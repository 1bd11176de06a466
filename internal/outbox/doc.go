// Package outbox provides the durable pending-mutation queue and the sync
// coordinator that drains it to the central scoring service.
//
// Scores submitted while the venue uplink is down are enqueued with a
// client-generated UUID and survive gateway restarts. The coordinator drains
// the queue in creation order per entity: a score that fails transiently
// blocks later scores for the same entity until it succeeds, while scores for
// other entities keep flowing. Server conflicts and operations that exhaust
// their attempt budget are moved to a surfaced state for a human to resolve;
// they are never silently dropped and never retried automatically.
//
// Dequeue is claim-then-send: an operation is marked in flight before the
// network request goes out, so a crash mid-send can at worst cause one
// duplicate delivery, which the server absorbs via the operation id.
package outbox

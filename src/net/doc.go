// Package net implements the transport drivers that carry Diameter
// traffic for a node.
//
// A driver owns the sockets of its connections and runs a single event
// loop: per-connection reader goroutines frame inbound bytes (the 4-byte
// version+length prefix, then the rest of the message) and feed decoded
// messages into the loop, which hands them to the protocol engine.
// Outbound frames go through a per-connection buffer drained by a writer
// goroutine, so sends never block the engine; closing a connection either
// flushes that buffer or aborts it, depending on whether the close is
// graceful or a reset.
//
// The loop polls the engine for the next timer deadline on every
// iteration and fires due timers, which is how CER timeouts, watchdogs
// and idle expiry advance. Wakeup unblocks the loop so it observes state
// changes, such as a shutdown in progress.
//
// Two stream layers are provided:
//
// - TCP: plain TCP, with an optional local source-port range for
// outbound connections.
//
// - SCTP: SCTP associations over UDP via pion/sctp, one association per
// remote endpoint. Inbound associations are multiplexed onto the single
// listening UDP socket; each outbound dial uses its own UDP socket. Build
// with the nosctp tag to leave it out.
package net

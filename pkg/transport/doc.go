/*
Package transport carries JSON frames to and from the coordinator over a
websocket and keeps that connection alive.

# Connection

Each Conn runs a read pump and a write pump. All writes, frames and pings
alike, go through the write pump, so frames leave in the order Send queued
them. The outbound queue is bounded and Send blocks while it is full.

# Reconnection

Client.Run walks this state machine until its context is cancelled:

	Disconnected ──▶ Connecting ──▶ Connected
	                     ▲               │
	                     │               ▼
	                     └──────── Reconnecting

Delays grow exponentially from InitialBackoff up to MaxBackoff with no limit
on attempts. The delay starts over only after a connection stays up for
StableAfter, so a coordinator that accepts and then rejects the device is
retried at the capped rate.
*/
package transport

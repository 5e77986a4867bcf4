/*
Package events is an in-process publish/subscribe broker for worker
lifecycle events.

Producers publish connection, identity, session and command events:

	connection.connected  connection.lost
	identity.verified     identity.rejected
	session.created       session.exited
	command.completed

A single goroutine fans each event out to every subscriber whose type
filter matches. Publish and delivery never block. A full queue or
subscriber buffer drops the event.
*/
package events

/*
Package identity implements the device registration handshake and the
coordinator-side derivation that backs it.

Every connection starts with exactly one handshake:

	worker                                   coordinator
	  │  register {secret, device_id?}          │
	  │ ───────────────────────────────────────▶│ validate secret
	  │                                         │ id = HMAC(salt, secret)
	  │                                         │ claimed == id ?
	  │  registration_result {accepted, id}     │
	  │ ◀───────────────────────────────────────│

On the first registration the worker has no device id. The coordinator
derives one and the worker persists it. On every later connection the worker
presents the persisted id alongside the secret and the coordinator re-derives
and compares. A stolen secret presented with another device's id, or a
device id presented with the wrong secret, fails the comparison.

A rejection is fatal to the connection only. The caller closes it and
reconnects under its backoff policy. Frames of any other type that arrive
before the result are discarded.
*/
package identity

/*
Package signaling implements a minimal development coordinator for cocoon
workers.

It implements only the coordinator's half of the wire contract and keeps
no state beyond the connected devices. It exists so the worker can be
exercised end to end in tests and on a laptop with `cocoon signaling serve`.

# Registration

	worker                                   coordinator
	  │  register {secret, device_id?}            │
	  ├──────────────────────────────────────────▶│ validate secret
	  │                                           │ derived = HMAC(salt, secret)[:32]
	  │                                           │ device_id empty  → accept derived
	  │                                           │ device_id == derived → accept
	  │                                           │ otherwise → reject
	  │  registration_result {accepted, ...}      │
	  │◀──────────────────────────────────────────┤

The coordinator never stores the secret. A stolen device id is useless
without the secret it was derived from. register_with_setup_token follows
the same path and additionally maps the token to an owner id.

A second connection for an already connected device replaces the first.

# Relaying

	srv.Send(ctx, deviceID, protocol.Execute{...})   // to the worker
	frames, cancel := srv.Subscribe(deviceID)         // from the worker

Over HTTP:

	GET  /api/devices               connected devices
	POST /api/devices/{id}/frames   inject a raw JSON frame (202 queued)
*/
package signaling

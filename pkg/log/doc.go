/*
Package log provides structured logging for cocoon using zerolog.

A single global Logger is configured once at startup via Init and shared by
every package. Components derive child loggers that carry a fixed field so
log lines can be filtered per subsystem:

	log.WithComponent("transport")   component=transport
	log.WithDeviceID(id)             device_id=...
	log.WithSessionID(id)            session_id=...
	log.WithRequestID(id)            request_id=...

Console output is used for interactive runs and JSON output for unattended
deployments:

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

Secrets are never passed to the logger. Code that handles the device secret
logs only its source and length.
*/
package log

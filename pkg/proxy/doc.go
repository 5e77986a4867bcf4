/*
Package proxy relays HTTP requests from the signaling connection to services
listening on the worker's local network.

Services are configured statically as name to host:port mappings, either in
the config file or through COCOON_SERVICES:

	COCOON_SERVICES=api:8080,grafana:10.0.0.7:3000

The Registry is immutable after construction. The Relay looks a name up,
issues the request with a fixed timeout (30 seconds by default) and always
returns a Result. Failures are mapped onto HTTP statuses:

	unknown service        404  service_not_found  (no network call)
	unsupported method     405  method_not_allowed
	timeout                504  timeout
	other transport error  502  proxy_error
*/
package proxy

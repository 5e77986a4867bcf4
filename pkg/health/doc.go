/*
Package health probes the local services the worker can proxy to.

Two checkers implement Checker:

	TCPChecker   connect to host:port, healthy if accepted
	HTTPChecker  GET a path, healthy on 2xx/3xx (redirects not followed)

CheckServices probes every registered endpoint concurrently and returns one
ServiceReport per service, sorted by name. It backs the service_status custom
query and the `cocoon services check` command.
*/
package health

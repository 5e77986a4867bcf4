/*
Package api serves the worker's local HTTP endpoints.

The worker has no inbound control surface: all commands arrive over the
outbound signaling connection. The api package only exposes read-only
operational endpoints on a local address so supervisors (systemd, a
container runtime, Prometheus) can see what the worker is doing.

# Endpoints

	GET /health    overall status from pkg/metrics component health
	               200 healthy/degraded, 503 unhealthy
	GET /ready     200 once transport and identity are healthy, else 503
	GET /live      200 while the process serves requests
	GET /sessions  PTY sessions of the current connection
	GET /metrics   Prometheus exposition

Every endpoint except /metrics rejects non-GET methods with 405.

# Usage

	hs := api.NewHealthServer(dispatcherSessions)
	go func() {
		if err := hs.Start("127.0.0.1:9090"); err != nil {
			log.Error(err.Error())
		}
	}()
	defer hs.Shutdown(ctx)

The session lister may be nil; /sessions then returns an empty list.
*/
package api

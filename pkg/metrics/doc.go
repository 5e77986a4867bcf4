/*
Package metrics exposes cocoon's Prometheus metrics and the component health
registry behind the /health and /ready endpoints.

All collectors are package-level variables registered with the default
registry in init, so any package can record into them directly:

	metrics.CommandsTotal.WithLabelValues("success").Inc()

	timer := metrics.NewTimer()
	resp, err := client.Do(req)
	timer.ObserveDurationVec(metrics.ProxyRequestDuration, service)

The health registry tracks named components. The transport and identity
components are critical: the worker is ready only while it is connected and
verified, and unhealthy if either fails. Other components, such as an
ephemeral secret or an unavailable query store, only degrade the status.

The Collector samples gauges from a Source (the worker) on an interval for
values that change too often to update eagerly.
*/
package metrics

package query

import (
	"context"
	"time"

	"github.com/cuemby/cocoon/pkg/health"
	"github.com/cuemby/cocoon/pkg/proxy"
)

// ServiceStatusQuery is the name of the built-in service probe query
const ServiceStatusQuery = "service_status"

// ServiceStatus probes every service in the registry. Params: http_path
// switches to HTTP probing, timeout_ms bounds each probe.
func ServiceStatus(registry *proxy.Registry) CustomQuery {
	return func(ctx context.Context, params Params) (interface{}, error) {
		opts := health.ProbeOptions{
			HTTPPath: params.String("http_path"),
			Timeout:  time.Duration(params.Int("timeout_ms", 0)) * time.Millisecond,
		}
		reports := health.CheckServices(ctx, registry.List(), opts)

		healthy := 0
		for _, r := range reports {
			if r.Healthy {
				healthy++
			}
		}
		return map[string]interface{}{
			"services": reports,
			"total":    len(reports),
			"healthy":  healthy,
		}, nil
	}
}

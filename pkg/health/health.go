package health

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/cocoon/pkg/types"
)

// CheckType represents the type of health check
type CheckType string

const (
	CheckTypeHTTP CheckType = "http"
	CheckTypeTCP  CheckType = "tcp"
)

// DefaultTimeout bounds a single probe
const DefaultTimeout = 5 * time.Second

// Result represents the outcome of a health check
type Result struct {
	Healthy   bool          `json:"healthy"`
	Message   string        `json:"message"`
	CheckedAt time.Time     `json:"checked_at"`
	Duration  time.Duration `json:"duration_ns"`
}

// Checker is the interface that all health checkers must implement
type Checker interface {
	// Check performs the health check and returns the result
	Check(ctx context.Context) Result

	// Type returns the type of health check
	Type() CheckType
}

// ProbeOptions selects how services are probed
type ProbeOptions struct {
	// HTTPPath switches from a TCP connect to an HTTP GET of this path
	HTTPPath string

	Timeout time.Duration
}

// ServiceReport is the health of one registered service
type ServiceReport struct {
	Service string    `json:"service"`
	Address string    `json:"address"`
	Type    CheckType `json:"type"`
	Result
}

// CheckerFor builds the checker used to probe ep
func CheckerFor(ep types.ServiceEndpoint, opts ProbeOptions) Checker {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if opts.HTTPPath != "" {
		return NewHTTPChecker(ep.URL(opts.HTTPPath)).WithTimeout(timeout)
	}
	return NewTCPChecker(ep.Address()).WithTimeout(timeout)
}

// CheckServices probes every endpoint concurrently. Reports are sorted by
// service name.
func CheckServices(ctx context.Context, endpoints []types.ServiceEndpoint, opts ProbeOptions) []ServiceReport {
	reports := make([]ServiceReport, len(endpoints))

	var wg sync.WaitGroup
	for i, ep := range endpoints {
		wg.Add(1)
		go func(i int, ep types.ServiceEndpoint) {
			defer wg.Done()
			checker := CheckerFor(ep, opts)
			reports[i] = ServiceReport{
				Service: ep.Name,
				Address: ep.Address(),
				Type:    checker.Type(),
				Result:  checker.Check(ctx),
			}
		}(i, ep)
	}
	wg.Wait()

	sort.Slice(reports, func(i, j int) bool {
		return reports[i].Service < reports[j].Service
	})
	return reports
}

package proxy

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/cuemby/cocoon/pkg/types"
)

// DefaultHost is used for services registered without a host
const DefaultHost = "localhost"

// ErrServiceNotFound is returned for names missing from the registry
var ErrServiceNotFound = errors.New("service not found")

// ParseServices parses a comma separated list of "name:port" or
// "name:host:port" entries
func ParseServices(spec string) ([]types.ServiceEndpoint, error) {
	var out []types.ServiceEndpoint
	for _, entry := range strings.Split(spec, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		parts := strings.Split(entry, ":")
		var ep types.ServiceEndpoint
		switch len(parts) {
		case 2:
			ep = types.ServiceEndpoint{Name: parts[0], Host: DefaultHost}
		case 3:
			ep = types.ServiceEndpoint{Name: parts[0], Host: parts[1]}
		default:
			return nil, fmt.Errorf("invalid service entry %q, expected name:port or name:host:port", entry)
		}

		port, err := strconv.Atoi(parts[len(parts)-1])
		if err != nil || port <= 0 || port > 65535 {
			return nil, fmt.Errorf("invalid port in service entry %q", entry)
		}
		ep.Port = port

		if ep.Name == "" || ep.Host == "" {
			return nil, fmt.Errorf("invalid service entry %q", entry)
		}
		out = append(out, ep)
	}
	return out, nil
}

// Registry maps service names to local endpoints. It is built once at
// startup and never mutated, so lookups need no locking.
type Registry struct {
	services map[string]types.ServiceEndpoint
}

// NewRegistry builds a registry, rejecting duplicate names
func NewRegistry(endpoints []types.ServiceEndpoint) (*Registry, error) {
	services := make(map[string]types.ServiceEndpoint, len(endpoints))
	for _, ep := range endpoints {
		if ep.Host == "" {
			ep.Host = DefaultHost
		}
		if _, exists := services[ep.Name]; exists {
			return nil, fmt.Errorf("duplicate service %q", ep.Name)
		}
		services[ep.Name] = ep
	}
	return &Registry{services: services}, nil
}

// Lookup resolves a service name
func (r *Registry) Lookup(name string) (types.ServiceEndpoint, error) {
	ep, ok := r.services[name]
	if !ok {
		return types.ServiceEndpoint{}, fmt.Errorf("%w: %s", ErrServiceNotFound, name)
	}
	return ep, nil
}

// List returns all services sorted by name
func (r *Registry) List() []types.ServiceEndpoint {
	out := make([]types.ServiceEndpoint, 0, len(r.services))
	for _, ep := range r.services {
		out = append(out, ep)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len returns the number of registered services
func (r *Registry) Len() int {
	return len(r.services)
}

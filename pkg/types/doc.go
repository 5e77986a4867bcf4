// Package types holds the domain types shared across cocoon packages: the
// secret source and device identity, transport and PTY session states,
// service endpoints, execution results, and the task and knowledge records
// served by local queries.
package types

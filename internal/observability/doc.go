// Package observability builds the process logger, the trace file logger and
// the Prometheus collectors for the debugger.
package observability

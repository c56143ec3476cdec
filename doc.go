// Package gosio is a library for composable stream and packet I/O over
// heterogeneous transports (TCP, UDP, serial, stdio, pipes, subprocesses)
// with optional layered protocol processing (TLS, message framing,
// multiplexing, telnet/RFC2217, certificate auth, rate limiting).
//
// Applications build an endpoint by composing a Lower Layer (package ll)
// with zero or more Filters (package filter) through the stack runtime in
// package base. This root package holds the small, transport- and
// filter-agnostic surface every endpoint exposes to user code: the
// Endpoint interface, its event vocabulary, and the error kinds the stack
// distinguishes.
package gosio

// Package server runs the endpoints of a DittoNet configuration.
//
// A Server owns a set of endpoints, each with its own listener, backend
// and handler, and the keystores they share. FromConfig builds one from a
// loaded configuration; Serve starts everything and shuts it down in
// reverse order when its context is cancelled or an endpoint reports an
// engine-fatal error.
package server

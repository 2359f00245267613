// Package server implements the HTTP surface of the file relay. It
// wires the routes to the lifecycle manager, and provides the
// middleware chain (request ids, logging, rate limiting, security
// headers) used by tests and the production binary.
package server

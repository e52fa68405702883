// Package server implements the HTTP and WebSocket transport for the Beacon hub.
//
// The implementation is organized into specialized files for configuration,
// origin checking, rate limiting, the WebSocket pumps, chat room request
// handlers, routing, and plain HTTP handlers to keep the codebase
// maintainable and testable as the project grows.
package server

// Package api exposes the task runner over HTTP. It translates requests into
// runner calls, maps engine errors to status codes without leaking internal
// details, and serves health and Prometheus endpoints next to the /api routes.
package api

// Package api exposes the REST surface of the gateway: chat completions
// with optional SSE streaming, the model catalog and the health probe.
package api

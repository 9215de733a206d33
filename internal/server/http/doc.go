// Package httpserver exposes the HTTP surface: the websocket endpoint,
// conversation history, the online-user snapshot, health and metrics.
// All API routes sit behind CORS and general-tier admission control.
package httpserver

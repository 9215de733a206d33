// Package gateway owns the websocket side of the server: one goroutine
// pair per connection, presence registration, send handling and the
// local end of message fan-out.
//
// A connection's lifetime is bracketed by presence registration on
// upgrade and unregistration on close. A heartbeat ping runs on every
// connection; a peer that stops answering is force-closed through the
// same path as a client-initiated disconnect. Acks for sends reflect
// the live delivery hand-off only, never durable persistence.
package gateway

// Package gateway orchestrates the llmconnect server components.
//
// # Overview
//
// The Gateway owns the document store, the in-memory conversation store,
// the provider registry, the generation task registry and the HTTP and gRPC
// servers. New wires them in dependency order; Run serves until its context
// ends; Shutdown tears everything down in reverse.
//
// # HTTP Surface
//
// Conversations are managed over a JSON API:
//
//	GET    /api/conversations
//	POST   /api/conversations
//	GET    /api/conversations/{id}
//	PATCH  /api/conversations/{id}
//	DELETE /api/conversations/{id}
//	POST   /api/conversations/{id}/messages          (202, starts a reply)
//	PUT    /api/conversations/{id}/messages/{index}  (edit, truncates after index)
//	POST   /api/conversations/{id}/regenerate
//	GET    /api/conversations/{id}/export?format=json|markdown|html
//	GET    /api/folders, POST /api/folders, PATCH/DELETE /api/folders/{id}
//	GET    /api/providers
//
// Submitting a turn returns as soon as the user message and the assistant
// placeholder are recorded. The reply is produced by a background task that
// keeps running when the client disconnects.
//
// # Streams
//
// GET /api/conversations/{id}/stream is a server-sent event stream of the
// latest assistant reply:
//
//	event: token
//	data: "full content so far"
//
//	event: done
//	data: {"status":"done","conversation_id":"...","message_index":1,"content":"..."}
//
// Token events carry accumulated content, so a client that reconnects simply
// replaces what it shows. A reply that already finished is replayed as one
// token event followed by done. Keepalive comments are sent every
// stream.heartbeat_interval.
//
// GET /api/events is the lifecycle feed: one JSON event per conversation
// change, optionally narrowed with ?conversation_id=.
//
// # Shutdown
//
// Shutdown marks the gateway not ready, cancels every running generation and
// waits up to generation.shutdown_grace for each placeholder to be finalized
// and persisted, then stops the servers and closes the store.
package gateway

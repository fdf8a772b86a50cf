// Package conversation owns the in-memory conversation state of llmconnect.
//
// # Store
//
// Store is the single source of truth for conversations, their messages and
// the sidebar folders. It is loaded from a store.DocumentStore at startup and
// saved back as one document after every change to a message list, to
// conversation metadata, or to a message's final status:
//
//	docs, _ := store.Open(store.DriverSQLite, path)
//	convs, err := conversation.NewStore(ctx, docs, conversation.Options{})
//
// Messages that were still streaming when the process stopped are marked as
// errors with the content "generation interrupted".
//
// # Concurrency
//
// Each conversation has its own mutex. Appending a turn, truncating on edit,
// deleting, and reading the list shape are serialized on it. The content and
// status of a Message live in an immutable state published through an atomic
// pointer, so readers never take a lock and never see a torn write:
//
//	content, status, changed := msg.Observe()
//	// render content...
//	<-changed // closed by the next write
//
// Only the generation task that owns a streaming placeholder writes to it,
// through SetContent and SetStatus. Status moves from streaming to complete
// or error exactly once; a regenerated reply is always a new message.
//
// # Indexing
//
// The leading system message is hidden from clients. MessageIndexer maps the
// client-visible position to the internal one and must be rebuilt after any
// truncation.
//
// # Lifecycle events
//
// EventBroadcaster fans conversation-level notifications out to subscribers
// (turn started, message finished, truncated, deleted). They carry no content;
// subscribers read the store again. Slow subscribers drop notifications.
package conversation

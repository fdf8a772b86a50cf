// Package store persists llmconnect state as a single document.
//
// # Architecture
//
// All conversations and folders live in one Document. The conversation
// layer owns them in memory and hands a fresh Document to a DocumentStore
// whenever the list shape, metadata or a terminal message status changes.
// Backends only need last-writer-wins durability of the whole document:
//
//   - SQLiteStore: one JSON row in a documents table (modernc.org/sqlite, default)
//   - BoltStore: one key in a bbolt bucket
//   - FileStore: a JSON file written atomically through a temp file and rename
//   - MockStore: in-memory, for tests
//
// Open selects a backend by driver name ("sqlite", "bolt" or "json").
//
// # Data Models
//
//   - Conversation: title, provider, model, InferenceParameters, folder,
//     pinned and archived flags, and the ordered Messages
//   - Message: role (system, user, assistant), content, status and files
//   - Folder: sidebar grouping with color, icon and sort order
//
// The JSON keys of Document match the db.json layout of earlier releases,
// so existing files load unchanged.
//
// # SQLite Configuration
//
// The store uses SQLite with WAL mode and a single connection:
//
//	PRAGMA journal_mode=WAL;
//
// Use ":memory:" for tests that want a real database without a file.
//
// # Error Handling
//
//   - ErrNotFound: a backend holds no saved document yet; Load turns it into an empty document
//   - ErrUnknownDriver: Open was given an unrecognized driver
package store

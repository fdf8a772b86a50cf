// Package chat is the entry point for every conversation mutation that
// involves generation.
//
// The Service records first and then acts: a turn is appended to the
// ConversationStore before its GenerationTask is spawned, and an edit or
// delete cancels the running task and waits for it before the message list
// changes shape. Handlers never spawn or cancel tasks themselves.
package chat

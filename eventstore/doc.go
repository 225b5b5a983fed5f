// Package eventstore provides EventStore implementations: a volatile
// in-memory store for tests and demos, and a durable SQLite store for
// production. Both assign global sequence numbers from a single counter
// shared by all conversations while keeping head state per-conversation.
package eventstore

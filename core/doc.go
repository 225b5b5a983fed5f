// Package core provides the foundational domain types, interfaces and error
// taxonomy used by Colloquy. It defines the core abstractions for:
//
//   - Conversations (persistently logged containers of turn-taking activity)
//   - Events (immutable, globally sequenced log records with finality markers)
//   - Guidance (the derived designation of which agent may act next)
//   - Turn claims (atomic arbitration of who executes a guidance anchor)
//   - Pluggable stores for the event log, idempotency records, attachment
//     blobs and the agent lifecycle registry
//
// The package intentionally keeps implementation concerns (persistence,
// orchestration, transports, concrete agent runners) out of scope, exposing
// small interfaces to enable custom backends and extensions.
package core

// Package blob contains concrete implementations of the core.BlobStore.
//
// The canonical BlobStore interface lives in the core package to avoid
// dependency cycles and keep domain contracts central. Implementation
// packages like this one provide storage backends that can be swapped without
// touching calling code. Blob contents are opaque to the rest of the system;
// events reference blobs by name in their payloads.
package blob

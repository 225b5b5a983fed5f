// Package model defines the provider-agnostic boundary for language model
// collaborators. The core never constructs prompts or retries provider
// calls; runners convert conversation history into a Request, and provider
// failures surface verbatim as core.ProviderError.
//
// Providers (OpenAI, Anthropic) implement the Model interface from this
// package so the lifecycle host stays decoupled from vendor SDKs. MockModel
// provides deterministic completions for tests.
package model

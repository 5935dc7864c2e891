// Package model defines the provider-neutral LLM contract: a normalized
// Request, a channel-based stream of Response chunks, and adapters under
// model/openai and model/anthropic. Streams are lazy, finite and consumed
// exactly once; cancellation closes them and surfaces as an LLMError of kind
// cancelled.
package model

// Package core holds the shared vocabulary of the bot: the role-based
// message/part content model exchanged between the pipeline, the context
// engine and the model adapters, the inbound event envelope pushed by the
// chat-platform adapter, identifier helpers and the typed error taxonomy
// every component reports through.
package core
